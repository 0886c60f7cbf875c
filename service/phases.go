package service

import "github.com/ibreez3/story-echo/story"

type PhaseInfo struct {
	Phase story.Phase `json:"phase"`
	Title string      `json:"title"`
	Label string      `json:"label"`
}

// Phases lists the narrative phases for the UI.
func Phases() []PhaseInfo {
	out := make([]PhaseInfo, 0, len(story.Phases))
	for _, p := range story.Phases {
		out = append(out, PhaseInfo{Phase: p, Title: p.Title(), Label: p.Label()})
	}
	return out
}
