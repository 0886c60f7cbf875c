package service

import (
	"errors"
	"time"

	"github.com/ibreez3/story-echo/story"
)

type Status string

const (
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusGenerating   Status = "generating"
	StatusContinue     Status = "continue"
	StatusComplete     Status = "complete"
	StatusError        Status = "error"
	StatusCanceled     Status = "canceled"
)

type ComicStatus string

const (
	ComicNotStarted ComicStatus = "not_started"
	ComicGenerating ComicStatus = "generating"
	ComicComplete   ComicStatus = "complete"
	ComicError      ComicStatus = "error"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionBusy     = errors.New("session is generating")
	ErrSessionComplete = errors.New("session is already complete")
	ErrSessionNotReady = errors.New("session is not ready")
	ErrEmptyTheme      = errors.New("theme is required")
	ErrManagerClosed   = errors.New("manager is closed")
)

// Session is a snapshot of one interactive story. Phase is the next phase
// to be generated.
type Session struct {
	ID          string                   `json:"session_id"`
	Theme       string                   `json:"theme"`
	Status      Status                   `json:"status"`
	Phase       story.Phase              `json:"current_phase"`
	Progress    string                   `json:"progress"`
	Error       string                   `json:"error,omitempty"`
	Story       story.Story              `json:"story"`
	ComicStatus ComicStatus              `json:"comic_status"`
	Comic       []story.ComicPanel       `json:"comic_images"`
	ComicError  string                   `json:"comic_error,omitempty"`
	Suggestions map[story.Phase][]string `json:"suggestions,omitempty"`
	LogPath     string                   `json:"log_path,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
	UpdatedAt   time.Time                `json:"updated_at"`
}

// NextPhase is the phase after the latest scene, or Phase when no scene
// exists yet.
func (s Session) NextPhase() story.Phase {
	if n := len(s.Story.Scenes); n > 0 {
		return s.Story.Scenes[n-1].Phase.Next()
	}
	return s.Phase
}

// Done reports whether the story task can no longer change the session.
func (s Session) Done() bool {
	switch s.Status {
	case StatusComplete, StatusError, StatusCanceled:
		return true
	}
	return false
}

// Settled reports whether neither the story nor the comic is in progress.
func (s Session) Settled() bool {
	return s.Done() && s.ComicStatus != ComicGenerating
}

// Result is the finished story grouped by phase.
type Result struct {
	Theme            string                        `json:"theme"`
	Title            string                        `json:"story_title"`
	Characters       []story.Character             `json:"characters"`
	InitialSituation string                        `json:"initial_situation"`
	Story            map[story.Phase][]story.Scene `json:"story"`
	Summary          string                        `json:"summary"`
	ComicStatus      ComicStatus                   `json:"comic_status"`
	Comic            []story.ComicPanel            `json:"comic_images"`
}

func (s Session) Result() Result {
	return Result{
		Theme:            s.Theme,
		Title:            s.Story.Title,
		Characters:       s.Story.Characters,
		InitialSituation: s.Story.InitialSituation,
		Story:            s.Story.ByPhase(),
		Summary:          s.Story.Summary,
		ComicStatus:      s.ComicStatus,
		Comic:            s.Comic,
	}
}

// Suggestions are the directions offered for the next phase. Pending is set
// while they are still being generated.
type Suggestions struct {
	Phase   story.Phase `json:"phase"`
	Items   []string    `json:"suggestions"`
	Pending bool        `json:"pending"`
}
