package story

import (
	"fmt"
	"strings"
)

const writerSystem = "You are a careful short-fiction writer. Follow the requested output format exactly."

func BuildCharactersPrompt(theme string) (string, string) {
	b := strings.Builder{}
	b.WriteString("Create 2 characters for a short story on the theme: ")
	b.WriteString(theme)
	b.WriteString("\nReturn only a JSON array:\n")
	b.WriteString(`[{"name": "short name", "age": 17, "public_persona": "how others see them (1 sentence)", "secret_goal": "what they secretly want (1 sentence)", "speech_style": "how they talk"}]`)
	return writerSystem, b.String()
}

func BuildSituationPrompt(theme string, characters []Character) (string, string) {
	b := strings.Builder{}
	b.WriteString("Theme: ")
	b.WriteString(theme)
	b.WriteString("\nDescribe, in one sentence, the situation in which these characters meet.\n")
	writeGoals(&b, characters)
	return writerSystem, b.String()
}

func BuildTitlePrompt(theme string, characters []Character) (string, string) {
	b := strings.Builder{}
	b.WriteString("Theme: ")
	b.WriteString(theme)
	b.WriteString("\nCharacters:\n")
	writeGoals(&b, characters)
	b.WriteString("Give the story a title of at most 6 words that captures its mood. Output the title only.")
	return writerSystem, b.String()
}

// BuildNarratorSystem is the third-person narrator instruction shared by
// every scene of a story.
func BuildNarratorSystem(characters []Character) string {
	b := strings.Builder{}
	b.WriteString("You are the narrator of a short story. Describe the scene in third person, with both characters present, mixing dialogue, action and inner life.\n")
	b.WriteString("Characters:\n")
	for _, c := range characters {
		b.WriteString(fmt.Sprintf("%s (%d): persona=%s / goal=%s / speech=%s\n", c.Name, c.Age, c.PublicPersona, c.SecretGoal, c.SpeechStyle))
	}
	b.WriteString("Rules:\n")
	b.WriteString("- every character above appears in the scene\n")
	b.WriteString("- keep an objective viewpoint, never one character's first person\n")
	b.WriteString("- open with the setting, not with a character name\n")
	b.WriteString(`Output only JSON: {"narrative": "the scene", "inner_thought": "one sentence on the mood or core of the scene"}`)
	return b.String()
}

func BuildScenePrompt(s Story, phase Phase, direction string) (string, string) {
	b := strings.Builder{}
	b.WriteString("Initial situation: ")
	b.WriteString(s.InitialSituation)
	recent := s.Recent(4)
	if len(recent) > 0 {
		b.WriteString("\n\nStory so far:\n")
		for i, sc := range recent {
			if i > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString(sc.Narrative)
		}
	}
	if direction != "" {
		b.WriteString("\n\nReader's wish:\n")
		b.WriteString(direction)
	}
	b.WriteString("\n\nThis is the ")
	b.WriteString(phase.Title())
	b.WriteString(" part of the story. ")
	if len(recent) > 0 {
		b.WriteString("Continue from the story so far with a scene where ")
	} else {
		b.WriteString("Write a scene where ")
	}
	b.WriteString(strings.Join(s.Names(), " and "))
	b.WriteString(" both appear.\nOutput only JSON.")
	return BuildNarratorSystem(s.Characters), b.String()
}

func BuildInnerThoughtPrompt(c Character, narrative string) (string, string) {
	b := strings.Builder{}
	b.WriteString("You are ")
	b.WriteString(c.Name)
	b.WriteString(".\nPersona: ")
	b.WriteString(c.PublicPersona)
	b.WriteString("\nGoal: ")
	b.WriteString(c.SecretGoal)
	b.WriteString("\n\nScene: ")
	b.WriteString(narrative)
	b.WriteString("\n\nExpress your inner thought about this scene in one sentence. ")
	b.WriteString(`Output only JSON: {"inner_thought": "..."}`)
	return writerSystem, b.String()
}

func BuildSummaryPrompt(s Story) (string, string) {
	b := strings.Builder{}
	b.WriteString("Summarize the story below in 250 to 300 characters.\n")
	b.WriteString("Theme: ")
	b.WriteString(s.Theme)
	b.WriteString("\n\nStory:\n")
	for i, sc := range s.Scenes {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(sc.Narrative)
	}
	b.WriteString("\n\nCover the setup, development, twist and conclusion, and make the ending clear.")
	return writerSystem, b.String()
}

func BuildSuggestionsPrompt(s Story, phase Phase) (string, string) {
	b := strings.Builder{}
	b.WriteString("Theme: ")
	b.WriteString(s.Theme)
	b.WriteString("\nNext part: ")
	b.WriteString(phase.Title())
	b.WriteString("\n\nStory so far:\n")
	recent := s.Recent(2)
	if len(recent) == 0 {
		b.WriteString("(the story has not started yet)")
	}
	for i, sc := range recent {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(sc.Narrative)
	}
	b.WriteString("\n\nSuggest 3 directions that would make the next part interesting, each under 12 words. ")
	b.WriteString(`Output only JSON: {"suggestions": ["...", "...", "..."]}`)
	return writerSystem, b.String()
}

// BuildComicPrompt asks for an image prompt describing the whole story as a
// 16-panel grid, one row per phase.
func BuildComicPrompt(s Story) (string, string) {
	b := strings.Builder{}
	b.WriteString("Turn the whole story below into an image-generation prompt for a 16-panel manga page (4x4 grid).\n\nStory:\n")
	for _, p := range Phases {
		scenes := s.ByPhase()[p]
		if len(scenes) == 0 {
			continue
		}
		b.WriteString("[")
		b.WriteString(p.Short())
		b.WriteString("] ")
		b.WriteString(scenes[0].Narrative)
		b.WriteString("\n")
	}
	b.WriteString("\nCharacters: ")
	descs := make([]string, 0, len(s.Characters))
	for _, c := range s.Characters {
		descs = append(descs, fmt.Sprintf("%s (%d, %s)", c.Name, c.Age, c.PublicPersona))
	}
	b.WriteString(strings.Join(descs, ", "))
	b.WriteString("\n\nLayout: row 1 is Ki, row 2 Sho, row 3 Ten, row 4 Ketsu, four panels each.")
	b.WriteString("\nStyle: colorful anime illustration, same character designs in all panels, speech bubbles.")
	b.WriteString("\nOutput the prompt only, in English, at most 60 words, and state that it is a 16-panel layout.")
	return writerSystem, b.String()
}

func BuildImagePrompt(comicPrompt string) string {
	return "16-panel manga layout, 4x4 grid, anime style, colorful illustration, consistent character design, " +
		comicPrompt +
		", 2 characters, speech bubbles, manga panel style, same art style throughout all panels"
}

func writeGoals(b *strings.Builder, characters []Character) {
	for _, c := range characters {
		b.WriteString(c.Name)
		b.WriteString(": ")
		b.WriteString(c.SecretGoal)
		b.WriteString("\n")
	}
}
