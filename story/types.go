package story

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Phase is one step of a session. The four narrative phases follow the
// setup, development, twist and conclusion arc.
type Phase string

const (
	PhaseStart    Phase = "start"
	PhaseKi       Phase = "ki"
	PhaseSho      Phase = "sho"
	PhaseTen      Phase = "ten"
	PhaseKetsu    Phase = "ketsu"
	PhaseComplete Phase = "complete"
)

// Phases lists the narrative phases in order.
var Phases = []Phase{PhaseKi, PhaseSho, PhaseTen, PhaseKetsu}

func (p Phase) Next() Phase {
	switch p {
	case PhaseStart:
		return PhaseKi
	case PhaseKi:
		return PhaseSho
	case PhaseSho:
		return PhaseTen
	case PhaseTen:
		return PhaseKetsu
	default:
		return PhaseComplete
	}
}

// Narrative reports whether p produces a scene.
func (p Phase) Narrative() bool {
	switch p {
	case PhaseKi, PhaseSho, PhaseTen, PhaseKetsu:
		return true
	}
	return false
}

func (p Phase) Title() string {
	switch p {
	case PhaseKi:
		return "Ki (setup)"
	case PhaseSho:
		return "Sho (development)"
	case PhaseTen:
		return "Ten (twist)"
	case PhaseKetsu:
		return "Ketsu (conclusion)"
	default:
		return string(p)
	}
}

// Label is the progress text shown while p is generated.
func (p Phase) Label() string {
	switch p {
	case PhaseKi:
		return "[Ki] setting the scene"
	case PhaseSho:
		return "[Sho] developing the story"
	case PhaseTen:
		return "[Ten] writing the turning point"
	case PhaseKetsu:
		return "[Ketsu] writing the ending"
	default:
		return string(p)
	}
}

// Short names the phase in comic prompts.
func (p Phase) Short() string {
	switch p {
	case PhaseKi:
		return "Ki"
	case PhaseSho:
		return "Sho"
	case PhaseTen:
		return "Ten"
	case PhaseKetsu:
		return "Ketsu"
	default:
		return string(p)
	}
}

type Character struct {
	Name          string `json:"name"`
	Age           Age    `json:"age"`
	PublicPersona string `json:"public_persona"`
	SecretGoal    string `json:"secret_goal"`
	SpeechStyle   string `json:"speech_style"`
}

type InnerThought struct {
	Character string `json:"character"`
	Thought   string `json:"thought"`
}

type Scene struct {
	Speaker       string         `json:"speaker"`
	Narrative     string         `json:"narrative"`
	InnerThought  string         `json:"inner_thought"`
	Phase         Phase          `json:"phase"`
	InnerThoughts []InnerThought `json:"all_inner_thoughts"`
}

type Setup struct {
	Characters       []Character `json:"characters"`
	InitialSituation string      `json:"initial_situation"`
	Title            string      `json:"story_title"`
}

type Story struct {
	Theme            string      `json:"theme"`
	Title            string      `json:"story_title"`
	Characters       []Character `json:"characters"`
	InitialSituation string      `json:"initial_situation"`
	Scenes           []Scene     `json:"conversation"`
	Summary          string      `json:"summary"`
}

func (s *Story) Apply(setup Setup) {
	s.Title = setup.Title
	s.Characters = setup.Characters
	s.InitialSituation = setup.InitialSituation
}

// ByPhase groups scenes by narrative phase. Every phase key is present.
func (s Story) ByPhase() map[Phase][]Scene {
	out := make(map[Phase][]Scene, len(Phases))
	for _, p := range Phases {
		out[p] = []Scene{}
	}
	for _, sc := range s.Scenes {
		if _, ok := out[sc.Phase]; ok {
			out[sc.Phase] = append(out[sc.Phase], sc)
		}
	}
	return out
}

// Recent returns at most n of the latest scenes.
func (s Story) Recent(n int) []Scene {
	if len(s.Scenes) <= n {
		return s.Scenes
	}
	return s.Scenes[len(s.Scenes)-n:]
}

func (s Story) Names() []string {
	names := make([]string, 0, len(s.Characters))
	for _, c := range s.Characters {
		names = append(names, c.Name)
	}
	return names
}

type ComicPanel struct {
	Phase    string `json:"phase"`
	ImageURL string `json:"image_url,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Age accepts 17, "17" or "17 years old" from model output.
type Age int

func (a *Age) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*a = Age(n)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*a = Age(int(f))
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		digits := strings.TrimFunc(s, func(r rune) bool { return !unicode.IsDigit(r) })
		if i := strings.IndexFunc(digits, func(r rune) bool { return !unicode.IsDigit(r) }); i != -1 {
			digits = digits[:i]
		}
		if digits == "" {
			*a = 0
			return nil
		}
		v, err := strconv.Atoi(digits)
		if err != nil {
			return fmt.Errorf("invalid age %q: %w", s, err)
		}
		*a = Age(v)
		return nil
	}
	return fmt.Errorf("invalid age format")
}
