// Package mockmodel is an in-process stand-in for the text and image models.
// Responses are chosen from the prompt, so a full story can be generated
// without network access.
package mockmodel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ibreez3/story-echo/story"
)

// Kind names the kind of request a prompt represents.
type Kind string

const (
	KindCharacters  Kind = "characters"
	KindSituation   Kind = "situation"
	KindTitle       Kind = "title"
	KindScene       Kind = "scene"
	KindInner       Kind = "inner_thought"
	KindSummary     Kind = "summary"
	KindSuggestions Kind = "suggestions"
	KindComic       Kind = "comic"
	KindImage       Kind = "image"
	KindUnknown     Kind = "unknown"
)

// PNG is a 1x1 transparent PNG, base64 encoded.
const PNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="

// KindOf classifies a prompt.
func KindOf(system, prompt string) Kind {
	s := strings.ToLower(system + "\n" + prompt)
	switch {
	case strings.HasPrefix(strings.ToLower(prompt), "16-panel manga layout"):
		return KindImage
	case strings.Contains(s, "create 2 characters"):
		return KindCharacters
	case strings.Contains(s, "situation in which these characters meet"):
		return KindSituation
	case strings.Contains(s, "give the story a title"):
		return KindTitle
	case strings.Contains(s, "express your inner thought"):
		return KindInner
	case strings.Contains(s, "you are the narrator"):
		return KindScene
	case strings.Contains(s, "summarize the story"):
		return KindSummary
	case strings.Contains(s, "suggest 3 directions"):
		return KindSuggestions
	case strings.Contains(s, "image-generation prompt"):
		return KindComic
	}
	return KindUnknown
}

// Model answers text and image prompts. Failures queued for a kind are
// returned, in order, before the model starts answering that kind.
type Model struct {
	Delay time.Duration

	mu       sync.Mutex
	calls    map[Kind]int
	failures map[Kind][]error
	scenes   int
}

func New() *Model {
	return &Model{
		calls:    map[Kind]int{},
		failures: map[Kind][]error{},
	}
}

// FailNext queues errs for the next calls of kind.
func (m *Model) FailNext(kind Kind, errs ...error) *Model {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[kind] = append(m.failures[kind], errs...)
	return m
}

// Calls reports how many requests of kind were received, failed ones included.
func (m *Model) Calls(kind Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[kind]
}

func (m *Model) Generate(ctx context.Context, system string, prompt string) (string, error) {
	if m.Delay > 0 {
		t := time.NewTimer(m.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	kind := KindOf(system, prompt)

	m.mu.Lock()
	m.calls[kind]++
	if q := m.failures[kind]; len(q) > 0 {
		err := q[0]
		m.failures[kind] = q[1:]
		m.mu.Unlock()
		return "", err
	}
	if kind == KindScene {
		m.scenes++
	}
	n := m.scenes
	m.mu.Unlock()

	return m.respond(kind, n)
}

func (m *Model) respond(kind Kind, scene int) (string, error) {
	switch kind {
	case KindCharacters:
		chars := []story.Character{
			{Name: "Aoi", Age: 17, PublicPersona: "a quiet librarian's apprentice", SecretGoal: "to find the author of an anonymous letter", SpeechStyle: "soft and precise"},
			{Name: "Ren", Age: 18, PublicPersona: "the cheerful captain of the track team", SecretGoal: "to confess without being found out", SpeechStyle: "loud, short sentences"},
		}
		b, _ := json.Marshal(chars)
		return "```json\n" + string(b) + "\n```", nil
	case KindSituation:
		return "After school, Aoi finds Ren hiding a letter between the shelves of the closed library.", nil
	case KindTitle:
		return "\"Letters Between Shelves\"", nil
	case KindScene:
		b, _ := json.Marshal(map[string]string{
			"narrative":     fmt.Sprintf("Scene %d. The library is quiet as Aoi and Ren circle the same shelf.", scene),
			"inner_thought": "Neither of them wants to speak first.",
		})
		return string(b), nil
	case KindInner:
		return `{"inner_thought": "I hope they did not notice."}`, nil
	case KindSummary:
		return "Aoi and Ren meet in a closed library, trade suspicions over an anonymous letter, discover they each wrote one, and leave together at dusk.", nil
	case KindSuggestions:
		return `Here you go: {"suggestions": ["A third letter appears", "The librarian returns early", "Ren drops the letter", "unused"]}`, nil
	case KindComic:
		return "two students in a library, anonymous letters, warm dusk light", nil
	case KindImage:
		return PNG, nil
	}
	return "mock response", nil
}
