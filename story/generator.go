package story

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ibreez3/story-echo/retry"
)

// DefaultPace keeps a single session under a 10 requests per minute quota.
const DefaultPace = 8 * time.Second

const silentThought = "..."

var (
	ErrTooFewCharacters = errors.New("story: model returned fewer than two characters")
	ErrNoScenes         = errors.New("story: nothing to draw, the story has no scenes")
	ErrNoImageModel     = errors.New("story: no image endpoint configured")
)

type Generator struct {
	Exec       *retry.Executor
	Text       retry.Endpoint
	Images     retry.Endpoint
	Policy     retry.Policy
	Pace       time.Duration
	Log        func(string)
	PersistDir string
}

func NewGenerator(exec *retry.Executor, text retry.Endpoint) *Generator {
	if exec == nil {
		exec = retry.NewExecutor()
	}
	return &Generator{
		Exec:   exec,
		Text:   text,
		Policy: retry.DefaultPolicy(),
		Pace:   DefaultPace,
	}
}

func (g *Generator) WithImages(images retry.Endpoint) *Generator {
	g.Images = images
	return g
}

func (g *Generator) WithLogger(log func(string)) *Generator {
	g.Log = log
	return g
}

func (g *Generator) WithPersistDir(dir string) *Generator {
	g.PersistDir = dir
	return g
}

func (g *Generator) WithPacing(d time.Duration) *Generator {
	g.Pace = d
	return g
}

func (g *Generator) WithPolicy(p retry.Policy) *Generator {
	g.Policy = p
	return g
}

// Setup creates the two characters, the initial situation and the title.
func (g *Generator) Setup(ctx context.Context, theme string) (Setup, error) {
	g.logf("[setup] generating characters")
	sys, user := BuildCharactersPrompt(theme)
	out, err := g.ask(ctx, g.Text, sys, user)
	if err != nil {
		return Setup{}, fmt.Errorf("generate characters: %w", err)
	}
	var characters []Character
	if err := decodeJSON(out, &characters); err != nil {
		return Setup{}, fmt.Errorf("generate characters: %w", err)
	}
	if len(characters) < 2 {
		return Setup{}, ErrTooFewCharacters
	}
	for _, c := range characters {
		g.logf(fmt.Sprintf("[character] %s | %d | %s | %s", c.Name, c.Age, c.PublicPersona, c.SecretGoal))
	}

	g.logf("[setup] generating initial situation")
	sys, user = BuildSituationPrompt(theme, characters)
	situation, err := g.ask(ctx, g.Text, sys, user)
	if err != nil {
		return Setup{}, fmt.Errorf("generate initial situation: %w", err)
	}

	g.logf("[setup] generating title")
	sys, user = BuildTitlePrompt(theme, characters)
	title, err := g.ask(ctx, g.Text, sys, user)
	if err != nil {
		return Setup{}, fmt.Errorf("generate title: %w", err)
	}

	return Setup{
		Characters:       characters,
		InitialSituation: situation,
		Title:            strings.Trim(title, "\"'"),
	}, nil
}

// Phase writes the scene for phase and one inner thought per character.
// A character whose thought cannot be generated stays silent.
func (g *Generator) Phase(ctx context.Context, s Story, phase Phase, direction string) (Scene, error) {
	if !phase.Narrative() {
		return Scene{}, fmt.Errorf("story: %q is not a narrative phase", phase)
	}
	g.logf(phase.Label())
	sys, user := BuildScenePrompt(s, phase, direction)
	out, err := g.ask(ctx, g.Text, sys, user)
	if err != nil {
		return Scene{}, fmt.Errorf("generate %s scene: %w", phase, err)
	}
	var data struct {
		Narrative    string `json:"narrative"`
		InnerThought string `json:"inner_thought"`
	}
	if err := decodeJSON(out, &data); err != nil {
		return Scene{}, fmt.Errorf("generate %s scene: %w", phase, err)
	}
	scene := Scene{
		Speaker:      strings.Join(s.Names(), " & "),
		Narrative:    data.Narrative,
		InnerThought: data.InnerThought,
		Phase:        phase,
	}

	for _, c := range s.Characters {
		thought, err := g.innerThought(ctx, c, scene.Narrative)
		if err != nil {
			if ctx.Err() != nil {
				return Scene{}, ctx.Err()
			}
			g.logf(fmt.Sprintf("[inner thought] %s failed: %v", c.Name, err))
			thought = silentThought
		}
		scene.InnerThoughts = append(scene.InnerThoughts, InnerThought{Character: c.Name, Thought: thought})
	}
	return scene, nil
}

func (g *Generator) innerThought(ctx context.Context, c Character, narrative string) (string, error) {
	sys, user := BuildInnerThoughtPrompt(c, narrative)
	out, err := g.ask(ctx, g.Text, sys, user)
	if err != nil {
		return "", err
	}
	var data struct {
		InnerThought string `json:"inner_thought"`
	}
	if err := decodeJSON(out, &data); err != nil {
		return "", err
	}
	if data.InnerThought == "" {
		return silentThought, nil
	}
	return data.InnerThought, nil
}

func (g *Generator) Summarize(ctx context.Context, s Story) (string, error) {
	g.logf("[summary] summarizing story")
	sys, user := BuildSummaryPrompt(s)
	out, err := g.ask(ctx, g.Text, sys, user)
	if err != nil {
		return "", fmt.Errorf("summarize story: %w", err)
	}
	return out, nil
}

// Suggest proposes three directions for phase.
func (g *Generator) Suggest(ctx context.Context, s Story, phase Phase) ([]string, error) {
	sys, user := BuildSuggestionsPrompt(s, phase)
	out, err := g.ask(ctx, g.Text, sys, user)
	if err != nil {
		return nil, fmt.Errorf("suggest directions: %w", err)
	}
	var data struct {
		Suggestions []string `json:"suggestions"`
	}
	if err := decodeJSON(out, &data); err != nil {
		return nil, fmt.Errorf("suggest directions: %w", err)
	}
	if len(data.Suggestions) > 3 {
		data.Suggestions = data.Suggestions[:3]
	}
	return data.Suggestions, nil
}

// Comic draws the whole story as a single 16-panel page and writes it to
// dir/name. An error is returned only when no image prompt could be produced;
// a failed image is reported on the returned panel.
func (g *Generator) Comic(ctx context.Context, s Story, dir string, name string) ([]ComicPanel, error) {
	if g.Images == nil {
		return nil, ErrNoImageModel
	}
	if len(s.Scenes) == 0 {
		return nil, ErrNoScenes
	}
	g.logf("[comic] generating 16-panel prompt")
	sys, user := BuildComicPrompt(s)
	prompt, err := g.ask(ctx, g.Text, sys, user)
	if err != nil {
		return nil, fmt.Errorf("generate comic prompt: %w", err)
	}

	panel := ComicPanel{Phase: "all (16 panels)", Prompt: prompt}
	g.logf("[comic] generating image")
	b64, err := g.Exec.Execute(ctx, retry.Request{Prompt: BuildImagePrompt(prompt), Endpoint: g.Images}, g.Policy)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		panel.Error = err.Error()
		return []ComicPanel{panel}, nil
	}
	png, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		panel.Error = fmt.Sprintf("decode image: %v", err)
		return []ComicPanel{panel}, nil
	}
	if err := persistImage(dir, name, png); err != nil {
		panel.Error = err.Error()
		return []ComicPanel{panel}, nil
	}
	panel.ImageURL = name
	g.logf("[comic] saved " + name)
	return []ComicPanel{panel}, nil
}

// Run generates a complete story in one pass: setup, the four phases and the
// summary. onScene is called after every scene.
func (g *Generator) Run(ctx context.Context, theme string, onScene func(Scene)) (Story, error) {
	s := Story{Theme: theme}
	setup, err := g.Setup(ctx, theme)
	if err != nil {
		return Story{}, err
	}
	s.Apply(setup)
	if g.PersistDir != "" {
		_ = persistCharacters(g.PersistDir, s.Characters)
	}

	for i, phase := range Phases {
		scene, err := g.Phase(ctx, s, phase, "")
		if err != nil {
			return Story{}, err
		}
		s.Scenes = append(s.Scenes, scene)
		if g.PersistDir != "" {
			_ = persistScene(g.PersistDir, i+1, scene)
		}
		if onScene != nil {
			onScene(scene)
		}
	}

	summary, err := g.Summarize(ctx, s)
	if err != nil {
		return Story{}, err
	}
	s.Summary = summary
	if g.PersistDir != "" {
		_ = persistStory(g.PersistDir, s)
	}
	return s, nil
}

// ask runs one call through the executor and then holds off for the pacing
// interval so back-to-back calls stay under the quota.
func (g *Generator) ask(ctx context.Context, ep retry.Endpoint, system string, prompt string) (string, error) {
	out, err := g.Exec.Execute(ctx, retry.Request{System: system, Prompt: prompt, Endpoint: ep}, g.Policy)
	if err != nil {
		return "", err
	}
	if err := retry.Sleep(ctx, g.Pace); err != nil {
		return "", err
	}
	return out, nil
}

func (g *Generator) logf(msg string) {
	if g.Log != nil {
		g.Log(msg)
	}
}
