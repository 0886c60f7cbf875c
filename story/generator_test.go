package story_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibreez3/story-echo/mockmodel"
	"github.com/ibreez3/story-echo/retry"
	"github.com/ibreez3/story-echo/story"
)

type sleeps struct {
	waits []time.Duration
}

func (s *sleeps) sleep(ctx context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return ctx.Err()
}

func newGenerator(m *mockmodel.Model, rec *sleeps) *story.Generator {
	exec := retry.NewExecutor(retry.WithSleep(rec.sleep))
	return story.NewGenerator(exec, m).WithImages(m).WithPacing(0)
}

func TestGenerator_Setup(t *testing.T) {
	m := mockmodel.New()
	var logs []string
	gen := newGenerator(m, &sleeps{}).WithLogger(func(s string) { logs = append(logs, s) })

	setup, err := gen.Setup(context.Background(), "first love in a library")
	require.NoError(t, err)
	require.Len(t, setup.Characters, 2)
	assert.Equal(t, "Aoi", setup.Characters[0].Name)
	assert.Equal(t, story.Age(17), setup.Characters[0].Age)
	assert.Equal(t, "Letters Between Shelves", setup.Title)
	assert.Contains(t, setup.InitialSituation, "closed library")
	assert.NotEmpty(t, logs)
}

func TestGenerator_SetupTooFewCharacters(t *testing.T) {
	gen := newGenerator(mockmodel.New(), &sleeps{})
	gen.Text = retry.EndpointFunc(func(ctx context.Context, system, prompt string) (string, error) {
		return `[{"name": "Solo", "age": "30 years"}]`, nil
	})

	_, err := gen.Setup(context.Background(), "a lonely theme")
	assert.ErrorIs(t, err, story.ErrTooFewCharacters)
}

func TestGenerator_PhaseRetriesRateLimit(t *testing.T) {
	m := mockmodel.New().FailNext(mockmodel.KindScene, retry.RateLimit(errors.New("429")))
	rec := &sleeps{}
	gen := newGenerator(m, rec)
	s := storyWithSetup(t, gen)
	rec.waits = nil

	scene, err := gen.Phase(context.Background(), s, story.PhaseKi, "make it rain")
	require.NoError(t, err)
	assert.Equal(t, story.PhaseKi, scene.Phase)
	assert.Equal(t, "Aoi & Ren", scene.Speaker)
	assert.Contains(t, scene.Narrative, "Scene 1")
	require.Len(t, scene.InnerThoughts, 2)
	assert.Equal(t, "I hope they did not notice.", scene.InnerThoughts[1].Thought)
	assert.Equal(t, []time.Duration{60 * time.Second}, rec.waits)
	assert.Equal(t, 2, m.Calls(mockmodel.KindScene))
}

func TestGenerator_PhaseSilentThoughtOnFailure(t *testing.T) {
	m := mockmodel.New()
	gen := newGenerator(m, &sleeps{})
	s := storyWithSetup(t, gen)
	m.FailNext(mockmodel.KindInner, retry.Permanent(errors.New("blocked")))

	scene, err := gen.Phase(context.Background(), s, story.PhaseSho, "")
	require.NoError(t, err)
	require.Len(t, scene.InnerThoughts, 2)
	assert.Equal(t, "...", scene.InnerThoughts[0].Thought)
	assert.Equal(t, "I hope they did not notice.", scene.InnerThoughts[1].Thought)
}

func TestGenerator_PhaseRejectsNonNarrative(t *testing.T) {
	gen := newGenerator(mockmodel.New(), &sleeps{})
	_, err := gen.Phase(context.Background(), story.Story{}, story.PhaseComplete, "")
	assert.Error(t, err)
}

func TestGenerator_PhaseExhausted(t *testing.T) {
	m := mockmodel.New()
	gen := newGenerator(m, &sleeps{})
	s := storyWithSetup(t, gen)
	for i := 0; i < 5; i++ {
		m.FailNext(mockmodel.KindScene, retry.RateLimit(errors.New("Resource exhausted")))
	}

	_, err := gen.Phase(context.Background(), s, story.PhaseTen, "")
	assert.ErrorIs(t, err, retry.ErrExhaustedRetries)
	assert.ErrorIs(t, err, retry.ErrRateLimited)
}

func TestGenerator_Suggest(t *testing.T) {
	gen := newGenerator(mockmodel.New(), &sleeps{})
	got, err := gen.Suggest(context.Background(), story.Story{Theme: "mystery"}, story.PhaseKi)
	require.NoError(t, err)
	assert.Equal(t, []string{"A third letter appears", "The librarian returns early", "Ren drops the letter"}, got)
}

func TestGenerator_Pacing(t *testing.T) {
	m := mockmodel.New()
	gen := newGenerator(m, &sleeps{}).WithPacing(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gen.Summarize(ctx, story.Story{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGenerator_PacingIsNotBackoff(t *testing.T) {
	rec := &sleeps{}
	gen := newGenerator(mockmodel.New(), rec).WithPacing(30 * time.Millisecond)

	start := time.Now()
	_, err := gen.Summarize(context.Background(), story.Story{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Empty(t, rec.waits, "pacing must not go through the backoff sleep")
}

func TestGenerator_Run(t *testing.T) {
	m := mockmodel.New()
	dir := t.TempDir()
	gen := newGenerator(m, &sleeps{}).WithPersistDir(dir)

	var seen []story.Phase
	s, err := gen.Run(context.Background(), "first love in a library", func(sc story.Scene) {
		seen = append(seen, sc.Phase)
	})
	require.NoError(t, err)
	assert.Equal(t, story.Phases, seen)
	assert.Len(t, s.Scenes, 4)
	assert.NotEmpty(t, s.Summary)
	assert.Equal(t, 8, m.Calls(mockmodel.KindInner))

	for _, p := range []string{"story.json", "characters.json", "scenes/01_ki.md", "scenes/04_ketsu.md"} {
		_, err := os.Stat(filepath.Join(dir, p))
		assert.NoError(t, err, p)
	}

	byPhase := s.ByPhase()
	for _, p := range story.Phases {
		assert.Len(t, byPhase[p], 1, p)
	}
}

func TestGenerator_Comic(t *testing.T) {
	m := mockmodel.New().FailNext(mockmodel.KindImage, retry.RateLimit(errors.New("Quota exceeded")))
	rec := &sleeps{}
	gen := newGenerator(m, rec)
	s := fullStory(t, gen)
	rec.waits = nil
	dir := t.TempDir()

	panels, err := gen.Comic(context.Background(), s, dir, "abc_16panel.png")
	require.NoError(t, err)
	require.Len(t, panels, 1)
	assert.Empty(t, panels[0].Error)
	assert.Equal(t, "abc_16panel.png", panels[0].ImageURL)
	assert.Contains(t, panels[0].Prompt, "library")
	assert.Equal(t, []time.Duration{60 * time.Second}, rec.waits)

	b, err := os.ReadFile(filepath.Join(dir, "abc_16panel.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), b[:4])
}

func TestGenerator_ComicImageFailureRecordedOnPanel(t *testing.T) {
	m := mockmodel.New().FailNext(mockmodel.KindImage, retry.Permanent(errors.New("safety filter")))
	gen := newGenerator(m, &sleeps{})
	s := fullStory(t, gen)

	panels, err := gen.Comic(context.Background(), s, t.TempDir(), "x.png")
	require.NoError(t, err)
	require.Len(t, panels, 1)
	assert.Contains(t, panels[0].Error, "safety filter")
	assert.Empty(t, panels[0].ImageURL)
}

func TestGenerator_ComicPromptFailure(t *testing.T) {
	m := mockmodel.New().FailNext(mockmodel.KindComic, retry.Permanent(errors.New("bad request")))
	gen := newGenerator(m, &sleeps{})
	s := fullStory(t, gen)

	_, err := gen.Comic(context.Background(), s, t.TempDir(), "x.png")
	assert.ErrorIs(t, err, retry.ErrFatal)
}

func TestGenerator_ComicWithoutScenes(t *testing.T) {
	gen := newGenerator(mockmodel.New(), &sleeps{})
	_, err := gen.Comic(context.Background(), story.Story{}, t.TempDir(), "x.png")
	assert.ErrorIs(t, err, story.ErrNoScenes)

	gen.Images = nil
	_, err = gen.Comic(context.Background(), story.Story{}, t.TempDir(), "x.png")
	assert.ErrorIs(t, err, story.ErrNoImageModel)
}

func TestWriteMarkdown(t *testing.T) {
	gen := newGenerator(mockmodel.New(), &sleeps{})
	s := fullStory(t, gen)

	path, err := story.WriteMarkdown(t.TempDir(), s)
	require.NoError(t, err)
	assert.Equal(t, "story.md", filepath.Base(path))
	assert.Equal(t, "Letters_Between_Shelves", filepath.Base(filepath.Dir(path)))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "## Ketsu (conclusion)")
	assert.Contains(t, string(b), "## Summary")
}

func storyWithSetup(t *testing.T, gen *story.Generator) story.Story {
	t.Helper()
	setup, err := gen.Setup(context.Background(), "first love in a library")
	require.NoError(t, err)
	s := story.Story{Theme: "first love in a library"}
	s.Apply(setup)
	return s
}

func fullStory(t *testing.T, gen *story.Generator) story.Story {
	t.Helper()
	s, err := gen.Run(context.Background(), "first love in a library", nil)
	require.NoError(t, err)
	return s
}
