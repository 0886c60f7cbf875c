package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ibreez3/story-echo/mockmodel"
	"github.com/ibreez3/story-echo/retry"
	"github.com/ibreez3/story-echo/story"
)

func main() {
	// one rate limit on the first scene exercises the backoff path
	model := mockmodel.New().FailNext(mockmodel.KindScene, retry.RateLimit(errors.New("429 Resource exhausted")))
	var waits []time.Duration
	exec := retry.NewExecutor(retry.WithSleep(func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}))

	base := filepath.Join("output", "runs", "mock-run")
	gen := story.NewGenerator(exec, model).
		WithImages(model).
		WithPacing(0).
		WithPersistDir(base)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	s, err := gen.Run(ctx, "first love in a library", nil)
	if err != nil {
		fmt.Println("generation failed:", err)
		os.Exit(1)
	}
	fmt.Println("title:", s.Title, "characters:", len(s.Characters), "scenes:", len(s.Scenes), "waits:", waits)

	for _, p := range []string{"story.json", "characters.json"} {
		if _, e := os.Stat(filepath.Join(base, p)); e != nil {
			fmt.Println("missing file:", p)
			os.Exit(2)
		}
	}
	if fi, e := os.ReadDir(filepath.Join(base, "scenes")); e != nil || len(fi) != len(story.Phases) {
		fmt.Println("scene files missing")
		os.Exit(3)
	}

	panels, err := gen.Comic(ctx, s, base, "comic_16panel.png")
	if err != nil || len(panels) != 1 || panels[0].Error != "" {
		fmt.Println("comic failed:", err, panels)
		os.Exit(4)
	}
	if len(waits) != 1 || waits[0] != 60*time.Second {
		fmt.Println("unexpected backoff:", waits)
		os.Exit(5)
	}
	fmt.Println("persistence verified:", base)
}
