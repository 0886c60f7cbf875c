package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/ibreez3/story-echo/config"
	"github.com/ibreez3/story-echo/openai"
	"github.com/ibreez3/story-echo/retry"
	"github.com/ibreez3/story-echo/story"
)

func main() {
	theme := flag.String("theme", "", "Story theme")
	model := flag.String("model", "gpt-4o-mini", "Text model")
	imageModel := flag.String("image-model", "dall-e-3", "Image model")
	out := flag.String("out", "output", "Output directory")
	baseURL := flag.String("base-url", "", "API base URL")
	comic := flag.Bool("comic", false, "Also draw the 16-panel comic")
	pace := flag.Duration("pace", story.DefaultPace, "Pause after every model call")
	timeout := flag.Duration("timeout", 60*time.Minute, "Overall time limit")
	failFast := flag.Bool("fail-fast", false, "Stop on request errors that cannot succeed on retry")
	isDebug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *isDebug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.Kitchen})))

	if *theme == "" {
		slog.Error("-theme is required")
		os.Exit(2)
	}
	_ = godotenv.Load()
	apiKey := os.Getenv(config.DefaultAPIKeyEnv)
	if apiKey == "" {
		slog.Error("Missing API key", "env", config.DefaultAPIKeyEnv)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	workDir := filepath.Join(*out, "runs", time.Now().Format("20060102-150405"))
	cli := openai.NewClient(apiKey, *baseURL).FailFast(*failFast)
	exec := retry.NewExecutor(retry.WithProgress(retry.ProgressFunc(func(attempt int, wait time.Duration, msg string) {
		fmt.Println("  ..", msg)
	})))
	gen := story.NewGenerator(exec, cli.Chat(*model)).
		WithImages(cli.Image(*imageModel)).
		WithPacing(*pace).
		WithPersistDir(workDir).
		WithLogger(func(s string) { slog.Info(s) })

	s, path, err := write(ctx, gen, *theme, workDir)
	if err != nil {
		slog.Error("Generation failed", "error", err)
		os.Exit(1)
	}
	fmt.Println("\nTitle:  ", s.Title)
	fmt.Println("Summary:", s.Summary)
	fmt.Println("Saved:  ", path)

	if *comic {
		panels, err := gen.Comic(ctx, s, workDir, "comic_16panel.png")
		if err != nil {
			slog.Error("Comic failed", "error", err)
			os.Exit(1)
		}
		for _, p := range panels {
			if p.Error != "" {
				slog.Warn("Comic image failed", "error", p.Error)
				continue
			}
			fmt.Println("Comic:  ", filepath.Join(workDir, p.ImageURL))
		}
	}
}

// write runs the pipeline and renders story.md inside workDir, next to the
// other artifacts of the run.
func write(ctx context.Context, gen *story.Generator, theme string, workDir string) (story.Story, string, error) {
	s, err := gen.Run(ctx, theme, func(sc story.Scene) {
		fmt.Printf("\n== %s ==\n%s\n", sc.Phase.Title(), sc.Narrative)
		for _, t := range sc.InnerThoughts {
			fmt.Printf("  (%s) %s\n", t.Character, t.Thought)
		}
	})
	if err != nil {
		return s, "", err
	}
	path, err := story.WriteMarkdown(workDir, s)
	if err != nil {
		return s, "", fmt.Errorf("write story: %w", err)
	}
	return s, path, nil
}
