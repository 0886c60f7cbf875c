package story

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func persistCharacters(dir string, characters []Character) error {
	return writeJSON(dir, "characters.json", characters)
}

func persistStory(dir string, s Story) error {
	return writeJSON(dir, "story.json", s)
}

func persistScene(dir string, index int, sc Scene) error {
	if dir == "" {
		return nil
	}
	sceneDir := filepath.Join(dir, "scenes")
	if err := os.MkdirAll(sceneDir, 0o755); err != nil {
		return err
	}
	fname := fmt.Sprintf("%02d_%s.md", index, sc.Phase)
	return os.WriteFile(filepath.Join(sceneDir, fname), []byte(renderScene(sc)), 0o644)
}

func persistImage(dir string, name string, png []byte) error {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("save image: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), png, 0o644); err != nil {
		return fmt.Errorf("save image: %w", err)
	}
	return nil
}

func writeJSON(dir string, name string, v any) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	return os.WriteFile(filepath.Join(dir, name), b, 0o644)
}

// WriteMarkdown renders s as a single markdown file under baseDir and
// returns its path.
func WriteMarkdown(baseDir string, s Story) (string, error) {
	dir := filepath.Join(baseDir, safeFileName(s.Title))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	body := strings.Builder{}
	body.WriteString("# ")
	body.WriteString(s.Title)
	body.WriteString("\n\n> ")
	body.WriteString(s.InitialSituation)
	body.WriteString("\n\n")
	for _, c := range s.Characters {
		body.WriteString(fmt.Sprintf("- **%s** (%d): %s\n", c.Name, c.Age, c.PublicPersona))
	}
	for _, sc := range s.Scenes {
		body.WriteString("\n")
		body.WriteString(renderScene(sc))
	}
	if s.Summary != "" {
		body.WriteString("\n## Summary\n\n")
		body.WriteString(s.Summary)
		body.WriteString("\n")
	}
	path := filepath.Join(dir, "story.md")
	if err := os.WriteFile(path, []byte(body.String()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func renderScene(sc Scene) string {
	b := strings.Builder{}
	b.WriteString("## ")
	b.WriteString(sc.Phase.Title())
	b.WriteString("\n\n")
	b.WriteString(sc.Narrative)
	b.WriteString("\n")
	if sc.InnerThought != "" {
		b.WriteString("\n*")
		b.WriteString(sc.InnerThought)
		b.WriteString("*\n")
	}
	for _, t := range sc.InnerThoughts {
		b.WriteString(fmt.Sprintf("\n- %s: %s", t.Character, t.Thought))
	}
	if len(sc.InnerThoughts) > 0 {
		b.WriteString("\n")
	}
	return b.String()
}

func safeFileName(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "/", "-")
	if s == "" {
		return "untitled"
	}
	return s
}
