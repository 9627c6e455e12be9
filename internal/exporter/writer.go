package exporter

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/borgius/confluence-exporter-sub000/internal/transform"
)

// Writer lays exported pages and attachments out on disk under a single
// output directory, one Markdown file per page plus binary assets under
// "attachments/<pageID>/".
type Writer struct {
	outputDir string
}

// NewWriter creates a Writer rooted at outputDir.
func NewWriter(outputDir string) *Writer {
	return &Writer{outputDir: outputDir}
}

var unsafePathChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// pageFileName builds a filesystem-safe name from a page id and title,
// preferring the human-readable title when present so exported files are
// browsable without cross-referencing the manifest.
func pageFileName(pageID, title string) string {
	base := title
	if base == "" {
		base = pageID
	}
	base = unsafePathChars.ReplaceAllString(base, "-")
	base = strings.Trim(base, "-")
	if base == "" {
		base = pageID
	}
	return base + ".md"
}

// WritePage renders front matter plus Markdown content to
// "<outputDir>/<file>.md" and returns the path relative to outputDir.
func (w *Writer) WritePage(pageID, title string, result transform.Result) (string, error) {
	if err := os.MkdirAll(w.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("exporter: mkdir output dir: %w", err)
	}

	relPath := pageFileName(pageID, title)
	fullPath := filepath.Join(w.outputDir, relPath)

	var buf strings.Builder
	if len(result.FrontMatter) > 0 {
		fm, err := yaml.Marshal(result.FrontMatter)
		if err != nil {
			return "", fmt.Errorf("exporter: marshal front matter for %s: %w", pageID, err)
		}
		buf.WriteString("---\n")
		buf.Write(fm)
		buf.WriteString("---\n\n")
	}
	buf.WriteString(result.Content)

	if err := os.WriteFile(fullPath, []byte(buf.String()), 0o644); err != nil {
		return "", fmt.Errorf("exporter: write page %s: %w", pageID, err)
	}
	return relPath, nil
}

// ReadPage returns the previously written content at relPath (relative to
// outputDir), or ("", false) if it doesn't exist yet — the common case for a
// page's first export. Used only for operator-facing change summaries, never
// for correctness decisions.
func (w *Writer) ReadPage(relPath string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(w.outputDir, relPath))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// WriteAttachment stores an attachment's bytes under
// "<outputDir>/attachments/<pageID>/<fileName>" and returns the path
// relative to outputDir.
func (w *Writer) WriteAttachment(pageID, fileName string, data []byte) (string, error) {
	dir := filepath.Join(w.outputDir, "attachments", unsafePathChars.ReplaceAllString(pageID, "-"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("exporter: mkdir attachment dir: %w", err)
	}

	safeName := unsafePathChars.ReplaceAllString(fileName, "-")
	if safeName == "" {
		safeName = "attachment"
	}
	fullPath := filepath.Join(dir, safeName)
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return "", fmt.Errorf("exporter: write attachment %s/%s: %w", pageID, fileName, err)
	}
	rel, err := filepath.Rel(w.outputDir, fullPath)
	if err != nil {
		return fullPath, nil
	}
	return rel, nil
}
