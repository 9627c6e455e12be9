package diffing

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// ContentSummary is a human-readable account of how one page's body changed
// between runs, used for operator-facing run reports (e.g. "exported with
// changes" CLI output) rather than for the add/modified/unchanged decision
// itself, which runs on version numbers.
type ContentSummary struct {
	Unified      string
	AddedLines   int
	DeletedLines int
}

// Summarize builds a colorized unified diff of oldBody vs newBody for id,
// using diffmatchpatch's semantic cleanup so small formatting churn doesn't
// dominate the output. Returns a zero-value summary when the bodies are
// identical.
func Summarize(id, oldBody, newBody string, colorEnabled bool) ContentSummary {
	if oldBody == newBody {
		return ContentSummary{}
	}

	dmp := diffmatchpatch.New()
	oldChars, newChars, lines := dmp.DiffLinesToChars(oldBody, newBody)
	diffs := dmp.DiffMain(oldChars, newChars, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var added, deleted int
	var body strings.Builder
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += strings.Count(d.Text, "\n")
			body.WriteString(colorize(colorEnabled, "+"+d.Text, color.FgGreen))
		case diffmatchpatch.DiffDelete:
			deleted += strings.Count(d.Text, "\n")
			body.WriteString(colorize(colorEnabled, "-"+d.Text, color.FgRed))
		case diffmatchpatch.DiffEqual:
			body.WriteString(d.Text)
		}
	}

	header := colorize(colorEnabled, fmt.Sprintf("--- a/%s\n+++ b/%s\n", id, id), color.FgCyan)
	return ContentSummary{
		Unified:      header + body.String(),
		AddedLines:   added,
		DeletedLines: deleted,
	}
}

func colorize(enabled bool, text string, attr color.Attribute) string {
	if !enabled {
		return text
	}
	return color.New(attr).Sprint(text)
}
