package export

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// MarkdownExporter renders the transcript for reading.
type MarkdownExporter struct{}

func (e *MarkdownExporter) Export(t *Transcript, w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", t.Title)
	fmt.Fprintf(&b, "**Session:** %s  \n", t.ID)
	fmt.Fprintf(&b, "**Updated:** %s  \n", t.UpdatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "**Messages:** %d\n\n", len(t.Messages))
	b.WriteString("---\n\n")

	for i, m := range t.Messages {
		fmt.Fprintf(&b, "**%s:** (%s)\n\n%s\n\n", m.Role, m.CreatedAt.UTC().Format(time.RFC3339), escapeMarkdown(m.Content))
		if i < len(t.Messages)-1 {
			b.WriteString("---\n\n")
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// escapeMarkdown escapes bold/underline markers outside fenced code blocks.
func escapeMarkdown(text string) string {
	lines := strings.Split(text, "\n")
	inCodeBlock := false
	for i, line := range lines {
		if strings.HasPrefix(line, "```") {
			inCodeBlock = !inCodeBlock
			continue
		}
		if inCodeBlock {
			continue
		}
		line = strings.ReplaceAll(line, "**", "\\*\\*")
		lines[i] = strings.ReplaceAll(line, "__", "\\_\\_")
	}
	return strings.Join(lines, "\n")
}

func (e *MarkdownExporter) Extension() string   { return "md" }
func (e *MarkdownExporter) ContentType() string { return "text/markdown; charset=utf-8" }
