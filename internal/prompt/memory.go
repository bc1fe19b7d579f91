package prompt

import (
	"fmt"
	"strings"

	"github.com/lbds137/tzurot-sub012/internal/memory"
)

// FormatMemory renders a retrieved memory into its canonical prompt
// string. Token budgeting counts this rendered form, not the raw page
// content, so the date prefix is part of the memory's cost.
func FormatMemory(doc memory.Document) string {
	content := strings.TrimSpace(doc.PageContent)
	if content == "" {
		return ""
	}
	if doc.CreatedAt.IsZero() {
		return content
	}
	return fmt.Sprintf("[%s] %s", doc.CreatedAt.Format("2006-01-02"), content)
}

// FormatMemoriesBlock renders the memories section of the system prompt.
// Returns the empty string when no memory renders to anything.
func FormatMemoriesBlock(docs []memory.Document) string {
	var lines []string
	for _, doc := range docs {
		if formatted := FormatMemory(doc); formatted != "" {
			lines = append(lines, "- "+formatted)
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "## Things you remember\n" + strings.Join(lines, "\n")
}
