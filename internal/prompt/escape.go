package prompt

import "strings"

// nameEscaper neutralizes characters that would let a user-controlled
// name (guild, channel, topic, thread, author) break out of the markup
// the formatters emit.
var nameEscaper = strings.NewReplacer(
	"<", "",
	">", "",
	"`", "'",
	"\"", "'",
	"\n", " ",
	"\r", " ",
	"\t", " ",
)

// EscapeName sanitizes a user-controlled name for embedding in prompt
// markup. Markup delimiters are stripped, quotes are normalized, and
// whitespace runs collapse to a single space.
func EscapeName(s string) string {
	escaped := nameEscaper.Replace(s)
	return strings.Join(strings.Fields(escaped), " ")
}
