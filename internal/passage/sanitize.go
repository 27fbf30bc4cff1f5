package passage

import "strings"

// markdownEscaper escapes the characters that open entities in Telegram's
// legacy Markdown mode.
var markdownEscaper = strings.NewReplacer(
	"*", `\*`,
	"_", `\_`,
	"`", "\\`",
	"[", `\[`,
)

// Sanitize backslash-escapes Markdown control characters in literal text
// pulled from the source document. It is not idempotent: call it once per
// text node and never on text the bot formats itself.
func Sanitize(text string) string {
	return markdownEscaper.Replace(text)
}

// unescapeMarkdown reverses Sanitize and drops bold markers. Used for plain
// text previews only.
var unescapeMarkdown = strings.NewReplacer(
	`\*`, "*",
	`\_`, "_",
	"\\`", "`",
	`\[`, "[",
	"*", "",
)
