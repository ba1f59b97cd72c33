package telegram

import "strings"

// EscapeMarkdownUnderscores escapes underscores outside code spans and
// fenced blocks. Model output is full of identifiers like "new_york"
// which Telegram Markdown would otherwise render as italics.
func EscapeMarkdownUnderscores(text string) string {
	if !strings.Contains(text, "_") {
		return text
	}

	var b strings.Builder
	b.Grow(len(text) + 8)

	inCodeBlock := false
	inInlineCode := false

	for i := 0; i < len(text); i++ {
		if !inInlineCode && strings.HasPrefix(text[i:], "```") {
			inCodeBlock = !inCodeBlock
			b.WriteString("```")
			i += 2
			continue
		}

		ch := text[i]

		if !inCodeBlock && ch == '`' {
			inInlineCode = !inInlineCode
			b.WriteByte(ch)
			continue
		}

		if !inCodeBlock && !inInlineCode && ch == '_' {
			// Avoid double-escaping a \_ the model already emitted.
			if i > 0 && text[i-1] == '\\' {
				b.WriteByte('_')
				continue
			}
			b.WriteByte('\\')
			b.WriteByte('_')
			continue
		}

		b.WriteByte(ch)
	}

	return b.String()
}
