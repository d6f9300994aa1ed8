// Package markup turns producer text into Telegram MarkdownV2.
//
// Producers write a small Markdown subset: **bold** (or __bold__), *italic*
// (or _italic_), `code`, [links](https://...), "# headings" and "- bullets".
// Everything else is escaped so Telegram never rejects a message for
// unbalanced entities. Content is sanitized once, when a message is created.
package markup

import (
	"strings"
	"unicode/utf8"
)

// ParseMode is the Telegram parse mode matching Sanitize output.
const ParseMode = "MarkdownV2"

const textSpecials = "_*[]()~`>#+-=|{}.!\\"

// Sanitize converts raw Markdown into safe MarkdownV2.
func Sanitize(raw string) string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = convertLine(line)
	}
	return strings.Join(lines, "\n")
}

// EscapeText escapes every MarkdownV2 special character.
func EscapeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 128 && strings.ContainsRune(textSpecials, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func escapeCode(s string) string {
	return strings.NewReplacer("\\", "\\\\", "`", "\\`").Replace(s)
}

func escapeURL(s string) string {
	return strings.NewReplacer("\\", "\\\\", ")", "\\)").Replace(s)
}

func convertLine(line string) string {
	trimmed := strings.TrimLeft(line, " \t")
	indent := line[:len(line)-len(trimmed)]

	if h := headingText(trimmed); h != "" {
		return indent + "*" + convertInline(h) + "*"
	}
	for _, bullet := range []string{"- ", "* ", "+ "} {
		if strings.HasPrefix(trimmed, bullet) {
			return indent + "• " + convertInline(trimmed[len(bullet):])
		}
	}
	return indent + convertInline(trimmed)
}

func headingText(s string) string {
	n := 0
	for n < len(s) && n < 6 && s[n] == '#' {
		n++
	}
	if n == 0 || n >= len(s) || s[n] != ' ' {
		return ""
	}
	return strings.TrimSpace(s[n+1:])
}

func convertInline(s string) string {
	var b strings.Builder
	b.Grow(len(s) + len(s)/4)
	italicEnd := -1

	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s):
			// Explicit escape: keep the next character literal.
			r, size := utf8.DecodeRuneInString(s[i+1:])
			b.WriteString(EscapeText(string(r)))
			i += 1 + size
			continue

		case c == '`':
			if end := strings.IndexByte(s[i+1:], '`'); end >= 0 {
				b.WriteString("`" + escapeCode(s[i+1:i+1+end]) + "`")
				i += end + 2
				continue
			}

		case (c == '*' || c == '_') && strings.HasPrefix(s[i:], string([]byte{c, c})):
			delim := s[i : i+2]
			if end := strings.Index(s[i+2:], delim); end > 0 {
				b.WriteString("*" + convertInline(s[i+2:i+2+end]) + "*")
				i += end + 4
				continue
			}

		case c == '*' || c == '_':
			if end := closingSingle(s[i+1:], c); end > 0 {
				// "__" would read as underline; an empty bold keeps two
				// italic spans apart.
				if b.Len() == italicEnd {
					b.WriteString("**")
				}
				b.WriteString("_" + convertInline(s[i+1:i+1+end]) + "_")
				italicEnd = b.Len()
				i += end + 2
				continue
			}

		case c == '[':
			if text, url, n, ok := link(s[i:]); ok {
				b.WriteString("[" + convertInline(text) + "](" + escapeURL(url) + ")")
				i += n
				continue
			}
		}

		r, size := utf8.DecodeRuneInString(s[i:])
		b.WriteString(EscapeText(string(r)))
		i += size
	}
	return b.String()
}

// closingSingle finds a lone delimiter c that closes an emphasis span.
func closingSingle(s string, c byte) int {
	for j := 0; j < len(s); j++ {
		if s[j] != c {
			continue
		}
		if j+1 < len(s) && s[j+1] == c {
			j++
			continue
		}
		return j
	}
	return -1
}

// link parses "[text](url)" at the start of s.
func link(s string) (text, url string, n int, ok bool) {
	closeText := strings.Index(s, "](")
	if closeText <= 0 {
		return "", "", 0, false
	}
	closeURL := strings.IndexByte(s[closeText+2:], ')')
	if closeURL <= 0 {
		return "", "", 0, false
	}
	text = s[1:closeText]
	url = s[closeText+2 : closeText+2+closeURL]
	if strings.ContainsAny(text, "[]") || strings.ContainsAny(url, " \n") {
		return "", "", 0, false
	}
	return text, url, closeText + 2 + closeURL + 1, true
}
