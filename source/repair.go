package source

import (
	"html"
	"strings"
)

const maxDecodePasses = 4

// FixAmpersands escapes every '&' that does not already start an "&amp;" sequence.
// The upstream feed emits raw ampersands in titles and links, which no XML parser accepts.
func FixAmpersands(s string) string {
	idx := strings.IndexByte(s, '&')
	if idx < 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) + 16)

	rest := s
	for idx >= 0 {
		b.WriteString(rest[:idx])
		b.WriteString("&amp;")
		if strings.HasPrefix(rest[idx:], "&amp;") {
			rest = rest[idx+len("&amp;"):]
		} else {
			rest = rest[idx+1:]
		}
		idx = strings.IndexByte(rest, '&')
	}
	b.WriteString(rest)

	return b.String()
}

// RoundTripEntities normalizes HTML entities in element text and quoted attribute
// values: they are decoded until stable, so double-encoded input collapses, and then
// encoded once with the XML-safe escapes. CDATA sections, comments and processing
// instructions are copied verbatim.
func RoundTripEntities(s string) string {
	var b strings.Builder
	b.Grow(len(s) + len(s)/8)

	i := 0
	for i < len(s) {
		lt := strings.IndexByte(s[i:], '<')
		if lt < 0 {
			b.WriteString(recode(s[i:]))
			break
		}
		b.WriteString(recode(s[i : i+lt]))
		i += lt

		// i is at '<'
		switch {
		case strings.HasPrefix(s[i:], "<![CDATA["):
			i = copyUntil(&b, s, i, "]]>")
		case strings.HasPrefix(s[i:], "<!--"):
			i = copyUntil(&b, s, i, "-->")
		case strings.HasPrefix(s[i:], "<?"):
			i = copyUntil(&b, s, i, "?>")
		default:
			i = recodeTag(&b, s, i)
		}
	}

	return b.String()
}

// copyUntil writes s[start:] up to and including end, returning the next offset
func copyUntil(b *strings.Builder, s string, start int, end string) int {
	n := strings.Index(s[start:], end)
	if n < 0 {
		b.WriteString(s[start:])
		return len(s)
	}
	stop := start + n + len(end)
	b.WriteString(s[start:stop])
	return stop
}

// recodeTag copies a markup tag, re-encoding the contents of quoted attribute values
func recodeTag(b *strings.Builder, s string, start int) int {
	i := start
	for i < len(s) {
		c := s[i]
		switch c {
		case '>':
			b.WriteByte(c)
			return i + 1
		case '"', '\'':
			end := strings.IndexByte(s[i+1:], c)
			if end < 0 {
				b.WriteString(s[i:])
				return len(s)
			}
			b.WriteByte(c)
			b.WriteString(recode(s[i+1 : i+1+end]))
			b.WriteByte(c)
			i += end + 2
		default:
			b.WriteByte(c)
			i++
		}
	}
	return i
}

func recode(text string) string {
	if text == "" || !strings.ContainsAny(text, "&<>\"'") {
		return text
	}
	return html.EscapeString(decode(text))
}

func decode(text string) string {
	for pass := 0; pass < maxDecodePasses; pass++ {
		next := html.UnescapeString(text)
		if next == text {
			break
		}
		text = next
	}
	return text
}

// RepairPayload applies all known fixes for the upstream feed defects
func RepairPayload(raw string) string {
	return RoundTripEntities(FixAmpersands(raw))
}
