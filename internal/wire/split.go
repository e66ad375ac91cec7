package wire

import "strings"

// Message limits the 3.0 clients enforce. Chat lines render in a 92-column
// widget; IM windows take 512 characters per frame.
const (
	ChatMessageMax = 92
	IMMessageMax   = 512
)

// SplitMessage splits s into chunks of at most max bytes. A split lands on
// a word boundary when one exists past a third of max; the boundary space
// itself is dropped. Shorter input comes back as a single chunk.
func SplitMessage(s string, max int) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if max <= 0 || len(s) <= max {
		return []string{s}
	}

	var out []string
	for len(s) > max {
		if i := strings.LastIndexByte(s[:max+1], ' '); i > max/3 {
			out = append(out, strings.TrimRight(s[:i], " "))
			s = strings.TrimLeft(s[i+1:], " ")
			continue
		}
		out = append(out, s[:max])
		s = s[max:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

// SanitizeASCII replaces every byte outside printable ASCII with a space.
// Lossy on purpose: the 1995 clients have no escape mechanism.
func SanitizeASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c < 0x20 || c > 0x7E {
			b[i] = ' '
		}
	}
	return string(b)
}
