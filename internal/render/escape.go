package render

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

var ErrInvalidText = errors.New("text is not valid UTF-8")

const ellipsis = "..."

// markdownV2Reserved must be backslash-escaped outside code entities.
const markdownV2Reserved = "_*[]()~`>#+-=|{}.!\\"

var urlPattern = regexp.MustCompile(`https?://\S+`)

// Escape escapes reserved characters of the dialect in s, leaving URLs
// untouched so the provider can auto-link them.
func (d Dialect) Escape(s string) (string, error) {
	if !utf8.ValidString(s) {
		return "", ErrInvalidText
	}
	var b strings.Builder
	b.Grow(len(s) + len(s)/8)
	last := 0
	for _, loc := range urlPattern.FindAllStringIndex(s, -1) {
		escapeReserved(&b, s[last:loc[0]])
		b.WriteString(s[loc[0]:loc[1]])
		last = loc[1]
	}
	escapeReserved(&b, s[last:])
	return b.String(), nil
}

func escapeReserved(b *strings.Builder, s string) {
	for _, r := range s {
		if r < utf8.RuneSelf && strings.IndexByte(markdownV2Reserved, byte(r)) >= 0 {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
}

// width is the number of UTF-16 code units r encodes to, the unit message
// budgets are counted in. Invalid bytes decode to the replacement character
// and count as one.
func width(r rune) int {
	if n := utf16.RuneLen(r); n > 0 {
		return n
	}
	return 1
}

func textWidth(s string) int {
	n := 0
	for _, r := range s {
		n += width(r)
	}
	return n
}

// codeCost is how many units r occupies inside a code block.
func codeCost(r rune) int {
	if r == '`' || r == '\\' {
		return 2
	}
	return width(r)
}

// fitCode escapes s for a code block so the result is at most budget
// units, cutting it short with an ellipsis when needed.
func fitCode(s string, budget int) string {
	total := 0
	for _, r := range s {
		total += codeCost(r)
	}
	limit := budget
	if total > budget {
		limit = budget - len(ellipsis)
	}

	var b strings.Builder
	used := 0
	for _, r := range s {
		c := codeCost(r)
		if used+c > limit {
			break
		}
		if r == '`' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
		used += c
	}
	if total > budget {
		b.WriteString(ellipsis)
	}
	return b.String()
}

// truncate cuts s to at most max units including the ellipsis. Invalid
// UTF-8 bytes are kept and count as one unit each.
func truncate(s string, max int) string {
	if textWidth(s) <= max {
		return s
	}
	limit := max - len(ellipsis)
	n := 0
	for i, r := range s {
		c := width(r)
		if n+c > limit {
			return s[:i] + ellipsis
		}
		n += c
	}
	return s
}
