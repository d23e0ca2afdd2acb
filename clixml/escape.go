package clixml

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf16"
)

var escapePattern = regexp.MustCompile(`_x([0-9A-Fa-f]{4})_`)

// Unescape decodes the _xHHHH_ escapes CLIXML uses for control characters,
// surrogate halves and literal underscores.
func Unescape(s string) string {
	if !strings.Contains(s, "_x") {
		return s
	}

	matches := escapePattern.FindAllStringSubmatchIndex(s, -1)
	if matches == nil {
		return s
	}

	var b strings.Builder
	last := 0
	var pending rune = -1 // unpaired high surrogate
	flush := func() {
		if pending >= 0 {
			b.WriteRune(utf16.DecodeRune(pending, 0))
			pending = -1
		}
	}
	for _, m := range matches {
		if m[0] != last {
			flush()
			b.WriteString(s[last:m[0]])
		}
		v, _ := strconv.ParseUint(s[m[2]:m[3]], 16, 16)
		r := rune(v)
		switch {
		case utf16.IsSurrogate(r) && r < 0xDC00:
			flush()
			pending = r
		case utf16.IsSurrogate(r) && pending >= 0:
			b.WriteRune(utf16.DecodeRune(pending, r))
			pending = -1
		default:
			flush()
			b.WriteRune(r)
		}
		last = m[1]
	}
	flush()
	b.WriteString(s[last:])
	return b.String()
}
