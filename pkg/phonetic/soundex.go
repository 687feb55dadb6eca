// Package phonetic encodes names so that spelling variants share a key.
package phonetic

import (
	"strings"
	"unicode"
)

var soundexCodes = map[rune]byte{
	'B': '1', 'F': '1', 'P': '1', 'V': '1',
	'C': '2', 'G': '2', 'J': '2', 'K': '2', 'Q': '2', 'S': '2', 'X': '2', 'Z': '2',
	'D': '3', 'T': '3',
	'L': '4',
	'M': '5', 'N': '5',
	'R': '6',
}

// Soundex returns the four-character American Soundex code of s, or "" when
// s contains no letters. Non-letters are ignored; H and W do not separate
// letters with the same code.
func Soundex(s string) string {
	var letters []rune
	for _, r := range strings.ToUpper(s) {
		if r >= 'A' && r <= 'Z' {
			letters = append(letters, r)
		} else if unicode.IsLetter(r) {
			// Non-ASCII letters act as vowels.
			letters = append(letters, 'A')
		}
	}
	if len(letters) == 0 {
		return ""
	}

	out := make([]byte, 0, 4)
	out = append(out, byte(letters[0]))
	prev := soundexCodes[letters[0]]
	for _, r := range letters[1:] {
		if len(out) == 4 {
			break
		}
		code, ok := soundexCodes[r]
		switch {
		case ok && code != prev:
			out = append(out, code)
			prev = code
		case ok:
		case r == 'H' || r == 'W':
		default:
			prev = 0
		}
	}
	for len(out) < 4 {
		out = append(out, '0')
	}
	return string(out)
}
