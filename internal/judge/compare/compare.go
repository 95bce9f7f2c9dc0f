// Package compare decides whether a program's output matches the expected output.
package compare

import (
	"bytes"
)

// Comparator compares captured program output with the expected output.
type Comparator interface {
	Equal(actual, expected []byte) bool
}

// WhitespaceInsensitive ignores CRLF line endings, trailing whitespace on
// each line and trailing blank lines. Leading and inner whitespace matter.
type WhitespaceInsensitive struct{}

func (WhitespaceInsensitive) Equal(actual, expected []byte) bool {
	return bytes.Equal(normalize(actual), normalize(expected))
}

// Exact compares byte for byte.
type Exact struct{}

func (Exact) Equal(actual, expected []byte) bool {
	return bytes.Equal(actual, expected)
}

func normalize(b []byte) []byte {
	lines := bytes.Split(bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n")), []byte("\n"))
	for i, line := range lines {
		lines[i] = bytes.TrimRight(line, " \t\r\f\v")
	}
	end := len(lines)
	for end > 0 && len(lines[end-1]) == 0 {
		end--
	}
	return bytes.Join(lines[:end], []byte("\n"))
}
