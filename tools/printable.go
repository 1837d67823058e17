package tools

import (
	"strings"
	"unicode"
)

type printableType interface {
	~string | ~[]byte
}

// Printable drops every non printable rune from v so it can be logged as text.
func Printable[T printableType](v T) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) {
			return r
		}
		return -1
	}, string(v))
}
