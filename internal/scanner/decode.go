package scanner

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// Decode turns raw file bytes into text: UTF-8 when valid, otherwise Latin-1,
// otherwise UTF-8 with invalid sequences replaced. It never fails.
func Decode(content []byte) string {
	if utf8.Valid(content) {
		return string(content)
	}

	if decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(content); err == nil {
		return string(decoded)
	}

	return strings.ToValidUTF8(string(content), "\uFFFD")
}
