package scanner

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
		want    string
	}{
		{name: "utf-8", content: []byte("print('héllo')"), want: "print('héllo')"},
		{name: "latin-1 fallback", content: []byte{'c', 'a', 'f', 0xe9}, want: "café"},
		{name: "empty", content: nil, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decode(tt.content))
		})
	}
}

func TestDecode_AlwaysValidUTF8(t *testing.T) {
	all := make([]byte, 256)
	for i := range all {
		all[i] = byte(i)
	}

	assert.True(t, utf8.ValidString(Decode(all)))
}

func TestDecode_ThenScan(t *testing.T) {
	content := append([]byte("# caf\xe9\n"), []byte("eval(x)")...)

	findings := Scan(Decode(content))

	assert.Len(t, findings, 1)
	assert.Equal(t, 2, findings[0].Line)
}
