package sandbox

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	tests := map[string]struct {
		s     string
		limit int
		exp   string
	}{
		"A string within the limit should pass through unchanged.": {
			s:     "hello",
			limit: 10,
			exp:   "hello",
		},

		"An ASCII string over the limit should be cut at the limit.": {
			s:     "hello world",
			limit: 5,
			exp:   "hello\n[truncated]",
		},

		"A cut that lands mid-rune should back up to the rune boundary.": {
			s:     strings.Repeat("é", 10),
			limit: 5,
			exp:   strings.Repeat("é", 2) + "\n[truncated]",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			got := truncate(test.s, test.limit)

			assert.Equal(test.exp, got)
			assert.True(utf8.ValidString(got))
		})
	}
}
