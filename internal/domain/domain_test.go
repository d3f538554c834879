package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAreaOf(t *testing.T) {
	cases := map[string]string{
		"a12":   "A",
		" B7 ":  "B",
		"":      "",
		"é12":   "É",
		"ünit3": "Ü",
	}
	for in, want := range cases {
		assert.Equal(t, want, AreaOf(in), in)
	}
}
