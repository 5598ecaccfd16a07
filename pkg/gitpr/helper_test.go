package gitpr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLastNonEmptyLine(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://github.com/x/y/pull/1\n", "https://github.com/x/y/pull/1"},
		{"Creating pull request...\n\nhttps://github.com/x/y/pull/2\n\n", "https://github.com/x/y/pull/2"},
		{"", ""},
		{"\n\n", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, lastNonEmptyLine(tt.in))
	}
}
