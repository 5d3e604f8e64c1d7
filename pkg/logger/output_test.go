package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSummarize(t *testing.T) {
	tests := []struct {
		name   string
		output string
		max    int
		want   Excerpt
	}{
		{name: "空输出", output: "\r\n", max: 2, want: Excerpt{}},
		{name: "短输出", output: "a\r\nb\r\n", max: 3, want: Excerpt{Head: []string{"a", "b"}, Lines: 2}},
		{
			name:   "长输出",
			output: "1\n2\n3\n4\n5",
			max:    2,
			want:   Excerpt{Head: []string{"1", "2"}, Tail: []string{"4", "5"}, Lines: 5},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Summarize(tt.output, tt.max))
		})
	}
}

func TestExcerptString(t *testing.T) {
	ex := Summarize("1\n2\n3", 1)
	assert.Equal(t, "[1] ... [3]", ex.String())
}
