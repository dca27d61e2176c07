package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePrompt(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"Please make a Pomodoro Timer!", "pomodoro timer"},
		{"Can you build   THE expense    tracker?", "expense tracker"},
		{"create some notes app", "notes app"},
		{"", ""},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizePrompt(tc.in), "input %q", tc.in)
	}
}

func TestSimilarity_IdenticalIsOne(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 1.0, Similarity("pomodoro timer", "pomodoro timer"), 1e-9)
}

func TestSimilarity_DisjointIsZero(t *testing.T) {
	t.Parallel()

	assert.Zero(t, Similarity("xyz", "abc"))
	assert.Zero(t, Similarity("", "abc"))
}

func TestSimilarity_PartialOverlap(t *testing.T) {
	t.Parallel()

	s := Similarity("pomodoro timer with breaks", "pomodoro timer")
	assert.Greater(t, s, 0.25)
	assert.Less(t, s, 1.0)
}

func TestSimilarity_Symmetric(t *testing.T) {
	t.Parallel()

	a, b := "notes with tags", "tagged notes"
	assert.InDelta(t, Similarity(a, b), Similarity(b, a), 1e-9)
}
