package airdrop

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomIDs(t *testing.T) {
	g := NewRandomIDs(nil)

	seen := make(map[string]struct{})
	for range 1000 {
		id := g.Generate()
		require.True(t, ValidID(id), "generated id %q should be valid", id)
		require.LessOrEqual(t, len(id), 25)
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %q", id)
		seen[id] = struct{}{}
	}
}

func TestRandomIDsFromReader(t *testing.T) {
	seed := bytes.Repeat([]byte{0x42}, 16)

	a := NewRandomIDs(bytes.NewReader(seed)).Generate()
	b := NewRandomIDs(bytes.NewReader(seed)).Generate()
	assert.Equal(t, a, b, "same randomness should yield the same id")

	// Exhausted reader falls back to the default source.
	c := NewRandomIDs(bytes.NewReader(nil)).Generate()
	assert.True(t, ValidID(c))
}

func TestNewID(t *testing.T) {
	assert.True(t, ValidID(NewID()))
	assert.NotEqual(t, NewID(), NewID())
}

func TestValidID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"abc123", true},
		{"0", true},
		{strings.Repeat("a", MaxIDLength), true},
		{"", false},
		{strings.Repeat("a", MaxIDLength+1), false},
		{"ABC", false},
		{"../etc", false},
		{"abc/def", false},
		{"abc def", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidID(tt.id))
		})
	}
}
