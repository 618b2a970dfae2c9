package peerid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewHasPrefixAndLength(t *testing.T) {
	id := New()
	require.Equal(t, Prefix, string(id[:len(Prefix)]))
	require.Len(t, id, 20)
}

func TestNewIsRandomized(t *testing.T) {
	a := New()
	b := New()
	require.NotEqual(t, a, b)
}
