package xid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratorIsMonotonic(t *testing.T) {
	gen, err := NewGenerator(7)
	require.NoError(t, err)

	prev := gen.Next()
	for i := 0; i < 500; i++ {
		next := gen.Next()
		require.True(t, Less(prev, next), "expected %s < %s", prev, next)
		prev = next
	}
}

func TestNewGeneratorRejectsOutOfRangeNode(t *testing.T) {
	_, err := NewGenerator(4096)
	assert.Error(t, err)
}

func TestNewUsesPrefix(t *testing.T) {
	id := New("req")
	assert.True(t, strings.HasPrefix(id, "req-"))
	assert.NotEqual(t, id, New("req"))
}
