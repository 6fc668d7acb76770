package zenflake

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratorEncodesNodeId(t *testing.T) {
	g, err := NewGenerator(42)
	require.NoError(t, err)
	key := g.Generate()
	assert.Equal(t, int64(42), GetNodeId(key))
}

func TestGeneratorKeysAreUnique(t *testing.T) {
	g, err := NewGenerator(1)
	require.NoError(t, err)
	seen := map[int64]struct{}{}
	for range 1000 {
		k := g.Generate()
		_, dup := seen[k]
		assert.False(t, dup)
		seen[k] = struct{}{}
	}
}

func TestGeneratorRejectsNodeOutOfRange(t *testing.T) {
	_, err := NewGenerator(1 << 11)
	assert.Error(t, err)
}
