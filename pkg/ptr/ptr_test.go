package ptr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeref(t *testing.T) {
	assert.Equal(t, 5, Deref(To(5), 1))
	assert.Equal(t, 1, Deref[int](nil, 1))
}

func TestMatches(t *testing.T) {
	assert.True(t, Matches[int64](nil, 10))
	assert.True(t, Matches(To(int64(10)), 10))
	assert.False(t, Matches(To(int64(11)), 10))
}
