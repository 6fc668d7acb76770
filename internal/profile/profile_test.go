package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	p, ok := Parse("prod")
	assert.True(t, ok)
	assert.Equal(t, PROD, p)

	_, ok = Parse("staging")
	assert.False(t, ok)
}

func TestInitProfileFromEnv(t *testing.T) {
	t.Setenv("PROFILE", "test")
	defer func() { Current = DEV }()
	InitProfile()
	assert.Equal(t, TEST, Current)
}
