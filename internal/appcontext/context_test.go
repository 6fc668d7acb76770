package appcontext

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExecutionKey(t *testing.T) {
	_, ok := GetExecutionKey(context.Background())
	assert.False(t, ok)

	ctx := WithExecutionKey(context.Background(), 42)
	key, ok := GetExecutionKey(ctx)
	assert.True(t, ok)
	assert.Equal(t, int64(42), key)
}

func TestSession(t *testing.T) {
	_, ok := GetSession(context.Background())
	assert.False(t, ok)

	ctx := WithSession(context.Background(), Session{Id: "s1", UserId: 7, TenantId: 1})
	s, ok := GetSession(ctx)
	assert.True(t, ok)
	assert.Equal(t, int64(7), s.UserId)
}
