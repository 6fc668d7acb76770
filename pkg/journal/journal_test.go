package journal

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJournal(t *testing.T, j Journal) {
	t.Helper()
	require.NoError(t, j.Write(t.Context(), []Change{
		{Table: "order", Key: "1", Value: []byte(`{"id":1}`)},
		{Table: "order", Key: "2", Value: []byte(`{"id":2}`)},
		{Table: "invoice", Key: "1", Value: []byte(`{"id":1}`)},
	}))
	require.NoError(t, j.Write(t.Context(), []Change{
		{Table: "order", Key: "1"},
		{Table: "order", Key: "2", Value: []byte(`{"id":2,"paid":true}`)},
	}))

	orders, err := j.Load(t.Context(), "order")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"2": []byte(`{"id":2,"paid":true}`)}, orders)

	invoices, err := j.Load(t.Context(), "invoice")
	require.NoError(t, err)
	assert.Len(t, invoices, 1)

	missing, err := j.Load(t.Context(), "refund")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestMemoryJournal(t *testing.T) {
	testJournal(t, NewMemoryJournal())
}

func TestMemoryJournalLoadIsACopy(t *testing.T) {
	j := NewMemoryJournal()
	require.NoError(t, j.Write(t.Context(), []Change{{Table: "order", Key: "1", Value: []byte("a")}}))
	rows, err := j.Load(t.Context(), "order")
	require.NoError(t, err)
	delete(rows, "1")

	rows, err = j.Load(t.Context(), "order")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestRedisJournal(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	j, err := NewRedisJournal(ctx, RedisConfig{Addr: addr, Prefix: "zencore:test:" + t.Name()})
	if err != nil {
		t.Skipf("redis is not available: %s", err)
	}
	t.Cleanup(func() {
		_ = j.Clear(context.Background(), "order", "invoice")
		_ = j.Close()
	})
	require.NoError(t, j.Clear(t.Context(), "order", "invoice"))

	testJournal(t, j)
}
