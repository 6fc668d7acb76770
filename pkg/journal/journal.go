// Package journal persists the rows of the in-memory stores so they survive a restart.
//
// Every committed write transaction of a store is written as one batch of changes, a batch is applied
// atomically. On start the store reads its tables back with Load.
package journal

import (
	"context"
	"maps"
	"sync"
)

// Change is one row written or deleted by a committed transaction.
type Change struct {
	Table string
	Key   string
	// Value is the encoded row, nil deletes the row
	Value []byte
}

func (c Change) IsDelete() bool {
	return c.Value == nil
}

type Journal interface {
	// Write applies all changes or none of them.
	Write(ctx context.Context, changes []Change) error
	// Load returns the rows of table by key.
	Load(ctx context.Context, table string) (map[string][]byte, error)
}

// MemoryJournal keeps the journal in process memory. Stores sharing one survive their own restart.
type MemoryJournal struct {
	mu     sync.Mutex
	tables map[string]map[string][]byte
}

var _ Journal = &MemoryJournal{}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{tables: map[string]map[string][]byte{}}
}

func (j *MemoryJournal) Write(ctx context.Context, changes []Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, c := range changes {
		rows, ok := j.tables[c.Table]
		if !ok {
			rows = map[string][]byte{}
			j.tables[c.Table] = rows
		}
		if c.IsDelete() {
			delete(rows, c.Key)
			continue
		}
		rows[c.Key] = c.Value
	}
	return nil
}

func (j *MemoryJournal) Load(ctx context.Context, table string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return maps.Clone(j.tables[table]), nil
}
