// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package inmemory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pbinitiative/zencore/pkg/bpmn/model"
	"github.com/pbinitiative/zencore/pkg/bpmn/runtime"
	"github.com/pbinitiative/zencore/pkg/journal"
	"github.com/pbinitiative/zencore/pkg/storage"
	"github.com/pbinitiative/zencore/pkg/storage/inmemory"
	"github.com/pbinitiative/zencore/pkg/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStorage(t *testing.T) {
	var store storage.Storage = inmemory.NewStorage()

	tester := storagetest.StorageTester{}

	tests := tester.GetTests()
	for name, testFunc := range tests {
		t.Run(name, testFunc(store, t))
	}
}

func TestUpdateHonoursCancelledContext(t *testing.T) {
	store := inmemory.NewStorage()
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	called := false
	err := store.Update(ctx, func(tx storage.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestDurableStorage(t *testing.T) {
	store, err := inmemory.NewDurableStorage(t.Context(), journal.NewMemoryJournal())
	require.NoError(t, err)

	tester := storagetest.StorageTester{}
	for name, testFunc := range tester.GetTests() {
		t.Run(name, testFunc(store, t))
	}
}

func TestDurableStorageRestoresCommittedRows(t *testing.T) {
	j := journal.NewMemoryJournal()
	store, err := inmemory.NewDurableStorage(t.Context(), j)
	require.NoError(t, err)
	assert.True(t, store.Fresh())

	process := model.MustParse(`
id: order
flowNodes:
  - {id: start, kind: START_EVENT}
  - {id: end, kind: END_EVENT}
sequenceFlows:
  - {id: f1, source: start, target: end}
`)
	startedAt := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	err = store.Update(t.Context(), func(tx storage.Tx) error {
		if err := tx.SaveProcessDefinition(t.Context(), runtime.ProcessDefinition{Key: 10, ProcessId: "order", Version: 1, Process: process}); err != nil {
			return err
		}
		for _, key := range []int64{20, 21} {
			err := tx.SaveProcessInstance(t.Context(), runtime.ProcessInstance{
				Key: key, DefinitionKey: 10, ProcessId: "order", CallerKey: runtime.NoCaller, ParentKey: runtime.NoCaller,
				RootKey: key, State: runtime.ProcessInstanceStateActive, StartedAt: startedAt,
			})
			if err != nil {
				return err
			}
		}
		if err := tx.SaveVariable(t.Context(), runtime.VariableInstance{Key: 30, ProcessInstanceKey: 20, Name: "amount", Value: 5}); err != nil {
			return err
		}
		return tx.SavePlatformProperty(t.Context(), "window", "sealed")
	})
	require.NoError(t, err)
	require.NoError(t, store.Update(t.Context(), func(tx storage.Tx) error {
		return tx.DeleteProcessInstance(t.Context(), 21)
	}))
	err = store.Update(t.Context(), func(tx storage.Tx) error {
		if err := tx.SavePlatformProperty(t.Context(), "window", "overwritten"); err != nil {
			return err
		}
		return errors.New("rolled back")
	})
	require.Error(t, err)

	restarted, err := inmemory.NewDurableStorage(t.Context(), j)
	require.NoError(t, err)
	assert.False(t, restarted.Fresh())

	def, err := restarted.FindProcessDefinitionByKey(t.Context(), 10)
	require.NoError(t, err)
	_, found := def.Process.Node("start")
	assert.True(t, found, "restored process graph is indexed")
	pi, err := restarted.FindProcessInstanceByKey(t.Context(), 20)
	require.NoError(t, err)
	assert.True(t, startedAt.Equal(pi.StartedAt))
	assert.Equal(t, runtime.ProcessInstanceStateActive, pi.State)
	_, err = restarted.FindProcessInstanceByKey(t.Context(), 21)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	vars, err := restarted.FindVariables(t.Context(), 20)
	require.NoError(t, err)
	require.Len(t, vars, 1)
	assert.InDelta(t, 5, vars[0].Value, 0)
	window, err := restarted.GetPlatformProperty(t.Context(), "window")
	require.NoError(t, err)
	assert.Equal(t, "sealed", window)
}

type failingJournal struct {
	*journal.MemoryJournal
}

func (failingJournal) Write(context.Context, []journal.Change) error {
	return errors.New("journal unavailable")
}

func TestDurableStorageAbortsWhenJournalWriteFails(t *testing.T) {
	store, err := inmemory.NewDurableStorage(t.Context(), failingJournal{journal.NewMemoryJournal()})
	require.NoError(t, err)

	err = store.Update(t.Context(), func(tx storage.Tx) error {
		return tx.SavePlatformProperty(t.Context(), "window", "sealed")
	})
	require.ErrorContains(t, err, "journal unavailable")
	_, err = store.GetPlatformProperty(t.Context(), "window")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
