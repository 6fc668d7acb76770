package storagetest

import (
	"context"
	"errors"
	"math/rand"
	"reflect"
	stdruntime "runtime"
	"strings"
	"testing"
	"time"

	"github.com/pbinitiative/zencore/pkg/bpmn/model"
	bpmnruntime "github.com/pbinitiative/zencore/pkg/bpmn/runtime"
	"github.com/pbinitiative/zencore/pkg/ptr"
	"github.com/pbinitiative/zencore/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type StorageTestFunc func(s storage.Storage, t *testing.T) func(t *testing.T)

// StorageTester is a conformance suite every storage.Storage implementation must pass.
type StorageTester struct{}

func (st *StorageTester) GetTests() map[string]StorageTestFunc {
	tests := map[string]StorageTestFunc{}

	// all test functions need to be registered here
	functions := []StorageTestFunc{
		st.TestProcessDefinitionStorage,
		st.TestProcessInstanceStorage,
		st.TestProcessInstanceQuery,
		st.TestFlowNodeInstanceStorage,
		st.TestArchiveStorage,
		st.TestConnectorInstanceStorage,
		st.TestCommentAndVariableStorage,
		st.TestPlatformStorage,
		st.TestUpdateRollsBackOnError,
		st.TestUpdateSeesOwnWrites,
	}

	for _, function := range functions {
		funcName := getFunctionName(function)
		strippedName := funcName[strings.LastIndex(funcName, ".")+1:]
		strippedName = strings.TrimSuffix(strippedName, "-fm")
		tests[strippedName] = function
	}
	return tests
}

func getFunctionName(i any) string {
	return stdruntime.FuncForPC(reflect.ValueOf(i).Pointer()).Name()
}

func newKey() int64 {
	return rand.Int63()
}

func save(t *testing.T, s storage.Storage, fn func(ctx context.Context, tx storage.Tx) error) {
	err := s.Update(t.Context(), func(tx storage.Tx) error {
		return fn(t.Context(), tx)
	})
	require.NoError(t, err)
}

func processInstance(definitionKey, parentKey int64) bpmnruntime.ProcessInstance {
	key := newKey()
	return bpmnruntime.ProcessInstance{
		Key:           key,
		DefinitionKey: definitionKey,
		ProcessId:     "process",
		CallerKey:     parentKey,
		ParentKey:     parentKey,
		RootKey:       key,
		State:         bpmnruntime.ProcessInstanceStateActive,
		Category:      bpmnruntime.StateCategoryNormal,
		StartedAt:     time.Now().Truncate(time.Millisecond),
	}
}

func (st *StorageTester) TestProcessDefinitionStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		processId := "definition-" + strings.ReplaceAll(t.Name(), "/", "-")
		v1 := bpmnruntime.ProcessDefinition{Key: newKey(), ProcessId: processId, Version: 1}
		v2 := bpmnruntime.ProcessDefinition{Key: newKey(), ProcessId: processId, Version: 2}
		save(t, s, func(ctx context.Context, tx storage.Tx) error {
			return errors.Join(tx.SaveProcessDefinition(ctx, v2), tx.SaveProcessDefinition(ctx, v1))
		})

		latest, err := s.FindLatestProcessDefinitionById(t.Context(), processId)
		assert.NoError(t, err)
		assert.Equal(t, v2.Key, latest.Key)

		byKey, err := s.FindProcessDefinitionByKey(t.Context(), v1.Key)
		assert.NoError(t, err)
		assert.Equal(t, int32(1), byKey.Version)

		_, err = s.FindLatestProcessDefinitionById(t.Context(), "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestProcessInstanceStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		pi := processInstance(newKey(), bpmnruntime.NoCaller)
		save(t, s, func(ctx context.Context, tx storage.Tx) error {
			return tx.SaveProcessInstance(ctx, pi)
		})

		found, err := s.FindProcessInstanceByKey(t.Context(), pi.Key)
		assert.NoError(t, err)
		assert.Equal(t, pi, found)

		pi.Category = bpmnruntime.StateCategoryCancelling
		save(t, s, func(ctx context.Context, tx storage.Tx) error {
			return tx.SaveProcessInstance(ctx, pi)
		})
		found, err = s.FindProcessInstanceByKey(t.Context(), pi.Key)
		assert.NoError(t, err)
		assert.Equal(t, bpmnruntime.StateCategoryCancelling, found.Category)

		save(t, s, func(ctx context.Context, tx storage.Tx) error {
			return tx.DeleteProcessInstance(ctx, pi.Key)
		})
		_, err = s.FindProcessInstanceByKey(t.Context(), pi.Key)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		err = s.Update(t.Context(), func(tx storage.Tx) error {
			return tx.DeleteProcessInstance(t.Context(), pi.Key)
		})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestProcessInstanceQuery(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		definitionKey := newKey()
		root := processInstance(definitionKey, bpmnruntime.NoCaller)
		children := make([]bpmnruntime.ProcessInstance, 5)
		for i := range children {
			children[i] = processInstance(definitionKey, root.Key)
			children[i].RootKey = root.Key
		}
		save(t, s, func(ctx context.Context, tx storage.Tx) error {
			errs := []error{tx.SaveProcessInstance(ctx, root)}
			for _, c := range children {
				errs = append(errs, tx.SaveProcessInstance(ctx, c))
			}
			return errors.Join(errs...)
		})

		roots, err := s.FindProcessInstances(t.Context(), storage.ProcessInstanceQuery{DefinitionKey: ptr.To(definitionKey), OnlyRoots: true})
		assert.NoError(t, err)
		assert.Len(t, roots, 1)

		var paged []bpmnruntime.ProcessInstance
		for offset := 0; ; offset += 2 {
			page, err := s.FindProcessInstances(t.Context(), storage.ProcessInstanceQuery{
				ParentKeys: []int64{root.Key},
				Page:       storage.Page{Offset: offset, Limit: 2},
			})
			require.NoError(t, err)
			paged = append(paged, page...)
			if len(page) < 2 {
				break
			}
		}
		assert.ElementsMatch(t, children, paged)
		for i := 1; i < len(paged); i++ {
			assert.Less(t, paged[i-1].Key, paged[i].Key)
		}

		desc, err := s.FindProcessInstances(t.Context(), storage.ProcessInstanceQuery{
			RootKey: ptr.To(root.Key),
			Order:   storage.Order{Field: storage.OrderByKey, Descending: true},
			Page:    storage.Page{Limit: 1},
		})
		assert.NoError(t, err)
		require.Len(t, desc, 1)
		for _, c := range append(children, root) {
			assert.GreaterOrEqual(t, desc[0].Key, c.Key)
		}

		none, err := s.FindProcessInstances(t.Context(), storage.ProcessInstanceQuery{ParentKeys: []int64{newKey()}})
		assert.NoError(t, err)
		assert.NotNil(t, none)
		assert.Empty(t, none)
	}
}

func (st *StorageTester) TestFlowNodeInstanceStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		pi := processInstance(newKey(), bpmnruntime.NoCaller)
		task := bpmnruntime.FlowNodeInstance{
			Key:                newKey(),
			ProcessInstanceKey: pi.Key,
			ElementId:          "task",
			Kind:               model.KindUserTask,
			State:              bpmnruntime.FlowNodeStateReady,
			Inputs:             map[string]any{"a": 1},
		}
		boundary := bpmnruntime.FlowNodeInstance{
			Key:                newKey(),
			ProcessInstanceKey: pi.Key,
			ElementId:          "timer",
			Kind:               model.KindBoundaryEvent,
			State:              bpmnruntime.FlowNodeStateWaiting,
			AttachedToKey:      task.Key,
		}
		save(t, s, func(ctx context.Context, tx storage.Tx) error {
			return errors.Join(tx.SaveFlowNodeInstance(ctx, task), tx.SaveFlowNodeInstance(ctx, boundary))
		})

		found, err := s.FindFlowNodeInstanceByKey(t.Context(), task.Key)
		assert.NoError(t, err)
		assert.Equal(t, task, found)

		attached, err := s.FindFlowNodeInstances(t.Context(), storage.FlowNodeInstanceQuery{AttachedToKey: ptr.To(task.Key)})
		assert.NoError(t, err)
		assert.Equal(t, []bpmnruntime.FlowNodeInstance{boundary}, attached)

		waiting, err := s.FindFlowNodeInstances(t.Context(), storage.FlowNodeInstanceQuery{
			ProcessInstanceKey: ptr.To(pi.Key),
			States:             []bpmnruntime.FlowNodeState{bpmnruntime.FlowNodeStateWaiting},
		})
		assert.NoError(t, err)
		assert.Len(t, waiting, 1)

		var deleted int
		save(t, s, func(ctx context.Context, tx storage.Tx) error {
			deleted, err = tx.DeleteFlowNodeInstancesByProcessInstance(ctx, pi.Key)
			return err
		})
		assert.Equal(t, 2, deleted)
		_, err = s.FindFlowNodeInstanceByKey(t.Context(), task.Key)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestArchiveStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		pi := processInstance(newKey(), bpmnruntime.NoCaller)
		source := newKey()
		archives := []bpmnruntime.ArchivedFlowNodeInstance{
			{Key: newKey(), SourceKey: source, ProcessInstanceKey: pi.Key, State: bpmnruntime.FlowNodeStateReady},
			{Key: newKey(), SourceKey: source, ProcessInstanceKey: pi.Key, State: bpmnruntime.FlowNodeStateCompleted},
		}
		archivedInstance := bpmnruntime.ArchivedProcessInstance{
			Key:       newKey(),
			SourceKey: pi.Key,
			CallerKey: bpmnruntime.NoCaller,
			StartedAt: time.Now().Add(-time.Hour),
		}
		save(t, s, func(ctx context.Context, tx storage.Tx) error {
			return errors.Join(
				tx.SaveArchivedFlowNodeInstance(ctx, archives[0]),
				tx.SaveArchivedFlowNodeInstance(ctx, archives[1]),
				tx.SaveArchivedProcessInstance(ctx, archivedInstance),
			)
		})

		bySource, err := s.FindArchivedFlowNodeInstances(t.Context(), storage.ArchivedFlowNodeInstanceQuery{SourceKey: ptr.To(source)})
		assert.NoError(t, err)
		assert.ElementsMatch(t, archives, bySource)

		completed, err := s.FindArchivedFlowNodeInstances(t.Context(), storage.ArchivedFlowNodeInstanceQuery{
			ProcessInstanceKey: ptr.To(pi.Key),
			State:              ptr.To(bpmnruntime.FlowNodeStateCompleted),
		})
		assert.NoError(t, err)
		assert.Len(t, completed, 1)

		recent, err := s.FindArchivedProcessInstances(t.Context(), storage.ArchivedProcessInstanceQuery{
			SourceKey:    ptr.To(pi.Key),
			StartedAfter: ptr.To(time.Now().Add(-2 * time.Hour)),
		})
		assert.NoError(t, err)
		assert.Len(t, recent, 1)

		save(t, s, func(ctx context.Context, tx storage.Tx) error {
			_, err1 := tx.DeleteArchivedFlowNodeInstancesByProcessInstance(ctx, pi.Key)
			_, err2 := tx.DeleteArchivedProcessInstancesBySource(ctx, pi.Key)
			return errors.Join(err1, err2)
		})
		left, err := s.FindArchivedFlowNodeInstances(t.Context(), storage.ArchivedFlowNodeInstanceQuery{ProcessInstanceKey: ptr.To(pi.Key)})
		assert.NoError(t, err)
		assert.Empty(t, left)
	}
}

func (st *StorageTester) TestConnectorInstanceStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		flowNodeKey := newKey()
		processInstanceKey := newKey()
		save(t, s, func(ctx context.Context, tx storage.Tx) error {
			var errJoin error
			for i := range 7 {
				state := bpmnruntime.ConnectorStateFailed
				if i%2 == 0 {
					state = bpmnruntime.ConnectorStateDone
				}
				errJoin = errors.Join(errJoin, tx.SaveConnectorInstance(ctx, bpmnruntime.ConnectorInstance{
					Key:                newKey(),
					FlowNodeKey:        flowNodeKey,
					ProcessInstanceKey: processInstanceKey,
					State:              state,
				}))
			}
			return errJoin
		})

		failed, err := s.FindConnectorInstances(t.Context(), storage.ConnectorInstanceQuery{
			FlowNodeKey: ptr.To(flowNodeKey),
			State:       ptr.To(bpmnruntime.ConnectorStateFailed),
		})
		assert.NoError(t, err)
		assert.Len(t, failed, 3)

		page, err := s.FindConnectorInstances(t.Context(), storage.ConnectorInstanceQuery{
			FlowNodeKey: ptr.To(flowNodeKey),
			Page:        storage.Page{Offset: 5, Limit: 5},
		})
		assert.NoError(t, err)
		assert.Len(t, page, 2)

		var deleted int
		save(t, s, func(ctx context.Context, tx storage.Tx) error {
			deleted, err = tx.DeleteConnectorInstancesByProcessInstance(ctx, processInstanceKey)
			return err
		})
		assert.Equal(t, 7, deleted)
	}
}

func (st *StorageTester) TestCommentAndVariableStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		pik := newKey()
		save(t, s, func(ctx context.Context, tx storage.Tx) error {
			return errors.Join(
				tx.SaveComment(ctx, bpmnruntime.Comment{Key: newKey(), ProcessInstanceKey: pik, Content: "hello"}),
				tx.SaveVariable(ctx, bpmnruntime.VariableInstance{Key: newKey(), ProcessInstanceKey: pik, Name: "amount", Value: 1}),
			)
		})
		// same name replaces the previous value
		save(t, s, func(ctx context.Context, tx storage.Tx) error {
			return tx.SaveVariable(ctx, bpmnruntime.VariableInstance{Key: newKey(), ProcessInstanceKey: pik, Name: "amount", Value: 2})
		})

		comments, err := s.FindComments(t.Context(), pik)
		assert.NoError(t, err)
		require.Len(t, comments, 1)
		assert.Equal(t, "hello", comments[0].Content)

		variables, err := s.FindVariables(t.Context(), pik)
		assert.NoError(t, err)
		require.Len(t, variables, 1)
		assert.Equal(t, 2, variables[0].Value)

		save(t, s, func(ctx context.Context, tx storage.Tx) error {
			_, err1 := tx.DeleteCommentsByProcessInstance(ctx, pik)
			_, err2 := tx.DeleteVariablesByProcessInstance(ctx, pik)
			return errors.Join(err1, err2)
		})
		variables, err = s.FindVariables(t.Context(), pik)
		assert.NoError(t, err)
		assert.Empty(t, variables)
	}
}

func (st *StorageTester) TestPlatformStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		name := "property-" + strings.ReplaceAll(t.Name(), "/", "-")
		_, err := s.GetPlatformProperty(t.Context(), name)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		save(t, s, func(ctx context.Context, tx storage.Tx) error {
			return tx.SavePlatformProperty(ctx, name, "v1")
		})
		save(t, s, func(ctx context.Context, tx storage.Tx) error {
			return tx.SavePlatformProperty(ctx, name, "v2")
		})
		v, err := s.GetPlatformProperty(t.Context(), name)
		assert.NoError(t, err)
		assert.Equal(t, "v2", v)
	}
}

func (st *StorageTester) TestUpdateRollsBackOnError(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		pi := processInstance(newKey(), bpmnruntime.NoCaller)
		failure := errors.New("unit of work failed")
		err := s.Update(t.Context(), func(tx storage.Tx) error {
			if err := tx.SaveProcessInstance(t.Context(), pi); err != nil {
				return err
			}
			return failure
		})
		assert.ErrorIs(t, err, failure)

		_, err = s.FindProcessInstanceByKey(t.Context(), pi.Key)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestUpdateSeesOwnWrites(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		pi := processInstance(newKey(), bpmnruntime.NoCaller)
		err := s.Update(t.Context(), func(tx storage.Tx) error {
			if err := tx.SaveProcessInstance(t.Context(), pi); err != nil {
				return err
			}
			found, err := tx.FindProcessInstanceByKey(t.Context(), pi.Key)
			if err != nil {
				return err
			}
			assert.Equal(t, pi.Key, found.Key)

			// not visible outside before commit
			_, err = s.FindProcessInstanceByKey(t.Context(), pi.Key)
			assert.ErrorIs(t, err, storage.ErrNotFound)
			return nil
		})
		assert.NoError(t, err)
	}
}
