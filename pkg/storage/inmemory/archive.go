package inmemory

import (
	"cmp"
	"context"
	"slices"

	"github.com/pbinitiative/zencore/pkg/bpmn/runtime"
	"github.com/pbinitiative/zencore/pkg/ptr"
	"github.com/pbinitiative/zencore/pkg/storage"
)

func (r *reader) FindArchivedFlowNodeInstances(ctx context.Context, q storage.ArchivedFlowNodeInstanceQuery) ([]runtime.ArchivedFlowNodeInstance, error) {
	match := func(a runtime.ArchivedFlowNodeInstance) bool {
		return ptr.Matches(q.ProcessInstanceKey, a.ProcessInstanceKey) &&
			ptr.Matches(q.SourceKey, a.SourceKey) &&
			ptr.Matches(q.ElementId, a.ElementId) &&
			ptr.Matches(q.State, a.State)
	}
	var res []runtime.ArchivedFlowNodeInstance
	var err error
	switch {
	case q.ProcessInstanceKey != nil:
		res, err = list(r, tableArchivedFlowNode, indexProcessInstance, match, *q.ProcessInstanceKey)
	case q.SourceKey != nil:
		res, err = list(r, tableArchivedFlowNode, indexSource, match, *q.SourceKey)
	default:
		res, err = list(r, tableArchivedFlowNode, indexId, match)
	}
	if err != nil {
		return nil, err
	}
	slices.SortFunc(res, func(a, b runtime.ArchivedFlowNodeInstance) int {
		c := cmp.Compare(a.Key, b.Key)
		if q.Order.Descending {
			return -c
		}
		return c
	})
	return storage.Apply(res, q.Page), nil
}

func (r *reader) FindArchivedProcessInstances(ctx context.Context, q storage.ArchivedProcessInstanceQuery) ([]runtime.ArchivedProcessInstance, error) {
	match := func(a runtime.ArchivedProcessInstance) bool {
		if q.OnlyRoots && a.CallerKey != runtime.NoCaller {
			return false
		}
		if q.StartedAfter != nil && a.StartedAt.Before(*q.StartedAfter) {
			return false
		}
		return ptr.Matches(q.SourceKey, a.SourceKey)
	}
	var res []runtime.ArchivedProcessInstance
	var err error
	if q.SourceKey != nil {
		res, err = list(r, tableArchivedProcessInstance, indexSource, match, *q.SourceKey)
	} else {
		res, err = list(r, tableArchivedProcessInstance, indexId, match)
	}
	if err != nil {
		return nil, err
	}
	slices.SortFunc(res, func(a, b runtime.ArchivedProcessInstance) int {
		c := cmp.Compare(a.Key, b.Key)
		if q.Order.Field == storage.OrderByStartedAt {
			c = cmp.Or(a.StartedAt.Compare(b.StartedAt), c)
		}
		if q.Order.Descending {
			return -c
		}
		return c
	})
	return storage.Apply(res, q.Page), nil
}

func (t *tx) SaveArchivedFlowNodeInstance(ctx context.Context, archive runtime.ArchivedFlowNodeInstance) error {
	return t.insert(tableArchivedFlowNode, archive)
}

func (t *tx) DeleteArchivedFlowNodeInstancesByProcessInstance(ctx context.Context, processInstanceKey int64) (int, error) {
	return t.deleteAll(tableArchivedFlowNode, indexProcessInstance, processInstanceKey)
}

func (t *tx) SaveArchivedProcessInstance(ctx context.Context, archive runtime.ArchivedProcessInstance) error {
	return t.insert(tableArchivedProcessInstance, archive)
}

func (t *tx) DeleteArchivedProcessInstancesBySource(ctx context.Context, sourceKey int64) (int, error) {
	return t.deleteAll(tableArchivedProcessInstance, indexSource, sourceKey)
}
