package inmemory

import (
	"cmp"
	"context"
	"maps"
	"slices"

	"github.com/pbinitiative/zencore/pkg/bpmn/runtime"
	"github.com/pbinitiative/zencore/pkg/ptr"
	"github.com/pbinitiative/zencore/pkg/storage"
)

func (r *reader) FindFlowNodeInstanceByKey(ctx context.Context, key int64) (runtime.FlowNodeInstance, error) {
	return first[runtime.FlowNodeInstance](r, tableFlowNodeInstance, key)
}

func (r *reader) FindFlowNodeInstances(ctx context.Context, q storage.FlowNodeInstanceQuery) ([]runtime.FlowNodeInstance, error) {
	match := func(fn runtime.FlowNodeInstance) bool {
		if len(q.States) > 0 && !slices.Contains(q.States, fn.State) {
			return false
		}
		return ptr.Matches(q.ProcessInstanceKey, fn.ProcessInstanceKey) &&
			ptr.Matches(q.ParentKey, fn.ParentKey) &&
			ptr.Matches(q.AttachedToKey, fn.AttachedToKey) &&
			ptr.Matches(q.ElementId, fn.ElementId) &&
			ptr.Matches(q.Kind, fn.Kind)
	}
	var res []runtime.FlowNodeInstance
	var err error
	switch {
	case q.ProcessInstanceKey != nil:
		res, err = list(r, tableFlowNodeInstance, indexProcessInstance, match, *q.ProcessInstanceKey)
	case q.ParentKey != nil:
		res, err = list(r, tableFlowNodeInstance, indexParent, match, *q.ParentKey)
	case q.AttachedToKey != nil:
		res, err = list(r, tableFlowNodeInstance, indexAttachedTo, match, *q.AttachedToKey)
	default:
		res, err = list(r, tableFlowNodeInstance, indexId, match)
	}
	if err != nil {
		return nil, err
	}
	slices.SortFunc(res, func(a, b runtime.FlowNodeInstance) int {
		c := cmp.Compare(a.Key, b.Key)
		if q.Order.Field == storage.OrderByCreatedAt {
			c = cmp.Or(a.CreatedAt.Compare(b.CreatedAt), c)
		}
		if q.Order.Descending {
			return -c
		}
		return c
	})
	return storage.Apply(res, q.Page), nil
}

func (t *tx) SaveFlowNodeInstance(ctx context.Context, instance runtime.FlowNodeInstance) error {
	instance.Inputs = maps.Clone(instance.Inputs)
	return t.insert(tableFlowNodeInstance, instance)
}

func (t *tx) DeleteFlowNodeInstance(ctx context.Context, key int64) error {
	return t.deleteByKey(tableFlowNodeInstance, key)
}

func (t *tx) DeleteFlowNodeInstancesByProcessInstance(ctx context.Context, processInstanceKey int64) (int, error) {
	return t.deleteAll(tableFlowNodeInstance, indexProcessInstance, processInstanceKey)
}
