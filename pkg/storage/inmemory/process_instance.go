package inmemory

import (
	"cmp"
	"context"
	"slices"

	"github.com/pbinitiative/zencore/pkg/bpmn/runtime"
	"github.com/pbinitiative/zencore/pkg/ptr"
	"github.com/pbinitiative/zencore/pkg/storage"
)

func (r *reader) FindProcessDefinitionByKey(ctx context.Context, key int64) (runtime.ProcessDefinition, error) {
	return first[runtime.ProcessDefinition](r, tableProcessDefinition, key)
}

func (r *reader) FindLatestProcessDefinitionById(ctx context.Context, processId string) (runtime.ProcessDefinition, error) {
	defs, err := list[runtime.ProcessDefinition](r, tableProcessDefinition, indexProcessId, nil, processId)
	if err != nil {
		return runtime.ProcessDefinition{}, err
	}
	if len(defs) == 0 {
		return runtime.ProcessDefinition{}, storage.ErrNotFound
	}
	return slices.MaxFunc(defs, func(a, b runtime.ProcessDefinition) int {
		return cmp.Compare(a.Version, b.Version)
	}), nil
}

func (t *tx) SaveProcessDefinition(ctx context.Context, definition runtime.ProcessDefinition) error {
	return t.insert(tableProcessDefinition, definition)
}

func (r *reader) FindProcessInstanceByKey(ctx context.Context, key int64) (runtime.ProcessInstance, error) {
	return first[runtime.ProcessInstance](r, tableProcessInstance, key)
}

func (r *reader) FindProcessInstances(ctx context.Context, q storage.ProcessInstanceQuery) ([]runtime.ProcessInstance, error) {
	match := func(pi runtime.ProcessInstance) bool {
		if len(q.Keys) > 0 && !slices.Contains(q.Keys, pi.Key) {
			return false
		}
		if len(q.ParentKeys) > 0 && !slices.Contains(q.ParentKeys, pi.ParentKey) {
			return false
		}
		if q.OnlyRoots && !pi.IsRoot() {
			return false
		}
		if q.StartedAfter != nil && pi.StartedAt.Before(*q.StartedAfter) {
			return false
		}
		return ptr.Matches(q.DefinitionKey, pi.DefinitionKey) &&
			ptr.Matches(q.RootKey, pi.RootKey) &&
			ptr.Matches(q.State, pi.State)
	}
	var res []runtime.ProcessInstance
	var err error
	if len(q.ParentKeys) == 1 {
		res, err = list(r, tableProcessInstance, indexParent, match, q.ParentKeys[0])
	} else {
		res, err = list(r, tableProcessInstance, indexId, match)
	}
	if err != nil {
		return nil, err
	}
	slices.SortFunc(res, func(a, b runtime.ProcessInstance) int {
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

func (t *tx) SaveProcessInstance(ctx context.Context, instance runtime.ProcessInstance) error {
	return t.insert(tableProcessInstance, instance)
}

func (t *tx) DeleteProcessInstance(ctx context.Context, key int64) error {
	return t.deleteByKey(tableProcessInstance, key)
}
