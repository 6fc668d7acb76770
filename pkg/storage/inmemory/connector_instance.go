package inmemory

import (
	"cmp"
	"context"
	"errors"
	"slices"

	"github.com/pbinitiative/zencore/pkg/bpmn/runtime"
	"github.com/pbinitiative/zencore/pkg/ptr"
	"github.com/pbinitiative/zencore/pkg/storage"
)

func (r *reader) FindConnectorInstances(ctx context.Context, q storage.ConnectorInstanceQuery) ([]runtime.ConnectorInstance, error) {
	match := func(c runtime.ConnectorInstance) bool {
		return ptr.Matches(q.FlowNodeKey, c.FlowNodeKey) && ptr.Matches(q.State, c.State)
	}
	var res []runtime.ConnectorInstance
	var err error
	if q.FlowNodeKey != nil {
		res, err = list(r, tableConnectorInstance, indexFlowNode, match, *q.FlowNodeKey)
	} else {
		res, err = list(r, tableConnectorInstance, indexId, match)
	}
	if err != nil {
		return nil, err
	}
	slices.SortFunc(res, func(a, b runtime.ConnectorInstance) int {
		c := cmp.Compare(a.Key, b.Key)
		if q.Order.Descending {
			return -c
		}
		return c
	})
	return storage.Apply(res, q.Page), nil
}

func (t *tx) SaveConnectorInstance(ctx context.Context, instance runtime.ConnectorInstance) error {
	return t.insert(tableConnectorInstance, instance)
}

func (t *tx) DeleteConnectorInstancesByProcessInstance(ctx context.Context, processInstanceKey int64) (int, error) {
	return t.deleteAll(tableConnectorInstance, indexProcessInstance, processInstanceKey)
}

func (r *reader) FindComments(ctx context.Context, processInstanceKey int64) ([]runtime.Comment, error) {
	res, err := list[runtime.Comment](r, tableComment, indexProcessInstance, nil, processInstanceKey)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(res, func(a, b runtime.Comment) int { return cmp.Compare(a.Key, b.Key) })
	return res, nil
}

func (t *tx) SaveComment(ctx context.Context, comment runtime.Comment) error {
	return t.insert(tableComment, comment)
}

func (t *tx) DeleteCommentsByProcessInstance(ctx context.Context, processInstanceKey int64) (int, error) {
	return t.deleteAll(tableComment, indexProcessInstance, processInstanceKey)
}

func (r *reader) FindVariables(ctx context.Context, processInstanceKey int64) ([]runtime.VariableInstance, error) {
	res, err := list[runtime.VariableInstance](r, tableVariable, indexProcessInstance, nil, processInstanceKey)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(res, func(a, b runtime.VariableInstance) int { return cmp.Compare(a.Name, b.Name) })
	return res, nil
}

// SaveVariable replaces the variable with the same name in the same process instance.
func (t *tx) SaveVariable(ctx context.Context, variable runtime.VariableInstance) error {
	raw, err := t.w.First(tableVariable, indexInstanceName, variable.ProcessInstanceKey, variable.Name)
	if err != nil {
		return err
	}
	if existing, ok := raw.(runtime.VariableInstance); ok && existing.Key != variable.Key {
		if err := t.w.Delete(tableVariable, existing); err != nil {
			return err
		}
	}
	return t.insert(tableVariable, variable)
}

func (t *tx) DeleteVariablesByProcessInstance(ctx context.Context, processInstanceKey int64) (int, error) {
	return t.deleteAll(tableVariable, indexProcessInstance, processInstanceKey)
}

type platformProperty struct {
	Name  string
	Value string
}

func (r *reader) GetPlatformProperty(ctx context.Context, name string) (string, error) {
	raw, err := r.txn().First(tablePlatform, indexId, name)
	if err != nil {
		return "", err
	}
	if raw == nil {
		return "", storage.ErrNotFound
	}
	return raw.(platformProperty).Value, nil
}

func (t *tx) SavePlatformProperty(ctx context.Context, name string, value string) error {
	if name == "" {
		return errors.New("platform property name is empty")
	}
	return t.insert(tablePlatform, platformProperty{Name: name, Value: value})
}
