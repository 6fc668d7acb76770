package storage

import (
	"time"

	"github.com/pbinitiative/zencore/pkg/bpmn/model"
	"github.com/pbinitiative/zencore/pkg/bpmn/runtime"
)

// Page limits a result set. Limit 0 means no limit, a negative Offset reads from the first item.
type Page struct {
	Offset int
	Limit  int
}

// Apply returns the part of items selected by the page.
func Apply[T any](items []T, p Page) []T {
	p.Offset = max(p.Offset, 0)
	if p.Offset >= len(items) {
		return []T{}
	}
	items = items[p.Offset:]
	if p.Limit > 0 && p.Limit < len(items) {
		items = items[:p.Limit]
	}
	return items
}

type OrderField string

const (
	OrderByKey       OrderField = "key"
	OrderByStartedAt OrderField = "startedAt"
	OrderByCreatedAt OrderField = "createdAt"
)

type Order struct {
	Field      OrderField
	Descending bool
}

type ProcessInstanceQuery struct {
	Keys          []int64
	DefinitionKey *int64
	// ParentKeys selects children of any of the given instances
	ParentKeys   []int64
	RootKey      *int64
	OnlyRoots    bool
	State        *runtime.ProcessInstanceState
	StartedAfter *time.Time
	Order        Order
	Page         Page
}

type FlowNodeInstanceQuery struct {
	ProcessInstanceKey *int64
	ParentKey          *int64
	AttachedToKey      *int64
	ElementId          *string
	Kind               *model.ElementKind
	States             []runtime.FlowNodeState
	Order              Order
	Page               Page
}

type ArchivedFlowNodeInstanceQuery struct {
	ProcessInstanceKey *int64
	SourceKey          *int64
	ElementId          *string
	State              *runtime.FlowNodeState
	Order              Order
	Page               Page
}

type ArchivedProcessInstanceQuery struct {
	SourceKey    *int64
	OnlyRoots    bool
	StartedAfter *time.Time
	Order        Order
	Page         Page
}

type ConnectorInstanceQuery struct {
	FlowNodeKey *int64
	State       *runtime.ConnectorState
	Order       Order
	Page        Page
}
