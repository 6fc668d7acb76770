package storage

import (
	"context"
	"errors"

	"github.com/pbinitiative/zencore/pkg/bpmn/runtime"
)

var ErrNotFound = errors.New("NOT_FOUND")

// Storage is the persistence and query store of the engine.
// Reads made directly on Storage see the last committed state. Reads made through the Tx passed
// to Update see the writes of that transaction.
type Storage interface {
	Reader
	// Update runs fn in a read-write transaction. The transaction is committed when fn returns nil
	// and discarded otherwise.
	Update(ctx context.Context, fn func(tx Tx) error) error
}

type Reader interface {
	ProcessDefinitionReader
	ProcessInstanceReader
	FlowNodeInstanceReader
	ArchiveReader
	ConnectorInstanceReader
	CommentReader
	VariableReader
	PlatformReader
}

type Writer interface {
	ProcessDefinitionWriter
	ProcessInstanceWriter
	FlowNodeInstanceWriter
	ArchiveWriter
	ConnectorInstanceWriter
	CommentWriter
	VariableWriter
	PlatformWriter
}

type Tx interface {
	Reader
	Writer
}

type ProcessDefinitionReader interface {
	FindProcessDefinitionByKey(ctx context.Context, key int64) (runtime.ProcessDefinition, error)
	// FindLatestProcessDefinitionById returns the highest version deployed for processId
	FindLatestProcessDefinitionById(ctx context.Context, processId string) (runtime.ProcessDefinition, error)
}

type ProcessDefinitionWriter interface {
	SaveProcessDefinition(ctx context.Context, definition runtime.ProcessDefinition) error
}

type ProcessInstanceReader interface {
	FindProcessInstanceByKey(ctx context.Context, key int64) (runtime.ProcessInstance, error)
	FindProcessInstances(ctx context.Context, query ProcessInstanceQuery) ([]runtime.ProcessInstance, error)
}

type ProcessInstanceWriter interface {
	SaveProcessInstance(ctx context.Context, instance runtime.ProcessInstance) error
	DeleteProcessInstance(ctx context.Context, key int64) error
}

type FlowNodeInstanceReader interface {
	FindFlowNodeInstanceByKey(ctx context.Context, key int64) (runtime.FlowNodeInstance, error)
	FindFlowNodeInstances(ctx context.Context, query FlowNodeInstanceQuery) ([]runtime.FlowNodeInstance, error)
}

type FlowNodeInstanceWriter interface {
	SaveFlowNodeInstance(ctx context.Context, instance runtime.FlowNodeInstance) error
	DeleteFlowNodeInstance(ctx context.Context, key int64) error
	// DeleteFlowNodeInstancesByProcessInstance returns the number of deleted rows
	DeleteFlowNodeInstancesByProcessInstance(ctx context.Context, processInstanceKey int64) (int, error)
}

type ArchiveReader interface {
	FindArchivedFlowNodeInstances(ctx context.Context, query ArchivedFlowNodeInstanceQuery) ([]runtime.ArchivedFlowNodeInstance, error)
	FindArchivedProcessInstances(ctx context.Context, query ArchivedProcessInstanceQuery) ([]runtime.ArchivedProcessInstance, error)
}

type ArchiveWriter interface {
	SaveArchivedFlowNodeInstance(ctx context.Context, archive runtime.ArchivedFlowNodeInstance) error
	DeleteArchivedFlowNodeInstancesByProcessInstance(ctx context.Context, processInstanceKey int64) (int, error)
	SaveArchivedProcessInstance(ctx context.Context, archive runtime.ArchivedProcessInstance) error
	DeleteArchivedProcessInstancesBySource(ctx context.Context, sourceKey int64) (int, error)
}

type ConnectorInstanceReader interface {
	FindConnectorInstances(ctx context.Context, query ConnectorInstanceQuery) ([]runtime.ConnectorInstance, error)
}

type ConnectorInstanceWriter interface {
	SaveConnectorInstance(ctx context.Context, instance runtime.ConnectorInstance) error
	DeleteConnectorInstancesByProcessInstance(ctx context.Context, processInstanceKey int64) (int, error)
}

type CommentReader interface {
	FindComments(ctx context.Context, processInstanceKey int64) ([]runtime.Comment, error)
}

type CommentWriter interface {
	SaveComment(ctx context.Context, comment runtime.Comment) error
	DeleteCommentsByProcessInstance(ctx context.Context, processInstanceKey int64) (int, error)
}

type VariableReader interface {
	FindVariables(ctx context.Context, processInstanceKey int64) ([]runtime.VariableInstance, error)
}

type VariableWriter interface {
	SaveVariable(ctx context.Context, variable runtime.VariableInstance) error
	DeleteVariablesByProcessInstance(ctx context.Context, processInstanceKey int64) (int, error)
}

// PlatformReader reads platform wide properties, such as the admission window.
type PlatformReader interface {
	GetPlatformProperty(ctx context.Context, name string) (string, error)
}

type PlatformWriter interface {
	SavePlatformProperty(ctx context.Context, name string, value string) error
}
