package runtime

import (
	"time"

	"github.com/pbinitiative/zencore/pkg/bpmn/model"
)

// NoCaller is the CallerKey and ParentKey of a root process instance.
const NoCaller int64 = -1

type ProcessDefinition struct {
	Key        int64
	ProcessId  string // the id as defined in the definition file
	Version    int32  // incremented when another definition with the same ProcessId is deployed
	Process    *model.Process
	DeployedAt time.Time
}

type StateCategory string

const (
	StateCategoryNormal     StateCategory = "NORMAL"
	StateCategoryAborting   StateCategory = "ABORTING"
	StateCategoryCancelling StateCategory = "CANCELLING"
	StateCategoryCompleted  StateCategory = "COMPLETED"
)

type ProcessInstanceState string

const (
	ProcessInstanceStateActive    ProcessInstanceState = "ACTIVE"
	ProcessInstanceStateCompleted ProcessInstanceState = "COMPLETED"
	ProcessInstanceStateCancelled ProcessInstanceState = "CANCELLED"
	ProcessInstanceStateAborted   ProcessInstanceState = "ABORTED"
)

type ProcessInstance struct {
	Key           int64
	DefinitionKey int64
	ProcessId     string
	// SubProcessId is set for instances of an event sub-process of the parent's definition
	SubProcessId string
	// CallerKey is the flow node in the parent instance that spawned this one, NoCaller for roots
	CallerKey int64
	ParentKey int64
	RootKey   int64
	TenantId  int64
	State     ProcessInstanceState
	Category  StateCategory
	StartedBy int64
	StartedAt time.Time
	EndedAt   time.Time
}

func (pi ProcessInstance) IsRoot() bool {
	return pi.CallerKey == NoCaller
}

func (pi ProcessInstance) IsActive() bool {
	return pi.State == ProcessInstanceStateActive
}

type ArchivedProcessInstance struct {
	Key           int64
	SourceKey     int64
	DefinitionKey int64
	RootKey       int64
	CallerKey     int64
	State         ProcessInstanceState
	StartedAt     time.Time
	EndedAt       time.Time
	ArchivedAt    time.Time
}

type FlowNodeState string

const (
	FlowNodeStateCreated   FlowNodeState = "CREATED"
	FlowNodeStateReady     FlowNodeState = "READY"
	FlowNodeStateWaiting   FlowNodeState = "WAITING"
	FlowNodeStateExecuting FlowNodeState = "EXECUTING"
	FlowNodeStateCompleted FlowNodeState = "COMPLETED"
	FlowNodeStateFailed    FlowNodeState = "FAILED"
	FlowNodeStateAborted   FlowNodeState = "ABORTED"
	FlowNodeStateCancelled FlowNodeState = "CANCELLED"
)

// IsTerminal reports whether the flow node left the live table.
func (s FlowNodeState) IsTerminal() bool {
	switch s {
	case FlowNodeStateCompleted, FlowNodeStateAborted, FlowNodeStateCancelled:
		return true
	}
	return false
}

type FlowNodeInstance struct {
	Key                int64
	ProcessInstanceKey int64
	RootKey            int64
	DefinitionKey      int64
	ElementId          string
	Name               string
	Kind               model.ElementKind
	State              FlowNodeState
	// Executing is set while a transition is in flight and guards against double execution
	Executing bool
	// ParentKey is the multi instance or loop wrapper of an inner instance, 0 otherwise
	ParentKey int64
	// AttachedToKey is the activity instance a boundary event listens on, 0 otherwise
	AttachedToKey int64
	LoopCounter   int
	// Arrivals counts tokens that reached a joining gateway
	Arrivals int
	Assignee int64
	// ExecutedBy is the user the task was executed for, ExecutedBySubstitute the logged-in user
	ExecutedBy           int64
	ExecutedBySubstitute int64
	Inputs               map[string]any
	TenantId             int64
	CreatedAt            time.Time
	ReachedStateAt       time.Time
}

type ArchivedFlowNodeInstance struct {
	Key                  int64
	SourceKey            int64
	ProcessInstanceKey   int64
	RootKey              int64
	ElementId            string
	Kind                 model.ElementKind
	State                FlowNodeState
	ExecutedBy           int64
	ExecutedBySubstitute int64
	ArchivedAt           time.Time
}

type ConnectorState string

const (
	ConnectorStateToBeExecuted ConnectorState = "TO_BE_EXECUTED"
	ConnectorStateDone         ConnectorState = "DONE"
	ConnectorStateFailed       ConnectorState = "FAILED"
	ConnectorStateToReExecute  ConnectorState = "TO_RE_EXECUTE"
)

type ConnectorInstance struct {
	Key                int64
	FlowNodeKey        int64
	ProcessInstanceKey int64
	ConnectorId        string
	Handler            string
	State              ConnectorState
	Attempt            int
	ExceptionMessage   string
	UpdatedAt          time.Time
}

type Comment struct {
	Key                int64
	ProcessInstanceKey int64
	UserId             int64
	Content            string
	CreatedAt          time.Time
}

type VariableInstance struct {
	Key                int64
	ProcessInstanceKey int64
	Name               string
	Value              any
	UpdatedAt          time.Time
}
