package bpmn

import (
	"sync"
	"testing"

	"github.com/pbinitiative/zencore/internal/appcontext"
	"github.com/pbinitiative/zencore/pkg/bpmn/runtime"
	"github.com/pbinitiative/zencore/pkg/contract"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentExecuteHasExactlyOneWinner(t *testing.T) {
	queue := &heldQueue{}
	engine := newTestEngine(t, EngineWithWorkQueue(queue))
	def := deploy(t, engine, "fork-join.yaml")
	pi := start(t, engine, def)
	node := liveNode(t, engine, pi.Key, "a")

	const callers = 8
	outcomes := make([]Outcome, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i], errs[i] = engine.ExecuteFlowNode(t.Context(), assignee, node.Key, nil, true)
		}()
	}
	wg.Wait()

	winners := 0
	for i := range callers {
		if outcomes[i] == OutcomeOk {
			winners++
			continue
		}
		assert.Equal(t, OutcomeConflict, outcomes[i])
		assert.ErrorAs(t, errs[i], new(*InvalidStateError))
	}
	assert.Equal(t, 1, winners)

	executing := liveNode(t, engine, pi.Key, "a")
	assert.Equal(t, runtime.FlowNodeStateExecuting, executing.State)
	assert.True(t, executing.Executing)
	assert.Len(t, filterStates(archivedStates(t, engine, pi.Key, "a"), runtime.FlowNodeStateReady), 1)

	queue.runAll(t)
	_, err := engine.FindFlowNodeInstance(t.Context(), node.Key)
	assert.ErrorAs(t, err, new(*NotFoundError))
	outcome, err := engine.ExecuteFlowNode(t.Context(), assignee, node.Key, nil, true)
	assert.Equal(t, OutcomeNotFound, outcome)
	assert.ErrorAs(t, err, new(*NotFoundError))
}

func TestExecuteRequiresAssignee(t *testing.T) {
	def := deploy(t, bpmnEngine, "user-task-long-deadline.yaml")
	pi := start(t, bpmnEngine, def)
	step := liveNode(t, bpmnEngine, pi.Key, "step1")

	outcome, err := bpmnEngine.ExecuteFlowNode(t.Context(), assignee, step.Key, nil, true)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorAs(t, err, new(*NotAssignedError))

	require.NoError(t, bpmnEngine.AssignUserTask(t.Context(), step.Key, assignee))
	outcome, err = bpmnEngine.ExecuteFlowNode(t.Context(), assignee, step.Key, nil, true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOk, outcome)
	awaitInstanceState(t, bpmnEngine, pi.Key, runtime.ProcessInstanceStateCompleted)
}

func TestExecuteRequireReadyHumanTaskRejectsWaitingNode(t *testing.T) {
	def := deploy(t, bpmnEngine, "user-task-long-deadline.yaml")
	pi := start(t, bpmnEngine, def)
	boundary := liveNode(t, bpmnEngine, pi.Key, "timer")

	outcome, err := bpmnEngine.ExecuteFlowNode(t.Context(), assignee, boundary.Key, nil, true)
	assert.Equal(t, OutcomeConflict, outcome)
	assert.ErrorAs(t, err, new(*InvalidStateError))

	outcome, err = bpmnEngine.ExecuteFlowNode(t.Context(), assignee, boundary.Key, nil, false)
	assert.Equal(t, OutcomeConflict, outcome, "a waiting node is resumed by its timer only")
	assert.ErrorAs(t, err, new(*InvalidStateError))

	err = bpmnEngine.AssignUserTask(t.Context(), boundary.Key, assignee)
	assert.ErrorAs(t, err, new(*InvalidStateError))
	require.NoError(t, bpmnEngine.Cancel(t.Context(), pi.Key))
}

func TestExecuteValidatesContract(t *testing.T) {
	def := deploy(t, bpmnEngine, "contract-task.yaml")
	pi := start(t, bpmnEngine, def)
	approve := liveNode(t, bpmnEngine, pi.Key, "approve")

	_, err := bpmnEngine.ExecuteFlowNode(t.Context(), assignee, approve.Key, map[string]any{"amount": -5}, true)
	var violation *contract.ViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, []string{"amount must be positive"}, violation.Explanations["amount"])
	still := liveNode(t, bpmnEngine, pi.Key, "approve")
	assert.Equal(t, runtime.FlowNodeStateReady, still.State)
	assert.False(t, still.Executing)

	_, err = bpmnEngine.ExecuteFlowNode(t.Context(), assignee, approve.Key, map[string]any{"amount": 5}, true)
	require.NoError(t, err)
	awaitInstanceState(t, bpmnEngine, pi.Key, runtime.ProcessInstanceStateCompleted)
	vars, err := bpmnEngine.FindVariables(t.Context(), pi.Key)
	require.NoError(t, err)
	assert.Equal(t, 5, vars["amount"])
}

func TestExecuteByDelegateAddsComment(t *testing.T) {
	queue := &heldQueue{}
	engine := newTestEngine(t, EngineWithWorkQueue(queue))
	def := deploy(t, engine, "contract-task.yaml")
	pi := start(t, engine, def)
	approve := liveNode(t, engine, pi.Key, "approve")
	ctx := appcontext.WithSession(t.Context(), appcontext.Session{Id: "s-1", UserId: 42})

	_, err := engine.ExecuteFlowNode(ctx, assignee, approve.Key, map[string]any{"amount": 1}, true)
	require.NoError(t, err)

	node := liveNode(t, engine, pi.Key, "approve")
	assert.Equal(t, assignee, node.ExecutedBy)
	assert.Equal(t, int64(42), node.ExecutedBySubstitute)
	comments, err := engine.FindComments(t.Context(), pi.Key)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, `The user 42 acting as delegate of the user 7 has done the task "Approve".`, comments[0].Content)
	assert.Equal(t, int64(42), comments[0].UserId)
}

func TestExecuteUnknownFlowNode(t *testing.T) {
	outcome, err := bpmnEngine.ExecuteFlowNode(t.Context(), assignee, -1, nil, false)
	assert.Equal(t, OutcomeNotFound, outcome)
	assert.ErrorAs(t, err, new(*NotFoundError))
}
