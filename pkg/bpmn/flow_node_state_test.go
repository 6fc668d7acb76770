package bpmn

import (
	"testing"

	"github.com/pbinitiative/zencore/pkg/bpmn/runtime"
	"github.com/stretchr/testify/assert"
)

func TestFlowNodeTransitions(t *testing.T) {
	tests := []struct {
		from    runtime.FlowNodeState
		trigger flowNodeTrigger
		to      runtime.FlowNodeState
		ok      bool
	}{
		{runtime.FlowNodeStateCreated, triggerEnter, runtime.FlowNodeStateReady, true},
		{runtime.FlowNodeStateCreated, triggerWait, runtime.FlowNodeStateWaiting, true},
		{runtime.FlowNodeStateReady, triggerExecute, runtime.FlowNodeStateExecuting, true},
		{runtime.FlowNodeStateWaiting, triggerFire, runtime.FlowNodeStateExecuting, true},
		{runtime.FlowNodeStateExecuting, triggerComplete, runtime.FlowNodeStateCompleted, true},
		{runtime.FlowNodeStateExecuting, triggerFail, runtime.FlowNodeStateFailed, true},
		{runtime.FlowNodeStateFailed, triggerRetry, runtime.FlowNodeStateReady, true},
		{runtime.FlowNodeStateWaiting, triggerAbort, runtime.FlowNodeStateAborted, true},
		{runtime.FlowNodeStateReady, triggerCancel, runtime.FlowNodeStateCancelled, true},
		{runtime.FlowNodeStateWaiting, triggerExecute, runtime.FlowNodeStateWaiting, false},
		{runtime.FlowNodeStateReady, triggerComplete, runtime.FlowNodeStateReady, false},
		{runtime.FlowNodeStateCompleted, triggerAbort, runtime.FlowNodeStateCompleted, false},
		{runtime.FlowNodeStateAborted, triggerRetry, runtime.FlowNodeStateAborted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"-"+string(tt.trigger), func(t *testing.T) {
			node := runtime.FlowNodeInstance{Key: 1, ElementId: "task", State: tt.from}
			assert.Equal(t, tt.ok, canFireFlowNodeTrigger(node, tt.trigger))
			assert.Equal(t, tt.from, node.State, "probing must not change the node")

			err := fireFlowNodeTrigger(&node, tt.trigger)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorAs(t, err, new(*InvalidStateError))
			}
			assert.Equal(t, tt.to, node.State)
		})
	}
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, OutcomeOk, outcomeOf(nil))
	assert.Equal(t, OutcomeNotFound, outcomeOf(flowNodeNotFound(1)))
	assert.Equal(t, OutcomeConflict, outcomeOf(newInvalidStateErrorf("busy")))
	assert.Equal(t, OutcomeFailed, outcomeOf(&NotAssignedError{FlowNodeKey: 1}))
}
