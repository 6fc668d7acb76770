package bpmn

import (
	"context"

	"github.com/pbinitiative/zencore/pkg/bpmn/runtime"
	"github.com/qmuntal/stateless"
)

type flowNodeTrigger string

const (
	triggerEnter    flowNodeTrigger = "enter"
	triggerWait     flowNodeTrigger = "wait"
	triggerExecute  flowNodeTrigger = "execute"
	triggerFire     flowNodeTrigger = "fire"
	triggerComplete flowNodeTrigger = "complete"
	triggerFail     flowNodeTrigger = "fail"
	triggerAbort    flowNodeTrigger = "abort"
	triggerCancel   flowNodeTrigger = "cancel"
	triggerRetry    flowNodeTrigger = "retry"
)

// live states can be interrupted
var liveFlowNodeStates = []runtime.FlowNodeState{
	runtime.FlowNodeStateCreated,
	runtime.FlowNodeStateReady,
	runtime.FlowNodeStateWaiting,
	runtime.FlowNodeStateExecuting,
	runtime.FlowNodeStateFailed,
}

// configureFlowNodeMachine holds the flow node transition table.
func configureFlowNodeMachine(sm *stateless.StateMachine) {
	sm.Configure(runtime.FlowNodeStateCreated).
		Permit(triggerEnter, runtime.FlowNodeStateReady).
		Permit(triggerWait, runtime.FlowNodeStateWaiting)
	sm.Configure(runtime.FlowNodeStateReady).
		Permit(triggerExecute, runtime.FlowNodeStateExecuting)
	sm.Configure(runtime.FlowNodeStateWaiting).
		Permit(triggerFire, runtime.FlowNodeStateExecuting)
	sm.Configure(runtime.FlowNodeStateExecuting).
		Permit(triggerComplete, runtime.FlowNodeStateCompleted).
		Permit(triggerFail, runtime.FlowNodeStateFailed)
	sm.Configure(runtime.FlowNodeStateFailed).
		Permit(triggerRetry, runtime.FlowNodeStateReady)
	for _, s := range liveFlowNodeStates {
		sm.Configure(s).
			Permit(triggerAbort, runtime.FlowNodeStateAborted).
			Permit(triggerCancel, runtime.FlowNodeStateCancelled)
	}
}

// fireFlowNodeTrigger moves node to the next state or returns InvalidStateError when the trigger is not permitted.
func fireFlowNodeTrigger(node *runtime.FlowNodeInstance, trigger flowNodeTrigger) error {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) {
			return node.State, nil
		},
		func(_ context.Context, state stateless.State) error {
			node.State = state.(runtime.FlowNodeState)
			return nil
		},
		stateless.FiringImmediate,
	)
	configureFlowNodeMachine(sm)
	if err := sm.Fire(trigger); err != nil {
		return newInvalidStateErrorf("cannot %s flow node %d (%s) in state %s: %s", trigger, node.Key, node.ElementId, node.State, err)
	}
	return nil
}

// canFireFlowNodeTrigger reports whether trigger is permitted without changing the node.
func canFireFlowNodeTrigger(node runtime.FlowNodeInstance, trigger flowNodeTrigger) bool {
	candidate := node
	return fireFlowNodeTrigger(&candidate, trigger) == nil
}
