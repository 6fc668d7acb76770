package bpmn

import (
	"fmt"

	"github.com/pbinitiative/zencore/pkg/bpmn/model"
	"github.com/pbinitiative/zencore/pkg/bpmn/runtime"
	"github.com/pbinitiative/zencore/pkg/storage"
)

// startInstance saves a new process instance, arms the start timers of its event sub-processes and
// moves the token to the start event.
func (b *EngineBatch) startInstance(pi runtime.ProcessInstance, process *model.Process) error {
	start := process.StartEvent()
	if start == nil {
		return newEngineErrorf("process %s has no start event", process.Id)
	}
	if err := b.SaveProcessInstance(b.ctx, pi); err != nil {
		return fmt.Errorf("failed to save process instance %d: %w", pi.Key, err)
	}
	if err := b.armEventSubProcessTimers(pi, process); err != nil {
		return err
	}
	b.engine.metrics.ProcessesStarted.Add(b.ctx, 1)
	b.scheduleEnter(pi.Key, process, start)
	return nil
}

func (b *EngineBatch) armEventSubProcessTimers(pi runtime.ProcessInstance, process *model.Process) error {
	for i := range process.EventSubProcesses {
		sub := &process.EventSubProcesses[i]
		timerStart := sub.TimerStartEvent()
		if timerStart == nil {
			continue
		}
		err := b.armTimer(*timerStart.Timer, TimerPayload{
			ProcessDefinitionKey: pi.DefinitionKey,
			ProcessInstanceKey:   pi.Key,
			EventId:              timerStart.Id,
			SubProcessId:         sub.Id,
			StartsSubProcess:     true,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// newChildInstance creates a process instance called by the flow node caller.
func (b *EngineBatch) newChildInstance(parent runtime.ProcessInstance, caller runtime.FlowNodeInstance, definitionKey int64, processId, subProcessId string) runtime.ProcessInstance {
	return runtime.ProcessInstance{
		Key:           b.engine.generateKey(),
		DefinitionKey: definitionKey,
		ProcessId:     processId,
		SubProcessId:  subProcessId,
		CallerKey:     caller.Key,
		ParentKey:     parent.Key,
		RootKey:       parent.RootKey,
		TenantId:      parent.TenantId,
		State:         runtime.ProcessInstanceStateActive,
		Category:      runtime.StateCategoryNormal,
		StartedBy:     parent.StartedBy,
		StartedAt:     b.now,
	}
}

// startCalledProcess starts the latest version of the called process. The call activity stays
// EXECUTING until the called instance completes.
func (b *EngineBatch) startCalledProcess(pi runtime.ProcessInstance, process *model.Process, node *runtime.FlowNodeInstance) error {
	element, ok := process.Node(node.ElementId)
	if !ok {
		return newEngineErrorf("element %s not found in process %s", node.ElementId, process.Id)
	}
	def, err := b.FindLatestProcessDefinitionById(b.ctx, element.CalledProcessId)
	if err != nil {
		return fmt.Errorf("failed to find called process %s: %w", element.CalledProcessId, err)
	}
	child := b.newChildInstance(pi, *node, def.Key, def.ProcessId, "")
	return b.startInstance(child, def.Process)
}

// startEventSubProcess starts the instance of the event sub-process a flow node stands for.
func (b *EngineBatch) startEventSubProcess(pi runtime.ProcessInstance, process *model.Process, node *runtime.FlowNodeInstance) error {
	sub, ok := process.EventSubProcess(node.ElementId)
	if !ok {
		return newEngineErrorf("event sub-process %s not found in process %s", node.ElementId, process.Id)
	}
	child := b.newChildInstance(pi, *node, pi.DefinitionKey, pi.ProcessId, sub.Id)
	start := sub.TimerStartEvent()
	if err := b.SaveProcessInstance(b.ctx, child); err != nil {
		return fmt.Errorf("failed to save process instance %d: %w", child.Key, err)
	}
	if err := b.armEventSubProcessTimers(child, sub); err != nil {
		return err
	}
	b.engine.metrics.ProcessesStarted.Add(b.ctx, 1)
	// the start event already fired, the token leaves it right away
	startNode := b.newFlowNode(child, start.Id, start.Name, start.Kind)
	if err := b.transition(&startNode, triggerEnter); err != nil {
		return err
	}
	return b.executeNode(child, sub, &startNode)
}

// calledInstances returns the live instances started by a call activity or event sub-process node.
func (b *EngineBatch) calledInstances(caller runtime.FlowNodeInstance) ([]runtime.ProcessInstance, error) {
	state := runtime.ProcessInstanceStateActive
	children, err := b.FindProcessInstances(b.ctx, storage.ProcessInstanceQuery{
		ParentKeys: []int64{caller.ProcessInstanceKey},
		State:      &state,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read child instances of %d: %w", caller.ProcessInstanceKey, err)
	}
	res := children[:0]
	for _, child := range children {
		if child.CallerKey == caller.Key {
			res = append(res, child)
		}
	}
	return res, nil
}

// abortCalledInstances propagates an interruption of node into the instances it started.
func (b *EngineBatch) abortCalledInstances(node runtime.FlowNodeInstance, trigger flowNodeTrigger) error {
	children, err := b.calledInstances(node)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := b.abortInstance(child, trigger); err != nil {
			return err
		}
	}
	return nil
}

func (b *EngineBatch) scheduleCompletionCheck(processInstanceKey int64) {
	b.schedule(func(b *EngineBatch) error {
		return b.checkCompletion(processInstanceKey)
	})
}

// checkCompletion completes an active instance without live flow nodes.
func (b *EngineBatch) checkCompletion(processInstanceKey int64) error {
	pi, err := b.processInstance(processInstanceKey)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !pi.IsActive() {
		return nil
	}
	live, err := b.liveFlowNodes(pi.Key)
	if err != nil {
		return err
	}
	if len(live) > 0 {
		return nil
	}
	return b.completeInstance(pi)
}

// completeInstance ends an instance and completes the flow node that called it.
func (b *EngineBatch) completeInstance(pi runtime.ProcessInstance) error {
	pi.State = runtime.ProcessInstanceStateCompleted
	pi.Category = runtime.StateCategoryCompleted
	if err := b.endInstance(pi); err != nil {
		return err
	}
	b.engine.metrics.ProcessesCompleted.Add(b.ctx, 1)
	if pi.IsRoot() {
		return nil
	}
	caller, err := b.flowNode(pi.CallerKey)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if caller.State != runtime.FlowNodeStateExecuting {
		return nil
	}
	parent, err := b.processInstance(pi.ParentKey)
	if err != nil {
		return err
	}
	parentProcess, err := b.engine.processOf(b.ctx, parent)
	if err != nil {
		return err
	}
	return b.completeNode(parent, parentProcess, &caller)
}

// abortInstance interrupts every live flow node of an instance, called instances included, and ends it
// as ABORTED, or CANCELLED for triggerCancel.
func (b *EngineBatch) abortInstance(pi runtime.ProcessInstance, trigger flowNodeTrigger) error {
	if !pi.IsActive() {
		return nil
	}
	pi.Category = runtime.StateCategoryAborting
	final := runtime.ProcessInstanceStateAborted
	if trigger == triggerCancel {
		pi.Category = runtime.StateCategoryCancelling
		final = runtime.ProcessInstanceStateCancelled
	}
	if err := b.SaveProcessInstance(b.ctx, pi); err != nil {
		return fmt.Errorf("failed to save process instance %d: %w", pi.Key, err)
	}
	if err := b.abortLiveNodes(pi.Key, trigger, 0); err != nil {
		return err
	}
	pi.State = final
	if err := b.endInstance(pi); err != nil {
		return err
	}
	if trigger == triggerCancel {
		b.engine.metrics.ProcessesCancelled.Add(b.ctx, 1)
	}
	return nil
}

// endInstance saves the final state, archives the instance and disarms the start timers of its
// event sub-processes that did not fire.
func (b *EngineBatch) endInstance(pi runtime.ProcessInstance) error {
	pi.EndedAt = b.now
	if err := b.SaveProcessInstance(b.ctx, pi); err != nil {
		return fmt.Errorf("failed to save process instance %d: %w", pi.Key, err)
	}
	err := b.SaveArchivedProcessInstance(b.ctx, runtime.ArchivedProcessInstance{
		Key:           b.engine.generateKey(),
		SourceKey:     pi.Key,
		DefinitionKey: pi.DefinitionKey,
		RootKey:       pi.RootKey,
		CallerKey:     pi.CallerKey,
		State:         pi.State,
		StartedAt:     pi.StartedAt,
		EndedAt:       pi.EndedAt,
		ArchivedAt:    b.now,
	})
	if err != nil {
		return fmt.Errorf("failed to archive process instance %d: %w", pi.Key, err)
	}
	process, err := b.engine.processOf(b.ctx, pi)
	if err != nil {
		return err
	}
	for i := range process.EventSubProcesses {
		sub := &process.EventSubProcesses[i]
		if start := sub.TimerStartEvent(); start != nil {
			b.disarmAfterCommit(JobName(pi.DefinitionKey, pi.Key, start.Id, sub.Id), false)
		}
	}
	return nil
}
