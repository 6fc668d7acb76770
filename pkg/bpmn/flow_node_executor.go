package bpmn

import (
	"fmt"

	"github.com/pbinitiative/zencore/pkg/bpmn/model"
	"github.com/pbinitiative/zencore/pkg/bpmn/runtime"
	otelPkg "github.com/pbinitiative/zencore/pkg/otel"
	"github.com/pbinitiative/zencore/pkg/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type nodeHandler func(b *EngineBatch, pi runtime.ProcessInstance, process *model.Process, node *runtime.FlowNodeInstance) error

type interruptHandler func(b *EngineBatch, node runtime.FlowNodeInstance, trigger flowNodeTrigger) error

// behavior is what the engine does with a flow node of one kind.
type behavior struct {
	// waits is set for kinds that enter WAITING and are resumed by a timer
	waits bool
	// human kinds stay READY until ExecuteFlowNode, other kinds are executed as soon as they are ready
	human bool
	// onEnter runs once the node is READY or WAITING
	onEnter nodeHandler
	// execute runs once the node is EXECUTING, it completes the node or leaves it running
	execute nodeHandler
	// onInterrupt runs before an aborted or cancelled node is removed
	onInterrupt interruptHandler
}

var behaviors map[model.ElementKind]behavior

func init() {
	complete := func(b *EngineBatch, pi runtime.ProcessInstance, process *model.Process, node *runtime.FlowNodeInstance) error {
		return b.completeNode(pi, process, node)
	}
	behaviors = map[model.ElementKind]behavior{
		model.KindStartEvent:        {execute: complete},
		model.KindEndEvent:          {execute: complete},
		model.KindTerminateEndEvent: {execute: (*EngineBatch).terminate},
		model.KindUserTask:          {human: true, execute: complete},
		model.KindManualTask:        {human: true, execute: complete},
		model.KindServiceTask:       {execute: (*EngineBatch).startConnectors},
		model.KindParallelGateway:   {execute: complete},
		model.KindIntermediateCatchEvent: {
			waits:       true,
			onEnter:     (*EngineBatch).armCatchTimer,
			execute:     complete,
			onInterrupt: (*EngineBatch).disarmWaitingTimer,
		},
		model.KindBoundaryEvent: {
			waits:       true,
			execute:     complete,
			onInterrupt: (*EngineBatch).disarmWaitingTimer,
		},
		model.KindCallActivity: {
			execute:     (*EngineBatch).startCalledProcess,
			onInterrupt: (*EngineBatch).abortCalledInstances,
		},
		model.KindEventSubProcess: {
			execute:     (*EngineBatch).startEventSubProcess,
			onInterrupt: (*EngineBatch).abortCalledInstances,
		},
		model.KindMultiInstance: {
			execute:     (*EngineBatch).startInnerInstances,
			onInterrupt: (*EngineBatch).abortInnerInstances,
		},
		model.KindLoop: {
			execute:     (*EngineBatch).startInnerInstances,
			onInterrupt: (*EngineBatch).abortInnerInstances,
		},
	}
}

func behaviorOf(kind model.ElementKind) (behavior, error) {
	bh, ok := behaviors[kind]
	if !ok {
		return behavior{}, newEngineErrorf("unsupported flow node kind %s", kind)
	}
	return bh, nil
}

func (b *EngineBatch) newFlowNode(pi runtime.ProcessInstance, elementId, name string, kind model.ElementKind) runtime.FlowNodeInstance {
	return runtime.FlowNodeInstance{
		Key:                b.engine.generateKey(),
		ProcessInstanceKey: pi.Key,
		RootKey:            pi.RootKey,
		DefinitionKey:      pi.DefinitionKey,
		ElementId:          elementId,
		Name:               name,
		Kind:               kind,
		State:              runtime.FlowNodeStateCreated,
		TenantId:           pi.TenantId,
		CreatedAt:          b.now,
		ReachedStateAt:     b.now,
	}
}

// scheduleEnter moves a token to element once the current step finished.
func (b *EngineBatch) scheduleEnter(processInstanceKey int64, process *model.Process, element *model.FlowNode) {
	b.schedule(func(b *EngineBatch) error {
		pi, err := b.processInstance(processInstanceKey)
		if isNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		return b.enterElement(pi, process, element, 0, 0)
	})
}

// enterElement creates the flow node instance of element. parentKey is the wrapper of an inner instance of a
// multi instance or loop activity.
func (b *EngineBatch) enterElement(pi runtime.ProcessInstance, process *model.Process, element *model.FlowNode, parentKey int64, loopCounter int) error {
	if !pi.IsActive() {
		return nil
	}
	kind := element.Kind
	if parentKey == 0 {
		switch {
		case element.MultiInstance != nil:
			kind = model.KindMultiInstance
		case element.Loop != nil:
			kind = model.KindLoop
		}
	}
	if kind == model.KindParallelGateway && len(process.Incoming(element.Id)) > 1 {
		return b.joinGateway(pi, process, element)
	}
	bh, err := behaviorOf(kind)
	if err != nil {
		return err
	}

	node := b.newFlowNode(pi, element.Id, element.Name, kind)
	node.ParentKey = parentKey
	node.LoopCounter = loopCounter
	if kind.IsHumanTask() {
		node.Assignee = element.Assignee
	}
	trigger := triggerEnter
	if bh.waits {
		trigger = triggerWait
	}
	if err := b.transition(&node, trigger); err != nil {
		return err
	}
	if parentKey == 0 && element.Kind.IsActivity() {
		if err := b.attachBoundaries(pi, process, element, node.Key); err != nil {
			return err
		}
	}
	if bh.onEnter != nil {
		if err := bh.onEnter(b, pi, process, &node); err != nil {
			return err
		}
	}
	if bh.waits || bh.human {
		return nil
	}
	return b.executeNode(pi, process, &node)
}

// executeNode moves a READY node to EXECUTING and runs it.
func (b *EngineBatch) executeNode(pi runtime.ProcessInstance, process *model.Process, node *runtime.FlowNodeInstance) error {
	if err := b.transition(node, triggerExecute); err != nil {
		return err
	}
	b.engine.metrics.FlowNodesExecuted.Add(b.ctx, 1, metricKind(node.Kind))
	return b.runNode(pi, process, node)
}

// runNode runs the behavior of an EXECUTING node.
func (b *EngineBatch) runNode(pi runtime.ProcessInstance, process *model.Process, node *runtime.FlowNodeInstance) error {
	bh, err := behaviorOf(node.Kind)
	if err != nil {
		return err
	}
	if bh.execute == nil {
		return nil
	}
	return bh.execute(b, pi, process, node)
}

// completeNode completes an EXECUTING node and moves the token on.
func (b *EngineBatch) completeNode(pi runtime.ProcessInstance, process *model.Process, node *runtime.FlowNodeInstance) error {
	if err := b.transition(node, triggerComplete); err != nil {
		return err
	}
	if err := b.abortBoundaries(node.Key, triggerAbort); err != nil {
		return err
	}
	if node.ParentKey != 0 {
		return b.innerCompleted(pi, process, *node)
	}
	b.leave(pi, process, node.ElementId)
	return nil
}

// leave follows every outgoing sequence flow of elementId.
func (b *EngineBatch) leave(pi runtime.ProcessInstance, process *model.Process, elementId string) {
	flows := process.Outgoing(elementId)
	if len(flows) == 0 {
		b.scheduleCompletionCheck(pi.Key)
		return
	}
	for _, flow := range flows {
		target, ok := process.Node(flow.Target)
		if !ok {
			continue
		}
		b.scheduleEnter(pi.Key, process, target)
	}
}

// abortNode interrupts a live node with triggerAbort or triggerCancel, children first.
func (b *EngineBatch) abortNode(node runtime.FlowNodeInstance, trigger flowNodeTrigger) error {
	if b.isDeleted(node.Key) {
		return nil
	}
	bh, err := behaviorOf(node.Kind)
	if err != nil {
		return err
	}
	if bh.onInterrupt != nil {
		if err := bh.onInterrupt(b, node, trigger); err != nil {
			return err
		}
	}
	if err := b.abortBoundaries(node.Key, trigger); err != nil {
		return err
	}
	return b.transition(&node, trigger)
}

// abortLiveNodes interrupts every live node of a process instance except the excluded one.
func (b *EngineBatch) abortLiveNodes(processInstanceKey int64, trigger flowNodeTrigger, exclude int64) error {
	nodes, err := b.liveFlowNodes(processInstanceKey)
	if err != nil {
		return fmt.Errorf("failed to read flow nodes of process instance %d: %w", processInstanceKey, err)
	}
	for _, node := range nodes {
		if node.Key == exclude || b.isDeleted(node.Key) {
			continue
		}
		// a wrapper or activity may have removed it already
		current, err := b.FindFlowNodeInstanceByKey(b.ctx, node.Key)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		if err := b.abortNode(current, trigger); err != nil {
			return err
		}
	}
	return nil
}

// terminate aborts every other live node of the instance and completes the terminate end event.
func (b *EngineBatch) terminate(pi runtime.ProcessInstance, process *model.Process, node *runtime.FlowNodeInstance) error {
	if err := b.abortLiveNodes(pi.Key, triggerAbort, node.Key); err != nil {
		return err
	}
	return b.completeNode(pi, process, node)
}

func (b *EngineBatch) findFlowNodes(q storage.FlowNodeInstanceQuery) ([]runtime.FlowNodeInstance, error) {
	nodes, err := b.FindFlowNodeInstances(b.ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow nodes: %w", err)
	}
	return nodes, nil
}

func metricKind(kind model.ElementKind) metric.AddOption {
	return metric.WithAttributes(attribute.String(otelPkg.AttributeElementType, string(kind)))
}
