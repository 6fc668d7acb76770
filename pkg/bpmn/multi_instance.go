// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"github.com/pbinitiative/zencore/pkg/bpmn/model"
	"github.com/pbinitiative/zencore/pkg/bpmn/runtime"
	"github.com/pbinitiative/zencore/pkg/storage"
)

// innerCount is how many inner instances a multi instance or loop activity runs.
func innerCount(element *model.FlowNode) int {
	switch {
	case element.MultiInstance != nil:
		return element.MultiInstance.Cardinality
	case element.Loop != nil:
		return element.Loop.Maximum
	}
	return 1
}

func sequential(element *model.FlowNode) bool {
	return element.MultiInstance == nil || element.MultiInstance.Sequential
}

// startInnerInstances starts the inner instances of a wrapper. Parallel multi instances start all of them,
// sequential ones and loops start the first.
func (b *EngineBatch) startInnerInstances(pi runtime.ProcessInstance, process *model.Process, wrapper *runtime.FlowNodeInstance) error {
	element, ok := process.Node(wrapper.ElementId)
	if !ok {
		return newEngineErrorf("element %s not found in process %s", wrapper.ElementId, process.Id)
	}
	total := innerCount(element)
	if total <= 0 {
		return b.completeNode(pi, process, wrapper)
	}
	if sequential(element) {
		b.scheduleInnerEnter(pi.Key, process, element, wrapper.Key, 0)
		return nil
	}
	for i := range total {
		b.scheduleInnerEnter(pi.Key, process, element, wrapper.Key, i)
	}
	return nil
}

func (b *EngineBatch) scheduleInnerEnter(processInstanceKey int64, process *model.Process, element *model.FlowNode, wrapperKey int64, loopCounter int) {
	b.schedule(func(b *EngineBatch) error {
		if b.isDeleted(wrapperKey) {
			return nil
		}
		pi, err := b.processInstance(processInstanceKey)
		if isNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		return b.enterElement(pi, process, element, wrapperKey, loopCounter)
	})
}

// innerCompleted counts a finished inner instance on its wrapper and completes the wrapper after the last one.
func (b *EngineBatch) innerCompleted(pi runtime.ProcessInstance, process *model.Process, inner runtime.FlowNodeInstance) error {
	wrapper, err := b.flowNode(inner.ParentKey)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if wrapper.State != runtime.FlowNodeStateExecuting {
		return nil
	}
	element, ok := process.Node(wrapper.ElementId)
	if !ok {
		return newEngineErrorf("element %s not found in process %s", wrapper.ElementId, process.Id)
	}
	wrapper.Arrivals++
	if wrapper.Arrivals >= innerCount(element) {
		return b.completeNode(pi, process, &wrapper)
	}
	if err := b.SaveFlowNodeInstance(b.ctx, wrapper); err != nil {
		return err
	}
	if sequential(element) {
		b.scheduleInnerEnter(pi.Key, process, element, wrapper.Key, wrapper.Arrivals)
	}
	return nil
}

// abortInnerInstances interrupts every live inner instance of a wrapper, whatever its fan-out mode.
func (b *EngineBatch) abortInnerInstances(wrapper runtime.FlowNodeInstance, trigger flowNodeTrigger) error {
	inner, err := b.findFlowNodes(storage.FlowNodeInstanceQuery{ParentKey: &wrapper.Key})
	if err != nil {
		return err
	}
	for _, node := range inner {
		if err := b.abortNode(node, trigger); err != nil {
			return err
		}
	}
	return nil
}
