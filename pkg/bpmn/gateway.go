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

// joinGateway counts a token arriving at a parallel gateway with several incoming flows.
// The gateway waits until every incoming flow delivered a token and then moves on once.
func (b *EngineBatch) joinGateway(pi runtime.ProcessInstance, process *model.Process, element *model.FlowNode) error {
	waiting, err := b.findFlowNodes(storage.FlowNodeInstanceQuery{
		ProcessInstanceKey: &pi.Key,
		ElementId:          &element.Id,
		States:             []runtime.FlowNodeState{runtime.FlowNodeStateWaiting},
	})
	if err != nil {
		return err
	}
	var node runtime.FlowNodeInstance
	if len(waiting) == 0 {
		node = b.newFlowNode(pi, element.Id, element.Name, model.KindParallelGateway)
		node.Arrivals = 1
		if err := b.transition(&node, triggerWait); err != nil {
			return err
		}
	} else {
		node = waiting[0]
		node.Arrivals++
	}
	if node.Arrivals < len(process.Incoming(element.Id)) {
		return b.SaveFlowNodeInstance(b.ctx, node)
	}
	if err := b.transition(&node, triggerFire); err != nil {
		return err
	}
	return b.completeNode(pi, process, &node)
}
