// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pbinitiative/zencore/internal/appcontext"
	"github.com/pbinitiative/zencore/pkg/bpmn/model"
	"github.com/pbinitiative/zencore/pkg/bpmn/runtime"
	otelPkg "github.com/pbinitiative/zencore/pkg/otel"
	"github.com/pbinitiative/zencore/pkg/scheduler"
	"github.com/pbinitiative/zencore/pkg/storage"
	"github.com/pbinitiative/zencore/pkg/workqueue"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// HandleJob is the scheduler handler of the engine. The job was already consumed by the scheduler,
// the timer is applied asynchronously through the work queue.
func (engine *Engine) HandleJob(ctx context.Context, job scheduler.Job) {
	var payload TimerPayload
	switch p := job.Payload.(type) {
	case TimerPayload:
		payload = p
	case *TimerPayload:
		payload = *p
	case json.RawMessage:
		if err := json.Unmarshal(p, &payload); err != nil {
			engine.logger.Warn(fmt.Sprintf("Ignoring job %s with undecodable payload: %s", job.Name, err))
			return
		}
	default:
		engine.logger.Warn(fmt.Sprintf("Ignoring job %s with unexpected payload %T", job.Name, job.Payload))
		return
	}
	engine.metrics.JobsFired.Add(ctx, 1)
	engine.submit(ctx, "timer:"+job.Name, func(ctx context.Context) error {
		return engine.fireTimer(ctx, job.Name, payload)
	})
}

func (engine *Engine) fireTimer(ctx context.Context, jobName string, payload TimerPayload) (err error) {
	ctx, finish := engine.startSpan(ctx, "bpmn:fire-timer", trace.WithAttributes(
		attribute.String(otelPkg.AttributeJobName, jobName),
		attribute.Int64(otelPkg.AttributeProcessInstanceKey, payload.ProcessInstanceKey),
	))
	defer func() { finish(err) }()
	ctx = appcontext.WithExecutionKey(ctx, payload.ProcessInstanceKey)

	pi, err := engine.persistence.FindProcessInstanceByKey(ctx, payload.ProcessInstanceKey)
	if isNotFound(err) {
		engine.logger.Debug("timer fired for a deleted process instance", "job", jobName)
		return nil
	}
	if err != nil {
		return workqueue.Retryable(err)
	}
	l, err := engine.lockTree(ctx, pi.RootKey)
	if err != nil {
		return workqueue.Retryable(err)
	}
	return engine.updateAndUnlock(ctx, l, func(b *EngineBatch) error {
		pi, err := b.processInstance(payload.ProcessInstanceKey)
		if isNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if !pi.IsActive() {
			return nil
		}
		process, err := engine.processOf(ctx, pi)
		if err != nil {
			return err
		}
		if payload.StartsSubProcess {
			return b.fireEventSubProcessStart(pi, process, payload.SubProcessId)
		}
		node, err := b.flowNode(payload.FlowNodeKey)
		if isNotFound(err) {
			engine.logger.Debug("timer fired for a finished flow node", "job", jobName)
			return nil
		}
		if err != nil {
			return err
		}
		if node.State != runtime.FlowNodeStateWaiting {
			return nil
		}
		return b.fireWaitingNode(pi, process, node)
	})
}

// fireWaitingNode resumes a waiting catch event. An interrupting boundary event aborts the activity it is
// attached to before its outgoing flows are taken.
func (b *EngineBatch) fireWaitingNode(pi runtime.ProcessInstance, process *model.Process, node runtime.FlowNodeInstance) error {
	element, ok := process.Node(node.ElementId)
	if !ok {
		return newEngineErrorf("element %s not found in process %s", node.ElementId, process.Id)
	}
	if err := b.transition(&node, triggerFire); err != nil {
		return err
	}
	b.engine.metrics.FlowNodesExecuted.Add(b.ctx, 1, metricKind(node.Kind))
	if node.Kind == model.KindBoundaryEvent && element.IsInterrupting() {
		activity, err := b.flowNode(node.AttachedToKey)
		switch {
		case isNotFound(err):
		case err != nil:
			return err
		default:
			if err := b.abortNode(activity, triggerAbort); err != nil {
				return err
			}
		}
	}
	return b.completeNode(pi, process, &node)
}

// fireEventSubProcessStart starts an event sub-process of pi. An interrupting start event aborts the
// live flow nodes of pi first.
func (b *EngineBatch) fireEventSubProcessStart(pi runtime.ProcessInstance, process *model.Process, subProcessId string) error {
	sub, ok := process.EventSubProcess(subProcessId)
	if !ok {
		return newEngineErrorf("event sub-process %s not found in process %s", subProcessId, process.Id)
	}
	if sub.TimerStartEvent().IsInterrupting() {
		if err := b.abortLiveNodes(pi.Key, triggerAbort, 0); err != nil {
			return err
		}
	}
	node := b.newFlowNode(pi, sub.Id, sub.Name, model.KindEventSubProcess)
	if err := b.transition(&node, triggerEnter); err != nil {
		return err
	}
	return b.executeNode(pi, process, &node)
}

func (b *EngineBatch) timerPayload(pi runtime.ProcessInstance, node runtime.FlowNodeInstance) TimerPayload {
	return TimerPayload{
		ProcessDefinitionKey: pi.DefinitionKey,
		ProcessInstanceKey:   pi.Key,
		EventId:              node.ElementId,
		SubProcessId:         pi.SubProcessId,
		FlowNodeKey:          node.Key,
	}
}

// jobNameOf derives the job name of a waiting catch event.
func (b *EngineBatch) jobNameOf(node runtime.FlowNodeInstance) (string, error) {
	pi, err := b.processInstance(node.ProcessInstanceKey)
	if err != nil {
		return "", err
	}
	return JobName(pi.DefinitionKey, pi.Key, node.ElementId, pi.SubProcessId), nil
}

// armCatchTimer arms the job of an intermediate timer catch event.
func (b *EngineBatch) armCatchTimer(pi runtime.ProcessInstance, process *model.Process, node *runtime.FlowNodeInstance) error {
	element, ok := process.Node(node.ElementId)
	if !ok || element.Timer == nil {
		return newEngineErrorf("timer of %s not found in process %s", node.ElementId, process.Id)
	}
	return b.armTimer(*element.Timer, b.timerPayload(pi, *node))
}

// disarmWaitingTimer deletes the job of an interrupted catch event once the batch committed.
func (b *EngineBatch) disarmWaitingTimer(node runtime.FlowNodeInstance, _ flowNodeTrigger) error {
	if node.State != runtime.FlowNodeStateWaiting {
		return nil
	}
	name, err := b.jobNameOf(node)
	if err != nil {
		return err
	}
	b.disarmAfterCommit(name, true)
	return nil
}

// attachBoundaries creates a waiting boundary event node for every timer boundary event of an activity
// and arms one job per boundary event.
func (b *EngineBatch) attachBoundaries(pi runtime.ProcessInstance, process *model.Process, activity *model.FlowNode, activityKey int64) error {
	for _, boundary := range process.BoundaryEvents(activity.Id) {
		if boundary.Timer == nil {
			continue
		}
		node := b.newFlowNode(pi, boundary.Id, boundary.Name, model.KindBoundaryEvent)
		node.AttachedToKey = activityKey
		if err := b.transition(&node, triggerWait); err != nil {
			return err
		}
		if err := b.armTimer(*boundary.Timer, b.timerPayload(pi, node)); err != nil {
			return err
		}
	}
	return nil
}

// abortBoundaries interrupts the waiting boundary events of an activity.
func (b *EngineBatch) abortBoundaries(activityKey int64, trigger flowNodeTrigger) error {
	boundaries, err := b.findFlowNodes(storage.FlowNodeInstanceQuery{
		AttachedToKey: &activityKey,
		States:        []runtime.FlowNodeState{runtime.FlowNodeStateWaiting},
	})
	if err != nil {
		return err
	}
	for _, boundary := range boundaries {
		if err := b.abortNode(boundary, trigger); err != nil {
			return err
		}
	}
	return nil
}
