// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"context"
	"fmt"

	"github.com/pbinitiative/zencore/internal/appcontext"
	"github.com/pbinitiative/zencore/pkg/bpmn/model"
	"github.com/pbinitiative/zencore/pkg/bpmn/runtime"
	otelPkg "github.com/pbinitiative/zencore/pkg/otel"
	"github.com/pbinitiative/zencore/pkg/storage"
	"github.com/pbinitiative/zencore/pkg/workqueue"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ConnectorJob is what a connector handler gets to work with.
type ConnectorJob struct {
	FlowNodeKey        int64
	ProcessInstanceKey int64
	ElementId          string
	ConnectorId        string
	Attempt            int
	// Variables are the variables of the process instance when the connector started
	Variables map[string]any
}

// ConnectorHandler executes a connector. The returned values are stored as process variables.
type ConnectorHandler func(ctx context.Context, job ConnectorJob) (map[string]any, error)

// RegisterConnectorHandler registers the implementation of connectors with the given handler name.
func (engine *Engine) RegisterConnectorHandler(name string, handler ConnectorHandler) {
	engine.handlersMu.Lock()
	defer engine.handlersMu.Unlock()
	engine.handlers[name] = handler
}

func (engine *Engine) connectorHandler(name string) (ConnectorHandler, bool) {
	engine.handlersMu.RLock()
	defer engine.handlersMu.RUnlock()
	h, ok := engine.handlers[name]
	return h, ok
}

// startConnectors creates the connector instances of a service task on its first execution and hands them
// to the work queue. A service task without connectors completes right away.
func (b *EngineBatch) startConnectors(pi runtime.ProcessInstance, process *model.Process, node *runtime.FlowNodeInstance) error {
	element, ok := process.Node(node.ElementId)
	if !ok {
		return newEngineErrorf("element %s not found in process %s", node.ElementId, process.Id)
	}
	if len(element.Connectors) == 0 {
		return b.completeNode(pi, process, node)
	}
	existing, err := b.FindConnectorInstances(b.ctx, storage.ConnectorInstanceQuery{FlowNodeKey: &node.Key, Page: storage.Page{Limit: 1}})
	if err != nil {
		return fmt.Errorf("failed to read connectors of flow node %d: %w", node.Key, err)
	}
	if len(existing) == 0 {
		for _, c := range element.Connectors {
			err := b.SaveConnectorInstance(b.ctx, runtime.ConnectorInstance{
				Key:                b.engine.generateKey(),
				FlowNodeKey:        node.Key,
				ProcessInstanceKey: pi.Key,
				ConnectorId:        c.Id,
				Handler:            c.Handler,
				State:              runtime.ConnectorStateToBeExecuted,
				UpdatedAt:          b.now,
			})
			if err != nil {
				return fmt.Errorf("failed to save connector %s of flow node %d: %w", c.Id, node.Key, err)
			}
		}
	}
	key := node.Key
	b.submitAfterCommit(fmt.Sprintf("connectors:%d", key), func(ctx context.Context) error {
		return b.engine.runConnectors(ctx, key)
	})
	return nil
}

type connectorResult struct {
	connector runtime.ConnectorInstance
	outputs   map[string]any
	err       error
}

// runConnectors executes the pending connectors of a flow node outside of any lock and applies the results
// under the tree lock. Results for a flow node that was interrupted meanwhile are discarded.
func (engine *Engine) runConnectors(ctx context.Context, flowNodeKey int64) (err error) {
	ctx, finish := engine.startSpan(ctx, "bpmn:run-connectors", trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeElementKey, flowNodeKey),
	))
	defer func() { finish(err) }()

	node, err := engine.persistence.FindFlowNodeInstanceByKey(ctx, flowNodeKey)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return workqueue.Retryable(err)
	}
	if node.State != runtime.FlowNodeStateExecuting {
		return nil
	}
	ctx = appcontext.WithExecutionKey(ctx, node.ProcessInstanceKey)
	connectors, err := engine.persistence.FindConnectorInstances(ctx, storage.ConnectorInstanceQuery{
		FlowNodeKey: &flowNodeKey,
		Order:       storage.Order{Field: storage.OrderByKey},
	})
	if err != nil {
		return workqueue.Retryable(err)
	}
	variables, err := engine.variables(ctx, node.ProcessInstanceKey)
	if err != nil {
		return workqueue.Retryable(err)
	}

	var results []connectorResult
	for _, c := range connectors {
		if c.State != runtime.ConnectorStateToBeExecuted && c.State != runtime.ConnectorStateToReExecute {
			continue
		}
		res := connectorResult{connector: c}
		handler, ok := engine.connectorHandler(c.Handler)
		if !ok {
			res.err = fmt.Errorf("no handler registered for connector %s", c.Handler)
		} else {
			res.outputs, res.err = engine.callConnector(ctx, handler, ConnectorJob{
				FlowNodeKey:        node.Key,
				ProcessInstanceKey: node.ProcessInstanceKey,
				ElementId:          node.ElementId,
				ConnectorId:        c.ConnectorId,
				Attempt:            c.Attempt + 1,
				Variables:          variables,
			})
		}
		results = append(results, res)
	}

	l, err := engine.lockTree(ctx, node.RootKey)
	if err != nil {
		return workqueue.Retryable(err)
	}
	return engine.updateAndUnlock(ctx, l, func(b *EngineBatch) error {
		node, err := b.flowNode(flowNodeKey)
		if isNotFound(err) {
			engine.logger.Debug("discarding connector results of a finished flow node", "flowNode", flowNodeKey)
			return nil
		}
		if err != nil {
			return err
		}
		if node.State != runtime.FlowNodeStateExecuting {
			engine.logger.Debug("discarding connector results of an interrupted flow node", "flowNode", flowNodeKey, "state", node.State)
			return nil
		}
		failed := false
		for _, res := range results {
			c := res.connector
			c.Attempt++
			c.UpdatedAt = b.now
			if res.err != nil {
				failed = true
				c.State = runtime.ConnectorStateFailed
				c.ExceptionMessage = res.err.Error()
			} else {
				c.State = runtime.ConnectorStateDone
				c.ExceptionMessage = ""
			}
			if err := b.SaveConnectorInstance(b.ctx, c); err != nil {
				return err
			}
			if err := b.saveVariables(node.ProcessInstanceKey, res.outputs); err != nil {
				return err
			}
		}
		if failed {
			engine.logger.Warn(fmt.Sprintf("Connectors of flow node %d (%s) failed", node.Key, node.ElementId))
			return b.transition(&node, triggerFail)
		}
		pi, err := b.processInstance(node.ProcessInstanceKey)
		if err != nil {
			return err
		}
		process, err := engine.processOf(ctx, pi)
		if err != nil {
			return err
		}
		return b.completeNode(pi, process, &node)
	})
}

func (engine *Engine) callConnector(ctx context.Context, handler ConnectorHandler, job ConnectorJob) (outputs map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("connector %s panicked: %v", job.ConnectorId, r)
		}
	}()
	return handler(ctx, job)
}

func (engine *Engine) variables(ctx context.Context, processInstanceKey int64) (map[string]any, error) {
	vars, err := engine.persistence.FindVariables(ctx, processInstanceKey)
	if err != nil {
		return nil, err
	}
	res := make(map[string]any, len(vars))
	for _, v := range vars {
		res[v.Name] = v.Value
	}
	return res, nil
}
