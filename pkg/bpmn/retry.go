package bpmn

import (
	"context"
	"fmt"

	"github.com/pbinitiative/zencore/internal/appcontext"
	"github.com/pbinitiative/zencore/pkg/bpmn/runtime"
	otelPkg "github.com/pbinitiative/zencore/pkg/otel"
	"github.com/pbinitiative/zencore/pkg/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Retry resets the failed connectors of a FAILED flow node and executes the node again.
// The connectors are reset in batches, the continuation runs asynchronously.
func (engine *Engine) Retry(ctx context.Context, flowNodeKey int64) (err error) {
	ctx, finish := engine.startSpan(ctx, "bpmn:retry", trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeElementKey, flowNodeKey),
	))
	defer func() { finish(err) }()

	node, err := engine.persistence.FindFlowNodeInstanceByKey(ctx, flowNodeKey)
	if isNotFound(err) {
		return &ActivityExecutionError{FlowNodeKey: flowNodeKey, Msg: "flow node instance not found"}
	}
	if err != nil {
		return err
	}
	ctx = appcontext.WithExecutionKey(ctx, node.ProcessInstanceKey)
	l, err := engine.lockTree(ctx, node.RootKey)
	if err != nil {
		return err
	}
	batchSize := engine.conf.ConnectorBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	return engine.updateAndUnlock(ctx, l, func(b *EngineBatch) error {
		node, err := b.FindFlowNodeInstanceByKey(b.ctx, flowNodeKey)
		if isNotFound(err) {
			return &ActivityExecutionError{FlowNodeKey: flowNodeKey, Msg: "flow node instance not found"}
		}
		if err != nil {
			return err
		}
		if node.State != runtime.FlowNodeStateFailed {
			return &ActivityExecutionError{FlowNodeKey: flowNodeKey, Msg: fmt.Sprintf("flow node is %s, only FAILED flow nodes can be retried", node.State)}
		}

		failed := runtime.ConnectorStateFailed
		reset := 0
		for {
			// reset connectors leave the filter, so the first page is always the next batch
			connectors, err := b.FindConnectorInstances(b.ctx, storage.ConnectorInstanceQuery{
				FlowNodeKey: &flowNodeKey,
				State:       &failed,
				Order:       storage.Order{Field: storage.OrderByKey},
				Page:        storage.Page{Limit: batchSize},
			})
			if err != nil {
				return fmt.Errorf("failed to read failed connectors of flow node %d: %w", flowNodeKey, err)
			}
			for _, c := range connectors {
				c.State = runtime.ConnectorStateToReExecute
				c.UpdatedAt = b.now
				if err := b.SaveConnectorInstance(b.ctx, c); err != nil {
					return err
				}
			}
			reset += len(connectors)
			if len(connectors) < batchSize {
				break
			}
		}
		engine.metrics.ConnectorsReset.Add(b.ctx, int64(reset))

		if err := b.transition(&node, triggerRetry); err != nil {
			return err
		}
		if err := b.transition(&node, triggerExecute); err != nil {
			return err
		}
		node.Executing = true
		if err := b.SaveFlowNodeInstance(b.ctx, node); err != nil {
			return err
		}
		engine.metrics.FlowNodesExecuted.Add(b.ctx, 1, metricKind(node.Kind))
		b.submitAfterCommit(fmt.Sprintf("retry:%d", node.Key), func(ctx context.Context) error {
			return engine.continueFlowNode(ctx, flowNodeKey)
		})
		b.AddPostFlushAction(func() {
			engine.logger.Info(fmt.Sprintf("Retrying flow node %d (%s), %d connectors reset", node.Key, node.ElementId, reset))
		})
		return nil
	})
}
