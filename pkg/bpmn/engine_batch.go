package bpmn

import (
	"context"
	"fmt"
	"time"

	"github.com/pbinitiative/zencore/pkg/bpmn/model"
	"github.com/pbinitiative/zencore/pkg/bpmn/runtime"
	"github.com/pbinitiative/zencore/pkg/lock"
	"github.com/pbinitiative/zencore/pkg/storage"
)

// EngineBatch is one unit of work against the storage. Jobs are armed while the batch runs and
// disarmed again on rollback, jobs of finished flow nodes are disarmed after commit.
type EngineBatch struct {
	storage.Tx
	ctx              context.Context
	engine           *Engine
	now              time.Time
	rollbackActions  []func()
	postFlushActions []func()
	// worklist of pending token movements, drained by run
	steps []step
	// deleted holds flow nodes finished in this batch so recursive interruption skips them
	deleted map[int64]struct{}
}

type step func(b *EngineBatch) error

// update runs fn in one storage transaction and runs the post flush actions after commit.
func (engine *Engine) update(ctx context.Context, fn func(b *EngineBatch) error) error {
	b, err := engine.commit(ctx, fn)
	if err != nil {
		return err
	}
	b.flushed()
	return nil
}

// updateAndUnlock runs fn in one storage transaction and releases l, which the caller acquired on the tree
// touched by fn. Post flush actions run after l is released.
func (engine *Engine) updateAndUnlock(ctx context.Context, l lock.Lock, fn func(b *EngineBatch) error) (err error) {
	b, err := engine.commit(ctx, fn)
	engine.unlock(ctx, l, &err)
	if b != nil {
		b.flushed()
	}
	return err
}

// commit runs fn in one storage transaction. The batch is returned only when the transaction committed,
// rollback actions already ran otherwise.
func (engine *Engine) commit(ctx context.Context, fn func(b *EngineBatch) error) (*EngineBatch, error) {
	b := &EngineBatch{
		ctx:     ctx,
		engine:  engine,
		now:     time.Now(),
		deleted: map[int64]struct{}{},
	}
	err := engine.persistence.Update(ctx, func(tx storage.Tx) error {
		b.Tx = tx
		if err := fn(b); err != nil {
			return err
		}
		return b.run()
	})
	if err != nil {
		for i := len(b.rollbackActions) - 1; i >= 0; i-- {
			b.rollbackActions[i]()
		}
		return nil, err
	}
	return b, nil
}

func (b *EngineBatch) flushed() {
	for _, action := range b.postFlushActions {
		action()
	}
}

func (b *EngineBatch) AddRollbackAction(f func()) {
	b.rollbackActions = append(b.rollbackActions, f)
}

func (b *EngineBatch) AddPostFlushAction(f func()) {
	b.postFlushActions = append(b.postFlushActions, f)
}

func (b *EngineBatch) schedule(s step) {
	b.steps = append(b.steps, s)
}

// run drains the worklist in FIFO order.
func (b *EngineBatch) run() error {
	for len(b.steps) > 0 {
		s := b.steps[0]
		b.steps = b.steps[1:]
		if err := s(b); err != nil {
			return err
		}
	}
	return nil
}

// armTimer arms the job of a timer event inside the batch.
func (b *EngineBatch) armTimer(timer model.TimerDefinition, payload TimerPayload) error {
	fireAt, err := timer.FireTime(b.now)
	if err != nil {
		return fmt.Errorf("failed to compute fire time of %s: %w", payload.EventId, err)
	}
	name := JobName(payload.ProcessDefinitionKey, payload.ProcessInstanceKey, payload.EventId, payload.SubProcessId)
	if err := b.engine.jobs.Arm(b.ctx, name, timer, fireAt, payload); err != nil {
		return err
	}
	b.AddRollbackAction(func() {
		b.engine.jobs.disarmLogged(context.WithoutCancel(b.ctx), name, true)
	})
	return nil
}

// disarmAfterCommit deletes the job once the batch committed.
func (b *EngineBatch) disarmAfterCommit(name string, shouldExist bool) {
	b.AddPostFlushAction(func() {
		b.engine.jobs.disarmLogged(context.WithoutCancel(b.ctx), name, shouldExist)
	})
}

// submitAfterCommit hands work to the queue once the batch committed.
func (b *EngineBatch) submitAfterCommit(name string, run func(ctx context.Context) error) {
	b.AddPostFlushAction(func() {
		b.engine.submit(context.WithoutCancel(b.ctx), name, run)
	})
}

func (b *EngineBatch) processInstance(key int64) (runtime.ProcessInstance, error) {
	pi, err := b.FindProcessInstanceByKey(b.ctx, key)
	if err != nil {
		return pi, wrapNotFound(err, processInstanceNotFound(key))
	}
	return pi, nil
}

func (b *EngineBatch) flowNode(key int64) (runtime.FlowNodeInstance, error) {
	node, err := b.FindFlowNodeInstanceByKey(b.ctx, key)
	if err != nil {
		return node, wrapNotFound(err, flowNodeNotFound(key))
	}
	return node, nil
}

func (b *EngineBatch) liveFlowNodes(processInstanceKey int64) ([]runtime.FlowNodeInstance, error) {
	return b.FindFlowNodeInstances(b.ctx, storage.FlowNodeInstanceQuery{ProcessInstanceKey: &processInstanceKey})
}

// transition fires trigger on node, archives the snapshot taken before the transition and saves the node.
// A node reaching a terminal state is archived once more and removed from the live table.
func (b *EngineBatch) transition(node *runtime.FlowNodeInstance, trigger flowNodeTrigger) error {
	before := *node
	if err := fireFlowNodeTrigger(node, trigger); err != nil {
		return err
	}
	node.ReachedStateAt = b.now
	if before.State != runtime.FlowNodeStateCreated {
		if err := b.archive(before); err != nil {
			return err
		}
	}
	if !node.State.IsTerminal() {
		return b.SaveFlowNodeInstance(b.ctx, *node)
	}
	node.Executing = false
	if err := b.archive(*node); err != nil {
		return err
	}
	b.deleted[node.Key] = struct{}{}
	if err := b.DeleteFlowNodeInstance(b.ctx, node.Key); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete flow node %d: %w", node.Key, err)
	}
	return nil
}

func (b *EngineBatch) archive(node runtime.FlowNodeInstance) error {
	return b.SaveArchivedFlowNodeInstance(b.ctx, runtime.ArchivedFlowNodeInstance{
		Key:                  b.engine.generateKey(),
		SourceKey:            node.Key,
		ProcessInstanceKey:   node.ProcessInstanceKey,
		RootKey:              node.RootKey,
		ElementId:            node.ElementId,
		Kind:                 node.Kind,
		State:                node.State,
		ExecutedBy:           node.ExecutedBy,
		ExecutedBySubstitute: node.ExecutedBySubstitute,
		ArchivedAt:           b.now,
	})
}

func (b *EngineBatch) isDeleted(key int64) bool {
	_, ok := b.deleted[key]
	return ok
}
