package bpmn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pbinitiative/zencore/internal/appcontext"
	"github.com/pbinitiative/zencore/pkg/admission"
	"github.com/pbinitiative/zencore/pkg/bpmn/model"
	"github.com/pbinitiative/zencore/pkg/bpmn/runtime"
	otelPkg "github.com/pbinitiative/zencore/pkg/otel"
	"github.com/pbinitiative/zencore/pkg/storage"
	"github.com/pbinitiative/zencore/pkg/workqueue"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StartProcessById starts the latest version of the process with the given id.
func (engine *Engine) StartProcessById(ctx context.Context, processId string, variables map[string]any) (runtime.ProcessInstance, error) {
	def, err := engine.persistence.FindLatestProcessDefinitionById(ctx, processId)
	if err != nil {
		return runtime.ProcessInstance{}, errors.Join(newEngineErrorf("no process with id=%s was found (prior loaded into the engine)", processId), err)
	}
	return engine.StartProcess(ctx, def.Key, variables)
}

// StartProcess starts a root process instance. The start is subject to admission control when the engine
// has an admission controller, a rejected start returns *admission.RejectedError.
func (engine *Engine) StartProcess(ctx context.Context, definitionKey int64, variables map[string]any) (pi runtime.ProcessInstance, err error) {
	ctx, finish := engine.startSpan(ctx, "bpmn:start-process", trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeProcessDefinitionKey, definitionKey),
	))
	defer func() { finish(err) }()

	def, err := engine.definition(ctx, definitionKey)
	if err != nil {
		return pi, err
	}
	startedAt := time.Now()
	if engine.admission != nil {
		if err := engine.admission.Verify(ctx, startedAt); err != nil {
			var rejected *admission.RejectedError
			if errors.As(err, &rejected) {
				engine.metrics.AdmissionsRejected.Add(ctx, 1)
			}
			return pi, err
		}
	}

	var startedBy int64
	if session, ok := appcontext.GetSession(ctx); ok {
		startedBy = session.UserId
	}
	key := engine.generateKey()
	pi = runtime.ProcessInstance{
		Key:           key,
		DefinitionKey: def.Key,
		ProcessId:     def.ProcessId,
		CallerKey:     runtime.NoCaller,
		ParentKey:     runtime.NoCaller,
		RootKey:       key,
		TenantId:      engine.conf.TenantId,
		State:         runtime.ProcessInstanceStateActive,
		Category:      runtime.StateCategoryNormal,
		StartedBy:     startedBy,
		StartedAt:     startedAt,
	}
	ctx = appcontext.WithExecutionKey(ctx, pi.Key)

	l, err := engine.lockTree(ctx, pi.RootKey)
	if err != nil {
		return pi, err
	}
	err = engine.updateAndUnlock(ctx, l, func(b *EngineBatch) error {
		b.now = startedAt
		if err := b.startInstance(pi, def.Process); err != nil {
			return err
		}
		return b.saveVariables(pi.Key, variables)
	})
	if err != nil {
		return pi, fmt.Errorf("failed to start process instance of %s: %w", def.ProcessId, err)
	}
	engine.logger.Info(fmt.Sprintf("Started process instance %d of %s", pi.Key, def.ProcessId))
	return engine.FindProcessInstance(ctx, pi.Key)
}

// ExecuteFlowNode executes a READY flow node on behalf of actingUserId. The continuation of the flow node runs
// asynchronously, the call returns once the node is EXECUTING.
// Concurrent callers racing on one flow node observe OutcomeNotFound or OutcomeConflict, never a double execution.
func (engine *Engine) ExecuteFlowNode(ctx context.Context, actingUserId, flowNodeKey int64, inputs map[string]any, requireReadyHumanTask bool) (outcome Outcome, err error) {
	ctx, finish := engine.startSpan(ctx, "bpmn:execute-flow-node", trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeElementKey, flowNodeKey),
		attribute.Int64(otelPkg.AttributeUserId, actingUserId),
	))
	defer func() { finish(err) }()

	sessionOwner := actingUserId
	if session, ok := appcontext.GetSession(ctx); ok && session.UserId != 0 {
		sessionOwner = session.UserId
	}

	var executed runtime.FlowNodeInstance
	err = engine.update(ctx, func(b *EngineBatch) error {
		node, err := b.flowNode(flowNodeKey)
		if err != nil {
			return err
		}
		if requireReadyHumanTask && (!node.Kind.IsHumanTask() || node.State != runtime.FlowNodeStateReady) {
			return invalidFlowNodeState(node, "execute")
		}
		if node.Executing || !canFireFlowNodeTrigger(node, triggerExecute) {
			return invalidFlowNodeState(node, "execute")
		}
		if node.Kind.IsHumanTask() && node.Assignee == 0 {
			return &NotAssignedError{FlowNodeKey: node.Key}
		}
		pi, err := b.processInstance(node.ProcessInstanceKey)
		if err != nil {
			return err
		}
		process, err := engine.processOf(b.ctx, pi)
		if err != nil {
			return err
		}
		element, ok := process.Node(node.ElementId)
		if !ok {
			return newEngineErrorf("element %s not found in process %s", node.ElementId, process.Id)
		}
		if node.Kind == model.KindUserTask && element.Contract != nil {
			if err := engine.evaluator.Validate(b.ctx, node.DefinitionKey, *element.Contract, inputs); err != nil {
				return err
			}
		}

		if err := b.transition(&node, triggerExecute); err != nil {
			return err
		}
		node.Executing = true
		node.ExecutedBy = actingUserId
		node.ExecutedBySubstitute = sessionOwner
		node.Inputs = inputs
		if err := b.SaveFlowNodeInstance(b.ctx, node); err != nil {
			return err
		}
		if err := b.saveVariables(pi.Key, inputs); err != nil {
			return err
		}
		engine.metrics.FlowNodesExecuted.Add(b.ctx, 1, metricKind(node.Kind))
		b.submitAfterCommit(fmt.Sprintf("continue:%d", node.Key), func(ctx context.Context) error {
			return engine.continueFlowNode(ctx, flowNodeKey)
		})
		executed = node
		return nil
	})
	if err != nil {
		return outcomeOf(err), err
	}

	if sessionOwner != actingUserId {
		engine.addDelegateComment(ctx, executed, sessionOwner, actingUserId)
	}
	return OutcomeOk, nil
}

// continueFlowNode runs the behavior of a flow node executed through ExecuteFlowNode.
func (engine *Engine) continueFlowNode(ctx context.Context, flowNodeKey int64) (err error) {
	node, err := engine.persistence.FindFlowNodeInstanceByKey(ctx, flowNodeKey)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return workqueue.Retryable(err)
	}
	ctx = appcontext.WithExecutionKey(ctx, node.ProcessInstanceKey)
	l, err := engine.lockTree(ctx, node.RootKey)
	if err != nil {
		return workqueue.Retryable(err)
	}
	return engine.updateAndUnlock(ctx, l, func(b *EngineBatch) error {
		node, err := b.flowNode(flowNodeKey)
		if isNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if node.State != runtime.FlowNodeStateExecuting || !node.Executing {
			return nil
		}
		node.Executing = false
		if err := b.SaveFlowNodeInstance(b.ctx, node); err != nil {
			return err
		}
		pi, err := b.processInstance(node.ProcessInstanceKey)
		if err != nil {
			return err
		}
		process, err := engine.processOf(b.ctx, pi)
		if err != nil {
			return err
		}
		return b.runNode(pi, process, &node)
	})
}

func (engine *Engine) addDelegateComment(ctx context.Context, node runtime.FlowNodeInstance, sessionOwner, actingUserId int64) {
	name := node.Name
	if name == "" {
		name = node.ElementId
	}
	content := fmt.Sprintf("The user %d acting as delegate of the user %d has done the task \"%s\".", sessionOwner, actingUserId, name)
	if _, err := engine.AddComment(ctx, node.ProcessInstanceKey, sessionOwner, content); err != nil {
		engine.logger.Warn(fmt.Sprintf("Failed to add delegate comment to process instance %d: %s", node.ProcessInstanceKey, err))
	}
}

// AssignUserTask assigns a READY human task to userId.
func (engine *Engine) AssignUserTask(ctx context.Context, flowNodeKey int64, userId int64) (err error) {
	ctx, finish := engine.startSpan(ctx, "bpmn:assign-user-task", trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeElementKey, flowNodeKey),
		attribute.Int64(otelPkg.AttributeUserId, userId),
	))
	defer func() { finish(err) }()

	return engine.update(ctx, func(b *EngineBatch) error {
		node, err := b.flowNode(flowNodeKey)
		if err != nil {
			return err
		}
		if !node.Kind.IsHumanTask() || node.State != runtime.FlowNodeStateReady || node.Executing {
			return invalidFlowNodeState(node, "assign")
		}
		node.Assignee = userId
		return b.SaveFlowNodeInstance(b.ctx, node)
	})
}

// AddComment appends a comment to a process instance.
func (engine *Engine) AddComment(ctx context.Context, processInstanceKey int64, userId int64, content string) (runtime.Comment, error) {
	comment := runtime.Comment{
		Key:                engine.generateKey(),
		ProcessInstanceKey: processInstanceKey,
		UserId:             userId,
		Content:            content,
		CreatedAt:          time.Now(),
	}
	err := engine.persistence.Update(ctx, func(tx storage.Tx) error {
		if _, err := tx.FindProcessInstanceByKey(ctx, processInstanceKey); err != nil {
			return wrapNotFound(err, processInstanceNotFound(processInstanceKey))
		}
		return tx.SaveComment(ctx, comment)
	})
	if err != nil {
		return runtime.Comment{}, err
	}
	return comment, nil
}

func (engine *Engine) FindProcessInstance(ctx context.Context, key int64) (runtime.ProcessInstance, error) {
	pi, err := engine.persistence.FindProcessInstanceByKey(ctx, key)
	if err != nil {
		return pi, wrapNotFound(err, processInstanceNotFound(key))
	}
	return pi, nil
}

func (engine *Engine) FindFlowNodeInstance(ctx context.Context, key int64) (runtime.FlowNodeInstance, error) {
	node, err := engine.persistence.FindFlowNodeInstanceByKey(ctx, key)
	if err != nil {
		return node, wrapNotFound(err, flowNodeNotFound(key))
	}
	return node, nil
}

// FindFlowNodeInstances returns the live flow nodes of a process instance ordered by creation.
func (engine *Engine) FindFlowNodeInstances(ctx context.Context, processInstanceKey int64) ([]runtime.FlowNodeInstance, error) {
	return engine.persistence.FindFlowNodeInstances(ctx, storage.FlowNodeInstanceQuery{
		ProcessInstanceKey: &processInstanceKey,
		Order:              storage.Order{Field: storage.OrderByKey},
	})
}

// FindArchivedFlowNodeInstances returns the history of a process instance.
func (engine *Engine) FindArchivedFlowNodeInstances(ctx context.Context, processInstanceKey int64) ([]runtime.ArchivedFlowNodeInstance, error) {
	return engine.persistence.FindArchivedFlowNodeInstances(ctx, storage.ArchivedFlowNodeInstanceQuery{
		ProcessInstanceKey: &processInstanceKey,
		Order:              storage.Order{Field: storage.OrderByKey},
	})
}

// FindChildProcessInstances returns the instances started by call activities and event sub-processes of an instance.
func (engine *Engine) FindChildProcessInstances(ctx context.Context, processInstanceKey int64) ([]runtime.ProcessInstance, error) {
	return engine.persistence.FindProcessInstances(ctx, storage.ProcessInstanceQuery{
		ParentKeys: []int64{processInstanceKey},
		Order:      storage.Order{Field: storage.OrderByKey},
	})
}

func (engine *Engine) FindVariables(ctx context.Context, processInstanceKey int64) (map[string]any, error) {
	return engine.variables(ctx, processInstanceKey)
}

func (engine *Engine) FindComments(ctx context.Context, processInstanceKey int64) ([]runtime.Comment, error) {
	return engine.persistence.FindComments(ctx, processInstanceKey)
}

// submit hands work to the work queue, a rejected submission is logged.
func (engine *Engine) submit(ctx context.Context, name string, run func(ctx context.Context) error) {
	if err := engine.queue.Submit(ctx, workqueue.Work{Name: name, Run: run}); err != nil {
		engine.logger.Error(fmt.Sprintf("Failed to submit %s: %s", name, err))
	}
}

func (b *EngineBatch) saveVariables(processInstanceKey int64, variables map[string]any) error {
	for name, value := range variables {
		err := b.SaveVariable(b.ctx, runtime.VariableInstance{
			Key:                b.engine.generateKey(),
			ProcessInstanceKey: processInstanceKey,
			Name:               name,
			Value:              value,
			UpdatedAt:          b.now,
		})
		if err != nil {
			return fmt.Errorf("failed to save variable %s: %w", name, err)
		}
	}
	return nil
}
