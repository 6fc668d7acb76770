// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/pbinitiative/zencore/internal/appcontext"
	"github.com/pbinitiative/zencore/pkg/bpmn/model"
	"github.com/pbinitiative/zencore/pkg/bpmn/runtime"
	"github.com/pbinitiative/zencore/pkg/lock"
	otelPkg "github.com/pbinitiative/zencore/pkg/otel"
	"github.com/pbinitiative/zencore/pkg/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Cancel cancels a root process instance. Every live flow node is interrupted, instances started by
// call activities and event sub-processes are cancelled with it and their jobs are disarmed after commit.
// A failed lock release is returned as *lock.ReleaseError, joined with the error of the cancellation if any.
func (engine *Engine) Cancel(ctx context.Context, processInstanceKey int64) (err error) {
	ctx, finish := engine.startSpan(ctx, "bpmn:cancel", trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeProcessInstanceKey, processInstanceKey),
	))
	defer func() { finish(err) }()
	ctx = appcontext.WithExecutionKey(ctx, processInstanceKey)

	pi, err := engine.FindProcessInstance(ctx, processInstanceKey)
	if err != nil {
		return err
	}
	if !pi.IsRoot() {
		return newInvalidStateErrorf("cannot cancel process instance %d, it is not a root process", pi.Key)
	}

	l, err := engine.lockTree(ctx, pi.Key)
	if err != nil {
		return err
	}
	err = engine.updateAndUnlock(ctx, l, func(b *EngineBatch) error {
		pi, err := b.processInstance(processInstanceKey)
		if err != nil {
			return err
		}
		if !pi.IsActive() {
			return newInvalidStateErrorf("cannot cancel process instance %d in state %s", pi.Key, pi.State)
		}
		return b.abortInstance(pi, triggerCancel)
	})
	if err != nil {
		return err
	}
	engine.logger.Info(fmt.Sprintf("Cancelled process instance %d", processInstanceKey))
	return nil
}

// Delete deletes a process instance with every instance it started, their jobs, flow nodes, history and data.
// An instance called by a live instance fails with *HierarchicalDeletionError.
func (engine *Engine) Delete(ctx context.Context, processInstanceKey int64) (err error) {
	ctx, finish := engine.startSpan(ctx, "bpmn:delete", trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeProcessInstanceKey, processInstanceKey),
	))
	defer func() { finish(err) }()

	if _, err := engine.FindProcessInstance(ctx, processInstanceKey); err != nil {
		return err
	}
	return engine.deleteTrees(ctx, []int64{processInstanceKey})
}

// DeleteProcessInstances deletes the root instances of a definition selected by startIndex and maxResults,
// ordered by key, together with their descendants. The batch is deleted as a whole or not at all.
// It returns the number of deleted root instances.
func (engine *Engine) DeleteProcessInstances(ctx context.Context, definitionKey int64, startIndex, maxResults int) (deleted int, err error) {
	ctx, finish := engine.startSpan(ctx, "bpmn:delete-batch", trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeProcessDefinitionKey, definitionKey),
	))
	defer func() { finish(err) }()

	if startIndex < 0 {
		return 0, &InvalidArgumentError{Name: "startIndex", Msg: fmt.Sprintf("must not be negative, got %d", startIndex)}
	}
	if maxResults <= 0 {
		return 0, &InvalidArgumentError{Name: "maxResults", Msg: fmt.Sprintf("must be positive, got %d", maxResults)}
	}
	roots, err := engine.persistence.FindProcessInstances(ctx, storage.ProcessInstanceQuery{
		DefinitionKey: &definitionKey,
		OnlyRoots:     true,
		Order:         storage.Order{Field: storage.OrderByKey},
		Page:          storage.Page{Offset: startIndex, Limit: maxResults},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read process instances of definition %d: %w", definitionKey, err)
	}
	if len(roots) == 0 {
		return 0, nil
	}
	keys := make([]int64, len(roots))
	for i, root := range roots {
		keys[i] = root.Key
	}
	if err := engine.deleteTrees(ctx, keys); err != nil {
		return 0, err
	}
	return len(roots), nil
}

// instanceTree is a deletion set, parents before children.
type instanceTree struct {
	instances []runtime.ProcessInstance
	keys      map[int64]struct{}
}

func (t *instanceTree) contains(key int64) bool {
	_, ok := t.keys[key]
	return ok
}

// lockKeys returns every instance of the tree plus the roots of their trees, which serialize running executions.
func (t *instanceTree) lockKeys() []int64 {
	keys := make([]int64, 0, len(t.instances)*2)
	for _, pi := range t.instances {
		keys = append(keys, pi.Key, pi.RootKey)
	}
	slices.Sort(keys)
	return slices.Compact(keys)
}

// covers reports whether the sorted keys contain every key of subset.
func covers(keys, subset []int64) bool {
	for _, key := range subset {
		if _, found := slices.BinarySearch(keys, key); !found {
			return false
		}
	}
	return true
}

// collectTree reads the targets and, level by level, all their descendants in pages.
func (engine *Engine) collectTree(ctx context.Context, targets []int64) (*instanceTree, error) {
	tree := &instanceTree{keys: map[int64]struct{}{}}
	level, err := engine.persistence.FindProcessInstances(ctx, storage.ProcessInstanceQuery{
		Keys:  targets,
		Order: storage.Order{Field: storage.OrderByKey},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read process instances: %w", err)
	}
	pageSize := engine.conf.DeletionPageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	for len(level) > 0 {
		parents := make([]int64, 0, len(level))
		for _, pi := range level {
			if tree.contains(pi.Key) {
				continue
			}
			tree.keys[pi.Key] = struct{}{}
			tree.instances = append(tree.instances, pi)
			parents = append(parents, pi.Key)
		}
		level = nil
		if len(parents) == 0 {
			break
		}
		for offset := 0; ; offset += pageSize {
			page, err := engine.persistence.FindProcessInstances(ctx, storage.ProcessInstanceQuery{
				ParentKeys: parents,
				Order:      storage.Order{Field: storage.OrderByKey},
				Page:       storage.Page{Offset: offset, Limit: pageSize},
			})
			if err != nil {
				return nil, fmt.Errorf("failed to read child process instances: %w", err)
			}
			level = append(level, page...)
			if len(page) < pageSize {
				break
			}
		}
	}
	return tree, nil
}

// lockTrees locks every instance and root of the trees of targets in ascending key order.
// Children started before the locks were taken grow the key set, all locks are then released
// and the union is locked again from the lowest key.
func (engine *Engine) lockTrees(ctx context.Context, targets []int64) (*instanceTree, []lock.Lock, error) {
	tree, err := engine.collectTree(ctx, targets)
	if err != nil {
		return nil, nil, err
	}
	keys := tree.lockKeys()
	for {
		locks, err := engine.locks.LockAll(ctx, lock.ObjectTypeProcessInstance, keys, engine.conf.TenantId)
		if err != nil {
			return nil, nil, err
		}
		tree, err = engine.collectTree(ctx, targets)
		if err != nil {
			return nil, nil, errors.Join(err, engine.locks.UnlockAll(ctx, locks))
		}
		grown := tree.lockKeys()
		if covers(keys, grown) {
			return tree, locks, nil
		}
		if err := engine.locks.UnlockAll(ctx, locks); err != nil {
			return nil, nil, err
		}
		engine.logger.Debug("process instance tree grew while locking, locking again", "roots", targets)
		keys = slices.Compact(slices.Sorted(slices.Values(append(keys, grown...))))
	}
}

func (engine *Engine) deleteTrees(ctx context.Context, targets []int64) (err error) {
	tree, locks, err := engine.lockTrees(ctx, targets)
	if err != nil {
		return err
	}
	defer func() {
		if uErr := engine.locks.UnlockAll(ctx, locks); uErr != nil {
			err = errors.Join(err, uErr)
		}
	}()

	if err := engine.checkHierarchy(ctx, tree); err != nil {
		return err
	}
	engine.sweepJobs(ctx, tree)

	err = engine.persistence.Update(ctx, func(tx storage.Tx) error {
		for i := len(tree.instances) - 1; i >= 0; i-- {
			if err := deleteInstanceRows(ctx, tx, tree.instances[i].Key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete process instances: %w", err)
	}
	engine.metrics.ProcessesDeleted.Add(ctx, int64(len(tree.instances)))
	engine.logger.Info(fmt.Sprintf("Deleted %d process instances of roots %v", len(tree.instances), targets))
	return nil
}

// checkHierarchy fails when an instance of the tree is called by a live instance outside of it.
func (engine *Engine) checkHierarchy(ctx context.Context, tree *instanceTree) error {
	for _, pi := range tree.instances {
		if pi.IsRoot() || tree.contains(pi.ParentKey) {
			continue
		}
		parent, err := engine.persistence.FindProcessInstanceByKey(ctx, pi.ParentKey)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if parent.IsActive() {
			return &HierarchicalDeletionError{ProcessInstanceKey: pi.Key}
		}
	}
	return nil
}

// sweepJobs disarms every job of the tree: the names derived from the process models and whatever else the
// scheduler holds for the instances. Failures are logged, a job left behind finds no instance when it fires.
func (engine *Engine) sweepJobs(ctx context.Context, tree *instanceTree) {
	g, gctx := errgroup.WithContext(ctx)
	limit := engine.conf.JobSweepConcurrency
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)
	for _, pi := range tree.instances {
		names := map[string]struct{}{}
		if process, err := engine.processOf(ctx, pi); err == nil {
			for _, ref := range model.TimerEvents(process) {
				subProcessId := ref.SubProcessId
				if !ref.StartsSubProcess {
					subProcessId = pi.SubProcessId
				}
				names[JobName(pi.DefinitionKey, pi.Key, ref.EventId, subProcessId)] = struct{}{}
			}
		} else {
			engine.logger.Warn(fmt.Sprintf("Failed to read the process of instance %d, only listed jobs are deleted: %s", pi.Key, err))
		}
		listed, err := engine.jobs.ExistingJobNames(ctx, JobNameFilter(pi.DefinitionKey, pi.Key))
		if err != nil {
			engine.logger.Warn(fmt.Sprintf("Failed to list jobs of process instance %d: %s", pi.Key, err))
		}
		for _, name := range listed {
			names[name] = struct{}{}
		}
		for name := range names {
			g.Go(func() error {
				engine.jobs.disarmLogged(gctx, name, false)
				return nil
			})
		}
	}
	_ = g.Wait()
}

// deleteInstanceRows removes one instance with its data, dependent rows first.
func deleteInstanceRows(ctx context.Context, tx storage.Tx, key int64) error {
	deletes := []struct {
		what string
		fn   func(context.Context, int64) (int, error)
	}{
		{"comments", tx.DeleteCommentsByProcessInstance},
		{"variables", tx.DeleteVariablesByProcessInstance},
		{"connectors", tx.DeleteConnectorInstancesByProcessInstance},
		{"archived flow nodes", tx.DeleteArchivedFlowNodeInstancesByProcessInstance},
		{"flow nodes", tx.DeleteFlowNodeInstancesByProcessInstance},
		{"archived process instances", tx.DeleteArchivedProcessInstancesBySource},
	}
	for _, d := range deletes {
		if _, err := d.fn(ctx, key); err != nil {
			return fmt.Errorf("failed to delete %s of process instance %d: %w", d.what, key, err)
		}
	}
	if err := tx.DeleteProcessInstance(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to delete process instance %d: %w", key, err)
	}
	return nil
}
