// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"errors"
	"fmt"

	"github.com/pbinitiative/zencore/pkg/bpmn/runtime"
	"github.com/pbinitiative/zencore/pkg/scheduler"
)

// Outcome classifies the result of a flow node execution for callers that race each other.
type Outcome string

const (
	OutcomeOk       Outcome = "OK"
	OutcomeNotFound Outcome = "NOT_FOUND"
	OutcomeConflict Outcome = "CONFLICT"
	OutcomeFailed   Outcome = "FAILED"
)

type BpmnEngineError struct {
	Msg string
}

func (e *BpmnEngineError) Error() string {
	return e.Msg
}

// newEngineErrorf uses fmt.Sprintf(format, a...) to format the message
func newEngineErrorf(format string, a ...interface{}) error {
	return &BpmnEngineError{
		Msg: fmt.Sprintf(format, a...),
	}
}

// NotFoundError is returned when the entity vanished, usually because a concurrent caller finished it first.
type NotFoundError struct {
	Entity string
	Key    int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.Key)
}

type InvalidStateError struct {
	Msg string
}

func (e *InvalidStateError) Error() string {
	return e.Msg
}

func newInvalidStateErrorf(format string, a ...interface{}) error {
	return &InvalidStateError{
		Msg: fmt.Sprintf(format, a...),
	}
}

// InvalidArgumentError is returned when a caller supplied argument is out of range.
type InvalidArgumentError struct {
	Name string
	Msg  string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Name, e.Msg)
}

type NotAssignedError struct {
	FlowNodeKey int64
}

func (e *NotAssignedError) Error() string {
	return fmt.Sprintf("human task %d is not assigned", e.FlowNodeKey)
}

// HierarchicalDeletionError is returned when an instance is still referenced by a live caller outside the deletion set.
type HierarchicalDeletionError struct {
	ProcessInstanceKey int64
}

func (e *HierarchicalDeletionError) Error() string {
	return fmt.Sprintf("process instance %d is called by a live process instance and cannot be deleted on its own", e.ProcessInstanceKey)
}

type ActivityExecutionError struct {
	FlowNodeKey int64
	Msg         string
}

func (e *ActivityExecutionError) Error() string {
	return fmt.Sprintf("unable to execute flow node %d: %s", e.FlowNodeKey, e.Msg)
}

// SchedulingError is returned when the scheduler rejected a job.
type SchedulingError = scheduler.SchedulingError

// outcomeOf maps an execution error to the result variant reported to racing callers.
func outcomeOf(err error) Outcome {
	var nf *NotFoundError
	var is *InvalidStateError
	switch {
	case err == nil:
		return OutcomeOk
	case errors.As(err, &nf):
		return OutcomeNotFound
	case errors.As(err, &is):
		return OutcomeConflict
	default:
		return OutcomeFailed
	}
}

func flowNodeNotFound(key int64) error {
	return &NotFoundError{Entity: "flow node instance", Key: key}
}

func processInstanceNotFound(key int64) error {
	return &NotFoundError{Entity: "process instance", Key: key}
}

func invalidFlowNodeState(node runtime.FlowNodeInstance, action string) error {
	return newInvalidStateErrorf("cannot %s flow node %d (%s) in state %s", action, node.Key, node.ElementId, node.State)
}
