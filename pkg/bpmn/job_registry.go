package bpmn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zencore/pkg/bpmn/model"
	"github.com/pbinitiative/zencore/pkg/otel"
	"github.com/pbinitiative/zencore/pkg/scheduler"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const jobNamePrefix = "Timer_Ev_"

// JobName is the deterministic name of the timer job of event eventId in a process instance.
// subProcessId is set for events of an event sub-process.
func JobName(processDefinitionKey, processInstanceKey int64, eventId, subProcessId string) string {
	name := fmt.Sprintf("%s%d_%d_%s", jobNamePrefix, processDefinitionKey, processInstanceKey, eventId)
	if subProcessId != "" {
		name += "_" + subProcessId
	}
	return name
}

// JobNameFilter matches every job of one process instance.
func JobNameFilter(processDefinitionKey, processInstanceKey int64) string {
	return fmt.Sprintf("%s%d_%d_*", jobNamePrefix, processDefinitionKey, processInstanceKey)
}

// TimerPayload tells the engine what a fired job belongs to.
type TimerPayload struct {
	ProcessDefinitionKey int64
	ProcessInstanceKey   int64
	EventId              string
	SubProcessId         string
	// FlowNodeKey is the waiting flow node, 0 for event sub-process start timers
	FlowNodeKey int64
	// StartsSubProcess is set for the start timer of an event sub-process
	StartsSubProcess bool
}

type DisarmResult string

const (
	DisarmDeleted  DisarmResult = "DELETED"
	DisarmNotFound DisarmResult = "NOT_FOUND"
)

// JobRegistry arms and disarms timer jobs by name.
type JobRegistry struct {
	scheduler scheduler.Scheduler
	metrics   *otel.EngineMetrics
	logger    hclog.Logger
}

func NewJobRegistry(s scheduler.Scheduler, metrics *otel.EngineMetrics) *JobRegistry {
	return &JobRegistry{
		scheduler: s,
		metrics:   metrics,
		logger:    hclog.Default().Named("job-registry"),
	}
}

// Arm schedules the job unless it already exists.
func (r *JobRegistry) Arm(ctx context.Context, jobName string, definition model.TimerDefinition, fireAt time.Time, payload TimerPayload) error {
	err := r.scheduler.Schedule(ctx, scheduler.Job{
		Name:    jobName,
		FireAt:  fireAt,
		Payload: payload,
	})
	if err != nil {
		var se *scheduler.SchedulingError
		if errors.As(err, &se) {
			return err
		}
		return &scheduler.SchedulingError{JobName: jobName, Msg: err.Error()}
	}
	r.metrics.JobsArmed.Add(ctx, 1)
	r.logger.Debug("armed job", "name", jobName, "timer", definition.Value, "fireAt", fireAt)
	return nil
}

// Disarm deletes the job. A job that already fired or was never armed reports DisarmNotFound.
func (r *JobRegistry) Disarm(ctx context.Context, jobName string) (DisarmResult, error) {
	deleted, err := r.scheduler.Cancel(ctx, jobName)
	if err != nil {
		return "", fmt.Errorf("failed to delete job %s: %w", jobName, err)
	}
	if !deleted {
		return DisarmNotFound, nil
	}
	r.metrics.JobsDisarmed.Add(ctx, 1)
	return DisarmDeleted, nil
}

// disarmLogged deletes a job without failing the caller. shouldExist is set when the flow node
// model says the job is armed, a missing job is then logged as a warning.
func (r *JobRegistry) disarmLogged(ctx context.Context, jobName string, shouldExist bool) {
	res, err := r.Disarm(ctx, jobName)
	switch {
	case err != nil:
		r.metrics.JobsLeaked.Add(ctx, 1, metric.WithAttributes(attribute.String(otel.AttributeJobName, jobName)))
		r.logger.Warn(fmt.Sprintf("Failed to delete job %s, it may fire against a finished flow node: %s", jobName, err))
	case res == DisarmNotFound && shouldExist:
		r.logger.Warn(fmt.Sprintf("Job %s of a waiting flow node was not found, it fired or was deleted concurrently", jobName))
	case res == DisarmNotFound:
		r.logger.Debug("job to delete was already gone", "name", jobName)
	}
}

// ExistingJobNames lists jobs matching filter, see scheduler.Scheduler.ListNames for the syntax.
func (r *JobRegistry) ExistingJobNames(ctx context.Context, filter string) ([]string, error) {
	names, err := r.scheduler.ListNames(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs matching %s: %w", filter, err)
	}
	return names, nil
}
