package otel

import (
	"errors"

	"go.opentelemetry.io/otel/metric"
)

type EngineMetrics struct {
	ProcessesStarted   metric.Int64Counter
	ProcessesCompleted metric.Int64Counter
	ProcessesCancelled metric.Int64Counter
	ProcessesDeleted   metric.Int64Counter
	FlowNodesExecuted  metric.Int64Counter
	JobsArmed          metric.Int64Counter
	JobsDisarmed       metric.Int64Counter
	JobsFired          metric.Int64Counter
	JobsLeaked         metric.Int64Counter
	AdmissionsRejected metric.Int64Counter
	ConnectorsReset    metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*EngineMetrics, error) {
	var errJoin error
	counter := func(name, description string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(description))
		errJoin = errors.Join(errJoin, err)
		return c
	}

	metrics := EngineMetrics{
		ProcessesStarted:   counter("processes_started", "Number of process instances started"),
		ProcessesCompleted: counter("processes_completed", "Number of process instances completed"),
		ProcessesCancelled: counter("processes_cancelled", "Number of process instances cancelled"),
		ProcessesDeleted:   counter("processes_deleted", "Number of process instances deleted, descendants included"),
		FlowNodesExecuted:  counter("flow_nodes_executed", "Number of flow node executions accepted"),
		JobsArmed:          counter("jobs_armed", "Number of timer jobs scheduled"),
		JobsDisarmed:       counter("jobs_disarmed", "Number of timer jobs deleted before firing"),
		JobsFired:          counter("jobs_fired", "Number of timer jobs fired"),
		JobsLeaked:         counter("jobs_leaked", "Number of timer jobs that could not be deleted"),
		AdmissionsRejected: counter("admissions_rejected", "Number of process starts rejected by the admission window"),
		ConnectorsReset:    counter("connectors_reset", "Number of failed connectors reset for replay"),
	}
	return &metrics, errJoin
}
