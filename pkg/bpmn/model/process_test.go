package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const boundaryTimerProcess = `
id: boundary-timer
name: Boundary timer
flowNodes:
  - {id: start, kind: START_EVENT}
  - {id: step1, kind: USER_TASK, assignee: 7}
  - {id: timer, kind: BOUNDARY_EVENT, attachedTo: step1, timer: {type: DURATION, value: PT20S}}
  - {id: exceptionStep, kind: USER_TASK}
  - {id: end, kind: END_EVENT}
  - {id: exceptionEnd, kind: END_EVENT}
sequenceFlows:
  - {id: f1, source: start, target: step1}
  - {id: f2, source: step1, target: end}
  - {id: f3, source: timer, target: exceptionStep}
  - {id: f4, source: exceptionStep, target: exceptionEnd}
eventSubProcesses:
  - id: escalation
    flowNodes:
      - {id: escalationStart, kind: START_EVENT, interrupting: false, timer: {value: P1D}}
      - {id: escalationEnd, kind: END_EVENT}
    sequenceFlows:
      - {id: e1, source: escalationStart, target: escalationEnd}
`

func TestParseBuildsIndexes(t *testing.T) {
	p, err := Parse([]byte(boundaryTimerProcess))
	require.NoError(t, err)

	assert.Equal(t, "start", p.StartEvent().Id)
	step1, ok := p.Node("step1")
	require.True(t, ok)
	assert.True(t, step1.Kind.IsHumanTask())
	assert.Len(t, p.Outgoing("step1"), 1)
	assert.Len(t, p.Incoming("exceptionStep"), 1)

	boundaries := p.BoundaryEvents("step1")
	require.Len(t, boundaries, 1)
	assert.True(t, boundaries[0].IsInterrupting())

	sub, ok := p.EventSubProcess("escalation")
	require.True(t, ok)
	assert.False(t, sub.TimerStartEvent().IsInterrupting())
}

func TestParseRejectsInvalidDefinitions(t *testing.T) {
	tests := map[string]string{
		"missing start": `
id: p
flowNodes:
  - {id: end, kind: END_EVENT}
`,
		"dangling flow": `
id: p
flowNodes:
  - {id: start, kind: START_EVENT}
sequenceFlows:
  - {id: f1, source: start, target: nowhere}
`,
		"boundary on gateway": `
id: p
flowNodes:
  - {id: start, kind: START_EVENT}
  - {id: gw, kind: PARALLEL_GATEWAY}
  - {id: b, kind: BOUNDARY_EVENT, attachedTo: gw, timer: {value: PT1S}}
`,
		"bad duration": `
id: p
flowNodes:
  - {id: start, kind: START_EVENT}
  - {id: wait, kind: INTERMEDIATE_CATCH_EVENT, timer: {value: 20 seconds}}
`,
		"runtime kind": `
id: p
flowNodes:
  - {id: start, kind: START_EVENT}
  - {id: mi, kind: MULTI_INSTANCE_ACTIVITY}
`,
	}
	for name, def := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(def))
			assert.Error(t, err)
		})
	}
}

func TestTimerFireTime(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	at, err := TimerDefinition{Type: TimerTypeDuration, Value: "PT20S"}.FireTime(now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(20*time.Second), at)

	at, err = TimerDefinition{Value: "P1M"}.FireTime(now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 15, 10, 0, 0, 0, time.UTC), at)

	at, err = TimerDefinition{Type: TimerTypeDate, Value: "2025-03-01T08:00:00Z"}.FireTime(now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC), at)
}

func TestEveryDeclarableKindIsKnown(t *testing.T) {
	for _, k := range Kinds {
		switch k {
		case KindEventSubProcess, KindMultiInstance, KindLoop:
			assert.False(t, k.declarable(), k)
		default:
			assert.True(t, k.declarable(), k)
		}
	}
}
