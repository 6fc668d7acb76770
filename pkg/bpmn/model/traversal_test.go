package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerEvents(t *testing.T) {
	p := MustParse(boundaryTimerProcess)
	refs := TimerEvents(p)
	assert.ElementsMatch(t, []TimerEventRef{
		{EventId: "timer"},
		{EventId: "escalationStart", SubProcessId: "escalation", StartsSubProcess: true},
	}, refs)
}

func callerOf(id, called string) *Process {
	return MustParse(`
id: ` + id + `
flowNodes:
  - {id: start, kind: START_EVENT}
  - {id: call, kind: CALL_ACTIVITY, calledProcessId: ` + called + `}
  - {id: end, kind: END_EVENT}
sequenceFlows:
  - {id: f1, source: start, target: call}
  - {id: f2, source: call, target: end}
`)
}

func TestCalledProcessIdsTerminatesOnCycles(t *testing.T) {
	defs := map[string]*Process{
		"a": callerOf("a", "b"),
		"b": callerOf("b", "c"),
		"c": callerOf("c", "a"),
	}
	resolve := func(id string) (*Process, bool) {
		p, ok := defs[id]
		return p, ok
	}
	called, err := CalledProcessIds(defs["a"], resolve)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, called)
}

func TestCalledProcessIdsReportsMissing(t *testing.T) {
	root := callerOf("a", "ghost")
	_, err := CalledProcessIds(root, func(string) (*Process, bool) { return nil, false })
	assert.ErrorContains(t, err, "ghost")
}
