package model

import (
	"fmt"
	"slices"
)

// TimerEventRef identifies a timer event by its definition id and, for events of an event
// sub-process, by the id of that sub-process.
type TimerEventRef struct {
	EventId      string
	SubProcessId string
	// StartsSubProcess is set for the timer start event of an event sub-process
	StartsSubProcess bool
}

// TimerEvents lists every timer event that may hold a job for an instance of p:
// boundary events, intermediate catch events and event sub-process start events, nested
// event sub-processes included. Nested event sub-processes run in their own instance, so only
// their start events belong to the instance of p.
func TimerEvents(p *Process) []TimerEventRef {
	var res []TimerEventRef
	for _, n := range p.FlowNodes {
		if n.Timer != nil && n.Kind != KindStartEvent {
			res = append(res, TimerEventRef{EventId: n.Id})
		}
	}
	for i := range p.EventSubProcesses {
		sub := &p.EventSubProcesses[i]
		if start := sub.TimerStartEvent(); start != nil {
			res = append(res, TimerEventRef{EventId: start.Id, SubProcessId: sub.Id, StartsSubProcess: true})
		}
	}
	return res
}

// CalledProcessIds walks call activities and event sub-processes reachable from root,
// across definitions resolved by resolve, and returns the ids of every called process.
// The walk uses an explicit worklist and visits every definition once, so recursive call
// hierarchies terminate. Process ids that resolve cannot find are returned as an error.
func CalledProcessIds(root *Process, resolve func(processId string) (*Process, bool)) ([]string, error) {
	type item struct {
		process *Process
		key     string
	}
	visited := map[string]struct{}{root.Id: {}}
	worklist := []item{{process: root, key: root.Id}}
	var called, missing []string
	for len(worklist) > 0 {
		current := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		for i := range current.process.EventSubProcesses {
			sub := &current.process.EventSubProcesses[i]
			subKey := current.key + "/" + sub.Id
			if _, seen := visited[subKey]; seen {
				continue
			}
			visited[subKey] = struct{}{}
			worklist = append(worklist, item{process: sub, key: subKey})
		}
		for _, n := range current.process.FlowNodes {
			if n.Kind != KindCallActivity {
				continue
			}
			if _, seen := visited[n.CalledProcessId]; seen {
				continue
			}
			visited[n.CalledProcessId] = struct{}{}
			calledProcess, ok := resolve(n.CalledProcessId)
			if !ok {
				missing = append(missing, n.CalledProcessId)
				continue
			}
			called = append(called, n.CalledProcessId)
			worklist = append(worklist, item{process: calledProcess, key: n.CalledProcessId})
		}
	}
	slices.Sort(called)
	if len(missing) > 0 {
		slices.Sort(missing)
		return called, fmt.Errorf("called processes are not deployed: %v", missing)
	}
	return called, nil
}
