package bpmn

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pbinitiative/zencore/pkg/bpmn/model"
	"github.com/pbinitiative/zencore/pkg/bpmn/runtime"
	"github.com/pbinitiative/zencore/pkg/scheduler"
	"github.com/pbinitiative/zencore/pkg/storage/inmemory"
	"github.com/pbinitiative/zencore/pkg/workqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	assignee   = int64(7)
	waitFor    = 5 * time.Second
	pollPeriod = 20 * time.Millisecond
)

var bpmnEngine *Engine
var engineStorage *inmemory.Storage
var engineScheduler *scheduler.MemoryScheduler

func TestMain(m *testing.M) {
	engineStorage = inmemory.NewStorage()

	var exitCode int

	defer func() {
		os.Exit(exitCode)
	}()

	var err error
	engineScheduler, err = scheduler.NewMemoryScheduler(scheduler.Config{PollInterval: 100 * time.Millisecond, MisfireTolerance: time.Second}, nil)
	if err != nil {
		panic(err)
	}
	bpmnEngine, err = NewEngine(EngineWithStorage(engineStorage), EngineWithScheduler(engineScheduler))
	if err != nil {
		panic(err)
	}
	engineScheduler.SetHandler(bpmnEngine.HandleJob)
	engineScheduler.Start()
	defer engineScheduler.Stop()
	defer bpmnEngine.Stop()

	// Run the tests
	exitCode = m.Run()
}

// newTestEngine creates an engine with its own storage and scheduler.
func newTestEngine(t *testing.T, options ...EngineOption) *Engine {
	t.Helper()
	s, err := scheduler.NewMemoryScheduler(scheduler.Config{PollInterval: 100 * time.Millisecond, MisfireTolerance: time.Second}, nil)
	require.NoError(t, err)
	options = append([]EngineOption{EngineWithStorage(inmemory.NewStorage()), EngineWithScheduler(s)}, options...)
	engine, err := NewEngine(options...)
	require.NoError(t, err)
	s.SetHandler(engine.HandleJob)
	s.Start()
	t.Cleanup(func() {
		s.Stop()
		engine.Stop()
	})
	return engine
}

// heldQueue keeps submitted work until the test runs it.
type heldQueue struct {
	mu   sync.Mutex
	work []workqueue.Work
}

func (q *heldQueue) Submit(_ context.Context, w workqueue.Work) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.work = append(q.work, w)
	return nil
}

func (q *heldQueue) runAll(t *testing.T) {
	q.mu.Lock()
	work := q.work
	q.work = nil
	q.mu.Unlock()
	for _, w := range work {
		require.NoError(t, w.Run(t.Context()), w.Name)
	}
}

func deploy(t *testing.T, engine *Engine, name string) runtime.ProcessDefinition {
	t.Helper()
	def, err := engine.LoadFromFile(t.Context(), filepath.Join("test-cases", name))
	require.NoError(t, err)
	return def
}

func start(t *testing.T, engine *Engine, def runtime.ProcessDefinition) runtime.ProcessInstance {
	t.Helper()
	pi, err := engine.StartProcess(t.Context(), def.Key, nil)
	require.NoError(t, err)
	return pi
}

// liveNode returns the live flow node of an element, failing when there is none or more than one.
func liveNode(t *testing.T, engine *Engine, processInstanceKey int64, elementId string) runtime.FlowNodeInstance {
	t.Helper()
	nodes := liveNodes(t, engine, processInstanceKey, elementId)
	require.Len(t, nodes, 1, elementId)
	return nodes[0]
}

func liveNodes(t *testing.T, engine *Engine, processInstanceKey int64, elementId string) []runtime.FlowNodeInstance {
	t.Helper()
	nodes, err := engine.FindFlowNodeInstances(t.Context(), processInstanceKey)
	require.NoError(t, err)
	var res []runtime.FlowNodeInstance
	for _, n := range nodes {
		if n.ElementId == elementId {
			res = append(res, n)
		}
	}
	return res
}

func archivedStates(t *testing.T, engine *Engine, processInstanceKey int64, elementId string) []runtime.FlowNodeState {
	t.Helper()
	archived, err := engine.FindArchivedFlowNodeInstances(t.Context(), processInstanceKey)
	require.NoError(t, err)
	var res []runtime.FlowNodeState
	for _, a := range archived {
		if a.ElementId == elementId {
			res = append(res, a.State)
		}
	}
	return res
}

func awaitInstanceState(t *testing.T, engine *Engine, processInstanceKey int64, state runtime.ProcessInstanceState) {
	t.Helper()
	assert.Eventually(t, func() bool {
		pi, err := engine.FindProcessInstance(t.Context(), processInstanceKey)
		return err == nil && pi.State == state
	}, waitFor, pollPeriod, "process instance %d never reached %s", processInstanceKey, state)
}

func awaitLiveNode(t *testing.T, engine *Engine, processInstanceKey int64, elementId string) runtime.FlowNodeInstance {
	t.Helper()
	var node runtime.FlowNodeInstance
	require.Eventually(t, func() bool {
		nodes, err := engine.FindFlowNodeInstances(t.Context(), processInstanceKey)
		if err != nil {
			return false
		}
		for _, n := range nodes {
			if n.ElementId == elementId {
				node = n
				return true
			}
		}
		return false
	}, waitFor, pollPeriod, "flow node %s never appeared", elementId)
	return node
}

func jobExists(t *testing.T, engine *Engine, name string) bool {
	t.Helper()
	exists, err := engine.scheduler.Exists(t.Context(), name)
	require.NoError(t, err)
	return exists
}

func TestBehaviorForEveryKind(t *testing.T) {
	for _, kind := range model.Kinds {
		bh, err := behaviorOf(kind)
		assert.NoError(t, err, kind)
		assert.NotNil(t, bh.execute, kind)
		if bh.waits {
			assert.NotNil(t, bh.onInterrupt, "waiting kind %s must disarm its job", kind)
		}
	}
}

func TestStartCreatesReadyHumanTask(t *testing.T) {
	def := deploy(t, bpmnEngine, "user-task-long-deadline.yaml")

	pi := start(t, bpmnEngine, def)

	assert.Equal(t, runtime.ProcessInstanceStateActive, pi.State)
	assert.True(t, pi.IsRoot())
	assert.Equal(t, pi.Key, pi.RootKey)
	step := liveNode(t, bpmnEngine, pi.Key, "step1")
	assert.Equal(t, runtime.FlowNodeStateReady, step.State)
	boundary := liveNode(t, bpmnEngine, pi.Key, "timer")
	assert.Equal(t, runtime.FlowNodeStateWaiting, boundary.State)
	assert.Equal(t, step.Key, boundary.AttachedToKey)
	assert.True(t, jobExists(t, bpmnEngine, JobName(def.Key, pi.Key, "timer", "")))
	assert.Equal(t, []runtime.FlowNodeState{
		runtime.FlowNodeStateReady,
		runtime.FlowNodeStateExecuting,
		runtime.FlowNodeStateCompleted,
	}, archivedStates(t, bpmnEngine, pi.Key, "start"))
}

func TestStartProcessByIdUsesLatestVersion(t *testing.T) {
	engine := newTestEngine(t)
	deploy(t, engine, "sequential-loop.yaml")
	latest := deploy(t, engine, "sequential-loop.yaml")
	assert.Equal(t, int32(2), latest.Version)

	pi, err := engine.StartProcessById(t.Context(), "sequential-loop", map[string]any{"customer": "acme"})
	require.NoError(t, err)

	assert.Equal(t, latest.Key, pi.DefinitionKey)
	vars, err := engine.FindVariables(t.Context(), pi.Key)
	require.NoError(t, err)
	assert.Equal(t, "acme", vars["customer"])
}

func TestDeployRejectsMissingCalledProcess(t *testing.T) {
	engine := newTestEngine(t)

	_, err := engine.LoadFromFile(t.Context(), filepath.Join("test-cases", "middle.yaml"))

	assert.ErrorContains(t, err, "leaf")
}

func TestForkJoinCompletesOnce(t *testing.T) {
	def := deploy(t, bpmnEngine, "fork-join.yaml")
	pi := start(t, bpmnEngine, def)

	for _, id := range []string{"a", "b"} {
		node := liveNode(t, bpmnEngine, pi.Key, id)
		outcome, err := bpmnEngine.ExecuteFlowNode(t.Context(), assignee, node.Key, nil, true)
		require.NoError(t, err)
		assert.Equal(t, OutcomeOk, outcome)
	}

	awaitInstanceState(t, bpmnEngine, pi.Key, runtime.ProcessInstanceStateCompleted)
	assert.Contains(t, archivedStates(t, bpmnEngine, pi.Key, "join"), runtime.FlowNodeStateCompleted)
	assert.Len(t, filterStates(archivedStates(t, bpmnEngine, pi.Key, "end"), runtime.FlowNodeStateCompleted), 1)
}

func TestSequentialLoopRunsMaximumTimes(t *testing.T) {
	def := deploy(t, bpmnEngine, "sequential-loop.yaml")
	pi := start(t, bpmnEngine, def)

	for i := range 2 {
		inner := awaitInnerNode(t, bpmnEngine, pi.Key, "sign", i)
		_, err := bpmnEngine.ExecuteFlowNode(t.Context(), assignee, inner.Key, nil, true)
		require.NoError(t, err)
	}

	awaitInstanceState(t, bpmnEngine, pi.Key, runtime.ProcessInstanceStateCompleted)
}

func TestTerminateEndAbortsOtherBranches(t *testing.T) {
	def := deploy(t, bpmnEngine, "terminate-end.yaml")
	pi := start(t, bpmnEngine, def)
	jobName := JobName(def.Key, pi.Key, "wait", "")
	require.True(t, jobExists(t, bpmnEngine, jobName))

	a := liveNode(t, bpmnEngine, pi.Key, "a")
	_, err := bpmnEngine.ExecuteFlowNode(t.Context(), assignee, a.Key, nil, true)
	require.NoError(t, err)

	awaitInstanceState(t, bpmnEngine, pi.Key, runtime.ProcessInstanceStateCompleted)
	assert.Contains(t, archivedStates(t, bpmnEngine, pi.Key, "b"), runtime.FlowNodeStateAborted)
	assert.False(t, jobExists(t, bpmnEngine, jobName))
}

func TestIntermediateTimerResumesInstance(t *testing.T) {
	def := deploy(t, bpmnEngine, "intermediate-timer.yaml")
	pi := start(t, bpmnEngine, def)

	pause := liveNode(t, bpmnEngine, pi.Key, "pause")
	assert.Equal(t, runtime.FlowNodeStateWaiting, pause.State)

	awaitInstanceState(t, bpmnEngine, pi.Key, runtime.ProcessInstanceStateCompleted)
	assert.False(t, jobExists(t, bpmnEngine, JobName(def.Key, pi.Key, "pause", "")))
}

func TestEventSubProcessInterruptsParent(t *testing.T) {
	def := deploy(t, bpmnEngine, "event-sub-process.yaml")
	pi := start(t, bpmnEngine, def)
	jobName := JobName(def.Key, pi.Key, "escalationStart", "escalation")
	assert.True(t, jobExists(t, bpmnEngine, jobName))

	espNode := awaitLiveNode(t, bpmnEngine, pi.Key, "escalation")
	assert.Equal(t, runtime.FlowNodeStateExecuting, espNode.State)
	assert.Empty(t, liveNodes(t, bpmnEngine, pi.Key, "wait"))
	assert.Contains(t, archivedStates(t, bpmnEngine, pi.Key, "wait"), runtime.FlowNodeStateAborted)

	children, err := bpmnEngine.FindChildProcessInstances(t.Context(), pi.Key)
	require.NoError(t, err)
	require.Len(t, children, 1)
	child := children[0]
	assert.Equal(t, "escalation", child.SubProcessId)
	assert.Equal(t, espNode.Key, child.CallerKey)

	escalate := liveNode(t, bpmnEngine, child.Key, "escalate")
	_, err = bpmnEngine.ExecuteFlowNode(t.Context(), assignee, escalate.Key, nil, true)
	require.NoError(t, err)

	awaitInstanceState(t, bpmnEngine, child.Key, runtime.ProcessInstanceStateCompleted)
	awaitInstanceState(t, bpmnEngine, pi.Key, runtime.ProcessInstanceStateCompleted)
}

func awaitInnerNode(t *testing.T, engine *Engine, processInstanceKey int64, elementId string, loopCounter int) runtime.FlowNodeInstance {
	t.Helper()
	var node runtime.FlowNodeInstance
	require.Eventually(t, func() bool {
		for _, n := range liveNodes(t, engine, processInstanceKey, elementId) {
			if n.ParentKey != 0 && n.LoopCounter == loopCounter && n.State == runtime.FlowNodeStateReady {
				node = n
				return true
			}
		}
		return false
	}, waitFor, pollPeriod, "inner instance %d of %s never appeared", loopCounter, elementId)
	return node
}

func filterStates(states []runtime.FlowNodeState, state runtime.FlowNodeState) []runtime.FlowNodeState {
	var res []runtime.FlowNodeState
	for _, s := range states {
		if s == state {
			res = append(res, s)
		}
	}
	return res
}

func TestChainedServiceTasksRunOnSingleWorker(t *testing.T) {
	pool := workqueue.NewPool(workqueue.Config{Workers: 1, QueueSize: 0}, nil)
	t.Cleanup(func() { _ = pool.Stop() })
	engine := newTestEngine(t, EngineWithWorkQueue(pool))
	engine.RegisterConnectorHandler("echo", func(_ context.Context, job ConnectorJob) (map[string]any, error) {
		return map[string]any{job.ConnectorId + "Done": true}, nil
	})
	def, err := engine.DeployDefinition(t.Context(), model.MustParse(`
id: chained-service-tasks
flowNodes:
  - {id: start, kind: START_EVENT}
  - id: reserve
    kind: SERVICE_TASK
    connectors:
      - {id: stock, handler: echo}
  - id: invoice
    kind: SERVICE_TASK
    connectors:
      - {id: billing, handler: echo}
  - {id: review, kind: USER_TASK, assignee: 7}
  - {id: end, kind: END_EVENT}
sequenceFlows:
  - {id: f1, source: start, target: reserve}
  - {id: f2, source: reserve, target: invoice}
  - {id: f3, source: invoice, target: review}
  - {id: f4, source: review, target: end}
`))
	require.NoError(t, err)

	instances := make([]runtime.ProcessInstance, 3)
	for i := range instances {
		instances[i] = start(t, engine, def)
	}
	for _, pi := range instances {
		awaitLiveNode(t, engine, pi.Key, "review")
	}
	vars, err := engine.FindVariables(t.Context(), instances[0].Key)
	require.NoError(t, err)
	assert.Equal(t, true, vars["stockDone"])
	assert.Equal(t, true, vars["billingDone"])

	for _, pi := range instances {
		require.NoError(t, engine.Cancel(t.Context(), pi.Key))
		awaitInstanceState(t, engine, pi.Key, runtime.ProcessInstanceStateCancelled)
	}
	assert.Eventually(t, func() bool { return pool.Pending() == 0 }, waitFor, pollPeriod)
}
