package bpmn

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zencore/pkg/bpmn/model"
	"github.com/pbinitiative/zencore/pkg/bpmn/runtime"
	"github.com/pbinitiative/zencore/pkg/ptr"
	"github.com/pbinitiative/zencore/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failOnce fails the first call of every connector.
type failOnce struct {
	mu    sync.Mutex
	calls map[string]int
}

func (f *failOnce) handle(_ context.Context, job ConnectorJob) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[job.ConnectorId]++
	if f.calls[job.ConnectorId] == 1 {
		return nil, errors.New("smtp unavailable")
	}
	return map[string]any{job.ConnectorId + "Sent": true}, nil
}

func (f *failOnce) callsOf(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func awaitNodeState(t *testing.T, engine *Engine, flowNodeKey int64, state runtime.FlowNodeState) {
	t.Helper()
	require.Eventually(t, func() bool {
		node, err := engine.FindFlowNodeInstance(t.Context(), flowNodeKey)
		return err == nil && node.State == state
	}, waitFor, pollPeriod, "flow node %d never reached %s", flowNodeKey, state)
}

func connectorsOf(t *testing.T, engine *Engine, flowNodeKey int64) []runtime.ConnectorInstance {
	t.Helper()
	connectors, err := engine.persistence.FindConnectorInstances(t.Context(), storage.ConnectorInstanceQuery{FlowNodeKey: ptr.To(flowNodeKey)})
	require.NoError(t, err)
	return connectors
}

func TestRetryReExecutesFailedConnector(t *testing.T) {
	engine := newTestEngine(t)
	handler := &failOnce{}
	engine.RegisterConnectorHandler("flaky-mail", handler.handle)
	def := deploy(t, engine, "service-task.yaml")
	pi := start(t, engine, def)
	notify := liveNode(t, engine, pi.Key, "notify")

	awaitNodeState(t, engine, notify.Key, runtime.FlowNodeStateFailed)
	connectors := connectorsOf(t, engine, notify.Key)
	require.Len(t, connectors, 1)
	assert.Equal(t, runtime.ConnectorStateFailed, connectors[0].State)
	assert.Equal(t, "smtp unavailable", connectors[0].ExceptionMessage)

	require.NoError(t, engine.Retry(t.Context(), notify.Key))

	awaitInstanceState(t, engine, pi.Key, runtime.ProcessInstanceStateCompleted)
	assert.Equal(t, 2, handler.callsOf("mail"))
	connectors = connectorsOf(t, engine, notify.Key)
	require.Len(t, connectors, 1)
	assert.Equal(t, runtime.ConnectorStateDone, connectors[0].State)
	assert.Equal(t, 2, connectors[0].Attempt)
	vars, err := engine.FindVariables(t.Context(), pi.Key)
	require.NoError(t, err)
	assert.Equal(t, true, vars["mailSent"])

	err = engine.Retry(t.Context(), notify.Key)
	assert.ErrorAs(t, err, new(*ActivityExecutionError))
}

func TestRetryResetsConnectorsInBatches(t *testing.T) {
	conf := DefaultConfig()
	conf.ConnectorBatchSize = 2
	engine := newTestEngine(t, EngineWithConfig(conf))
	handler := &failOnce{}
	engine.RegisterConnectorHandler("flaky", handler.handle)
	def, err := engine.DeployDefinition(t.Context(), model.MustParse(`
id: many-connectors
flowNodes:
  - {id: start, kind: START_EVENT}
  - id: sync
    kind: SERVICE_TASK
    connectors:
      - {id: crm, handler: flaky}
      - {id: erp, handler: flaky}
      - {id: mail, handler: flaky}
  - {id: end, kind: END_EVENT}
sequenceFlows:
  - {id: f1, source: start, target: sync}
  - {id: f2, source: sync, target: end}
`))
	require.NoError(t, err)
	pi := start(t, engine, def)
	node := liveNode(t, engine, pi.Key, "sync")
	awaitNodeState(t, engine, node.Key, runtime.FlowNodeStateFailed)

	require.NoError(t, engine.Retry(t.Context(), node.Key))

	awaitInstanceState(t, engine, pi.Key, runtime.ProcessInstanceStateCompleted)
	for _, id := range []string{"crm", "erp", "mail"} {
		assert.Equal(t, 2, handler.callsOf(id), id)
	}
	for _, c := range connectorsOf(t, engine, node.Key) {
		assert.Equal(t, runtime.ConnectorStateDone, c.State)
	}
}

func TestRetryRequiresFailedFlowNode(t *testing.T) {
	def := deploy(t, bpmnEngine, "user-task-long-deadline.yaml")
	pi := start(t, bpmnEngine, def)
	step := liveNode(t, bpmnEngine, pi.Key, "step1")

	err := bpmnEngine.Retry(t.Context(), step.Key)
	assert.ErrorAs(t, err, new(*ActivityExecutionError))

	err = bpmnEngine.Retry(t.Context(), -1)
	assert.ErrorAs(t, err, new(*ActivityExecutionError))
	require.NoError(t, bpmnEngine.Cancel(t.Context(), pi.Key))
}

func TestRetryLogsOnlyCommittedRetries(t *testing.T) {
	engine := newTestEngine(t)
	handler := &failOnce{}
	engine.RegisterConnectorHandler("flaky-mail", handler.handle)
	var logs syncBuffer
	engine.logger = hclog.New(&hclog.LoggerOptions{Name: "bpmn-engine", Output: &logs, Level: hclog.Info})
	def := deploy(t, engine, "service-task.yaml")
	pi := start(t, engine, def)
	notify := liveNode(t, engine, pi.Key, "notify")
	awaitNodeState(t, engine, notify.Key, runtime.FlowNodeStateFailed)

	require.NoError(t, engine.Retry(t.Context(), notify.Key))
	awaitInstanceState(t, engine, pi.Key, runtime.ProcessInstanceStateCompleted)

	err := engine.Retry(t.Context(), notify.Key)
	assert.ErrorAs(t, err, new(*ActivityExecutionError))
	assert.Equal(t, 1, strings.Count(logs.String(), "Retrying flow node"))
}

// syncBuffer is a bytes.Buffer safe for the concurrent writers of a logger.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestMissingConnectorHandlerFailsFlowNode(t *testing.T) {
	engine := newTestEngine(t)
	def := deploy(t, engine, "service-task.yaml")
	pi := start(t, engine, def)
	notify := liveNode(t, engine, pi.Key, "notify")

	awaitNodeState(t, engine, notify.Key, runtime.FlowNodeStateFailed)
	connectors := connectorsOf(t, engine, notify.Key)
	require.Len(t, connectors, 1)
	assert.Contains(t, connectors[0].ExceptionMessage, "flaky-mail")
}
