package bpmn

import (
	"testing"
	"time"

	"github.com/pbinitiative/zencore/pkg/admission"
	"github.com/pbinitiative/zencore/pkg/bpmn/runtime"
	"github.com/pbinitiative/zencore/pkg/storage"
	"github.com/pbinitiative/zencore/pkg/storage/inmemory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartRejectedWhenAdmissionWindowIsFull(t *testing.T) {
	store := inmemory.NewStorage()
	enc, err := admission.NewAESEncryptor(make([]byte, 32))
	require.NoError(t, err)
	controller, err := admission.NewController(admission.Config{Limit: 1, PeriodDays: 30, Thresholds: []int{80, 90}}, store, enc)
	require.NoError(t, err)
	require.NoError(t, controller.InitializePlatform(t.Context()))
	require.NoError(t, controller.Start(t.Context(), time.Now()))
	engine := newTestEngine(t, EngineWithStorage(store), EngineWithAdmission(controller))
	deploy(t, engine, "leaf.yaml")
	deploy(t, engine, "middle.yaml")
	def := deploy(t, engine, "root.yaml")

	first := start(t, engine, def)
	children, err := engine.FindChildProcessInstances(t.Context(), first.Key)
	require.NoError(t, err)
	assert.Len(t, children, 1, "called instances are not admitted")

	_, err = engine.StartProcess(t.Context(), def.Key, nil)

	var rejected *admission.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.WithinDuration(t, first.StartedAt.Add(30*24*time.Hour), rejected.RetryAfter, time.Millisecond)
	roots, err := store.FindProcessInstances(t.Context(), storage.ProcessInstanceQuery{OnlyRoots: true})
	require.NoError(t, err)
	assert.Len(t, roots, 1)
	assert.Equal(t, runtime.ProcessInstanceStateActive, roots[0].State)

	// a restarted controller accepts the persisted window
	restarted, err := admission.NewController(admission.Config{Limit: 1, PeriodDays: 30}, store, enc)
	require.NoError(t, err)
	assert.NoError(t, restarted.Start(t.Context(), time.Now()))
	assert.Equal(t, 1, restarted.Occupancy())
}
