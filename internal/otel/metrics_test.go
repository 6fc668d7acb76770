package otel

import (
	"testing"

	"github.com/pbinitiative/zencore/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupOtelWithoutTracing(t *testing.T) {
	o, err := SetupOtel(config.Tracing{Name: "zencore-test"})
	require.NoError(t, err)
	assert.NotNil(t, o.meterProvider)
	assert.Nil(t, o.tracerprovider)
	assert.NotNil(t, RequestTotal)
	assert.NotNil(t, RequestDuration)
	o.Stop(t.Context())
	assert.Nil(t, o.meterProvider)
}
