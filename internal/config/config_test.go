package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadConfigFromEnvDefaults(t *testing.T) {
	c, err := ReadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "zencore", c.Name)
	assert.Equal(t, "zencore", c.Tracing.Name)
	assert.Equal(t, 150, c.Admission.Limit)
	assert.Equal(t, 30*24*time.Hour, c.Admission.Period())
	assert.Equal(t, []int{80, 90}, c.Admission.Thresholds)
	assert.Equal(t, LockStoreMemory, c.Lock.Store)
	assert.Equal(t, StorageMemory, c.Storage.Store)
	assert.Equal(t, "zencore:journal", c.Storage.Redis.Prefix)
	assert.Equal(t, 5*time.Second, c.Lock.Timeout)
	assert.Equal(t, 100, c.Engine.ConnectorBatchSize)
}

func TestReadConfigFromFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "conf.yaml")
	err := os.WriteFile(file, []byte(`
name: zen-test
storage:
  store: redis
  redis:
    addr: journal:6379
lock:
  store: redis
  redis:
    addr: redis:6379
admission:
  limit: 10
  thresholds: [50]
`), 0o600)
	require.NoError(t, err)

	c, err := ReadConfig(file)
	require.NoError(t, err)
	assert.Equal(t, "zen-test", c.Name)
	assert.Equal(t, LockStoreRedis, c.Lock.Store)
	assert.Equal(t, "redis:6379", c.Lock.Redis.Addr)
	assert.Equal(t, StorageRedis, c.Storage.Store)
	assert.Equal(t, "journal:6379", c.Storage.Redis.Addr)
	assert.Equal(t, 10, c.Admission.Limit)
	assert.Equal(t, []int{50}, c.Admission.Thresholds)
}

func TestReadConfigRejectsUnknownLockStore(t *testing.T) {
	t.Setenv("LOCK_STORE", "etcd")
	_, err := ReadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestReadConfigRejectsUnknownStorage(t *testing.T) {
	t.Setenv("STORAGE_STORE", "rqlite")
	_, err := ReadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
