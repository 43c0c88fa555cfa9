package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "scheduler.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFillsDefaultsForOmittedFields(t *testing.T) {
	path := writeFile(t, t.TempDir(), `
node_shard_count = 32
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.NodeShardCount)
	// Omitted: falls back to Default()'s value.
	assert.Equal(t, 5*time.Second, cfg.FairShareUpdatePeriod.Duration)
}

func TestLoadKeepsDefaultTreeWhenTreesOmitted(t *testing.T) {
	path := writeFile(t, t.TempDir(), `node_shard_count = 8`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Trees, 1)
	assert.Equal(t, "default", cfg.Trees[0].Name)
	assert.Equal(t, "root", cfg.Trees[0].RootPool)
}

func TestLoadParsesCustomTrees(t *testing.T) {
	path := writeFile(t, t.TempDir(), `
[[tree]]
name = "gpu"
root_pool = "gpu-root"
node_filter = "gpu"

[[tree]]
name = "cpu"
root_pool = "cpu-root"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Trees, 2)
	assert.Equal(t, "gpu", cfg.Trees[0].Name)
	assert.Equal(t, "gpu-root", cfg.Trees[0].RootPool)
	assert.Equal(t, "gpu", cfg.Trees[0].NodeFilter)
	assert.Equal(t, "cpu", cfg.Trees[1].Name)
}

func TestLoadParsesDurationsAndNested(t *testing.T) {
	path := writeFile(t, t.TempDir(), `
fair_share_update_period = "10s"
aggressive_starvation_preemption_allowed = true

[master]
addr = "master.internal:9090"
max_retries = 3
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.FairShareUpdatePeriod.Duration)
	assert.True(t, cfg.AggressiveStarvationPreemptionAllowed)
	assert.Equal(t, "master.internal:9090", cfg.Master.Addr)
	assert.Equal(t, 3, cfg.Master.MaxRetries)
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	path := writeFile(t, t.TempDir(), `fair_share_update_period = "not-a-duration"`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestStoreReloadKeepsPreviousOnParseFailure(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, `node_shard_count = 4`)

	cfg, err := Load(path)
	require.NoError(t, err)
	store := NewStore(cfg)
	assert.Equal(t, 4, store.Get().NodeShardCount)

	require.NoError(t, os.WriteFile(path, []byte(`node_shard_count = "oops"`), 0o644))
	err = store.Reload(path)
	assert.Error(t, err)
	assert.Equal(t, 4, store.Get().NodeShardCount, "store must keep serving the last-good config")
}

func TestStoreReloadSwapsInNewConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, `node_shard_count = 4`)

	cfg, err := Load(path)
	require.NoError(t, err)
	store := NewStore(cfg)

	require.NoError(t, os.WriteFile(path, []byte(`node_shard_count = 9`), 0o644))
	require.NoError(t, store.Reload(path))
	assert.Equal(t, 9, store.Get().NodeShardCount)
}
