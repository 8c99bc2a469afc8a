package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesDefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Execution.MinConcurrentSteps)
	assert.Equal(t, 25, cfg.Execution.MaxConcurrentStepsLimit)
	assert.Equal(t, "prometheus", cfg.Telemetry.MetricsFormat)
	assert.Equal(t, "default", cfg.Engine.DefaultNamespace)
	assert.True(t, cfg.Health.StatusRequiresAuthentication)
}

func TestLoadReadsYAMLFile(t *testing.T) {
	path := writeConfigFile(t, `
execution:
  min_concurrent_steps: 5
  max_concurrent_steps_limit: 40
engine:
  default_namespace: billing
  default_version: "2.0.0"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Execution.MinConcurrentSteps)
	assert.Equal(t, 40, cfg.Execution.MaxConcurrentStepsLimit)
	assert.Equal(t, "billing", cfg.Engine.DefaultNamespace)
	assert.Equal(t, "2.0.0", cfg.Engine.DefaultVersion)
}

func TestLoadToleratesMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Execution.MinConcurrentSteps)
}

func TestLoadEnvOverlayOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
execution:
  min_concurrent_steps: 5
`)
	t.Setenv("TASKER_EXECUTION_MIN_CONCURRENT_STEPS", "8")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Execution.MinConcurrentSteps)
}

func TestLoadParsesNestedTelemetryBlock(t *testing.T) {
	path := writeConfigFile(t, `
telemetry:
  metrics_enabled: false
  prometheus:
    endpoint: ":9090"
    retention_window: 48h
  service_name: taskerd
  service_version: 1.2.3
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.False(t, cfg.Telemetry.MetricsEnabled)
	assert.Equal(t, ":9090", cfg.Telemetry.Prometheus.Endpoint)
	assert.Equal(t, "taskerd", cfg.Telemetry.ServiceName)
}
