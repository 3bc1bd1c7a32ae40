package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/tbdetect/options"
)

func applyAll(t *testing.T, cfg *Config) *options.Options {
	t.Helper()
	o := options.Defaults()
	for _, opt := range cfg.Options() {
		require.NoError(t, opt(o))
	}
	return o
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, resolved, exists, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.False(t, exists)
	assert.NotEmpty(t, resolved)
	assert.Equal(t, Default().Model, cfg.Model)

	o := applyAll(t, cfg)
	assert.Equal(t, "models", o.ModelsDir)
	assert.Equal(t, "ORT", o.Backend)
	require.NotNil(t, o.Pipeline.Threshold)
	assert.Equal(t, 0.5, *o.Pipeline.Threshold)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tbdetect.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[model]
models_dir = "s3://bucket/models"
layout = "nchw"

[ort]
intra_op_threads = 4
cpu_mem_arena = false
cuda = { device_id = "0" }

[pipeline]
threshold = 0.7
normalization = "min_max"

[logging]
level = "debug"
`), 0o600))

	cfg, resolved, exists, err := Load(path)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, path, resolved)
	assert.Equal(t, "debug", cfg.Logging.Level)

	o := applyAll(t, cfg)
	assert.Equal(t, "s3://bucket/models", o.ModelsDir)
	assert.Equal(t, options.LayoutNCHW, o.Layout)
	assert.Equal(t, 4, *o.ORTOptions.IntraOpNumThreads)
	assert.False(t, *o.ORTOptions.CPUMemArena)
	assert.Nil(t, o.ORTOptions.MemPattern)
	assert.Equal(t, "0", o.ORTOptions.CudaOptions["device_id"])
	assert.Equal(t, 0.7, *o.Pipeline.Threshold)
	assert.Equal(t, "min_max", o.Pipeline.Normalization)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("MODEL_PATH", "/srv/tb.onnx")
	t.Setenv("MODELS_DIR", "/srv/models")
	t.Setenv("TBDETECT_BACKEND", "GO")
	t.Setenv("TBDETECT_LOG_LEVEL", "warn")

	cfg, _, _, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)

	o := applyAll(t, cfg)
	assert.Equal(t, "/srv/tb.onnx", o.ModelPath)
	assert.Equal(t, "/srv/models", o.ModelsDir)
	assert.Equal(t, "GO", o.Backend)
}

func TestGoBackendSkipsORTOptions(t *testing.T) {
	cfg := Default()
	cfg.Model.Backend = "go"
	cfg.ORT.IntraOpNumThreads = 2
	applyAll(t, &cfg)
}

func TestInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[model]\nbackend = \"tpu\"\n[pipeline]\nthreshold = 2.0\n"), 0o600))
	_, _, _, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model.backend")
	assert.Contains(t, err.Error(), "pipeline.threshold")

	require.NoError(t, os.WriteFile(path, []byte("[model]\nunknown = 1\n"), 0o600))
	_, _, _, err = Load(path)
	assert.Error(t, err)
}
