//go:build !NODOWNLOAD

package tbdetect

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindOnnxFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	_, err := findOnnxFile(ctx, dir, "")
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "tb.onnx"), []byte("onnx"), 0o600))
	found, err := findOnnxFile(ctx, dir, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "tb.onnx"), found)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "tb_quantized.onnx"), []byte("onnx"), 0o600))
	_, err = findOnnxFile(ctx, dir, "")
	assert.ErrorContains(t, err, "multiple")

	found, err = findOnnxFile(ctx, dir, "onnx/tb_quantized.onnx")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "tb_quantized.onnx"), found)
}

func TestInstallModel(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	models := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "tb.onnx"), []byte("graph"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "tb.json"), []byte(`{"input_shape": [null, 224, 224, 3]}`), 0o600))

	target := filepath.Join(models, "model.onnx")
	require.NoError(t, installModel(ctx, filepath.Join(src, "tb.onnx"), target))

	graph, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "graph", string(graph))
	assert.FileExists(t, filepath.Join(models, "model.json"))
}

func TestLockDestination(t *testing.T) {
	dir := t.TempDir()
	unlock, err := lockDestination(context.Background(), dir)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = lockDestination(ctx, dir)
	assert.Error(t, err)

	require.NoError(t, unlock())
	unlock, err = lockDestination(context.Background(), dir)
	require.NoError(t, err)
	require.NoError(t, unlock())

	noop, err := lockDestination(context.Background(), "s3://bucket/models")
	require.NoError(t, err)
	assert.NoError(t, noop())
}

func TestWaitRetry(t *testing.T) {
	assert.NoError(t, waitRetry(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	assert.ErrorIs(t, waitRetry(ctx, time.Hour), context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
