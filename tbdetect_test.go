package tbdetect

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/tbdetect/backends"
	"github.com/knights-analytics/tbdetect/options"
	"github.com/knights-analytics/tbdetect/pipelines"
	"github.com/knights-analytics/tbdetect/util/errs"
	"github.com/knights-analytics/tbdetect/util/logutil"
)

type fakeRuntime struct {
	inputs []backends.InputOutputInfo
	run    func(inputs []*backends.Tensor) ([]float32, error)
}

func (r *fakeRuntime) Name() string { return "FAKE" }
func (r *fakeRuntime) NewSession(_ []byte, _ *options.Options) (backends.Session, error) {
	return &fakeSession{runtime: r}, nil
}
func (r *fakeRuntime) Destroy() error { return nil }

type fakeSession struct{ runtime *fakeRuntime }

func (s *fakeSession) Inputs() []backends.InputOutputInfo { return s.runtime.inputs }
func (s *fakeSession) Outputs() []backends.InputOutputInfo {
	return []backends.InputOutputInfo{{Name: "dense", Dimensions: backends.NewShape(-1, 1)}}
}
func (s *fakeSession) Run(inputs []*backends.Tensor) ([]float32, error) { return s.runtime.run(inputs) }
func (s *fakeSession) Destroy() error                                 { return nil }

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 50, 50))
	for i := range img.Pix {
		img.Pix[i] = 0xFF
	}
	img.Set(10, 10, color.Black)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newFakeSession(t *testing.T, runtime *fakeRuntime, opts ...options.WithOption) (*Session, string) {
	t.Helper()
	dir := t.TempDir()
	parsed := options.Defaults()
	require.NoError(t, options.WithModelsDir(dir)(parsed))
	for _, opt := range opts {
		require.NoError(t, opt(parsed))
	}
	session, err := newSession(runtime, parsed)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, session.Destroy()) })
	return session, dir
}

func TestPredictWithoutModel(t *testing.T) {
	session, err := NewSession(options.WithBackend("GO"), options.WithModelsDir(t.TempDir()))
	require.NoError(t, err)
	defer func() { assert.NoError(t, session.Destroy()) }()

	upload := pipelines.Upload{Data: pngBytes(t), Filename: "chest.png", ContentType: "image/png"}
	for range 3 {
		_, err = session.Predict(context.Background(), upload)
		assert.ErrorIs(t, err, errs.ErrModelNotFound)
		assert.Equal(t, 500, errs.StatusCode(err))
	}
	_, err = session.Inspect(context.Background())
	assert.ErrorIs(t, err, errs.ErrModelNotFound)

	stats := session.GetStatistics()
	assert.Equal(t, uint64(3), stats.Failures[errs.ErrModelNotFound.Error()])
}

func TestNewSessionRejectsBadOptions(t *testing.T) {
	_, err := NewSession(options.WithBackend("GO"), options.WithIntraOpNumThreads(2))
	assert.Error(t, err)
	_, err = NewSession(options.WithBackend("GO"), options.WithResampleFilter("nearest"))
	assert.Error(t, err)
	_, err = NewSession(options.WithThreshold(-1))
	assert.Error(t, err)
}

func TestPredictEnsemble(t *testing.T) {
	var mu sync.Mutex
	var fed [][]*backends.Tensor
	runtime := &fakeRuntime{
		inputs: []backends.InputOutputInfo{
			{Name: "a", Dimensions: backends.NewShape(-1, 224, 224, 3)},
			{Name: "b", Dimensions: backends.NewShape(-1, 224, 224, 3)},
			{Name: "c", Dimensions: backends.NewShape(-1, 224, 224, 3)},
		},
		run: func(inputs []*backends.Tensor) ([]float32, error) {
			mu.Lock()
			defer mu.Unlock()
			fed = append(fed, inputs)
			return []float32{0.92}, nil
		},
	}
	var logs bytes.Buffer
	session, dir := newFakeSession(t, runtime, options.WithLogger(logutil.NewJSON("info", &logs)))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.onnx"), []byte("onnx"), 0o600))

	result, err := session.Predict(context.Background(), pipelines.Upload{Data: pngBytes(t), Filename: "chest.png"})
	require.NoError(t, err)
	assert.Equal(t, pipelines.LabelTuberculosis, result.Label)
	assert.Equal(t, []int{224, 224, 3}, result.Input.Shape)
	require.Len(t, fed, 1)
	assert.Len(t, fed[0], 3)
	assert.Contains(t, logs.String(), `"label":"Tuberculosis"`)
	assert.Contains(t, logs.String(), `"request_id":"`)

	info, err := session.Inspect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, info.InputCount)
	assert.Equal(t, "FAKE", info.Runtime)
}

func TestPredictUnsupportedUpload(t *testing.T) {
	runtime := &fakeRuntime{
		inputs: []backends.InputOutputInfo{{Name: "x", Dimensions: backends.NewShape(-1, 64, 64, 1)}},
		run:    func([]*backends.Tensor) ([]float32, error) { return []float32{0.1}, nil },
	}
	session, dir := newFakeSession(t, runtime)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.onnx"), []byte("onnx"), 0o600))

	_, err := session.Predict(context.Background(), pipelines.Upload{Data: []byte("hi"), Filename: "notes.txt", ContentType: "text/plain"})
	assert.ErrorIs(t, err, errs.ErrUnsupportedInputType)
	assert.Equal(t, 400, errs.StatusCode(err))
}

func TestPredictRecoversPanics(t *testing.T) {
	runtime := &fakeRuntime{
		inputs: []backends.InputOutputInfo{{Name: "x", Dimensions: backends.NewShape(-1, 32, 32, 3)}},
		run: func([]*backends.Tensor) ([]float32, error) {
			var output []float32
			return []float32{output[3]}, nil
		},
	}
	session, dir := newFakeSession(t, runtime)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.onnx"), []byte("onnx"), 0o600))

	_, err := session.Predict(context.Background(), pipelines.Upload{Data: pngBytes(t), Filename: "a.png"})
	assert.ErrorIs(t, err, errs.ErrInternal)
	assert.NotEmpty(t, errs.Trace(err))
	assert.Equal(t, uint64(1), session.GetStatistics().Failures[errs.ErrInternal.Error()])
}

func TestPredictCancelledContext(t *testing.T) {
	session, _ := newFakeSession(t, &fakeRuntime{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := session.Predict(ctx, pipelines.Upload{Filename: "a.png"})
	assert.ErrorIs(t, err, context.Canceled)
}
