package pipelines

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/tbdetect/backends"
	"github.com/knights-analytics/tbdetect/options"
	"github.com/knights-analytics/tbdetect/util/errs"
)

// recordingSession returns a fixed output and keeps the tensors it was fed.
type recordingSession struct {
	inputs []backends.InputOutputInfo
	output []float32
	fed    [][]*backends.Tensor
}

func (s *recordingSession) Inputs() []backends.InputOutputInfo { return s.inputs }
func (s *recordingSession) Outputs() []backends.InputOutputInfo {
	return []backends.InputOutputInfo{{Name: "output", Dimensions: backends.NewShape(-1, 1)}}
}
func (s *recordingSession) Run(inputs []*backends.Tensor) ([]float32, error) {
	s.fed = append(s.fed, inputs)
	return s.output, nil
}
func (s *recordingSession) Destroy() error { return nil }

func newTestModel(inputCount int, shape backends.Shape, output ...float32) (*backends.Model, *recordingSession) {
	session := &recordingSession{output: output}
	for range inputCount {
		session.inputs = append(session.inputs, backends.InputOutputInfo{Name: "input", Dimensions: shape})
	}
	return &backends.Model{
		Path:        "models/model.onnx",
		Runtime:     "TEST",
		Session:     session,
		Contract:    backends.NewGraphContract(session.inputs),
		Layout:      options.LayoutNHWC,
		InputsMeta:  session.inputs,
		OutputsMeta: session.Outputs(),
	}, session
}

func newTestPipeline(t *testing.T, opts ...PipelineOption) *TBClassificationPipeline {
	t.Helper()
	pipeline, err := NewTBClassificationPipeline(opts...)
	require.NoError(t, err)
	return pipeline
}

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, c)
		}
	}
	return img
}

func jpegUpload(t *testing.T, img image.Image, filename string) Upload {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return Upload{Data: buf.Bytes(), Filename: filename, ContentType: "image/jpeg"}
}

func pngUpload(t *testing.T, img image.Image, filename string) Upload {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return Upload{Data: buf.Bytes(), Filename: filename}
}

func TestPredictJPEG(t *testing.T) {
	model, session := newTestModel(1, backends.NewShape(-1, 224, 224, 3), 0.83)
	pipeline := newTestPipeline(t)

	result, err := pipeline.Run(context.Background(), model, jpegUpload(t, solid(50, 50, color.Gray{Y: 120}), "chest.jpg"))
	require.NoError(t, err)
	assert.Equal(t, LabelTuberculosis, result.Label)
	assert.InDelta(t, 0.83, result.Confidence, 1e-6)
	assert.Equal(t, InputMeta{Type: SourceImage, Filename: "chest.jpg", Shape: []int{224, 224, 3}, Preprocessing: "rescale_1_255"}, result.Input)

	require.Len(t, session.fed, 1)
	require.Len(t, session.fed[0], 1)
	tensor := session.fed[0][0]
	assert.Equal(t, backends.NewShape(1, 224, 224, 3), tensor.Shape)
	assert.Len(t, tensor.Data, 224*224*3)
	for _, v := range tensor.Data {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.LessOrEqual(t, v, float32(1))
	}
}

func TestNormalizationShapes(t *testing.T) {
	sources := map[string]image.Image{
		"rgba":     solid(31, 17, color.RGBA{200, 10, 40, 128}),
		"grey":     image.NewGray(image.Rect(0, 0, 40, 60)),
		"paletted": image.NewPaletted(image.Rect(0, 0, 12, 12), color.Palette{color.Black, color.White}),
	}
	targets := []backends.Shape{
		backends.NewShape(-1, 224, 224, 3),
		backends.NewShape(1, 128, 96, 1),
		backends.NewShape(-1, 64, 64, -1),
	}
	for name, img := range sources {
		for _, shape := range targets {
			model, session := newTestModel(1, shape, 0.1)
			_, err := newTestPipeline(t).Run(context.Background(), model, pngUpload(t, img, name+".png"))
			require.NoError(t, err, "%s %s", name, shape)

			target, err := model.TargetShape()
			require.NoError(t, err)
			tensor := session.fed[0][0]
			assert.Equal(t, backends.NewShape(1, int64(target.Height), int64(target.Width), int64(target.Channels)), tensor.Shape)
			for _, v := range tensor.Data {
				require.True(t, v >= 0 && v <= 1, "%s %s value %v", name, shape, v)
			}
		}
	}
}

func TestWhiteAndBlackImages(t *testing.T) {
	for _, c := range []struct {
		colour color.Color
		want   float32
	}{
		{color.White, 1},
		{color.Black, 0},
	} {
		model, session := newTestModel(1, backends.NewShape(-1, 32, 32, 3), 0.2)
		_, err := newTestPipeline(t).Run(context.Background(), model, pngUpload(t, solid(20, 20, c.colour), "x.png"))
		require.NoError(t, err)
		for _, v := range session.fed[0][0].Data {
			require.InDelta(t, c.want, v, 1e-6)
		}
	}
}

func TestTransparentPixelsKeepStoredColour(t *testing.T) {
	transparent := image.NewNRGBA(image.Rect(0, 0, 50, 50))
	for i := 0; i < len(transparent.Pix); i += 4 {
		copy(transparent.Pix[i:i+4], []uint8{255, 255, 255, 0})
	}
	model, session := newTestModel(1, backends.NewShape(-1, 224, 224, 3), 0.2)
	_, err := newTestPipeline(t).Run(context.Background(), model, pngUpload(t, transparent, "clear.png"))
	require.NoError(t, err)
	for _, v := range session.fed[0][0].Data {
		require.InDelta(t, 1.0, v, 1e-6)
	}

	checker := image.NewNRGBA(image.Rect(0, 0, 50, 50))
	for y := range 50 {
		for x := range 50 {
			if (x+y)%2 == 0 {
				checker.SetNRGBA(x, y, color.NRGBA{A: 10})
			} else {
				checker.SetNRGBA(x, y, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
			}
		}
	}
	model, session = newTestModel(1, backends.NewShape(-1, 224, 224, 3), 0.2)
	_, err = newTestPipeline(t).Run(context.Background(), model, pngUpload(t, checker, "checker.png"))
	require.NoError(t, err)
	var sum float64
	data := session.fed[0][0].Data
	for _, v := range data {
		sum += float64(v)
	}
	assert.InDelta(t, 0.5, sum/float64(len(data)), 0.05)
}

func TestMinMaxOnConstantImage(t *testing.T) {
	model, session := newTestModel(1, backends.NewShape(-1, 16, 16, 1), 0.2)
	pipeline := newTestPipeline(t, WithNormalizationStrategy("min_max"))
	result, err := pipeline.Run(context.Background(), model, pngUpload(t, solid(8, 8, color.Gray{Y: 77}), "flat.png"))
	require.NoError(t, err)
	assert.Equal(t, "min_max", result.Input.Preprocessing)
	for _, v := range session.fed[0][0].Data {
		require.Equal(t, float32(0), v)
	}
}

func TestEnsembleCopies(t *testing.T) {
	model, session := newTestModel(3, backends.NewShape(-1, 24, 24, 3), 0.7)
	_, err := newTestPipeline(t).Run(context.Background(), model, pngUpload(t, solid(10, 10, color.RGBA{90, 30, 200, 255}), "scan.png"))
	require.NoError(t, err)

	fed := session.fed[0]
	require.Len(t, fed, 3)
	for i := 1; i < len(fed); i++ {
		assert.Equal(t, fed[0].Data, fed[i].Data)
		assert.NotSame(t, &fed[0].Data[0], &fed[i].Data[0])
	}
	fed[1].Data[0] = 42
	assert.NotEqual(t, float32(42), fed[0].Data[0])
	assert.NotEqual(t, float32(42), fed[2].Data[0])
}

func TestRunCompletesOnceStarted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	model, session := newTestModel(1, backends.NewShape(-1, 8, 8, 3), 0.6)
	result, err := newTestPipeline(t).Run(ctx, model, pngUpload(t, solid(4, 4, color.White), "a.png"))
	require.NoError(t, err)
	assert.Equal(t, LabelTuberculosis, result.Label)
	assert.Len(t, session.fed, 1)
}

func TestReplicateInputsSingle(t *testing.T) {
	tensor := &backends.Tensor{Shape: backends.NewShape(1, 1, 1, 1), Data: []float32{0.3}}
	inputs := ReplicateInputs(tensor, 1)
	require.Len(t, inputs, 1)
	assert.Same(t, tensor, inputs[0])
}

func TestNCHWLayout(t *testing.T) {
	model, session := newTestModel(1, backends.NewShape(-1, 3, 8, 6), 0.4)
	model.Layout = options.LayoutNCHW
	result, err := newTestPipeline(t).Run(context.Background(), model, pngUpload(t, solid(4, 4, color.White), "a.png"))
	require.NoError(t, err)
	assert.Equal(t, []int{8, 6, 3}, result.Input.Shape)
	assert.Equal(t, backends.NewShape(1, 3, 8, 6), session.fed[0][0].Shape)
}

func TestLabelThreshold(t *testing.T) {
	pipeline := newTestPipeline(t)
	meta := InputMeta{Type: SourceImage}

	result, err := pipeline.Postprocess([]float32{0.5}, meta)
	require.NoError(t, err)
	assert.Equal(t, LabelTuberculosis, result.Label)

	result, err = pipeline.Postprocess([]float32{0.4999}, meta)
	require.NoError(t, err)
	assert.Equal(t, LabelNormal, result.Label)

	strict := newTestPipeline(t, WithThreshold(0.9))
	result, err = strict.Postprocess([]float32{0.8}, meta)
	require.NoError(t, err)
	assert.Equal(t, LabelNormal, result.Label)

	_, err = NewTBClassificationPipeline(WithThreshold(1.5))
	assert.Error(t, err)
}

func TestRawOutputOutsideRange(t *testing.T) {
	pipeline := newTestPipeline(t)

	high, err := pipeline.Postprocess([]float32{1.7, 0.2}, InputMeta{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, high.Confidence)
	assert.InDelta(t, 1.7, high.RawOutput, 1e-6)
	assert.Equal(t, LabelTuberculosis, high.Label)

	low, err := pipeline.Postprocess([]float32{-0.3}, InputMeta{})
	require.NoError(t, err)
	assert.Equal(t, 0.0, low.Confidence)
	assert.InDelta(t, -0.3, low.RawOutput, 1e-6)
	assert.Equal(t, LabelNormal, low.Label)

	_, err = pipeline.Postprocess(nil, InputMeta{})
	assert.ErrorIs(t, err, errs.ErrInternal)
}

func TestNonFiniteOutput(t *testing.T) {
	pipeline := newTestPipeline(t)
	for _, v := range []float32{float32(math.NaN()), float32(math.Inf(1)), float32(math.Inf(-1))} {
		result, err := pipeline.Postprocess([]float32{v}, InputMeta{})
		assert.Nil(t, result)
		assert.ErrorIs(t, err, errs.ErrInternal)
	}
	stats := pipeline.GetStatistics()
	assert.Zero(t, stats.Predictions[LabelNormal])
	assert.Zero(t, stats.Predictions[LabelTuberculosis])
}

func TestUnsupportedUpload(t *testing.T) {
	model, session := newTestModel(1, backends.NewShape(-1, 224, 224, 3), 0.9)
	_, err := newTestPipeline(t).Run(context.Background(), model, Upload{Data: []byte("hello"), Filename: "notes.txt", ContentType: "text/plain"})
	assert.ErrorIs(t, err, errs.ErrUnsupportedInputType)
	assert.Empty(t, session.fed)
}

func TestCorruptImage(t *testing.T) {
	model, _ := newTestModel(1, backends.NewShape(-1, 224, 224, 3), 0.9)
	_, err := newTestPipeline(t).Run(context.Background(), model, Upload{Data: []byte("\x89PNG garbage"), Filename: "x.png"})
	assert.ErrorIs(t, err, errs.ErrDecodeFailure)

	_, err = newTestPipeline(t).Run(context.Background(), model, Upload{Data: []byte("garbage"), Filename: "x.dcm"})
	assert.ErrorIs(t, err, errs.ErrDecodeFailure)
}

func TestUnsupportedModelShape(t *testing.T) {
	for _, shape := range []backends.Shape{
		backends.NewShape(-1, 224, 224),
		backends.NewShape(-1, -1, -1, 3),
		backends.NewShape(-1, 224, 224, 4),
	} {
		model, _ := newTestModel(1, shape, 0.9)
		_, err := newTestPipeline(t).Run(context.Background(), model, pngUpload(t, solid(4, 4, color.White), "a.png"))
		assert.ErrorIs(t, err, errs.ErrUnsupportedModelShape, shape.String())
	}
}

func TestStatistics(t *testing.T) {
	pipeline := newTestPipeline(t)
	model, _ := newTestModel(1, backends.NewShape(-1, 8, 8, 1), 0.9)
	_, err := pipeline.Run(context.Background(), model, pngUpload(t, solid(4, 4, color.White), "a.png"))
	require.NoError(t, err)
	_, err = pipeline.Run(context.Background(), model, Upload{Filename: "a.txt"})
	require.Error(t, err)
	pipeline.RecordFailure(err)

	stats := pipeline.GetStatistics()
	assert.Equal(t, uint64(1), stats.Onnx.ExecutionCount)
	assert.Equal(t, uint64(1), stats.Decode.ExecutionCount)
	assert.Equal(t, uint64(1), stats.Predictions[LabelTuberculosis])
	assert.Equal(t, uint64(1), stats.Failures[errs.ErrUnsupportedInputType.Error()])
	assert.Len(t, pipeline.GetStats(), 4)
}
