package pipelines

import (
	"context"
	"fmt"
	"image"
	"math"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"

	"github.com/knights-analytics/tbdetect/backends"
	"github.com/knights-analytics/tbdetect/options"
	"github.com/knights-analytics/tbdetect/util/dicomutil"
	"github.com/knights-analytics/tbdetect/util/errs"
	"github.com/knights-analytics/tbdetect/util/imageutil"
)

const (
	LabelTuberculosis = "Tuberculosis"
	LabelNormal       = "Normal"
	DefaultThreshold  = 0.5
)

// TBClassificationPipeline turns one uploaded chest image into a binary tuberculosis prediction.
// It holds no per-request state and is safe for concurrent use.
type TBClassificationPipeline struct {
	Threshold  float64
	Strategy   imageutil.Strategy
	FilterName string
	filter     imaging.ResampleFilter

	decodeTimings     *backends.Timings
	preprocessTimings *backends.Timings
	onnxTimings       *backends.Timings
	predictions       map[string]*atomic.Uint64
	failures          map[error]*atomic.Uint64
}

// InputMeta describes how the upload was read.
type InputMeta struct {
	Type          SourceType `json:"type"`
	Filename      string     `json:"filename"`
	Shape         []int      `json:"shape"`
	Preprocessing string     `json:"preprocessing"`
}

type Result struct {
	Label string `json:"label"`
	// Confidence is the tuberculosis probability clipped to [0, 1].
	Confidence float64 `json:"confidence"`
	// RawOutput is the unclipped first output value.
	RawOutput float64   `json:"raw_output"`
	Input     InputMeta `json:"input"`
}

// PipelineOption is an option for the classification pipeline.
type PipelineOption func(p *TBClassificationPipeline) error

// WithNormalizationStrategy selects how 8-bit samples are mapped to model intensities:
// rescale_1_255 (default) or min_max.
func WithNormalizationStrategy(name string) PipelineOption {
	return func(p *TBClassificationPipeline) error {
		strategy, err := imageutil.ParseStrategy(name)
		if err != nil {
			return err
		}
		p.Strategy = strategy
		return nil
	}
}

// WithResampleFilter selects the resize filter: lanczos (default), catmullrom or box.
func WithResampleFilter(name string) PipelineOption {
	return func(p *TBClassificationPipeline) error {
		filter, err := imageutil.ParseResampleFilter(name)
		if err != nil {
			return err
		}
		p.filter = filter
		p.FilterName = name
		return nil
	}
}

// WithThreshold sets the confidence from which an image is labelled Tuberculosis.
func WithThreshold(threshold float64) PipelineOption {
	return func(p *TBClassificationPipeline) error {
		if threshold < 0 || threshold > 1 {
			return fmt.Errorf("threshold %v must be within [0, 1]", threshold)
		}
		p.Threshold = threshold
		return nil
	}
}

// NewTBClassificationPipeline initializes a classification pipeline.
func NewTBClassificationPipeline(opts ...PipelineOption) (*TBClassificationPipeline, error) {
	pipeline := &TBClassificationPipeline{
		Threshold:         DefaultThreshold,
		Strategy:          imageutil.Rescale,
		FilterName:        imageutil.DefaultResampleFilter,
		filter:            imaging.Lanczos,
		decodeTimings:     &backends.Timings{},
		preprocessTimings: &backends.Timings{},
		onnxTimings:       &backends.Timings{},
		predictions: map[string]*atomic.Uint64{
			LabelTuberculosis: {},
			LabelNormal:       {},
		},
		failures: map[error]*atomic.Uint64{},
	}
	for _, kind := range errs.Kinds() {
		pipeline.failures[kind] = &atomic.Uint64{}
	}
	for _, o := range opts {
		if err := o(pipeline); err != nil {
			return nil, err
		}
	}
	return pipeline, nil
}

// Run preprocesses the upload for model, runs inference and labels the output. A started
// request always runs to completion; callers check ctx before handing the upload over.
func (p *TBClassificationPipeline) Run(_ context.Context, model *backends.Model, upload Upload) (*Result, error) {
	tensor, meta, err := p.Preprocess(model, upload)
	if err != nil {
		return nil, err
	}
	output, err := p.Forward(model, tensor)
	if err != nil {
		return nil, err
	}
	return p.Postprocess(output, meta)
}

// Preprocess decodes the upload and normalizes it into a (1, H, W, C) tensor matching the model's
// declared input.
func (p *TBClassificationPipeline) Preprocess(model *backends.Model, upload Upload) (*backends.Tensor, InputMeta, error) {
	target, err := model.TargetShape()
	if err != nil {
		return nil, InputMeta{}, err
	}
	sourceType, err := Classify(upload)
	if err != nil {
		return nil, InputMeta{}, err
	}

	img, err := p.decode(sourceType, upload.Data)
	if err != nil {
		return nil, InputMeta{}, errs.Wrap(errs.ErrDecodeFailure, "Failed to process file", err)
	}

	start := time.Now()
	tensor, err := p.normalize(img, target)
	if err != nil {
		return nil, InputMeta{}, errs.Wrap(errs.ErrDecodeFailure, "Failed to process file", err)
	}
	p.preprocessTimings.Track(start)

	return tensor, InputMeta{
		Type:          sourceType,
		Filename:      upload.Filename,
		Shape:         target.Dims(),
		Preprocessing: string(p.Strategy),
	}, nil
}

func (p *TBClassificationPipeline) decode(sourceType SourceType, data []byte) (image.Image, error) {
	start := time.Now()
	defer p.decodeTimings.Track(start)
	switch sourceType {
	case SourceDICOM:
		return dicomutil.Decode(data)
	default:
		img, _, err := imageutil.Decode(data)
		return img, err
	}
}

func (p *TBClassificationPipeline) normalize(img image.Image, target backends.TargetShape) (*backends.Tensor, error) {
	img, err := imageutil.ApplySteps(img,
		imageutil.ColourStep(target.Channels),
		imageutil.ResizeStep(target.Width, target.Height, p.filter),
	)
	if err != nil {
		return nil, err
	}
	values, channels := imageutil.Pixels(img)
	if err = p.Strategy.Apply(values); err != nil {
		return nil, err
	}
	if values, err = imageutil.FixChannels(values, channels, target.Channels); err != nil {
		return nil, err
	}
	return backends.NewTensor(backends.NewShape(1, int64(target.Height), int64(target.Width), int64(target.Channels)), values)
}

// ReplicateInputs feeds the same image to every model input. Each input gets its own copy.
func ReplicateInputs(tensor *backends.Tensor, count int) []*backends.Tensor {
	if count <= 1 {
		return []*backends.Tensor{tensor}
	}
	inputs := make([]*backends.Tensor, count)
	for i := range inputs {
		inputs[i] = tensor.Clone()
	}
	return inputs
}

// Forward runs inference and returns the first output flattened.
func (p *TBClassificationPipeline) Forward(model *backends.Model, tensor *backends.Tensor) ([]float32, error) {
	inputs := ReplicateInputs(tensor, model.Contract.InputCount())
	if model.Layout == options.LayoutNCHW {
		for i, input := range inputs {
			transposed, err := input.ToNCHW()
			if err != nil {
				return nil, errs.Wrap(errs.ErrInternal, "cannot transpose input", err)
			}
			inputs[i] = transposed
		}
	}

	start := time.Now()
	output, err := model.Session.Run(inputs)
	if err != nil {
		return nil, errs.Wrap(errs.ErrInternal, fmt.Sprintf("%s inference failed", model.Runtime), err)
	}
	p.onnxTimings.Track(start)
	if len(output) == 0 {
		return nil, errs.Wrapf(errs.ErrInternal, "model %s returned an empty output", model.Path)
	}
	return output, nil
}

// Postprocess labels the first output value.
func (p *TBClassificationPipeline) Postprocess(output []float32, meta InputMeta) (*Result, error) {
	if len(output) == 0 {
		return nil, errs.Wrapf(errs.ErrInternal, "empty model output")
	}
	raw := float64(output[0])
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return nil, errs.Wrapf(errs.ErrInternal, "model output %v is not a finite probability", raw)
	}
	confidence := imageutil.Clip(raw, 0, 1)
	label := LabelNormal
	if confidence >= p.Threshold {
		label = LabelTuberculosis
	}
	p.predictions[label].Add(1)
	return &Result{
		Label:      label,
		Confidence: confidence,
		RawOutput:  raw,
		Input:      meta,
	}, nil
}

// RecordFailure counts a failed prediction under its error kind.
func (p *TBClassificationPipeline) RecordFailure(err error) {
	if kind := errs.Kind(err); kind != nil {
		if counter, ok := p.failures[kind]; ok {
			counter.Add(1)
		}
	}
}

type Statistics struct {
	Decode      backends.StageStatistics `json:"decode"`
	Preprocess  backends.StageStatistics `json:"preprocess"`
	Onnx        backends.StageStatistics `json:"onnx"`
	Predictions map[string]uint64        `json:"predictions"`
	Failures    map[string]uint64        `json:"failures"`
}

func (p *TBClassificationPipeline) GetStatistics() Statistics {
	stats := Statistics{
		Decode:      p.decodeTimings.Statistics(),
		Preprocess:  p.preprocessTimings.Statistics(),
		Onnx:        p.onnxTimings.Statistics(),
		Predictions: make(map[string]uint64, len(p.predictions)),
		Failures:    make(map[string]uint64, len(p.failures)),
	}
	for label, counter := range p.predictions {
		stats.Predictions[label] = counter.Load()
	}
	for kind, counter := range p.failures {
		stats.Failures[kind.Error()] = counter.Load()
	}
	return stats
}

func (p *TBClassificationPipeline) GetStats() []string {
	stats := p.GetStatistics()
	return []string{
		fmt.Sprintf("Decode: %s", stats.Decode),
		fmt.Sprintf("Preprocess: %s", stats.Preprocess),
		fmt.Sprintf("ONNX: %s", stats.Onnx),
		fmt.Sprintf("Predictions: %d %s, %d %s", stats.Predictions[LabelTuberculosis], LabelTuberculosis, stats.Predictions[LabelNormal], LabelNormal),
	}
}
