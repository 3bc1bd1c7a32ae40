package tbdetect

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/knights-analytics/tbdetect/backends"
	"github.com/knights-analytics/tbdetect/options"
	"github.com/knights-analytics/tbdetect/pipelines"
	"github.com/knights-analytics/tbdetect/util/errs"
)

// Session owns a lazily loaded model and the classification pipeline that feeds it. It is safe
// for concurrent use; the only shared mutable state is the first model load.
type Session struct {
	options  *options.Options
	runtime  backends.Runtime
	handle   *backends.Handle
	pipeline *pipelines.TBClassificationPipeline
}

// NewSession creates a session. The model is neither located nor loaded until the first
// prediction or inspection, so a missing model or runtime is reported there.
func NewSession(opts ...options.WithOption) (*Session, error) {
	parsedOptions := options.Defaults()
	for _, option := range opts {
		if err := option(parsedOptions); err != nil {
			return nil, err
		}
	}
	runtime, err := backends.NewRuntime(parsedOptions.Backend)
	if err != nil {
		return nil, err
	}
	return newSession(runtime, parsedOptions)
}

func newSession(runtime backends.Runtime, parsedOptions *options.Options) (*Session, error) {
	var pipelineOptions []pipelines.PipelineOption
	if parsedOptions.Pipeline.Threshold != nil {
		pipelineOptions = append(pipelineOptions, pipelines.WithThreshold(*parsedOptions.Pipeline.Threshold))
	}
	if parsedOptions.Pipeline.Normalization != "" {
		pipelineOptions = append(pipelineOptions, pipelines.WithNormalizationStrategy(parsedOptions.Pipeline.Normalization))
	}
	if parsedOptions.Pipeline.ResampleFilter != "" {
		pipelineOptions = append(pipelineOptions, pipelines.WithResampleFilter(parsedOptions.Pipeline.ResampleFilter))
	}
	pipeline, err := pipelines.NewTBClassificationPipeline(pipelineOptions...)
	if err != nil {
		return nil, err
	}
	return &Session{
		options:  parsedOptions,
		runtime:  runtime,
		handle:   backends.NewHandle(runtime, parsedOptions),
		pipeline: pipeline,
	}, nil
}

// Predict classifies one upload. Failures carry a kind from util/errs; panics are recovered and
// reported as internal failures with a stack trace.
func (s *Session) Predict(ctx context.Context, upload pipelines.Upload) (result *pipelines.Result, err error) {
	start := time.Now()
	requestID := uuid.NewString()
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, errs.FromPanic(r)
		}
		s.logOutcome(requestID, upload, result, err, time.Since(start))
	}()

	if err = ctx.Err(); err != nil {
		return nil, errs.Classify(err)
	}
	model, err := s.handle.Resolve(ctx)
	if err != nil {
		return nil, errs.Classify(err)
	}
	result, err = s.pipeline.Run(ctx, model, upload)
	if err != nil {
		return nil, errs.Classify(err)
	}
	return result, nil
}

func (s *Session) logOutcome(requestID string, upload pipelines.Upload, result *pipelines.Result, err error, took time.Duration) {
	logger := s.options.Logger
	if err == nil {
		logger.Info().Str("request_id", requestID).Str("filename", upload.Filename).Str("type", string(result.Input.Type)).
			Str("label", result.Label).Float64("confidence", result.Confidence).Float64("raw_output", result.RawOutput).
			Dur("took", took).Msg("prediction")
		return
	}
	s.pipeline.RecordFailure(err)
	if errs.StatusCode(err) < 500 {
		logger.Warn().Str("request_id", requestID).Str("filename", upload.Filename).Str("content_type", upload.ContentType).Err(err).Msg("prediction rejected")
		return
	}
	entry := logger.Error().Str("request_id", requestID).Str("filename", upload.Filename).Err(err)
	if trace := errs.Trace(err); trace != "" {
		entry = entry.Str("stack", trace)
	}
	entry.Msg("prediction failed")
}

// Inspect loads the model if needed and describes it.
func (s *Session) Inspect(ctx context.Context) (*backends.ModelInfo, error) {
	model, err := s.handle.Resolve(ctx)
	if err != nil {
		return nil, errs.Classify(err)
	}
	return model.Info(), nil
}

// GetStatistics returns the running pipeline statistics.
func (s *Session) GetStatistics() pipelines.Statistics {
	return s.pipeline.GetStatistics()
}

func (s *Session) GetStats() []string {
	return s.pipeline.GetStats()
}

// Destroy releases the model and the runtime environment. A session should be destroyed when not
// needed any more, preferably with a defer() call.
func (s *Session) Destroy() error {
	return errors.Join(s.handle.Destroy(), s.runtime.Destroy())
}
