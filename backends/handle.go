package backends

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/knights-analytics/tbdetect/options"
	"github.com/knights-analytics/tbdetect/util/errs"
)

// LoadFunc loads the model found at path.
type LoadFunc func(ctx context.Context, path string) (*Model, error)

// Handle lazily loads a model exactly once. A failed load leaves the handle unloaded, so the next
// caller tries again and gets the same error while the cause persists.
type Handle struct {
	opts  *options.Options
	load  LoadFunc
	model atomic.Pointer[Model]
	mu    sync.Mutex
	loads atomic.Int64
}

// NewHandle returns an unloaded handle that loads models with the given runtime.
func NewHandle(runtime Runtime, opts *options.Options) *Handle {
	return NewHandleWithLoader(opts, func(ctx context.Context, path string) (*Model, error) {
		return LoadModel(ctx, path, runtime, opts)
	})
}

// NewHandleWithLoader returns an unloaded handle that delegates loading to load.
func NewHandleWithLoader(opts *options.Options, load LoadFunc) *Handle {
	return &Handle{opts: opts, load: load}
}

// Resolve returns the loaded model, loading it on first use.
func (h *Handle) Resolve(ctx context.Context) (*Model, error) {
	if m := h.model.Load(); m != nil {
		return m, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if m := h.model.Load(); m != nil {
		return m, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := ResolveModelPath(ctx, h.opts)
	if err != nil {
		return nil, errs.Wrap(errs.ErrModelNotFound, "cannot resolve model path", err)
	}
	logger := h.opts.Logger
	logger.Info().Str("path", path).Str("backend", h.opts.Backend).Msg("loading model")
	start := time.Now()
	m, err := h.load(ctx, path)
	h.loads.Add(1)
	if err != nil {
		logger.Error().Err(err).Str("path", path).Msg("model load failed")
		return nil, err
	}
	logger.Info().Str("path", path).Dur("took", time.Since(start)).
		Str("input_shape", m.Contract.InputShape().String()).Int("input_count", m.Contract.InputCount()).
		Msg("model loaded")
	h.model.Store(m)
	return m, nil
}

// Loaded reports whether a model has been loaded.
func (h *Handle) Loaded() bool {
	return h.model.Load() != nil
}

// LoadAttempts is the number of times the loader ran.
func (h *Handle) LoadAttempts() int64 {
	return h.loads.Load()
}

// Destroy releases the loaded model, if any.
func (h *Handle) Destroy() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.model.Swap(nil)
	if m == nil || m.Destroy == nil {
		return nil
	}
	return m.Destroy()
}
