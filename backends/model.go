package backends

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/knights-analytics/tbdetect/options"
	"github.com/knights-analytics/tbdetect/util/errs"
	"github.com/knights-analytics/tbdetect/util/fileutil"
)

type InputOutputInfo struct {
	// The name of the input or output
	Name string `json:"name"`
	// The input or output's dimensions. Dynamic dimensions are -1.
	Dimensions Shape `json:"dimensions"`
}

// Runtime creates inference sessions from serialized ONNX graphs. Availability of the
// underlying engine is only checked when the first session is created.
type Runtime interface {
	Name() string
	NewSession(onnxBytes []byte, opts *options.Options) (Session, error)
	Destroy() error
}

// Session is a loaded graph ready for inference.
type Session interface {
	Inputs() []InputOutputInfo
	Outputs() []InputOutputInfo
	// Run feeds one tensor per declared input, in declaration order, and returns the first
	// output flattened.
	Run(inputs []*Tensor) ([]float32, error)
	Destroy() error
}

// NewRuntime returns the runtime registered under name.
func NewRuntime(name string) (Runtime, error) {
	switch strings.ToUpper(name) {
	case "ORT":
		return newORTRuntime(), nil
	case "GO":
		return &goRuntime{}, nil
	default:
		return nil, fmt.Errorf("runtime %s is not supported", name)
	}
}

type Model struct {
	Path        string
	Runtime     string
	Session     Session
	Contract    InputContract
	Metadata    *Metadata
	Layout      options.Layout
	InputsMeta  []InputOutputInfo
	OutputsMeta []InputOutputInfo
	Destroy     func() error
}

// ModelInfo describes a loaded model for inspection.
type ModelInfo struct {
	Path         string            `json:"path"`
	Runtime      string            `json:"runtime"`
	Inputs       []InputOutputInfo `json:"inputs"`
	Outputs      []InputOutputInfo `json:"outputs"`
	InputShape   Shape             `json:"input_shape"`
	InputCount   int               `json:"input_count"`
	Layout       options.Layout    `json:"layout"`
	FromMetadata bool              `json:"from_metadata"`
	Target       *TargetShape      `json:"target,omitempty"`
	TargetError  string            `json:"target_error,omitempty"`
}

func (m *Model) Info() *ModelInfo {
	info := &ModelInfo{
		Path:         m.Path,
		Runtime:      m.Runtime,
		Inputs:       m.InputsMeta,
		Outputs:      m.OutputsMeta,
		InputShape:   m.Contract.InputShape(),
		InputCount:   m.Contract.InputCount(),
		Layout:       m.Layout,
		FromMetadata: m.Metadata != nil,
	}
	target, err := m.TargetShape()
	if err != nil {
		info.TargetError = err.Error()
	} else {
		info.Target = &target
	}
	return info
}

// TargetShape is the (H, W, C) every normalized tensor for this model must have.
func (m *Model) TargetShape() (TargetShape, error) {
	return TargetShapeOf(m.Contract, m.Layout)
}

// LoadModel reads the graph at path and creates a session for it with the given runtime.
func LoadModel(ctx context.Context, path string, runtime Runtime, opts *options.Options) (*Model, error) {
	exists, err := fileutil.FileExists(ctx, path)
	if err != nil {
		return nil, errs.Wrap(errs.ErrModelNotFound, fmt.Sprintf("cannot access model file at %s", path), err)
	}
	if !exists {
		return nil, errs.Wrapf(errs.ErrModelNotFound,
			"Model file not found at %s. Place your %s model in %s/ or set MODEL_PATH", path, options.ModelExtension, opts.ModelsDir)
	}

	metadata, err := loadMetadata(ctx, path)
	if err != nil {
		return nil, errs.Wrap(errs.ErrUnsupportedModelShape, "invalid model metadata", err)
	}

	onnxBytes, err := fileutil.ReadFileBytes(ctx, path)
	if err != nil {
		return nil, errs.Wrap(errs.ErrModelNotFound, fmt.Sprintf("cannot read model file at %s", path), err)
	}

	session, err := runtime.NewSession(onnxBytes, opts)
	if err != nil {
		if errors.Is(err, errs.ErrRuntimeMissing) {
			return nil, err
		}
		return nil, errs.Wrap(errs.ErrInternal, fmt.Sprintf("failed to create %s session for %s", runtime.Name(), path), err)
	}

	model := &Model{
		Path:        path,
		Runtime:     runtime.Name(),
		Session:     session,
		Metadata:    metadata,
		InputsMeta:  session.Inputs(),
		OutputsMeta: session.Outputs(),
		Destroy:     session.Destroy,
	}
	if metadata != nil {
		model.Contract = metadata.Contract()
	} else {
		model.Contract = NewGraphContract(model.InputsMeta)
	}

	switch {
	case opts.Layout != "":
		model.Layout = opts.Layout
	case metadata != nil && metadata.Layout != "":
		model.Layout = metadata.Layout
	default:
		model.Layout = options.LayoutNHWC
	}
	if len(model.OutputsMeta) == 0 {
		return nil, errors.Join(
			errs.Wrapf(errs.ErrUnsupportedModelShape, "model %s declares no outputs", path),
			model.Destroy())
	}
	return model, nil
}
