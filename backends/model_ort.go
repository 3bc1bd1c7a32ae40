//go:build cgo && (ORT || ALL)

package backends

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/tbdetect/options"
	"github.com/knights-analytics/tbdetect/util/errs"
	"github.com/knights-analytics/tbdetect/util/fileutil"
)

// ortRuntime owns the onnxruntime environment, which is process wide. The environment is
// initialised when the first session is created.
type ortRuntime struct {
	mu             sync.Mutex
	sessionOptions *ort.SessionOptions
}

func newORTRuntime() Runtime {
	return &ortRuntime{}
}

func (r *ortRuntime) Name() string {
	return "ORT"
}

func (r *ortRuntime) NewSession(onnxBytes []byte, opts *options.Options) (Session, error) {
	sessionOptions, err := r.initialise(opts)
	if err != nil {
		return nil, err
	}

	inputs, outputs, err := loadInputOutputMetaORT(onnxBytes)
	if err != nil {
		return nil, err
	}
	inputNames := make([]string, len(inputs))
	outputNames := make([]string, len(outputs))
	for i, v := range inputs {
		inputNames[i] = v.Name
	}
	for i, v := range outputs {
		outputNames[i] = v.Name
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(onnxBytes, inputNames, outputNames, sessionOptions)
	if err != nil {
		return nil, err
	}
	return &ortSession{session: session, inputs: inputs, outputs: outputs}, nil
}

func (r *ortRuntime) initialise(opts *options.Options) (*ort.SessionOptions, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessionOptions != nil {
		return r.sessionOptions, nil
	}

	o := opts.ORTOptions
	if o == nil {
		o = &options.OrtOptions{}
	}
	if o.LibraryPath != nil {
		exists, err := fileutil.FileExists(context.Background(), *o.LibraryPath)
		if err != nil {
			return nil, errs.Wrap(errs.ErrRuntimeMissing, "cannot check the onnxruntime library", err)
		}
		if !exists {
			return nil, errs.Wrapf(errs.ErrRuntimeMissing,
				"cannot find the onnxruntime library at %s, install it or set ORT_LIBRARY_PATH", *o.LibraryPath)
		}
		ort.SetSharedLibraryPath(*o.LibraryPath)
	}

	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, errs.Wrap(errs.ErrRuntimeMissing, "cannot initialise onnxruntime", err)
		}
	}
	if o.Telemetry != nil && *o.Telemetry {
		if err := ort.EnableTelemetry(); err != nil {
			return nil, errors.Join(err, ort.DestroyEnvironment())
		}
	} else if err := ort.DisableTelemetry(); err != nil {
		return nil, errors.Join(err, ort.DestroyEnvironment())
	}

	sessionOptions, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Join(err, ort.DestroyEnvironment())
	}
	if err = applyORTOptions(sessionOptions, o); err != nil {
		return nil, errors.Join(err, sessionOptions.Destroy(), ort.DestroyEnvironment())
	}
	r.sessionOptions = sessionOptions
	return sessionOptions, nil
}

func applyORTOptions(sessionOptions *ort.SessionOptions, o *options.OrtOptions) error {
	if o.IntraOpNumThreads != nil {
		if err := sessionOptions.SetIntraOpNumThreads(*o.IntraOpNumThreads); err != nil {
			return err
		}
	}
	if o.InterOpNumThreads != nil {
		if err := sessionOptions.SetInterOpNumThreads(*o.InterOpNumThreads); err != nil {
			return err
		}
	}
	if o.CPUMemArena != nil {
		if err := sessionOptions.SetCpuMemArena(*o.CPUMemArena); err != nil {
			return err
		}
	}
	if o.MemPattern != nil {
		if err := sessionOptions.SetMemPattern(*o.MemPattern); err != nil {
			return err
		}
	}
	if o.CudaOptions != nil {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return err
		}
		defer cudaOptions.Destroy()
		if len(o.CudaOptions) > 0 {
			if err = cudaOptions.Update(o.CudaOptions); err != nil {
				return err
			}
		}
		if err = sessionOptions.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return err
		}
	}
	return nil
}

func (r *ortRuntime) Destroy() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessionOptions == nil {
		return nil
	}
	err := errors.Join(r.sessionOptions.Destroy(), ort.DestroyEnvironment())
	r.sessionOptions = nil
	return err
}

type ortSession struct {
	session *ort.DynamicAdvancedSession
	inputs  []InputOutputInfo
	outputs []InputOutputInfo
}

func (s *ortSession) Inputs() []InputOutputInfo  { return s.inputs }
func (s *ortSession) Outputs() []InputOutputInfo { return s.outputs }

func (s *ortSession) Run(inputs []*Tensor) ([]float32, error) {
	if len(inputs) != len(s.inputs) {
		return nil, fmt.Errorf("model has %d inputs, got %d tensors", len(s.inputs), len(inputs))
	}
	inputValues := make([]ort.Value, len(inputs))
	outputValues := make([]ort.Value, len(s.outputs))
	defer func() {
		for _, v := range append(inputValues, outputValues...) {
			if v != nil {
				_ = v.Destroy()
			}
		}
	}()

	for i, t := range inputs {
		value, err := ort.NewTensor(ort.NewShape(t.Shape...), t.Data)
		if err != nil {
			return nil, err
		}
		inputValues[i] = value
	}

	// nil outputs are allocated by onnxruntime with the shape the graph produces
	if err := s.session.Run(inputValues, outputValues); err != nil {
		return nil, err
	}
	first, ok := outputValues[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("model output %s is %T, expected a float32 tensor", s.outputs[0].Name, outputValues[0])
	}
	data := first.GetData()
	result := make([]float32, len(data))
	copy(result, data)
	return result, nil
}

func (s *ortSession) Destroy() error {
	return s.session.Destroy()
}

func loadInputOutputMetaORT(onnxBytes []byte) ([]InputOutputInfo, []InputOutputInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(onnxBytes)
	if err != nil {
		return nil, nil, err
	}
	return convertORTInputOutputs(inputs), convertORTInputOutputs(outputs), nil
}

func convertORTInputOutputs(inputOutputs []ort.InputOutputInfo) []InputOutputInfo {
	converted := make([]InputOutputInfo, len(inputOutputs))
	for i, inputOutput := range inputOutputs {
		converted[i] = InputOutputInfo{
			Name:       inputOutput.Name,
			Dimensions: Shape(inputOutput.Dimensions),
		}
	}
	return converted
}
