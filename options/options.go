package options

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/phuslu/log"

	"github.com/knights-analytics/tbdetect/util/fileutil"
	"github.com/knights-analytics/tbdetect/util/logutil"
)

const (
	DefaultModelsDir = "models"
	DefaultModelName = "model.onnx"
	ModelExtension   = ".onnx"
)

// Layout is the memory layout of the image input a model declares.
type Layout string

const (
	LayoutNHWC Layout = "NHWC"
	LayoutNCHW Layout = "NCHW"
)

type Options struct {
	// ModelPath is an explicit override. It is only used when it exists.
	ModelPath string
	// ModelsDir is searched for DefaultModelName, then for the first *.onnx file.
	ModelsDir        string
	DefaultModelName string
	// Layout of the image input; empty means use the sidecar metadata or NHWC.
	Layout     Layout
	ORTOptions *OrtOptions
	Logger     *log.Logger
	// Backend is the runtime name, ORT or GO.
	Backend  string
	Pipeline PipelineOptions
}

// PipelineOptions configure how uploads are normalized and labelled. Zero values keep the
// pipeline defaults.
type PipelineOptions struct {
	Threshold      *float64
	Normalization  string
	ResampleFilter string
}

func Defaults() *Options {
	_, _, libraryPathDefault := getDefaultLibraryPaths()
	return &Options{
		ModelsDir:        DefaultModelsDir,
		DefaultModelName: DefaultModelName,
		Backend:          "ORT",
		ORTOptions: &OrtOptions{
			LibraryPath: &libraryPathDefault,
		},
		Logger: logutil.Discard(),
	}
}

func getDefaultLibraryPaths() (string, string, string) {
	switch runtime.GOOS {
	case "windows":
		return `onnxruntime.dll`, `.\`, `.\onnxruntime.dll`
	case "darwin":
		return "libonnxruntime.dylib", "/usr/local/lib", "/usr/local/lib/libonnxruntime.dylib"
	default:
		return "libonnxruntime.so", "/usr/lib", "/usr/lib/libonnxruntime.so"
	}
}

type OrtOptions struct {
	LibraryPath       *string
	Telemetry         *bool
	IntraOpNumThreads *int
	InterOpNumThreads *int
	CPUMemArena       *bool
	MemPattern        *bool
	CudaOptions       map[string]string
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// WithBackend selects the inference runtime: "ORT" (onnxruntime, needs the ORT build tag and the
// shared library) or "GO" (pure Go). Options that only apply to one runtime must come after it.
func WithBackend(backend string) WithOption {
	return func(o *Options) error {
		switch b := strings.ToUpper(strings.TrimSpace(backend)); b {
		case "ORT", "GO":
			o.Backend = b
			return nil
		default:
			return fmt.Errorf("backend %q is not supported, use ORT or GO", backend)
		}
	}
}

// WithModelPath sets an explicit model file path. It takes precedence over the models directory
// when the file exists.
func WithModelPath(path string) WithOption {
	return func(o *Options) error {
		o.ModelPath = strings.TrimSpace(path)
		return nil
	}
}

// WithModelsDir sets the directory searched for models. s3:// URLs are accepted.
func WithModelsDir(dir string) WithOption {
	return func(o *Options) error {
		if strings.TrimSpace(dir) == "" {
			return fmt.Errorf("models directory cannot be empty")
		}
		o.ModelsDir = dir
		return nil
	}
}

// WithDefaultModelName sets the file name looked up first inside the models directory.
func WithDefaultModelName(name string) WithOption {
	return func(o *Options) error {
		if !strings.HasSuffix(name, ModelExtension) {
			return fmt.Errorf("default model %q must be an %s file", name, ModelExtension)
		}
		o.DefaultModelName = name
		return nil
	}
}

// WithLayout forces the image input layout, overriding sidecar metadata.
func WithLayout(layout Layout) WithOption {
	return func(o *Options) error {
		switch l := Layout(strings.ToUpper(string(layout))); l {
		case LayoutNHWC, LayoutNCHW:
			o.Layout = l
			return nil
		default:
			return fmt.Errorf("layout %q is not supported, use NHWC or NCHW", layout)
		}
	}
}

// WithLogger sets the logger used by the session.
func WithLogger(logger *log.Logger) WithOption {
	return func(o *Options) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		o.Logger = logger
		return nil
	}
}

// WithOnnxLibraryPath (ORT only) Use this function to set the path to the "libonnxruntime.so", "libonnxruntime.dylib" or "onnxruntime.dll" file.
// The library is only looked up when the model is first loaded.
func WithOnnxLibraryPath(ortLibraryPath string) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			// a directory gets the platform library name appended
			if !strings.HasSuffix(ortLibraryPath, ".so") && !strings.HasSuffix(ortLibraryPath, ".dylib") && !strings.HasSuffix(ortLibraryPath, ".dll") {
				libraryName, _, _ := getDefaultLibraryPaths()
				ortLibraryPath = fileutil.PathJoinSafe(ortLibraryPath, libraryName)
			}
			o.ORTOptions.LibraryPath = &ortLibraryPath
			return nil
		}
		return fmt.Errorf("WithOnnxLibraryPath is only supported for ORT backend")
	}
}

// WithTelemetry (ORT only) Enables telemetry events for the onnxruntime environment. Default is off.
func WithTelemetry() WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			enabled := true
			o.ORTOptions.Telemetry = &enabled
			return nil
		}
		return fmt.Errorf("WithTelemetry is only supported for ORT backend")
	}
}

// WithIntraOpNumThreads (ORT only) Sets the number of threads used to parallelize execution within onnxruntime
// graph nodes. If unspecified, onnxruntime uses the number of physical CPU cores.
func WithIntraOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.IntraOpNumThreads = &numThreads
			return nil
		}
		return fmt.Errorf("WithIntraOpNumThreads is only supported for ORT backend")
	}
}

// WithInterOpNumThreads (ORT only) Sets the number of threads used to parallelize execution across separate
// onnxruntime graph nodes. If unspecified, onnxruntime uses the number of physical CPU cores.
func WithInterOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.InterOpNumThreads = &numThreads
			return nil
		}
		return fmt.Errorf("WithInterOpNumThreads is only supported for ORT backend")
	}
}

// WithCPUMemArena (ORT only) Enable/Disable the usage of the memory arena on CPU.
// Arena may pre-allocate memory for future usage. Default is true.
func WithCPUMemArena(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.CPUMemArena = &enable
			return nil
		}
		return fmt.Errorf("WithCPUMemArena is only supported for ORT backend")
	}
}

// WithMemPattern (ORT only) Enable/Disable the memory pattern optimization.
// If this is enabled memory is preallocated if all shapes are known. Default is true.
func WithMemPattern(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.MemPattern = &enable
			return nil
		}
		return fmt.Errorf("WithMemPattern is only supported for ORT backend")
	}
}

// WithCuda (ORT only) Use this function to set the options for CUDA provider.
// It takes a map of CUDA parameters as input.
func WithCuda(options map[string]string) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.CudaOptions = options
			return nil
		}
		return fmt.Errorf("WithCuda is only supported for ORT backend")
	}
}

// WithThreshold sets the confidence from which an image is labelled Tuberculosis. Default 0.5.
func WithThreshold(threshold float64) WithOption {
	return func(o *Options) error {
		if threshold < 0 || threshold > 1 {
			return fmt.Errorf("threshold %v must be within [0, 1]", threshold)
		}
		o.Pipeline.Threshold = &threshold
		return nil
	}
}

// WithNormalizationStrategy selects rescale_1_255 (default) or min_max intensity normalization.
func WithNormalizationStrategy(name string) WithOption {
	return func(o *Options) error {
		o.Pipeline.Normalization = name
		return nil
	}
}

// WithResampleFilter selects the resize filter: lanczos (default), catmullrom or box.
func WithResampleFilter(name string) WithOption {
	return func(o *Options) error {
		o.Pipeline.ResampleFilter = name
		return nil
	}
}
