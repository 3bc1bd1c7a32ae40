package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/knights-analytics/tbdetect/options"
)

// Model contains where the classifier is found and how it is run.
type Model struct {
	Path        string `toml:"path"`
	ModelsDir   string `toml:"models_dir"`
	DefaultName string `toml:"default_name"`
	Backend     string `toml:"backend"`
	Layout      string `toml:"layout"`
}

// ORT contains onnxruntime settings, ignored by the GO backend.
type ORT struct {
	LibraryPath       string            `toml:"library_path"`
	IntraOpNumThreads int               `toml:"intra_op_threads"`
	InterOpNumThreads int               `toml:"inter_op_threads"`
	CPUMemArena       *bool             `toml:"cpu_mem_arena"`
	MemPattern        *bool             `toml:"mem_pattern"`
	Telemetry         bool              `toml:"telemetry"`
	Cuda              map[string]string `toml:"cuda"`
}

// Pipeline contains preprocessing and labelling settings.
type Pipeline struct {
	Threshold      float64 `toml:"threshold"`
	Normalization  string  `toml:"normalization"`
	ResampleFilter string  `toml:"resample_filter"`
}

// Logging contains configuration for log output.
type Logging struct {
	Level string `toml:"level"`
}

// Config encapsulates all configuration values for tbdetect.
type Config struct {
	Model    Model    `toml:"model"`
	ORT      ORT      `toml:"ort"`
	Pipeline Pipeline `toml:"pipeline"`
	Logging  Logging  `toml:"logging"`
}

const defaultConfigName = "tbdetect.toml"

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Model: Model{
			ModelsDir:   options.DefaultModelsDir,
			DefaultName: options.DefaultModelName,
			Backend:     "ORT",
		},
		Pipeline: Pipeline{
			Threshold:      0.5,
			Normalization:  "rescale_1_255",
			ResampleFilter: "lanczos",
		},
		Logging: Logging{Level: "info"},
	}
}

// Load parses the configuration file at path, or ./tbdetect.toml when path is empty, then applies
// environment overrides. A missing file is not an error. It returns the config, the resolved path
// and whether that file existed.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}
	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file).DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path == "" {
		path = defaultConfigName
	}
	absolute, err := filepath.Abs(path)
	if err != nil {
		return "", false, fmt.Errorf("resolve config path: %w", err)
	}
	info, err := os.Stat(absolute)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return absolute, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("config path %s is a directory", absolute)
	}
	return absolute, true, nil
}

func (c *Config) applyEnv() {
	overrides := map[string]*string{
		"MODEL_PATH":         &c.Model.Path,
		"MODELS_DIR":         &c.Model.ModelsDir,
		"TBDETECT_BACKEND":   &c.Model.Backend,
		"ORT_LIBRARY_PATH":   &c.ORT.LibraryPath,
		"TBDETECT_LOG_LEVEL": &c.Logging.Level,
	}
	for name, field := range overrides {
		if value, ok := os.LookupEnv(name); ok && strings.TrimSpace(value) != "" {
			*field = strings.TrimSpace(value)
		}
	}
}

// Validate checks values that would otherwise only fail on first use.
func (c *Config) Validate() error {
	var problems []error
	switch strings.ToUpper(c.Model.Backend) {
	case "ORT", "GO":
	default:
		problems = append(problems, fmt.Errorf("model.backend %q must be ORT or GO", c.Model.Backend))
	}
	switch strings.ToUpper(c.Model.Layout) {
	case "", string(options.LayoutNHWC), string(options.LayoutNCHW):
	default:
		problems = append(problems, fmt.Errorf("model.layout %q must be NHWC or NCHW", c.Model.Layout))
	}
	if c.Model.DefaultName != "" && !strings.HasSuffix(c.Model.DefaultName, options.ModelExtension) {
		problems = append(problems, fmt.Errorf("model.default_name %q must end with %s", c.Model.DefaultName, options.ModelExtension))
	}
	if c.Pipeline.Threshold < 0 || c.Pipeline.Threshold > 1 {
		problems = append(problems, fmt.Errorf("pipeline.threshold %v must be within [0, 1]", c.Pipeline.Threshold))
	}
	if c.ORT.IntraOpNumThreads < 0 || c.ORT.InterOpNumThreads < 0 {
		problems = append(problems, errors.New("ort thread counts cannot be negative"))
	}
	return errors.Join(problems...)
}

// Options converts the configuration into session options.
func (c *Config) Options() []options.WithOption {
	opts := []options.WithOption{
		options.WithBackend(c.Model.Backend),
		options.WithThreshold(c.Pipeline.Threshold),
		options.WithNormalizationStrategy(c.Pipeline.Normalization),
		options.WithResampleFilter(c.Pipeline.ResampleFilter),
	}
	if c.Model.Path != "" {
		opts = append(opts, options.WithModelPath(c.Model.Path))
	}
	if c.Model.ModelsDir != "" {
		opts = append(opts, options.WithModelsDir(c.Model.ModelsDir))
	}
	if c.Model.DefaultName != "" {
		opts = append(opts, options.WithDefaultModelName(c.Model.DefaultName))
	}
	if c.Model.Layout != "" {
		opts = append(opts, options.WithLayout(options.Layout(c.Model.Layout)))
	}
	if !strings.EqualFold(c.Model.Backend, "ORT") {
		return opts
	}

	if c.ORT.LibraryPath != "" {
		opts = append(opts, options.WithOnnxLibraryPath(c.ORT.LibraryPath))
	}
	if c.ORT.IntraOpNumThreads > 0 {
		opts = append(opts, options.WithIntraOpNumThreads(c.ORT.IntraOpNumThreads))
	}
	if c.ORT.InterOpNumThreads > 0 {
		opts = append(opts, options.WithInterOpNumThreads(c.ORT.InterOpNumThreads))
	}
	if c.ORT.CPUMemArena != nil {
		opts = append(opts, options.WithCPUMemArena(*c.ORT.CPUMemArena))
	}
	if c.ORT.MemPattern != nil {
		opts = append(opts, options.WithMemPattern(*c.ORT.MemPattern))
	}
	if c.ORT.Telemetry {
		opts = append(opts, options.WithTelemetry())
	}
	if c.ORT.Cuda != nil {
		opts = append(opts, options.WithCuda(c.ORT.Cuda))
	}
	return opts
}
