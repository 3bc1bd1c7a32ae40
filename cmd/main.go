package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-isatty"
	"github.com/phuslu/log"
	"github.com/urfave/cli/v2"

	"github.com/knights-analytics/tbdetect"
	"github.com/knights-analytics/tbdetect/config"
	"github.com/knights-analytics/tbdetect/options"
	"github.com/knights-analytics/tbdetect/pipelines"
	"github.com/knights-analytics/tbdetect/util/errs"
	"github.com/knights-analytics/tbdetect/util/fileutil"
	"github.com/knights-analytics/tbdetect/util/logutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	configPath        string
	logLevel          string
	modelPath         string
	modelsDir         string
	backend           string
	sharedLibraryPath string
	inputPath         string
	outputPath        string
	stdinName         string
	nWorkers          int
	printStats        bool
	printJSON         bool
)

var sessionFlags = []cli.Flag{
	&cli.StringFlag{
		Name:        "model",
		Usage:       "Path to the .onnx model, used when it exists",
		Aliases:     []string{"p"},
		EnvVars:     []string{"MODEL_PATH"},
		Destination: &modelPath,
	},
	&cli.StringFlag{
		Name:        "modelFolder",
		Usage:       "Folder searched for model.onnx, then for the first .onnx file",
		Aliases:     []string{"f"},
		EnvVars:     []string{"MODELS_DIR"},
		Destination: &modelsDir,
	},
	&cli.StringFlag{
		Name:        "backend",
		Usage:       "Inference runtime, ORT or GO",
		Aliases:     []string{"b"},
		Destination: &backend,
	},
	&cli.StringFlag{
		Name:        "onnxruntimeSharedLibrary",
		Usage:       "Path to libonnxruntime.so",
		Aliases:     []string{"s"},
		EnvVars:     []string{"ORT_LIBRARY_PATH"},
		Destination: &sharedLibraryPath,
	},
}

var predictCommand = &cli.Command{
	Name:  "predict",
	Usage: "Classify chest images for tuberculosis",
	Description: `Predict reads JPG, PNG or DICOM files and writes one json line per file with the label, the confidence and how the input was read.
				Files the classifier cannot process produce a line with an error instead.`,
	ArgsUsage: `
				--input: path to an image or a folder of images, local or s3://. If omitted, a single upload is read from stdin.
				--output: path to a folder where to write results.jsonl. If omitted, results are sent to stdout.
				--name: file name used to classify an upload read from stdin.
				`,
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:        "input",
			Usage:       "Path to the input image or folder",
			Aliases:     []string{"i"},
			Destination: &inputPath,
		},
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Path to output folder",
			Aliases:     []string{"o"},
			Destination: &outputPath,
		},
		&cli.StringFlag{
			Name:        "name",
			Usage:       "File name of the upload read from stdin",
			Aliases:     []string{"n"},
			Value:       "stdin.dcm",
			Destination: &stdinName,
		},
		&cli.IntFlag{
			Name:        "workers",
			Usage:       "Number of files classified concurrently",
			Aliases:     []string{"w"},
			Value:       2,
			Destination: &nWorkers,
		},
		&cli.BoolFlag{
			Name:        "stats",
			Usage:       "Print pipeline statistics to stderr when done",
			Destination: &printStats,
		},
	}, sessionFlags...),
	Action: func(ctx *cli.Context) (err error) {
		logger, session, err := newSession()
		if err != nil {
			return err
		}
		defer func() {
			logger.Debug().Strs("stats", session.GetStats()).Msg("session statistics")
			if printStats {
				fmt.Fprintln(os.Stderr, statisticsTable(session.GetStatistics()))
			}
			err = errors.Join(err, session.Destroy())
		}()

		var writer io.WriteCloser = nopCloser{os.Stdout}
		if outputPath != "" {
			if err = fileutil.CreateDir(ctx.Context, outputPath); err != nil {
				return err
			}
			writer, err = fileutil.NewFileWriter(ctx.Context, fileutil.PathJoinSafe(outputPath, "results.jsonl"), "application/jsonl")
			if err != nil {
				return err
			}
		}
		defer func() {
			err = errors.Join(err, writer.Close())
		}()

		workers := max(1, nWorkers)
		uploads := make(chan pipelines.Upload, workers)
		lines := make(chan []byte, workers)
		var processWg, writeWg sync.WaitGroup
		for range workers {
			processWg.Add(1)
			go processUploads(ctx.Context, &processWg, session, uploads, lines)
		}
		var writeErr error
		writeWg.Add(1)
		go func() {
			defer writeWg.Done()
			writeErr = writeOutputs(lines, writer)
		}()

		readErr := readUploads(ctx.Context, uploads)
		close(uploads)
		processWg.Wait()
		close(lines)
		writeWg.Wait()
		return errors.Join(readErr, writeErr)
	},
}

var inspectCommand = &cli.Command{
	Name:  "inspect",
	Usage: "Load the model and print its input contract",
	Flags: append([]cli.Flag{
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "Print json instead of a table",
			Destination: &printJSON,
		},
	}, sessionFlags...),
	Action: func(ctx *cli.Context) (err error) {
		_, session, err := newSession()
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, session.Destroy())
		}()
		info, err := session.Inspect(ctx.Context)
		if err != nil {
			return err
		}
		if !printJSON {
			_, err = fmt.Fprintln(os.Stdout, modelInfoTable(info))
			return err
		}
		out, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(os.Stdout, string(out))
		return err
	},
}

var downloadCommand = &cli.Command{
	Name:      "download",
	Usage:     "Download a classifier from the Hugging Face hub",
	ArgsUsage: "<owner/model>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "modelFolder",
			Usage:   "Folder where to store downloaded models",
			Aliases: []string{"f"},
			EnvVars: []string{"MODELS_DIR"},
			Value:   options.DefaultModelsDir,
		},
		&cli.StringFlag{
			Name:  "onnxFile",
			Usage: "Relative path of the .onnx file when the repository holds several",
		},
		&cli.StringFlag{
			Name:  "branch",
			Value: "main",
		},
		&cli.StringFlag{
			Name:    "token",
			Usage:   "Hugging Face access token",
			EnvVars: []string{"HF_TOKEN"},
		},
		&cli.BoolFlag{
			Name:  "install",
			Usage: "Copy the downloaded graph to <modelFolder>/model.onnx so predictions pick it up",
		},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return errors.New("download expects exactly one model name")
		}
		destination := ctx.String("modelFolder")
		if err := fileutil.CreateDir(ctx.Context, destination); err != nil {
			return err
		}
		downloadOptions := tbdetect.NewDownloadOptions()
		downloadOptions.OnnxFilePath = ctx.String("onnxFile")
		downloadOptions.Branch = ctx.String("branch")
		downloadOptions.AuthToken = ctx.String("token")
		downloadOptions.Verbose = logutil.ParseLevel(logLevel) <= log.DebugLevel
		if ctx.Bool("install") {
			downloadOptions.InstallAs = fileutil.PathJoinSafe(destination, options.DefaultModelName)
		}
		onnxPath, err := tbdetect.DownloadModel(ctx.Context, ctx.Args().First(), destination, downloadOptions)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(os.Stdout, onnxPath)
		return err
	},
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "tbdetect",
		Usage: "Tuberculosis screening on chest X-rays from the command line",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "Path to a tbdetect.toml file",
				Aliases:     []string{"c"},
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:        "logLevel",
				Usage:       "trace, debug, info, warn or error",
				EnvVars:     []string{"TBDETECT_LOG_LEVEL"},
				Destination: &logLevel,
			},
		},
		Commands: []*cli.Command{predictCommand, inspectCommand, downloadCommand},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newSession merges the config file with the command line flags, flags winning.
func newSession() (*log.Logger, *tbdetect.Session, error) {
	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel == "" {
		logLevel = cfg.Logging.Level
	}
	logger := logutil.New(logLevel, os.Stderr)
	if exists {
		logger.Debug().Str("path", resolved).Msg("loaded config")
	}

	if backend != "" {
		cfg.Model.Backend = backend
	}
	if modelPath != "" {
		cfg.Model.Path = modelPath
	}
	if modelsDir != "" {
		cfg.Model.ModelsDir = modelsDir
	}
	if sharedLibraryPath != "" {
		cfg.ORT.LibraryPath = sharedLibraryPath
	}
	if err = cfg.Validate(); err != nil {
		return nil, nil, err
	}
	session, err := tbdetect.NewSession(append(cfg.Options(), options.WithLogger(logger))...)
	if err != nil {
		return nil, nil, err
	}
	return logger, session, nil
}

type output struct {
	File   string            `json:"file"`
	Result *pipelines.Result `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
	Status int               `json:"status,omitempty"`
}

func processUploads(ctx context.Context, wg *sync.WaitGroup, session *tbdetect.Session, uploads <-chan pipelines.Upload, lines chan<- []byte) {
	defer wg.Done()
	for upload := range uploads {
		out := output{File: upload.Filename}
		result, err := session.Predict(ctx, upload)
		if err != nil {
			out.Error = err.Error()
			out.Status = errs.StatusCode(err)
		} else {
			out.Result = result
		}
		line, marshalErr := json.Marshal(out)
		if marshalErr != nil {
			line = []byte(fmt.Sprintf(`{"file":%q,"error":%q,"status":500}`, upload.Filename, marshalErr.Error()))
		}
		lines <- line
	}
}

func writeOutputs(lines <-chan []byte, writeTarget io.Writer) error {
	var err error
	for line := range lines {
		if err != nil {
			continue
		}
		if _, err = writeTarget.Write(append(line, '\n')); err != nil {
			err = fmt.Errorf("writing results: %w", err)
		}
	}
	return err
}

func readUploads(ctx context.Context, uploads chan<- pipelines.Upload) error {
	if inputPath != "" {
		exists, err := fileutil.FileExists(ctx, inputPath)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("file %s does not exist", inputPath)
		}
		isDir, err := fileutil.IsDir(ctx, inputPath)
		if err != nil {
			return err
		}
		if !isDir {
			data, err := fileutil.ReadFileBytes(ctx, inputPath)
			if err != nil {
				return err
			}
			uploads <- newUpload(data, inputPath)
			return nil
		}

		walker := func(ctx context.Context, baseURL, parent string, info os.FileInfo, reader io.Reader) (toContinue bool, err error) {
			if info.IsDir() || strings.HasPrefix(info.Name(), ".") {
				return true, nil
			}
			data, err := io.ReadAll(reader)
			if err != nil {
				return false, err
			}
			uploads <- newUpload(data, path.Join(parent, info.Name()))
			return true, nil
		}
		return fileutil.WalkDir()(ctx, inputPath, walker)
	}

	if isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return errors.New("no --input given and nothing piped on stdin")
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	uploads <- newUpload(data, stdinName)
	return nil
}

func newUpload(data []byte, name string) pipelines.Upload {
	return pipelines.Upload{
		Data:        data,
		Filename:    name,
		ContentType: mime.TypeByExtension(strings.ToLower(filepath.Ext(name))),
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
