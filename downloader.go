//go:build !NODOWNLOAD

package tbdetect

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	hfd "github.com/bodaay/HuggingFaceModelDownloader/hfdownloader"
	"github.com/gofrs/flock"

	"github.com/knights-analytics/tbdetect/options"
	"github.com/knights-analytics/tbdetect/util/fileutil"
)

// DownloadOptions is a struct of options that can be passed to DownloadModel.
type DownloadOptions struct {
	AuthToken string
	// OnnxFilePath picks one .onnx file when the repository holds several.
	OnnxFilePath          string
	Branch                string
	MaxRetries            int
	RetryInterval         int
	ConcurrentConnections int
	Verbose               bool
	// InstallAs copies the downloaded graph, and its .json sidecar if any, to this path so that
	// model resolution finds it. Empty leaves the download where it is.
	InstallAs string
}

// NewDownloadOptions creates new DownloadOptions struct with default values.
// Override the values to specify different download options.
func NewDownloadOptions() DownloadOptions {
	return DownloadOptions{
		Branch:                "main",
		MaxRetries:            5,
		RetryInterval:         5,
		ConcurrentConnections: 5,
	}
}

// DownloadModel downloads an ONNX classifier from the Hugging Face hub into destination and
// returns the path of its .onnx file.
func DownloadModel(ctx context.Context, modelName string, destination string, opts DownloadOptions) (modelFile string, err error) {
	unlock, err := lockDestination(ctx, destination)
	if err != nil {
		return "", err
	}
	defer func() {
		err = errors.Join(err, unlock())
	}()

	// the downloader stores the repository under <destination>/<owner>_<name>
	modelP := modelName
	if strings.Contains(modelP, ":") {
		modelP = strings.Split(modelName, ":")[0]
	}
	modelPath := fileutil.PathJoinSafe(destination, strings.ReplaceAll(modelP, "/", "_"))

	attempts := max(1, opts.MaxRetries)
	for i := range attempts {
		if err = ctx.Err(); err != nil {
			return "", err
		}
		err = hfd.DownloadModel(modelName, false, false, false, destination, opts.Branch, opts.ConcurrentConnections, opts.AuthToken, !opts.Verbose)
		if err == nil || i == attempts-1 {
			break
		}
		if opts.Verbose {
			fmt.Printf("Warning: attempt %d / %d failed, error: %s\n", i+1, attempts, err)
		}
		if waitErr := waitRetry(ctx, time.Duration(opts.RetryInterval)*time.Second); waitErr != nil {
			return "", errors.Join(err, waitErr)
		}
	}
	if err != nil {
		return "", fmt.Errorf("failed to download %s after %d attempts: %w", modelName, attempts, err)
	}

	onnxPath, err := findOnnxFile(ctx, modelPath, opts.OnnxFilePath)
	if err != nil {
		return "", err
	}
	if opts.InstallAs == "" {
		return onnxPath, nil
	}
	if err = installModel(ctx, onnxPath, opts.InstallAs); err != nil {
		return "", err
	}
	return opts.InstallAs, nil
}

// waitRetry sleeps for interval unless ctx ends first.
func waitRetry(ctx context.Context, interval time.Duration) error {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// lockDestination serializes downloads into the same local folder across processes.
func lockDestination(ctx context.Context, destination string) (func() error, error) {
	if fileutil.GetPathType(destination) != "os" {
		return func() error { return nil }, nil
	}
	if err := fileutil.CreateDir(ctx, destination); err != nil {
		return nil, err
	}
	lock := flock.New(filepath.Join(destination, ".tbdetect-download.lock"))
	ok, err := lock.TryLockContext(ctx, 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("acquire download lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("another download into %s is running", destination)
	}
	return lock.Unlock, nil
}

func findOnnxFile(ctx context.Context, modelPath string, wanted string) (string, error) {
	names, err := fileutil.ListFiles(ctx, modelPath, options.ModelExtension)
	if err != nil {
		return "", err
	}
	switch {
	case wanted != "":
		for _, name := range names {
			if name == filepath.Base(wanted) {
				return fileutil.PathJoinSafe(modelPath, name), nil
			}
		}
		return "", fmt.Errorf("model .onnx file not found at %s", wanted)
	case len(names) == 0:
		return "", fmt.Errorf("model does not have a .onnx file, only onnx models are supported")
	case len(names) > 1:
		return "", fmt.Errorf("model has multiple .onnx files, please specify one of the following: %s", strings.Join(names, " "))
	default:
		return fileutil.PathJoinSafe(modelPath, names[0]), nil
	}
}

func installModel(ctx context.Context, onnxPath string, target string) error {
	if err := fileutil.CopyFile(ctx, onnxPath, target); err != nil {
		return err
	}
	sidecar := strings.TrimSuffix(onnxPath, options.ModelExtension) + ".json"
	exists, err := fileutil.FileExists(ctx, sidecar)
	if err != nil || !exists {
		return err
	}
	return fileutil.CopyFile(ctx, sidecar, strings.TrimSuffix(target, options.ModelExtension)+".json")
}
