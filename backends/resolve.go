package backends

import (
	"context"

	"github.com/knights-analytics/tbdetect/options"
	"github.com/knights-analytics/tbdetect/util/fileutil"
)

// ResolveModelPath picks the model file to load, first match wins:
//  1. the explicit override, if it exists
//  2. <ModelsDir>/<DefaultModelName>, if it exists
//  3. the lexicographically first *.onnx file in ModelsDir
//  4. <ModelsDir>/<DefaultModelName> anyway, so that loading fails with a clear not-found error
func ResolveModelPath(ctx context.Context, opts *options.Options) (string, error) {
	if opts.ModelPath != "" {
		exists, err := fileutil.FileExists(ctx, opts.ModelPath)
		if err != nil {
			return "", err
		}
		if exists {
			return opts.ModelPath, nil
		}
	}

	defaultPath := fileutil.PathJoinSafe(opts.ModelsDir, opts.DefaultModelName)
	exists, err := fileutil.FileExists(ctx, defaultPath)
	if err != nil {
		return "", err
	}
	if exists {
		return defaultPath, nil
	}

	candidates, err := fileutil.ListFiles(ctx, opts.ModelsDir, options.ModelExtension)
	if err != nil {
		return "", err
	}
	if len(candidates) > 0 {
		return fileutil.PathJoinSafe(opts.ModelsDir, candidates[0]), nil
	}
	return defaultPath, nil
}
