//go:build NODOWNLOAD

package tbdetect

import (
	"context"
	"errors"
)

type DownloadOptions struct {
	AuthToken             string
	OnnxFilePath          string
	Branch                string
	MaxRetries            int
	RetryInterval         int
	ConcurrentConnections int
	Verbose               bool
	InstallAs             string
}

func NewDownloadOptions() DownloadOptions {
	return DownloadOptions{}
}

func DownloadModel(_ context.Context, _ string, _ string, _ DownloadOptions) (string, error) {
	return "", errors.New("the model downloader is not compiled in, build without the NODOWNLOAD tag")
}
