//go:build !cgo || (!ORT && !ALL)

package backends

import (
	"github.com/knights-analytics/tbdetect/options"
	"github.com/knights-analytics/tbdetect/util/errs"
)

type disabledORTRuntime struct{}

func newORTRuntime() Runtime {
	return disabledORTRuntime{}
}

func (disabledORTRuntime) Name() string {
	return "ORT"
}

func (disabledORTRuntime) NewSession(_ []byte, _ *options.Options) (Session, error) {
	return nil, errs.Wrapf(errs.ErrRuntimeMissing,
		"the onnxruntime backend is not compiled in: build with -tags ORT or -tags ALL and install libonnxruntime, or use the GO backend")
}

func (disabledORTRuntime) Destroy() error {
	return nil
}
