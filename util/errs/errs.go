// Package errs holds the failure taxonomy shared by the decoding, normalization and inference
// stages. It has its own package to prevent dependency cycles.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"slices"
	"strings"
)

var (
	ErrUnsupportedInputType  = errors.New("unsupported input type")
	ErrDecodeFailure         = errors.New("decode failure")
	ErrUnsupportedModelShape = errors.New("unsupported model shape")
	ErrModelNotFound         = errors.New("model not found")
	ErrRuntimeMissing        = errors.New("inference runtime missing")
	ErrInternal              = errors.New("internal prediction failure")
)

var kinds = []error{
	ErrUnsupportedInputType,
	ErrDecodeFailure,
	ErrUnsupportedModelShape,
	ErrModelNotFound,
	ErrRuntimeMissing,
	ErrInternal,
}

// Kinds returns every failure kind.
func Kinds() []error {
	return slices.Clone(kinds)
}

// Error is a classified failure. It matches its Kind with errors.Is and unwraps to the cause.
type Error struct {
	Kind   error
	Detail string
	Trace  string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap classifies err (which may be nil) under kind with a human-readable detail.
func Wrap(kind error, detail string, err error) error {
	if kind == nil {
		kind = ErrInternal
	}
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// Wrapf is Wrap with a formatted detail and no cause.
func Wrapf(kind error, format string, args ...any) error {
	return Wrap(kind, fmt.Sprintf(format, args...), nil)
}

// Kind returns the taxonomy sentinel err belongs to. Unclassified errors are internal.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrInternal
}

// Classify leaves classified errors untouched and turns anything else into an internal failure
// carrying the current stack.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return err
		}
	}
	return &Error{Kind: ErrInternal, Err: err, Trace: Stack(1)}
}

// FromPanic converts a recovered panic value into an internal failure with a trace.
func FromPanic(recovered any) error {
	var cause error
	switch v := recovered.(type) {
	case error:
		cause = v
	default:
		cause = fmt.Errorf("%v", v)
	}
	return &Error{Kind: ErrInternal, Detail: "panic during prediction", Err: cause, Trace: Stack(2)}
}

// Trace returns the stack captured for err, if any.
func Trace(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Trace
	}
	return ""
}

// StatusCode maps a failure to the HTTP status a transport layer should answer with.
func StatusCode(err error) int {
	switch Kind(err) {
	case nil:
		return http.StatusOK
	case ErrUnsupportedInputType, ErrDecodeFailure:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Stack returns the goroutine stack without the frames of the stack machinery itself and the
// given number of callers.
func Stack(skip int) string {
	lines := strings.Split(string(debug.Stack()), "\n")
	// goroutine header, then debug.Stack and Stack itself (two lines per frame)
	drop := 1 + 2*(2+skip)
	if drop >= len(lines) {
		return strings.Join(lines, "\n")
	}
	return lines[0] + "\n" + strings.Join(lines[drop:], "\n")
}
