package internal

import (
	"errors"
	"fmt"
)

var (
	ErrDegenerateEmbedding = errors.New("degenerate embedding: zero norm")
	ErrDimensionMismatch   = errors.New("dimension mismatch")
	ErrEmptyLabelSet       = errors.New("empty label set")
	ErrMissingLabel        = errors.New("label not found")
	ErrNotNormalized       = errors.New("label vector not normalized")
	ErrNotReady            = errors.New("executor not ready")
	ErrExecutorClosed      = errors.New("executor closed")
	ErrMalformedFrame      = errors.New("malformed frame")
	ErrSourceUnavailable   = errors.New("frame source unavailable")
)

// SetupError is a configuration fault. It never corrupts executor state;
// the caller fixes the input and retries.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("setup %s: %v", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// LoadError is terminal for the executor that reported it.
type LoadError struct {
	ModelID string
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load model %s: %v", e.ModelID, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// FrameError is a per-frame fault. The frame is skipped.
type FrameError struct {
	Seq uint64
	Err error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame %d: %v", e.Seq, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

func setupErr(op string, err error) error {
	return &SetupError{Op: op, Err: err}
}

// IsRecoverable reports whether err only costs the current frame.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	var fe *FrameError
	return errors.As(err, &fe) || errors.Is(err, ErrDegenerateEmbedding)
}

// IsSetup reports whether err is a configuration fault.
func IsSetup(err error) bool {
	var se *SetupError
	return errors.As(err, &se)
}

// IsLoad reports whether err is a terminal model load failure.
func IsLoad(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}
