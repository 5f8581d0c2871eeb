package gstreamer

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/open-beagle/bdwind-vcam/internal/decoder"
	"github.com/open-beagle/bdwind-vcam/internal/sink"
)

const (
	// stateTimeout bounds waits on pipeline state changes
	stateTimeout = 5 * time.Second

	// pullTimeout is how long a single appsink pull blocks before rechecking ctx
	pullTimeout = 100 * time.Millisecond
)

// PipelineError 管道总线上报的错误
type PipelineError struct {
	Source  string
	Message string
	Debug   string
}

// Error implements the error interface
func (e *PipelineError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("%s: %s", e.Source, e.Message)
	}
	return e.Message
}

// Unwrap maps an out-of-space failure onto ENOSPC so callers can use errors.Is
func (e *PipelineError) Unwrap() error {
	if e.isNoSpace() {
		return syscall.ENOSPC
	}
	return nil
}

func (e *PipelineError) text() string {
	return strings.ToLower(e.Message + " " + e.Debug)
}

func (e *PipelineError) isNoSpace() bool {
	return strings.Contains(e.text(), "no space left")
}

// decodeKind classifies a decoding pipeline failure
func decodeKind(err error) decoder.ErrorKind {
	var pe *PipelineError
	if !errors.As(err, &pe) {
		return decoder.IoFailure
	}
	t := pe.text()
	switch {
	case strings.Contains(t, "could not determine type"),
		strings.Contains(t, "no decoder available"),
		strings.Contains(t, "missing plugin"),
		strings.Contains(t, "not-negotiated"),
		strings.Contains(t, "doesn't contain a supported stream"):
		return decoder.UnsupportedFormat
	case strings.Contains(t, "resource not found"),
		strings.Contains(t, "could not open"),
		strings.Contains(t, "could not read"),
		strings.Contains(t, "permission denied"):
		return decoder.IoFailure
	default:
		return decoder.CorruptStream
	}
}

// sinkKind classifies a device pipeline failure
func sinkKind(err error) sink.ErrorKind {
	var pe *PipelineError
	if !errors.As(err, &pe) {
		return sink.DeviceUnavailable
	}
	t := pe.text()
	switch {
	case strings.Contains(t, "not-negotiated"),
		strings.Contains(t, "not negotiated"),
		strings.Contains(t, "invalid argument"),
		strings.Contains(t, "cannot output at"),
		strings.Contains(t, "unsupported format"):
		return sink.FormatRejected
	case strings.Contains(t, "temporarily unavailable"),
		strings.Contains(t, "resource busy"):
		return sink.TransientWriteFailure
	default:
		return sink.DeviceUnavailable
	}
}
