package recording

import (
	"errors"
	"fmt"
	"syscall"
)

// ErrorKind 录制错误类型
type ErrorKind int

const (
	// DiskFull the output volume ran out of space
	DiskFull ErrorKind = iota
	// MuxerFailure the encoder or container writer failed
	MuxerFailure
	// NotReady a required live stream is not active
	NotReady
	// AlreadyRecording a session is already running
	AlreadyRecording
	// NotRecording there is no session to stop
	NotRecording
)

// String returns the string representation of ErrorKind
func (k ErrorKind) String() string {
	switch k {
	case DiskFull:
		return "disk_full"
	case MuxerFailure:
		return "muxer_failure"
	case NotReady:
		return "not_ready"
	case AlreadyRecording:
		return "already_recording"
	case NotRecording:
		return "not_recording"
	default:
		return "unknown"
	}
}

// RecordError 录制错误。Partial 表示输出文件已部分写入，可能可以播放
type RecordError struct {
	Kind    ErrorKind
	Path    string
	Partial bool
	Err     error
}

// Error implements the error interface
func (e *RecordError) Error() string {
	msg := "recording " + e.Kind.String()
	if e.Path != "" {
		msg += fmt.Sprintf(" %q", e.Path)
	}
	if e.Partial {
		msg += " (partial file kept)"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *RecordError) Unwrap() error {
	return e.Err
}

// NewError 创建录制错误
func NewError(kind ErrorKind, path string, err error) *RecordError {
	return &RecordError{Kind: kind, Path: path, Err: err}
}

// IsKind reports whether err is a recording error of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var re *RecordError
	if errors.As(err, &re) {
		return re.Kind == kind
	}
	return false
}

// KindOf returns the recording error kind of err
func KindOf(err error) (ErrorKind, bool) {
	var re *RecordError
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return 0, false
}

// writeFailure classifies an encoder failure, out-of-space becomes DiskFull
func writeFailure(path string, err error) *RecordError {
	kind := MuxerFailure
	if errors.Is(err, syscall.ENOSPC) {
		kind = DiskFull
	}
	return &RecordError{Kind: kind, Path: path, Partial: true, Err: err}
}
