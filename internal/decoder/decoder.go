package decoder

import (
	"context"
	"errors"
	"fmt"

	"github.com/open-beagle/bdwind-vcam/internal/media"
)

// Decoder produces timed units from one opened source.
//
// Next returns io.EOF at end of stream. Restart seeks back to zero without
// reopening the underlying file; timestamps restart at zero while sequence
// numbers keep increasing. A Decoder is used by a single goroutine.
type Decoder interface {
	Info() media.Info
	Next(ctx context.Context) (media.Unit, error)
	Restart(ctx context.Context) error
	Close() error
}

// Opener validates a source and returns a ready decoder
type Opener interface {
	Open(ctx context.Context, path string, mt media.Type) (Decoder, error)
}

// OpenerFunc adapts a function to Opener
type OpenerFunc func(ctx context.Context, path string, mt media.Type) (Decoder, error)

// Open implements Opener
func (f OpenerFunc) Open(ctx context.Context, path string, mt media.Type) (Decoder, error) {
	return f(ctx, path, mt)
}

// ErrorKind 解码错误类型
type ErrorKind int

const (
	UnsupportedFormat ErrorKind = iota
	CorruptStream
	IoFailure
)

// String returns the string representation of ErrorKind
func (k ErrorKind) String() string {
	switch k {
	case UnsupportedFormat:
		return "UnsupportedFormat"
	case CorruptStream:
		return "CorruptStream"
	case IoFailure:
		return "IoFailure"
	default:
		return "Unknown"
	}
}

// Error 解码错误
type Error struct {
	Kind ErrorKind
	Path string
	Op   string
	Err  error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := fmt.Sprintf("decode %s %q: %s", e.Op, e.Path, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError 创建解码错误
func NewError(kind ErrorKind, path, op string, err error) *Error {
	return &Error{Kind: kind, Path: path, Op: op, Err: err}
}

// IsKind reports whether err is a decode error of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind == kind
	}
	return false
}

// KindOf returns the decode error kind of err, ok is false for other errors
func KindOf(err error) (ErrorKind, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return 0, false
}
