package decoder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"

	"github.com/open-beagle/bdwind-vcam/internal/media"
)

// SchemeOpener dispatches on the path scheme ("synthetic://...").
// Plain file paths are checked for existence and handed to the fallback opener.
type SchemeOpener struct {
	mu       sync.RWMutex
	schemes  map[string]Opener
	fallback Opener
}

// NewSchemeOpener 创建按 scheme 分发的 opener，synthetic 源默认注册
func NewSchemeOpener(fallback Opener) *SchemeOpener {
	o := &SchemeOpener{
		schemes:  make(map[string]Opener),
		fallback: fallback,
	}
	o.Register(SyntheticScheme, SyntheticOpener{})
	return o
}

// Register binds a scheme to an opener
func (o *SchemeOpener) Register(scheme string, opener Opener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.schemes[scheme] = opener
}

// SetFallback sets the opener used for plain file paths
func (o *SchemeOpener) SetFallback(opener Opener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fallback = opener
}

// Open implements Opener
func (o *SchemeOpener) Open(ctx context.Context, path string, mt media.Type) (Decoder, error) {
	if path == "" {
		return nil, NewError(IoFailure, path, "open", errors.New("empty path"))
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	if scheme, _, ok := strings.Cut(path, "://"); ok {
		opener, found := o.schemes[scheme]
		if !found && scheme != "file" {
			return nil, NewError(UnsupportedFormat, path, "open", fmt.Errorf("unknown scheme %q", scheme))
		}
		if found {
			return opener.Open(ctx, path, mt)
		}
		path = strings.TrimPrefix(path, "file://")
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, NewError(IoFailure, path, "open", fmt.Errorf("file not found"))
		}
		return nil, NewError(IoFailure, path, "open", err)
	}
	if info.IsDir() {
		return nil, NewError(UnsupportedFormat, path, "open", errors.New("path is a directory"))
	}

	if o.fallback == nil {
		return nil, NewError(UnsupportedFormat, path, "open", errors.New("no file decoder available"))
	}
	return o.fallback.Open(ctx, path, mt)
}
