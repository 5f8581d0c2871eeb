package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hajimehoshi/oto/v2"

	"github.com/open-beagle/bdwind-vcam/internal/media"
)

// OtoName is the registry name of the default-output audio backend
const OtoName = "oto"

// oto 每个进程只能有一个 Context，采样率在第一次创建时确定
var (
	otoMu       sync.Mutex
	otoCtx      *oto.Context
	otoRate     int
	otoChannels int

	errOtoFormat = errors.New("audio output already opened with another format")
)

func globalOtoContext(rate, channels int) (*oto.Context, error) {
	otoMu.Lock()
	defer otoMu.Unlock()

	if otoCtx != nil {
		if otoRate != rate || otoChannels != channels {
			return nil, fmt.Errorf("%w: %dHz/%dch", errOtoFormat, otoRate, otoChannels)
		}
		return otoCtx, nil
	}

	ctx, ready, err := oto.NewContext(rate, channels, oto.FormatFloat32LE)
	if err != nil {
		return nil, err
	}
	<-ready
	otoCtx, otoRate, otoChannels = ctx, rate, channels
	return ctx, nil
}

// Oto 通过 oto 播放到系统默认输出，没有虚拟麦克风时的最后回退
type Oto struct {
	player oto.Player
	pw     *io.PipeWriter
	format media.Format
}

// NewOto 创建 oto 后端
func NewOto() Backend {
	return &Oto{}
}

func (o *Oto) Name() string             { return OtoName }
func (o *Oto) Capabilities() Capability { return CapAudio | CapLegacy }

func (o *Oto) Available(ctx context.Context) error {
	otoMu.Lock()
	defer otoMu.Unlock()
	if otoCtx != nil {
		return otoCtx.Err()
	}
	return nil
}

func (o *Oto) Open(ctx context.Context, format media.Format) error {
	if format.Type != media.TypeAudio {
		return NewError(FormatRejected, OtoName, "open", errors.New("oto only plays audio"))
	}
	octx, err := globalOtoContext(format.SampleRate, format.Channels)
	if err != nil {
		if errors.Is(err, errOtoFormat) {
			return NewError(FormatRejected, OtoName, "open", err)
		}
		return NewError(DeviceUnavailable, OtoName, "open", err)
	}

	pr, pw := io.Pipe()
	p := octx.NewPlayer(pr)
	if p == nil {
		_ = pw.Close()
		return NewError(DeviceUnavailable, OtoName, "open", errors.New("NewPlayer failed"))
	}
	p.Play()

	o.player = p
	o.pw = pw
	o.format = format
	return nil
}

func (o *Oto) Write(unit media.Unit) error {
	if o.pw == nil {
		return NewError(DeviceUnavailable, OtoName, "write", errors.New("backend is not open"))
	}
	s, ok := unit.(*media.TimedSample)
	if !ok {
		return NewError(FormatRejected, OtoName, "write", fmt.Errorf("unexpected unit %T", unit))
	}
	if err := o.player.Err(); err != nil {
		return NewError(DeviceUnavailable, OtoName, "write", err)
	}
	if _, err := o.pw.Write(s.Bytes()); err != nil {
		return NewError(DeviceUnavailable, OtoName, "write", err)
	}
	return nil
}

func (o *Oto) Reconfigure(format media.Format) error {
	return NewError(FormatRejected, OtoName, "reconfigure", errors.New("live reconfigure is not supported"))
}

func (o *Oto) Close() error {
	var err error
	if o.pw != nil {
		_ = o.pw.Close()
		o.pw = nil
	}
	if o.player != nil {
		err = o.player.Close()
		o.player = nil
	}
	return err
}
