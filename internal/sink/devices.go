package sink

import (
	"context"
	"time"

	"github.com/samber/lo"

	"github.com/open-beagle/bdwind-vcam/internal/config"
	"github.com/open-beagle/bdwind-vcam/internal/media"
)

// RegisterLegacy registers the subprocess and default-output backends
func RegisterLegacy(r *Registry, cfg config.SinksConfig) {
	r.Register(FFmpegV4L2Name, CapVideo|CapLegacy|CapVirtual, func() Backend {
		return NewFFmpegV4L2(cfg.Video, cfg.FFmpegPath, nil)
	})
	r.Register(FFmpegPulseName, CapAudio|CapLegacy|CapVirtual, func() Backend {
		return NewFFmpegPulse(cfg.Audio, cfg.FFmpegPath, nil)
	})
	r.Register(OtoName, CapAudio|CapLegacy, NewOto)
}

// BackendInfo 后端可用性
type BackendInfo struct {
	Name         string   `json:"name"`
	MediaTypes   []string `json:"media_types"`
	Capabilities []string `json:"capabilities"`
	Available    bool     `json:"available"`
	Reason       string   `json:"reason,omitempty"`
}

// Inventory 设备枚举结果
type Inventory struct {
	Backends     []BackendInfo `json:"backends"`
	VideoNodes   []VideoNode   `json:"video_nodes"`
	PulseSinks   []PulseSink   `json:"pulse_sinks"`
	PulseError   string        `json:"pulse_error,omitempty"`
	EnumeratedAt time.Time     `json:"enumerated_at"`
}

// ListDevices probes every registered backend and discovers device nodes
func ListDevices(ctx context.Context, r *Registry) Inventory {
	inv := Inventory{EnumeratedAt: time.Now()}

	inv.Backends = lo.FilterMap(r.Names(), func(name string, _ int) (BackendInfo, bool) {
		b, err := r.New(name)
		if err != nil {
			return BackendInfo{}, false
		}
		caps := b.Capabilities()
		info := BackendInfo{
			Name:         name,
			Capabilities: caps.Strings(),
			MediaTypes: lo.FilterMap(media.Types, func(mt media.Type, _ int) (string, bool) {
				return mt.String(), caps.Supports(mt)
			}),
			Available: true,
		}
		if err := b.Available(ctx); err != nil {
			info.Available = false
			info.Reason = err.Error()
		}
		return info, true
	})

	inv.VideoNodes = ListVideoNodes()
	if sinks, err := ListPulseSinks(ctx); err != nil {
		inv.PulseError = err.Error()
	} else {
		inv.PulseSinks = sinks
	}
	return inv
}

// AvailableFor returns the names of available backends for a media type
func (inv Inventory) AvailableFor(mt media.Type) []string {
	return lo.FilterMap(inv.Backends, func(b BackendInfo, _ int) (string, bool) {
		return b.Name, b.Available && lo.Contains(b.MediaTypes, mt.String())
	})
}
