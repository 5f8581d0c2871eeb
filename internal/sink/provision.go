package sink

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/samber/lo"

	"github.com/open-beagle/bdwind-vcam/internal/config"
)

// sysfsVideoDir lists v4l2 device names
var sysfsVideoDir = "/sys/class/video4linux"

// VideoNode 发现的 /dev/video* 设备
type VideoNode struct {
	Path     string `json:"path"`
	Name     string `json:"name"`
	Loopback bool   `json:"loopback"`
}

// ListVideoNodes enumerates v4l2 nodes through sysfs
func ListVideoNodes() []VideoNode {
	entries, err := os.ReadDir(sysfsVideoDir)
	if err != nil {
		return nil
	}
	nodes := lo.Map(entries, func(e os.DirEntry, _ int) VideoNode {
		name, _ := os.ReadFile(filepath.Join(sysfsVideoDir, e.Name(), "name"))
		label := strings.TrimSpace(string(name))
		return VideoNode{
			Path:     "/dev/" + e.Name(),
			Name:     label,
			Loopback: isLoopbackNode(filepath.Join(sysfsVideoDir, e.Name()), label),
		}
	})
	return lo.Filter(nodes, func(n VideoNode, _ int) bool { return strings.HasPrefix(n.Path, "/dev/video") })
}

func isLoopbackNode(dir, label string) bool {
	if link, err := os.Readlink(filepath.Join(dir, "device", "driver")); err == nil {
		if strings.Contains(link, "v4l2loopback") {
			return true
		}
	}
	return strings.Contains(strings.ToLower(label), "loopback") || strings.Contains(label, "Virtual")
}

// parseVideoNumber /dev/video10 -> 10
func parseVideoNumber(dev string) (int, error) {
	numStr := strings.TrimPrefix(filepath.Base(dev), "video")
	if numStr == "" {
		return 0, fmt.Errorf("unable to parse video device number from %q", dev)
	}
	num, err := strconv.Atoi(numStr)
	if err != nil {
		return 0, fmt.Errorf("invalid video device number %q: %w", numStr, err)
	}
	return num, nil
}

// VideoDeviceReady checks that the loopback node exists or can be created
func VideoDeviceReady(cfg config.VideoSinkConfig) error {
	if _, err := os.Stat(cfg.Device); err == nil {
		return nil
	}
	if !cfg.AutoLoad {
		return fmt.Errorf("device %s does not exist, load v4l2loopback or enable auto_load", cfg.Device)
	}
	if _, err := exec.LookPath("modprobe"); err != nil {
		return fmt.Errorf("device %s does not exist and modprobe is not installed", cfg.Device)
	}
	return nil
}

// EnsureVideoDevice loads v4l2loopback for the configured node when it is missing
func EnsureVideoDevice(ctx context.Context, cfg config.VideoSinkConfig) error {
	if _, err := os.Stat(cfg.Device); err == nil {
		return nil
	}
	if !cfg.AutoLoad {
		return NewError(DeviceUnavailable, "v4l2loopback", "ensure",
			fmt.Errorf("device %s does not exist", cfg.Device))
	}

	videoNum, err := parseVideoNumber(cfg.Device)
	if err != nil {
		return NewError(DeviceUnavailable, "v4l2loopback", "ensure", err)
	}

	args := []string{"v4l2loopback", fmt.Sprintf("video_nr=%d", videoNum), "exclusive_caps=1",
		"card_label=" + cfg.CardLabel}
	out, err := exec.CommandContext(ctx, "modprobe", args...).CombinedOutput()
	if err != nil {
		return NewError(DeviceUnavailable, "v4l2loopback", "modprobe",
			fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out))))
	}

	// udev 创建节点需要一点时间
	err = retry.New(
		retry.Attempts(10),
		retry.Delay(50*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		_, err := os.Stat(cfg.Device)
		return err
	})
	if err != nil {
		return NewError(DeviceUnavailable, "v4l2loopback", "ensure",
			fmt.Errorf("virtual camera device not available after modprobe: %w", err))
	}
	_ = os.Chmod(cfg.Device, 0o666)
	return nil
}

// PulseSink 声音服务器中的 sink
type PulseSink struct {
	Index  string `json:"index"`
	Name   string `json:"name"`
	Driver string `json:"driver"`
	State  string `json:"state"`
}

// ListPulseSinks runs pactl list short sinks
func ListPulseSinks(ctx context.Context) ([]PulseSink, error) {
	out, err := exec.CommandContext(ctx, "pactl", "list", "short", "sinks").Output()
	if err != nil {
		return nil, fmt.Errorf("list pulseaudio sinks: %w", err)
	}
	return parsePulseSinks(string(out)), nil
}

func parsePulseSinks(output string) []PulseSink {
	var sinks []PulseSink
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		s := PulseSink{Index: fields[0], Name: fields[1]}
		if len(fields) > 2 {
			s.Driver = fields[2]
		}
		if len(fields) > 4 {
			s.State = fields[len(fields)-1]
		}
		sinks = append(sinks, s)
	}
	return sinks
}

// PulseReady checks that pactl can reach a sound server
func PulseReady(ctx context.Context) error {
	if _, err := exec.LookPath("pactl"); err != nil {
		return fmt.Errorf("pactl is not installed")
	}
	if _, err := ListPulseSinks(ctx); err != nil {
		return err
	}
	return nil
}

// EnsurePulseSink creates the null sink backing the virtual microphone when
// it is missing. Consumers record from "<sink>.monitor".
func EnsurePulseSink(ctx context.Context, cfg config.AudioSinkConfig) error {
	sinks, err := ListPulseSinks(ctx)
	if err != nil {
		return NewError(DeviceUnavailable, "pulse", "ensure", err)
	}
	if lo.ContainsBy(sinks, func(s PulseSink) bool { return s.Name == cfg.Device }) {
		return nil
	}
	if !cfg.AutoCreate {
		return NewError(DeviceUnavailable, "pulse", "ensure",
			fmt.Errorf("pulseaudio sink %q not found", cfg.Device))
	}

	desc := strings.ReplaceAll(cfg.Description, " ", "\\ ")
	err = retry.New(
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		out, err := exec.CommandContext(ctx, "pactl", "load-module", "module-null-sink",
			"sink_name="+cfg.Device,
			"sink_properties=device.description="+desc).CombinedOutput()
		if err != nil {
			return fmt.Errorf("load module-null-sink: %w: %s", err, strings.TrimSpace(string(out)))
		}
		return nil
	})
	if err != nil {
		return NewError(DeviceUnavailable, "pulse", "ensure", err)
	}
	return nil
}
