package clock

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-beagle/bdwind-vcam/internal/config"
	"github.com/open-beagle/bdwind-vcam/internal/media"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return logrus.NewEntry(l)
}

// producer simulates one delivery loop: it presents one unit per slot and
// applies the corrections the sync hands out.
type producer struct {
	mt   media.Type
	unit time.Duration
	slot time.Duration
	pos  time.Duration
}

func (p *producer) deliver(s *Sync) {
	switch s.Take(p.mt) {
	case ActionSkip:
		p.pos += p.unit
	case ActionRepeat, ActionInsertSilence:
		p.pos -= p.unit
	}
	s.Report(p.mt, p.pos)
	p.pos += p.unit
	p.slot += p.unit
}

// simulate runs both producers on a manual clock and returns the drift
// measured after each evaluation cycle.
func simulate(t *testing.T, s *Sync, clk *Manual, skew time.Duration, cycles int) []time.Duration {
	t.Helper()

	video := &producer{mt: media.TypeVideo, unit: media.FrameDuration(30)}
	audio := &producer{mt: media.TypeAudio, unit: 20 * time.Millisecond, pos: skew}
	interval := s.Interval()
	nextEval := interval

	var drifts []time.Duration
	for len(drifts) < cycles {
		next := nextEval
		if video.slot < next {
			next = video.slot
		}
		if audio.slot < next {
			next = audio.slot
		}
		clk.Set(next)

		if video.slot == next {
			video.deliver(s)
		}
		if audio.slot == next {
			audio.deliver(s)
		}
		if nextEval == next {
			s.Evaluate()
			d, ok := s.Drift()
			require.True(t, ok)
			drifts = append(drifts, d)
			nextEval += interval
		}
	}
	return drifts
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func TestSync_ConvergesFromConstantSkew(t *testing.T) {
	tests := []struct {
		name   string
		master string
		skew   time.Duration
	}{
		{"audio master, video lags", "audio", 100 * time.Millisecond},
		{"audio master, video leads", "audio", -100 * time.Millisecond},
		{"video master, audio leads", "video", 90 * time.Millisecond},
		{"video master, audio lags", "video", -90 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultSyncConfig()
			cfg.Master = tt.master
			clk := NewManual(0)
			s := NewSync(cfg, clk, testLogger())

			drifts := simulate(t, s, clk, tt.skew, 5)

			assert.InDelta(t, float64(tt.skew), float64(drifts[0]), float64(time.Millisecond))
			assert.Less(t, abs(drifts[len(drifts)-1]), cfg.Threshold,
				"drift must be under threshold within 5 cycles: %v", drifts)

			st := s.Status()
			require.NotEmpty(t, st.History)
			for _, c := range st.History {
				assert.Less(t, abs(c.After), abs(c.Before), "each correction reduces drift")
				assert.Equal(t, cfg.Master, st.Master)
			}
		})
	}
}

func TestSync_CorrectsOnlyTheSlaveStream(t *testing.T) {
	clk := NewManual(0)
	s := NewSync(config.DefaultSyncConfig(), clk, testLogger())

	s.Report(media.TypeVideo, 0)
	s.Report(media.TypeAudio, 100*time.Millisecond)

	c := s.Evaluate()
	require.NotNil(t, c)
	assert.Equal(t, "video", c.Stream)
	assert.Equal(t, "skip", c.Action)
	assert.Equal(t, ActionNone, s.Take(media.TypeAudio))
}

func TestSync_NoStackingWhilePending(t *testing.T) {
	clk := NewManual(0)
	s := NewSync(config.DefaultSyncConfig(), clk, testLogger())

	s.Report(media.TypeVideo, 0)
	s.Report(media.TypeAudio, 100*time.Millisecond)

	require.NotNil(t, s.Evaluate())
	assert.Nil(t, s.Evaluate(), "a second correction must wait for the first to be applied")

	assert.Equal(t, ActionSkip, s.Take(media.TypeVideo))
	assert.Equal(t, ActionNone, s.Take(media.TypeVideo), "an action is consumed once")
	assert.Equal(t, uint64(1), s.Status().Corrections)
}

func TestSync_StaleAndForget(t *testing.T) {
	clk := NewManual(0)
	cfg := config.DefaultSyncConfig()
	s := NewSync(cfg, clk, testLogger())

	_, ok := s.Drift()
	assert.False(t, ok, "no reports yet")

	s.Report(media.TypeVideo, 0)
	s.Report(media.TypeAudio, 0)
	d, ok := s.Drift()
	require.True(t, ok)
	assert.Zero(t, d)

	clk.Advance(cfg.StaleAfter + time.Millisecond)
	_, ok = s.Drift()
	assert.False(t, ok, "stale reports are ignored")

	s.Report(media.TypeVideo, clk.Now())
	s.Report(media.TypeAudio, clk.Now())
	s.Forget(media.TypeAudio)
	_, ok = s.Drift()
	assert.False(t, ok)
	assert.Nil(t, s.Evaluate())
}

func TestSync_ApplyAtRuntime(t *testing.T) {
	clk := NewManual(0)
	s := NewSync(config.DefaultSyncConfig(), clk, testLogger())

	s.Report(media.TypeVideo, 0)
	s.Report(media.TypeAudio, 50*time.Millisecond)

	cfg := config.DefaultSyncConfig()
	cfg.Threshold = 60 * time.Millisecond
	cfg.Interval = 100 * time.Millisecond
	require.NoError(t, s.Apply(cfg))
	assert.Nil(t, s.Evaluate(), "50ms is within the raised threshold")
	assert.Equal(t, 100*time.Millisecond, s.Interval())

	cfg.Master = "bogus"
	assert.Error(t, s.Apply(cfg))
}

func TestSync_ObserverReceivesFinishedCorrections(t *testing.T) {
	clk := NewManual(0)
	s := NewSync(config.DefaultSyncConfig(), clk, testLogger())

	var got []Correction
	s.OnCorrection(func(c Correction) { got = append(got, c) })

	s.Report(media.TypeVideo, 0)
	s.Report(media.TypeAudio, 80*time.Millisecond)
	require.NotNil(t, s.Evaluate())

	require.Equal(t, ActionSkip, s.Take(media.TypeVideo))
	clk.Advance(10 * time.Millisecond)
	s.Report(media.TypeVideo, 10*time.Millisecond+media.FrameDuration(30))
	s.Report(media.TypeAudio, 90*time.Millisecond)
	s.Evaluate()

	require.Len(t, got, 1)
	assert.Equal(t, 80*time.Millisecond, got[0].Before)
	assert.True(t, got[0].Applied)
	assert.Less(t, got[0].After, got[0].Before)
}

func TestCorrector_Decide(t *testing.T) {
	tests := []struct {
		master Master
		drift  time.Duration
		stream media.Type
		action Action
	}{
		{MasterAudio, 10 * time.Millisecond, media.TypeVideo, ActionNone},
		{MasterAudio, 40 * time.Millisecond, media.TypeVideo, ActionNone},
		{MasterAudio, 41 * time.Millisecond, media.TypeVideo, ActionSkip},
		{MasterAudio, -41 * time.Millisecond, media.TypeVideo, ActionRepeat},
		{MasterVideo, 41 * time.Millisecond, media.TypeAudio, ActionInsertSilence},
		{MasterVideo, -41 * time.Millisecond, media.TypeAudio, ActionSkip},
	}
	for _, tt := range tests {
		c := Corrector{Threshold: 40 * time.Millisecond, Master: tt.master}
		stream, action := c.Decide(tt.drift)
		assert.Equal(t, tt.stream, stream, "%s %v", tt.master, tt.drift)
		assert.Equal(t, tt.action, action, "%s %v", tt.master, tt.drift)
	}
}

func TestManualClock(t *testing.T) {
	c := NewManual(time.Second)
	assert.Equal(t, 1500*time.Millisecond, c.Advance(500*time.Millisecond))
	c.Set(time.Second)
	assert.Equal(t, 1500*time.Millisecond, c.Now(), "manual clock never goes backwards")
	c.Advance(-time.Second)
	assert.Equal(t, 1500*time.Millisecond, c.Now())
}

func TestMonotonicClock(t *testing.T) {
	c := NewMonotonic()
	a := c.Now()
	time.Sleep(2 * time.Millisecond)
	assert.Greater(t, c.Now(), a)
}
