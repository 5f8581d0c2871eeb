package clock

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-vcam/internal/config"
	"github.com/open-beagle/bdwind-vcam/internal/media"
)

// Correction 一次漂移纠正记录
type Correction struct {
	At     time.Duration `json:"at"`
	Stream string        `json:"stream"`
	Action string        `json:"action"`
	Before time.Duration `json:"before"`
	After  time.Duration `json:"after"`

	// Applied is set once the delivery loop has consumed the action
	Applied bool `json:"applied"`
}

// Status ClockSync 状态快照
type Status struct {
	Now         time.Duration `json:"now"`
	Drift       time.Duration `json:"drift"`
	DriftValid  bool          `json:"drift_valid"`
	Master      string        `json:"master"`
	Threshold   time.Duration `json:"threshold"`
	Interval    time.Duration `json:"interval"`
	Corrections uint64        `json:"corrections"`
	Pending     string        `json:"pending,omitempty"`
	History     []Correction  `json:"history"`
}

type report struct {
	pos   time.Duration
	at    time.Duration
	valid bool
}

// Sync 实现音视频同步：两个投递循环上报各自的内容位置，周期性计算漂移并下发单步纠正
type Sync struct {
	clock  Clock
	logger *logrus.Entry

	mu          sync.Mutex
	corrector   Corrector
	interval    time.Duration
	staleAfter  time.Duration
	historySize int

	reports [2]report
	pending [2]Action

	// inflight 已下发但尚未记录纠正后漂移的纠正
	inflight    *Correction
	history     []Correction
	corrections uint64

	observers []func(Correction)
}

// NewSync 创建同步器
func NewSync(cfg config.SyncConfig, clk Clock, logger *logrus.Entry) *Sync {
	if clk == nil {
		clk = NewMonotonic()
	}
	if logger == nil {
		logger = config.GetLoggerWithPrefix("sync")
	}
	master, _ := ParseMaster(cfg.Master)
	history := cfg.History
	if history <= 0 {
		history = 32
	}
	return &Sync{
		clock:       clk,
		logger:      logger,
		corrector:   Corrector{Threshold: cfg.Threshold, Master: master},
		interval:    cfg.Interval,
		staleAfter:  cfg.StaleAfter,
		historySize: history,
	}
}

// Now returns the shared monotonic time
func (s *Sync) Now() time.Duration {
	return s.clock.Now()
}

// Clock returns the underlying clock
func (s *Sync) Clock() Clock {
	return s.clock
}

// OnCorrection registers an observer called for every finished correction
func (s *Sync) OnCorrection(fn func(Correction)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Report records the content position of the unit a delivery loop just sent
func (s *Sync) Report(mt media.Type, pos time.Duration) {
	now := s.clock.Now()
	s.mu.Lock()
	s.reports[mt] = report{pos: pos, at: now, valid: true}
	s.mu.Unlock()
}

// Forget clears a stream's reports and pending correction, called when the stream stops
func (s *Sync) Forget(mt media.Type) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[mt] = report{}
	s.pending[mt] = ActionNone
	if s.inflight != nil && s.inflight.Stream == mt.String() {
		s.inflight = nil
	}
}

// Drift returns audio minus video content offset. ok is false while either
// stream has not reported recently.
func (s *Sync) Drift() (time.Duration, bool) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.driftLocked(now)
}

func (s *Sync) driftLocked(now time.Duration) (time.Duration, bool) {
	a := s.reports[media.TypeAudio]
	v := s.reports[media.TypeVideo]
	if !a.valid || !v.valid {
		return 0, false
	}
	if s.staleAfter > 0 && (now-a.at > s.staleAfter || now-v.at > s.staleAfter) {
		return 0, false
	}
	return (a.pos - a.at) - (v.pos - v.at), true
}

// Evaluate recomputes drift and schedules at most one correction.
// It also completes the previous correction's before/after record.
func (s *Sync) Evaluate() *Correction {
	now := s.clock.Now()

	s.mu.Lock()
	drift, ok := s.driftLocked(now)

	var finished *Correction
	if s.inflight != nil && s.inflight.Applied && ok {
		s.inflight.After = drift
		c := *s.inflight
		finished = &c
		s.history = append(s.history, c)
		if len(s.history) > s.historySize {
			s.history = s.history[len(s.history)-s.historySize:]
		}
		s.inflight = nil
	}

	var scheduled *Correction
	if ok && s.inflight == nil {
		target, action := s.corrector.Decide(drift)
		if action != ActionNone && s.pending[target] == ActionNone {
			s.pending[target] = action
			s.corrections++
			s.inflight = &Correction{
				At:     now,
				Stream: target.String(),
				Action: action.String(),
				Before: drift,
			}
			c := *s.inflight
			scheduled = &c
		}
	}
	observers := s.observers
	s.mu.Unlock()

	if finished != nil {
		s.logger.Infof("Drift correction %s %s: %v -> %v",
			finished.Stream, finished.Action, finished.Before, finished.After)
		for _, fn := range observers {
			fn(*finished)
		}
	}
	if scheduled != nil {
		s.logger.Debugf("Drift %v exceeds threshold, scheduling %s on %s",
			scheduled.Before, scheduled.Action, scheduled.Stream)
	}
	return scheduled
}

// Take consumes the pending correction for a stream
func (s *Sync) Take(mt media.Type) Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.pending[mt]
	if a == ActionNone {
		return a
	}
	s.pending[mt] = ActionNone
	if s.inflight != nil && s.inflight.Stream == mt.String() {
		s.inflight.Applied = true
	}
	return a
}

// Run evaluates drift every interval until ctx is cancelled
func (s *Sync) Run(ctx context.Context) {
	s.logger.Debug("Clock sync loop started")
	defer s.logger.Debug("Clock sync loop stopped")

	timer := time.NewTimer(s.Interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.Evaluate()
			timer.Reset(s.Interval())
		}
	}
}

// Interval returns the current evaluation cadence
func (s *Sync) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Apply updates threshold, cadence and master at runtime
func (s *Sync) Apply(cfg config.SyncConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	master, err := ParseMaster(cfg.Master)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if master != s.corrector.Master {
		s.pending = [2]Action{}
		s.inflight = nil
	}
	s.corrector = Corrector{Threshold: cfg.Threshold, Master: master}
	s.interval = cfg.Interval
	s.staleAfter = cfg.StaleAfter
	s.logger.Infof("Sync settings applied: master=%s threshold=%v interval=%v", master, cfg.Threshold, cfg.Interval)
	return nil
}

// Status returns a snapshot
func (s *Sync) Status() Status {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	drift, ok := s.driftLocked(now)
	st := Status{
		Now:         now,
		Drift:       drift,
		DriftValid:  ok,
		Master:      s.corrector.Master.String(),
		Threshold:   s.corrector.Threshold,
		Interval:    s.interval,
		Corrections: s.corrections,
		History:     append([]Correction(nil), s.history...),
	}
	if s.inflight != nil {
		st.Pending = s.inflight.Stream + ":" + s.inflight.Action
	}
	return st
}
