package gstreamer

import (
	"context"
	"sync"
	"time"

	"github.com/go-gst/go-gst/gst"
	"github.com/sirupsen/logrus"
)

// BusMonitor 轮询管道总线，记录第一个错误并通知 EOS
type BusMonitor struct {
	bus    *gst.Bus
	logger *logrus.Entry

	mu       sync.Mutex
	firstErr error
	eos      bool
	eosCh    chan struct{}
	errCh    chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBusMonitor starts monitoring the pipeline bus
func NewBusMonitor(pipeline *gst.Pipeline, logger *logrus.Entry) *BusMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	m := &BusMonitor{
		bus:    pipeline.GetPipelineBus(),
		logger: logger,
		eosCh:  make(chan struct{}),
		errCh:  make(chan struct{}),
		cancel: cancel,
	}
	m.wg.Add(1)
	go m.loop(ctx)
	return m
}

func (m *BusMonitor) loop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg := m.bus.TimedPop(gst.ClockTime(100 * time.Millisecond))
		if msg == nil {
			continue
		}
		m.handle(msg)
		msg.Unref()
	}
}

func (m *BusMonitor) handle(msg *gst.Message) {
	switch msg.Type() {
	case gst.MessageError:
		gerr := msg.ParseError()
		pe := &PipelineError{Source: msg.Source(), Message: gerr.Error(), Debug: gerr.DebugString()}
		m.logger.Errorf("Pipeline error: %v", pe)
		m.mu.Lock()
		if m.firstErr == nil {
			m.firstErr = pe
			close(m.errCh)
		}
		m.mu.Unlock()

	case gst.MessageWarning:
		m.logger.Warnf("Pipeline warning: %v", msg.ParseWarning())

	case gst.MessageEOS:
		m.logger.Debug("Pipeline reached end of stream")
		m.mu.Lock()
		if !m.eos {
			m.eos = true
			close(m.eosCh)
		}
		m.mu.Unlock()
	}
}

// Err returns the first pipeline error, if any
func (m *BusMonitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.firstErr
}

// Errored is closed when the first error arrives
func (m *BusMonitor) Errored() <-chan struct{} {
	return m.errCh
}

// WaitEOS blocks until EOS, a pipeline error or ctx expiry
func (m *BusMonitor) WaitEOS(ctx context.Context) error {
	select {
	case <-m.eosCh:
		return nil
	case <-m.errCh:
		return m.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends monitoring
func (m *BusMonitor) Stop() {
	m.cancel()
	m.wg.Wait()
}
