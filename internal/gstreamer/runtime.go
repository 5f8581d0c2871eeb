// Package gstreamer implements decoders, device sinks and the recording
// muxer on top of go-gst.
package gstreamer

import (
	"fmt"
	"sync"

	"github.com/go-gst/go-glib/glib"
	"github.com/go-gst/go-gst/gst"
	"github.com/sirupsen/logrus"

	"github.com/open-beagle/bdwind-vcam/internal/config"
)

var (
	initOnce sync.Once
	mainLoop *glib.MainLoop
)

// Init initializes GStreamer and starts the GLib main loop once per process
func Init() {
	initOnce.Do(func() {
		gst.Init(nil)
		mainLoop = glib.NewMainLoop(glib.MainContextDefault(), false)
		go mainLoop.Run()
		config.GetLoggerWithPrefix("gstreamer").Debug("GStreamer initialized, GLib main loop running")
	})
}

// Shutdown stops the GLib main loop
func Shutdown() {
	if mainLoop != nil && mainLoop.IsRunning() {
		mainLoop.Quit()
	}
}

// HasElements reports whether every element factory is installed
func HasElements(names ...string) error {
	Init()
	for _, name := range names {
		if gst.Find(name) == nil {
			return fmt.Errorf("GStreamer element %q is not installed", name)
		}
	}
	return nil
}

// makeElements creates named elements in order
func makeElements(factories ...string) ([]*gst.Element, error) {
	elems := make([]*gst.Element, 0, len(factories))
	for _, f := range factories {
		e, err := gst.NewElement(f)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", f, err)
		}
		elems = append(elems, e)
	}
	return elems, nil
}

// setState sets the pipeline state and waits for the change to complete
func setState(pipeline *gst.Pipeline, state gst.State, logger *logrus.Entry) error {
	if err := pipeline.SetState(state); err != nil {
		return fmt.Errorf("failed to set pipeline to %s: %w", state.String(), err)
	}
	ret, current := pipeline.GetState(state, gst.ClockTime(stateTimeout))
	if ret == gst.StateChangeFailure {
		return fmt.Errorf("pipeline failed to reach %s", state.String())
	}
	if logger != nil {
		logger.Debugf("Pipeline state: %s", current.String())
	}
	return nil
}
