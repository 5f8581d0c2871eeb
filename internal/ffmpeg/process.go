// Package ffmpeg runs ffmpeg subprocesses fed with raw media on pipes.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrExited is returned by writes after the process has exited
var ErrExited = errors.New("ffmpeg process exited")

// stopGrace is how long Stop waits after SIGTERM before SIGKILL
const stopGrace = 3 * time.Second

// Options 子进程参数
type Options struct {
	// Path of the ffmpeg binary, defaults to "ffmpeg"
	Path string
	Args []string
	Env  []string

	// ExtraInputs opens additional write pipes handed to the child as fd 3, 4, ...
	ExtraInputs int
}

// Process ffmpeg 子进程，stdin 和额外管道写入原始数据
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	extra  []*os.File
	stderr *tailBuffer
	logger *logrus.Entry

	done    chan struct{}
	waitErr error

	closeOnce sync.Once
}

// Start launches ffmpeg in its own process group
func Start(ctx context.Context, opts Options, logger *logrus.Entry) (*Process, error) {
	path := opts.Path
	if path == "" {
		path = "ffmpeg"
	}

	cmd := exec.CommandContext(ctx, path, opts.Args...)
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdin pipe: %w", err)
	}

	var readers, writers []*os.File
	for i := 0; i < opts.ExtraInputs; i++ {
		r, w, err := os.Pipe()
		if err != nil {
			closeFiles(readers)
			closeFiles(writers)
			return nil, fmt.Errorf("ffmpeg extra pipe: %w", err)
		}
		readers = append(readers, r)
		writers = append(writers, w)
	}
	cmd.ExtraFiles = readers

	tail := &tailBuffer{limit: 4096}
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		closeFiles(readers)
		closeFiles(writers)
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	// 子进程已继承读端
	closeFiles(readers)

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		extra:  writers,
		stderr: tail,
		logger: logger,
		done:   make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	if logger != nil {
		logger.Debugf("ffmpeg started (pid %d): %s", cmd.Process.Pid, strings.Join(opts.Args, " "))
	}
	return p, nil
}

// Pid returns the process id
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Stdin returns the primary input pipe
func (p *Process) Stdin() io.Writer {
	return p.stdin
}

// Input returns extra input i, which the child sees as fd 3+i
func (p *Process) Input(i int) io.Writer {
	return p.extra[i]
}

// Done is closed when the process exits
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has terminated
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitError returns the wait error once the process has exited
func (p *Process) ExitError() error {
	if !p.Exited() {
		return nil
	}
	return p.waitErr
}

// Stderr returns the tail of the process stderr
func (p *Process) Stderr() string {
	return p.stderr.String()
}

// WaitStartup waits up to d for an early exit, which is how ffmpeg reports
// rejected arguments or an unusable output device.
func (p *Process) WaitStartup(d time.Duration) error {
	select {
	case <-p.done:
		return fmt.Errorf("%w: %v: %s", ErrExited, p.waitErr, strings.TrimSpace(p.Stderr()))
	case <-time.After(d):
		return nil
	}
}

// Write writes to stdin, reporting ErrExited when the process is gone
func (p *Process) Write(b []byte) (int, error) {
	return p.writeTo(p.stdin, b)
}

// WriteInput writes to extra input i
func (p *Process) WriteInput(i int, b []byte) (int, error) {
	return p.writeTo(p.extra[i], b)
}

func (p *Process) writeTo(w io.Writer, b []byte) (int, error) {
	if p.Exited() {
		return 0, ErrExited
	}
	n, err := w.Write(b)
	if err != nil && p.Exited() {
		return n, fmt.Errorf("%w: %s", ErrExited, strings.TrimSpace(p.Stderr()))
	}
	return n, err
}

// CloseInputs closes every input pipe so ffmpeg sees end of stream
func (p *Process) CloseInputs() {
	p.closeOnce.Do(func() {
		_ = p.stdin.Close()
		closeFiles(p.extra)
	})
}

// Wait closes the inputs and waits for a clean exit until ctx is done
func (p *Process) Wait(ctx context.Context) error {
	p.CloseInputs()
	select {
	case <-p.done:
		if p.waitErr != nil {
			return fmt.Errorf("ffmpeg: %w: %s", p.waitErr, strings.TrimSpace(p.Stderr()))
		}
		return nil
	case <-ctx.Done():
		p.Stop()
		return ctx.Err()
	}
}

// Stop terminates the process group, escalating to SIGKILL after a grace period
func (p *Process) Stop() {
	p.CloseInputs()
	if p.Exited() {
		return
	}
	pid := p.cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-p.done:
	case <-time.After(stopGrace):
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-p.done
	}
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(b)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
