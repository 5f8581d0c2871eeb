package ffmpeg

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcess_StdinAndExtraInput(t *testing.T) {
	dir := t.TempDir()
	stdinOut := filepath.Join(dir, "stdin.bin")
	fd3Out := filepath.Join(dir, "fd3.bin")

	p, err := Start(context.Background(), Options{
		Path:        "sh",
		Args:        []string{"-c", "cat <&3 > " + fd3Out + " & cat > " + stdinOut + "; wait"},
		ExtraInputs: 1,
	}, nil)
	require.NoError(t, err)

	_, err = p.Write([]byte("video"))
	require.NoError(t, err)
	_, err = p.WriteInput(0, []byte("audio"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))

	got, err := os.ReadFile(stdinOut)
	require.NoError(t, err)
	assert.Equal(t, "video", string(got))
	got, err = os.ReadFile(fd3Out)
	require.NoError(t, err)
	assert.Equal(t, "audio", string(got))
}

func TestProcess_EarlyExitIsReported(t *testing.T) {
	p, err := Start(context.Background(), Options{
		Path: "sh",
		Args: []string{"-c", "echo 'Invalid argument' >&2; exit 3"},
	}, nil)
	require.NoError(t, err)

	err = p.WaitStartup(2 * time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExited))
	assert.Contains(t, err.Error(), "Invalid argument")

	_, err = p.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrExited)
}

func TestProcess_StopKillsLongRunningChild(t *testing.T) {
	p, err := Start(context.Background(), Options{
		Path: "sh",
		Args: []string{"-c", "sleep 30"},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, p.WaitStartup(50*time.Millisecond))

	start := time.Now()
	p.Stop()
	assert.True(t, p.Exited())
	assert.Less(t, time.Since(start), stopGrace+time.Second)
}

func TestTailBuffer(t *testing.T) {
	tb := &tailBuffer{limit: 4}
	_, _ = tb.Write([]byte("abc"))
	_, _ = tb.Write([]byte("defg"))
	assert.Equal(t, "defg", tb.String())
}
