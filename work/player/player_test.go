package player

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBinary drops an executable stub named name into a temp dir and puts
// that dir on PATH.
func fakeBinary(t *testing.T, name string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	t.Setenv("PATH", dir)
}

func TestNewRejectsMissingCommand(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	_, err := New("definitely-not-a-player", nil, false)
	assert.Error(t, err)
}

func TestNewAutodetectFailsOnEmptyPath(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	_, err := New("", nil, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no video player found")
}

func TestNewAutodetectPicksCandidate(t *testing.T) {
	fakeBinary(t, "ffplay")
	p, err := New("", nil, false)
	require.NoError(t, err)
	assert.Equal(t, "ffplay", p.Command())
}

func TestBuildArgs(t *testing.T) {
	fakeBinary(t, "mpv")
	p, err := New("mpv", []string{"--no-audio"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"--no-audio", "http://x/live.m3u8"}, p.buildArgs("http://x/live.m3u8"))
}

func TestBuildArgsFfplayAutoexit(t *testing.T) {
	fakeBinary(t, "ffplay")
	p, err := New("ffplay", nil, false)
	require.NoError(t, err)
	args := p.buildArgs("http://x/live.m3u8")
	assert.Equal(t, "-autoexit", args[0], "ffplay must not freeze on the last frame when the stream ends")
	assert.Equal(t, "http://x/live.m3u8", args[len(args)-1])
}

func TestStartAndPollRealProcess(t *testing.T) {
	fakeBinary(t, "mpv")
	p, err := New("mpv", nil, false)
	require.NoError(t, err)

	h, err := p.Start("http://x/live.m3u8")
	require.NoError(t, err)

	// The stub exits immediately with 0; Poll converges on (0, true).
	assert.Eventually(t, func() bool {
		code, done := h.Poll()
		return done && code == 0
	}, 5*time.Second, 10*time.Millisecond)

	// Terminate after exit is a no-op.
	h.Terminate()
}
