package player

import (
	"fmt"
	"os/exec"
	"syscall"

	"streamfox/work/logger"
	"streamfox/work/utils"
)

// candidateCommands are tried in order when no player command is configured.
var candidateCommands = []string{"mpv", "vlc", "ffplay"}

// Player spawns and controls the external playback process. It is the
// process collaborator consumed by the controller: Start hands back a
// Handle, Poll is non-blocking, Terminate is best-effort (SIGTERM to the
// process group; whether a stubborn process gets force-killed is the
// player binary's problem, not ours).
type Player struct {
	command   string
	extraArgs []string
	obfuscate bool
}

// Handle is one running playback process.
type Handle struct {
	cmd      *exec.Cmd
	done     chan struct{}
	exitCode int
}

// New creates a Player using the configured command, or the first of mpv,
// vlc, ffplay found on PATH when the command is empty.
func New(command string, extraArgs []string, obfuscateUrls bool) (*Player, error) {
	if command == "" {
		found, err := findAvailablePlayer()
		if err != nil {
			return nil, err
		}
		command = found
	} else if _, err := exec.LookPath(command); err != nil {
		return nil, fmt.Errorf("player %q not found: %w", command, err)
	}

	return &Player{
		command:   command,
		extraArgs: extraArgs,
		obfuscate: obfuscateUrls,
	}, nil
}

// Command returns the player binary in use.
func (p *Player) Command() string {
	return p.command
}

// Start launches the player on the given endpoint and returns a handle for
// polling and termination. The process runs in its own group so Terminate
// can signal it and any children together.
func (p *Player) Start(url string) (*Handle, error) {
	args := p.buildArgs(url)

	cmd := exec.Command(p.command, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", p.command, err)
	}

	logger.Info("[PLAYER] started %s for %s (pid %d)",
		p.command, utils.LogURL(p.obfuscate, url), cmd.Process.Pid)

	h := &Handle{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				h.exitCode = exitErr.ExitCode()
			} else {
				h.exitCode = -1
			}
		}
		close(h.done)
	}()

	return h, nil
}

// buildArgs assembles the per-player command line. ffplay needs -autoexit to
// terminate when the stream ends instead of freezing on the last frame.
func (p *Player) buildArgs(url string) []string {
	var args []string
	if p.command == "ffplay" {
		args = append(args, "-autoexit")
	}
	args = append(args, p.extraArgs...)
	args = append(args, url)
	return args
}

// Poll reports the exit code once the process has exited. Non-blocking:
// returns (0, false) while the process is still running.
func (h *Handle) Poll() (int, bool) {
	select {
	case <-h.done:
		return h.exitCode, true
	default:
		return 0, false
	}
}

// Terminate sends SIGTERM to the player's process group. Safe to call
// whether or not the process has already exited, including mid-start.
func (h *Handle) Terminate() {
	if h.cmd.Process == nil {
		return
	}
	select {
	case <-h.done:
		return
	default:
	}
	if err := syscall.Kill(-h.cmd.Process.Pid, syscall.SIGTERM); err != nil {
		logger.Debug("[PLAYER] terminate signal failed: %v", err)
	}
}

func findAvailablePlayer() (string, error) {
	for _, candidate := range candidateCommands {
		if _, err := exec.LookPath(candidate); err == nil {
			logger.Info("[PLAYER] found player: %s", candidate)
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no video player found: install one of mpv, vlc or ffplay")
}
