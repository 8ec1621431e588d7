package probe

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"streamfox/work/logger"
	"streamfox/work/metrics"
	"streamfox/work/utils"

	"github.com/grafana/regexp"
)

// ffmpeg stderr/stdout parsing. The decode probe reads the final progress
// line ("frame=  123 ...") for the decoded frame count, freezedetect log
// lines for buffering, and scene-select metadata lines for activity.
var (
	frameCountRe = regexp.MustCompile(`frame=\s*(\d+)`)
	freezeRe     = regexp.MustCompile(`freeze_start`)
	sceneRe      = regexp.MustCompile(`lavfi\.scene_score`)
)

// SampleFrames decodes the stream for the configured sample duration into a
// null sink with a freezedetect filter attached, then derives the observed
// frame rate from ffmpeg's progress output. Buffering is reported when
// freezedetect logged a freeze during the window. Returns ok=false when
// ffmpeg could not open or decode the stream at all.
func (p *StreamProber) SampleFrames(url string) (float64, bool, bool) {
	dur := p.cfg.FrameSampleDuration

	args := []string{
		"-hide_banner",
		"-v", "info",
		"-t", formatSeconds(dur),
		"-i", url,
		"-vf", "freezedetect=n=-60dB:d=1",
		"-an",
		"-f", "null", "-",
	}

	output, err := p.runFFmpeg(args, dur)
	if err != nil {
		metrics.ProbeErrors.WithLabelValues("frames").Inc()
		logger.Debug("[PROBE] frame check failed: %s: %v",
			utils.LogURL(p.cfg.ObfuscateUrls, url), err)
		return 0, true, false
	}

	matches := frameCountRe.FindAllSubmatch(output, -1)
	if len(matches) == 0 {
		metrics.ProbeErrors.WithLabelValues("frames").Inc()
		return 0, true, false
	}

	// ffmpeg emits a progress line per update; the last one carries the total.
	frames, err := strconv.Atoi(string(matches[len(matches)-1][1]))
	if err != nil || frames == 0 {
		metrics.ProbeErrors.WithLabelValues("frames").Inc()
		return 0, true, false
	}

	fps := float64(frames) / dur.Seconds()
	buffering := freezeRe.Match(output)

	return fps, buffering, true
}

// DetectActivity decodes the stream briefly with a scene-change select filter
// and reports whether any frame differed enough from its predecessor to pass
// the filter. A stream stuck on a still frame produces no scene metadata.
func (p *StreamProber) DetectActivity(url string) bool {
	dur := p.cfg.FrameSampleDuration

	args := []string{
		"-hide_banner",
		"-v", "info",
		"-t", formatSeconds(dur),
		"-i", url,
		"-vf", "select='gt(scene,0.003)',metadata=mode=print:file=-",
		"-an",
		"-f", "null", "-",
	}

	output, err := p.runFFmpeg(args, dur)
	if err != nil {
		metrics.ProbeErrors.WithLabelValues("activity").Inc()
		logger.Debug("[PROBE] activity check failed: %s: %v",
			utils.LogURL(p.cfg.ObfuscateUrls, url), err)
		return false
	}

	return sceneRe.Match(output)
}

// runFFmpeg executes ffmpeg with the given arguments under a timeout of the
// sample duration plus the probe timeout, returning combined output. The
// process runs in its own group so a hung decode can be killed wholesale.
func (p *StreamProber) runFFmpeg(args []string, sampleDur time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sampleDur+p.cfg.ProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	if ctx.Err() != nil && cmd.Process != nil {
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	// ffmpeg exits nonzero when -t cuts a live stream short; output is still
	// usable as long as it produced progress lines, so only fail when there
	// is no output to parse.
	if err != nil && buf.Len() == 0 {
		return nil, err
	}

	return buf.Bytes(), nil
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
