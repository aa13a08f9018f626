// Package media runs ffprobe and ffmpeg as external processes with a bounded pool and per-call timeouts.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const stderrTail = 2048

var (
	// ErrProbe is returned when ffprobe fails or prints something that is not a duration.
	ErrProbe = errors.New("probe failed")
	// ErrExtract is returned when ffmpeg fails or leaves no output file.
	ErrExtract = errors.New("extract failed")
	// ErrTimeout is wrapped into either error when the process outlived its deadline.
	ErrTimeout = errors.New("process timed out")
)

// Observer receives the wall time of every finished process. Optional.
type Observer interface {
	ObserveProcess(tool string, elapsed time.Duration, err error)
}

// Config configures the process runner.
type Config struct {
	FFmpegPath       string
	FFprobePath      string
	ProbeTimeout     time.Duration
	ExtractTimeout   time.Duration
	MaxProcesses     int  // concurrent ffmpeg/ffprobe processes across all requests
	StreamCopy       bool // cut with -c copy instead of re-encoding
	ReencodeFallback bool // retry a failed stream copy with libx264/aac
}

// FFmpeg probes durations and extracts time ranges. Safe for concurrent use.
type FFmpeg struct {
	cfg      Config
	pool     *semaphore.Weighted
	observer Observer
	log      *zap.Logger
}

// New creates a runner. Zero timeouts and pool size fall back to sane defaults.
func New(cfg Config, observer Observer, log *zap.Logger) *FFmpeg {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 30 * time.Second
	}
	if cfg.ExtractTimeout <= 0 {
		cfg.ExtractTimeout = 5 * time.Minute
	}
	if cfg.MaxProcesses < 1 {
		cfg.MaxProcesses = 1
	}
	return &FFmpeg{
		cfg:      cfg,
		pool:     semaphore.NewWeighted(int64(cfg.MaxProcesses)),
		observer: observer,
		log:      log,
	}
}

// Probe returns the container duration of the file at path in seconds.
func (f *FFmpeg) Probe(ctx context.Context, path string) (float64, error) {
	out, err := f.run(ctx, "ffprobe", f.cfg.ProbeTimeout, f.cfg.FFprobePath, probeArgs(path)...)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrProbe, err)
	}
	d, err := parseDuration(out)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrProbe, err)
	}
	return d, nil
}

// Extract cuts [start, start+duration) of src into out. Stream copy is tried first when enabled;
// on failure the cut is re-encoded if the fallback is enabled.
func (f *FFmpeg) Extract(ctx context.Context, src string, start, duration float64, out string) error {
	if start < 0 || duration <= 0 {
		return fmt.Errorf("%w: invalid range start=%v duration=%v", ErrExtract, start, duration)
	}
	copyMode := f.cfg.StreamCopy
	_, err := f.run(ctx, "ffmpeg", f.cfg.ExtractTimeout, f.cfg.FFmpegPath, extractArgs(src, start, duration, out, copyMode)...)
	if err == nil {
		err = checkOutput(out)
	}
	if err != nil && copyMode && f.cfg.ReencodeFallback && ctx.Err() == nil && !errors.Is(err, ErrTimeout) {
		f.log.Warn("stream copy failed, re-encoding", zap.String("src", src), zap.Float64("start", start), zap.Error(err))
		_ = os.Remove(out)
		_, err = f.run(ctx, "ffmpeg", f.cfg.ExtractTimeout, f.cfg.FFmpegPath, extractArgs(src, start, duration, out, false)...)
		if err == nil {
			err = checkOutput(out)
		}
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExtract, err)
	}
	return nil
}

// run executes one process inside the pool under its own timeout and returns stdout.
func (f *FFmpeg) run(ctx context.Context, tool string, timeout time.Duration, bin string, args ...string) (string, error) {
	if err := f.pool.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer f.pool.Release(1)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	started := time.Now()
	err := cmd.Run()
	elapsed := time.Since(started)
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("%w after %s", ErrTimeout, timeout)
	} else if err != nil {
		err = fmt.Errorf("%s: %w: %s", tool, err, tail(stderr.String()))
	}
	if f.observer != nil {
		f.observer.ObserveProcess(tool, elapsed, err)
	}
	if err != nil {
		f.log.Debug("process failed", zap.String("tool", tool), zap.Duration("elapsed", elapsed), zap.Error(err))
		return "", err
	}
	return stdout.String(), nil
}

func probeArgs(path string) []string {
	return []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}
}

// extractArgs seeks on the input (-ss before -i) so the cut starts at the nearest keyframe in copy mode.
func extractArgs(src string, start, duration float64, out string, streamCopy bool) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-ss", formatSeconds(start),
		"-i", src,
		"-t", formatSeconds(duration),
	}
	if streamCopy {
		args = append(args, "-c", "copy", "-avoid_negative_ts", "make_zero")
	} else {
		args = append(args, "-c:v", "libx264", "-preset", "veryfast", "-crf", "22", "-c:a", "aac", "-b:a", "128k")
	}
	return append(args, "-movflags", "+faststart", out)
}

func parseDuration(out string) (float64, error) {
	s := strings.TrimSpace(out)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	if s == "" || s == "N/A" {
		return 0, fmt.Errorf("no duration in output %q", out)
	}
	d, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %v", d)
	}
	return d, nil
}

func checkOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("no output: %w", err)
	}
	if info.Size() == 0 {
		return errors.New("empty output")
	}
	return nil
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		return s[len(s)-stderrTail:]
	}
	return s
}
