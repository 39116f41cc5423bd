package transcoder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/deflax/muxengine/internal/config"
	"github.com/deflax/muxengine/internal/ffmpeg"
)

// segmentFilenamePattern mirrors segmentstore's naming contract.
var segmentFilenamePattern = regexp.MustCompile(`segment_(\d+)\.ts$`)

// OnSegment is invoked whenever the runner's watcher observes a newly
// stabilized segment file. It runs on the watcher's own goroutine; callers
// that need ordering guarantees must synchronize internally (the segment
// store does, via its own mutex).
type OnSegment func(variant int, filename string, duration float64)

// Runner wraps one ffmpeg child process producing HLS output, watching its
// output directory for new segments and pushing them to a caller-supplied
// callback.
type Runner struct {
	binary       string
	hls          config.HLSConfig
	mux          config.MuxConfig
	icecast      config.IcecastConfig
	stabilityDue time.Duration
	logger       *slog.Logger
	onSegment    OnSegment

	mu            sync.Mutex
	cmd           *ffmpeg.Command
	watchCancel   context.CancelFunc
	watchWG       sync.WaitGroup
	knownSegments map[string]struct{}
	segmentsSeen  int
}

// New creates a Runner for the given binary and configuration. onSegment is
// invoked from the watcher goroutine each time a new segment stabilizes.
func New(binary string, hls config.HLSConfig, mux config.MuxConfig, icecast config.IcecastConfig, stabilityDelay time.Duration, logger *slog.Logger, onSegment OnSegment) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		binary:       binary,
		hls:          hls,
		mux:          mux,
		icecast:      icecast,
		stabilityDue: stabilityDelay,
		logger:       logger,
		onSegment:    onSegment,
	}
}

// Start launches the transcoder against inputURL, beginning segment output at
// startNumber. It scans the output directories once first so only segments
// written after this call trigger the callback, then starts the segment
// watcher and stderr drain in the background. Returns false on spawn failure.
func (r *Runner) Start(ctx context.Context, inputURL string, startNumber uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ensureOutputDirs()
	r.knownSegments = r.scanExistingSegments()
	r.segmentsSeen = 0

	args := BuildArgs(r.hls, r.mux, r.icecast, inputURL, startNumber)
	cmd := ffmpeg.NewCommand(r.binary, args)

	r.logger.Info("starting transcoder",
		"mode", r.mux.Mode, "start_number", startNumber, "url", inputURL)

	if err := cmd.Start(ctx); err != nil {
		r.logger.Error("failed to start transcoder", "error", err)
		return false
	}

	r.cmd = cmd

	watchCtx, cancel := context.WithCancel(context.Background())
	r.watchCancel = cancel
	r.watchWG.Add(1)
	go r.watchSegments(watchCtx)

	return true
}

// ensureOutputDirs creates the output directory and, in ABR mode, each
// variant's subdirectory, so the watcher has somewhere to look immediately.
func (r *Runner) ensureOutputDirs() {
	_ = os.MkdirAll(r.hls.OutputDir, 0o755)
	if r.mux.Mode == "abr" {
		for i := 0; i < r.mux.NumVariants(); i++ {
			_ = os.MkdirAll(filepath.Join(r.hls.OutputDir, fmt.Sprintf("stream_%d", i)), 0o755)
		}
	}
}

// Stop cancels the watcher, terminates the transcoder (killing it if it does
// not exit within gracefulTimeout), and waits for the watcher to unwind.
func (r *Runner) Stop(gracefulTimeout time.Duration) error {
	r.mu.Lock()
	cmd := r.cmd
	cancel := r.watchCancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.watchWG.Wait()

	if cmd == nil {
		return nil
	}
	err := cmd.Stop(gracefulTimeout)

	r.mu.Lock()
	r.cmd = nil
	r.mu.Unlock()

	return err
}

// Wait blocks until the underlying process exits and returns its error.
func (r *Runner) Wait() error {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()
	if cmd == nil {
		return fmt.Errorf("transcoder not started")
	}
	return cmd.Wait()
}

// IsRunning reports whether the transcoder process is still alive.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cmd != nil && r.cmd.IsRunning()
}

// WaitForSegment polls every 500ms for up to timeout, returning true as soon
// as any new segment has been observed since Start. Returns false early if
// the transcoder stops running before a segment appears.
func (r *Runner) WaitForSegment(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.segmentCount() > 0 {
			return true
		}
		if !r.IsRunning() {
			return false
		}
		time.Sleep(500 * time.Millisecond)
	}
	return false
}

func (r *Runner) segmentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.segmentsSeen
}

// Stats returns the underlying process's resource-usage snapshot, or nil if
// no transcoder is currently running.
func (r *Runner) Stats() *ffmpeg.ProcessStats {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()
	if cmd == nil {
		return nil
	}
	return cmd.Stats()
}

// StderrLines returns recently captured stderr output, for diagnostics.
func (r *Runner) StderrLines() []string {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()
	if cmd == nil {
		return nil
	}
	return cmd.GetStderrLines()
}

// scanExistingSegments records segment paths already on disk before launch,
// so only genuinely new files trigger the callback. Caller holds r.mu.
func (r *Runner) scanExistingSegments() map[string]struct{} {
	known := make(map[string]struct{})
	for variant := 0; variant < r.mux.NumVariants(); variant++ {
		dir := r.variantDir(variant)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if segmentFilenamePattern.MatchString(entry.Name()) {
				known[filepath.Join(dir, entry.Name())] = struct{}{}
			}
		}
	}
	return known
}

// variantDir returns the directory a variant's segments are written into:
// the output root itself in copy mode, stream_<i>/ in ABR mode.
func (r *Runner) variantDir(variant int) string {
	if r.mux.Mode != "abr" {
		return r.hls.OutputDir
	}
	return filepath.Join(r.hls.OutputDir, fmt.Sprintf("stream_%d", variant))
}

// watchSegments polls every 500ms for new, size-stable segment files and
// invokes onSegment for each. A file is reported once its size has stopped
// changing across a short delay or, when waitForStableFile's attempt budget
// runs out first, as soon as it exists with a non-zero size.
func (r *Runner) watchSegments(ctx context.Context) {
	defer r.watchWG.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce()
		}
	}
}

func (r *Runner) scanOnce() {
	numVariants := r.mux.NumVariants()
	for variant := 0; variant < numVariants; variant++ {
		dir := r.variantDir(variant)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			name := entry.Name()
			if !segmentFilenamePattern.MatchString(name) {
				continue
			}
			path := filepath.Join(dir, name)

			r.mu.Lock()
			_, seen := r.knownSegments[path]
			if !seen {
				r.knownSegments[path] = struct{}{}
			}
			r.mu.Unlock()
			if seen {
				continue
			}

			if !r.waitForStableFile(path) {
				continue
			}

			r.mu.Lock()
			r.segmentsSeen++
			r.mu.Unlock()

			if r.onSegment != nil {
				r.onSegment(variant, name, float64(r.hls.SegmentTime))
			}
		}
	}
}

// maxStabilityAttempts bounds how many size-check rounds waitForStableFile
// performs before giving up on a still-growing file and proceeding anyway.
const maxStabilityAttempts = 10

// waitForStableFile polls a file's size, stabilityDue apart, up to
// maxStabilityAttempts times, reporting stable as soon as two consecutive
// checks see an equal, non-zero size. This is the anti-truncation guard: a
// segment is never handed to the callback before ffmpeg has finished writing
// it. If the file never stabilizes within the attempt budget, it proceeds
// anyway as long as the file exists with non-zero size (a slow but valid
// write should not be dropped forever); only a genuinely missing or
// empty file logs a warning and is rejected.
func (r *Runner) waitForStableFile(path string) bool {
	var size1 int64
	for attempt := 0; attempt < maxStabilityAttempts; attempt++ {
		info1, err := os.Stat(path)
		if err != nil {
			return false
		}
		size1 = info1.Size()

		time.Sleep(r.stabilityDue)

		info2, err := os.Stat(path)
		if err != nil {
			return false
		}
		size2 := info2.Size()

		if size1 == size2 && size1 > 0 {
			return true
		}

		if attempt > 0 && attempt%5 == 0 {
			r.logger.Debug("waiting for file stability", "file", filepath.Base(path), "size", size2, "attempt", attempt)
		}
	}

	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		r.logger.Warn("file never stabilized", "file", filepath.Base(path))
		return false
	}

	r.logger.Debug("file not fully stable but proceeding", "file", filepath.Base(path), "size", info.Size())
	return true
}
