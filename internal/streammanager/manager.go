// Package streammanager coordinates the transcoder runner and the segment
// store, owning the stream lifecycle state machine and the clean-transition
// protocol that keeps HLS segment boundaries intact across source switches.
package streammanager

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/deflax/muxengine/internal/config"
	"github.com/deflax/muxengine/internal/ffmpeg"
)

// State is one node of the stream manager's lifecycle state machine.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateSwitching
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateSwitching:
		return "switching"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// SegmentStore is the subset of internal/segmentstore.Store the manager
// depends on.
type SegmentStore interface {
	MarkDiscontinuity()
	NextSequence() uint64
	SetSourceInfo(width, height, bitrate int)
}

// Runner is the subset of internal/transcoder.Runner the manager depends on.
// Each call to RunnerFactory returns a fresh instance: the manager never
// reuses a Runner across a start/switch/recovery cycle, matching the
// original implementation creating a new FFmpegRunner every time.
type Runner interface {
	Start(ctx context.Context, inputURL string, startNumber uint64) bool
	Stop(gracefulTimeout time.Duration) error
	Wait() error
	IsRunning() bool
	WaitForSegment(timeout time.Duration) bool
}

// RunnerFactory builds a new Runner for one transcoder lifetime.
type RunnerFactory func() Runner

// Prober is the subset of internal/ffmpeg.Prober the manager depends on.
type Prober interface {
	QuickProbe(ctx context.Context, url string) (*ffmpeg.StreamInfo, error)
}

const (
	recoveryPollInterval = time.Second
	crashStopGraceful    = 5 * time.Second
)

// Manager owns the stream lifecycle: starting, switching, stopping, and
// recovering the transcoder runner, while keeping the segment store's
// discontinuity bookkeeping in sync with every transition.
type Manager struct {
	store     SegmentStore
	newRunner RunnerFactory
	prober    Prober
	mux       config.MuxConfig
	hls       config.HLSConfig
	logger    *slog.Logger

	mu               sync.Mutex
	state            State
	runner           Runner
	currentURL       string
	recoveryAttempts int

	stopCh   chan struct{}
	stopOnce sync.Once
	loopWG   sync.WaitGroup
}

// New creates a Manager. prober may be nil, in which case source-info
// detection is skipped.
func New(store SegmentStore, newRunner RunnerFactory, prober Prober, mux config.MuxConfig, hls config.HLSConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     store,
		newRunner: newRunner,
		prober:    prober,
		mux:       mux,
		hls:       hls,
		logger:    logger,
		state:     StateIdle,
		stopCh:    make(chan struct{}),
	}
}

// State returns the manager's current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StateString returns the current lifecycle state's name, for observability
// surfaces that want a plain string rather than the State type itself.
func (m *Manager) StateString() string {
	return m.State().String()
}

// CurrentURL returns the currently playing source URL, empty if idle.
func (m *Manager) CurrentURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentURL
}

// IsRunning reports whether the manager is actively streaming.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateRunning
}

// RecoveryAttempts returns the number of consecutive crash-recovery attempts
// since the last successful start or switch.
func (m *Manager) RecoveryAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recoveryAttempts
}

// Start begins streaming from url. Returns false if the manager is not in a
// state that permits starting, or if the transcoder fails to produce a first
// segment within the configured transition timeout.
func (m *Manager) Start(ctx context.Context, url string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked(ctx, url, "")
}

// startLocked performs the start protocol. Caller holds m.mu. correlationID
// is generated if empty.
func (m *Manager) startLocked(ctx context.Context, url, correlationID string) bool {
	if m.state != StateIdle && m.state != StateStopping {
		m.logger.Warn("cannot start in current state", "state", m.state.String())
		return false
	}
	if correlationID == "" {
		correlationID = ulid.Make().String()
	}
	log := m.logger.With("transition_id", correlationID, "url", url)

	m.state = StateStarting
	log.Info("starting stream")

	startSeq := m.store.NextSequence()
	runner := m.newRunner()

	if !runner.Start(ctx, url, startSeq) {
		log.Error("failed to start transcoder")
		m.state = StateIdle
		return false
	}
	m.runner = runner
	m.probeSourceInfo(ctx, url, log)

	log.Info("waiting for first segment")
	if !runner.WaitForSegment(m.transitionTimeout()) {
		log.Error("no segment produced within timeout")
		_ = runner.Stop(crashStopGraceful)
		m.state = StateIdle
		return false
	}

	m.currentURL = url
	m.state = StateRunning
	m.recoveryAttempts = 0
	log.Info("stream started successfully")
	return true
}

// Switch transitions to newURL with a clean segment boundary: it drains the
// in-flight segment, stops the current transcoder, marks a discontinuity,
// and launches a new transcoder continuing from the next sequence number.
func (m *Manager) Switch(ctx context.Context, newURL string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateIdle {
		return m.startLocked(ctx, newURL, "")
	}
	if m.state != StateRunning {
		m.logger.Warn("cannot switch in current state", "state", m.state.String())
		return false
	}
	if newURL == m.currentURL {
		m.logger.Debug("same URL, no switch needed")
		return true
	}

	correlationID := ulid.Make().String()
	log := m.logger.With("transition_id", correlationID, "url", newURL)

	m.state = StateSwitching
	log.Info("switching stream")

	if m.runner != nil && m.runner.IsRunning() {
		log.Debug("waiting for current segment to complete before stopping")
		completed := m.runner.WaitForSegment(time.Duration(m.hls.SegmentTime+2) * time.Second)
		if !completed {
			log.Warn("timed out waiting for segment to complete, stopping anyway")
		}
	}

	if m.runner != nil {
		log.Debug("stopping current transcoder")
		_ = m.runner.Stop(crashStopGraceful)
	}

	m.store.MarkDiscontinuity()
	nextSeq := m.store.NextSequence()
	log.Debug("next sequence number", "sequence", nextSeq)

	runner := m.newRunner()
	if !runner.Start(ctx, newURL, nextSeq) {
		log.Error("failed to start new transcoder")
		m.state = StateIdle
		return false
	}
	m.runner = runner
	m.probeSourceInfo(ctx, newURL, log)

	log.Info("waiting for new stream segment")
	if !runner.WaitForSegment(m.transitionTimeout()) {
		log.Error("new stream did not produce segment in time")
		_ = runner.Stop(crashStopGraceful)
		m.state = StateIdle
		return false
	}

	m.currentURL = newURL
	m.state = StateRunning
	m.recoveryAttempts = 0
	log.Info("stream switch completed successfully")
	return true
}

// Stop tears down the transcoder and returns the manager to idle.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Manager) stopLocked() {
	if m.state == StateIdle {
		return
	}
	m.state = StateStopping
	m.logger.Info("stopping stream")

	if m.runner != nil {
		_ = m.runner.Stop(crashStopGraceful)
		m.runner = nil
	}
	m.currentURL = ""
	m.state = StateIdle
	m.logger.Info("stream stopped")
}

// probeSourceInfo best-effort probes the source and records it in the
// segment store; failures are logged and otherwise ignored since they must
// never delay a transition.
func (m *Manager) probeSourceInfo(ctx context.Context, url string, log *slog.Logger) {
	if m.prober == nil {
		return
	}
	go func() {
		info, err := m.prober.QuickProbe(ctx, url)
		if err != nil {
			log.Debug("source probe failed", "error", err)
			return
		}
		m.store.SetSourceInfo(info.VideoWidth, info.VideoHeight, info.VideoBitrate)
	}()
}

func (m *Manager) transitionTimeout() time.Duration {
	return time.Duration(m.mux.TransitionTimeout * float64(time.Second))
}

// RunLoop monitors the transcoder for unexpected exits and drives automatic
// crash recovery with exponential backoff. It blocks until Close is called
// or ctx is canceled; run it as a background goroutine.
func (m *Manager) RunLoop(ctx context.Context) {
	m.loopWG.Add(1)
	defer m.loopWG.Done()

	ticker := time.NewTicker(recoveryPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAndRecover(ctx)
		}
	}
}

// Close stops the recovery loop. It does not stop an active stream; call
// Stop for that.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.loopWG.Wait()
}

// checkAndRecover restarts the transcoder if it has exited while the
// manager believes it should still be running.
func (m *Manager) checkAndRecover(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.runner == nil || m.state != StateRunning {
		return
	}
	if m.runner.IsRunning() {
		return
	}

	m.logger.Warn("transcoder exited unexpectedly")

	if m.currentURL == "" {
		m.state = StateIdle
		return
	}

	m.recoveryAttempts++
	backoff := recoveryBackoff(m.mux, m.recoveryAttempts)
	m.logger.Info("attempting crash recovery",
		"attempt", m.recoveryAttempts, "backoff_seconds", backoff.Seconds())

	// Held lock across the backoff sleep matches the original
	// implementation's single recovery path at a time; transitions are rare
	// enough that serializing on the manager lock here is not a bottleneck.
	time.Sleep(backoff)

	m.store.MarkDiscontinuity()
	nextSeq := m.store.NextSequence()

	correlationID := ulid.Make().String()
	log := m.logger.With("transition_id", correlationID, "url", m.currentURL)

	runner := m.newRunner()
	if !runner.Start(ctx, m.currentURL, nextSeq) {
		log.Error("crash recovery: failed to start transcoder")
		return
	}
	m.runner = runner
	m.probeSourceInfo(ctx, m.currentURL, log)

	if runner.WaitForSegment(m.transitionTimeout()) {
		log.Info("crash recovery successful")
		m.recoveryAttempts = 0
		return
	}

	log.Error("crash recovery: no segment produced")
	_ = runner.Stop(crashStopGraceful)
}

// recoveryBackoff computes the exponential backoff for the nth recovery
// attempt, capped at the configured ceiling.
func recoveryBackoff(mux config.MuxConfig, attempt int) time.Duration {
	backoff := mux.RecoveryBackoffBase * math.Pow(2, float64(attempt-1))
	if backoff > mux.RecoveryBackoffCap {
		backoff = mux.RecoveryBackoffCap
	}
	return time.Duration(backoff * float64(time.Second))
}
