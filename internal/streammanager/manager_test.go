package streammanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deflax/muxengine/internal/config"
	"github.com/deflax/muxengine/internal/ffmpeg"
)

// fakeStore is a minimal in-memory stand-in for segmentstore.Store.
type fakeStore struct {
	mu                 sync.Mutex
	nextSeq            uint64
	discontinuityCount int
}

func (f *fakeStore) MarkDiscontinuity() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discontinuityCount++
}

func (f *fakeStore) NextSequence() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextSeq
}

func (f *fakeStore) SetSourceInfo(width, height, bitrate int) {}

func (f *fakeStore) advance(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSeq += n
}

// fakeRunner is a scriptable test double for the Runner interface.
type fakeRunner struct {
	mu          sync.Mutex
	running     bool
	hasSegment  bool
	startResult bool
	crashed     bool
}

func newFakeRunner(startResult, hasSegment bool) *fakeRunner {
	return &fakeRunner{startResult: startResult, hasSegment: hasSegment}
}

func (f *fakeRunner) Start(ctx context.Context, inputURL string, startNumber uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startResult {
		f.running = true
	}
	return f.startResult
}

func (f *fakeRunner) Stop(gracefulTimeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	return nil
}

func (f *fakeRunner) Wait() error { return nil }

func (f *fakeRunner) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeRunner) WaitForSegment(timeout time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasSegment
}

func (f *fakeRunner) simulateCrash() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.crashed = true
}

func testMuxConfig() config.MuxConfig {
	return config.MuxConfig{
		Mode:                "copy",
		TransitionTimeout:   2.0,
		RecoveryBackoffBase: 0.01,
		RecoveryBackoffCap:  0.02,
	}
}

func testHLSConfig() config.HLSConfig {
	return config.HLSConfig{SegmentTime: 0, ListSize: 20}
}

func TestStart_SucceedsAndTransitionsToRunning(t *testing.T) {
	store := &fakeStore{}
	runner := newFakeRunner(true, true)
	m := New(store, func() Runner { return runner }, nil, testMuxConfig(), testHLSConfig(), nil)

	ok := m.Start(context.Background(), "https://source.example/a.m3u8")

	assert.True(t, ok)
	assert.Equal(t, StateRunning, m.State())
	assert.Equal(t, "https://source.example/a.m3u8", m.CurrentURL())
}

func TestStart_FailsWhenNoSegmentProduced(t *testing.T) {
	store := &fakeStore{}
	runner := newFakeRunner(true, false)
	m := New(store, func() Runner { return runner }, nil, testMuxConfig(), testHLSConfig(), nil)

	ok := m.Start(context.Background(), "https://source.example/a.m3u8")

	assert.False(t, ok)
	assert.Equal(t, StateIdle, m.State())
}

func TestStart_FailsWhenTranscoderFailsToSpawn(t *testing.T) {
	store := &fakeStore{}
	runner := newFakeRunner(false, false)
	m := New(store, func() Runner { return runner }, nil, testMuxConfig(), testHLSConfig(), nil)

	ok := m.Start(context.Background(), "https://source.example/a.m3u8")

	assert.False(t, ok)
	assert.Equal(t, StateIdle, m.State())
}

func TestSwitch_FromIdleActsLikeStart(t *testing.T) {
	store := &fakeStore{}
	runner := newFakeRunner(true, true)
	m := New(store, func() Runner { return runner }, nil, testMuxConfig(), testHLSConfig(), nil)

	ok := m.Switch(context.Background(), "https://source.example/a.m3u8")

	assert.True(t, ok)
	assert.Equal(t, StateRunning, m.State())
}

func TestSwitch_SameURLIsNoOp(t *testing.T) {
	store := &fakeStore{}
	var current *fakeRunner
	m := New(store, func() Runner {
		current = newFakeRunner(true, true)
		return current
	}, nil, testMuxConfig(), testHLSConfig(), nil)

	require.True(t, m.Start(context.Background(), "https://source.example/a.m3u8"))
	before := store.discontinuityCount

	ok := m.Switch(context.Background(), "https://source.example/a.m3u8")

	assert.True(t, ok)
	assert.Equal(t, before, store.discontinuityCount)
}

func TestSwitch_CleanTransitionMarksDiscontinuityAndAdvancesSequence(t *testing.T) {
	store := &fakeStore{}
	var runners []*fakeRunner
	m := New(store, func() Runner {
		r := newFakeRunner(true, true)
		runners = append(runners, r)
		return r
	}, nil, testMuxConfig(), testHLSConfig(), nil)

	require.True(t, m.Start(context.Background(), "https://source.example/a.m3u8"))
	store.advance(3)

	ok := m.Switch(context.Background(), "https://source.example/b.m3u8")

	assert.True(t, ok)
	assert.Equal(t, 1, store.discontinuityCount)
	assert.Equal(t, "https://source.example/b.m3u8", m.CurrentURL())
	assert.Len(t, runners, 2)
	assert.False(t, runners[0].IsRunning(), "previous runner must be stopped before switching")
}

func TestSwitch_RejectedWhenNotRunning(t *testing.T) {
	store := &fakeStore{}
	runner := newFakeRunner(true, true)
	m := New(store, func() Runner { return runner }, nil, testMuxConfig(), testHLSConfig(), nil)
	m.state = StateStarting

	ok := m.Switch(context.Background(), "https://source.example/b.m3u8")

	assert.False(t, ok)
}

func TestStop_ReturnsToIdleAndClearsCurrentURL(t *testing.T) {
	store := &fakeStore{}
	runner := newFakeRunner(true, true)
	m := New(store, func() Runner { return runner }, nil, testMuxConfig(), testHLSConfig(), nil)

	require.True(t, m.Start(context.Background(), "https://source.example/a.m3u8"))
	m.Stop()

	assert.Equal(t, StateIdle, m.State())
	assert.Empty(t, m.CurrentURL())
}

func TestCheckAndRecover_RestartsAfterCrash(t *testing.T) {
	store := &fakeStore{}
	var runners []*fakeRunner
	m := New(store, func() Runner {
		r := newFakeRunner(true, true)
		runners = append(runners, r)
		return r
	}, nil, testMuxConfig(), testHLSConfig(), nil)

	require.True(t, m.Start(context.Background(), "https://source.example/a.m3u8"))
	runners[0].simulateCrash()

	m.checkAndRecover(context.Background())

	assert.Equal(t, StateRunning, m.State())
	assert.Len(t, runners, 2)
	assert.Equal(t, 1, store.discontinuityCount)
	assert.Equal(t, 0, m.RecoveryAttempts(), "successful recovery resets the attempt counter")
}

func TestCheckAndRecover_NoOpWhenNotRunning(t *testing.T) {
	store := &fakeStore{}
	m := New(store, func() Runner { return newFakeRunner(true, true) }, nil, testMuxConfig(), testHLSConfig(), nil)

	m.checkAndRecover(context.Background())

	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, 0, store.discontinuityCount)
}

func TestRecoveryBackoff_CapsAtConfiguredCeiling(t *testing.T) {
	mux := config.MuxConfig{RecoveryBackoffBase: 2.0, RecoveryBackoffCap: 60.0}

	assert.Equal(t, 2*time.Second, recoveryBackoff(mux, 1))
	assert.Equal(t, 4*time.Second, recoveryBackoff(mux, 2))
	assert.Equal(t, 8*time.Second, recoveryBackoff(mux, 3))
	assert.Equal(t, 60*time.Second, recoveryBackoff(mux, 10))
}

// fakeProber is a scriptable stand-in for the Prober interface.
type fakeProber struct {
	info *ffmpeg.StreamInfo
	err  error
}

func (f *fakeProber) QuickProbe(ctx context.Context, url string) (*ffmpeg.StreamInfo, error) {
	return f.info, f.err
}

func TestStart_ProbeFailureDoesNotBlockStart(t *testing.T) {
	store := &fakeStore{}
	runner := newFakeRunner(true, true)
	prober := &fakeProber{err: assert.AnError}
	m := New(store, func() Runner { return runner }, prober, testMuxConfig(), testHLSConfig(), nil)

	ok := m.Start(context.Background(), "https://source.example/a.m3u8")

	assert.True(t, ok)
}
