package segmentstore

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deflax/muxengine/internal/config"
)

func testHLS() config.HLSConfig {
	return config.HLSConfig{OutputDir: "/tmp/hls", SegmentTime: 4, ListSize: 20}
}

func testMux(mode string) config.MuxConfig {
	return config.MuxConfig{Mode: mode, ABRVariants: config.DefaultABRVariants()}
}

func newTestStore(t *testing.T, hls config.HLSConfig, mux config.MuxConfig) *Store {
	t.Helper()
	dir := t.TempDir()
	return New(dir, hls, mux, nil)
}

func TestAddSegment_MonotonicSequence(t *testing.T) {
	s := newTestStore(t, testHLS(), testMux("copy"))

	s.AddSegment(0, "segment_00000.ts", 4.0)
	s.AddSegment(0, "segment_00001.ts", 4.0)
	seg := s.AddSegment(0, "segment_00002.ts", 4.0)

	assert.Equal(t, uint64(2), seg.Sequence)
	assert.Equal(t, uint64(3), s.NextSequence())
}

func TestAddSegment_FallsBackToCounterOnUnparseableName(t *testing.T) {
	s := newTestStore(t, testHLS(), testMux("copy"))

	seg := s.AddSegment(0, "not-a-segment.ts", 4.0)
	assert.Equal(t, uint64(0), seg.Sequence)
	assert.Equal(t, uint64(1), s.NextSequence())
}

func TestMarkDiscontinuity_AppliesToNextSegmentOnly(t *testing.T) {
	s := newTestStore(t, testHLS(), testMux("copy"))

	first := s.AddSegment(0, "segment_00000.ts", 4.0)
	assert.False(t, first.DiscontinuityBefore)

	s.MarkDiscontinuity()

	second := s.AddSegment(0, "segment_00001.ts", 4.0)
	assert.True(t, second.DiscontinuityBefore)
	assert.Equal(t, uint64(1), second.DiscontinuitySequence)

	third := s.AddSegment(0, "segment_00002.ts", 4.0)
	assert.False(t, third.DiscontinuityBefore)
}

func TestMarkDiscontinuity_SiblingVariantInheritsFlag(t *testing.T) {
	s := newTestStore(t, testHLS(), testMux("abr"))

	s.MarkDiscontinuity()
	v0 := s.AddSegment(0, "segment_00000.ts", 4.0)
	v1 := s.AddSegment(1, "segment_00000.ts", 4.0)

	assert.True(t, v0.DiscontinuityBefore)
	assert.True(t, v1.DiscontinuityBefore)
	assert.Equal(t, v0.DiscontinuitySequence, v1.DiscontinuitySequence)
}

func TestGenerateVariantPlaylist_Deterministic(t *testing.T) {
	s := newTestStore(t, testHLS(), testMux("copy"))
	s.AddSegment(0, "segment_00000.ts", 4.0)
	s.AddSegment(0, "segment_00001.ts", 4.0)

	first := s.GenerateVariantPlaylist(0)
	second := s.GenerateVariantPlaylist(0)
	assert.Equal(t, first, second)
}

func TestGenerateVariantPlaylist_ColdStartSingleSource(t *testing.T) {
	s := newTestStore(t, testHLS(), testMux("copy"))
	s.AddSegment(0, "segment_00000.ts", 4.0)
	s.AddSegment(0, "segment_00001.ts", 4.0)
	s.AddSegment(0, "segment_00002.ts", 4.0)

	playlist := s.GenerateVariantPlaylist(0)

	assert.Contains(t, playlist, "#EXT-X-MEDIA-SEQUENCE:0")
	assert.Contains(t, playlist, "#EXT-X-TARGETDURATION:5")
	assert.Contains(t, playlist, "#EXT-X-DISCONTINUITY-SEQUENCE:0")
	assert.NotContains(t, playlist, "#EXT-X-DISCONTINUITY\n")

	count := 0
	for i := 0; i+len("#EXTINF:4.000,") <= len(playlist); i++ {
		if playlist[i:i+len("#EXTINF:4.000,")] == "#EXTINF:4.000," {
			count++
		}
	}
	assert.Equal(t, 3, count)
}

func TestGenerateVariantPlaylist_DiscontinuitySequenceAdjustedDown(t *testing.T) {
	hls := config.HLSConfig{OutputDir: "/tmp/hls", SegmentTime: 4, ListSize: 2}
	s := newTestStore(t, hls, testMux("copy"))

	s.AddSegment(0, "segment_00000.ts", 4.0)
	s.MarkDiscontinuity()
	s.AddSegment(0, "segment_00001.ts", 4.0)
	s.AddSegment(0, "segment_00002.ts", 4.0) // evicts seq 0 from the window

	playlist := s.GenerateVariantPlaylist(0)
	assert.Contains(t, playlist, "#EXT-X-DISCONTINUITY-SEQUENCE:0")
	assert.Contains(t, playlist, "#EXT-X-MEDIA-SEQUENCE:1")
}

func TestGenerateVariantPlaylist_Empty(t *testing.T) {
	s := newTestStore(t, testHLS(), testMux("copy"))
	playlist := s.GenerateVariantPlaylist(0)
	assert.Contains(t, playlist, "#EXT-X-MEDIA-SEQUENCE:0")
}

func TestEviction_BoundsInMemoryListAndUnlinksFiles(t *testing.T) {
	hls := config.HLSConfig{OutputDir: "/tmp/hls", SegmentTime: 4, ListSize: 3} // max in memory = 9
	dir := t.TempDir()
	s := New(dir, hls, testMux("copy"), nil)

	const total = 15
	for i := 0; i < total; i++ {
		name := segmentFilename(i)
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
		s.AddSegment(0, name, 4.0)
	}

	stats := s.Stats()
	assert.Equal(t, hls.MaxSegmentsInMemory(), stats.SegmentsPerVariant[0])
	assert.Equal(t, uint64(total), stats.NextSequence)

	for i := 0; i < total-hls.MaxSegmentsInMemory(); i++ {
		_, err := os.Stat(filepath.Join(dir, segmentFilename(i)))
		assert.True(t, os.IsNotExist(err))
	}
}

func TestCleanupOldSegments_RemovesAgedEntries(t *testing.T) {
	hls := config.HLSConfig{OutputDir: "/tmp/hls", SegmentTime: 4, ListSize: 3} // max age = 36s
	dir := t.TempDir()
	s := New(dir, hls, testMux("copy"), nil)

	for i := 0; i < 6; i++ {
		name := segmentFilename(i)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("data"), 0o644))
		s.variants[0] = append(s.variants[0], Segment{
			Sequence:  uint64(i),
			Filename:  name,
			CreatedAt: time.Now().Add(-time.Minute),
		})
	}
	s.nextSequence = 6

	removed := s.CleanupOldSegments()
	assert.Equal(t, 6, removed)
	assert.Empty(t, s.variants[0])
}

func TestGenerateMasterPlaylist_ListsAllVariants(t *testing.T) {
	s := newTestStore(t, testHLS(), testMux("abr"))
	s.SetSourceInfo(1920, 1080, 8_000_000)

	playlist := s.GenerateMasterPlaylist()

	assert.Contains(t, playlist, "stream_0/playlist.m3u8")
	assert.Contains(t, playlist, "stream_1/playlist.m3u8")
	assert.Contains(t, playlist, "stream_2/playlist.m3u8")
	assert.Contains(t, playlist, "stream_3/playlist.m3u8")
	assert.Contains(t, playlist, "RESOLUTION=1920x1080")
}

func TestBitrateToBps(t *testing.T) {
	cases := map[string]int{
		"5000k": 5_000_000,
		"192k":  192_000,
		"2m":    2_000_000,
		"":      0,
		"bogus": 0,
	}
	for input, want := range cases {
		assert.Equal(t, want, bitrateToBps(input), "input=%s", input)
	}
}

func segmentFilename(i int) string {
	return fmt.Sprintf("segment_%05d.ts", i)
}
