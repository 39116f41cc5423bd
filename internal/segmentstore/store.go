// Package segmentstore is the sole authority over which HLS segments exist,
// their order, their discontinuity attributes, and the bytes of any rendered
// playlist. It holds no network or process state; it only tracks what the
// transcoder runner has already written to disk.
package segmentstore

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/deflax/muxengine/internal/config"
)

// segmentFilenamePattern matches the deterministic naming contract the
// transcoder runner and the store both rely on: segment_<5-digit>.ts.
var segmentFilenamePattern = regexp.MustCompile(`segment_(\d+)\.ts$`)

// Segment is one HLS media segment, uniquely identified within its variant
// by a strictly increasing sequence number.
type Segment struct {
	Sequence              uint64
	Variant               int
	Filename              string
	Duration              float64
	DiscontinuityBefore   bool
	DiscontinuitySequence uint64
	CreatedAt             time.Time
}

// SourceInfo holds the per-source properties used to render the ABR master
// playlist's STREAM-INF line for the passthrough variant.
type SourceInfo struct {
	Width   int
	Height  int
	Bitrate int
}

// Stats is a read-only snapshot of store state for the observability surface.
type Stats struct {
	SegmentsPerVariant map[int]int `json:"segments_per_variant"`
	NextSequence       uint64      `json:"next_sequence"`
	DiscontinuityCount uint64      `json:"discontinuity_count"`
	BytesOnDisk        int64       `json:"bytes_on_disk"`
}

// Store is the sole authority over segment state. All public operations
// acquire a single exclusive lock: playlist renders happen on every player
// poll, frequent enough that a plain mutex with cheap critical sections
// beats an RWMutex's extra bookkeeping.
type Store struct {
	mu sync.Mutex

	outputDir string
	hls       config.HLSConfig
	mux       config.MuxConfig
	logger    *slog.Logger

	variants             map[int][]Segment
	nextSequence         uint64
	pendingDiscontinuity bool
	discontinuityCount   uint64
	sourceInfo           SourceInfo
}

// New creates an empty Store rooted at outputDir.
func New(outputDir string, hls config.HLSConfig, mux config.MuxConfig, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		outputDir: outputDir,
		hls:       hls,
		mux:       mux,
		logger:    logger,
		variants:  make(map[int][]Segment),
	}
}

// AddSegment records a newly-stabilized segment file, parsing its sequence
// number from filename (segment_<N>.ts), falling back to the internal
// counter if the name doesn't match the expected pattern.
func (s *Store) AddSegment(variant int, filename string, duration float64) Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.nextSequence
	if m := segmentFilenamePattern.FindStringSubmatch(filename); m != nil {
		if parsed, err := strconv.ParseUint(m[1], 10, 64); err == nil {
			seq = parsed
		}
	}
	if seq >= s.nextSequence {
		s.nextSequence = seq + 1
	}

	discBefore := false
	discSeq := s.discontinuityCount
	if existing, ok := s.existingAtSequence(seq); ok {
		// Another variant already produced this sequence; stay aligned.
		discBefore = existing.DiscontinuityBefore
		discSeq = existing.DiscontinuitySequence
	} else if s.pendingDiscontinuity {
		discBefore = true
		s.pendingDiscontinuity = false
	}

	segment := Segment{
		Sequence:              seq,
		Variant:               variant,
		Filename:              filename,
		Duration:              duration,
		DiscontinuityBefore:   discBefore,
		DiscontinuitySequence: discSeq,
		CreatedAt:             time.Now(),
	}

	s.variants[variant] = append(s.variants[variant], segment)
	s.evictExcess(variant)

	return segment
}

// existingAtSequence looks across all variants for a segment already
// recorded at the given sequence, so siblings inherit the same
// discontinuity flag. Caller holds s.mu.
func (s *Store) existingAtSequence(seq uint64) (Segment, bool) {
	for _, segs := range s.variants {
		for _, seg := range segs {
			if seg.Sequence == seq {
				return seg, true
			}
		}
	}
	return Segment{}, false
}

// evictExcess drops the oldest entries beyond the in-memory cap, unlinking
// their files. Caller holds s.mu.
func (s *Store) evictExcess(variant int) {
	maxInMemory := s.hls.MaxSegmentsInMemory()
	segs := s.variants[variant]
	if len(segs) <= maxInMemory {
		return
	}

	excess := len(segs) - maxInMemory
	for _, seg := range segs[:excess] {
		s.unlink(variant, seg.Filename)
	}
	s.variants[variant] = segs[excess:]
}

// unlink removes a segment's on-disk file. Errors are logged and swallowed
// for best-effort cleanup, except permission errors which log at warning
// level. Caller holds s.mu.
func (s *Store) unlink(variant int, filename string) {
	path := s.segmentPath(variant, filename)
	if err := os.Remove(path); err != nil {
		if os.IsPermission(err) {
			s.logger.Warn("failed to unlink evicted segment: permission denied", "path", path, "error", err)
		} else if !os.IsNotExist(err) {
			s.logger.Debug("failed to unlink evicted segment", "path", path, "error", err)
		}
	}
}

func (s *Store) segmentPath(variant int, filename string) string {
	if variant == 0 && s.mux.Mode != "abr" {
		return filepath.Join(s.outputDir, filename)
	}
	return filepath.Join(s.outputDir, fmt.Sprintf("stream_%d", variant), filename)
}

// MarkDiscontinuity arms a discontinuity marker: the very first segment
// added afterward, across any variant, carries #EXT-X-DISCONTINUITY.
func (s *Store) MarkDiscontinuity() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pendingDiscontinuity = true
	s.discontinuityCount++
}

// NextSequence returns the sequence number the next transcoder launch
// should use as its HLS start number.
func (s *Store) NextSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSequence
}

// SetSourceInfo updates the current source's detected properties.
func (s *Store) SetSourceInfo(width, height, bitrate int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sourceInfo = SourceInfo{Width: width, Height: height, Bitrate: bitrate}
}

// CleanupOldSegments removes entries older than the configured max age,
// unlinking their files, and returns the count removed.
func (s *Store) CleanupOldSegments() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	maxAge := s.mux.MaxSegmentAge(s.hls)
	now := time.Now()
	removed := 0

	for variant, segs := range s.variants {
		keep := segs[:0]
		for _, seg := range segs {
			if now.Sub(seg.CreatedAt) > maxAge {
				s.unlink(variant, seg.Filename)
				removed++
				continue
			}
			keep = append(keep, seg)
		}
		s.variants[variant] = keep
	}

	return removed
}

// GenerateVariantPlaylist renders the most recent hls.list_size segments of
// the given variant as an HLS media playlist.
func (s *Store) GenerateVariantPlaylist(variant int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	segs := s.variants[variant]
	windowStart := 0
	if len(segs) > s.hls.ListSize {
		windowStart = len(segs) - s.hls.ListSize
	}
	window := segs[windowStart:]

	if len(window) == 0 {
		return "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:1\n" +
			"#EXT-X-MEDIA-SEQUENCE:0\n#EXT-X-DISCONTINUITY-SEQUENCE:0\n"
	}

	target := 0.0
	for _, seg := range window {
		if seg.Duration > target {
			target = seg.Duration
		}
	}
	targetDuration := int(math.Ceil(target)) + 1

	first := window[0]
	discSeq := first.DiscontinuitySequence
	if first.DiscontinuityBefore && discSeq > 0 {
		discSeq--
	}

	out := "#EXTM3U\n#EXT-X-VERSION:3\n"
	out += fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", targetDuration)
	out += fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n", first.Sequence)
	out += fmt.Sprintf("#EXT-X-DISCONTINUITY-SEQUENCE:%d\n", discSeq)

	for _, seg := range window {
		if seg.DiscontinuityBefore {
			out += "#EXT-X-DISCONTINUITY\n"
		}
		out += fmt.Sprintf("#EXTINF:%.3f,\n%s\n", seg.Duration, seg.Filename)
	}

	return out
}

// GenerateMasterPlaylist renders the ABR-mode master playlist from live
// store state: variant 0 uses the current detected source info, transcoded
// variants use their configured bitrates and heights.
func (s *Store) GenerateMasterPlaylist() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := "#EXTM3U\n#EXT-X-VERSION:3\n"

	sourceBandwidth := s.sourceInfo.Bitrate
	if sourceBandwidth == 0 {
		sourceBandwidth = 8_000_000
	}
	sourceWidth := s.sourceInfo.Width
	sourceHeight := s.sourceInfo.Height
	if sourceHeight == 0 {
		sourceWidth, sourceHeight = 1920, 1080
	}
	out += fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d\n", sourceBandwidth, sourceWidth, sourceHeight)
	out += "stream_0/playlist.m3u8\n"

	for i, variant := range s.mux.ABRVariants {
		bandwidth := bitrateToBps(variant.VideoBitrate) + bitrateToBps(variant.AudioBitrate)
		width := evenWidth(sourceWidth, sourceHeight, variant.Height)
		out += fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d\n", bandwidth, width, variant.Height)
		out += fmt.Sprintf("stream_%d/playlist.m3u8\n", i+1)
	}

	return out
}

// Stats returns a read-only snapshot of store state.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	perVariant := make(map[int]int, len(s.variants))
	var bytesOnDisk int64
	for variant, segs := range s.variants {
		perVariant[variant] = len(segs)
		for _, seg := range segs {
			if info, err := os.Stat(s.segmentPath(variant, seg.Filename)); err == nil {
				bytesOnDisk += info.Size()
			}
		}
	}

	return Stats{
		SegmentsPerVariant: perVariant,
		NextSequence:       s.nextSequence,
		DiscontinuityCount: s.discontinuityCount,
		BytesOnDisk:        bytesOnDisk,
	}
}

// bitrateToBps converts a suffixed bitrate string ("5000k") to bits/sec.
func bitrateToBps(s string) int {
	if s == "" {
		return 0
	}
	mult := 1
	numPart := s
	switch {
	case len(s) > 1 && (s[len(s)-1] == 'k' || s[len(s)-1] == 'K'):
		mult = 1000
		numPart = s[:len(s)-1]
	case len(s) > 1 && (s[len(s)-1] == 'm' || s[len(s)-1] == 'M'):
		mult = 1_000_000
		numPart = s[:len(s)-1]
	}
	n, err := strconv.Atoi(numPart)
	if err != nil {
		return 0
	}
	return n * mult
}

// evenWidth computes a variant's pixel width preserving the source aspect
// ratio, rounded down to an even number (required by most H.264 profiles).
func evenWidth(sourceWidth, sourceHeight, targetHeight int) int {
	if sourceWidth == 0 || sourceHeight == 0 {
		return targetHeight * 16 / 9 / 2 * 2
	}
	w := targetHeight * sourceWidth / sourceHeight
	return w / 2 * 2
}
