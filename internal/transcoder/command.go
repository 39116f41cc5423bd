// Package transcoder builds the ffmpeg argument vectors for the engine's two
// output modes and runs the resulting child process, watching its output
// directory for stabilized segments.
package transcoder

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/deflax/muxengine/internal/config"
)

// BuildArgs returns the argument vector (excluding the binary name itself)
// for the configured mux mode, grounded on the original implementation's
// build_copy_cmd/build_abr_cmd.
func BuildArgs(hls config.HLSConfig, mux config.MuxConfig, icecast config.IcecastConfig, inputURL string, startNumber uint64) []string {
	var args []string
	if mux.Mode == "abr" {
		args = buildABRArgs(hls, mux, inputURL, startNumber)
	} else {
		args = buildCopyArgs(hls, inputURL, startNumber)
	}
	return appendIcecastOutput(args, icecast)
}

// buildCopyArgs builds the argument vector for passthrough single-output mode.
func buildCopyArgs(hls config.HLSConfig, inputURL string, startNumber uint64) []string {
	return []string{
		"-y",
		"-re",
		"-i", inputURL,
		"-c:v", "copy",
		"-c:a", "copy",
		"-f", "hls",
		"-hls_time", strconv.Itoa(hls.SegmentTime),
		"-hls_list_size", strconv.Itoa(hls.ListSize),
		"-hls_flags", "append_list+omit_endlist",
		"-hls_segment_type", "mpegts",
		"-start_number", strconv.FormatUint(startNumber, 10),
		"-hls_segment_filename", filepath.Join(hls.OutputDir, "segment_%05d.ts"),
		filepath.Join(hls.OutputDir, "stream.m3u8"),
	}
}

// buildABRArgs builds the argument vector for adaptive-bitrate mode: variant 0
// is the source passthrough, variants 1..N are produced by a split+scale
// filter graph and transcoded with libx264/aac.
func buildABRArgs(hls config.HLSConfig, mux config.MuxConfig, inputURL string, startNumber uint64) []string {
	numVariants := len(mux.ABRVariants)
	totalStreams := numVariants + 1

	splitOutputs := strings.Builder{}
	for i := 0; i < numVariants; i++ {
		fmt.Fprintf(&splitOutputs, "[v_%d_in]", i)
	}

	filterParts := make([]string, 0, numVariants+1)
	filterParts = append(filterParts, fmt.Sprintf("[0:v]split=%d%s", numVariants, splitOutputs.String()))
	for i, variant := range mux.ABRVariants {
		filterParts = append(filterParts, fmt.Sprintf(
			"[v_%d_in]scale=w=-2:h='min(%d,ih)':force_original_aspect_ratio=decrease[v_%d]",
			i, variant.Height, i,
		))
	}
	filterComplex := strings.Join(filterParts, "; ")

	args := []string{
		"-y",
		"-re",
		"-i", inputURL,
		"-filter_complex", filterComplex,
		"-map", "0:v",
		"-c:v:0", "copy",
		"-map", "0:a",
		"-c:a:0", "copy",
	}

	for i, variant := range mux.ABRVariants {
		idx := i + 1
		kbps := parseBitrateKbps(variant.VideoBitrate)
		maxrate := fmt.Sprintf("%dk", int(float64(kbps)*1.07))
		bufsize := fmt.Sprintf("%dk", int(float64(kbps)*1.5))

		args = append(args,
			"-map", fmt.Sprintf("[v_%d]", i),
			fmt.Sprintf("-c:v:%d", idx), "libx264",
			"-preset", mux.ABRPreset,
			fmt.Sprintf("-b:v:%d", idx), variant.VideoBitrate,
			fmt.Sprintf("-maxrate:v:%d", idx), maxrate,
			fmt.Sprintf("-bufsize:v:%d", idx), bufsize,
			fmt.Sprintf("-g:v:%d", idx), strconv.Itoa(mux.ABRGOPSize),
			fmt.Sprintf("-sc_threshold:v:%d", idx), "0",
			"-map", "0:a",
			fmt.Sprintf("-c:a:%d", idx), "aac",
			fmt.Sprintf("-b:a:%d", idx), variant.AudioBitrate,
			fmt.Sprintf("-ac:a:%d", idx), "2",
		)
	}

	varStreamMap := make([]string, totalStreams)
	for i := range varStreamMap {
		varStreamMap[i] = fmt.Sprintf("v:%d,a:%d", i, i)
	}

	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(hls.SegmentTime),
		"-hls_list_size", strconv.Itoa(hls.ListSize),
		"-hls_flags", "independent_segments+append_list+omit_endlist",
		"-hls_segment_type", "mpegts",
		"-start_number", strconv.FormatUint(startNumber, 10),
		"-hls_segment_filename", filepath.Join(hls.OutputDir, "stream_%v", "segment_%05d.ts"),
		"-master_pl_name", "stream.m3u8",
		"-var_stream_map", strings.Join(varStreamMap, " "),
		filepath.Join(hls.OutputDir, "stream_%v", "playlist.m3u8"),
	)

	return args
}

// appendIcecastOutput appends an additional audio-only output targeting an
// Icecast mount point, when enabled. This output shares the transcoder
// process's lifecycle entirely: it lives or dies with the HLS outputs.
func appendIcecastOutput(args []string, icecast config.IcecastConfig) []string {
	if !icecast.Enabled {
		return args
	}

	icecastURL := fmt.Sprintf("icecast://source:%s@%s:%d%s",
		icecast.SourcePassword, icecast.Host, icecast.Port, icecast.Mount)

	if icecast.AudioFormat == "aac" {
		return append(args,
			"-map", "0:a",
			"-c:a", "aac",
			"-b:a", icecast.AudioBitrate,
			"-f", "adts",
			"-content_type", "audio/aac",
			icecastURL,
		)
	}

	return append(args,
		"-map", "0:a",
		"-c:a", "libmp3lame",
		"-b:a", icecast.AudioBitrate,
		"-f", "mp3",
		"-content_type", "audio/mpeg",
		icecastURL,
	)
}

// parseBitrateKbps parses a human-readable bitrate string ("5000k", "2M") to
// integer kbps, matching the original implementation's parse_bitrate.
func parseBitrateKbps(s string) int {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case strings.HasSuffix(s, "m"):
		n, _ := strconv.ParseFloat(strings.TrimSuffix(s, "m"), 64)
		return int(n * 1000)
	case strings.HasSuffix(s, "k"):
		n, _ := strconv.ParseFloat(strings.TrimSuffix(s, "k"), 64)
		return int(n)
	default:
		n, _ := strconv.Atoi(s)
		return n
	}
}
