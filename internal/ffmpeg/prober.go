// Package ffmpeg wraps the external ffmpeg/ffprobe binaries: launching the
// transcoder process, watching its resource usage, and probing source URLs.
package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ProbeResult is the subset of ffprobe's JSON output this package decodes.
type ProbeResult struct {
	Format  ProbeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`
}

// ProbeFormat contains container format information.
type ProbeFormat struct {
	FormatName string `json:"format_name"`
	BitRate    string `json:"bit_rate"`
}

// ProbeStream contains per-stream information.
type ProbeStream struct {
	CodecType string `json:"codec_type"` // video, audio, subtitle, data
	CodecName string `json:"codec_name"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	BitRate   string `json:"bit_rate,omitempty"`
}

// StreamInfo is a simplified view of a probed source, enough to render an
// ABR master playlist's STREAM-INF line for the passthrough variant.
type StreamInfo struct {
	VideoCodec   string `json:"video_codec,omitempty"`
	VideoWidth   int    `json:"video_width,omitempty"`
	VideoHeight  int    `json:"video_height,omitempty"`
	VideoBitrate int    `json:"video_bitrate,omitempty"`
	AudioCodec   string `json:"audio_codec,omitempty"`
}

// Prober runs ffprobe against source URLs.
type Prober struct {
	ffprobePath string
}

// NewProber creates a new stream prober.
func NewProber(ffprobePath string) *Prober {
	return &Prober{ffprobePath: ffprobePath}
}

// QuickProbe does a fast, aggressively time-bounded probe of a live source.
// It never blocks more than a few seconds, so callers on the stream-manager
// transition path can fire it without delaying the switch itself.
func (p *Prober) QuickProbe(ctx context.Context, url string) (*StreamInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		"-read_intervals", "%+0.5",
		"-analyzeduration", "2000000",
		"-probesize", "2000000",
		"-timeout", "5000000",
	}
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		args = append(args, "-reconnect", "1")
	}
	args = append(args, url)

	cmd := exec.CommandContext(ctx, p.ffprobePath, args...)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("quick probe: %w", err)
	}

	var result ProbeResult
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, fmt.Errorf("parsing ffprobe output: %w", err)
	}

	return simplify(&result), nil
}

func simplify(result *ProbeResult) *StreamInfo {
	info := &StreamInfo{}
	for _, stream := range result.Streams {
		switch stream.CodecType {
		case "video":
			if info.VideoCodec == "" {
				info.VideoCodec = stream.CodecName
				info.VideoWidth = stream.Width
				info.VideoHeight = stream.Height
				if br, err := strconv.Atoi(stream.BitRate); err == nil {
					info.VideoBitrate = br
				}
			}
		case "audio":
			if info.AudioCodec == "" {
				info.AudioCodec = stream.CodecName
			}
		}
	}
	if info.VideoBitrate == 0 {
		if br, err := strconv.Atoi(result.Format.BitRate); err == nil {
			info.VideoBitrate = br
		}
	}
	return info
}
