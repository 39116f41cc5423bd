package ffmpeg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommand_String(t *testing.T) {
	cmd := NewCommand("ffmpeg", []string{"-i", "input.ts", "-c", "copy", "out.ts"})
	assert.Equal(t, "ffmpeg -i input.ts -c copy out.ts", cmd.String())
}

func TestCommand_IsRunning_BeforeStart(t *testing.T) {
	cmd := NewCommand("ffmpeg", nil)
	assert.False(t, cmd.IsRunning())
}

func TestCommand_Duration_BeforeStart(t *testing.T) {
	cmd := NewCommand("ffmpeg", nil)
	assert.Equal(t, time.Duration(0), cmd.Duration())
}

func TestCommand_StartWaitStop(t *testing.T) {
	cmd := NewCommand("sleep", []string{"5"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, cmd.Start(ctx))
	assert.True(t, cmd.IsRunning())

	require.NoError(t, cmd.Stop(time.Second))

	waitErr := cmd.Wait()
	assert.Error(t, waitErr) // killed/terminated, non-zero exit
}

func TestSimplify_VideoAndAudio(t *testing.T) {
	result := &ProbeResult{
		Format: ProbeFormat{BitRate: "5000000"},
		Streams: []ProbeStream{
			{CodecType: "video", CodecName: "h264", Width: 1920, Height: 1080, BitRate: "4800000"},
			{CodecType: "audio", CodecName: "aac"},
		},
	}

	info := simplify(result)

	assert.Equal(t, "h264", info.VideoCodec)
	assert.Equal(t, 1920, info.VideoWidth)
	assert.Equal(t, 1080, info.VideoHeight)
	assert.Equal(t, 4800000, info.VideoBitrate)
	assert.Equal(t, "aac", info.AudioCodec)
}

func TestSimplify_FallsBackToFormatBitrate(t *testing.T) {
	result := &ProbeResult{
		Format:  ProbeFormat{BitRate: "3000000"},
		Streams: []ProbeStream{{CodecType: "video", CodecName: "h264"}},
	}

	info := simplify(result)

	assert.Equal(t, 3000000, info.VideoBitrate)
}

func TestProcessMonitor_StartStop(t *testing.T) {
	pm := NewProcessMonitor(1) // PID 1 always exists
	pm.Start()
	time.Sleep(50 * time.Millisecond)
	pm.Stop()

	stats := pm.Stats()
	assert.Equal(t, 1, stats.PID)
}
