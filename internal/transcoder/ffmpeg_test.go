package transcoder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const probeWithAudio = `{
  "streams": [
    {"codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080, "avg_frame_rate": "30000/1001"},
    {"codec_type": "audio", "codec_name": "aac"}
  ],
  "format": {"filename": "source.mp4", "format_name": "mov,mp4", "duration": "90.023000", "size": "10485760", "bit_rate": "931000"}
}`

const probeVideoOnly = `{
  "streams": [
    {"codec_type": "video", "codec_name": "vp9", "width": 1280, "height": 720, "avg_frame_rate": "25/1"}
  ],
  "format": {"duration": "12.5"}
}`

const probeAudioOnly = `{
  "streams": [{"codec_type": "audio", "codec_name": "mp3"}],
  "format": {"duration": "180"}
}`

func TestParseProbeOutput(t *testing.T) {
	info, err := parseProbeOutput([]byte(probeWithAudio))
	require.NoError(t, err)
	assert.True(t, info.HasAudio)
	assert.Equal(t, "aac", info.AudioCodec)
	assert.Equal(t, 1920, info.Width)
	assert.Equal(t, 1080, info.Height)
	assert.InDelta(t, 90.023, info.Duration, 0.0001)
	assert.InDelta(t, 29.97, info.FrameRate, 0.01)
	assert.Equal(t, int64(10485760), info.Size)

	info, err = parseProbeOutput([]byte(probeVideoOnly))
	require.NoError(t, err)
	assert.False(t, info.HasAudio)
	assert.Empty(t, info.AudioCodec)
	assert.Equal(t, "vp9", info.VideoCodec)
}

const probeRotatedSideData = `{
  "streams": [
    {"codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080, "avg_frame_rate": "30/1",
     "side_data_list": [{"side_data_type": "Display Matrix", "displaymatrix": "...", "rotation": -90}]}
  ],
  "format": {"duration": "15.0"}
}`

const probeRotatedTag = `{
  "streams": [
    {"codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080, "avg_frame_rate": "30/1",
     "tags": {"rotate": "270", "language": "und"}}
  ],
  "format": {"duration": "15.0"}
}`

const probeUpsideDown = `{
  "streams": [
    {"codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080, "avg_frame_rate": "30/1",
     "side_data_list": [{"side_data_type": "Display Matrix", "rotation": 180}]}
  ],
  "format": {"duration": "15.0"}
}`

func TestParseProbeOutputRotation(t *testing.T) {
	tests := []struct {
		name         string
		probe        string
		wantW, wantH int
	}{
		{"display matrix -90", probeRotatedSideData, 1080, 1920},
		{"rotate tag 270", probeRotatedTag, 1080, 1920},
		{"rotation 180 keeps dimensions", probeUpsideDown, 1920, 1080},
		{"no rotation", probeVideoOnly, 1280, 720},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := parseProbeOutput([]byte(tt.probe))
			require.NoError(t, err)
			assert.Equal(t, tt.wantW, info.Width, "width")
			assert.Equal(t, tt.wantH, info.Height, "height")
		})
	}
}

func TestRotatedSourceFitsPortraitVariant(t *testing.T) {
	info, err := parseProbeOutput([]byte(probeRotatedSideData))
	require.NoError(t, err)

	w, h := FitDimensions(info.Width, info.Height, 1920, 1080)
	assert.Equal(t, 608, w)
	assert.Equal(t, 1080, h)
}

func TestParseProbeOutputErrors(t *testing.T) {
	_, err := parseProbeOutput([]byte(probeAudioOnly))
	assert.ErrorContains(t, err, "no video stream")

	_, err = parseProbeOutput([]byte("not json"))
	assert.ErrorContains(t, err, "failed to parse ffprobe output")
}

func TestParseFrameRate(t *testing.T) {
	assert.Equal(t, 25.0, parseFrameRate("25/1"))
	assert.Equal(t, 0.0, parseFrameRate("0/0"))
	assert.Equal(t, 0.0, parseFrameRate("garbage"))
}

func TestProbeRunsFFprobe(t *testing.T) {
	script := writeScript(t, "cat <<'EOF'\n"+probeVideoOnly+"\nEOF\n")
	f := NewFFmpeg(Options{FFprobePath: script}, nil)

	info, err := f.Probe(context.Background(), "input.webm")
	require.NoError(t, err)
	assert.Equal(t, 1280, info.Width)
	assert.False(t, info.HasAudio)
}

func TestProbeFailure(t *testing.T) {
	script := writeScript(t, "echo 'moov atom not found' >&2\nexit 1\n")
	f := NewFFmpeg(Options{FFprobePath: script}, nil)

	_, err := f.Probe(context.Background(), "broken.mp4")
	assert.ErrorContains(t, err, "moov atom not found")
}
