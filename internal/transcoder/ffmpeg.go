package transcoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/runningpoem30/videoTranscoding/internal/logging"
)

// Prober inspects a local media file.
type Prober interface {
	Probe(ctx context.Context, inputPath string) (*SourceInfo, error)
}

// Encoder turns a local source into an HLS package on disk.
type Encoder interface {
	Transcode(ctx context.Context, req EncodeRequest) (*Package, error)
}

// FFmpeg wraps FFmpeg operations
type FFmpeg struct {
	ffmpegPath     string
	ffprobePath    string
	preset         string
	segmentSeconds int
	tailLines      int
	logger         *logging.Logger
}

// Options configures an FFmpeg instance
type Options struct {
	FFmpegPath      string
	FFprobePath     string
	Preset          string
	SegmentSeconds  int
	StderrTailLines int
}

// NewFFmpeg creates a new FFmpeg instance
func NewFFmpeg(opts Options, logger *logging.Logger) *FFmpeg {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.FFprobePath == "" {
		opts.FFprobePath = "ffprobe"
	}
	if opts.Preset == "" {
		opts.Preset = "veryfast"
	}
	if opts.SegmentSeconds <= 0 {
		opts.SegmentSeconds = DefaultSegmentSeconds
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &FFmpeg{
		ffmpegPath:     opts.FFmpegPath,
		ffprobePath:    opts.FFprobePath,
		preset:         opts.Preset,
		segmentSeconds: opts.SegmentSeconds,
		tailLines:      opts.StderrTailLines,
		logger:         logger,
	}
}

// probeOutput is the subset of ffprobe's JSON output we read
type probeOutput struct {
	Format  formatInfo   `json:"format"`
	Streams []streamInfo `json:"streams"`
}

type formatInfo struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

type streamInfo struct {
	CodecType    string `json:"codec_type"`
	CodecName    string `json:"codec_name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	AvgFrameRate string `json:"avg_frame_rate"`

	// Phone footage is usually stored landscape with a display rotation
	// in the display matrix side data or, from older muxers, a tag.
	Tags         map[string]string `json:"tags"`
	SideDataList []sideData        `json:"side_data_list"`
}

type sideData struct {
	SideDataType string `json:"side_data_type"`
	Rotation     int    `json:"rotation"`
}

// rotation returns the display rotation of the stream in degrees
func (s streamInfo) rotation() int {
	for _, sd := range s.SideDataList {
		if sd.Rotation != 0 {
			return sd.Rotation
		}
	}
	if r, err := strconv.Atoi(s.Tags["rotate"]); err == nil {
		return r
	}
	return 0
}

// SourceInfo is what the pipeline needs to know about a source before
// encoding it.
type SourceInfo struct {
	Duration   float64
	Size       int64
	Width      int
	Height     int
	FrameRate  float64
	VideoCodec string
	AudioCodec string
	HasAudio   bool
}

// Probe runs ffprobe and reports the video dimensions and whether an audio
// track exists. A file without a video stream is an error.
func (f *FFmpeg) Probe(ctx context.Context, inputPath string) (*SourceInfo, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		inputPath,
	}

	cmd := exec.CommandContext(ctx, f.ffprobePath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w, stderr: %s", err, stderr.String())
	}

	return parseProbeOutput(stdout.Bytes())
}

func parseProbeOutput(data []byte) (*SourceInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	info := &SourceInfo{}
	if d, err := strconv.ParseFloat(out.Format.Duration, 64); err == nil {
		info.Duration = d
	}
	if s, err := strconv.ParseInt(out.Format.Size, 10, 64); err == nil {
		info.Size = s
	}

	hasVideo := false
	for _, stream := range out.Streams {
		switch stream.CodecType {
		case "video":
			if hasVideo {
				continue
			}
			hasVideo = true
			info.Width = stream.Width
			info.Height = stream.Height
			// ffmpeg autorotates while encoding, so report display dimensions
			if r := ((stream.rotation() % 360) + 360) % 360; r == 90 || r == 270 {
				info.Width, info.Height = info.Height, info.Width
			}
			info.VideoCodec = stream.CodecName
			info.FrameRate = parseFrameRate(stream.AvgFrameRate)
		case "audio":
			if !info.HasAudio {
				info.HasAudio = true
				info.AudioCodec = stream.CodecName
			}
		}
	}

	if !hasVideo {
		return nil, fmt.Errorf("source has no video stream")
	}

	return info, nil
}

// parseFrameRate parses ffprobe rates like "30000/1001"
func parseFrameRate(rate string) float64 {
	parts := strings.Split(rate, "/")
	if len(parts) != 2 {
		return 0
	}
	num, _ := strconv.ParseFloat(parts[0], 64)
	den, _ := strconv.ParseFloat(parts[1], 64)
	if den == 0 {
		return 0
	}
	return num / den
}
