package transcoder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/runningpoem30/videoTranscoding/internal/logging"
	"github.com/runningpoem30/videoTranscoding/pkg/models"
)

const (
	// DefaultSegmentSeconds is the target segment length
	DefaultSegmentSeconds = 10

	SegmentPattern = "segment_%03d.ts"
	VideoCodec     = "libx264"
	AudioCodec     = "aac"
)

// EncodeRequest describes one encoder invocation
type EncodeRequest struct {
	InputPath string
	OutputDir string
	Ladder    models.Ladder
	HasAudio  bool

	// Source dimensions, used for the RESOLUTION of each variant
	SourceWidth  int
	SourceHeight int
}

// EncodeError is returned when the encoder exits non-zero or cannot be
// started. Stderr holds the last lines the encoder printed.
type EncodeError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *EncodeError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("ffmpeg exited with code %d: %v", e.ExitCode, e.Err)
	}
	return fmt.Sprintf("ffmpeg exited with code %d: %v, stderr: %s", e.ExitCode, e.Err, e.Stderr)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// HLSOptions holds options for HLS argument construction
type HLSOptions struct {
	InputPath      string
	OutputDir      string
	Ladder         models.Ladder
	HasAudio       bool
	SegmentSeconds int
	Preset         string
}

// BuildHLSArgs builds the single ffmpeg invocation that produces every rung:
// one scaled, bitrate-capped video stream per rung, an audio rendition per
// rung when the source has audio, v<i>/index.m3u8 and v<i>/segment_NNN.ts.
func BuildHLSArgs(opts HLSOptions) []string {
	n := len(opts.Ladder)

	args := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", opts.InputPath,
		"-filter_complex", buildFilterGraph(opts.Ladder),
	}

	for i, rung := range opts.Ladder {
		args = append(args,
			"-map", fmt.Sprintf("[v%d]", i),
			fmt.Sprintf("-b:v:%d", i), fmt.Sprintf("%d", rung.VideoBitrate),
			fmt.Sprintf("-maxrate:v:%d", i), fmt.Sprintf("%d", rung.MaxBitrate),
			fmt.Sprintf("-bufsize:v:%d", i), fmt.Sprintf("%d", rung.BufferSize),
		)
	}

	if opts.HasAudio {
		for i := 0; i < n; i++ {
			args = append(args, "-map", "0:a:0")
		}
		args = append(args,
			"-c:a", AudioCodec,
			"-b:a", fmt.Sprintf("%d", models.AudioBitrate),
			"-ac", "2",
		)
	}

	// Keyframes on segment boundaries so every rung cuts at the same times.
	args = append(args,
		"-c:v", VideoCodec,
		"-preset", opts.Preset,
		"-profile:v", "high",
		"-sc_threshold", "0",
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", opts.SegmentSeconds),
	)

	args = append(args,
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%d", opts.SegmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_flags", "independent_segments",
		"-hls_segment_type", "mpegts",
		"-hls_segment_filename", filepath.Join(opts.OutputDir, "v%v", SegmentPattern),
		"-var_stream_map", buildVarStreamMap(n, opts.HasAudio),
		filepath.Join(opts.OutputDir, "v%v", models.VariantIndexName),
	)

	return args
}

// buildFilterGraph splits the source video once per rung and fits each copy
// inside the rung's box, then rounds both dimensions down to even numbers.
func buildFilterGraph(ladder models.Ladder) string {
	n := len(ladder)

	var b strings.Builder
	b.WriteString(fmt.Sprintf("[0:v]split=%d", n))
	for i := 0; i < n; i++ {
		b.WriteString(fmt.Sprintf("[s%d]", i))
	}

	for i, rung := range ladder {
		b.WriteString(fmt.Sprintf(
			";[s%d]scale=w=%d:h=%d:force_original_aspect_ratio=decrease,scale=trunc(iw/2)*2:trunc(ih/2)*2[v%d]",
			i, rung.BoxWidth(), rung.Height, i,
		))
	}

	return b.String()
}

func buildVarStreamMap(n int, hasAudio bool) string {
	entries := make([]string, n)
	for i := 0; i < n; i++ {
		if hasAudio {
			entries[i] = fmt.Sprintf("v:%d,a:%d", i, i)
		} else {
			entries[i] = fmt.Sprintf("v:%d", i)
		}
	}
	return strings.Join(entries, " ")
}

// Transcode runs ffmpeg once for the whole ladder. Stderr is forwarded to
// the logger line by line while ffmpeg runs. On success the output tree is
// checked and the master playlist is written; on failure nothing is
// packaged.
func (f *FFmpeg) Transcode(ctx context.Context, req EncodeRequest) (*Package, error) {
	if err := req.Ladder.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ladder: %w", err)
	}

	for i := range req.Ladder {
		if err := os.MkdirAll(VariantDir(req.OutputDir, i), 0755); err != nil {
			return nil, fmt.Errorf("failed to create variant directory: %w", err)
		}
	}

	args := BuildHLSArgs(HLSOptions{
		InputPath:      req.InputPath,
		OutputDir:      req.OutputDir,
		Ladder:         req.Ladder,
		HasAudio:       req.HasAudio,
		SegmentSeconds: f.segmentSeconds,
		Preset:         f.preset,
	})

	f.logger.Infof("Running %s with %d rungs (audio: %t)", f.ffmpegPath, len(req.Ladder), req.HasAudio)
	f.logger.Debugf("ffmpeg args: %s", strings.Join(args, " "))

	stderr := logging.NewLineWriter(f.logger, "ffmpeg", f.tailLines)

	cmd := exec.CommandContext(ctx, f.ffmpegPath, args...)
	cmd.Stderr = stderr

	err := cmd.Run()
	stderr.Flush()
	if err != nil {
		encErr := &EncodeError{ExitCode: -1, Stderr: stderr.Tail(), Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			encErr.ExitCode = exitErr.ExitCode()
		}
		return nil, encErr
	}

	pkg, err := ScanPackage(req.OutputDir, req.Ladder, req.HasAudio, req.SourceWidth, req.SourceHeight)
	if err != nil {
		return nil, err
	}

	if err := WriteMasterPlaylist(pkg); err != nil {
		return nil, err
	}

	return pkg, nil
}
