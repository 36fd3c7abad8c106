package transcoder

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/runningpoem30/videoTranscoding/pkg/models"
)

const (
	h264HighCodec = "avc1.640028"
	aacLCCodec    = "mp4a.40.2"
)

// Package is an HLS package on local disk
type Package struct {
	Dir        string
	MasterPath string
	HasAudio   bool
	Variants   []Variant
}

// Variant is one encoded rung
type Variant struct {
	Index     int
	Rung      models.Rung
	Width     int
	Height    int
	IndexPath string
	Segments  []string // absolute paths in playback order
	Duration  float64  // sum of EXTINF durations
}

// Files returns every file of the package relative to Dir, segments and
// indices first, the master playlist last.
func (p *Package) Files() []string {
	var files []string
	for _, v := range p.Variants {
		for _, seg := range v.Segments {
			files = append(files, p.rel(seg))
		}
		files = append(files, p.rel(v.IndexPath))
	}
	if p.MasterPath != "" {
		files = append(files, p.rel(p.MasterPath))
	}
	return files
}

// SegmentCount returns the number of segments across all variants.
func (p *Package) SegmentCount() int {
	n := 0
	for _, v := range p.Variants {
		n += len(v.Segments)
	}
	return n
}

func (p *Package) rel(path string) string {
	rel, err := filepath.Rel(p.Dir, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

// VariantDir returns the directory of variant i.
func VariantDir(outputDir string, i int) string {
	return filepath.Join(outputDir, fmt.Sprintf("v%d", i))
}

// ScanPackage checks the encoder's output: every rung must have an index
// that lists at least one segment, and every listed segment must exist.
func ScanPackage(outputDir string, ladder models.Ladder, hasAudio bool, srcWidth, srcHeight int) (*Package, error) {
	pkg := &Package{
		Dir:        outputDir,
		MasterPath: filepath.Join(outputDir, models.MasterPlaylistName),
		HasAudio:   hasAudio,
	}

	for i, rung := range ladder {
		dir := VariantDir(outputDir, i)
		indexPath := filepath.Join(dir, models.VariantIndexName)

		segments, duration, err := readMediaPlaylist(indexPath)
		if err != nil {
			return nil, fmt.Errorf("variant v%d (%s): %w", i, rung.Name, err)
		}
		if len(segments) == 0 {
			return nil, fmt.Errorf("variant v%d (%s): index lists no segments", i, rung.Name)
		}

		v := Variant{
			Index:     i,
			Rung:      rung,
			IndexPath: indexPath,
			Duration:  duration,
		}
		v.Width, v.Height = FitDimensions(srcWidth, srcHeight, rung.BoxWidth(), rung.Height)

		for _, name := range segments {
			segPath := filepath.Join(dir, filepath.FromSlash(name))
			if _, err := os.Stat(segPath); err != nil {
				return nil, fmt.Errorf("variant v%d (%s): missing segment %s: %w", i, rung.Name, name, err)
			}
			v.Segments = append(v.Segments, segPath)
		}

		pkg.Variants = append(pkg.Variants, v)
	}

	return pkg, nil
}

// readMediaPlaylist returns the segment URIs of a media playlist in order
// and the sum of their durations.
func readMediaPlaylist(path string) ([]string, float64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open index: %w", err)
	}
	defer file.Close()

	var segments []string
	var total float64

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, "#EXTINF:"):
			value := strings.TrimPrefix(line, "#EXTINF:")
			if i := strings.IndexByte(value, ','); i >= 0 {
				value = value[:i]
			}
			if d, err := strconv.ParseFloat(value, 64); err == nil {
				total += d
			}
		case strings.HasPrefix(line, "#"):
		default:
			segments = append(segments, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read index: %w", err)
	}

	return segments, total, nil
}

// FitDimensions reproduces ffmpeg's force_original_aspect_ratio=decrease
// followed by rounding down to even dimensions. Without source dimensions
// the box itself is returned.
func FitDimensions(srcWidth, srcHeight, boxWidth, boxHeight int) (int, int) {
	if srcWidth <= 0 || srcHeight <= 0 {
		return boxWidth &^ 1, boxHeight &^ 1
	}

	w := rescale(boxHeight, srcWidth, srcHeight)
	h := rescale(boxWidth, srcHeight, srcWidth)
	if w > boxWidth {
		w = boxWidth
	}
	if h > boxHeight {
		h = boxHeight
	}

	return w &^ 1, h &^ 1
}

// rescale returns a*b/c rounded to nearest
func rescale(a, b, c int) int {
	return (a*b + c/2) / c
}

// WriteMasterPlaylist writes the top-level manifest listing every variant
// with its bandwidth and resolution. Audio codecs are only declared when
// the variants carry audio.
func WriteMasterPlaylist(pkg *Package) error {
	var content strings.Builder

	content.WriteString("#EXTM3U\n")
	content.WriteString("#EXT-X-VERSION:3\n")
	content.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n")

	codecs := h264HighCodec
	var audio int64
	if pkg.HasAudio {
		codecs += "," + aacLCCodec
		audio = models.AudioBitrate
	}

	for _, v := range pkg.Variants {
		content.WriteString(fmt.Sprintf(
			"#EXT-X-STREAM-INF:BANDWIDTH=%d,AVERAGE-BANDWIDTH=%d,RESOLUTION=%dx%d,CODECS=\"%s\"\n",
			v.Rung.MaxBitrate+audio,
			v.Rung.VideoBitrate+audio,
			v.Width, v.Height,
			codecs,
		))
		content.WriteString(fmt.Sprintf("v%d/%s\n", v.Index, models.VariantIndexName))
	}

	if err := os.WriteFile(pkg.MasterPath, []byte(content.String()), 0644); err != nil {
		return fmt.Errorf("failed to write master playlist: %w", err)
	}
	return nil
}
