package models

import (
	"fmt"
)

// Rung is one entry of the encoding ladder. Bitrates are in bits per second.
type Rung struct {
	Name         string `json:"name" mapstructure:"name"`
	Height       int    `json:"height" mapstructure:"height"`
	VideoBitrate int64  `json:"video_bitrate" mapstructure:"videoBitrate"`
	MaxBitrate   int64  `json:"max_bitrate" mapstructure:"maxBitrate"`
	BufferSize   int64  `json:"buffer_size" mapstructure:"bufferSize"`
}

// BoxWidth returns the width of the 16:9 box the source is fitted into,
// rounded to an even number.
func (r Rung) BoxWidth() int {
	return (r.Height*16/9 + 1) &^ 1
}

// Ladder is an ordered set of rungs, highest quality first.
type Ladder []Rung

const (
	// Max rate and buffer size as a percentage of the target bitrate. They
	// govern burst tolerance during adaptive playback.
	MaxRatePercent = 107
	BufferPercent  = 150

	// AudioBitrate is applied to every audio rendition.
	AudioBitrate = 128000
)

// NewRung derives the max rate and buffer size from the target bitrate.
func NewRung(name string, height int, videoBitrate int64) Rung {
	return Rung{
		Name:         name,
		Height:       height,
		VideoBitrate: videoBitrate,
		MaxBitrate:   videoBitrate * MaxRatePercent / 100,
		BufferSize:   videoBitrate * BufferPercent / 100,
	}
}

// Standard rungs
var (
	Rung1080p = NewRung("1080p", 1080, 5000000)
	Rung720p  = NewRung("720p", 720, 2800000)
	Rung480p  = NewRung("480p", 480, 1400000)
	Rung360p  = NewRung("360p", 360, 800000)
	Rung240p  = NewRung("240p", 240, 400000)
)

// DefaultLadder returns the five-rung ladder. The order is the variant index
// order used in the output layout (v0 is 1080p).
func DefaultLadder() Ladder {
	return Ladder{Rung1080p, Rung720p, Rung480p, Rung360p, Rung240p}
}

// Validate checks that heights and bitrates are strictly decreasing and that
// every rung can be encoded.
func (l Ladder) Validate() error {
	if len(l) == 0 {
		return fmt.Errorf("ladder has no rungs")
	}

	for i, r := range l {
		if r.Name == "" {
			return fmt.Errorf("rung %d has no name", i)
		}
		if r.Height <= 0 || r.Height%2 != 0 {
			return fmt.Errorf("rung %s: height %d must be a positive even number", r.Name, r.Height)
		}
		if r.VideoBitrate <= 0 {
			return fmt.Errorf("rung %s: video bitrate must be positive", r.Name)
		}
		if r.MaxBitrate < r.VideoBitrate {
			return fmt.Errorf("rung %s: max bitrate %d below target %d", r.Name, r.MaxBitrate, r.VideoBitrate)
		}
		if r.BufferSize <= 0 {
			return fmt.Errorf("rung %s: buffer size must be positive", r.Name)
		}

		if i == 0 {
			continue
		}
		prev := l[i-1]
		if r.Height >= prev.Height {
			return fmt.Errorf("rung %s: height %d not below %s (%d)", r.Name, r.Height, prev.Name, prev.Height)
		}
		if r.VideoBitrate >= prev.VideoBitrate {
			return fmt.Errorf("rung %s: bitrate %d not below %s (%d)", r.Name, r.VideoBitrate, prev.Name, prev.VideoBitrate)
		}
	}

	return nil
}

// Names returns the rung names in ladder order.
func (l Ladder) Names() []string {
	names := make([]string, len(l))
	for i, r := range l {
		names[i] = r.Name
	}
	return names
}
