package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultLadder(t *testing.T) {
	ladder := DefaultLadder()

	assert.NoError(t, ladder.Validate())
	assert.Equal(t, []string{"1080p", "720p", "480p", "360p", "240p"}, ladder.Names())

	for _, r := range ladder {
		assert.Equal(t, r.VideoBitrate*107/100, r.MaxBitrate, r.Name)
		assert.Equal(t, r.VideoBitrate*150/100, r.BufferSize, r.Name)
	}

	assert.Equal(t, int64(5350000), Rung1080p.MaxBitrate)
	assert.Equal(t, int64(7500000), Rung1080p.BufferSize)
}

func TestRungBoxWidth(t *testing.T) {
	tests := []struct {
		height int
		want   int
	}{
		{1080, 1920},
		{720, 1280},
		{480, 854},
		{360, 640},
		{240, 426},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Rung{Height: tt.height}.BoxWidth(), tt.height)
	}
}

func TestLadderValidate(t *testing.T) {
	tests := []struct {
		name   string
		ladder Ladder
	}{
		{"empty", Ladder{}},
		{"unnamed rung", Ladder{NewRung("", 720, 1000)}},
		{"odd height", Ladder{NewRung("odd", 721, 1000)}},
		{"zero bitrate", Ladder{NewRung("zero", 720, 0)}},
		{"max below target", Ladder{{Name: "x", Height: 720, VideoBitrate: 1000, MaxBitrate: 900, BufferSize: 1500}}},
		{"height not decreasing", Ladder{Rung480p, Rung720p}},
		{"bitrate not decreasing", Ladder{NewRung("a", 720, 1000), NewRung("b", 480, 2000)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.ladder.Validate())
		})
	}

	assert.NoError(t, Ladder{Rung720p, Rung240p}.Validate())
}
