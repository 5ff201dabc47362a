// Package stream defines descriptors for the playable video streams of a session.
package stream

import (
	"fmt"
	"strconv"
	"strings"
)

// Descriptor identifies one playable video source.
type Descriptor struct {
	// Name is the stream name, e.g. "VideoLeftCamera"
	Name string `json:"name"`

	// URL is the resolved playable URL
	URL string `json:"url"`

	// Width and Height are the intrinsic resolution in pixels.
	// Zero until the media metadata is known.
	Width  int `json:"width"`
	Height int `json:"height"`

	// Timestamps holds the session time of every frame.
	// Empty when the collaborator has not supplied them.
	Timestamps []float64 `json:"-"`
}

// HasResolution reports whether the intrinsic resolution is known.
func (d Descriptor) HasResolution() bool {
	return d.Width > 0 && d.Height > 0
}

// Resolution formats the intrinsic resolution as "WxH", or "" when unknown.
func (d Descriptor) Resolution() string {
	if !d.HasResolution() {
		return ""
	}
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

// ParseResolution parses a "WIDTHxHEIGHT" string such as "1280x720".
func ParseResolution(s string) (width, height int, err error) {
	w, h, ok := strings.Cut(strings.TrimSpace(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("invalid resolution %q", s)
	}

	width, err = strconv.Atoi(w)
	if err != nil || width <= 0 {
		return 0, 0, fmt.Errorf("invalid resolution width in %q", s)
	}
	height, err = strconv.Atoi(h)
	if err != nil || height <= 0 {
		return 0, 0, fmt.Errorf("invalid resolution height in %q", s)
	}
	return width, height, nil
}

// Info summarizes a stream's timestamps.
type Info struct {
	Start  float64 `json:"start"`
	End    float64 `json:"end"`
	Frames int     `json:"frames"`
}

// InfoOf returns the first and last timestamps and the frame count.
// Streams without timestamps report zeros.
func InfoOf(timestamps []float64) Info {
	if len(timestamps) == 0 {
		return Info{}
	}
	return Info{
		Start:  timestamps[0],
		End:    timestamps[len(timestamps)-1],
		Frames: len(timestamps),
	}
}

// FilterGrid drops unknown stream names and empty rows from a grid layout and
// returns the filtered grid plus its names in row-major order.
func FilterGrid(grid [][]string, known map[string]Descriptor) ([][]string, []string) {
	var filtered [][]string
	var order []string

	for _, row := range grid {
		var kept []string
		for _, name := range row {
			if _, ok := known[name]; ok {
				kept = append(kept, name)
			}
		}
		if len(kept) == 0 {
			continue
		}
		filtered = append(filtered, kept)
		order = append(order, kept...)
	}

	return filtered, order
}
