// Package pose holds per-stream keypoint datasets and their display metadata.
package pose

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/agleyzer/posesync/internal/timeindex"
)

// ErrInvalidDataset is returned by Validate for malformed datasets.
var ErrInvalidDataset = errors.New("invalid pose dataset")

// seriesSuffix is stripped from pose estimation series names to form keypoint names.
const seriesSuffix = "PoseEstimationSeries"

// Coord is one keypoint detection in source pixels. Present is false when the
// keypoint was not detected in that frame; X and Y are meaningless then.
type Coord struct {
	X, Y    float64
	Present bool
}

// At returns a present coordinate.
func At(x, y float64) Coord {
	return Coord{X: x, Y: y, Present: true}
}

// Missing is the coordinate of an undetected keypoint.
var Missing = Coord{}

// MarshalJSON encodes a present coordinate as [x, y] and a missing one as null.
func (c Coord) MarshalJSON() ([]byte, error) {
	if !c.Present {
		return []byte("null"), nil
	}
	return json.Marshal([2]float64{c.X, c.Y})
}

// UnmarshalJSON accepts null or a two-element array.
func (c *Coord) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*c = Missing
		return nil
	}

	var pair []*float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("coordinate: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("coordinate: want [x, y], got %d values", len(pair))
	}
	// A pair with a null component is an undetected keypoint too.
	if pair[0] == nil || pair[1] == nil {
		*c = Missing
		return nil
	}
	*c = At(*pair[0], *pair[1])
	return nil
}

// Metadata describes how a keypoint is displayed.
type Metadata struct {
	Color string `json:"color"`
	Label string `json:"label"`
}

// Keypoint is one named series of per-frame coordinates.
type Keypoint struct {
	Name   string
	Meta   Metadata
	Coords []Coord
}

// At returns the coordinate at frame, or Missing when the frame is out of range.
func (k *Keypoint) At(frame int) Coord {
	if frame < 0 || frame >= len(k.Coords) {
		return Missing
	}
	return k.Coords[frame]
}

// Dataset is the pose estimation output for one stream. Keypoints share the
// timestamps; it is immutable once validated.
type Dataset struct {
	Stream     string
	Timestamps []float64
	Keypoints  []Keypoint

	index *timeindex.Index
}

// Validate checks the timestamps and that every keypoint has one coordinate
// per timestamp, then builds the time index.
func (d *Dataset) Validate() error {
	idx, err := timeindex.New(d.Timestamps)
	if err != nil {
		return fmt.Errorf("%w: stream %q: %w", ErrInvalidDataset, d.Stream, err)
	}

	seen := make(map[string]bool, len(d.Keypoints))
	for _, kp := range d.Keypoints {
		if kp.Name == "" {
			return fmt.Errorf("%w: stream %q: keypoint with empty name", ErrInvalidDataset, d.Stream)
		}
		if seen[kp.Name] {
			return fmt.Errorf("%w: stream %q: duplicate keypoint %q", ErrInvalidDataset, d.Stream, kp.Name)
		}
		seen[kp.Name] = true

		if len(kp.Coords) != len(d.Timestamps) {
			return fmt.Errorf("%w: stream %q: keypoint %q has %d coordinates for %d timestamps",
				ErrInvalidDataset, d.Stream, kp.Name, len(kp.Coords), len(d.Timestamps))
		}
	}

	d.index = idx
	return nil
}

// Index returns the time index over the dataset's timestamps. It is nil until
// Validate succeeds.
func (d *Dataset) Index() *timeindex.Index {
	return d.index
}

// Frames returns the number of frames.
func (d *Dataset) Frames() int {
	return len(d.Timestamps)
}

// Names returns the keypoint names in display order.
func (d *Dataset) Names() []string {
	names := make([]string, len(d.Keypoints))
	for i, kp := range d.Keypoints {
		names[i] = kp.Name
	}
	return names
}

// Payload is the wire form of a dataset as delivered by the data collaborator.
type Payload struct {
	KeypointMetadata map[string]Metadata `json:"keypoint_metadata"`
	PoseCoordinates  map[string][]Coord  `json:"pose_coordinates"`
	Timestamps       []float64           `json:"timestamps"`
}

// ShortName strips the pose estimation series suffix from a series name.
func ShortName(series string) string {
	return strings.TrimSuffix(series, seriesSuffix)
}

// FromPayload converts a payload into a validated dataset. Keypoints are ordered
// by name; missing colors are assigned from colors, missing labels default to
// the keypoint name.
func FromPayload(stream string, p Payload, colors ColorScheme) (*Dataset, error) {
	names := make([]string, 0, len(p.PoseCoordinates))
	for name := range p.PoseCoordinates {
		names = append(names, name)
	}
	sort.Strings(names)

	ds := &Dataset{
		Stream:     stream,
		Timestamps: p.Timestamps,
		Keypoints:  make([]Keypoint, 0, len(names)),
	}

	for i, series := range names {
		short := ShortName(series)
		meta, ok := p.KeypointMetadata[series]
		if !ok {
			meta = p.KeypointMetadata[short]
		}
		if meta.Label == "" {
			meta.Label = short
		}
		if meta.Color == "" {
			meta.Color = colors.ColorFor(short, i, len(names))
		}

		ds.Keypoints = append(ds.Keypoints, Keypoint{
			Name:   short,
			Meta:   meta,
			Coords: p.PoseCoordinates[series],
		})
	}

	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return ds, nil
}
