package pose

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/agleyzer/posesync/internal/timeindex"
)

func TestCoord_JSON(t *testing.T) {
	var coords []Coord
	if err := json.Unmarshal([]byte(`[[10, 20], null, [12.5, 22], [null, 3]]`), &coords); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	want := []Coord{At(10, 20), Missing, At(12.5, 22), Missing}
	if len(coords) != len(want) {
		t.Fatalf("got %d coords, want %d", len(coords), len(want))
	}
	for i := range want {
		if coords[i] != want[i] {
			t.Errorf("coords[%d] = %+v, want %+v", i, coords[i], want[i])
		}
	}

	out, err := json.Marshal(coords[:2])
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(out) != `[[10,20],null]` {
		t.Errorf("Marshal() = %s", out)
	}
}

func TestCoord_ZeroIsNotPresent(t *testing.T) {
	var c Coord
	if c.Present {
		t.Error("zero Coord must not be present")
	}
	if !At(0, 0).Present {
		t.Error("At(0, 0) must be present")
	}
}

func TestCoord_RejectsMalformed(t *testing.T) {
	for _, in := range []string{`[1]`, `[1,2,3]`, `"x"`, `{}`} {
		var c Coord
		if err := json.Unmarshal([]byte(in), &c); err == nil {
			t.Errorf("Unmarshal(%s) expected error", in)
		}
	}
}

func TestFromPayload(t *testing.T) {
	payload := Payload{
		KeypointMetadata: map[string]Metadata{
			"NosePoseEstimationSeries": {Color: "#ff0000", Label: "Nose"},
		},
		PoseCoordinates: map[string][]Coord{
			"NosePoseEstimationSeries":     {At(10, 20), Missing, At(12, 22)},
			"LeftPawPoseEstimationSeries":  {Missing, Missing, At(1, 1)},
			"RightPawPoseEstimationSeries": {At(5, 5), At(6, 6), At(7, 7)},
		},
		Timestamps: []float64{0, 0.1, 0.2},
	}

	ds, err := FromPayload("cam", payload, ColorScheme{Colormap: "tab10"})
	if err != nil {
		t.Fatalf("FromPayload() error = %v", err)
	}

	names := ds.Names()
	want := []string{"LeftPaw", "Nose", "RightPaw"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Names() = %v, want %v", names, want)
		}
	}

	if ds.Keypoints[0].Meta.Color != "#1f77b4" {
		t.Errorf("LeftPaw color = %s, want first tab10 color", ds.Keypoints[0].Meta.Color)
	}
	if ds.Keypoints[1].Meta.Color != "#ff0000" {
		t.Errorf("Nose color = %s, want metadata color", ds.Keypoints[1].Meta.Color)
	}
	if ds.Keypoints[2].Meta.Label != "RightPaw" {
		t.Errorf("RightPaw label = %q", ds.Keypoints[2].Meta.Label)
	}
	if ds.Index() == nil || ds.Frames() != 3 {
		t.Errorf("index not built or wrong frame count %d", ds.Frames())
	}
}

func TestDataset_ValidateLengthMismatch(t *testing.T) {
	ds := &Dataset{
		Stream:     "cam",
		Timestamps: []float64{0, 1, 2},
		Keypoints: []Keypoint{
			{Name: "Nose", Coords: []Coord{At(1, 1), Missing}},
		},
	}

	err := ds.Validate()
	if !errors.Is(err, ErrInvalidDataset) {
		t.Fatalf("Validate() error = %v, want ErrInvalidDataset", err)
	}
}

func TestDataset_ValidateTimestamps(t *testing.T) {
	ds := &Dataset{Stream: "cam", Timestamps: []float64{1, 0}}

	err := ds.Validate()
	if !errors.Is(err, ErrInvalidDataset) || !errors.Is(err, timeindex.ErrInvalidTimestampSeries) {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestDataset_ValidateDuplicateNames(t *testing.T) {
	ds := &Dataset{
		Stream:     "cam",
		Timestamps: []float64{0},
		Keypoints: []Keypoint{
			{Name: "Nose", Coords: []Coord{Missing}},
			{Name: "Nose", Coords: []Coord{Missing}},
		},
	}
	if err := ds.Validate(); !errors.Is(err, ErrInvalidDataset) {
		t.Fatalf("Validate() error = %v, want ErrInvalidDataset", err)
	}
}

func TestKeypoint_AtOutOfRange(t *testing.T) {
	kp := Keypoint{Name: "Nose", Coords: []Coord{At(1, 2)}}
	if kp.At(-1).Present || kp.At(1).Present {
		t.Error("out of range frames must be missing")
	}
	if !kp.At(0).Present {
		t.Error("frame 0 should be present")
	}
}

func TestColorScheme(t *testing.T) {
	s := ColorScheme{Colormap: "Set1", Custom: map[string]string{"Nose": "#00ff00"}}

	if got := s.ColorFor("Nose", 0, 3); got != "#00ff00" {
		t.Errorf("custom color = %s", got)
	}
	if got := s.ColorFor("Tail", 9, 12); got != "#e41a1c" {
		t.Errorf("wrapped color = %s, want first Set1 color", got)
	}
	if err := (ColorScheme{Colormap: "nope"}).Validate(); err == nil {
		t.Error("expected unknown colormap error")
	}
	if got := (ColorScheme{Colormap: "nope"}).ColorFor("x", 1, 2); got != "#ff7f0e" {
		t.Errorf("fallback color = %s, want tab10", got)
	}
}

func TestVisibility(t *testing.T) {
	var v Visibility
	if !v.Visible("anything") {
		t.Error("absent names are visible")
	}

	v2 := v.With("Nose", false)
	if v2.Visible("Nose") {
		t.Error("Nose should be hidden")
	}
	if len(v) != 0 {
		t.Error("With must not mutate the receiver")
	}

	v3, added := v2.Seed([]string{"Nose", "Tail"})
	if !added {
		t.Error("Seed should report Tail as added")
	}
	if v3.Visible("Nose") {
		t.Error("Seed must not override an explicit toggle")
	}
	if !v3["Tail"] {
		t.Error("Tail should be seeded visible")
	}

	if _, added := v3.Seed([]string{"Tail"}); added {
		t.Error("Seed should report nothing added")
	}
}
