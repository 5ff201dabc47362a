package overlay

import (
	"math/rand"
	"testing"

	"github.com/agleyzer/posesync/internal/pose"
)

func noseDataset(t *testing.T) *pose.Dataset {
	t.Helper()
	ds := &pose.Dataset{
		Stream:     "cam",
		Timestamps: []float64{0, 0.1, 0.2},
		Keypoints: []pose.Keypoint{
			{
				Name:   "Nose",
				Meta:   pose.Metadata{Color: "#FF0000", Label: "nose"},
				Coords: []pose.Coord{pose.At(10, 20), pose.Missing, pose.At(12, 22)},
			},
		},
	}
	if err := ds.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	return ds
}

func TestRender_ScalesToCanvas(t *testing.T) {
	req := Request{
		Dataset: noseDataset(t),
		Frame:   0,
		Source:  Size{Width: 100, Height: 100},
		Canvas:  Size{Width: 200, Height: 200},
	}

	ops := Render(req)
	if len(ops) != 1 {
		t.Fatalf("got %d ops, want 1", len(ops))
	}
	op := ops[0]
	if op.X != 20 || op.Y != 40 {
		t.Errorf("op at (%v, %v), want (20, 40)", op.X, op.Y)
	}
	if op.Color != "#ff0000" {
		t.Errorf("Color = %s", op.Color)
	}
	if op.Radius != Radius {
		t.Errorf("Radius = %v", op.Radius)
	}
	if op.Label != nil {
		t.Error("labels disabled but label emitted")
	}

	req.Frame = 1
	if ops := Render(req); len(ops) != 0 {
		t.Errorf("frame 1 should draw nothing for Nose, got %v", ops)
	}
}

func TestRender_NonUniformScale(t *testing.T) {
	ops := Render(Request{
		Dataset: noseDataset(t),
		Frame:   2,
		Source:  Size{Width: 640, Height: 480},
		Canvas:  Size{Width: 320, Height: 480},
	})
	if len(ops) != 1 || ops[0].X != 6 || ops[0].Y != 22 {
		t.Errorf("ops = %+v, want one op at (6, 22)", ops)
	}
}

func TestRender_Labels(t *testing.T) {
	ops := Render(Request{
		Dataset:    noseDataset(t),
		ShowLabels: true,
		Source:     Size{Width: 100, Height: 100},
		Canvas:     Size{Width: 100, Height: 100},
	})
	if len(ops) != 1 || ops[0].Label == nil {
		t.Fatalf("expected one labelled op, got %+v", ops)
	}
	l := ops[0].Label
	if l.Text != "nose" || l.X != 10+LabelOffsetX || l.Y != 20+LabelOffsetY {
		t.Errorf("label = %+v", l)
	}
}

func TestRender_UnknownSizes(t *testing.T) {
	ds := noseDataset(t)
	tests := []struct {
		name   string
		source Size
		canvas Size
	}{
		{"no source", Size{}, Size{Width: 100, Height: 100}},
		{"no canvas", Size{Width: 100, Height: 100}, Size{}},
		{"negative", Size{Width: -1, Height: 100}, Size{Width: 100, Height: 100}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if ops := Render(Request{Dataset: ds, Source: tt.source, Canvas: tt.canvas}); len(ops) != 0 {
				t.Errorf("expected empty draw list, got %v", ops)
			}
		})
	}

	if ops := Render(Request{Source: Size{Width: 1, Height: 1}, Canvas: Size{Width: 1, Height: 1}}); ops != nil {
		t.Errorf("nil dataset should render nothing")
	}
}

func TestRender_CountsVisibleAndPresent(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	const frames = 50

	ds := &pose.Dataset{Stream: "cam", Timestamps: make([]float64, frames)}
	for i := range ds.Timestamps {
		ds.Timestamps[i] = float64(i) / 30
	}
	names := []string{"a", "b", "c", "d", "e", "f"}
	for _, name := range names {
		kp := pose.Keypoint{Name: name, Coords: make([]pose.Coord, frames)}
		for i := range kp.Coords {
			if r.Intn(3) > 0 {
				kp.Coords[i] = pose.At(r.Float64()*640, r.Float64()*480)
			}
		}
		ds.Keypoints = append(ds.Keypoints, kp)
	}
	if err := ds.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	vis := pose.Visibility{"b": false, "e": false, "f": true}

	for frame := 0; frame < frames; frame++ {
		want := 0
		for _, kp := range ds.Keypoints {
			if vis.Visible(kp.Name) && kp.Coords[frame].Present {
				want++
			}
		}

		ops := Render(Request{
			Dataset:    ds,
			Frame:      frame,
			Visibility: vis,
			Source:     Size{Width: 640, Height: 480},
			Canvas:     Size{Width: 1280, Height: 960},
		})
		if len(ops) != want {
			t.Fatalf("frame %d: %d ops, want %d", frame, len(ops), want)
		}
		for _, op := range ops {
			if op.Keypoint == "b" || op.Keypoint == "e" {
				t.Fatalf("hidden keypoint %s drawn", op.Keypoint)
			}
		}
	}
}

func TestNormalizeColor(t *testing.T) {
	tests := map[string]string{
		"#1F77B4":   "#1f77b4",
		"#abc":      "#abc",
		"#11223344": "#11223344",
		"":          FallbackColor,
		"red":       FallbackColor,
		"#12345":    FallbackColor,
		"#gggggg":   FallbackColor,
	}
	for in, want := range tests {
		if got := NormalizeColor(in); got != want {
			t.Errorf("NormalizeColor(%q) = %q, want %q", in, got, want)
		}
	}
}
