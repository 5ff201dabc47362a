// Package overlay turns a pose dataset frame into drawing instructions for a canvas.
package overlay

import (
	"regexp"
	"strings"

	"github.com/agleyzer/posesync/internal/pose"
)

const (
	// Radius of a keypoint marker in canvas pixels.
	Radius = 5.0

	// LabelOffsetX and LabelOffsetY place a label relative to its marker.
	LabelOffsetX = 8.0
	LabelOffsetY = -8.0

	// FallbackColor replaces missing or malformed keypoint colors.
	FallbackColor = "#808080"
)

var hexColor = regexp.MustCompile(`^#([0-9a-fA-F]{3}|[0-9a-fA-F]{6}|[0-9a-fA-F]{8})$`)

// Size is a width and height in pixels.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Known reports whether both dimensions are positive.
func (s Size) Known() bool {
	return s.Width > 0 && s.Height > 0
}

// Label is text drawn next to a marker.
type Label struct {
	Text string  `json:"text"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

// DrawOp is one filled circle, optionally labelled.
type DrawOp struct {
	Keypoint string  `json:"keypoint"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Radius   float64 `json:"radius"`
	Color    string  `json:"color"`
	Label    *Label  `json:"label,omitempty"`
}

// Request holds everything a frame render depends on.
type Request struct {
	Dataset    *pose.Dataset
	Frame      int
	Visibility pose.Visibility
	ShowLabels bool
	Source     Size
	Canvas     Size
}

// Render returns the draw list for one frame. Keypoints that are hidden or not
// detected in the frame are omitted. An unknown source or canvas size yields an
// empty list.
func Render(req Request) []DrawOp {
	if req.Dataset == nil || !req.Source.Known() || !req.Canvas.Known() {
		return nil
	}

	scaleX := req.Canvas.Width / req.Source.Width
	scaleY := req.Canvas.Height / req.Source.Height

	ops := make([]DrawOp, 0, len(req.Dataset.Keypoints))
	for i := range req.Dataset.Keypoints {
		kp := &req.Dataset.Keypoints[i]
		if !req.Visibility.Visible(kp.Name) {
			continue
		}

		c := kp.At(req.Frame)
		if !c.Present {
			continue
		}

		op := DrawOp{
			Keypoint: kp.Name,
			X:        c.X * scaleX,
			Y:        c.Y * scaleY,
			Radius:   Radius,
			Color:    NormalizeColor(kp.Meta.Color),
		}
		if req.ShowLabels {
			text := kp.Meta.Label
			if text == "" {
				text = kp.Name
			}
			op.Label = &Label{
				Text: text,
				X:    op.X + LabelOffsetX,
				Y:    op.Y + LabelOffsetY,
			}
		}
		ops = append(ops, op)
	}

	return ops
}

// NormalizeColor returns a lower-case hex color, or FallbackColor when c is not
// a valid #rgb, #rrggbb or #rrggbbaa value.
func NormalizeColor(c string) string {
	c = strings.TrimSpace(c)
	if !hexColor.MatchString(c) {
		return FallbackColor
	}
	return strings.ToLower(c)
}
