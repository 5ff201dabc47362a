package pose

import "maps"

// Visibility maps keypoint names to whether they are drawn. Names that are not
// present are visible. The zero value is usable.
type Visibility map[string]bool

// Visible reports whether name should be drawn.
func (v Visibility) Visible(name string) bool {
	visible, ok := v[name]
	return !ok || visible
}

// With returns a copy with name set to visible.
func (v Visibility) With(name string, visible bool) Visibility {
	out := make(Visibility, len(v)+1)
	maps.Copy(out, v)
	out[name] = visible
	return out
}

// Seed returns a copy in which every name not yet present is marked visible,
// and whether anything was added.
func (v Visibility) Seed(names []string) (Visibility, bool) {
	out := make(Visibility, len(v)+len(names))
	maps.Copy(out, v)

	added := false
	for _, name := range names {
		if _, ok := out[name]; !ok {
			out[name] = true
			added = true
		}
	}
	return out, added
}
