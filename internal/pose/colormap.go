package pose

import (
	"fmt"
	"sort"
)

// DefaultColormap is used when no colormap is configured.
const DefaultColormap = "tab10"

// Qualitative colormaps, indexed by keypoint position modulo their size.
var colormaps = map[string][]string{
	"tab10": {
		"#1f77b4", "#ff7f0e", "#2ca02c", "#d62728", "#9467bd",
		"#8c564b", "#e377c2", "#7f7f7f", "#bcbd22", "#17becf",
	},
	"Set1": {
		"#e41a1c", "#377eb8", "#4daf4a", "#984ea3", "#ff7f00",
		"#ffff33", "#a65628", "#f781bf", "#999999",
	},
	"Paired": {
		"#a6cee3", "#1f78b4", "#b2df8a", "#33a02c", "#fb9a99", "#e31a1c",
		"#fdbf6f", "#ff7f00", "#cab2d6", "#6a3d9a", "#ffff99", "#b15928",
	},
	"Dark2": {
		"#1b9e77", "#d95f02", "#7570b3", "#e7298a",
		"#66a61e", "#e6ab02", "#a6761d", "#666666",
	},
}

// Colormaps returns the known colormap names.
func Colormaps() []string {
	names := make([]string, 0, len(colormaps))
	for name := range colormaps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ColorScheme assigns keypoint colors: explicit overrides first, then the
// colormap entry for the keypoint's position.
type ColorScheme struct {
	Colormap string
	Custom   map[string]string
}

// Validate reports an unknown colormap name.
func (s ColorScheme) Validate() error {
	if s.Colormap == "" {
		return nil
	}
	if _, ok := colormaps[s.Colormap]; !ok {
		return fmt.Errorf("unknown colormap %q (known: %v)", s.Colormap, Colormaps())
	}
	return nil
}

// ColorFor returns the color of the keypoint at position index out of n.
func (s ColorScheme) ColorFor(name string, index, n int) string {
	if c, ok := s.Custom[name]; ok {
		return c
	}

	palette, ok := colormaps[s.Colormap]
	if !ok {
		palette = colormaps[DefaultColormap]
	}
	if index < 0 {
		index = 0
	}
	return palette[index%len(palette)]
}
