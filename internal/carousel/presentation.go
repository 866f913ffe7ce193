package carousel

import (
	"errors"
	"sort"
	"strings"
)

// ErrUnknownSurface is returned for a surface name with no presentation preset.
var ErrUnknownSurface = errors.New("unknown surface")

// Presentation is the per-surface policy the engine is parameterized with.
type Presentation struct {
	Name string `json:"name"`
	// Autoplay permits timer-driven rotation at all.
	Autoplay bool `json:"autoplay"`
	// ResumeAfterGesture restarts autoplay when a gesture with movement ends.
	ResumeAfterGesture bool `json:"resume_after_gesture"`
	// SeamlessWrap renders a duplicated sequence and snaps back after the overflow.
	SeamlessWrap bool `json:"seamless_wrap"`
}

var presets = map[string]Presentation{
	"web":     {Name: "web", Autoplay: true, ResumeAfterGesture: true, SeamlessWrap: true},
	"mobile":  {Name: "mobile", Autoplay: true},
	"compact": {Name: "compact"},
}

// LookupPresentation returns the preset for a surface name (case-insensitive).
func LookupPresentation(name string) (Presentation, error) {
	p, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Presentation{}, ErrUnknownSurface
	}
	return p, nil
}

// Surfaces lists the known surface names.
func Surfaces() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
