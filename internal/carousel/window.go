package carousel

import (
	"time"

	"github.com/aura-webinar/carousel/internal/models"
)

// Evaluate reports whether a slide with window w should be active at now.
// Both bounds are inclusive; a missing bound does not constrain.
func Evaluate(w *models.Window, now time.Time) bool {
	if w == nil {
		return true
	}
	if w.Start != nil && now.Before(*w.Start) {
		return false
	}
	if w.End != nil && now.After(*w.End) {
		return false
	}
	return true
}
