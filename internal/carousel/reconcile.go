package carousel

import (
	"time"

	"github.com/aura-webinar/carousel/internal/models"
)

// Write is a correction of one slide's stored activation flag.
type Write struct {
	ID       string
	IsActive bool
}

// Fields returns the partial document update for the store.
func (w Write) Fields() map[string]any {
	return map[string]any{models.FieldIsActive: w.IsActive}
}

// Reconcile compares each slide's stored flag with its window verdict. Mismatched slides
// are returned already corrected, together with one write per slide.
func Reconcile(slides []models.Slide, now time.Time) ([]models.Slide, []Write) {
	corrected := make([]models.Slide, len(slides))
	var writes []Write
	seen := make(map[string]struct{})
	for i, s := range slides {
		verdict := Evaluate(s.Window, now)
		if s.IsActive != verdict {
			if _, dup := seen[s.ID]; !dup {
				seen[s.ID] = struct{}{}
				writes = append(writes, Write{ID: s.ID, IsActive: verdict})
			}
			s.IsActive = verdict
		}
		corrected[i] = s
	}
	return corrected, writes
}

// Reconciler runs Reconcile once per snapshot and remembers corrections it has issued,
// so a correction still in flight is not written again by a later pass. An entry lives
// until a snapshot shows it converged, its write fails, or ttl has passed; after that a
// still divergent snapshot issues the correction again.
// It is not safe for concurrent use; the engine owns it on its event loop.
type Reconciler struct {
	ttl      time.Duration
	inflight map[string]issued
}

type issued struct {
	value bool
	at    time.Time
}

// NewReconciler creates an empty reconciler. A non-positive ttl keeps corrections in
// flight until they converge or fail.
func NewReconciler(ttl time.Duration) *Reconciler {
	return &Reconciler{ttl: ttl, inflight: make(map[string]issued)}
}

// Reconcile corrects slides against now and returns only the writes not already in flight.
func (r *Reconciler) Reconcile(slides []models.Slide, now time.Time) ([]models.Slide, []Write) {
	present := make(map[string]struct{}, len(slides))
	for _, s := range slides {
		present[s.ID] = struct{}{}
		if in, ok := r.inflight[s.ID]; ok && s.IsActive == in.value {
			// the store caught up
			delete(r.inflight, s.ID)
		}
	}
	for id, in := range r.inflight {
		if _, ok := present[id]; !ok || r.expired(in, now) {
			delete(r.inflight, id)
		}
	}

	corrected, writes := Reconcile(slides, now)
	fresh := writes[:0]
	for _, w := range writes {
		if in, ok := r.inflight[w.ID]; ok && in.value == w.IsActive {
			continue
		}
		r.inflight[w.ID] = issued{value: w.IsActive, at: now}
		fresh = append(fresh, w)
	}
	if len(fresh) == 0 {
		fresh = nil
	}
	return corrected, fresh
}

func (r *Reconciler) expired(in issued, now time.Time) bool {
	return r.ttl > 0 && now.Sub(in.at) >= r.ttl
}

// Failed forgets a correction whose write failed, so the next snapshot may issue it again.
func (r *Reconciler) Failed(w Write) {
	if in, ok := r.inflight[w.ID]; ok && in.value == w.IsActive {
		delete(r.inflight, w.ID)
	}
}

// InFlight reports how many corrections are awaiting confirmation from the store.
func (r *Reconciler) InFlight() int {
	return len(r.inflight)
}
