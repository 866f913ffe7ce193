package carousel

import (
	"time"

	"github.com/aura-webinar/carousel/internal/models"
)

// Phase is the autoplay state of one channel.
type Phase int

const (
	// PhaseIdle: nothing to rotate (not loaded, or an empty sequence).
	PhaseIdle Phase = iota
	// PhaseRotating: slides present and the autoplay timer is armed.
	PhaseRotating
	// PhasePaused: slides present, autoplay suspended by a gesture or the hosting surface.
	PhasePaused
	// PhaseResetting: the display index sits on the duplicated first slide, waiting to snap back.
	PhaseResetting
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRotating:
		return "rotating"
	case PhasePaused:
		return "paused"
	case PhaseResetting:
		return "resetting"
	default:
		return "unknown"
	}
}

// RotationConfig tunes a channel's rotation. A zero Interval or SnapDelay takes the
// default; a zero FirstPublishDelay publishes the first sequence immediately.
type RotationConfig struct {
	Interval          time.Duration
	FirstPublishDelay time.Duration
	SnapDelay         time.Duration
	// SeamlessWrap renders the sequence twice so the last slide slides into a copy of the
	// first; the display index then reaches len(slides) before snapping back to 0.
	SeamlessWrap bool
}

const (
	DefaultInterval          = 5 * time.Second
	DefaultFirstPublishDelay = 100 * time.Millisecond
	DefaultSnapDelay         = 500 * time.Millisecond
)

func (c RotationConfig) withDefaults() RotationConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.FirstPublishDelay < 0 {
		c.FirstPublishDelay = 0
	}
	if c.SnapDelay <= 0 {
		c.SnapDelay = DefaultSnapDelay
	}
	return c
}

// ChannelView is the renderer-facing state of one channel.
type ChannelView struct {
	Channel models.Channel `json:"channel"`
	// Loaded is false until the first sequence is published; Slides is then null.
	Loaded       bool           `json:"loaded"`
	Slides       []models.Slide `json:"slides"`
	Index        int            `json:"index"`
	DisplayIndex int            `json:"display_index"`
	Animate      bool           `json:"animate"`
	Phase        string         `json:"phase"`
	DragOffset   float64        `json:"drag_offset"`
	// Cause names the transition that produced this view.
	Cause Cause `json:"cause,omitempty"`
}

// Cause is the transition behind a view change.
type Cause string

const (
	CausePublish  Cause = "publish"
	CauseTick     Cause = "tick"
	CauseNavigate Cause = "navigate"
	CauseSnap     Cause = "snap"
	CauseHold     Cause = "hold"
	CauseRelease  Cause = "release"
	CauseAutoplay Cause = "autoplay"
	CauseDrag     Cause = "drag"
)

// Rotation is the per-channel rotation state machine. It owns the current index and the
// autoplay, first-publish and snap-back timers. Not safe for concurrent use: every method
// and every timer callback must run on the owning event loop.
type Rotation struct {
	channel  models.Channel
	cfg      RotationConfig
	timers   Scheduler
	onChange func(ChannelView)

	slides []models.Slide
	loaded bool

	pending      []models.Slide
	publishTimer Timer
	publishGen   uint64

	display int // in [0, n); equals n only while resetting
	animate bool

	autoplay bool // the hosting surface permits autoplay
	dragging bool // a gesture holds the rotation
	parked   bool // a gesture ended without resuming; cleared by new content

	tickTimer Timer
	tickGen   uint64
	snapTimer Timer
	snapGen   uint64

	dragOffset float64
	closed     bool
}

// NewRotation creates the state machine for one channel. onChange is called after every
// visible state change.
func NewRotation(ch models.Channel, cfg RotationConfig, timers Scheduler, autoplay bool, onChange func(ChannelView)) *Rotation {
	return &Rotation{
		channel:  ch,
		cfg:      cfg.withDefaults(),
		timers:   timers,
		onChange: onChange,
		autoplay: autoplay,
	}
}

// Publish hands over a new ordered sequence. The first sequence a rotation ever sees is
// held back for FirstPublishDelay (later snapshots in that window replace it); every
// later sequence applies immediately.
func (r *Rotation) Publish(slides []models.Slide) {
	if r.closed {
		return
	}
	if !r.loaded && r.cfg.FirstPublishDelay > 0 {
		r.pending = slides
		if r.publishTimer == nil {
			r.publishGen++
			gen := r.publishGen
			r.publishTimer = r.timers.AfterFunc(r.cfg.FirstPublishDelay, func() { r.flush(gen) })
		}
		return
	}
	r.apply(slides)
}

// PublishNow applies slides immediately, dropping any deferred first publish.
func (r *Rotation) PublishNow(slides []models.Slide) {
	if r.closed {
		return
	}
	r.cancelPublish()
	r.apply(slides)
}

func (r *Rotation) flush(gen uint64) {
	if r.closed || gen != r.publishGen || r.publishTimer == nil {
		return
	}
	r.publishTimer = nil
	slides := r.pending
	r.pending = nil
	r.apply(slides)
}

func (r *Rotation) cancelPublish() {
	if r.publishTimer != nil {
		r.publishTimer.Stop()
		r.publishTimer = nil
	}
	r.publishGen++
	r.pending = nil
}

func (r *Rotation) apply(slides []models.Slide) {
	if slides == nil {
		slides = []models.Slide{}
	}
	r.stopTick()
	r.cancelSnap()
	r.slides = slides
	r.loaded = true
	r.display = 0
	r.animate = false
	if len(slides) > 0 {
		r.parked = false
	}
	r.armTick()
	r.emit(CausePublish)
}

// Advance moves to the next slide. It reports false when there is nothing to show.
func (r *Rotation) Advance() bool {
	return r.navigate(1)
}

// Retreat moves to the previous slide.
func (r *Rotation) Retreat() bool {
	return r.navigate(-1)
}

func (r *Rotation) navigate(delta int) bool {
	if r.closed || len(r.slides) == 0 {
		return false
	}
	r.step(delta)
	r.emit(CauseNavigate)
	return true
}

// GoTo jumps to slide i. It reports false when i is out of range.
func (r *Rotation) GoTo(i int) bool {
	if r.closed || i < 0 || i >= len(r.slides) {
		return false
	}
	r.settle()
	r.display = i
	r.animate = true
	r.emit(CauseNavigate)
	return true
}

// Hold suspends autoplay for a gesture in progress.
func (r *Rotation) Hold() {
	if r.closed || r.dragging {
		return
	}
	r.dragging = true
	r.stopTick()
	r.emit(CauseHold)
}

// Release ends a gesture hold. With resume false the channel stays paused until new
// content is published or a later gesture resumes it.
func (r *Rotation) Release(resume bool) {
	if r.closed {
		return
	}
	r.dragging = false
	r.dragOffset = 0
	r.parked = !resume
	r.armTick()
	r.emit(CauseRelease)
}

// SetAutoplay records whether the hosting surface currently permits autoplay.
func (r *Rotation) SetAutoplay(allowed bool) {
	if r.closed || r.autoplay == allowed {
		return
	}
	r.autoplay = allowed
	if allowed {
		r.armTick()
	} else {
		r.stopTick()
	}
	r.emit(CauseAutoplay)
}

// SetDragOffset records the live drag offset for elastic feedback.
func (r *Rotation) SetDragOffset(offset float64) {
	if r.closed {
		return
	}
	r.dragOffset = offset
	r.emit(CauseDrag)
}

// Close stops every timer. Callbacks already queued become no-ops.
func (r *Rotation) Close() {
	if r.closed {
		return
	}
	r.stopTick()
	r.cancelSnap()
	r.cancelPublish()
	r.closed = true
}

// Index is the logical index in [0, len) (0 when empty).
func (r *Rotation) Index() int {
	n := len(r.slides)
	if n == 0 {
		return 0
	}
	return r.display % n
}

// Current returns the slide at the logical index.
func (r *Rotation) Current() (models.Slide, bool) {
	if len(r.slides) == 0 {
		return models.Slide{}, false
	}
	return r.slides[r.Index()], true
}

// Phase reports the current state.
func (r *Rotation) Phase() Phase {
	switch {
	case !r.loaded || len(r.slides) == 0:
		return PhaseIdle
	case r.snapTimer != nil:
		return PhaseResetting
	case r.tickTimer != nil:
		return PhaseRotating
	default:
		return PhasePaused
	}
}

// View snapshots the renderer-facing state.
func (r *Rotation) View() ChannelView {
	v := ChannelView{
		Channel:      r.channel,
		Loaded:       r.loaded,
		Index:        r.Index(),
		DisplayIndex: r.display,
		Animate:      r.animate,
		Phase:        r.Phase().String(),
		DragOffset:   r.dragOffset,
	}
	if r.loaded {
		v.Slides = r.slides
	}
	return v
}

func (r *Rotation) step(delta int) {
	n := len(r.slides)
	if n == 0 {
		return
	}
	r.settle()
	r.animate = true
	if r.cfg.SeamlessWrap && delta > 0 {
		r.display++
		if r.display == n {
			r.armSnap()
		}
		return
	}
	r.display = ((r.display+delta)%n + n) % n
}

func (r *Rotation) canRotate() bool {
	return !r.closed && r.loaded && len(r.slides) > 0 && r.autoplay && !r.dragging && !r.parked
}

func (r *Rotation) armTick() {
	if r.tickTimer != nil || !r.canRotate() {
		return
	}
	r.tickGen++
	gen := r.tickGen
	r.tickTimer = r.timers.AfterFunc(r.cfg.Interval, func() { r.onTick(gen) })
}

func (r *Rotation) stopTick() {
	if r.tickTimer != nil {
		r.tickTimer.Stop()
		r.tickTimer = nil
	}
	r.tickGen++
}

func (r *Rotation) onTick(gen uint64) {
	if r.closed || gen != r.tickGen || r.tickTimer == nil {
		return
	}
	r.tickTimer = nil
	r.step(1)
	r.armTick()
	r.emit(CauseTick)
}

func (r *Rotation) armSnap() {
	r.snapGen++
	gen := r.snapGen
	r.snapTimer = r.timers.AfterFunc(r.cfg.SnapDelay, func() { r.onSnap(gen) })
}

func (r *Rotation) cancelSnap() {
	if r.snapTimer != nil {
		r.snapTimer.Stop()
		r.snapTimer = nil
	}
	r.snapGen++
}

func (r *Rotation) onSnap(gen uint64) {
	if r.closed || gen != r.snapGen || r.snapTimer == nil {
		return
	}
	r.snapTimer = nil
	r.display = 0
	r.animate = false
	r.emit(CauseSnap)
}

// settle completes a pending snap-back before the index moves again, so every overflow
// snaps exactly once.
func (r *Rotation) settle() {
	if r.snapTimer == nil {
		return
	}
	r.cancelSnap()
	r.display = 0
	r.animate = false
}

func (r *Rotation) emit(cause Cause) {
	if r.onChange != nil {
		v := r.View()
		v.Cause = cause
		r.onChange(v)
	}
}
