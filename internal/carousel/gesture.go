package carousel

import "math"

// Command is a discrete navigation request.
type Command int

const (
	CommandNone Command = iota
	CommandAdvance
	CommandRetreat
)

func (c Command) String() string {
	switch c {
	case CommandAdvance:
		return "advance"
	case CommandRetreat:
		return "retreat"
	default:
		return "none"
	}
}

// GestureConfig holds the swipe thresholds, in pointer units.
type GestureConfig struct {
	// SwipeThreshold is the travel a swipe must exceed to navigate.
	SwipeThreshold float64
	// TapGuard is the offset a gesture must stay below to still count as a tap.
	TapGuard float64
}

const (
	DefaultSwipeThreshold = 50
	DefaultTapGuard       = 10
)

func (c GestureConfig) withDefaults() GestureConfig {
	if c.SwipeThreshold <= 0 {
		c.SwipeThreshold = DefaultSwipeThreshold
	}
	if c.TapGuard <= 0 {
		c.TapGuard = DefaultTapGuard
	}
	return c
}

// Outcome is the result of a finished gesture.
type Outcome struct {
	Command Command
	// Moved is false when the gesture ended without any move being recorded.
	Moved bool
	// TapThrough allows the renderer to activate the touched slide.
	TapThrough bool
	Distance   float64
}

// dragging is the only non-idle gesture state.
type dragging struct {
	start  float64
	last   *float64
	maxAbs float64
}

// Gesture turns a start/move/end pointer sequence into navigation commands.
// A nil drag means Idle. Not safe for concurrent use.
type Gesture struct {
	cfg  GestureConfig
	drag *dragging
}

// NewGesture creates an idle interpreter.
func NewGesture(cfg GestureConfig) *Gesture {
	return &Gesture{cfg: cfg.withDefaults()}
}

// Start begins a drag at x, discarding any unfinished one.
func (g *Gesture) Start(x float64) {
	g.drag = &dragging{start: x}
}

// Move records the pointer at x and returns the live offset (start - x).
// It reports false when no drag is in progress.
func (g *Gesture) Move(x float64) (float64, bool) {
	if g.drag == nil {
		return 0, false
	}
	g.drag.last = &x
	offset := g.drag.start - x
	g.drag.maxAbs = math.Max(g.drag.maxAbs, math.Abs(offset))
	return offset, true
}

// End finishes the drag and returns to Idle.
func (g *Gesture) End() Outcome {
	d := g.drag
	g.drag = nil
	if d == nil {
		return Outcome{}
	}
	if d.last == nil {
		return Outcome{TapThrough: true}
	}
	distance := d.start - *d.last
	out := Outcome{Moved: true, Distance: distance}
	switch {
	case distance > g.cfg.SwipeThreshold:
		out.Command = CommandAdvance
	case distance < -g.cfg.SwipeThreshold:
		out.Command = CommandRetreat
	default:
		out.TapThrough = d.maxAbs < g.cfg.TapGuard
	}
	return out
}

// Active reports whether a drag is in progress.
func (g *Gesture) Active() bool {
	return g.drag != nil
}

// Offset returns the live drag offset, 0 when idle or before the first move.
func (g *Gesture) Offset() float64 {
	if g.drag == nil || g.drag.last == nil {
		return 0
	}
	return g.drag.start - *g.drag.last
}
