// Package carousel implements the slide lifecycle and rotation engine: activation-window
// reconciliation, channel partitioning, per-channel autoplay rotation and gesture
// navigation, all driven from a single event loop per presentation surface.
package carousel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aura-webinar/carousel/internal/models"
	"github.com/aura-webinar/carousel/pkg/docstore"
)

var (
	// ErrStopped is returned by calls made after the engine loop has exited.
	ErrStopped         = errors.New("carousel engine stopped")
	ErrAlreadyRunning  = errors.New("carousel engine already running")
	ErrUnknownChannel  = errors.New("unknown channel")
	ErrNoSlides        = errors.New("channel has no slides")
	ErrIndexOutOfRange = errors.New("slide index out of range")
	ErrNoGesture       = errors.New("no gesture in progress")
	ErrSlideNotFound   = errors.New("slide not in current sequence")
	ErrNoActivator     = errors.New("slide activation not configured")
)

// Activator resolves where a selected slide leads. The host supplies it.
type Activator interface {
	Resolve(ctx context.Context, slide models.Slide) (models.Destination, error)
}

// Config holds engine settings shared by every surface.
type Config struct {
	Collection string
	OrderBy    string
	Rotation   RotationConfig
	Gesture    GestureConfig
	// WriteTimeout bounds each reconciliation write.
	WriteTimeout time.Duration
	// CorrectionTTL is how long an issued correction suppresses the same correction on
	// later snapshots. Defaults to WriteTimeout; with queued writes use the worker's
	// staleness bound, after which a queued job is either applied or dropped.
	CorrectionTTL time.Duration
	// ResubscribeMin and ResubscribeMax bound the backoff after a failed subscription.
	ResubscribeMin time.Duration
	ResubscribeMax time.Duration
}

const (
	DefaultCollection   = "carousel"
	DefaultWriteTimeout = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Collection == "" {
		c.Collection = DefaultCollection
	}
	if c.OrderBy == "" {
		c.OrderBy = models.FieldRank
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.CorrectionTTL <= 0 {
		c.CorrectionTTL = c.WriteTimeout
	}
	if c.ResubscribeMin <= 0 {
		c.ResubscribeMin = time.Second
	}
	if c.ResubscribeMax < c.ResubscribeMin {
		c.ResubscribeMax = 30 * time.Second
	}
	return c
}

// Listener receives every channel view change. It runs on the engine loop and must not block.
type Listener func(surface string, v ChannelView)

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithMetrics(m *Metrics) Option { return func(e *Engine) { e.metrics = m } }

func WithActivator(a Activator) Option { return func(e *Engine) { e.activator = a } }

func WithListener(fn Listener) Option { return func(e *Engine) { e.listener = fn } }

// WithClock sets the time source for window evaluation.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithAutoplayPaused starts the engine as if SetAutoplay(false) had been called.
func WithAutoplayPaused() Option { return func(e *Engine) { e.paused = true } }

// WithImageURLs sets how a slide's image reference becomes a loadable URL.
func WithImageURLs(resolve func(ref string) string) Option {
	return func(e *Engine) { e.images = resolve }
}

// WithScheduler replaces the wall clock for rotation timers. Callbacks are still run on
// the engine loop.
func WithScheduler(s Scheduler) Option { return func(e *Engine) { e.base = s } }

type channelState struct {
	rotation *Rotation
	gesture  *Gesture
}

// Engine is one carousel view: a store subscription feeding two independent channels.
// All state is owned by the Run loop; exported methods post typed events to it.
type Engine struct {
	surface   string
	pres      Presentation
	cfg       Config
	store     docstore.Subscriber
	updater   docstore.Updater
	activator Activator
	listener  Listener
	metrics   *Metrics
	logger    *zap.Logger
	now       func() time.Time
	base      Scheduler
	images    func(ref string) string
	paused    bool

	events  chan event
	done    chan struct{}
	running atomic.Bool

	// loop-owned
	runCtx      context.Context
	timers      Scheduler
	channels    map[models.Channel]*channelState
	reconciler  *Reconciler
	unsubscribe func()
	subGen      uint64
	retry       Timer
	backoff     time.Duration

	mu    sync.RWMutex
	views map[models.Channel]ChannelView
}

// New creates an engine for one surface. updater may be nil for a read-only view, in
// which case corrections are applied locally but never written back.
func New(surface string, pres Presentation, cfg Config, store docstore.Subscriber, updater docstore.Updater, opts ...Option) *Engine {
	e := &Engine{
		surface:  surface,
		pres:     pres,
		cfg:      cfg.withDefaults(),
		store:    store,
		updater:  updater,
		logger:   zap.NewNop(),
		now:      time.Now,
		base:     WallClock{},
		events:   make(chan event, 64),
		done:     make(chan struct{}),
		channels: make(map[models.Channel]*channelState, len(models.Channels)),
		views:    make(map[models.Channel]ChannelView, len(models.Channels)),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("surface", surface))
	e.reconciler = NewReconciler(e.cfg.CorrectionTTL)
	e.timers = loopScheduler{base: e.base, post: e.postAsync}

	rc := e.cfg.Rotation
	rc.SeamlessWrap = pres.SeamlessWrap
	for _, ch := range models.Channels {
		r := NewRotation(ch, rc, e.timers, pres.Autoplay && !e.paused, e.changed)
		e.channels[ch] = &channelState{rotation: r, gesture: NewGesture(e.cfg.Gesture)}
		e.views[ch] = r.View()
	}
	return e
}

// Surface returns the surface name.
func (e *Engine) Surface() string { return e.surface }

// Presentation returns the surface policy.
func (e *Engine) Presentation() Presentation { return e.pres }

// Done is closed once Run has returned and the view is torn down.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Run subscribes to the collection and processes events until ctx is done. On return
// every timer is cancelled and the subscription is released; in-flight writes finish on
// their own.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(e.done)
	defer e.teardown()

	e.runCtx = ctx
	e.subscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-e.events:
			e.handle(ev)
		}
	}
}

func (e *Engine) handle(ev event) {
	switch ev := ev.(type) {
	case snapshotReceived:
		e.onSnapshot(ev)
	case timerFired:
		ev.fire()
	case writeFailed:
		e.reconciler.Failed(ev.write)
	case navigate:
		ev.reply <- e.onNavigate(ev)
	case gestureStarted:
		st := e.channels[ev.channel]
		st.gesture.Start(ev.x)
		st.rotation.Hold()
		ev.reply <- navResult{view: st.rotation.View()}
	case gestureMoved:
		st := e.channels[ev.channel]
		offset, ok := st.gesture.Move(ev.x)
		if !ok {
			ev.reply <- moveResult{err: ErrNoGesture}
			return
		}
		st.rotation.SetDragOffset(offset)
		ev.reply <- moveResult{offset: offset, ok: true}
	case gestureEnded:
		ev.reply <- e.onGestureEnd(ev.channel)
	case autoplayChanged:
		for _, ch := range models.Channels {
			e.channels[ch].rotation.SetAutoplay(ev.allowed && e.pres.Autoplay)
		}
		close(ev.reply)
	case barrier:
		close(ev.reply)
	}
}

func (e *Engine) subscribe() {
	e.subGen++
	gen := e.subGen
	unsub, err := e.store.Subscribe(e.runCtx, e.cfg.Collection, e.cfg.OrderBy, func(snap docstore.Snapshot, err error) {
		e.postAsync(snapshotReceived{snap: snap, err: err, gen: gen})
	})
	if err != nil {
		e.metrics.snapshot(e.surface, err)
		e.logger.Warn("carousel subscription failed", zap.Error(err))
		e.streamFailed()
		e.scheduleResubscribe()
		return
	}
	e.unsubscribe = unsub
}

func (e *Engine) release() {
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
	// snapshots still queued from the released subscription are dropped
	e.subGen++
}

func (e *Engine) scheduleResubscribe() {
	if e.retry != nil {
		return
	}
	if e.backoff == 0 {
		e.backoff = e.cfg.ResubscribeMin
	} else {
		e.backoff = min(e.backoff*2, e.cfg.ResubscribeMax)
	}
	e.logger.Info("carousel resubscribe scheduled", zap.Duration("retry_in", e.backoff))
	e.retry = e.timers.AfterFunc(e.backoff, func() {
		e.retry = nil
		if e.runCtx.Err() == nil {
			e.subscribe()
		}
	})
}

func (e *Engine) onSnapshot(ev snapshotReceived) {
	if ev.gen != e.subGen {
		return
	}
	e.metrics.snapshot(e.surface, ev.err)
	if ev.err != nil {
		e.logger.Warn("carousel stream error", zap.Error(ev.err))
		e.streamFailed()
		e.release()
		e.scheduleResubscribe()
		return
	}
	e.backoff = 0

	slides := make([]models.Slide, 0, len(ev.snap.Documents))
	for _, d := range ev.snap.Documents {
		s := models.DecodeSlide(d.ID, d.Data)
		if e.images != nil && s.Display.ImageURL == "" && s.Display.ImageRef != "" {
			s.Display.ImageURL = e.images(s.Display.ImageRef)
		}
		slides = append(slides, s)
	}
	corrected, writes := e.reconciler.Reconcile(slides, e.now())
	e.dispatch(writes)

	parts := Partition(corrected)
	for _, ch := range models.Channels {
		e.channels[ch].rotation.Publish(parts.Get(ch))
	}
}

// streamFailed publishes empty sequences so renderers stop showing stale content.
func (e *Engine) streamFailed() {
	for _, ch := range models.Channels {
		e.channels[ch].rotation.PublishNow([]models.Slide{})
	}
}

func (e *Engine) dispatch(writes []Write) {
	for _, w := range writes {
		if e.updater == nil {
			e.reconciler.Failed(w)
			continue
		}
		e.logger.Debug("correcting slide activation", zap.String("slide_id", w.ID), zap.Bool("is_active", w.IsActive))
		go e.write(w)
	}
}

func (e *Engine) write(w Write) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.WriteTimeout)
	defer cancel()
	if err := e.updater.Update(ctx, e.cfg.Collection, w.ID, w.Fields()); err != nil {
		e.metrics.write(e.surface, "failed")
		e.logger.Warn("slide activation write failed", zap.String("slide_id", w.ID), zap.Bool("is_active", w.IsActive), zap.Error(err))
		e.postAsync(writeFailed{write: w})
		return
	}
	e.metrics.write(e.surface, "written")
}

func (e *Engine) onNavigate(ev navigate) navResult {
	r := e.channels[ev.channel].rotation
	var ok bool
	switch ev.kind {
	case navAdvance:
		ok = r.Advance()
	case navRetreat:
		ok = r.Retreat()
	case navGoTo:
		ok = r.GoTo(ev.index)
		if !ok && len(r.View().Slides) > 0 {
			return navResult{view: r.View(), err: ErrIndexOutOfRange}
		}
	}
	if !ok {
		return navResult{view: r.View(), err: ErrNoSlides}
	}
	e.metrics.navigation(e.surface, ev.channel, "control")
	return navResult{view: r.View()}
}

// GestureResult is what a finished gesture did.
type GestureResult struct {
	Command    string  `json:"command"`
	Moved      bool    `json:"moved"`
	TapThrough bool    `json:"tap_through"`
	Distance   float64 `json:"distance"`
	// Slide is the slide under the pointer when the gesture counts as a tap.
	Slide *models.Slide `json:"slide,omitempty"`
	View  ChannelView   `json:"view"`
}

func (e *Engine) onGestureEnd(ch models.Channel) endResult {
	st := e.channels[ch]
	if !st.gesture.Active() {
		return endResult{result: GestureResult{Command: CommandNone.String(), View: st.rotation.View()}, err: ErrNoGesture}
	}
	out := st.gesture.End()
	res := GestureResult{
		Command:    out.Command.String(),
		Moved:      out.Moved,
		TapThrough: out.TapThrough,
		Distance:   out.Distance,
	}
	switch out.Command {
	case CommandAdvance:
		st.rotation.Advance()
		e.metrics.navigation(e.surface, ch, "gesture")
	case CommandRetreat:
		st.rotation.Retreat()
		e.metrics.navigation(e.surface, ch, "gesture")
	}
	// a gesture that never moved leaves autoplay suspended
	st.rotation.Release(out.Moved && e.pres.ResumeAfterGesture)
	if out.TapThrough {
		if s, ok := st.rotation.Current(); ok {
			res.Slide = &s
		}
	}
	res.View = st.rotation.View()
	return endResult{result: res}
}

func (e *Engine) teardown() {
	e.release()
	if e.retry != nil {
		e.retry.Stop()
		e.retry = nil
	}
	for _, ch := range models.Channels {
		e.channels[ch].rotation.Close()
	}
	e.logger.Debug("carousel view torn down")
}

func (e *Engine) changed(v ChannelView) {
	e.mu.Lock()
	e.views[v.Channel] = v
	e.mu.Unlock()
	e.metrics.change(e.surface, v)
	if e.listener != nil {
		e.listener(e.surface, v)
	}
}

// post queues ev for the loop.
func (e *Engine) post(ctx context.Context, ev event) error {
	select {
	case <-e.done:
		return ErrStopped
	default:
	}
	select {
	case e.events <- ev:
		return nil
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// postAsync is used by timers, subscriptions and write goroutines. It gives up once the
// loop has exited.
func (e *Engine) postAsync(ev event) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

func call[T any](ctx context.Context, e *Engine, ev event, reply chan T) (T, error) {
	var zero T
	if err := e.post(ctx, ev); err != nil {
		return zero, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-e.done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (e *Engine) checkChannel(ch models.Channel) error {
	if _, ok := e.channels[ch]; !ok {
		return ErrUnknownChannel
	}
	return nil
}

func (e *Engine) nav(ctx context.Context, ch models.Channel, kind navKind, index int) (ChannelView, error) {
	if err := e.checkChannel(ch); err != nil {
		return ChannelView{}, err
	}
	reply := make(chan navResult, 1)
	res, err := call(ctx, e, navigate{channel: ch, kind: kind, index: index, reply: reply}, reply)
	if err != nil {
		return ChannelView{}, err
	}
	return res.view, res.err
}

// Advance moves ch to the next slide, wrapping at the end.
func (e *Engine) Advance(ctx context.Context, ch models.Channel) (ChannelView, error) {
	return e.nav(ctx, ch, navAdvance, 0)
}

// Retreat moves ch to the previous slide, wrapping at the start.
func (e *Engine) Retreat(ctx context.Context, ch models.Channel) (ChannelView, error) {
	return e.nav(ctx, ch, navRetreat, 0)
}

// GoTo jumps ch to slide i.
func (e *Engine) GoTo(ctx context.Context, ch models.Channel, i int) (ChannelView, error) {
	return e.nav(ctx, ch, navGoTo, i)
}

// TouchStart begins a drag on ch and suspends its autoplay.
func (e *Engine) TouchStart(ctx context.Context, ch models.Channel, x float64) (ChannelView, error) {
	if err := e.checkChannel(ch); err != nil {
		return ChannelView{}, err
	}
	reply := make(chan navResult, 1)
	res, err := call(ctx, e, gestureStarted{channel: ch, x: x, reply: reply}, reply)
	if err != nil {
		return ChannelView{}, err
	}
	return res.view, res.err
}

// TouchMove records the pointer and returns the live drag offset.
func (e *Engine) TouchMove(ctx context.Context, ch models.Channel, x float64) (float64, error) {
	if err := e.checkChannel(ch); err != nil {
		return 0, err
	}
	reply := make(chan moveResult, 1)
	res, err := call(ctx, e, gestureMoved{channel: ch, x: x, reply: reply}, reply)
	if err != nil {
		return 0, err
	}
	return res.offset, res.err
}

// TouchEnd finishes the drag on ch and applies the resulting command.
func (e *Engine) TouchEnd(ctx context.Context, ch models.Channel) (GestureResult, error) {
	if err := e.checkChannel(ch); err != nil {
		return GestureResult{}, err
	}
	reply := make(chan endResult, 1)
	res, err := call(ctx, e, gestureEnded{channel: ch, reply: reply}, reply)
	if err != nil {
		return GestureResult{}, err
	}
	return res.result, res.err
}

// SetAutoplay records whether the hosting surface currently permits autoplay, e.g. while
// it is visible. Surfaces whose presentation forbids autoplay never rotate.
func (e *Engine) SetAutoplay(ctx context.Context, allowed bool) error {
	reply := make(chan struct{})
	_, err := call(ctx, e, autoplayChanged{allowed: allowed, reply: reply}, reply)
	return err
}

// Activate resolves where slide leads.
func (e *Engine) Activate(ctx context.Context, slide models.Slide) (models.Destination, error) {
	if e.activator == nil {
		return models.Destination{}, ErrNoActivator
	}
	dest, err := e.activator.Resolve(ctx, slide)
	e.metrics.activation(e.surface, err)
	if err != nil {
		e.logger.Warn("slide activation unresolved", zap.String("slide_id", slide.ID), zap.String("link_kind", string(slide.LinkKind)), zap.Error(err))
		return models.Destination{}, err
	}
	return dest, nil
}

// ActivateByID activates a slide of ch's current sequence.
func (e *Engine) ActivateByID(ctx context.Context, ch models.Channel, id string) (models.Destination, error) {
	if err := e.checkChannel(ch); err != nil {
		return models.Destination{}, err
	}
	slides, _ := e.CurrentOrdered(ch)
	for _, s := range slides {
		if s.ID == id {
			return e.Activate(ctx, s)
		}
	}
	return models.Destination{}, ErrSlideNotFound
}

// CurrentOrdered returns ch's published sequence; loaded is false before the first one.
func (e *Engine) CurrentOrdered(ch models.Channel) ([]models.Slide, bool) {
	v, err := e.View(ch)
	if err != nil {
		return nil, false
	}
	return v.Slides, v.Loaded
}

// CurrentIndex returns ch's logical index.
func (e *Engine) CurrentIndex(ch models.Channel) int {
	v, _ := e.View(ch)
	return v.Index
}

// View returns the latest view of ch.
func (e *Engine) View(ch models.Channel) (ChannelView, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.views[ch]
	if !ok {
		return ChannelView{}, ErrUnknownChannel
	}
	return v, nil
}

// Views returns the latest view of every channel in display order.
func (e *Engine) Views() []ChannelView {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]ChannelView, 0, len(models.Channels))
	for _, ch := range models.Channels {
		out = append(out, e.views[ch])
	}
	return out
}

// sync returns once every event posted before it has been processed.
func (e *Engine) sync(ctx context.Context) error {
	reply := make(chan struct{})
	_, err := call(ctx, e, barrier{reply: reply}, reply)
	return err
}
