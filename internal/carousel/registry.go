package carousel

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/aura-webinar/carousel/pkg/docstore"
)

type openView struct {
	engine *Engine
	cancel context.CancelFunc
}

// Registry holds the open carousel view per surface (thread-safe).
type Registry struct {
	mu      sync.RWMutex
	views   map[string]*openView
	cfg     Config
	store   docstore.Subscriber
	updater docstore.Updater
	logger  *zap.Logger
	opts    []Option

	audience func(surface string) int
}

// NewRegistry creates a registry whose engines share cfg, store, updater and opts.
func NewRegistry(cfg Config, store docstore.Subscriber, updater docstore.Updater, logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		views:   make(map[string]*openView),
		cfg:     cfg,
		store:   store,
		updater: updater,
		logger:  logger,
		opts:    opts,
	}
}

// SetAudienceCounter sets how Open learns the number of renderers already watching a
// surface. Views opened with nobody watching start with autoplay paused.
func (reg *Registry) SetAudienceCounter(count func(surface string) int) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.audience = count
}

func normalize(surface string) string {
	return strings.ToLower(strings.TrimSpace(surface))
}

// Open starts the view for surface if it is not already running and returns its engine.
func (reg *Registry) Open(surface string) (*Engine, error) {
	name := normalize(surface)
	pres, err := LookupPresentation(name)
	if err != nil {
		return nil, err
	}
	reg.mu.RLock()
	audience := reg.audience
	reg.mu.RUnlock()
	paused := audience != nil && audience(name) == 0

	reg.mu.Lock()
	if v := reg.views[name]; v != nil {
		reg.mu.Unlock()
		return v.engine, nil
	}
	opts := append([]Option{WithLogger(reg.logger)}, reg.opts...)
	if paused {
		opts = append(opts, WithAutoplayPaused())
	}
	e := New(name, pres, reg.cfg, reg.store, reg.updater, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	reg.views[name] = &openView{engine: e, cancel: cancel}
	reg.mu.Unlock()

	go func() {
		if err := e.Run(ctx); err != nil {
			reg.logger.Error("carousel view exited", zap.String("surface", name), zap.Error(err))
		}
	}()
	reg.logger.Info("carousel view opened", zap.String("surface", name),
		zap.Bool("autoplay", pres.Autoplay && !paused), zap.Bool("seamless_wrap", pres.SeamlessWrap))
	// a renderer may have joined before the view was registered
	if paused {
		if n := audience(name); n > 0 {
			reg.AudienceChanged(name, n)
		}
	}
	return e, nil
}

// Dismiss tears down the view for surface and waits until its timers and subscription
// are released. It reports whether a view was open.
func (reg *Registry) Dismiss(surface string) bool {
	name := normalize(surface)
	reg.mu.Lock()
	v := reg.views[name]
	delete(reg.views, name)
	reg.mu.Unlock()
	if v == nil {
		return false
	}
	v.cancel()
	<-v.engine.Done()
	reg.logger.Info("carousel view dismissed", zap.String("surface", name))
	return true
}

// Get returns the open engine for surface.
func (reg *Registry) Get(surface string) (*Engine, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	v := reg.views[normalize(surface)]
	if v == nil {
		return nil, false
	}
	return v.engine, true
}

// Surfaces returns the names of the open views, sorted.
func (reg *Registry) Surfaces() []string {
	reg.mu.RLock()
	names := make([]string, 0, len(reg.views))
	for n := range reg.views {
		names = append(names, n)
	}
	reg.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Close dismisses every open view.
func (reg *Registry) Close() {
	for _, name := range reg.Surfaces() {
		reg.Dismiss(name)
	}
}
