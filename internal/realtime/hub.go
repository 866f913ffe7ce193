package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// AudienceChangeHandler is called when the number of renderers connected to a surface changes.
type AudienceChangeHandler func(surface string, count int)

// Hub maintains surface -> set of renderer connections and broadcasts messages.
// Uses Redis pub/sub for horizontal scaling: local broadcast + publish to Redis.
type Hub struct {
	// surface -> map[clientID]*Client
	surfaces   map[string]map[string]*Client
	subs       map[string]func() // cancel Redis subscription per surface
	mu         sync.RWMutex
	instance   string
	logger     *zap.Logger
	redis      RedisPublisher
	redisSub   RedisSubscriber
	onAudience AudienceChangeHandler
	runsLocal  func(surface string) bool
	outbox     chan outbound
}

type outbound struct {
	surface string
	event   string
	data    []byte
}

// RedisPublisher is the interface for publishing to Redis (for cross-instance broadcast).
type RedisPublisher interface {
	PublishSurfaceEvent(surface, origin, event string, payload []byte) error
}

// RedisSubscriber subscribes to surface channels and invokes handler for incoming events.
type RedisSubscriber interface {
	SubscribeSurface(surface string, handler func(origin, event string, payload []byte)) (cancel func(), err error)
}

// NewHub creates a new WebSocket hub. Both Redis arguments may be nil for a single instance.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		surfaces: make(map[string]map[string]*Client),
		subs:     make(map[string]func()),
		instance: uuid.New().String(),
		logger:   logger,
		redis:    redisPub,
		redisSub: redisSub,
		outbox:   make(chan outbound, 1024),
	}
}

// Run forwards published events to Redis until ctx is done, keeping Redis round trips off
// the callers' goroutines.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-h.outbox:
			if err := h.redis.PublishSurfaceEvent(o.surface, h.instance, o.event, o.data); err != nil {
				h.logger.Warn("publish surface event", zap.String("surface", o.surface), zap.String("event", o.event), zap.Error(err))
			}
		}
	}
}

// SetAudienceChangeHandler sets the callback for audience count changes.
func (h *Hub) SetAudienceChangeHandler(fn AudienceChangeHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onAudience = fn
}

// SetLocalSurfaces tells the hub which surfaces this instance renders itself; their events
// arriving from other instances are dropped so local clients follow a single rotation clock.
func (h *Hub) SetLocalSurfaces(fn func(surface string) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runsLocal = fn
}

// Register adds a client to a surface room. Starts Redis subscription for this surface if first client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.surfaces[c.Surface] == nil {
		h.surfaces[c.Surface] = make(map[string]*Client)
		if h.redisSub != nil {
			surface := c.Surface
			cancel, err := h.redisSub.SubscribeSurface(surface, func(origin, event string, payload []byte) {
				h.fromRemote(surface, origin, event, payload)
			})
			if err == nil {
				h.subs[surface] = cancel
			} else {
				h.logger.Warn("surface subscription failed", zap.String("surface", surface), zap.Error(err))
			}
		}
	}
	h.surfaces[c.Surface][c.ID] = c
	count := len(h.surfaces[c.Surface])
	onAudience := h.onAudience
	h.mu.Unlock()
	if onAudience != nil {
		onAudience(c.Surface, count)
	}
	h.logger.Debug("renderer joined surface", zap.String("client_id", c.ID), zap.String("surface", c.Surface))
}

// Unregister removes a client from a surface room. Cancels Redis subscription when last client leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	var count int
	if m, ok := h.surfaces[c.Surface]; ok {
		delete(m, c.ID)
		count = len(m)
		if count == 0 {
			delete(h.surfaces, c.Surface)
			if cancel, ok := h.subs[c.Surface]; ok {
				cancel()
				delete(h.subs, c.Surface)
			}
		}
	}
	onAudience := h.onAudience
	h.mu.Unlock()
	if onAudience != nil {
		onAudience(c.Surface, count)
	}
	h.logger.Debug("renderer left surface", zap.String("client_id", c.ID), zap.String("surface", c.Surface))
}

func (h *Hub) fromRemote(surface, origin, event string, payload []byte) {
	if origin == h.instance {
		return
	}
	h.mu.RLock()
	runsLocal := h.runsLocal
	h.mu.RUnlock()
	if runsLocal != nil && runsLocal(surface) {
		return
	}
	h.BroadcastToSurface(surface, event, json.RawMessage(payload))
}

// BroadcastToSurface sends a message to all clients of a surface (local only).
func (h *Hub) BroadcastToSurface(surface string, event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		data, _ = json.Marshal(payload)
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.surfaces[surface] {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// BroadcastToSurfaceAndPublish sends to local clients and queues the event for other
// instances; Run delivers the queue. It never blocks.
func (h *Hub) BroadcastToSurfaceAndPublish(surface string, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("marshal broadcast", zap.String("event", event), zap.Error(err))
		return
	}
	h.BroadcastToSurface(surface, event, json.RawMessage(data))
	if h.redis == nil {
		return
	}
	select {
	case h.outbox <- outbound{surface: surface, event: event, data: data}:
	default:
		h.logger.Warn("surface outbox full, dropping event", zap.String("surface", surface), zap.String("event", event))
	}
}

// AudienceCount returns the number of connected clients on a surface.
func (h *Hub) AudienceCount(surface string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.surfaces[surface])
}

// SendToClient sends a message to a single client of a surface.
func (h *Hub) SendToClient(surface, clientID string, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	msg := WSMessage{Event: event, Data: data}
	h.mu.RLock()
	c, ok := h.surfaces[surface][clientID]
	h.mu.RUnlock()
	if !ok || c == nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}
