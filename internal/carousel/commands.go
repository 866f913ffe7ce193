package carousel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/aura-webinar/carousel/internal/models"
)

// Renderer events pushed to websocket clients.
const (
	EventChanged = "carousel_changed"
)

// ErrUnknownCommand is returned for a renderer message the engine does not understand.
var ErrUnknownCommand = errors.New("unknown carousel command")

// commandPayload is the union of renderer command bodies.
type commandPayload struct {
	Channel models.Channel `json:"channel"`
	X       float64        `json:"x"`
	Index   int            `json:"index"`
	Allowed bool           `json:"allowed"`
	SlideID string         `json:"slide_id"`
}

// HandleCommand executes a renderer message against the surface's open view, opening it
// on first use. Events: sync, gesture_start, gesture_move, gesture_end, advance, retreat,
// goto, autoplay, activate.
func (reg *Registry) HandleCommand(ctx context.Context, surface, event string, data json.RawMessage) (any, error) {
	e, err := reg.Open(surface)
	if err != nil {
		return nil, err
	}
	var p commandPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", event, err)
		}
	}
	if p.Channel == "" {
		p.Channel = models.ChannelMain
	}

	switch event {
	case "sync":
		return map[string]any{"surface": e.Surface(), "presentation": e.Presentation(), "channels": e.Views()}, nil
	case "gesture_start":
		return e.TouchStart(ctx, p.Channel, p.X)
	case "gesture_move":
		offset, err := e.TouchMove(ctx, p.Channel, p.X)
		if err != nil {
			return nil, err
		}
		return map[string]float64{"drag_offset": offset}, nil
	case "gesture_end":
		return e.TouchEnd(ctx, p.Channel)
	case "advance":
		return e.Advance(ctx, p.Channel)
	case "retreat":
		return e.Retreat(ctx, p.Channel)
	case "goto":
		return e.GoTo(ctx, p.Channel, p.Index)
	case "autoplay":
		if err := e.SetAutoplay(ctx, p.Allowed); err != nil {
			return nil, err
		}
		return e.Views(), nil
	case "activate":
		return e.ActivateByID(ctx, p.Channel, p.SlideID)
	default:
		return nil, ErrUnknownCommand
	}
}

// AudienceChanged pauses autoplay on a surface nobody is watching and resumes it when a
// renderer connects.
func (reg *Registry) AudienceChanged(surface string, count int) {
	e, ok := reg.Get(surface)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultWriteTimeout)
	defer cancel()
	if err := e.SetAutoplay(ctx, count > 0); err != nil {
		reg.logger.Warn("audience autoplay toggle failed", zap.String("surface", surface), zap.Int("count", count), zap.Error(err))
	}
}
