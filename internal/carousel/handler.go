package carousel

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-webinar/carousel/internal/links"
	"github.com/aura-webinar/carousel/internal/models"
	"github.com/aura-webinar/carousel/pkg/docstore"
	"github.com/aura-webinar/carousel/pkg/response"
	"github.com/aura-webinar/carousel/pkg/storage"
)

// ImageSource streams slide images from object storage.
type ImageSource interface {
	SlidesBucket() string
	GetObjectStream(ctx context.Context, bucket, key string) (io.ReadCloser, string, error)
}

// GotoRequest is the body for POST /surfaces/:surface/channels/:channel/goto.
type GotoRequest struct {
	Index *int `json:"index" binding:"required"`
}

// GestureRequest is the body for POST /surfaces/:surface/channels/:channel/gesture.
type GestureRequest struct {
	Phase string  `json:"phase" binding:"required,oneof=start move end"`
	X     float64 `json:"x"`
}

// AutoplayRequest is the body for POST /surfaces/:surface/autoplay.
type AutoplayRequest struct {
	Allowed *bool `json:"allowed" binding:"required"`
}

// Handler serves the carousel HTTP API.
type Handler struct {
	registry   *Registry
	slides     docstore.Getter
	collection string
	images     ImageSource
	logger     *zap.Logger
}

// NewHandler creates a carousel handler. slides and images may be nil, which disables
// the image proxy.
func NewHandler(registry *Registry, slides docstore.Getter, collection string, images ImageSource, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if collection == "" {
		collection = DefaultCollection
	}
	return &Handler{registry: registry, slides: slides, collection: collection, images: images, logger: logger}
}

// Routes registers the carousel endpoints on r.
func (h *Handler) Routes(r gin.IRouter) {
	r.GET("/surfaces", h.ListSurfaces)
	s := r.Group("/surfaces/:surface")
	{
		s.POST("/open", h.Open)
		s.DELETE("", h.Dismiss)
		s.GET("", h.GetSurface)
		s.POST("/autoplay", h.SetAutoplay)
		s.GET("/channels/:channel", h.GetChannel)
		s.POST("/channels/:channel/advance", h.Advance)
		s.POST("/channels/:channel/retreat", h.Retreat)
		s.POST("/channels/:channel/goto", h.GoTo)
		s.POST("/channels/:channel/gesture", h.Gesture)
		s.POST("/channels/:channel/slides/:id/activate", h.Activate)
	}
	r.GET("/slides/:id/image", h.Image)
}

// ListSurfaces handles GET /surfaces.
func (h *Handler) ListSurfaces(c *gin.Context) {
	response.OK(c, gin.H{"known": Surfaces(), "open": h.registry.Surfaces()})
}

// Open handles POST /surfaces/:surface/open.
func (h *Handler) Open(c *gin.Context) {
	e, err := h.registry.Open(c.Param("surface"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, gin.H{"surface": e.Surface(), "presentation": e.Presentation(), "channels": e.Views()})
}

// Dismiss handles DELETE /surfaces/:surface.
func (h *Handler) Dismiss(c *gin.Context) {
	if !h.registry.Dismiss(c.Param("surface")) {
		response.NotFound(c, "surface not open")
		return
	}
	response.NoContent(c)
}

// GetSurface handles GET /surfaces/:surface.
func (h *Handler) GetSurface(c *gin.Context) {
	e, ok := h.engine(c)
	if !ok {
		return
	}
	response.OK(c, gin.H{"surface": e.Surface(), "presentation": e.Presentation(), "channels": e.Views()})
}

// GetChannel handles GET /surfaces/:surface/channels/:channel.
func (h *Handler) GetChannel(c *gin.Context) {
	e, ch, ok := h.engineChannel(c)
	if !ok {
		return
	}
	v, err := e.View(ch)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, v)
}

// Advance handles POST /surfaces/:surface/channels/:channel/advance.
func (h *Handler) Advance(c *gin.Context) {
	h.navigate(c, func(ctx context.Context, e *Engine, ch models.Channel) (ChannelView, error) {
		return e.Advance(ctx, ch)
	})
}

// Retreat handles POST /surfaces/:surface/channels/:channel/retreat.
func (h *Handler) Retreat(c *gin.Context) {
	h.navigate(c, func(ctx context.Context, e *Engine, ch models.Channel) (ChannelView, error) {
		return e.Retreat(ctx, ch)
	})
}

// GoTo handles POST /surfaces/:surface/channels/:channel/goto.
func (h *Handler) GoTo(c *gin.Context) {
	var req GotoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	h.navigate(c, func(ctx context.Context, e *Engine, ch models.Channel) (ChannelView, error) {
		return e.GoTo(ctx, ch, *req.Index)
	})
}

func (h *Handler) navigate(c *gin.Context, fn func(context.Context, *Engine, models.Channel) (ChannelView, error)) {
	e, ch, ok := h.engineChannel(c)
	if !ok {
		return
	}
	v, err := fn(c.Request.Context(), e, ch)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, v)
}

// Gesture handles POST /surfaces/:surface/channels/:channel/gesture.
func (h *Handler) Gesture(c *gin.Context) {
	var req GestureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	e, ch, ok := h.engineChannel(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	switch req.Phase {
	case "start":
		v, err := e.TouchStart(ctx, ch, req.X)
		if err != nil {
			h.fail(c, err)
			return
		}
		response.OK(c, v)
	case "move":
		offset, err := e.TouchMove(ctx, ch, req.X)
		if err != nil {
			h.fail(c, err)
			return
		}
		response.OK(c, gin.H{"drag_offset": offset})
	case "end":
		res, err := e.TouchEnd(ctx, ch)
		if err != nil {
			h.fail(c, err)
			return
		}
		response.OK(c, res)
	}
}

// SetAutoplay handles POST /surfaces/:surface/autoplay.
func (h *Handler) SetAutoplay(c *gin.Context) {
	var req AutoplayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	e, ok := h.engine(c)
	if !ok {
		return
	}
	if err := e.SetAutoplay(c.Request.Context(), *req.Allowed); err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, e.Views())
}

// Activate handles POST /surfaces/:surface/channels/:channel/slides/:id/activate.
func (h *Handler) Activate(c *gin.Context) {
	e, ch, ok := h.engineChannel(c)
	if !ok {
		return
	}
	dest, err := e.ActivateByID(c.Request.Context(), ch, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, dest)
}

// Image handles GET /slides/:id/image: streams the slide image from S3, or redirects when
// the slide references an external URL.
func (h *Handler) Image(c *gin.Context) {
	if h.images == nil || h.slides == nil {
		response.ServiceUnavailable(c, "image storage not configured")
		return
	}
	ctx := c.Request.Context()
	doc, err := h.slides.GetOne(ctx, h.collection, c.Param("id"))
	if errors.Is(err, docstore.ErrNotFound) {
		response.NotFound(c, "slide not found")
		return
	}
	if err != nil {
		h.logger.Error("load slide for image", zap.Error(err), zap.String("slide_id", c.Param("id")))
		response.Internal(c, "failed to load slide")
		return
	}
	ref := models.DecodeSlide(doc.ID, doc.Data).Display.ImageRef
	if storage.IsExternal(ref) {
		c.Redirect(http.StatusFound, ref)
		return
	}
	key, err := storage.SlideImageKey(ref)
	if err != nil {
		response.NotFound(c, "slide has no image")
		return
	}
	body, contentType, err := h.images.GetObjectStream(ctx, h.images.SlidesBucket(), key)
	if err != nil {
		h.logger.Warn("slide image fetch failed", zap.Error(err), zap.String("key", key))
		response.NotFound(c, "image not found")
		return
	}
	defer body.Close()
	c.Header("Cache-Control", "public, max-age=300")
	c.DataFromReader(http.StatusOK, -1, contentType, body, nil)
}

func (h *Handler) engine(c *gin.Context) (*Engine, bool) {
	e, ok := h.registry.Get(c.Param("surface"))
	if !ok {
		response.NotFound(c, "surface not open")
		return nil, false
	}
	return e, true
}

func (h *Handler) engineChannel(c *gin.Context) (*Engine, models.Channel, bool) {
	ch := models.Channel(c.Param("channel"))
	if ch != models.ChannelMain && ch != models.ChannelAd {
		response.BadRequest(c, "channel must be main or ad")
		return nil, "", false
	}
	e, ok := h.engine(c)
	if !ok {
		return nil, "", false
	}
	return e, ch, true
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrUnknownSurface), errors.Is(err, ErrSlideNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, ErrUnknownChannel), errors.Is(err, ErrIndexOutOfRange):
		response.BadRequest(c, err.Error())
	case errors.Is(err, ErrNoSlides), errors.Is(err, ErrNoGesture):
		response.Conflict(c, err.Error())
	case errors.Is(err, ErrNoActivator), errors.Is(err, ErrStopped):
		response.ServiceUnavailable(c, err.Error())
	case errors.Is(err, links.ErrUnresolvable):
		// already logged by the resolver
		response.NotFound(c, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		response.ServiceUnavailable(c, "request cancelled")
	default:
		h.logger.Error("carousel request failed", zap.Error(err), zap.String("path", c.FullPath()))
		response.Internal(c, "internal error")
	}
}
