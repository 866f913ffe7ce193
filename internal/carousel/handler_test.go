package carousel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/carousel/internal/models"
	"github.com/aura-webinar/carousel/pkg/docstore"
)

type fakeImages struct {
	objects map[string]string
}

func (f fakeImages) SlidesBucket() string { return "slides-bucket" }

func (f fakeImages) GetObjectStream(ctx context.Context, bucket, key string) (io.ReadCloser, string, error) {
	body, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, "", errors.New("no such key")
	}
	return io.NopCloser(strings.NewReader(body)), "image/png", nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func setupHandler(t *testing.T, images ImageSource) (*gin.Engine, *docstore.Memory, *Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := docstore.NewMemory()
	require.NoError(t, store.Put(DefaultCollection, "a", map[string]any{"isActive": true, "rank": 1, "imageRef": "a.png", "url": "https://example.com/a"}))
	require.NoError(t, store.Put(DefaultCollection, "b", map[string]any{"isActive": true, "rank": 2, "imageRef": "https://cdn.example.com/b.png"}))
	require.NoError(t, store.Put(DefaultCollection, "c", map[string]any{"isActive": true, "rank": 3}))
	reg := newTestRegistry(t, store, WithActivator(fakeActivator{}))
	r := gin.New()
	NewHandler(reg, store, DefaultCollection, images, nil).Routes(r)
	return r, store, reg
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, into any) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	if into != nil {
		require.NoError(t, json.Unmarshal(env.Data, into))
	}
	return env
}

func openLoaded(t *testing.T, r http.Handler, reg *Registry, surface string) *Engine {
	t.Helper()
	w := do(r, http.MethodPost, "/surfaces/"+surface+"/open", "")
	require.Equal(t, http.StatusOK, w.Code)
	e, ok := reg.Get(surface)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		slides, _ := e.CurrentOrdered(models.ChannelMain)
		return len(slides) == 3
	}, time.Second, 5*time.Millisecond)
	return e
}

func TestHandler_SurfaceLifecycle(t *testing.T) {
	r, _, reg := setupHandler(t, nil)

	w := do(r, http.MethodGet, "/surfaces/web", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	openLoaded(t, r, reg, "web")

	var list struct {
		Known []string `json:"known"`
		Open  []string `json:"open"`
	}
	w = do(r, http.MethodGet, "/surfaces", "")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &list)
	assert.Equal(t, []string{"compact", "mobile", "web"}, list.Known)
	assert.Equal(t, []string{"web"}, list.Open)

	var state struct {
		Surface      string        `json:"surface"`
		Presentation Presentation  `json:"presentation"`
		Channels     []ChannelView `json:"channels"`
	}
	w = do(r, http.MethodGet, "/surfaces/web", "")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &state)
	assert.Equal(t, "web", state.Surface)
	assert.True(t, state.Presentation.SeamlessWrap)
	require.Len(t, state.Channels, 2)
	assert.Len(t, state.Channels[0].Slides, 3)

	w = do(r, http.MethodPost, "/surfaces/kiosk/open", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodDelete, "/surfaces/web", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(r, http.MethodDelete, "/surfaces/web", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_Navigation(t *testing.T) {
	r, _, reg := setupHandler(t, nil)
	openLoaded(t, r, reg, "compact")

	var v ChannelView
	w := do(r, http.MethodPost, "/surfaces/compact/channels/main/advance", "")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &v)
	assert.Equal(t, 1, v.Index)

	w = do(r, http.MethodPost, "/surfaces/compact/channels/main/retreat", "")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &v)
	assert.Equal(t, 0, v.Index)

	w = do(r, http.MethodPost, "/surfaces/compact/channels/main/goto", `{"index":2}`)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &v)
	assert.Equal(t, 2, v.Index)

	w = do(r, http.MethodGet, "/surfaces/compact/channels/main", "")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &v)
	assert.Equal(t, 2, v.Index)
	assert.Equal(t, PhasePaused.String(), v.Phase)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"goto out of range", http.MethodPost, "/surfaces/compact/channels/main/goto", `{"index":3}`, http.StatusBadRequest},
		{"goto missing index", http.MethodPost, "/surfaces/compact/channels/main/goto", `{}`, http.StatusBadRequest},
		{"empty channel", http.MethodPost, "/surfaces/compact/channels/ad/advance", "", http.StatusConflict},
		{"bad channel", http.MethodPost, "/surfaces/compact/channels/sidebar/advance", "", http.StatusBadRequest},
		{"surface not open", http.MethodPost, "/surfaces/web/channels/main/advance", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code)
			env := decode(t, w, nil)
			assert.False(t, env.Success)
			assert.NotEmpty(t, env.Error)
		})
	}
}

func TestHandler_Gesture(t *testing.T) {
	r, _, reg := setupHandler(t, nil)
	openLoaded(t, r, reg, "web")

	w := do(r, http.MethodPost, "/surfaces/web/channels/main/gesture", `{"phase":"end"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(r, http.MethodPost, "/surfaces/web/channels/main/gesture", `{"phase":"wiggle"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/surfaces/web/channels/main/gesture", `{"phase":"start","x":100}`)
	require.Equal(t, http.StatusOK, w.Code)

	var moved struct {
		DragOffset float64 `json:"drag_offset"`
	}
	w = do(r, http.MethodPost, "/surfaces/web/channels/main/gesture", `{"phase":"move","x":40}`)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &moved)
	assert.Equal(t, 60.0, moved.DragOffset)

	var res GestureResult
	w = do(r, http.MethodPost, "/surfaces/web/channels/main/gesture", `{"phase":"end"}`)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &res)
	assert.Equal(t, "advance", res.Command)
	assert.Equal(t, 1, res.View.Index)
}

func TestHandler_Autoplay(t *testing.T) {
	r, _, reg := setupHandler(t, nil)
	e := openLoaded(t, r, reg, "web")

	w := do(r, http.MethodPost, "/surfaces/web/autoplay", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/surfaces/web/autoplay", `{"allowed":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, PhasePaused.String(), mainView(t, e).Phase)
}

func TestHandler_Activate(t *testing.T) {
	r, _, reg := setupHandler(t, nil)
	openLoaded(t, r, reg, "web")

	var dest models.Destination
	w := do(r, http.MethodPost, "/surfaces/web/channels/main/slides/a/activate", "")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &dest)
	assert.Equal(t, "https://example.com/a", dest.URL)

	w = do(r, http.MethodPost, "/surfaces/web/channels/main/slides/zzz/activate", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	// no link target: the activator fails with an unclassified error
	w = do(r, http.MethodPost, "/surfaces/web/channels/main/slides/c/activate", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHandler_Image(t *testing.T) {
	r, _, _ := setupHandler(t, fakeImages{objects: map[string]string{"slides-bucket/slides/a.png": "PNGDATA"}})

	w := do(r, http.MethodGet, "/slides/a/image", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "PNGDATA", w.Body.String())
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, "public, max-age=300", w.Header().Get("Cache-Control"))

	w = do(r, http.MethodGet, "/slides/b/image", "")
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://cdn.example.com/b.png", w.Header().Get("Location"))

	w = do(r, http.MethodGet, "/slides/c/image", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodGet, "/slides/nope/image", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_ImageWithoutStorage(t *testing.T) {
	r, _, _ := setupHandler(t, nil)
	w := do(r, http.MethodGet, "/slides/a/image", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
