package response

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/tidwall/gjson"
)

func TestEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	OK(c, gin.H{"index": 2})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gjson.Get(w.Body.String(), "success").Bool())
	assert.Equal(t, int64(2), gjson.Get(w.Body.String(), "data.index").Int())
	assert.False(t, gjson.Get(w.Body.String(), "error").Exists())

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	Conflict(c, "channel has no slides")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.False(t, gjson.Get(w.Body.String(), "success").Bool())
	assert.Equal(t, "channel has no slides", gjson.Get(w.Body.String(), "error").String())
}
