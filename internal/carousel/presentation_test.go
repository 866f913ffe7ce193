package carousel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupPresentation(t *testing.T) {
	web, err := LookupPresentation(" WEB ")
	require.NoError(t, err)
	assert.True(t, web.Autoplay)
	assert.True(t, web.ResumeAfterGesture)
	assert.True(t, web.SeamlessWrap)

	mobile, err := LookupPresentation("mobile")
	require.NoError(t, err)
	assert.True(t, mobile.Autoplay)
	assert.False(t, mobile.ResumeAfterGesture)

	compact, err := LookupPresentation("compact")
	require.NoError(t, err)
	assert.False(t, compact.Autoplay)

	_, err = LookupPresentation("tv")
	assert.ErrorIs(t, err, ErrUnknownSurface)
}

func TestSurfaces(t *testing.T) {
	assert.Equal(t, []string{"compact", "mobile", "web"}, Surfaces())
}
