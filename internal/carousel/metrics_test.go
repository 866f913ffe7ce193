package carousel

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/carousel/internal/models"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestMetrics_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.snapshot("web", nil)
	m.snapshot("web", errors.New("x"))
	m.change("web", ChannelView{Channel: models.ChannelMain, Cause: CauseTick})
	m.change("web", ChannelView{Channel: models.ChannelAd, Cause: CausePublish})
	m.change("web", ChannelView{Channel: models.ChannelAd, Cause: CauseDrag})
	m.navigation("web", models.ChannelMain, "gesture")
	m.write("web", "failed")
	m.activation("web", nil)

	assert.Equal(t, 1.0, counterValue(t, reg, "carousel_snapshots_total", map[string]string{"result": "ok"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "carousel_snapshots_total", map[string]string{"result": "error"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "carousel_ticks_total", map[string]string{"channel": "main"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "carousel_published_sequences_total", map[string]string{"channel": "ad"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "carousel_navigations_total", map[string]string{"source": "gesture"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "carousel_reconcile_writes_total", map[string]string{"result": "failed"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "carousel_activations_total", map[string]string{"result": "ok"}))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.snapshot("web", nil)
		m.write("web", "written")
		m.change("web", ChannelView{Cause: CauseTick})
		m.navigation("web", models.ChannelMain, "control")
		m.activation("web", errors.New("x"))
	})
}
