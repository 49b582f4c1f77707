package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledIsNoop(t *testing.T) {
	m := Noop()
	assert.False(t, m.Enabled())

	m.ObserveCoordinatorRun("reoptimize", time.Now(), nil)
	m.MessageSent("FlexOrder", errors.New("down"))
	m.BusinessError("PTUS_IN_WRONG_PHASE")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCounters(t *testing.T) {
	m := New(true)

	m.ObserveCoordinatorRun("place_flex_orders", time.Now(), nil)
	m.ObserveCoordinatorRun("place_flex_orders", time.Now(), errors.New("boom"))
	m.ReOptimizeCoalesced()
	m.BusinessError("DOCUMENT_EXPIRED")
	m.BusinessError("DOCUMENT_EXPIRED")

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				key := mf.GetName()
				for _, lp := range metric.GetLabel() {
					key += "," + lp.GetValue()
				}
				values[key] = c.GetValue()
			}
		}
	}

	assert.Equal(t, 1.0, values["usef_coordinator_runs_total,place_flex_orders,error"])
	assert.Equal(t, 1.0, values["usef_coordinator_runs_total,place_flex_orders,success"])
	assert.Equal(t, 1.0, values["usef_reoptimize_coalesced_total"])
	assert.Equal(t, 2.0, values["usef_business_errors_total,DOCUMENT_EXPIRED"])
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New(true)
	m.MessageReceived("FlexOffer", "accepted")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "usef_messages_received_total"))
}
