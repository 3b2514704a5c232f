package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		name string
		path string
		want string
	}{
		{name: "task detail collapses id", path: "/tasks/issue-42", want: "/tasks/{id}"},
		{name: "task list untouched", path: "/tasks", want: "/tasks"},
		{name: "webhook untouched", path: "/webhook", want: "/webhook"},
		{name: "empty becomes root", path: "", want: "/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizePath(tt.path))
		})
	}
}

func TestMiddlewareCountsRequests(t *testing.T) {
	m := New()
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks/issue-7", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues(http.MethodGet, "/tasks/{id}"))
	assert.Equal(t, float64(3), got)
}

func TestAgentPoolGaugeReadsLive(t *testing.T) {
	m := New()
	inUse := 0
	m.RegisterAgentPoolGauge(func() int { return inUse })

	inUse = 2
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "orchestrator_agents_in_flight 2")
}

func TestIndependentRegistries(t *testing.T) {
	// Two instances must not collide on registration.
	a := New()
	b := New()
	a.WebhookEvents.WithLabelValues("issues").Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(a.WebhookEvents.WithLabelValues("issues")))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.WebhookEvents.WithLabelValues("issues")))
}
