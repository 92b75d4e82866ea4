package observability_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"EqualisLedger/internal/observability"

	"github.com/stretchr/testify/require"
)

func statusOf(h http.HandlerFunc) int {
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	return rec.Code
}

func TestHealthChecker_ReadinessFollowsDependencies(t *testing.T) {
	hc := observability.NewHealthChecker()
	require.Equal(t, http.StatusOK, statusOf(hc.LivenessHandler))
	require.Equal(t, http.StatusServiceUnavailable, statusOf(hc.ReadinessHandler))

	hc.SetReady(true)
	require.True(t, hc.IsReady())
	require.Equal(t, http.StatusOK, statusOf(hc.ReadinessHandler))

	var down error
	hc.AddCheck("postgres", func(context.Context) error { return down })
	require.Equal(t, http.StatusOK, statusOf(hc.ReadinessHandler))

	down = errors.New("connection refused")
	require.Equal(t, http.StatusServiceUnavailable, statusOf(hc.ReadinessHandler))
	require.Equal(t, map[string]string{"postgres": "connection refused"}, hc.Check(context.Background()))

	hc.SetReady(false)
	down = nil
	require.Equal(t, http.StatusServiceUnavailable, statusOf(hc.ReadinessHandler))
}
