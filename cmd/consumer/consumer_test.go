package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromStatsCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := newPromStats(reg)
	s.Consumed()
	s.Consumed()
	s.Invalid()
	s.Updated()
	s.Failed()

	families, err := reg.Gather()
	require.NoError(t, err)
	got := map[string]float64{}
	for _, f := range families {
		got[f.GetName()] = f.GetMetric()[0].GetCounter().GetValue()
	}
	assert.Equal(t, map[string]float64{
		"consumer_messages_consumed_total":    2,
		"consumer_messages_invalid_total":     1,
		"consumer_driver_updates_total":       1,
		"consumer_driver_update_errors_total": 1,
	}, got)
}

func TestHealthMux(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	h := healthMux(rc)

	for path, want := range map[string]int{"/healthz": http.StatusOK, "/ready": http.StatusOK, "/metrics": http.StatusOK} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, want, rec.Code, path)
	}

	mr.Close()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
