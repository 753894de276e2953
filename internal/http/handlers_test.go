package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/telemetry"
)

type fakePublisher struct {
	mu   sync.Mutex
	sent []models.DriverLocationUpdate
	err  error
}

func (f *fakePublisher) PublishLocation(_ context.Context, u models.DriverLocationUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, u)
	return f.err
}

func newTestServer(t *testing.T, pub LocationPublisher) *Server {
	t.Helper()
	return newTestServerWithLogger(t, pub, zaptest.NewLogger(t))
}

func newTestServerWithLogger(t *testing.T, pub LocationPublisher, logger *zap.Logger) *Server {
	t.Helper()
	store := storage.NewMemoryStore()
	ws := notify.NewWSRegistry(logger)
	svc := dispatch.NewService(dispatch.Config{
		Drivers:      store.Drivers(),
		Trips:        store.Trips(),
		Offers:       store.Offers(),
		Geo:          geo.NewIndex(geo.DefaultResolution),
		Telemetry:    telemetry.NewRecorder(100, logger),
		Notifier:     ws,
		OfferTimeout: time.Minute,
		Logger:       logger,
	})
	t.Cleanup(svc.Close)
	return NewServer(svc, ws, pub, logger)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&v))
	return v
}

const tripBody = `{"riderId":"r1","pickup":{"lat":37.7749,"lng":-122.4194},"dropoff":{"lat":37.80,"lng":-122.41}}`

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	s := newTestServer(t, nil)
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	r.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, r)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestPooledTripFlushAcceptFlow(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestServer(t, pub)

	rec := do(t, s, http.MethodPost, "/internal/driver/locations",
		`{"driverId":"d1","name":"Ana","lat":37.7749,"lng":-122.4194,"rating":4.8,"status":"available"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	d := decodeBody[models.DriverCandidate](t, rec)
	assert.Equal(t, models.DriverAvailable, d.Status)
	assert.NotEmpty(t, d.Location.Cell)
	assert.Len(t, pub.sent, 1)

	rec = do(t, s, http.MethodPost, "/api/v1/trips", tripBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sub := decodeBody[dispatch.Submission](t, rec)
	assert.Equal(t, models.DispatchPooled, sub.Trip.Mode)
	assert.Nil(t, sub.Result)

	rec = do(t, s, http.MethodGet, "/api/v1/dispatch/pools", "")
	pools := decodeBody[struct {
		Pools []models.PoolBatch `json:"pools"`
	}](t, rec)
	require.Len(t, pools.Pools, 1)
	assert.Equal(t, sub.Trip.ID, pools.Pools[0].Trips[0].ID)

	rec = do(t, s, http.MethodPost, "/api/v1/dispatch/pools/flush", `{"cellId":"`+pools.Pools[0].Cell+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	flushed := decodeBody[struct {
		Results []models.MatchingResult `json:"results"`
	}](t, rec)
	require.Len(t, flushed.Results, 1)
	require.Len(t, flushed.Results[0].Assignments, 1)

	rec = do(t, s, http.MethodGet, "/api/v1/offers/pending", "")
	pending := decodeBody[struct {
		Offers []models.Offer `json:"offers"`
	}](t, rec)
	require.Len(t, pending.Offers, 1)
	offerID := pending.Offers[0].ID

	rec = do(t, s, http.MethodPost, "/api/v1/offers/"+offerID+"/respond", `{"status":"accepted"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.OfferAccepted, decodeBody[models.Offer](t, rec).Status)

	rec = do(t, s, http.MethodPost, "/api/v1/offers/"+offerID+"/respond", `{"status":"declined"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/dispatch/telemetry?limit=2", "")
	events := decodeBody[struct {
		Events []models.TelemetryEvent `json:"events"`
	}](t, rec)
	require.Len(t, events.Events, 2)
	assert.Equal(t, models.EventOfferAccepted, events.Events[0].Type)
}

func TestFlushWithoutBodyFlushesAll(t *testing.T) {
	s := newTestServer(t, nil)
	require.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/api/v1/trips", tripBody).Code)

	rec := do(t, s, http.MethodPost, "/api/v1/dispatch/pools/flush", "")
	require.Equal(t, http.StatusOK, rec.Code)
	flushed := decodeBody[struct {
		Results []models.MatchingResult `json:"results"`
	}](t, rec)
	require.Len(t, flushed.Results, 1)
	assert.Len(t, flushed.Results[0].Unassigned, 1)
}

func TestSingleDispatchWithoutDrivers(t *testing.T) {
	s := newTestServer(t, nil)
	body := strings.Replace(tripBody, `"riderId":"r1"`, `"riderId":"r1","dispatchMode":"single"`, 1)
	rec := do(t, s, http.MethodPost, "/api/v1/trips", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sub := decodeBody[dispatch.Submission](t, rec)
	require.NotNil(t, sub.Result)
	assert.Equal(t, models.TripNoDriver, sub.Trip.Status)
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t, nil)
	cases := []struct {
		name, method, path, body string
		want                     int
	}{
		{"bad json", http.MethodPost, "/api/v1/trips", `{`, http.StatusBadRequest},
		{"missing rider", http.MethodPost, "/api/v1/trips", `{"pickup":{"lat":1,"lng":1}}`, http.StatusBadRequest},
		{"bad mode", http.MethodPost, "/api/v1/trips", `{"riderId":"r","dispatchMode":"warp"}`, http.StatusBadRequest},
		{"unknown offer", http.MethodPost, "/api/v1/offers/nope/respond", `{"status":"accepted"}`, http.StatusNotFound},
		{"bad response", http.MethodPost, "/api/v1/offers/nope/respond", `{"status":"maybe"}`, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/api/v1/dispatch/telemetry?limit=x", "", http.StatusBadRequest},
		{"bad flush body", http.MethodPost, "/api/v1/dispatch/pools/flush", `[`, http.StatusBadRequest},
		{"bad driver", http.MethodPost, "/internal/driver/locations", `{"lat":1,"lng":1}`, http.StatusBadRequest},
		{"wrong method", http.MethodGet, "/api/v1/trips", "", http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, s, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}
}

func TestPublishFailureDoesNotFailUpdate(t *testing.T) {
	s := newTestServer(t, &fakePublisher{err: errors.New("kafka down")})
	rec := do(t, s, http.MethodPost, "/internal/driver/locations", `{"driverId":"d1","lat":1,"lng":1}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestLogsCarryRequestID(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	s := newTestServerWithLogger(t, &fakePublisher{err: errors.New("kafka down")}, zap.New(core))

	r := httptest.NewRequest(http.MethodPost, "/internal/driver/locations", strings.NewReader(`{"driverId":"d1","lat":1,"lng":1}`))
	r.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, r)
	require.Equal(t, http.StatusOK, rec.Code)

	for _, msg := range []string{"publish driver location failed", "http_request"} {
		entries := logs.FilterMessage(msg).All()
		require.Len(t, entries, 1, msg)
		fields := entries[0].ContextMap()
		assert.Equal(t, "req-42", fields["request_id"], msg)
		assert.Equal(t, "/internal/driver/locations", fields["route"], msg)
	}
	access := logs.FilterMessage("http_request").All()[0].ContextMap()
	assert.EqualValues(t, http.StatusOK, access["status"])
	assert.Equal(t, http.MethodPost, access["method"])
}

func TestWebsocketThroughMiddleware(t *testing.T) {
	// the handler outlives the test while the socket drains
	s := newTestServerWithLogger(t, nil, zap.NewNop())
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/d1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return s.ws.Connected("d1") }, time.Second, 5*time.Millisecond)
}
