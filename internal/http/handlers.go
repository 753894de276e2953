package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/offers"
	"github.com/example/ride-dispatch/internal/storage"
)

const defaultTelemetryLimit = 50

// LocationPublisher mirrors accepted driver locations to the ingest topic.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, u models.DriverLocationUpdate) error
}

type Server struct {
	svc       *dispatch.Service
	ws        *notify.WSRegistry
	locations LocationPublisher
	logger    *zap.Logger
	mux       *mux.Router
}

// NewServer wires routes over svc. ws and locations may be nil.
func NewServer(svc *dispatch.Service, ws *notify.WSRegistry, locations LocationPublisher, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{svc: svc, ws: ws, locations: locations, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/trips", s.handleSubmitTrip).Methods(http.MethodPost)
	api.HandleFunc("/dispatch/pools", s.handleListPools).Methods(http.MethodGet)
	api.HandleFunc("/dispatch/pools/flush", s.handleFlush).Methods(http.MethodPost)
	api.HandleFunc("/dispatch/telemetry", s.handleTelemetry).Methods(http.MethodGet)
	api.HandleFunc("/offers/pending", s.handlePendingOffers).Methods(http.MethodGet)
	api.HandleFunc("/offers/{id}/respond", s.handleRespond).Methods(http.MethodPost)

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleSubmitTrip(w http.ResponseWriter, r *http.Request) {
	var in dispatch.NewTrip
	if !s.decode(w, r, &in) {
		return
	}
	sub, err := s.svc.SubmitTrip(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pools": s.svc.ListPools()})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CellID string `json:"cellId"`
	}
	// the body is optional; an empty one flushes every cell
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	results := s.svc.Flush(r.Context(), body.CellID)
	if results == nil {
		results = []models.MatchingResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	limit := defaultTelemetryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": s.svc.RecentTelemetry(limit)})
}

func (s *Server) handlePendingOffers(w http.ResponseWriter, r *http.Request) {
	pending, err := s.svc.ListPendingOffers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if pending == nil {
		pending = []models.Offer{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": pending})
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status models.OfferStatus `json:"status"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	offer, err := s.svc.RespondToOffer(r.Context(), mux.Vars(r)["id"], body.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var u models.DriverLocationUpdate
	if !s.decode(w, r, &u) {
		return
	}
	d, err := s.svc.UpdateDriverLocation(r.Context(), u)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.locations != nil {
		if err := s.locations.PublishLocation(r.Context(), u); err != nil {
			requestLogger(r.Context(), s.logger).Warn("publish driver location failed", zap.String("driver_id", u.DriverID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, d)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.ws == nil {
		http.Error(w, "websocket push disabled", http.StatusNotFound)
		return
	}
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		requestLogger(r.Context(), s.logger).Warn("websocket upgrade failed", zap.String("driver_id", id), zap.Error(err))
		return
	}
	s.ws.Serve(id, conn)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body: "+err.Error()))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dispatch.ErrInvalidTrip),
		errors.Is(err, dispatch.ErrInvalidDriver),
		errors.Is(err, offers.ErrInvalidResponse):
		status = http.StatusBadRequest
	case errors.Is(err, offers.ErrOfferNotPending):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		requestLogger(r.Context(), s.logger).Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorBody(err.Error()))
}

func errorBody(msg string) map[string]string { return map[string]string{"error": msg} }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
