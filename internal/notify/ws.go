package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNoSession = errors.New("no websocket session for driver")

const writeWait = 5 * time.Second

// Message is the envelope written to driver sockets.
type Message struct {
	Type  string        `json:"type"`
	Offer *models.Offer `json:"offer,omitempty"`
}

type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

// WSRegistry holds one live socket per driver.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*wsSession
	logger   *zap.Logger
}

func NewWSRegistry(logger *zap.Logger) *WSRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSRegistry{sessions: make(map[string]*wsSession), logger: logger}
}

// Add registers conn for driverID, closing any socket it replaces.
func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	old := r.sessions[driverID]
	r.sessions[driverID] = &wsSession{conn: conn}
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
}

// Remove drops the session only if it still belongs to conn.
func (r *WSRegistry) Remove(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[driverID]; ok && s.conn == conn {
		delete(r.sessions, driverID)
	}
}

func (r *WSRegistry) Connected(driverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[driverID]
	return ok
}

func (r *WSRegistry) NotifyOffer(_ context.Context, offer models.Offer) error {
	r.mu.RLock()
	s, ok := r.sessions[offer.DriverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.send(Message{Type: "offer", Offer: &offer}); err != nil {
		r.logger.Warn("ws send failed", zap.String("driver_id", offer.DriverID), zap.Error(err))
		r.Remove(offer.DriverID, s.conn)
		return err
	}
	return nil
}

// Serve keeps reading from conn until the driver disconnects, then unregisters it.
// Drivers answer offers over HTTP; inbound frames are ignored.
func (r *WSRegistry) Serve(driverID string, conn *websocket.Conn) {
	r.Add(driverID, conn)
	defer func() {
		r.Remove(driverID, conn)
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
