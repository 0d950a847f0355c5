package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/rider-dispatch/internal/models"
)

var ErrNoSession = errors.New("no ws session")

// WSSession represents a connected rider app.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSRegistry holds one session per rider; a reconnect replaces the old one.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(riderID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[riderID]; ok && old.conn != conn {
		_ = old.conn.Close()
	}
	r.sessions[riderID] = &WSSession{conn: conn}
}

// Remove drops the rider's session if it is still bound to conn.
func (r *WSRegistry) Remove(riderID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[riderID]; ok && s.conn == conn {
		delete(r.sessions, riderID)
	}
}

func (r *WSRegistry) Offer(ctx context.Context, offer models.DispatchOffer) error {
	r.mu.RLock()
	s, ok := r.sessions[offer.RiderID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(map[string]any{"type": "dispatch_offer", "offer": offer})
}

// Send writes v to the rider's session if it is still bound to conn. All
// writes go through the session so offers and replies never interleave.
func (r *WSRegistry) Send(riderID string, conn *websocket.Conn, v any) error {
	r.mu.RLock()
	s, ok := r.sessions[riderID]
	r.mu.RUnlock()
	if !ok || s.conn != conn {
		return ErrNoSession
	}
	return s.Send(v)
}
