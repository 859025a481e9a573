package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/smartip-core/internal/auth"
)

const (
	// ticketTTL is how long a WebSocket ticket stays valid.
	ticketTTL = 60 * time.Second

	ticketBytes = 32
)

// ticketStore holds pending WebSocket tickets. Tickets are single-use and
// carry the identity of the caller that requested them.
type ticketStore struct {
	ttl     time.Duration
	mu      sync.Mutex
	tickets map[string]ticketEntry
}

type ticketEntry struct {
	userID    string
	role      auth.Role
	expiresAt time.Time
}

func newTicketStore(ttl time.Duration) *ticketStore {
	return &ticketStore{ttl: ttl, tickets: make(map[string]ticketEntry)}
}

// issue stores a new ticket for the caller and returns it.
func (t *ticketStore) issue(userID string, role auth.Role) string {
	b := make([]byte, ticketBytes)
	rand.Read(b) //nolint:errcheck // crypto/rand.Read never fails on supported platforms
	ticket := hex.EncodeToString(b)

	t.mu.Lock()
	t.tickets[ticket] = ticketEntry{userID: userID, role: role, expiresAt: time.Now().Add(t.ttl)}
	t.mu.Unlock()
	return ticket
}

// consume validates and removes ticket.
func (t *ticketStore) consume(ticket string) (ticketEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.tickets[ticket]
	if !ok {
		return ticketEntry{}, false
	}
	delete(t.tickets, ticket)
	return entry, time.Now().Before(entry.expiresAt)
}

// sweep drops expired tickets.
func (t *ticketStore) sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	removed := 0
	for ticket, entry := range t.tickets {
		if now.After(entry.expiresAt) {
			delete(t.tickets, ticket)
			removed++
		}
	}
	return removed
}

func (t *ticketStore) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tickets)
}

// handleWSTicket exchanges the caller's bearer token for a WebSocket ticket
// so the token never appears in a URL.
func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	role := auth.RoleAdmin
	if claims := claimsFromContext(r.Context()); claims != nil {
		role = claims.Role
	}
	ticket := s.tickets.issue(userIDFromContext(r.Context()), role)

	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     ticket,
		"expires_in": int(s.tickets.ttl.Seconds()),
	})
}

func (s *Server) cleanTicketsLoop(ctx context.Context) {
	ticker := time.NewTicker(s.tickets.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.tickets.sweep(); n > 0 {
				s.logger.Debug("expired websocket tickets removed", "count", n)
			}
		}
	}
}
