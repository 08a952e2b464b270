package realtime

import (
	"log/slog"
	"sort"
	"sync"

	"ripple/cmd/internal/metrics"
	v1 "ripple/shared/contracts/chat/v1"
)

// Registry tracks live connections and per-user presence. It is the single
// fanout substrate shared by message broadcast, acknowledgments, presence,
// and typing indicators, and implements ingest.EventSink.
//
// Concurrency guarantees:
// - Add/Remove are safe under concurrent Broadcast.
// - Sends never block (drop under backpressure).
// - Sends are panic-safe because Client.Send is never closed by the server.
//
// State is memory-only and rebuilt from live connections after a restart.
type Registry struct {
	log *slog.Logger

	mu          sync.RWMutex
	clients     map[string]*Client          // session id -> client
	presence    map[string]v1.PresenceEntry // user id -> entry
	sessionUser map[string]string           // session id -> user id
}

// NewRegistry constructs a Registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:         log,
		clients:     make(map[string]*Client),
		presence:    make(map[string]v1.PresenceEntry),
		sessionUser: make(map[string]string),
	}
}

// Add registers a connected client.
func (r *Registry) Add(c *Client) {
	if r == nil || c == nil || c.SessionID == "" {
		return
	}

	r.mu.Lock()
	r.clients[c.SessionID] = c
	n := len(r.clients)
	r.mu.Unlock()

	metrics.ConnectionsActive.Set(float64(n))
	r.log.Info("registry.connect", "session_id", c.SessionID, "connections", n)
}

// Remove unregisters a session and signals its client to shut down.
// When the session had announced a user and no other session still carries
// that user, the presence entry is dropped and an offline delta is returned.
func (r *Registry) Remove(sessionID string) (v1.PresenceEntry, bool) {
	if r == nil || sessionID == "" {
		return v1.PresenceEntry{}, false
	}

	var (
		cl    *Client
		delta v1.PresenceEntry
		gone  bool
	)

	r.mu.Lock()
	cl = r.clients[sessionID]
	delete(r.clients, sessionID)
	n := len(r.clients)

	if userID, ok := r.sessionUser[sessionID]; ok {
		delete(r.sessionUser, sessionID)

		still := false
		for _, uid := range r.sessionUser {
			if uid == userID {
				still = true
				break
			}
		}
		if !still {
			if entry, ok := r.presence[userID]; ok {
				delete(r.presence, userID)
				entry.Status = v1.StatusOffline
				delta = entry
				gone = true
			}
		}
	}
	users := len(r.presence)
	r.mu.Unlock()

	// Signal client shutdown after removing from membership. This ordering
	// avoids race windows where a broadcaster still holds a pointer while
	// the client goroutines are being torn down.
	if cl != nil {
		cl.Close()
	}

	metrics.ConnectionsActive.Set(float64(n))
	metrics.PresenceUsers.Set(float64(users))
	r.log.Info("registry.disconnect", "session_id", sessionID, "connections", n)
	return delta, gone
}

// Announce upserts the presence entry for a session's user and returns the
// online delta to broadcast to everyone else.
func (r *Registry) Announce(sessionID, userID, username string) v1.PresenceEntry {
	entry := v1.PresenceEntry{UserID: userID, Username: username, Status: v1.StatusOnline}

	r.mu.Lock()
	r.sessionUser[sessionID] = userID
	r.presence[userID] = entry
	users := len(r.presence)
	r.mu.Unlock()

	metrics.PresenceUsers.Set(float64(users))
	r.log.Info("registry.presence.online", "session_id", sessionID, "user_id", userID)
	return entry
}

// Snapshot returns the full presence state, sorted by user id for stable output.
func (r *Registry) Snapshot() []v1.PresenceEntry {
	r.mu.RLock()
	out := make([]v1.PresenceEntry, 0, len(r.presence))
	for _, e := range r.presence {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Broadcast fans an envelope out to all connections.
// Non-blocking: saturated or closing clients are skipped.
func (r *Registry) Broadcast(env v1.Envelope) {
	r.fanout(env, "")
}

// BroadcastExcept fans an envelope out to all connections except one session.
func (r *Registry) BroadcastExcept(sessionID string, env v1.Envelope) {
	r.fanout(env, sessionID)
}

// SendTo delivers an envelope to a single session. Returns false when the
// session is gone, shutting down, or its queue is full.
func (r *Registry) SendTo(sessionID string, env v1.Envelope) bool {
	r.mu.RLock()
	cl := r.clients[sessionID]
	r.mu.RUnlock()

	return r.deliver(cl, env)
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (r *Registry) fanout(env v1.Envelope, skipSession string) {
	if r == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for sid, cl := range r.clients {
		if sid == skipSession {
			continue
		}
		r.deliver(cl, env)
	}
}

func (r *Registry) deliver(cl *Client, env v1.Envelope) bool {
	if cl == nil {
		return false
	}

	select {
	case <-cl.Done():
		// Skip clients that are shutting down.
		return false
	default:
	}

	select {
	case cl.Send <- env:
		return true
	default:
		// Drop rather than block the whole fanout.
		return false
	}
}
