package session

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrHubClosed is returned by Get after Close.
var ErrHubClosed = errors.New("session hub closed")

type hubEntry struct {
	ready   chan struct{}
	session *Session
	err     error
}

// Hub maps room ids to their sessions and opens each session on first use.
type Hub struct {
	opts     Options
	mu       sync.Mutex
	sessions map[string]*hubEntry
	closed   bool
}

func NewHub(opts Options) *Hub {
	return &Hub{opts: opts, sessions: make(map[string]*hubEntry)}
}

// Get returns the room's session, opening it if needed. Concurrent callers for the same room share one open. A
// failed open is not cached.
func (h *Hub) Get(ctx context.Context, room string) (*Session, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	entry, ok := h.sessions[room]
	if !ok {
		entry = &hubEntry{ready: make(chan struct{})}
		h.sessions[room] = entry
	}
	h.mu.Unlock()

	if !ok {
		entry.session, entry.err = Open(context.WithoutCancel(ctx), room, h.opts)
		if entry.err != nil {
			h.mu.Lock()
			delete(h.sessions, room)
			h.mu.Unlock()
		}
		close(entry.ready)
	}

	select {
	case <-entry.ready:
		if entry.err != nil {
			return nil, entry.err
		}
		h.mu.Lock()
		closed := h.closed
		h.mu.Unlock()
		if closed {
			return nil, ErrHubClosed
		}
		return entry.session, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Rooms lists the rooms with an open session.
func (h *Hub) Rooms() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.sessions))
	for room := range h.sessions {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// Close flushes and stops every session. Later Gets fail, as do Gets still waiting on an open.
func (h *Hub) Close(ctx context.Context) {
	h.mu.Lock()
	h.closed = true
	entries := h.sessions
	h.sessions = make(map[string]*hubEntry)
	h.mu.Unlock()

	for _, entry := range entries {
		<-entry.ready
		if entry.session != nil {
			entry.session.Close(ctx)
		}
	}
}
