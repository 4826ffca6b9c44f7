// Package occupancy aggregates live connection counts across rooms. Every subscriber sees the public aggregate;
// subscribers that present a valid admin signature also see the per-room breakdown for a limited time.
package occupancy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/astromechza/bearfit/pkg/actor"
	"github.com/astromechza/bearfit/pkg/clock"
	"github.com/astromechza/bearfit/pkg/storage"
)

// DefaultAuthorizationTTL is how long an admin signature keeps a connection authorized.
const DefaultAuthorizationTTL = 24 * time.Hour

const roomsBlobKey = "rooms"

// ErrInvalidUpdate is returned for a negative count or an empty room id.
var ErrInvalidUpdate = errors.New("invalid room update")

// PublicInfo is the aggregate every subscriber receives.
type PublicInfo struct {
	Rooms             int `json:"rooms"`
	ActiveConnections int `json:"activeConnections"`
}

// MakePublicInfo counts the rooms and sums their connections.
func MakePublicInfo(rooms map[string]int) PublicInfo {
	info := PublicInfo{Rooms: len(rooms)}
	for _, count := range rooms {
		info.ActiveConnections += count
	}
	return info
}

// Reporter receives a room's current connection count. Both the in-process Registry and HTTPReporter satisfy it.
type Reporter interface {
	ReportRoomCount(ctx context.Context, room string, count int) error
}

// Client is a subscriber the registry pushes JSON payloads to. SendText must not block.
type Client interface {
	ID() string
	SendText(data []byte) error
}

// BlobStore persists the room table.
type BlobStore interface {
	GetBlob(ctx context.Context, key string) ([]byte, error)
	PutBlob(ctx context.Context, key string, value []byte) error
}

// Verifier checks an admin signature.
type Verifier interface {
	Verify(signatureB64 string) bool
}

type Options struct {
	// Store persists the room table. Nil keeps it in memory only.
	Store BlobStore
	// Verifier checks admin signatures. Nil rejects every signature.
	Verifier Verifier
	Clock    clock.Clock
	// AuthorizationTTL defaults to DefaultAuthorizationTTL.
	AuthorizationTTL time.Duration
	Logger           *slog.Logger
}

// Registry is the singleton occupancy actor. All state is owned by its mailbox goroutine.
type Registry struct {
	mailbox  *actor.Mailbox
	store    BlobStore
	verifier Verifier
	clock    clock.Clock
	ttl      time.Duration
	logger   *slog.Logger
	encMode  cbor.EncMode

	rooms      map[string]int
	clients    map[string]Client
	authorized map[string]time.Time
}

var _ Reporter = (*Registry)(nil)

// NewRegistry loads the persisted room table and starts the actor. A table that fails to load is logged and the
// registry starts empty.
func NewRegistry(ctx context.Context, opts Options) (*Registry, error) {
	encMode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to build cbor encoder: %w", err)
	}
	r := &Registry{
		mailbox:    actor.NewMailbox(256),
		store:      opts.Store,
		verifier:   opts.Verifier,
		clock:      opts.Clock,
		ttl:        opts.AuthorizationTTL,
		logger:     opts.Logger,
		encMode:    encMode,
		rooms:      make(map[string]int),
		clients:    make(map[string]Client),
		authorized: make(map[string]time.Time),
	}
	if r.clock == nil {
		r.clock = clock.Real()
	}
	if r.ttl <= 0 {
		r.ttl = DefaultAuthorizationTTL
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("actor", "occupancy")
	r.load(ctx)
	go r.mailbox.Run(context.Background(), nil, nil)
	return r, nil
}

// Stop stops the actor. Pending calls fail with actor.ErrStopped.
func (r *Registry) Stop() {
	r.mailbox.Stop()
}

func (r *Registry) load(ctx context.Context) {
	if r.store == nil {
		return
	}
	raw, err := r.store.GetBlob(ctx, roomsBlobKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.logger.Error("failed to load rooms from storage", "err", err)
		}
		return
	}
	var stored map[string]int
	if err := cbor.Unmarshal(raw, &stored); err != nil {
		r.logger.Error("failed to decode stored rooms", "err", err)
		return
	}
	for room, count := range stored {
		if count > 0 {
			r.rooms[room] = count
		}
	}
	r.logger.Info("loaded rooms", "rooms", len(r.rooms))
}

// UpdateRoomCount records a room's connection count. Zero removes the room. The table is persisted and the new
// aggregate is pushed to every subscriber, with the breakdown going to every unexpired admin.
func (r *Registry) UpdateRoomCount(ctx context.Context, room string, count int) error {
	if room == "" || count < 0 {
		return ErrInvalidUpdate
	}
	return r.mailbox.Call(ctx, func() {
		if count == 0 {
			delete(r.rooms, room)
		} else {
			r.rooms[room] = count
		}
		r.persist(context.WithoutCancel(ctx))
		r.broadcastPublic()
		r.notifyAuthorized()
	})
}

func (r *Registry) ReportRoomCount(ctx context.Context, room string, count int) error {
	return r.UpdateRoomCount(ctx, room, count)
}

// Public returns the current aggregate.
func (r *Registry) Public(ctx context.Context) (PublicInfo, error) {
	return actor.Ask(ctx, r.mailbox, func() (PublicInfo, error) {
		return MakePublicInfo(r.rooms), nil
	})
}

// breakdown returns a copy of the per-room table.
func (r *Registry) breakdown(ctx context.Context) (map[string]int, error) {
	return actor.Ask(ctx, r.mailbox, func() (map[string]int, error) {
		return maps.Clone(r.rooms), nil
	})
}

// Connect subscribes a client and sends it the public aggregate.
func (r *Registry) Connect(ctx context.Context, client Client) error {
	return r.mailbox.Call(ctx, func() {
		r.clients[client.ID()] = client
		r.send(client, MakePublicInfo(r.rooms))
	})
}

// Close unsubscribes a client and forgets its authorization.
func (r *Registry) Close(ctx context.Context, connID string) error {
	return r.mailbox.Call(ctx, func() {
		delete(r.clients, connID)
		delete(r.authorized, connID)
	})
}

// Authorize checks signature and, if it verifies, authorizes the connection for the TTL and sends it the breakdown.
// A bad signature is not an error; it reports false and the client hears nothing.
func (r *Registry) Authorize(ctx context.Context, connID, signature string) (bool, error) {
	if r.verifier == nil || !r.verifier.Verify(signature) {
		return false, nil
	}
	return actor.Ask(ctx, r.mailbox, func() (bool, error) {
		client, ok := r.clients[connID]
		if !ok {
			return false, nil
		}
		r.authorized[connID] = r.clock.Now().Add(r.ttl)
		r.send(client, r.rooms)
		r.logger.Info("authorized admin connection", "conn", connID)
		return true, nil
	})
}

func (r *Registry) persist(ctx context.Context) {
	if r.store == nil {
		return
	}
	raw, err := r.encMode.Marshal(r.rooms)
	if err != nil {
		r.logger.Error("failed to encode rooms", "err", err)
		return
	}
	if err := r.store.PutBlob(ctx, roomsBlobKey, raw); err != nil {
		r.logger.Error("failed to persist rooms", "err", err)
	}
}

func (r *Registry) broadcastPublic() {
	payload, err := json.Marshal(MakePublicInfo(r.rooms))
	if err != nil {
		r.logger.Error("failed to encode aggregate", "err", err)
		return
	}
	for _, client := range r.clients {
		if err := client.SendText(payload); err != nil {
			r.logger.Warn("failed to send aggregate", "conn", client.ID(), "err", err)
		}
	}
}

// notifyAuthorized pushes the breakdown to unexpired admins and forgets the expired ones.
func (r *Registry) notifyAuthorized() {
	payload, err := json.Marshal(r.rooms)
	if err != nil {
		r.logger.Error("failed to encode breakdown", "err", err)
		return
	}
	now := r.clock.Now()
	for connID, expiresAt := range r.authorized {
		if now.After(expiresAt) {
			delete(r.authorized, connID)
			r.logger.Info("admin authorization expired", "conn", connID)
			continue
		}
		client, ok := r.clients[connID]
		if !ok {
			continue
		}
		if err := client.SendText(payload); err != nil {
			r.logger.Warn("failed to send update to authorized connection", "conn", connID, "err", err)
		}
	}
}

func (r *Registry) send(client Client, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		r.logger.Error("failed to encode payload", "err", err)
		return
	}
	if err := client.SendText(payload); err != nil {
		r.logger.Warn("failed to send", "conn", client.ID(), "err", err)
	}
}
