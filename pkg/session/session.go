// Package session runs one actor per room. The actor owns the room's authoritative automerge replica, appends every
// change to the room's update log, snapshots the full state, serves sync peers and reports its connection count to
// the occupancy registry.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/bearfit/pkg/actor"
	"github.com/astromechza/bearfit/pkg/clock"
	"github.com/astromechza/bearfit/pkg/document"
	"github.com/astromechza/bearfit/pkg/history"
	"github.com/astromechza/bearfit/pkg/occupancy"
	"github.com/astromechza/bearfit/pkg/schema"
	"github.com/astromechza/bearfit/pkg/storage"
)

var (
	// ErrEventExists is returned by Create when the room already has an event.
	ErrEventExists = errors.New("event already created")
	// ErrNoEvent is returned by operations that need a created event.
	ErrNoEvent = errors.New("event not found")
	// ErrClockOutOfRange is returned by Restore for a clock that is not in the log.
	ErrClockOutOfRange = errors.New("clock out of range")
)

// DefaultSnapshotInterval is how often a dirty room writes a full snapshot.
const DefaultSnapshotInterval = 30 * time.Second

// maxSyncRounds bounds the messages generated for one peer in one turn.
const maxSyncRounds = 8

// Store is the persistence a session needs. *storage.Store satisfies it.
type Store interface {
	LoadSnapshot(ctx context.Context, room string) (storage.Snapshot, error)
	SaveSnapshot(ctx context.Context, room string, snap storage.Snapshot) error
	AppendUpdate(ctx context.Context, room string, update storage.Update) error
	LoadUpdates(ctx context.Context, room string, after, through int64) ([]storage.Update, error)
	LastClock(ctx context.Context, room string) (int64, error)
}

// Peer is a live sync connection.
type Peer interface {
	ID() string
	SendBinary(data []byte) error
	Close()
}

type Options struct {
	Store Store
	// Reporter receives connection counts. Nil disables reporting.
	Reporter occupancy.Reporter
	Clock    clock.Clock
	// SnapshotInterval defaults to DefaultSnapshotInterval. A negative value disables periodic snapshots.
	SnapshotInterval time.Duration
	Logger           *slog.Logger
}

type syncPeer struct {
	peer  Peer
	state *automerge.SyncState
}

// Session is one room's actor. Every field below mailbox is touched only on the mailbox goroutine.
type Session struct {
	room     string
	mailbox  *actor.Mailbox
	store    Store
	logger   *slog.Logger
	notifier *notifier
	ticker   *clock.Ticker

	doc       *document.Document
	lastClock int64
	dirty     bool
	peers     map[string]*syncPeer
}

// Open loads a room from its snapshot and the log tail after it, then starts the actor.
func Open(ctx context.Context, room string, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("room", room)

	doc, snapClock, err := loadSnapshot(ctx, opts.Store, room)
	if err != nil {
		return nil, err
	}
	updates, err := opts.Store.LoadUpdates(ctx, room, snapClock, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load log tail: %w", err)
	}
	lastClock := snapClock
	for _, u := range updates {
		if err := doc.ApplyDelta(u.Delta); err != nil {
			return nil, fmt.Errorf("failed to apply clock %d: %w", u.Clock, err)
		}
		lastClock = u.Clock
	}
	logged, err := opts.Store.LastClock(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("failed to read last clock: %w", err)
	}
	if logged < snapClock {
		logger.Warn("snapshot is ahead of the update log, history will be missing changes", "snapshot_clock", snapClock, "log_clock", logged)
	}
	// everything loaded so far is already durable, so move the incremental save point past it
	_ = doc.EncodeDelta()

	s := &Session{
		room:      room,
		mailbox:   actor.NewMailbox(64),
		store:     opts.Store,
		logger:    logger,
		notifier:  newNotifier(room, opts.Reporter, logger),
		doc:       doc,
		lastClock: lastClock,
		dirty:     len(updates) > 0,
		peers:     make(map[string]*syncPeer),
	}
	logger.Info("loaded room", "snapshot_clock", snapClock, "last_clock", lastClock, "heads", doc.Heads())

	var tick chan struct{}
	interval := opts.SnapshotInterval
	if interval == 0 {
		interval = DefaultSnapshotInterval
	}
	if interval > 0 {
		c := opts.Clock
		if c == nil {
			c = clock.Real()
		}
		s.ticker = c.NewTicker(interval)
		tick = make(chan struct{}, 1)
		go forwardTicks(s.ticker.C, tick, s.mailbox.Done())
	}
	go s.notifier.run()
	go s.mailbox.Run(context.Background(), tick, s.flushIfDirty)
	return s, nil
}

func loadSnapshot(ctx context.Context, store Store, room string) (*document.Document, int64, error) {
	snap, err := store.LoadSnapshot(ctx, room)
	if errors.Is(err, storage.ErrNotFound) {
		return document.New(), 0, nil
	} else if err != nil {
		return nil, 0, fmt.Errorf("failed to load snapshot: %w", err)
	}
	doc, err := document.Load(snap.State)
	if err != nil {
		return nil, 0, err
	}
	return doc, snap.Clock, nil
}

func forwardTicks(in <-chan time.Time, out chan<- struct{}, done <-chan struct{}) {
	for {
		select {
		case <-in:
			select {
			case out <- struct{}{}:
			default:
			}
		case <-done:
			return
		}
	}
}

// Room returns the room id.
func (s *Session) Room() string {
	return s.room
}

// Close writes a final snapshot if needed, closes every peer and stops the actor. A room that still had peers reports
// zero connections before the notifier stops.
func (s *Session) Close(ctx context.Context) {
	if err := s.mailbox.Call(ctx, func() {
		s.flush(context.WithoutCancel(ctx))
		if len(s.peers) == 0 {
			return
		}
		for id, p := range s.peers {
			p.peer.Close()
			delete(s.peers, id)
		}
		s.notifier.set(0)
	}); err != nil {
		s.logger.Warn("failed to flush room on close", "err", err)
	}
	s.mailbox.Stop()
	if s.ticker != nil {
		s.ticker.Stop()
	}
	s.notifier.stop()
}

// Create writes the event into an empty room.
func (s *Session) Create(ctx context.Context, event schema.CalendarEvent) error {
	if err := event.Validate(s.room); err != nil {
		return err
	}
	return s.call(ctx, func(ctx context.Context) error {
		if s.doc.HasEvent() {
			return ErrEventExists
		}
		if err := s.doc.InitializeEvent(event); err != nil {
			return err
		}
		s.afterChange(ctx)
		s.flush(ctx)
		s.logger.Info("created event", "creator", event.Creator)
		return nil
	})
}

// Read returns the current document as plain maps.
func (s *Session) Read(ctx context.Context) (schema.Snapshot, error) {
	return actor.Ask(ctx, s.mailbox, func() (schema.Snapshot, error) {
		return s.doc.Snapshot()
	})
}

// History returns the full state followed by every logged delta. Only the state capture runs on the actor; the log
// is read afterwards up to the clock seen at capture time.
func (s *Session) History(ctx context.Context) ([]history.Entry, error) {
	type capture struct {
		state []byte
		clock int64
	}
	c, err := actor.Ask(ctx, s.mailbox, func() (capture, error) {
		fork, err := s.doc.Fork()
		if err != nil {
			return capture{}, err
		}
		return capture{state: fork.EncodeState(), clock: s.lastClock}, nil
	})
	if err != nil {
		return nil, err
	}
	entries := []history.Entry{history.SnapshotEntry(c.state)}
	if c.clock == 0 {
		return entries, nil
	}
	updates, err := s.store.LoadUpdates(ctx, s.room, 0, c.clock)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	for _, u := range updates {
		entries = append(entries, history.UpdateEntry(u.Clock, u.Delta))
	}
	return entries, nil
}

// ApplyAvailability applies one participant's delta as a single change.
func (s *Session) ApplyAvailability(ctx context.Context, delta schema.AvailabilityDelta) error {
	if err := delta.Validate(); err != nil {
		return err
	}
	return s.call(ctx, func(ctx context.Context) error {
		if !s.doc.HasEvent() {
			return ErrNoEvent
		}
		changed, err := s.doc.ApplyAvailability(delta)
		if err != nil {
			return err
		}
		if changed {
			s.afterChange(ctx)
		}
		return nil
	})
}

// Restore rewinds the room's content to what it was at the given clock. The rewind is itself a new change, so the
// log keeps growing and later versions stay reachable.
func (s *Session) Restore(ctx context.Context, target int64) error {
	return s.call(ctx, func(ctx context.Context) error {
		if !s.doc.HasEvent() {
			return ErrNoEvent
		}
		if target < 1 || target > s.lastClock {
			return ErrClockOutOfRange
		}
		updates, err := s.store.LoadUpdates(ctx, s.room, 0, target)
		if err != nil {
			return fmt.Errorf("failed to read history: %w", err)
		}
		entries := make([]history.Entry, 0, len(updates))
		for _, u := range updates {
			entries = append(entries, history.UpdateEntry(u.Clock, u.Delta))
		}
		replayed, err := document.Replay(entries, target)
		if err != nil {
			return err
		}
		old, err := replayed.Snapshot()
		if err != nil {
			return err
		}
		changed, err := s.doc.Overwrite(old)
		if err != nil {
			return err
		}
		if changed {
			s.afterChange(ctx)
			s.flush(ctx)
		}
		s.logger.Info("restored room", "clock", target, "changed", changed)
		return nil
	})
}

// Connect adds a sync peer, sends it the opening sync message and reports the new count.
func (s *Session) Connect(ctx context.Context, p Peer) error {
	return s.mailbox.Call(ctx, func() {
		sp := &syncPeer{peer: p, state: automerge.NewSyncState(s.doc.Raw())}
		s.peers[p.ID()] = sp
		s.syncPeer(sp)
		s.notifier.set(len(s.peers))
	})
}

// Disconnect drops a sync peer and reports the new count.
func (s *Session) Disconnect(ctx context.Context, peerID string) error {
	return s.mailbox.Call(ctx, func() {
		if _, ok := s.peers[peerID]; !ok {
			return
		}
		delete(s.peers, peerID)
		s.notifier.set(len(s.peers))
	})
}

// Receive applies a sync message from a peer. Changes it carries are logged like any local change and forwarded to
// the other peers.
func (s *Session) Receive(ctx context.Context, peerID string, msg []byte) error {
	return s.call(ctx, func(ctx context.Context) error {
		sp, ok := s.peers[peerID]
		if !ok {
			return fmt.Errorf("unknown peer %s", peerID)
		}
		before := s.doc.Heads()
		if _, err := sp.state.ReceiveMessage(msg); err != nil {
			return fmt.Errorf("failed to receive message: %w", err)
		}
		if slices.Equal(before, s.doc.Heads()) {
			s.syncPeer(sp)
			return nil
		}
		s.afterChange(ctx)
		return nil
	})
}

// peerCount returns the number of connected sync peers.
func (s *Session) peerCount(ctx context.Context) (int, error) {
	return actor.Ask(ctx, s.mailbox, func() (int, error) {
		return len(s.peers), nil
	})
}

// call runs fn on the actor. fn gets a context that ignores the caller's cancellation: once a change is applied in
// memory its log append and snapshot must not be cut short by the caller going away.
func (s *Session) call(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	detached := context.WithoutCancel(ctx)
	if callErr := s.mailbox.Call(ctx, func() { err = fn(detached) }); callErr != nil {
		return callErr
	}
	return err
}

// afterChange logs the pending delta and pushes it to every peer.
func (s *Session) afterChange(ctx context.Context) {
	s.appendPending(ctx)
	for _, sp := range s.peers {
		s.syncPeer(sp)
	}
}

// appendPending writes the changes made since the last append as the next clock. A failed write is logged and the
// clock still advances, so the in-memory replica stays ahead of the log until the next snapshot.
func (s *Session) appendPending(ctx context.Context) {
	delta := s.doc.EncodeDelta()
	if len(delta) == 0 {
		return
	}
	s.lastClock++
	s.dirty = true
	if err := s.store.AppendUpdate(ctx, s.room, storage.Update{Clock: s.lastClock, Delta: delta}); err != nil {
		s.logger.Error("failed to persist update", "clock", s.lastClock, "err", err)
	}
}

// flush writes a full snapshot. Pending changes are appended first so that nothing reaches the snapshot without
// also reaching the log.
func (s *Session) flush(ctx context.Context) {
	s.appendPending(ctx)
	if !s.dirty {
		return
	}
	snap := storage.Snapshot{State: s.doc.EncodeState(), Clock: s.lastClock}
	if err := s.store.SaveSnapshot(ctx, s.room, snap); err != nil {
		s.logger.Error("failed to persist snapshot", "clock", s.lastClock, "err", err)
		return
	}
	s.dirty = false
	s.logger.Debug("saved snapshot", "clock", s.lastClock)
}

func (s *Session) flushIfDirty() {
	if s.dirty {
		s.flush(context.Background())
	}
}

func (s *Session) syncPeer(sp *syncPeer) {
	for i := 0; i < maxSyncRounds; i++ {
		msg, valid := sp.state.GenerateMessage()
		if !valid || msg == nil {
			return
		}
		if err := sp.peer.SendBinary(msg.Bytes()); err != nil {
			s.logger.Warn("failed to send sync message", "conn", sp.peer.ID(), "err", err)
			return
		}
	}
}
