package session

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/astromechza/bearfit/pkg/clock"
	"github.com/astromechza/bearfit/pkg/document"
	"github.com/astromechza/bearfit/pkg/history"
	"github.com/astromechza/bearfit/pkg/occupancy"
	"github.com/astromechza/bearfit/pkg/schema"
	"github.com/astromechza/bearfit/pkg/storage"
)

var trip = schema.CalendarEvent{ID: "e1", Name: "Trip", StartDate: "2025-03-06", EndDate: "2025-03-12", Creator: "u1"}

func strPtr(s string) *string { return &s }

func availabilityFor(userID string, dates ...string) schema.AvailabilityDelta {
	return schema.AvailabilityDelta{UserID: userID, Add: dates}
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "rooms.sqlite3"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func openSession(t *testing.T, room string, opts Options) *Session {
	t.Helper()
	if opts.SnapshotInterval == 0 {
		opts.SnapshotInterval = -1
	}
	s, err := Open(context.Background(), room, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func lastClock(t *testing.T, s *Session) int64 {
	t.Helper()
	var c int64
	if err := s.mailbox.Call(context.Background(), func() { c = s.lastClock }); err != nil {
		t.Fatal(err)
	}
	return c
}

// failingStore refuses every log append.
type failingStore struct {
	*storage.Store
}

func (failingStore) AppendUpdate(context.Context, string, storage.Update) error {
	return errors.New("disk full")
}

func TestCreateOnce(t *testing.T) {
	s := openSession(t, "e1", Options{Store: newTestStore(t)})
	ctx := context.Background()

	var validationErr *schema.ValidationError
	bad := trip
	bad.ID = "e2"
	if err := s.Create(ctx, bad); !errors.As(err, &validationErr) {
		t.Fatalf("mismatched id: %v", err)
	}
	if err := s.Create(ctx, trip); err != nil {
		t.Fatal(err)
	}
	other := trip
	other.Name = "Another trip"
	if err := s.Create(ctx, other); !errors.Is(err, ErrEventExists) {
		t.Fatalf("second create: %v", err)
	}

	snap, err := s.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Event["name"] != "Trip" || len(snap.Names) != 0 || len(snap.Availability) != 0 {
		t.Fatalf("snapshot = %#v", snap)
	}
	if got := lastClock(t, s); got != 1 {
		t.Fatalf("lastClock = %d, want 1", got)
	}
}

func TestReadBeforeCreate(t *testing.T) {
	s := openSession(t, "empty", Options{Store: newTestStore(t)})
	snap, err := s.Read(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(snap, schema.NewSnapshot()) {
		t.Fatalf("snapshot = %#v", snap)
	}
	entries, err := s.History(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || !entries[0].IsSnapshot() {
		t.Fatalf("history = %v", entries)
	}
	if err := s.ApplyAvailability(context.Background(), schema.AvailabilityDelta{UserID: "u1", Add: []string{"2025-03-08"}}); !errors.Is(err, ErrNoEvent) {
		t.Fatalf("availability before create: %v", err)
	}
}

func TestHistoryReplayMatchesRead(t *testing.T) {
	s := openSession(t, "e1", Options{Store: newTestStore(t)})
	ctx := context.Background()
	if err := s.Create(ctx, trip); err != nil {
		t.Fatal(err)
	}
	for _, d := range []schema.AvailabilityDelta{
		{UserID: "u1", Name: strPtr("Alice"), Add: []string{"2025-03-08", "2025-03-09"}},
		{UserID: "u2", Name: strPtr("Bob"), Add: []string{"2025-03-09"}},
		{UserID: "u1", Remove: []string{"2025-03-08"}},
		{UserID: "u1", Remove: []string{"2025-03-08"}},
	} {
		if err := s.ApplyAvailability(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := s.History(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// the repeated removal changed nothing and was not logged
	if len(entries) != 5 || !entries[0].IsSnapshot() {
		t.Fatalf("history has %d entries", len(entries))
	}
	for i, entry := range entries[1:] {
		if c, err := entry.Clock(); err != nil || c != int64(i+1) {
			t.Fatalf("entry %d clock = %d, %v", i+1, c, err)
		}
	}

	decoded, err := history.Decode(history.EncodeFramed(entries))
	if err != nil {
		t.Fatal(err)
	}
	replayed, err := document.Replay(decoded, 0)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := replayed.Snapshot()
	want, err := s.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("replay = %#v\nread = %#v", got, want)
	}
	if !want.Availability["u1|2025-03-09"] || want.Availability["u1|2025-03-08"] || want.Names["u2"] != "Bob" {
		t.Fatalf("unexpected final state %#v", want)
	}
}

func TestReopenAppliesLogTail(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	first := openSession(t, "e1", Options{Store: store})
	if err := first.Create(ctx, trip); err != nil {
		t.Fatal(err)
	}
	// these two only reach the log; no snapshot is written until close
	for _, date := range []string{"2025-03-07", "2025-03-10"} {
		if err := first.ApplyAvailability(ctx, schema.AvailabilityDelta{UserID: "u3", Add: []string{date}}); err != nil {
			t.Fatal(err)
		}
	}
	snap, err := store.LoadSnapshot(ctx, "e1")
	if err != nil || snap.Clock != 1 {
		t.Fatalf("snapshot clock = %d, %v, want 1", snap.Clock, err)
	}

	second := openSession(t, "e1", Options{Store: store})
	want, _ := first.Read(ctx)
	got, err := second.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("reopened = %#v\nwant %#v", got, want)
	}
	if c := lastClock(t, second); c != 3 {
		t.Fatalf("reopened lastClock = %d, want 3", c)
	}

	// the reopened session must not re-log what it loaded
	if err := second.ApplyAvailability(ctx, schema.AvailabilityDelta{UserID: "u3", Remove: []string{"2025-03-07"}}); err != nil {
		t.Fatal(err)
	}
	updates, err := store.LoadUpdates(ctx, "e1", 3, 0)
	if err != nil || len(updates) != 1 || updates[0].Clock != 4 {
		t.Fatalf("new log rows = %v, %v", updates, err)
	}
}

func TestAppendFailureIsSwallowed(t *testing.T) {
	store := newTestStore(t)
	s := openSession(t, "e1", Options{Store: failingStore{store}})
	ctx := context.Background()
	if err := s.Create(ctx, trip); err != nil {
		t.Fatalf("create with failing log: %v", err)
	}
	if err := s.ApplyAvailability(ctx, schema.AvailabilityDelta{UserID: "u1", Add: []string{"2025-03-08"}}); err != nil {
		t.Fatalf("availability with failing log: %v", err)
	}
	snap, _ := s.Read(ctx)
	if !snap.Availability["u1|2025-03-08"] {
		t.Fatalf("in-memory state did not advance: %#v", snap)
	}
	if c := lastClock(t, s); c != 2 {
		t.Fatalf("lastClock = %d, want 2", c)
	}
	if last, _ := store.LastClock(ctx, "e1"); last != 0 {
		t.Fatalf("log has clock %d", last)
	}
}

func TestRestore(t *testing.T) {
	s := openSession(t, "e1", Options{Store: newTestStore(t)})
	ctx := context.Background()
	if err := s.Restore(ctx, 1); !errors.Is(err, ErrNoEvent) {
		t.Fatalf("restore before create: %v", err)
	}
	if err := s.Create(ctx, trip); err != nil {
		t.Fatal(err)
	}
	if err := s.ApplyAvailability(ctx, schema.AvailabilityDelta{UserID: "u1", Name: strPtr("Alice"), Add: []string{"2025-03-08"}}); err != nil {
		t.Fatal(err)
	}
	atTwo, _ := s.Read(ctx)
	if err := s.ApplyAvailability(ctx, schema.AvailabilityDelta{UserID: "u2", Name: strPtr("Bob"), Add: []string{"2025-03-09"}}); err != nil {
		t.Fatal(err)
	}

	for _, c := range []int64{0, 4, -1} {
		if err := s.Restore(ctx, c); !errors.Is(err, ErrClockOutOfRange) {
			t.Fatalf("Restore(%d) = %v", c, err)
		}
	}
	if err := s.Restore(ctx, 2); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Read(ctx)
	if !reflect.DeepEqual(got, atTwo) {
		t.Fatalf("after restore = %#v\nwant %#v", got, atTwo)
	}
	if c := lastClock(t, s); c != 4 {
		t.Fatalf("lastClock after restore = %d, want 4", c)
	}
	// the newer version is still reachable
	if err := s.Restore(ctx, 3); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Read(ctx)
	if got.Names["u2"] != "Bob" {
		t.Fatalf("restore to 3 = %#v", got)
	}
}

func TestPeriodicSnapshot(t *testing.T) {
	store := newTestStore(t)
	fc := clock.Fake(time.Date(2025, 3, 6, 0, 0, 0, 0, time.UTC))
	s := openSession(t, "e1", Options{Store: store, Clock: fc, SnapshotInterval: time.Minute})
	ctx := context.Background()
	if err := s.Create(ctx, trip); err != nil {
		t.Fatal(err)
	}
	if err := s.ApplyAvailability(ctx, schema.AvailabilityDelta{UserID: "u1", Add: []string{"2025-03-08"}}); err != nil {
		t.Fatal(err)
	}
	fc.Advance(time.Minute)

	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, err := store.LoadSnapshot(ctx, "e1")
		if err == nil && snap.Clock == 2 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot clock never reached 2: %d, %v", snap.Clock, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type fakePeer struct {
	id     string
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) SendBinary(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, data)
	return nil
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

type recordingReporter struct {
	mu     sync.Mutex
	counts []int
}

func (r *recordingReporter) ReportRoomCount(_ context.Context, room string, count int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts = append(r.counts, count)
	return nil
}

func (r *recordingReporter) last() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.counts) == 0 {
		return 0, false
	}
	return r.counts[len(r.counts)-1], true
}

func TestPeersAreCountedAndReported(t *testing.T) {
	reporter := &recordingReporter{}
	s := openSession(t, "e1", Options{Store: newTestStore(t), Reporter: reporter})
	ctx := context.Background()

	a, b := &fakePeer{id: "a"}, &fakePeer{id: "b"}
	for _, p := range []*fakePeer{a, b} {
		if err := s.Connect(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Disconnect(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.peerCount(ctx); n != 1 {
		t.Fatalf("peerCount = %d", n)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if last, ok := reporter.last(); ok && last == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("reported counts = %v", reporter.counts)
		}
		time.Sleep(10 * time.Millisecond)
	}

	b.mu.Lock()
	opened := len(b.sent)
	b.mu.Unlock()
	if opened == 0 {
		t.Fatal("peer got no opening sync message")
	}
}

func TestCloseClosesPeers(t *testing.T) {
	s, err := Open(context.Background(), "e1", Options{Store: newTestStore(t), SnapshotInterval: -1})
	if err != nil {
		t.Fatal(err)
	}
	p := &fakePeer{id: "p"}
	if err := s.Connect(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	s.Close(context.Background())
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		t.Fatal("peer left open")
	}
	if _, err := s.Read(context.Background()); err == nil {
		t.Fatal("read on a closed session succeeded")
	}
}

// gatedStore holds the first log append until release is closed.
type gatedStore struct {
	*storage.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) AppendUpdate(ctx context.Context, room string, update storage.Update) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.Store.AppendUpdate(ctx, room, update)
}

func assertReplayMatchesRead(t *testing.T, s *Session) schema.Snapshot {
	t.Helper()
	ctx := context.Background()
	entries, err := s.History(ctx)
	if err != nil {
		t.Fatal(err)
	}
	replayed, err := document.Replay(entries, 0)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := replayed.Snapshot()
	want, err := s.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("replay = %#v\nread = %#v", got, want)
	}
	return want
}

func TestCreateCancelledWhileQueuedDoesNothing(t *testing.T) {
	s := openSession(t, "e1", Options{Store: newTestStore(t)})
	release := make(chan struct{})
	if err := s.mailbox.Post(context.Background(), func() { <-release }); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- s.Create(ctx, trip) }()
	cancel()
	if err := <-result; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled create = %v", err)
	}
	close(release)

	if snap := assertReplayMatchesRead(t, s); len(snap.Event) != 0 {
		t.Fatalf("cancelled create was applied: %#v", snap.Event)
	}
	// the client may retry and must not be told the event exists
	if err := s.Create(context.Background(), trip); err != nil {
		t.Fatalf("retry after cancel: %v", err)
	}
	assertReplayMatchesRead(t, s)
}

func TestCreateCancelledMidWriteIsStillPersisted(t *testing.T) {
	store := newTestStore(t)
	gated := &gatedStore{Store: store, entered: make(chan struct{}), release: make(chan struct{})}
	s := openSession(t, "e1", Options{Store: gated})

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- s.Create(ctx, trip) }()
	<-gated.entered
	cancel()
	close(gated.release)
	if err := <-result; err != nil {
		t.Fatalf("create that ran reported %v", err)
	}

	snap := assertReplayMatchesRead(t, s)
	if snap.Event["name"] != "Trip" {
		t.Fatalf("event = %#v", snap.Event)
	}
	updates, err := store.LoadUpdates(context.Background(), "e1", 0, 0)
	if err != nil || len(updates) != 1 {
		t.Fatalf("log = %v, %v", updates, err)
	}
	saved, err := store.LoadSnapshot(context.Background(), "e1")
	if err != nil || saved.Clock != 1 {
		t.Fatalf("snapshot = %d, %v", saved.Clock, err)
	}
}

func TestCloseReportsZeroConnections(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	registry, err := occupancy.NewRegistry(ctx, occupancy.Options{Store: store})
	if err != nil {
		t.Fatal(err)
	}
	s, err := Open(ctx, "e1", Options{Store: store, Reporter: registry, SnapshotInterval: -1})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Connect(ctx, &fakePeer{id: "p"}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		info, _ := registry.Public(ctx)
		if info.ActiveConnections == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("registry never saw the peer: %+v", info)
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.Close(ctx)
	if err := s.Disconnect(ctx, "p"); err == nil {
		t.Fatal("disconnect on a closed session succeeded")
	}
	if info, _ := registry.Public(ctx); info != (occupancy.PublicInfo{}) {
		t.Fatalf("after close = %+v", info)
	}
	registry.Stop()

	restarted, err := occupancy.NewRegistry(ctx, occupancy.Options{Store: store})
	if err != nil {
		t.Fatal(err)
	}
	defer restarted.Stop()
	if info, _ := restarted.Public(ctx); info != (occupancy.PublicInfo{}) {
		t.Fatalf("after restart = %+v", info)
	}
}

func TestReopenWithSnapshotAheadOfLog(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	first := openSession(t, "e1", Options{Store: failingStore{store}})
	if err := first.Create(ctx, trip); err != nil {
		t.Fatal(err)
	}
	first.Close(ctx)
	if logged, _ := store.LastClock(ctx, "e1"); logged != 0 {
		t.Fatalf("log clock = %d, want 0", logged)
	}

	second := openSession(t, "e1", Options{Store: store})
	if c := lastClock(t, second); c != 1 {
		t.Fatalf("reopened lastClock = %d, want the snapshot clock 1", c)
	}
	if err := second.ApplyAvailability(ctx, availabilityFor("u1", "2025-03-08")); err != nil {
		t.Fatal(err)
	}
	if logged, _ := store.LastClock(ctx, "e1"); logged != 2 {
		t.Fatalf("log clock after reopen = %d, want 2", logged)
	}
}
