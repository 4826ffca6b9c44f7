package document

import (
	"reflect"
	"testing"

	"github.com/astromechza/bearfit/pkg/history"
	"github.com/astromechza/bearfit/pkg/schema"
)

var trip = schema.CalendarEvent{ID: "e1", Name: "Trip", StartDate: "2025-03-06", EndDate: "2025-03-12", Creator: "u1"}

func strPtr(s string) *string { return &s }

func TestEmptyDocumentSnapshot(t *testing.T) {
	doc := New()
	if doc.HasEvent() {
		t.Fatal("empty document claims an event")
	}
	snap, err := doc.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(snap, schema.NewSnapshot()) {
		t.Fatalf("snapshot = %#v, want empty maps", snap)
	}
}

func TestInitializeAndAvailability(t *testing.T) {
	doc := New()
	if err := doc.InitializeEvent(trip); err != nil {
		t.Fatal(err)
	}
	if !doc.HasEvent() {
		t.Fatal("HasEvent false after InitializeEvent")
	}

	changed, err := doc.ApplyAvailability(schema.AvailabilityDelta{
		UserID: "u1", Name: strPtr("Alice"), Add: []string{"2025-03-08", "2025-03-09"},
	})
	if err != nil || !changed {
		t.Fatalf("ApplyAvailability = %v, %v", changed, err)
	}
	changed, err = doc.ApplyAvailability(schema.AvailabilityDelta{UserID: "u1", Remove: []string{"2025-03-09", "2025-03-10"}})
	if err != nil || !changed {
		t.Fatalf("remove = %v, %v", changed, err)
	}
	changed, err = doc.ApplyAvailability(schema.AvailabilityDelta{UserID: "u1", Add: []string{"2025-03-08"}})
	if err != nil || changed {
		t.Fatalf("repeat mark = %v, %v, want no change", changed, err)
	}

	snap, err := doc.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	want := schema.Snapshot{
		Event:        map[string]string{"id": "e1", "name": "Trip", "startDate": "2025-03-06", "endDate": "2025-03-12", "creator": "u1"},
		Names:        map[string]string{"u1": "Alice"},
		Availability: map[string]bool{"u1|2025-03-08": true},
	}
	if !reflect.DeepEqual(snap, want) {
		t.Fatalf("snapshot = %#v\nwant %#v", snap, want)
	}
}

func TestReplayOfDeltasReproducesState(t *testing.T) {
	doc := New()
	var entries []history.Entry
	record := func() {
		if delta := doc.EncodeDelta(); len(delta) > 0 {
			entries = append(entries, history.UpdateEntry(int64(len(entries)+1), delta))
		}
	}

	if err := doc.InitializeEvent(trip); err != nil {
		t.Fatal(err)
	}
	record()
	for _, d := range []schema.AvailabilityDelta{
		{UserID: "u1", Name: strPtr("Alice"), Add: []string{"2025-03-08"}},
		{UserID: "u2", Name: strPtr("Bob"), Add: []string{"2025-03-08", "2025-03-11"}},
		{UserID: "u2", Remove: []string{"2025-03-08"}},
	} {
		if _, err := doc.ApplyAvailability(d); err != nil {
			t.Fatal(err)
		}
		record()
	}

	// automerge bytes may contain "\n\n", so the round trip goes through the length framing.
	encoded := history.EncodeFramed(append([]history.Entry{history.SnapshotEntry(doc.EncodeState())}, entries...))
	decoded, err := history.Decode(encoded)
	if err != nil {
		t.Fatal(err)
	}
	replayed, err := Replay(decoded, 0)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := replayed.Snapshot()
	want, _ := doc.Snapshot()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("replay = %#v\nlive = %#v", got, want)
	}

	first, err := Replay(entries, 1)
	if err != nil {
		t.Fatal(err)
	}
	early, _ := first.Snapshot()
	if len(early.Availability) != 0 || early.Event["name"] != "Trip" {
		t.Fatalf("replay through clock 1 = %#v", early)
	}

	fromState, ok, err := FromSnapshotEntry(decoded)
	if err != nil || !ok {
		t.Fatalf("FromSnapshotEntry = %v, %v", ok, err)
	}
	stateSnap, _ := fromState.Snapshot()
	if !reflect.DeepEqual(stateSnap, want) {
		t.Fatalf("snapshot entry = %#v", stateSnap)
	}
}

func TestOverwriteRestoresEarlierVersion(t *testing.T) {
	doc := New()
	if err := doc.InitializeEvent(trip); err != nil {
		t.Fatal(err)
	}
	if _, err := doc.ApplyAvailability(schema.AvailabilityDelta{UserID: "u1", Name: strPtr("Alice"), Add: []string{"2025-03-08"}}); err != nil {
		t.Fatal(err)
	}
	earlier, _ := doc.Snapshot()

	if _, err := doc.ApplyAvailability(schema.AvailabilityDelta{UserID: "u2", Name: strPtr("Bob"), Add: []string{"2025-03-09"}, Remove: nil}); err != nil {
		t.Fatal(err)
	}
	if _, err := doc.ApplyAvailability(schema.AvailabilityDelta{UserID: "u1", Remove: []string{"2025-03-08"}}); err != nil {
		t.Fatal(err)
	}

	changed, err := doc.Overwrite(earlier)
	if err != nil || !changed {
		t.Fatalf("Overwrite = %v, %v", changed, err)
	}
	got, _ := doc.Snapshot()
	if !reflect.DeepEqual(got, earlier) {
		t.Fatalf("after overwrite = %#v\nwant %#v", got, earlier)
	}

	changed, err = doc.Overwrite(earlier)
	if err != nil || changed {
		t.Fatalf("second Overwrite = %v, %v, want no change", changed, err)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	doc := New()
	if err := doc.InitializeEvent(trip); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(doc.EncodeState())
	if err != nil {
		t.Fatal(err)
	}
	if !loaded.HasEvent() {
		t.Fatal("loaded document lost its event")
	}
	empty, err := Load(nil)
	if err != nil || empty.HasEvent() {
		t.Fatalf("Load(nil) = %v, %v", empty, err)
	}
	if _, err := Load([]byte("not automerge")); err == nil {
		t.Fatal("garbage loaded")
	}
}
