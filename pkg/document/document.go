// Package document is the shape of a room's shared document on top of automerge: an "event" map of calendar
// fields, a "names" map of display names, and an "availability" map used as a set of AvailabilityKeys.
//
// The CRDT itself is a black box reached through three operations: ApplyDelta, EncodeState and EncodeDelta.
package document

import (
	"fmt"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/bearfit/pkg/schema"
)

const (
	EventKey        = "event"
	NamesKey        = "names"
	AvailabilityKey = "availability"
)

// Replica is the contract the session relies on from the merge engine.
type Replica interface {
	// ApplyDelta merges an incremental or full-state encoding into the replica.
	ApplyDelta(delta []byte) error
	// EncodeState returns the full state.
	EncodeState() []byte
	// EncodeDelta returns every change made since the previous EncodeState or EncodeDelta.
	EncodeDelta() []byte
}

// Document wraps one automerge doc. It is not safe for concurrent use; the owning session serialises access.
type Document struct {
	doc *automerge.Doc
}

var _ Replica = (*Document)(nil)

// New returns an empty document.
func New() *Document {
	return &Document{doc: automerge.New()}
}

// Load restores a document from a full-state encoding. Empty input yields an empty document.
func Load(state []byte) (*Document, error) {
	if len(state) == 0 {
		return New(), nil
	}
	doc, err := automerge.Load(state)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	return &Document{doc: doc}, nil
}

// Raw exposes the automerge doc for sync states and change inspection.
func (d *Document) Raw() *automerge.Doc {
	return d.doc
}

func (d *Document) ApplyDelta(delta []byte) error {
	if err := d.doc.LoadIncremental(delta); err != nil {
		return fmt.Errorf("failed to apply delta: %w", err)
	}
	return nil
}

func (d *Document) EncodeState() []byte {
	return d.doc.Save()
}

func (d *Document) EncodeDelta() []byte {
	return d.doc.SaveIncremental()
}

// Heads returns the current change hashes.
func (d *Document) Heads() []automerge.ChangeHash {
	return d.doc.Heads()
}

// Fork returns an independent copy that can be encoded without moving this document's incremental-save point.
func (d *Document) Fork() (*Document, error) {
	fork, err := d.doc.Fork()
	if err != nil {
		return nil, fmt.Errorf("failed to fork doc: %w", err)
	}
	return &Document{doc: fork}, nil
}

// At returns an independent copy of the document as it was right after the given change.
func (d *Document) At(hash automerge.ChangeHash) (*Document, error) {
	fork, err := d.doc.Fork(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to checkout %s: %w", hash, err)
	}
	return &Document{doc: fork}, nil
}

// HasEvent reports whether the event map carries an id, i.e. whether the room has been created.
func (d *Document) HasEvent() bool {
	v, err := d.mapValue(EventKey, "id")
	return err == nil && v.Kind() == automerge.KindStr && v.Str() != ""
}

// InitializeEvent writes all three top-level maps for a freshly created room and commits them as one change.
func (d *Document) InitializeEvent(event schema.CalendarEvent) error {
	if err := d.doc.Path(EventKey).Set(map[string]any{
		"id":        event.ID,
		"name":      event.Name,
		"startDate": event.StartDate,
		"endDate":   event.EndDate,
		"creator":   event.Creator,
	}); err != nil {
		return fmt.Errorf("failed to set event: %w", err)
	}
	if err := d.ensureMap(NamesKey); err != nil {
		return err
	}
	if err := d.ensureMap(AvailabilityKey); err != nil {
		return err
	}
	return d.commit("create event " + event.ID)
}

// ApplyAvailability records one participant's name and marks as a single change. It reports whether anything
// actually changed.
func (d *Document) ApplyAvailability(delta schema.AvailabilityDelta) (bool, error) {
	changed := false
	if delta.Name != nil {
		ok, err := d.setString(NamesKey, delta.UserID, *delta.Name)
		if err != nil {
			return false, err
		}
		changed = changed || ok
	}
	for _, date := range delta.Add {
		ok, err := d.markAvailable(schema.NewAvailabilityKey(delta.UserID, date))
		if err != nil {
			return false, err
		}
		changed = changed || ok
	}
	for _, date := range delta.Remove {
		ok, err := d.unmarkAvailable(schema.NewAvailabilityKey(delta.UserID, date))
		if err != nil {
			return false, err
		}
		changed = changed || ok
	}
	if !changed {
		return false, nil
	}
	return true, d.commit("availability " + delta.UserID)
}

// Overwrite makes the mutable parts of the document equal to snapshot: event name and dates, every name and every
// availability mark. The event id and creator are left alone. It reports whether anything changed.
func (d *Document) Overwrite(snapshot schema.Snapshot) (bool, error) {
	changed := false
	for _, field := range []string{"name", "startDate", "endDate"} {
		value, ok := snapshot.Event[field]
		if !ok {
			continue
		}
		set, err := d.setString(EventKey, field, value)
		if err != nil {
			return false, err
		}
		changed = changed || set
	}

	current, err := d.Snapshot()
	if err != nil {
		return false, err
	}
	for userID := range current.Names {
		if _, keep := snapshot.Names[userID]; !keep {
			if err := d.doc.Path(NamesKey).Map().Delete(userID); err != nil {
				return false, fmt.Errorf("failed to delete name %s: %w", userID, err)
			}
			changed = true
		}
	}
	for userID, name := range snapshot.Names {
		set, err := d.setString(NamesKey, userID, name)
		if err != nil {
			return false, err
		}
		changed = changed || set
	}
	for key := range current.Availability {
		if !snapshot.Availability[key] {
			ok, err := d.unmarkAvailable(schema.AvailabilityKey(key))
			if err != nil {
				return false, err
			}
			changed = changed || ok
		}
	}
	for key, available := range snapshot.Availability {
		if !available {
			continue
		}
		ok, err := d.markAvailable(schema.AvailabilityKey(key))
		if err != nil {
			return false, err
		}
		changed = changed || ok
	}
	if !changed {
		return false, nil
	}
	return true, d.commit("restore")
}

// Snapshot reads the document into plain maps.
func (d *Document) Snapshot() (schema.Snapshot, error) {
	out := schema.NewSnapshot()
	if err := d.eachValue(EventKey, func(key string, v *automerge.Value) {
		if v.Kind() == automerge.KindStr {
			out.Event[key] = v.Str()
		}
	}); err != nil {
		return schema.Snapshot{}, err
	}
	if err := d.eachValue(NamesKey, func(key string, v *automerge.Value) {
		if v.Kind() == automerge.KindStr {
			out.Names[key] = v.Str()
		}
	}); err != nil {
		return schema.Snapshot{}, err
	}
	if err := d.eachValue(AvailabilityKey, func(key string, v *automerge.Value) {
		if v.Kind() == automerge.KindBool && v.Bool() {
			out.Availability[key] = true
		}
	}); err != nil {
		return schema.Snapshot{}, err
	}
	return out, nil
}

func (d *Document) commit(message string) error {
	if _, err := d.doc.Commit(message); err != nil {
		return fmt.Errorf("failed to commit %q: %w", message, err)
	}
	return nil
}

func (d *Document) ensureMap(key string) error {
	v, err := d.doc.RootMap().Get(key)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if v.Kind() == automerge.KindMap {
		return nil
	}
	if err := d.doc.Path(key).Set(map[string]any{}); err != nil {
		return fmt.Errorf("failed to create %s: %w", key, err)
	}
	return nil
}

func (d *Document) mapValue(mapKey, key string) (*automerge.Value, error) {
	parent, err := d.doc.RootMap().Get(mapKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", mapKey, err)
	}
	if parent.Kind() != automerge.KindMap {
		return nil, fmt.Errorf("%s is not a map", mapKey)
	}
	v, err := parent.Map().Get(key)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s.%s: %w", mapKey, key, err)
	}
	return v, nil
}

func (d *Document) eachValue(mapKey string, fn func(key string, v *automerge.Value)) error {
	parent, err := d.doc.RootMap().Get(mapKey)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", mapKey, err)
	}
	if parent.Kind() != automerge.KindMap {
		return nil
	}
	m := parent.Map()
	keys, err := m.Keys()
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", mapKey, err)
	}
	for _, key := range keys {
		v, err := m.Get(key)
		if err != nil {
			return fmt.Errorf("failed to read %s.%s: %w", mapKey, key, err)
		}
		fn(key, v)
	}
	return nil
}

func (d *Document) setString(mapKey, key, value string) (bool, error) {
	if err := d.ensureMap(mapKey); err != nil {
		return false, err
	}
	current, err := d.mapValue(mapKey, key)
	if err != nil {
		return false, err
	}
	if current.Kind() == automerge.KindStr && current.Str() == value {
		return false, nil
	}
	if err := d.doc.Path(mapKey, key).Set(value); err != nil {
		return false, fmt.Errorf("failed to set %s.%s: %w", mapKey, key, err)
	}
	return true, nil
}

func (d *Document) markAvailable(key schema.AvailabilityKey) (bool, error) {
	if err := d.ensureMap(AvailabilityKey); err != nil {
		return false, err
	}
	current, err := d.mapValue(AvailabilityKey, key.String())
	if err != nil {
		return false, err
	}
	if current.Kind() == automerge.KindBool && current.Bool() {
		return false, nil
	}
	if err := d.doc.Path(AvailabilityKey, key.String()).Set(true); err != nil {
		return false, fmt.Errorf("failed to mark %s: %w", key, err)
	}
	return true, nil
}

func (d *Document) unmarkAvailable(key schema.AvailabilityKey) (bool, error) {
	current, err := d.mapValue(AvailabilityKey, key.String())
	if err != nil {
		// no availability map yet means nothing to unmark
		return false, nil
	}
	if current.Kind() == automerge.KindVoid {
		return false, nil
	}
	if err := d.doc.Path(AvailabilityKey).Map().Delete(key.String()); err != nil {
		return false, fmt.Errorf("failed to unmark %s: %w", key, err)
	}
	return true, nil
}
