// Package history frames a room's update log into a single binary blob and back.
//
// A history is a sequence of (label, value) entries. The label is either "sv" for a full-state entry or the decimal
// log clock of an incremental update; the value is opaque CRDT bytes.
//
// Two framings exist. The legacy framing writes "label\n\nvalue\n\n" per entry and is what the history endpoint
// serves by default; it cannot represent values that contain "\n\n" (or end in "\n"). The length framing writes a
// magic prefix followed by big-endian uint32 lengths before each label and value, and can carry any bytes. Decode
// accepts both.
package history

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
)

// SnapshotLabel labels the full-state entry that leads every served history.
const SnapshotLabel = "sv"

// Separator is the two-byte delimiter of the legacy framing.
var Separator = []byte("\n\n")

// FramedMagic prefixes every length-framed stream.
var FramedMagic = []byte("BFH1")

// ErrTruncated is returned when a length-framed stream ends inside an entry.
var ErrTruncated = errors.New("history stream is truncated")

// Entry is one labelled value in a history stream.
type Entry struct {
	Label string
	Value []byte
}

// SnapshotEntry builds the leading full-state entry.
func SnapshotEntry(state []byte) Entry {
	return Entry{Label: SnapshotLabel, Value: state}
}

// UpdateEntry builds an incremental entry for the given log clock.
func UpdateEntry(clock int64, delta []byte) Entry {
	return Entry{Label: strconv.FormatInt(clock, 10), Value: delta}
}

// IsSnapshot reports whether the entry carries full document state.
func (e Entry) IsSnapshot() bool {
	return e.Label == SnapshotLabel
}

// Clock returns the log clock of an incremental entry.
func (e Entry) Clock() (int64, error) {
	if e.IsSnapshot() {
		return 0, fmt.Errorf("entry %q is a snapshot, not an update", e.Label)
	}
	clock, err := strconv.ParseInt(e.Label, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("entry label %q is not a clock: %w", e.Label, err)
	}
	return clock, nil
}

// Encode writes entries in the legacy separator framing.
func Encode(entries []Entry) []byte {
	size := 0
	for _, e := range entries {
		size += len(e.Label) + len(e.Value) + 2*len(Separator)
	}
	out := make([]byte, 0, size)
	for _, e := range entries {
		out = append(out, e.Label...)
		out = append(out, Separator...)
		out = append(out, e.Value...)
		out = append(out, Separator...)
	}
	return out
}

// EncodeFramed writes entries in the length-prefixed framing.
func EncodeFramed(entries []Entry) []byte {
	size := len(FramedMagic)
	for _, e := range entries {
		size += 8 + len(e.Label) + len(e.Value)
	}
	out := make([]byte, 0, size)
	out = append(out, FramedMagic...)
	for _, e := range entries {
		out = binary.BigEndian.AppendUint32(out, uint32(len(e.Label)))
		out = append(out, e.Label...)
		out = binary.BigEndian.AppendUint32(out, uint32(len(e.Value)))
		out = append(out, e.Value...)
	}
	return out
}

// Decode parses either framing. Legacy streams never fail to decode; framed streams fail on truncation.
func Decode(body []byte) ([]Entry, error) {
	if bytes.HasPrefix(body, FramedMagic) {
		return decodeFramed(body[len(FramedMagic):])
	}
	return decodeLegacy(body), nil
}

func decodeLegacy(body []byte) []Entry {
	var parts [][]byte
	start := 0
	for i := 0; i < len(body)-1; i++ {
		if body[i] == '\n' && body[i+1] == '\n' {
			parts = append(parts, body[start:i])
			start = i + 2
			i++
		}
	}
	if start < len(body) {
		parts = append(parts, body[start:])
	}

	entries := make([]Entry, 0, (len(parts)+1)/2)
	for i := 0; i < len(parts); i += 2 {
		entry := Entry{Label: string(parts[i]), Value: []byte{}}
		if i+1 < len(parts) {
			entry.Value = bytes.Clone(parts[i+1])
		}
		entries = append(entries, entry)
	}
	return entries
}

func decodeFramed(body []byte) ([]Entry, error) {
	var entries []Entry
	for len(body) > 0 {
		label, rest, err := readChunk(body)
		if err != nil {
			return nil, fmt.Errorf("entry %d label: %w", len(entries), err)
		}
		value, rest, err := readChunk(rest)
		if err != nil {
			return nil, fmt.Errorf("entry %d value: %w", len(entries), err)
		}
		entries = append(entries, Entry{Label: string(label), Value: bytes.Clone(value)})
		body = rest
	}
	return entries, nil
}

func readChunk(body []byte) ([]byte, []byte, error) {
	if len(body) < 4 {
		return nil, nil, ErrTruncated
	}
	n := binary.BigEndian.Uint32(body)
	body = body[4:]
	if uint64(len(body)) < uint64(n) {
		return nil, nil, ErrTruncated
	}
	return body[:n], body[n:], nil
}
