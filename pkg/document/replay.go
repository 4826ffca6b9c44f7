package document

import (
	"fmt"

	"github.com/astromechza/bearfit/pkg/history"
)

// Replay rebuilds a document from history entries, starting from empty. Only incremental entries with a clock at
// or below through are applied; through <= 0 applies the whole log. The full-state entry is ignored so the result
// proves the log alone reproduces the document.
func Replay(entries []history.Entry, through int64) (*Document, error) {
	doc := New()
	for _, entry := range entries {
		if entry.IsSnapshot() {
			continue
		}
		clock, err := entry.Clock()
		if err != nil {
			return nil, err
		}
		if through > 0 && clock > through {
			continue
		}
		if err := doc.ApplyDelta(entry.Value); err != nil {
			return nil, fmt.Errorf("failed to replay clock %d: %w", clock, err)
		}
	}
	return doc, nil
}

// FromSnapshotEntry loads the full-state entry of a history, if it has one.
func FromSnapshotEntry(entries []history.Entry) (*Document, bool, error) {
	for _, entry := range entries {
		if entry.IsSnapshot() {
			doc, err := Load(entry.Value)
			return doc, true, err
		}
	}
	return nil, false, nil
}
