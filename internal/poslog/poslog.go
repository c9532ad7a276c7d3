// Package poslog holds the session's append-only position log and its
// derived views. The log grows without bound for the lifetime of the
// session; a fresh session starts from an empty log.
package poslog

import (
	"sort"
	"sync"

	"beemap/go-telemetry-server/internal/model"
)

// Segment connects two consecutive positions of the receipt-ordered trail.
type Segment struct {
	From model.LatLng `json:"from"`
	To   model.LatLng `json:"to"`
}

// Log is an insertion-ordered store of Position records. Appends come from
// the session goroutine while HTTP handlers read derived views, so access
// is guarded by a mutex. Derived views are recomputed on each read.
type Log struct {
	mu        sync.Mutex
	positions []model.Position
}

func New() *Log {
	return &Log{}
}

// Append adds a record, preserving arrival order.
func (l *Log) Append(p model.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions = append(l.positions, p)
}

// Len returns the number of stored records.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.positions)
}

// All returns the full log in arrival order.
func (l *Log) All() []model.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.Position, len(l.positions))
	copy(out, l.positions)
	return out
}

// SortedByReceipt returns the log ordered by receipt timestamp ascending.
// Records without a timestamp sort before all records that have one; ties
// keep their relative arrival order.
func (l *Log) SortedByReceipt() []model.Position {
	out := l.All()
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.ReceivedAtTs == 0) != (b.ReceivedAtTs == 0) {
			return a.ReceivedAtTs == 0
		}
		return a.ReceivedAtTs < b.ReceivedAtTs
	})
	return out
}

// Latest returns the last record of the receipt-ordered view.
func (l *Log) Latest() (model.Position, bool) {
	sorted := l.SortedByReceipt()
	if len(sorted) == 0 {
		return model.Position{}, false
	}
	return sorted[len(sorted)-1], true
}

// TrailSegments returns the consecutive coordinate pairs of the
// receipt-ordered view: n segments for n+1 records, none for fewer than two.
func (l *Log) TrailSegments() []Segment {
	sorted := l.SortedByReceipt()
	if len(sorted) < 2 {
		return nil
	}
	segments := make([]Segment, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		segments = append(segments, Segment{
			From: sorted[i-1].Coordinates,
			To:   sorted[i].Coordinates,
		})
	}
	return segments
}

// WithAccuracy filters the full log, in arrival order, to records carrying
// an accuracy radius.
func (l *Log) WithAccuracy() []model.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.Position
	for _, p := range l.positions {
		if p.AccuracyRadius != nil {
			out = append(out, p)
		}
	}
	return out
}
