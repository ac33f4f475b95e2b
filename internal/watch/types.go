package watch

import (
	"context"
	"fmt"
)

// Location identifies one monitored map cell by its two sanitized
// coordinate fragments. Immutable once constructed.
type Location struct {
	BottomRight string `json:"bottom_right"`
	TopRight    string `json:"top_right"`
}

// NewLocation builds a Location, rejecting empty coordinate fragments.
func NewLocation(bottomRight, topRight string) (Location, error) {
	if bottomRight == "" || topRight == "" {
		return Location{}, fmt.Errorf("watch: invalid location coordinates (%q, %q)", bottomRight, topRight)
	}
	return Location{BottomRight: bottomRight, TopRight: topRight}, nil
}

// Key returns the concatenated coordinate string used for cache membership
// and client payloads.
func (l Location) Key() string {
	return l.BottomRight + l.TopRight
}

// Event is the notification produced when a Location transitions from
// absent to active. It has no identity beyond its Location.
type Event struct {
	Location Location `json:"location"`
}

// CellReport is one cell's observed state from a single poll snapshot.
type CellReport struct {
	Location Location
	Marked   bool
}

// Source produces a snapshot of every map cell visible in the current poll.
// Correctness of the dedup cache depends on snapshots being complete.
type Source interface {
	Snapshot(ctx context.Context) ([]CellReport, error)
}
