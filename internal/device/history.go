package device

import (
	"context"
	"time"

	"github.com/nerrad567/smartip-core/internal/bridges/smartip"
)

// HistoryEntry is one recorded change of a device's control state or link
// state.
type HistoryEntry struct {
	ID       int64                `json:"id"`
	DeviceID string               `json:"device_id"`
	State    smartip.LinkState    `json:"state"`
	Reason   smartip.UpdateReason `json:"reason"`

	// Snapshot is nil when the device had never been read successfully.
	Snapshot *smartip.DeviceSnapshot `json:"snapshot,omitempty"`

	RecordedAt time.Time `json:"recorded_at"`
}

// HistoryQuery selects entries for one device. Zero Since and Until leave
// that side of the window open.
type HistoryQuery struct {
	DeviceID string
	Since    time.Time
	Until    time.Time

	// Limit defaults to 50 and is capped at 500.
	Limit int
}

// SnapshotHistory stores and retrieves snapshot history.
//
// Implementations must be safe for concurrent use and store UTC timestamps.
type SnapshotHistory interface {
	// RecordSnapshot appends the update. It satisfies smartip.HistoryRecorder.
	RecordSnapshot(ctx context.Context, u smartip.Update) error

	// GetHistory returns matching entries, newest first.
	GetHistory(ctx context.Context, q HistoryQuery) ([]HistoryEntry, error)

	// PruneHistory deletes entries older than olderThan and reports how many.
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)
}

var _ smartip.HistoryRecorder = SnapshotHistory(nil)
