package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/smartip-core/internal/bridges/smartip"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500

	// historyTimeFormat has fixed-width fractions so stored timestamps sort
	// as text.
	historyTimeFormat = "2006-01-02T15:04:05.000000Z"
)

// SQLiteSnapshotHistory keeps snapshot history in the snapshot_history table.
type SQLiteSnapshotHistory struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteSnapshotHistory returns a history store backed by db. The schema
// comes from the embedded migrations.
func NewSQLiteSnapshotHistory(db *sql.DB) *SQLiteSnapshotHistory {
	return &SQLiteSnapshotHistory{db: db, now: time.Now}
}

// RecordSnapshot inserts u. Updates without a snapshot are stored with
// empty control columns so link transitions still appear in the history.
func (h *SQLiteSnapshotHistory) RecordSnapshot(ctx context.Context, u smartip.Update) error {
	if u.DeviceID == "" {
		return fmt.Errorf("%w: device id is required", ErrInvalidHistory)
	}
	at := u.At
	if at.IsZero() {
		at = h.now()
	}

	var (
		power, input  any
		volume, muted any
		snapJSON      = "null"
	)
	if u.HasSnapshot {
		b, err := json.Marshal(u.Snapshot)
		if err != nil {
			return fmt.Errorf("marshalling snapshot: %w", err)
		}
		snapJSON = string(b)
		power = string(u.Snapshot.Power)
		input = u.Snapshot.ActiveInput
		volume = u.Snapshot.VolumeDB
		muted = u.Snapshot.Muted
	}

	_, err := h.db.ExecContext(ctx,
		`INSERT INTO snapshot_history
		 (device_id, link_state, reason, power, volume_db, muted, active_input, snapshot, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.DeviceID, string(u.State), string(u.Reason),
		power, volume, muted, input,
		snapJSON, at.UTC().Format(historyTimeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting snapshot history: %w", err)
	}
	return nil
}

// GetHistory returns entries for q.DeviceID, newest first.
func (h *SQLiteSnapshotHistory) GetHistory(ctx context.Context, q HistoryQuery) ([]HistoryEntry, error) {
	if q.DeviceID == "" {
		return nil, fmt.Errorf("%w: device id is required", ErrInvalidHistory)
	}
	if !q.Since.IsZero() && !q.Until.IsZero() && q.Until.Before(q.Since) {
		return nil, fmt.Errorf("%w: until is before since", ErrInvalidHistory)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)

	where := []string{"device_id = ?"}
	args := []any{q.DeviceID}
	if !q.Since.IsZero() {
		where = append(where, "recorded_at >= ?")
		args = append(args, q.Since.UTC().Format(historyTimeFormat))
	}
	if !q.Until.IsZero() {
		where = append(where, "recorded_at <= ?")
		args = append(args, q.Until.UTC().Format(historyTimeFormat))
	}
	args = append(args, limit)

	query := `SELECT id, device_id, link_state, reason, snapshot, recorded_at
		FROM snapshot_history WHERE ` + strings.Join(where, " AND ") + //nolint:gosec // placeholders only
		` ORDER BY recorded_at DESC, id DESC LIMIT ?`

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying snapshot history: %w", err)
	}
	defer rows.Close()

	entries := make([]HistoryEntry, 0, limit)
	for rows.Next() {
		var (
			e          HistoryEntry
			state      string
			reason     string
			snapJSON   string
			recordedAt string
		)
		if err := rows.Scan(&e.ID, &e.DeviceID, &state, &reason, &snapJSON, &recordedAt); err != nil {
			return nil, fmt.Errorf("scanning snapshot history: %w", err)
		}
		e.State = smartip.LinkState(state)
		e.Reason = smartip.UpdateReason(reason)
		if snapJSON != "" && snapJSON != "null" {
			var snap smartip.DeviceSnapshot
			if err := json.Unmarshal([]byte(snapJSON), &snap); err != nil {
				return nil, fmt.Errorf("unmarshalling snapshot %d: %w", e.ID, err)
			}
			e.Snapshot = &snap
		}
		if e.RecordedAt, err = time.Parse(historyTimeFormat, recordedAt); err != nil {
			return nil, fmt.Errorf("parsing recorded_at %q: %w", recordedAt, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating snapshot history: %w", err)
	}
	return entries, nil
}

// PruneHistory deletes entries recorded more than olderThan ago.
func (h *SQLiteSnapshotHistory) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: retention must be positive", ErrInvalidHistory)
	}
	cutoff := h.now().UTC().Add(-olderThan).Format(historyTimeFormat)
	result, err := h.db.ExecContext(ctx, "DELETE FROM snapshot_history WHERE recorded_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting snapshot history: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}
