// Package audit records every command the coordinator accepts or rejects,
// whichever surface it arrived on, and lets the API page through them.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/smartip-core/internal/bridges/smartip"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200

	entryTimeFormat = "2006-01-02T15:04:05.000000Z"
)

// Entry is one audited command.
type Entry struct {
	ID         string         `json:"id"`
	DeviceID   string         `json:"device_id"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Source     string         `json:"source"`
	UserID     string         `json:"user_id,omitempty"`
	Result     string         `json:"result"`
	Error      string         `json:"error,omitempty"`
	Unverified bool           `json:"unverified,omitempty"`
	Refreshed  bool           `json:"refreshed"`
	DurationMS int64          `json:"duration_ms"`
	IssuedAt   time.Time      `json:"issued_at"`
}

// Filter controls which entries List returns.
type Filter struct {
	DeviceID string // optional
	Command  string // optional
	Source   string // optional: mqtt, api
	Result   string // optional: ok or an ack error code
	Limit    int    // default 50, max 200
	Offset   int
}

// ListResult is one page of entries plus the total matching count.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Repository stores audit entries.
type Repository interface {
	RecordCommand(ctx context.Context, rec smartip.CommandRecord) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository keeps entries in the command_audit table.
type SQLiteRepository struct {
	db *sql.DB
}

var _ smartip.CommandAuditor = (*SQLiteRepository)(nil)

// NewSQLiteRepository returns a repository backed by db.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// RecordCommand inserts rec. A missing ID or IssuedAt is generated.
func (r *SQLiteRepository) RecordCommand(ctx context.Context, rec smartip.CommandRecord) error {
	if rec.DeviceID == "" || rec.Command == "" {
		return fmt.Errorf("audit: device id and command are required")
	}
	if rec.ID == "" {
		rec.ID = "cmd-" + uuid.NewString()
	}
	if rec.IssuedAt.IsZero() {
		rec.IssuedAt = time.Now()
	}

	var params *string
	if len(rec.Parameters) > 0 {
		b, err := json.Marshal(rec.Parameters)
		if err != nil {
			return fmt.Errorf("marshalling command parameters: %w", err)
		}
		s := string(b)
		params = &s
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO command_audit
		 (id, device_id, command, parameters, source, user_id, result, error,
		  unverified, refreshed, duration_ms, issued_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.DeviceID, rec.Command, params, rec.Source,
		nullableString(rec.UserID), rec.Result, nullableString(rec.Error),
		rec.Unverified, rec.Refreshed, rec.Duration.Milliseconds(),
		rec.IssuedAt.UTC().Format(entryTimeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting command audit: %w", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns entries matching filter, newest first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	filter.Limit = min(filter.Limit, maxListLimit)
	filter.Offset = max(filter.Offset, 0)

	var (
		conditions []string
		args       []any
	)
	for _, c := range []struct{ column, value string }{
		{"device_id", filter.DeviceID},
		{"command", filter.Command},
		{"source", filter.Source},
		{"result", filter.Result},
	} {
		if c.value != "" {
			conditions = append(conditions, c.column+" = ?")
			args = append(args, c.value)
		}
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM command_audit " + where //nolint:gosec // placeholders only
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting command audit: %w", err)
	}

	query := `SELECT id, device_id, command, parameters, source, user_id, result, error,
		unverified, refreshed, duration_ms, issued_at
		FROM command_audit ` + where + ` ORDER BY issued_at DESC, id LIMIT ? OFFSET ?` //nolint:gosec // placeholders only
	rows, err := r.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying command audit: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command audit: %w", err)
	}

	return &ListResult{Entries: entries, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e                       Entry
		params, userID, errText sql.NullString
		issuedAt                string
	)
	if err := rows.Scan(&e.ID, &e.DeviceID, &e.Command, &params, &e.Source, &userID,
		&e.Result, &errText, &e.Unverified, &e.Refreshed, &e.DurationMS, &issuedAt); err != nil {
		return Entry{}, fmt.Errorf("scanning command audit: %w", err)
	}
	e.UserID = userID.String
	e.Error = errText.String
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &e.Parameters); err != nil {
			return Entry{}, fmt.Errorf("unmarshalling parameters of %s: %w", e.ID, err)
		}
	}
	t, err := time.Parse(entryTimeFormat, issuedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("parsing issued_at %q: %w", issuedAt, err)
	}
	e.IssuedAt = t
	return e, nil
}
