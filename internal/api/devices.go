package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/smartip-core/internal/bridges/smartip"
	"github.com/nerrad567/smartip-core/internal/device"
)

// DeviceSummary is one row of GET /api/v1/devices.
type DeviceSummary struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Endpoint    smartip.DeviceEndpoint `json:"endpoint"`
	State       smartip.LinkState      `json:"state"`
	Polling     bool                   `json:"polling"`
	HasSnapshot bool                   `json:"has_snapshot"`
	Power       smartip.PowerState     `json:"power,omitempty"`
	VolumeDB    *float64               `json:"volume_db,omitempty"`
	Muted       *bool                  `json:"muted,omitempty"`
	ActiveInput string                 `json:"active_input,omitempty"`
	Stale       bool                   `json:"stale,omitempty"`
	UpdatedAt   *time.Time             `json:"updated_at,omitempty"`
}

// CommandRequestBody is the body of POST /devices/{id}/commands.
type CommandRequestBody struct {
	ID         string         `json:"id,omitempty"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

func summarise(c *smartip.Coordinator) DeviceSummary {
	d := DeviceSummary{
		ID:       c.ID(),
		Name:     c.Name(),
		Endpoint: c.Endpoint(),
		State:    c.State(),
		Polling:  c.Poller().Running(),
	}
	if snap, ok := c.Snapshot(); ok {
		d.HasSnapshot = true
		d.Power = snap.Power
		d.VolumeDB = &snap.VolumeDB
		d.Muted = &snap.Muted
		d.ActiveInput = snap.ActiveInput
		d.Stale = snap.Stale
		d.UpdatedAt = &snap.UpdatedAt
	}
	return d
}

// handleListDevices returns every registered device, sorted by id.
//
// Query parameters:
//   - state: filter by link state (connecting, online, degraded, offline)
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	state := smartip.LinkState(r.URL.Query().Get("state"))

	devices := make([]DeviceSummary, 0, s.registry.Len())
	for _, c := range s.registry.List() {
		if state != "" && c.State() != state {
			continue
		}
		devices = append(devices, summarise(c))
	}
	slices.SortFunc(devices, func(a, b DeviceSummary) int { return strings.Compare(a.ID, b.ID) })

	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// coordinator resolves the {id} path parameter, writing a 404 when unknown.
func (s *Server) coordinator(w http.ResponseWriter, r *http.Request) (*smartip.Coordinator, bool) {
	id := chi.URLParam(r, "id")
	c, err := s.registry.Get(id)
	if err != nil {
		writeNotFound(w, "device not found: "+id)
		return nil, false
	}
	return c, true
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, summarise(c))
}

// handleGetSnapshot returns the cached snapshot, or 409 NO_STATE before the
// first successful read.
func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	snap, ok := c.Snapshot()
	if !ok {
		writeDeviceError(w, smartip.ErrNoSnapshot)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetDiagnostics(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c.Diagnostics())
}

// handleGetHistory returns recorded snapshots, newest first.
//
// Query parameters:
//   - since, until: RFC 3339 timestamps bounding the window
//   - limit: max results (default 50, max 500)
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "snapshot history is not enabled")
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := s.registry.Get(id); err != nil {
		writeNotFound(w, "device not found: "+id)
		return
	}

	q := device.HistoryQuery{DeviceID: id}
	params := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"since", &q.Since}, {"until", &q.Until}} {
		if v := params.Get(p.name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeBadRequest(w, p.name+" must be an RFC 3339 timestamp")
				return
			}
			*p.dst = t
		}
	}
	if v := params.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		q.Limit = n
	}

	entries, err := s.history.GetHistory(r.Context(), q)
	if err != nil {
		if errors.Is(err, device.ErrInvalidHistory) {
			writeBadRequest(w, err.Error())
			return
		}
		s.logger.Error("failed to read snapshot history", "device_id", id, "error", err)
		writeInternalError(w, "failed to read snapshot history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": id, "entries": entries, "count": len(entries)})
}

// handleIssueCommand runs a command through the shared dispatcher and
// returns the result with the snapshot read afterwards.
func (s *Server) handleIssueCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body CommandRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if body.Command == "" {
		writeBadRequest(w, "command is required")
		return
	}

	msg := &smartip.CommandMessage{
		ID:         body.ID,
		DeviceID:   id,
		Command:    body.Command,
		Parameters: body.Parameters,
		Source:     smartip.SourceAPI,
		UserID:     userIDFromContext(r.Context()),
	}
	result, err := s.dispatcher.Dispatch(r.Context(), msg)
	if err != nil {
		if isNotFound(err) {
			writeNotFound(w, "device not found: "+id)
			return
		}
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleRefresh runs one poll cycle now and returns the fresh snapshot.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	c, ok := s.coordinator(w, r)
	if !ok {
		return
	}
	if err := c.Refresh(r.Context()); err != nil {
		if isNotFound(err) {
			writeNotFound(w, "device not found: "+c.ID())
			return
		}
		writeDeviceError(w, err)
		return
	}
	snap, _ := c.Snapshot()
	writeJSON(w, http.StatusOK, snap)
}
