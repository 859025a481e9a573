package smartip

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Command sources recorded in the audit trail.
const (
	SourceMQTT = "mqtt"
	SourceAPI  = "api"
)

// CommandRecord is one audited command, successful or not.
type CommandRecord struct {
	ID         string
	DeviceID   string
	Command    string
	Parameters map[string]any
	Source     string
	UserID     string

	// Result is "ok" or the ack error code.
	Result     string
	Error      string
	Unverified bool
	Refreshed  bool

	IssuedAt time.Time
	Duration time.Duration
}

// CommandAuditor persists command records.
type CommandAuditor interface {
	RecordCommand(ctx context.Context, rec CommandRecord) error
}

// Dispatcher turns wire-level command messages into coordinator commands.
// The MQTT bridge and the REST API share it so both audit the same way.
type Dispatcher struct {
	registry *Registry
	auditor  CommandAuditor
	logger   Logger
}

// NewDispatcher creates a dispatcher. auditor and logger may be nil.
func NewDispatcher(registry *Registry, auditor CommandAuditor, logger Logger) *Dispatcher {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Dispatcher{registry: registry, auditor: auditor, logger: logger}
}

// Dispatch parses msg, issues it to its device and records the outcome.
// A missing msg.ID is filled in; the returned result carries it.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *CommandMessage) (CommandResult, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	start := time.Now()

	cmd, err := ParseCommand(msg.Command, msg.Parameters)
	var result CommandResult
	if err == nil {
		result, err = d.registry.Issue(ctx, msg.DeviceID, cmd)
	}
	result.ID = msg.ID

	if err != nil {
		d.logger.Warn("command failed",
			"command_id", msg.ID,
			"device_id", msg.DeviceID,
			"command", msg.Command,
			"source", msg.Source,
			"error", err,
		)
	} else {
		d.logger.Info("command executed",
			"command_id", msg.ID,
			"device_id", msg.DeviceID,
			"command", msg.Command,
			"source", msg.Source,
			"refreshed", result.Refreshed,
		)
	}

	d.audit(ctx, msg, result, err, time.Since(start))
	return result, err
}

func (d *Dispatcher) audit(ctx context.Context, msg *CommandMessage, result CommandResult, err error, took time.Duration) {
	if d.auditor == nil {
		return
	}
	rec := CommandRecord{
		ID:         msg.ID,
		DeviceID:   msg.DeviceID,
		Command:    strings.ToLower(strings.TrimSpace(msg.Command)),
		Parameters: msg.Parameters,
		Source:     msg.Source,
		UserID:     msg.UserID,
		Result:     "ok",
		Unverified: result.Unverified,
		Refreshed:  result.Refreshed,
		IssuedAt:   msg.Timestamp,
		Duration:   took,
	}
	if err != nil {
		rec.Result = ErrorCode(err)
		rec.Error = err.Error()
	}
	// The command already ran; the audit write must not inherit its deadline.
	if aerr := d.auditor.RecordCommand(context.WithoutCancel(ctx), rec); aerr != nil {
		d.logger.Error("recording command audit", "command_id", msg.ID, "error", aerr)
	}
}
