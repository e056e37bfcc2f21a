package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Outbound command states. Transitions are guarded by the current status:
// acknowledged and expired are terminal.
const (
	CommandPending      = "pending"
	CommandSent         = "sent"
	CommandAcknowledged = "acknowledged"
	CommandFailed       = "failed"
	CommandExpired      = "expired"
	CommandSuperseded   = "superseded"
)

// Command types understood by device firmware.
const (
	CmdCaptureImage    = "capture_image"
	CmdSendImage       = "send_image"
	CmdSetWakeSchedule = "set_wake_schedule"
	CmdUpdateConfig    = "update_config"
	CmdReboot          = "reboot"
	CmdUpdateFirmware  = "update_firmware"
	CmdPing            = "ping"
)

// Command is one queued outbound command. DeviceMAC is joined from the
// device registry for dispatch.
type Command struct {
	ID             string     `db:"id"`
	DeviceID       string     `db:"device_id"`
	DeviceMAC      string     `db:"device_mac"`
	CommandType    string     `db:"command_type"`
	Payload        *string    `db:"payload"`
	Status         string     `db:"status"`
	IssuedAt       time.Time  `db:"issued_at"`
	DeliveredAt    *time.Time `db:"delivered_at"`
	AcknowledgedAt *time.Time `db:"acknowledged_at"`
	RetryCount     int        `db:"retry_count"`
}

// PayloadMap decodes the queued JSON payload, or returns an empty map.
func (c *Command) PayloadMap() map[string]interface{} {
	var out = map[string]interface{}{}
	if c.Payload != nil {
		_ = json.Unmarshal([]byte(*c.Payload), &out)
	}
	return out
}

// EnqueueCommand queues a command for a device.
func (s *Store) EnqueueCommand(ctx context.Context, deviceID, commandType string, payload map[string]interface{}) (*Command, error) {
	var payloadJSON *string
	if payload != nil {
		var b, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", commandType, err)
		}
		var str = string(b)
		payloadJSON = &str
	}
	var cmd = Command{
		ID:          uuid.NewString(),
		DeviceID:    deviceID,
		CommandType: commandType,
		Payload:     payloadJSON,
		Status:      CommandPending,
		IssuedAt:    s.now().UTC(),
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO device_commands (id, device_id, command_type, payload, status, issued_at, retry_count)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`),
		cmd.ID, cmd.DeviceID, cmd.CommandType, cmd.Payload, cmd.Status, cmd.IssuedAt); err != nil {
		return nil, fmt.Errorf("enqueueing %s for device %s: %w", commandType, deviceID, err)
	}
	return &cmd, nil
}

const commandColumns = `c.id, c.device_id, d.mac AS device_mac, c.command_type, c.payload,
	c.status, c.issued_at, c.delivered_at, c.acknowledged_at, c.retry_count`

// PendingCommands lists queued commands for active devices, oldest first.
func (s *Store) PendingCommands(ctx context.Context, limit int) ([]Command, error) {
	var out []Command
	var err = s.db.SelectContext(ctx, &out, s.db.Rebind(
		`SELECT `+commandColumns+`
		 FROM device_commands c JOIN devices d ON d.id = c.device_id
		 WHERE c.status = ? AND d.provisioning_status = ?
		 ORDER BY c.issued_at ASC LIMIT ?`),
		CommandPending, ProvisioningActive, limit)
	if err != nil {
		return nil, fmt.Errorf("listing pending commands: %w", err)
	}
	return out, nil
}

// PendingCommandsForDevice lists a single device's queue, oldest first,
// regardless of provisioning status. Used while the device is awake.
func (s *Store) PendingCommandsForDevice(ctx context.Context, deviceID string) ([]Command, error) {
	var out []Command
	var err = s.db.SelectContext(ctx, &out, s.db.Rebind(
		`SELECT `+commandColumns+`
		 FROM device_commands c JOIN devices d ON d.id = c.device_id
		 WHERE c.status = ? AND c.device_id = ?
		 ORDER BY c.issued_at ASC`),
		CommandPending, deviceID)
	if err != nil {
		return nil, fmt.Errorf("listing pending commands for %s: %w", deviceID, err)
	}
	return out, nil
}

// FailedCommandsForRetry lists failed commands eligible for another
// delivery attempt. A NULL delivered_at means the publish itself failed;
// those rows are always eligible.
func (s *Store) FailedCommandsForRetry(ctx context.Context, limit, maxRetries int, retryDelay time.Duration) ([]Command, error) {
	var out []Command
	var err = s.db.SelectContext(ctx, &out, s.db.Rebind(
		`SELECT `+commandColumns+`
		 FROM device_commands c JOIN devices d ON d.id = c.device_id
		 WHERE c.status = ? AND c.retry_count < ?
		   AND (c.delivered_at IS NULL OR c.delivered_at < ?)
		 ORDER BY c.issued_at ASC LIMIT ?`),
		CommandFailed, maxRetries, s.now().UTC().Add(-retryDelay), limit)
	if err != nil {
		return nil, fmt.Errorf("listing failed commands: %w", err)
	}
	return out, nil
}

// MarkCommandSent performs pending -> sent, stamping delivered_at.
func (s *Store) MarkCommandSent(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx,
		`UPDATE device_commands SET status = ?, delivered_at = ? WHERE id = ? AND status = ?`,
		CommandSent, s.now().UTC(), id, CommandPending)
}

// MarkCommandFailed performs pending|sent -> failed and counts the attempt.
func (s *Store) MarkCommandFailed(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx,
		`UPDATE device_commands SET status = ?, retry_count = retry_count + 1
		 WHERE id = ? AND status IN (?, ?)`,
		CommandFailed, id, CommandPending, CommandSent)
}

// ResetCommandPending performs failed -> pending ahead of a retry.
func (s *Store) ResetCommandPending(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx,
		`UPDATE device_commands SET status = ? WHERE id = ? AND status = ?`,
		CommandPending, id, CommandFailed)
}

// MarkCommandAcknowledged performs sent -> acknowledged.
func (s *Store) MarkCommandAcknowledged(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx,
		`UPDATE device_commands SET status = ?, acknowledged_at = ? WHERE id = ? AND status = ?`,
		CommandAcknowledged, s.now().UTC(), id, CommandSent)
}

// MarkCommandSuperseded performs pending -> superseded.
func (s *Store) MarkCommandSuperseded(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx,
		`UPDATE device_commands SET status = ? WHERE id = ? AND status = ?`,
		CommandSuperseded, id, CommandPending)
}

func (s *Store) transition(ctx context.Context, query string, args ...interface{}) (bool, error) {
	var res, err = s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("command transition: %w", err)
	}
	var n, _ = res.RowsAffected()
	return n > 0, nil
}

// SupersedePendingCaptures marks every still-pending capture_image for the
// device superseded, returning how many. At most one capture_image is
// published per wake cycle.
func (s *Store) SupersedePendingCaptures(ctx context.Context, deviceID string) (int, error) {
	var res, err = s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE device_commands SET status = ?
		 WHERE device_id = ? AND command_type = ? AND status = ?`),
		CommandSuperseded, deviceID, CmdCaptureImage, CommandPending)
	if err != nil {
		return 0, fmt.Errorf("superseding captures for %s: %w", deviceID, err)
	}
	var n, _ = res.RowsAffected()
	return int(n), nil
}

// ExpireStaleCommands marks pending commands older than cutoff expired.
func (s *Store) ExpireStaleCommands(ctx context.Context, cutoff time.Time) (int, error) {
	var res, err = s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE device_commands SET status = ? WHERE status = ? AND issued_at < ?`),
		CommandExpired, CommandPending, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("expiring stale commands: %w", err)
	}
	var n, _ = res.RowsAffected()
	return int(n), nil
}

// LatestSentCommand returns the most recently delivered, still
// unacknowledged command for a device, or nil.
func (s *Store) LatestSentCommand(ctx context.Context, deviceID string) (*Command, error) {
	var cmd Command
	var err = s.db.GetContext(ctx, &cmd, s.db.Rebind(
		`SELECT `+commandColumns+`
		 FROM device_commands c JOIN devices d ON d.id = c.device_id
		 WHERE c.device_id = ? AND c.status = ?
		 ORDER BY c.delivered_at DESC LIMIT 1`),
		deviceID, CommandSent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("loading latest sent command for %s: %w", deviceID, err)
	}
	return &cmd, nil
}
