package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/fieldscout/gateway/devctx"
)

// The store's audit tables back the fire-and-forget devctx.Auditor.

// LogMessage inserts one broker-message audit row.
func (s *Store) LogMessage(ctx context.Context, rec devctx.MessageRecord) error {
	var imageID, commandID *string
	if rec.ImageID != "" {
		imageID = &rec.ImageID
	}
	if rec.CommandID != "" {
		commandID = &rec.CommandID
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO device_message_log
		 (id, device_mac, direction, topic, kind, payload, image_id, command_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		uuid.NewString(), rec.DeviceMAC, rec.Direction, rec.Topic, rec.Kind,
		string(rec.Payload), imageID, commandID, s.now().UTC()); err != nil {
		return fmt.Errorf("inserting message audit row: %w", err)
	}
	return nil
}

// LogAck inserts one acknowledgment audit row.
func (s *Store) LogAck(ctx context.Context, rec devctx.AckRecord) error {
	var success = 0
	if rec.Success {
		success = 1
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO device_ack_log
		 (id, device_mac, image_name, ack_type, topic, payload, success, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		uuid.NewString(), rec.DeviceMAC, rec.ImageName, rec.AckType, rec.Topic,
		string(rec.Payload), success, rec.Error, s.now().UTC()); err != nil {
		return fmt.Errorf("inserting ack audit row: %w", err)
	}
	return nil
}
