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

// Image record states. Status only progresses forward, except for the
// explicit resume-for-re-reception reset back to receiving.
const (
	ImagePending    = "pending"
	ImageReceiving  = "receiving"
	ImageComplete   = "complete"
	ImageFailed     = "failed"
	ImageIncomplete = "incomplete"
)

// ErrCodeStorageUpload marks a definite failure to persist the reassembled
// artifact to blob storage.
const ErrCodeStorageUpload = 1

// ImageRecord tracks one image transfer end to end.
type ImageRecord struct {
	ID             string     `db:"id"`
	DeviceID       string     `db:"device_id"`
	CompanyID      *string    `db:"company_id"`
	ProgramID      *string    `db:"program_id"`
	SiteID         *string    `db:"site_id"`
	SessionID      *string    `db:"session_id"`
	ImageName      string     `db:"image_name"`
	CapturedAt     *time.Time `db:"captured_at"`
	TotalChunks    int        `db:"total_chunks"`
	ReceivedChunks int        `db:"received_chunks"`
	Status         string     `db:"status"`
	ImageURL       *string    `db:"image_url"`
	ErrorCode      *int       `db:"error_code"`
	RetryCount     int        `db:"retry_count"`
	MissingChunks  *string    `db:"missing_chunks"`
	Metadata       *string    `db:"metadata"`
	CreatedAt      time.Time  `db:"created_at"`
	ReceivedAt     *time.Time `db:"received_at"`
}

// GetImage returns the record for (device, image name), or nil.
func (s *Store) GetImage(ctx context.Context, deviceID, imageName string) (*ImageRecord, error) {
	var rec ImageRecord
	var err = s.db.GetContext(ctx, &rec, s.db.Rebind(
		`SELECT * FROM device_images WHERE device_id = ? AND image_name = ?`),
		deviceID, imageName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("loading image %s/%s: %w", deviceID, imageName, err)
	}
	return &rec, nil
}

// GetImageByID returns the record, or nil.
func (s *Store) GetImageByID(ctx context.Context, id string) (*ImageRecord, error) {
	var rec ImageRecord
	var err = s.db.GetContext(ctx, &rec,
		s.db.Rebind(`SELECT * FROM device_images WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("loading image %s: %w", id, err)
	}
	return &rec, nil
}

// UpsertPendingImage records an image the device claims to hold on local
// storage. When a prior record says complete but the device still reports
// it pending, the record is reset to pending; the second return is true in
// that case so the caller can clear the chunk namespace.
func (s *Store) UpsertPendingImage(ctx context.Context, deviceID, imageName string) (*ImageRecord, bool, error) {
	var existing, err = s.GetImage(ctx, deviceID, imageName)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		var rec = ImageRecord{
			ID:        uuid.NewString(),
			DeviceID:  deviceID,
			ImageName: imageName,
			Status:    ImagePending,
			CreatedAt: s.now().UTC(),
		}
		_, err = s.db.ExecContext(ctx, s.db.Rebind(
			`INSERT INTO device_images (id, device_id, image_name, status, created_at)
			 VALUES (?, ?, ?, ?, ?)`),
			rec.ID, rec.DeviceID, rec.ImageName, rec.Status, rec.CreatedAt)
		if err != nil {
			return nil, false, fmt.Errorf("inserting pending image %s: %w", imageName, err)
		}
		return &rec, false, nil
	}
	if existing.Status == ImageComplete {
		_, err = s.db.ExecContext(ctx, s.db.Rebind(
			`UPDATE device_images
			 SET status = ?, received_chunks = 0, image_url = NULL, error_code = NULL
			 WHERE id = ? AND status = ?`),
			ImagePending, existing.ID, ImageComplete)
		if err != nil {
			return nil, false, fmt.Errorf("resetting image %s to pending: %w", imageName, err)
		}
		existing.Status = ImagePending
		existing.ReceivedChunks = 0
		return existing, true, nil
	}
	return existing, false, nil
}

// EnsureReceivingImage is the direct-SQL fallback for the wake-ingestion
// RPC: it creates or advances the record to receiving with the transfer
// parameters. A complete prior record is reset for re-reception.
func (s *Store) EnsureReceivingImage(
	ctx context.Context,
	deviceID string,
	lineage [3]*string, // company, program, site
	sessionID *string,
	imageName string,
	capturedAt time.Time,
	totalChunks int,
	metadata map[string]interface{},
) (*ImageRecord, error) {
	var metaJSON *string
	if metadata != nil {
		if b, err := json.Marshal(metadata); err == nil {
			var str = string(b)
			metaJSON = &str
		}
	}

	var existing, err = s.GetImage(ctx, deviceID, imageName)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		var rec = ImageRecord{
			ID:          uuid.NewString(),
			DeviceID:    deviceID,
			CompanyID:   lineage[0],
			ProgramID:   lineage[1],
			SiteID:      lineage[2],
			SessionID:   sessionID,
			ImageName:   imageName,
			CapturedAt:  &capturedAt,
			TotalChunks: totalChunks,
			Status:      ImageReceiving,
			Metadata:    metaJSON,
			CreatedAt:   s.now().UTC(),
		}
		_, err = s.db.ExecContext(ctx, s.db.Rebind(
			`INSERT INTO device_images
			 (id, device_id, company_id, program_id, site_id, session_id, image_name,
			  captured_at, total_chunks, status, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			rec.ID, rec.DeviceID, rec.CompanyID, rec.ProgramID, rec.SiteID, rec.SessionID,
			rec.ImageName, rec.CapturedAt, rec.TotalChunks, rec.Status, rec.Metadata, rec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("inserting receiving image %s: %w", imageName, err)
		}
		return &rec, nil
	}

	var received = existing.ReceivedChunks
	if existing.Status == ImageComplete {
		received = 0 // Resume-for-re-reception clears progress.
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE device_images
		 SET status = ?, total_chunks = ?, captured_at = ?, received_chunks = ?,
		     session_id = COALESCE(?, session_id), metadata = COALESCE(?, metadata)
		 WHERE id = ?`),
		ImageReceiving, totalChunks, capturedAt, received, sessionID, metaJSON, existing.ID)
	if err != nil {
		return nil, fmt.Errorf("advancing image %s to receiving: %w", imageName, err)
	}
	existing.Status = ImageReceiving
	existing.TotalChunks = totalChunks
	existing.CapturedAt = &capturedAt
	existing.ReceivedChunks = received
	return existing, nil
}

// SetImageReceivedCount records transfer progress.
func (s *Store) SetImageReceivedCount(ctx context.Context, id string, received int) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE device_images SET received_chunks = ? WHERE id = ?`), received, id); err != nil {
		return fmt.Errorf("updating image %s progress: %w", id, err)
	}
	return nil
}

// MarkImageComplete is the direct-SQL fallback for the image-completion
// RPC: status, URL, and received_at are set atomically in one statement.
func (s *Store) MarkImageComplete(ctx context.Context, id, imageURL string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE device_images SET status = ?, image_url = ?, received_at = ?, error_code = NULL
		 WHERE id = ?`),
		ImageComplete, imageURL, s.now().UTC(), id); err != nil {
		return fmt.Errorf("completing image %s: %w", id, err)
	}
	return nil
}

// InsertCompleteImage records a finished artifact for which no prior
// record exists, with the full metadata snapshot.
func (s *Store) InsertCompleteImage(ctx context.Context, rec *ImageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Status = ImageComplete
	rec.CreatedAt = s.now().UTC()
	var receivedAt = s.now().UTC()
	rec.ReceivedAt = &receivedAt

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO device_images
		 (id, device_id, company_id, program_id, site_id, session_id, image_name, captured_at,
		  total_chunks, received_chunks, status, image_url, metadata, created_at, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.DeviceID, rec.CompanyID, rec.ProgramID, rec.SiteID, rec.SessionID,
		rec.ImageName, rec.CapturedAt, rec.TotalChunks, rec.ReceivedChunks, rec.Status,
		rec.ImageURL, rec.Metadata, rec.CreatedAt, rec.ReceivedAt); err != nil {
		return fmt.Errorf("inserting complete image %s: %w", rec.ImageName, err)
	}
	return nil
}

// MarkImageFailed records a definite failure with its error code.
func (s *Store) MarkImageFailed(ctx context.Context, id string, errorCode int) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE device_images SET status = ?, error_code = ? WHERE id = ?`),
		ImageFailed, errorCode, id); err != nil {
		return fmt.Errorf("failing image %s: %w", id, err)
	}
	return nil
}

// MarkImageIncomplete records an abandoned transfer and the indices that
// never arrived.
func (s *Store) MarkImageIncomplete(ctx context.Context, id string, missing []int) error {
	var listJSON, _ = json.Marshal(missing)
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE device_images SET status = ?, missing_chunks = ? WHERE id = ? AND status != ?`),
		ImageIncomplete, string(listJSON), id, ImageComplete); err != nil {
		return fmt.Errorf("marking image %s incomplete: %w", id, err)
	}
	return nil
}

// MarkImageRetrying returns the record to receiving and counts the
// retransmission round.
func (s *Store) MarkImageRetrying(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE device_images SET status = ?, retry_count = retry_count + 1 WHERE id = ?`),
		ImageReceiving, id); err != nil {
		return fmt.Errorf("marking image %s retrying: %w", id, err)
	}
	return nil
}

// UpdateWakePayload advances the wake-payload row tied to a transfer.
func (s *Store) UpdateWakePayload(ctx context.Context, id string, chunksReceived int, complete bool, imageStatus string) error {
	var completeInt = 0
	if complete {
		completeInt = 1
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE wake_payloads SET chunks_received = ?, is_complete = ?, image_status = ? WHERE id = ?`),
		chunksReceived, completeInt, imageStatus, id); err != nil {
		return fmt.Errorf("updating wake payload %s: %w", id, err)
	}
	return nil
}

// InsertWakePayload creates a wake-payload row directly when the
// wake-ingestion RPC is unavailable.
func (s *Store) InsertWakePayload(ctx context.Context, deviceID string, sessionID *string, capturedAt time.Time) (string, error) {
	var id = uuid.NewString()
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO wake_payloads (id, device_id, session_id, captured_at, created_at)
		 VALUES (?, ?, ?, ?, ?)`),
		id, deviceID, sessionID, capturedAt, s.now().UTC()); err != nil {
		return "", fmt.Errorf("inserting wake payload: %w", err)
	}
	return id, nil
}
