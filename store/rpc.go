package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fieldscout/gateway/devctx"
)

// ErrRPCUnavailable is returned by every RPC method when the backing
// database does not carry the platform's function surface (SQLite local
// mode and tests). Callers fall back to direct SQL.
var ErrRPCUnavailable = errors.New("database function surface unavailable")

// WakeIngestionRequest is the argument set of fn_wake_ingestion_handler.
type WakeIngestionRequest struct {
	DeviceID        string
	CapturedAt      time.Time
	ImageName       string
	TelemetryData   map[string]interface{}
	ExistingImageID string
}

// WakeIngestionResult is the decoded response of fn_wake_ingestion_handler.
type WakeIngestionResult struct {
	Success   bool   `json:"success"`
	PayloadID string `json:"payload_id"`
	ImageID   string `json:"image_id"`
	SessionID string `json:"session_id"`
	WakeIndex int    `json:"wake_index"`
	IsResume  bool   `json:"is_resume"`
	Message   string `json:"message"`
}

// ImageCompletionResult is the decoded response of
// fn_image_completion_handler.
type ImageCompletionResult struct {
	Success       bool   `json:"success"`
	ImageID       string `json:"image_id"`
	ObservationID string `json:"observation_id"`
	SessionID     string `json:"session_id"`
	Message       string `json:"message"`
}

// RPC is the platform's database function surface. The functions own the
// cross-table bookkeeping (session linkage, downstream observation and
// submission rows) that the gateway must not reimplement.
type RPC interface {
	ResolveLineage(ctx context.Context, mac string) (*devctx.Lineage, error)
	WakeIngestion(ctx context.Context, req WakeIngestionRequest) (*WakeIngestionResult, error)
	ImageCompletion(ctx context.Context, imageID, imageURL string) (*ImageCompletionResult, error)
	CalculateNextWake(ctx context.Context, cronExpr string, from time.Time) (time.Time, error)
	BuildImagePath(ctx context.Context, companyID, siteID, mac, imageName string) (string, error)
	LogDuplicateImage(ctx context.Context, mac, imageName string) error
}

// NewRPC returns the function surface for the store's backend: real
// Postgres functions under pgx, the unavailable stub otherwise.
func (s *Store) NewRPC() RPC {
	if s.driver == "pgx" {
		return &pgFunctions{db: s.db}
	}
	return unavailableRPC{}
}

// pgFunctions invokes the platform's Postgres functions.
type pgFunctions struct {
	db *sqlx.DB
}

func (p *pgFunctions) queryJSON(ctx context.Context, out interface{}, query string, args ...interface{}) error {
	var raw []byte
	if err := p.db.GetContext(ctx, &raw, query, args...); err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (p *pgFunctions) ResolveLineage(ctx context.Context, mac string) (*devctx.Lineage, error) {
	var decoded struct {
		devctx.Lineage
		Error string `json:"error"`
	}
	if err := p.queryJSON(ctx, &decoded,
		`SELECT fn_resolve_device_lineage($1)`, mac); err != nil {
		return nil, fmt.Errorf("fn_resolve_device_lineage: %w", err)
	}
	if decoded.Error != "" {
		return nil, nil
	}
	return &decoded.Lineage, nil
}

func (p *pgFunctions) WakeIngestion(ctx context.Context, req WakeIngestionRequest) (*WakeIngestionResult, error) {
	var telemetry, err = json.Marshal(req.TelemetryData)
	if err != nil {
		return nil, fmt.Errorf("encoding telemetry data: %w", err)
	}
	var existing interface{}
	if req.ExistingImageID != "" {
		existing = req.ExistingImageID
	}
	var out WakeIngestionResult
	if err = p.queryJSON(ctx, &out,
		`SELECT fn_wake_ingestion_handler($1, $2, $3, $4::jsonb, $5)`,
		req.DeviceID, req.CapturedAt.UTC(), req.ImageName, string(telemetry), existing); err != nil {
		return nil, fmt.Errorf("fn_wake_ingestion_handler: %w", err)
	}
	return &out, nil
}

func (p *pgFunctions) ImageCompletion(ctx context.Context, imageID, imageURL string) (*ImageCompletionResult, error) {
	var out ImageCompletionResult
	if err := p.queryJSON(ctx, &out,
		`SELECT fn_image_completion_handler($1, $2)`, imageID, imageURL); err != nil {
		return nil, fmt.Errorf("fn_image_completion_handler: %w", err)
	}
	return &out, nil
}

func (p *pgFunctions) CalculateNextWake(ctx context.Context, cronExpr string, from time.Time) (time.Time, error) {
	var next time.Time
	if err := p.db.GetContext(ctx, &next,
		`SELECT fn_calculate_next_wake($1, $2)`, cronExpr, from.UTC()); err != nil {
		return time.Time{}, fmt.Errorf("fn_calculate_next_wake: %w", err)
	}
	return next.UTC(), nil
}

func (p *pgFunctions) BuildImagePath(ctx context.Context, companyID, siteID, mac, imageName string) (string, error) {
	var path string
	if err := p.db.GetContext(ctx, &path,
		`SELECT fn_build_device_image_path($1, $2, $3, $4)`,
		companyID, siteID, mac, imageName); err != nil {
		return "", fmt.Errorf("fn_build_device_image_path: %w", err)
	}
	return path, nil
}

func (p *pgFunctions) LogDuplicateImage(ctx context.Context, mac, imageName string) error {
	if _, err := p.db.ExecContext(ctx,
		`SELECT fn_log_duplicate_image($1, $2)`, mac, imageName); err != nil {
		return fmt.Errorf("fn_log_duplicate_image: %w", err)
	}
	return nil
}

// unavailableRPC makes every caller take its direct-SQL fallback.
type unavailableRPC struct{}

func (unavailableRPC) ResolveLineage(context.Context, string) (*devctx.Lineage, error) {
	return nil, ErrRPCUnavailable
}
func (unavailableRPC) WakeIngestion(context.Context, WakeIngestionRequest) (*WakeIngestionResult, error) {
	return nil, ErrRPCUnavailable
}
func (unavailableRPC) ImageCompletion(context.Context, string, string) (*ImageCompletionResult, error) {
	return nil, ErrRPCUnavailable
}
func (unavailableRPC) CalculateNextWake(context.Context, string, time.Time) (time.Time, error) {
	return time.Time{}, ErrRPCUnavailable
}
func (unavailableRPC) BuildImagePath(context.Context, string, string, string, string) (string, error) {
	return "", ErrRPCUnavailable
}
func (unavailableRPC) LogDuplicateImage(context.Context, string, string) error {
	return ErrRPCUnavailable
}
