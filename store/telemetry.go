package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TelemetryRow is the environmental snapshot persisted with each image
// transfer. Temperature is stored in Fahrenheit; conversion happens at
// this boundary's callers.
type TelemetryRow struct {
	ID             string     `db:"id"`
	DeviceID       string     `db:"device_id"`
	CompanyID      *string    `db:"company_id"`
	ProgramID      *string    `db:"program_id"`
	SiteID         *string    `db:"site_id"`
	SessionID      *string    `db:"session_id"`
	WakePayloadID  *string    `db:"wake_payload_id"`
	CapturedAt     time.Time  `db:"captured_at"`
	TemperatureF   *float64   `db:"temperature_f"`
	Humidity       *float64   `db:"humidity"`
	Pressure       *float64   `db:"pressure"`
	GasResistance  *float64   `db:"gas_resistance"`
	BatteryVoltage *float64   `db:"battery_voltage"`
	WifiRSSI       *int       `db:"wifi_rssi"`
	CreatedAt      time.Time  `db:"created_at"`
}

// InsertTelemetry persists one telemetry row.
func (s *Store) InsertTelemetry(ctx context.Context, row *TelemetryRow) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	row.CreatedAt = s.now().UTC()
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO device_telemetry
		 (id, device_id, company_id, program_id, site_id, session_id, wake_payload_id,
		  captured_at, temperature_f, humidity, pressure, gas_resistance, battery_voltage,
		  wifi_rssi, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		row.ID, row.DeviceID, row.CompanyID, row.ProgramID, row.SiteID, row.SessionID,
		row.WakePayloadID, row.CapturedAt, row.TemperatureF, row.Humidity, row.Pressure,
		row.GasResistance, row.BatteryVoltage, row.WifiRSSI, row.CreatedAt); err != nil {
		return fmt.Errorf("inserting telemetry for %s: %w", row.DeviceID, err)
	}
	return nil
}
