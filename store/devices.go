package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/fieldscout/gateway/devctx"
)

// Device provisioning states. A device is created pending_mapping by
// auto-provision and becomes active when an operator maps it to a site.
const (
	ProvisioningPending  = "pending_mapping"
	ProvisioningActive   = "active"
	ProvisioningInactive = "inactive"
)

// DefaultHardwareFamily is assumed when a HELLO does not announce one.
const DefaultHardwareFamily = "ESP32S3"

// Device is one registered camera device, identified by canonical MAC.
type Device struct {
	ID                 string     `db:"id"`
	MAC                string     `db:"mac"`
	DeviceCode         string     `db:"device_code"`
	HardwareFamily     string     `db:"hardware_family"`
	ProvisioningStatus string     `db:"provisioning_status"`
	CompanyID          *string    `db:"company_id"`
	ProgramID          *string    `db:"program_id"`
	SiteID             *string    `db:"site_id"`
	WakeSchedule       *string    `db:"wake_schedule"`
	NextWakeAt         *time.Time `db:"next_wake_at"`
	FirmwareVersion    *string    `db:"firmware_version"`
	LastSeenAt         *time.Time `db:"last_seen_at"`
	CreatedAt          time.Time  `db:"created_at"`
}

// GetDeviceByMAC returns the device, or nil when unknown.
func (s *Store) GetDeviceByMAC(ctx context.Context, mac string) (*Device, error) {
	var d Device
	var err = s.db.GetContext(ctx, &d,
		s.db.Rebind(`SELECT * FROM devices WHERE mac = ?`), mac)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("loading device %s: %w", mac, err)
	}
	return &d, nil
}

// GetDeviceByID returns the device, or nil when unknown.
func (s *Store) GetDeviceByID(ctx context.Context, id string) (*Device, error) {
	var d Device
	var err = s.db.GetContext(ctx, &d,
		s.db.Rebind(`SELECT * FROM devices WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("loading device id %s: %w", id, err)
	}
	return &d, nil
}

// AutoProvision registers a never-seen MAC with provisioning_status
// pending_mapping and a device code filling the lowest free slot of its
// hardware family. Concurrent provisioning of the same MAC converges on
// the winner's row.
func (s *Store) AutoProvision(ctx context.Context, mac, family string) (*Device, error) {
	if family == "" {
		family = DefaultHardwareFamily
	}
	family = strings.ToUpper(family)

	// Retry on unique-constraint races: either another worker claimed the
	// same code slot, or it provisioned the same MAC first.
	for attempt := 0; attempt < 5; attempt++ {
		var code, err = s.nextDeviceCode(ctx, family)
		if err != nil {
			return nil, err
		}
		var d = Device{
			ID:                 uuid.NewString(),
			MAC:                mac,
			DeviceCode:         code,
			HardwareFamily:     family,
			ProvisioningStatus: ProvisioningPending,
			CreatedAt:          s.now().UTC(),
		}
		_, err = s.db.ExecContext(ctx, s.db.Rebind(
			`INSERT INTO devices (id, mac, device_code, hardware_family, provisioning_status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`),
			d.ID, d.MAC, d.DeviceCode, d.HardwareFamily, d.ProvisioningStatus, d.CreatedAt)
		if err == nil {
			log.WithFields(log.Fields{"mac": mac, "code": code}).
				Info("auto-provisioned unknown device")
			return &d, nil
		}
		if existing, getErr := s.GetDeviceByMAC(ctx, mac); getErr == nil && existing != nil {
			return existing, nil
		}
		log.WithFields(log.Fields{"mac": mac, "code": code, "error": err}).
			Warn("device provisioning conflict, retrying")
	}
	return nil, fmt.Errorf("provisioning device %s: retries exhausted", mac)
}

// nextDeviceCode finds the lowest unused DEVICE-<FAMILY>-NNN slot.
func (s *Store) nextDeviceCode(ctx context.Context, family string) (string, error) {
	var codes []string
	var err = s.db.SelectContext(ctx, &codes, s.db.Rebind(
		`SELECT device_code FROM devices WHERE hardware_family = ?`), family)
	if err != nil {
		return "", fmt.Errorf("listing device codes for %s: %w", family, err)
	}

	var prefix = fmt.Sprintf("DEVICE-%s-", family)
	var taken []int
	for _, code := range codes {
		if n, err := strconv.Atoi(strings.TrimPrefix(code, prefix)); err == nil {
			taken = append(taken, n)
		}
	}
	sort.Ints(taken)

	var slot = 1
	for _, n := range taken {
		if n == slot {
			slot++
		} else if n > slot {
			break
		}
	}
	return fmt.Sprintf("%s%03d", prefix, slot), nil
}

// TouchDevice stamps last_seen and, when reported, the firmware version.
func (s *Store) TouchDevice(ctx context.Context, mac, firmwareVersion string) error {
	var err error
	if firmwareVersion != "" {
		_, err = s.db.ExecContext(ctx, s.db.Rebind(
			`UPDATE devices SET last_seen_at = ?, firmware_version = ? WHERE mac = ?`),
			s.now().UTC(), firmwareVersion, mac)
	} else {
		_, err = s.db.ExecContext(ctx, s.db.Rebind(
			`UPDATE devices SET last_seen_at = ? WHERE mac = ?`), s.now().UTC(), mac)
	}
	if err != nil {
		return fmt.Errorf("touching device %s: %w", mac, err)
	}
	return nil
}

// MapDevice assigns the device to a lineage and activates it. Returns true
// when this call performed the pending_mapping -> active transition, so the
// caller can dispatch the one-time welcome command.
func (s *Store) MapDevice(ctx context.Context, mac, companyID, programID, siteID string) (bool, error) {
	var res, err = s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE devices SET company_id = ?, program_id = ?, site_id = ?, provisioning_status = ?
		 WHERE mac = ? AND provisioning_status = ?`),
		companyID, programID, siteID, ProvisioningActive, mac, ProvisioningPending)
	if err != nil {
		return false, fmt.Errorf("mapping device %s: %w", mac, err)
	}
	var n, _ = res.RowsAffected()
	return n > 0, nil
}

// SetDeviceNextWake persists the computed next-wake time.
func (s *Store) SetDeviceNextWake(ctx context.Context, mac string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE devices SET next_wake_at = ? WHERE mac = ?`), at.UTC(), mac); err != nil {
		return fmt.Errorf("storing next wake for %s: %w", mac, err)
	}
	return nil
}

// ResolveLineage projects the device's organizational placement from its
// row. It is the direct-SQL stand-in for fn_resolve_device_lineage;
// unmapped levels resolve to empty strings.
func (s *Store) ResolveLineage(ctx context.Context, mac string) (*devctx.Lineage, error) {
	var d, err = s.GetDeviceByMAC(ctx, mac)
	if err != nil || d == nil {
		return nil, err
	}
	var lineage = devctx.Lineage{DeviceID: d.ID}
	if d.CompanyID != nil {
		lineage.CompanyID = *d.CompanyID
	}
	if d.ProgramID != nil {
		lineage.ProgramID = *d.ProgramID
	}
	if d.SiteID != nil {
		lineage.SiteID = *d.SiteID
	}
	return &lineage, nil
}

// SiteWakeSchedule returns the site's cron expression, or empty when the
// site has none.
func (s *Store) SiteWakeSchedule(ctx context.Context, siteID string) (string, error) {
	var schedule sql.NullString
	var err = s.db.GetContext(ctx, &schedule,
		s.db.Rebind(`SELECT wake_schedule FROM sites WHERE id = ?`), siteID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("loading site %s schedule: %w", siteID, err)
	}
	return schedule.String, nil
}

// FindActiveSession returns the current-day session for a site when its
// status is pending or in_progress, or nil.
func (s *Store) FindActiveSession(ctx context.Context, siteID string, day time.Time) (*string, error) {
	var id string
	var err = s.db.GetContext(ctx, &id, s.db.Rebind(
		`SELECT id FROM site_sessions
		 WHERE site_id = ? AND session_date = ? AND status IN ('pending', 'in_progress')`),
		siteID, day.UTC().Format("2006-01-02"))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("finding active session for site %s: %w", siteID, err)
	}
	return &id, nil
}
