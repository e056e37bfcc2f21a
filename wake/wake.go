// Package wake derives the device-local next-wake time from a cron
// expression and renders it for the wire.
package wake

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/fieldscout/gateway/store"
)

const (
	// DefaultCron wakes a device every three hours when neither the
	// device nor its site carries a schedule.
	DefaultCron = "0 */3 * * *"
	// DefaultWelcomeCron is the initial schedule pushed to a freshly
	// mapped device.
	DefaultWelcomeCron = "0 8,16 * * *"
	// fallbackInterval applies when every evaluation path fails.
	fallbackInterval = 3 * time.Hour
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// CronEvaluator computes the next fire time of a cron expression. The
// production implementation is the fn_calculate_next_wake database
// function; the local parser backs it up.
type CronEvaluator interface {
	CalculateNextWake(ctx context.Context, cronExpr string, from time.Time) (time.Time, error)
}

// SiteSchedules looks up a site's wake cron expression.
type SiteSchedules interface {
	SiteWakeSchedule(ctx context.Context, siteID string) (string, error)
}

// Scheduler resolves the next wake time for a device.
type Scheduler struct {
	rpc   CronEvaluator
	sites SiteSchedules
	now   func() time.Time
}

// NewScheduler builds a Scheduler.
func NewScheduler(rpc CronEvaluator, sites SiteSchedules) *Scheduler {
	return &Scheduler{rpc: rpc, sites: sites, now: time.Now}
}

// SetClock overrides the time source. Used by tests.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Next resolves the next absolute wake time for a device: a stored future
// next_wake_at wins, then the device cron, then the site cron, then the
// default schedule.
func (s *Scheduler) Next(ctx context.Context, d *store.Device) (time.Time, error) {
	var now = s.now().UTC()
	if d.NextWakeAt != nil && d.NextWakeAt.After(now) {
		return d.NextWakeAt.UTC(), nil
	}

	var expr = DefaultCron
	if d.WakeSchedule != nil && *d.WakeSchedule != "" {
		expr = *d.WakeSchedule
	} else if d.SiteID != nil && *d.SiteID != "" {
		var siteExpr, err = s.sites.SiteWakeSchedule(ctx, *d.SiteID)
		if err != nil {
			log.WithFields(log.Fields{"site": *d.SiteID, "error": err}).
				Warn("site schedule lookup failed, using default cron")
		} else if siteExpr != "" {
			expr = siteExpr
		}
	}
	return s.Evaluate(ctx, expr, now)
}

// Evaluate computes the next fire time of expr after from, preferring the
// database evaluator and falling back to the local parser.
func (s *Scheduler) Evaluate(ctx context.Context, expr string, from time.Time) (time.Time, error) {
	if s.rpc != nil {
		if next, err := s.rpc.CalculateNextWake(ctx, expr, from); err == nil {
			return next.UTC(), nil
		}
	}
	var schedule, err = cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing cron %q: %w", expr, err)
	}
	return schedule.Next(from.UTC()).UTC(), nil
}

// NextWakeString resolves and renders the next wake for a device. Any
// failure degrades to now plus three hours; the device always receives a
// well-formed time.
func (s *Scheduler) NextWakeString(ctx context.Context, d *store.Device) string {
	var next, err = s.Next(ctx, d)
	if err != nil || next.IsZero() {
		log.WithFields(log.Fields{"mac": d.MAC, "error": err}).
			Warn("next-wake evaluation failed, using fallback interval")
		next = s.now().UTC().Add(fallbackInterval)
	}
	return Render(next)
}

// Render formats an absolute time as the device's 12-hour UTC clock
// string, e.g. "8:30PM". Minutes are always two digits; the hour carries
// no leading zero.
func Render(t time.Time) string {
	return t.UTC().Format("3:04PM")
}
