// Package dispatch delivers queued outbound commands to devices with
// at-least-once semantics: bounded retries, 24-hour expiry, per-cycle
// deduplication, and acknowledgment tracking.
package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/fieldscout/gateway/devctx"
	"github.com/fieldscout/gateway/mqttc"
	"github.com/fieldscout/gateway/protocol"
	"github.com/fieldscout/gateway/store"
	"github.com/fieldscout/gateway/wake"
)

var (
	commandsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_commands_published_total",
		Help: "Commands published to device cmd topics, by type.",
	}, []string{"type"})
	commandsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_commands_failed_total",
		Help: "Command publishes that failed.",
	})
	commandsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_commands_expired_total",
		Help: "Pending commands expired by age.",
	})
)

// Tuning defaults for the dispatcher loop.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultRetryDelay   = 30 * time.Second
	DefaultMaxRetries   = 3
	DefaultExpireAge    = 24 * time.Hour

	pendingBatch = 50
	retryBatch   = 10
)

// Dispatcher runs the command delivery loop.
type Dispatcher struct {
	store  *store.Store
	pub    mqttc.Publisher
	topics mqttc.Topics
	sched  *wake.Scheduler
	audit  *devctx.Auditor

	PollInterval time.Duration
	RetryDelay   time.Duration
	MaxRetries   int
	ExpireAge    time.Duration

	running atomic.Bool
	now     func() time.Time
}

// New builds a Dispatcher with default tuning.
func New(st *store.Store, pub mqttc.Publisher, topics mqttc.Topics, sched *wake.Scheduler, audit *devctx.Auditor) *Dispatcher {
	return &Dispatcher{
		store:        st,
		pub:          pub,
		topics:       topics,
		sched:        sched,
		audit:        audit,
		PollInterval: DefaultPollInterval,
		RetryDelay:   DefaultRetryDelay,
		MaxRetries:   DefaultMaxRetries,
		ExpireAge:    DefaultExpireAge,
		now:          time.Now,
	}
}

// SetClock overrides the time source. Used by tests.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// Running reports whether the loop is live, for the health endpoint.
func (d *Dispatcher) Running() bool { return d.running.Load() }

// Run drives the dispatcher until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.running.Store(true)
	defer d.running.Store(false)

	var ticker = time.NewTicker(d.PollInterval)
	defer ticker.Stop()

	log.WithField("interval", d.PollInterval).Info("command dispatcher started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick performs one dispatcher cycle: process pending, retry failed,
// expire stale. Queue read failures are logged and retried next tick.
func (d *Dispatcher) Tick(ctx context.Context) {
	if err := d.processPending(ctx); err != nil {
		log.WithField("error", err).Error("processing pending commands")
	}
	if err := d.retryFailed(ctx); err != nil {
		log.WithField("error", err).Error("retrying failed commands")
	}
	if n, err := d.store.ExpireStaleCommands(ctx, d.now().Add(-d.ExpireAge)); err != nil {
		log.WithField("error", err).Error("expiring stale commands")
	} else if n > 0 {
		commandsExpired.Add(float64(n))
		log.WithField("count", n).Info("expired stale commands")
	}
}

func (d *Dispatcher) processPending(ctx context.Context) error {
	var commands, err = d.store.PendingCommands(ctx, pendingBatch)
	if err != nil {
		return err
	}
	// Per-cycle deduplication: a second capture_image for the same device
	// within one cycle is superseded without publishing.
	var sentThisCycle = map[string]map[string]bool{}
	for i := range commands {
		var cmd = &commands[i]
		var types = sentThisCycle[cmd.DeviceID]
		if types == nil {
			types = map[string]bool{}
			sentThisCycle[cmd.DeviceID] = types
		}
		if cmd.CommandType == store.CmdCaptureImage && types[store.CmdCaptureImage] {
			if _, err := d.store.MarkCommandSuperseded(ctx, cmd.ID); err != nil {
				log.WithFields(log.Fields{"command": cmd.ID, "error": err}).
					Warn("superseding duplicate capture")
			}
			continue
		}
		if d.deliver(ctx, cmd) {
			types[cmd.CommandType] = true
		}
	}
	return nil
}

// deliver publishes one command and advances its status. Returns true when
// the publish succeeded.
func (d *Dispatcher) deliver(ctx context.Context, cmd *store.Command) bool {
	var payload, err = d.buildPayload(cmd)
	if err != nil {
		log.WithFields(log.Fields{"command": cmd.ID, "type": cmd.CommandType, "error": err}).
			Error("building command payload")
		if _, err := d.store.MarkCommandFailed(ctx, cmd.ID); err != nil {
			log.WithFields(log.Fields{"command": cmd.ID, "error": err}).Warn("marking command failed")
		}
		return false
	}

	var topic = d.topics.Cmd(cmd.DeviceMAC)
	if err = d.pub.Publish(topic, 1, false, payload); err != nil {
		commandsFailed.Inc()
		log.WithFields(log.Fields{"command": cmd.ID, "topic": topic, "error": err}).
			Warn("command publish failed")
		if _, err := d.store.MarkCommandFailed(ctx, cmd.ID); err != nil {
			log.WithFields(log.Fields{"command": cmd.ID, "error": err}).Warn("marking command failed")
		}
		return false
	}

	if _, err = d.store.MarkCommandSent(ctx, cmd.ID); err != nil {
		log.WithFields(log.Fields{"command": cmd.ID, "error": err}).Warn("marking command sent")
	}
	commandsPublished.WithLabelValues(cmd.CommandType).Inc()
	d.audit.Message(devctx.MessageRecord{
		DeviceMAC: cmd.DeviceMAC,
		Direction: "outbound",
		Topic:     topic,
		Kind:      cmd.CommandType,
		Payload:   payload,
		CommandID: cmd.ID,
	})
	return true
}

func (d *Dispatcher) retryFailed(ctx context.Context) error {
	var commands, err = d.store.FailedCommandsForRetry(ctx, retryBatch, d.MaxRetries, d.RetryDelay)
	if err != nil {
		return err
	}
	for i := range commands {
		var cmd = &commands[i]
		if ok, err := d.store.ResetCommandPending(ctx, cmd.ID); err != nil || !ok {
			continue
		}
		cmd.Status = store.CommandPending
		d.deliver(ctx, cmd)
	}
	return nil
}

// buildPayload renders the device-facing payload for a queued command.
// device_id always carries the canonical MAC.
func (d *Dispatcher) buildPayload(cmd *store.Command) ([]byte, error) {
	var params = cmd.PayloadMap()
	switch cmd.CommandType {
	case store.CmdCaptureImage:
		return protocol.CaptureImage(cmd.DeviceMAC), nil
	case store.CmdSendImage:
		var name, _ = params["image_name"].(string)
		if name == "" {
			return nil, fmt.Errorf("send_image command %s has no image_name", cmd.ID)
		}
		return protocol.SendImage(cmd.DeviceMAC, name), nil
	case store.CmdSetWakeSchedule:
		var next, _ = params["next_wake"].(string)
		if next == "" {
			return nil, fmt.Errorf("set_wake_schedule command %s has no next_wake", cmd.ID)
		}
		return protocol.SetWakeSchedule(cmd.DeviceMAC, next), nil
	case store.CmdReboot:
		return protocol.Reboot(cmd.DeviceMAC), nil
	case store.CmdUpdateFirmware:
		var url, _ = params["firmware_url"].(string)
		if url == "" {
			return nil, fmt.Errorf("update_firmware command %s has no firmware_url", cmd.ID)
		}
		return protocol.UpdateFirmware(cmd.DeviceMAC, url), nil
	case store.CmdPing:
		return protocol.Ping(cmd.DeviceMAC, d.now()), nil
	case store.CmdUpdateConfig:
		return protocol.UpdateConfig(cmd.DeviceMAC, params), nil
	default:
		return nil, fmt.Errorf("unknown command type %q", cmd.CommandType)
	}
}

// SendPendingForDevice drains a device's queued commands while it is
// awake, deduplicating capture_image within the drain. Returns the set of
// command types actually published.
func (d *Dispatcher) SendPendingForDevice(ctx context.Context, deviceID string) (map[string]bool, error) {
	var commands, err = d.store.PendingCommandsForDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	var sent = map[string]bool{}
	for i := range commands {
		var cmd = &commands[i]
		if cmd.CommandType == store.CmdCaptureImage && sent[store.CmdCaptureImage] {
			if _, err := d.store.MarkCommandSuperseded(ctx, cmd.ID); err != nil {
				log.WithFields(log.Fields{"command": cmd.ID, "error": err}).
					Warn("superseding duplicate capture")
			}
			continue
		}
		if d.deliver(ctx, cmd) {
			sent[cmd.CommandType] = true
		}
	}
	return sent, nil
}

// HandleCommandAck correlates an inbound ack-topic message that is neither
// an image-terminal ACK_OK nor a missing-chunks request with the device's
// most recent sent command.
func (d *Dispatcher) HandleCommandAck(ctx context.Context, mac, topic string, payload []byte) {
	var device, err = d.store.GetDeviceByMAC(ctx, mac)
	if err != nil || device == nil {
		log.WithFields(log.Fields{"mac": mac, "error": err}).Warn("ack from unknown device")
		return
	}
	cmd, err := d.store.LatestSentCommand(ctx, device.ID)
	if err != nil {
		log.WithFields(log.Fields{"mac": mac, "error": err}).Warn("loading latest sent command")
		return
	}
	if cmd == nil {
		return
	}
	if ok, err := d.store.MarkCommandAcknowledged(ctx, cmd.ID); err != nil {
		log.WithFields(log.Fields{"command": cmd.ID, "error": err}).Warn("acknowledging command")
	} else if ok {
		log.WithFields(log.Fields{"command": cmd.ID, "type": cmd.CommandType, "mac": mac}).
			Info("command acknowledged")
		d.audit.Ack(devctx.AckRecord{
			DeviceMAC: mac,
			AckType:   "command",
			Topic:     topic,
			Payload:   payload,
			Success:   true,
		})
	}
}

// OnDeviceActivated enqueues the one-time welcome set_wake_schedule for a
// device whose provisioning just transitioned to active. The first wake is
// computed from the site's cron expression, defaulting to twice daily.
func (d *Dispatcher) OnDeviceActivated(ctx context.Context, mac string) error {
	var device, err = d.store.GetDeviceByMAC(ctx, mac)
	if err != nil {
		return err
	}
	if device == nil || device.SiteID == nil || device.ProgramID == nil {
		return nil
	}

	var expr = wake.DefaultWelcomeCron
	if siteExpr, err := d.store.SiteWakeSchedule(ctx, *device.SiteID); err == nil && siteExpr != "" {
		expr = siteExpr
	}
	next, err := d.sched.Evaluate(ctx, expr, d.now().UTC())
	if err != nil {
		next = d.now().UTC().Add(3 * time.Hour)
	}
	if _, err = d.store.EnqueueCommand(ctx, device.ID, store.CmdSetWakeSchedule,
		map[string]interface{}{"next_wake": wake.Render(next)}); err != nil {
		return fmt.Errorf("enqueueing welcome command for %s: %w", mac, err)
	}
	log.WithFields(log.Fields{"mac": mac, "next_wake": wake.Render(next)}).
		Info("queued welcome wake schedule")
	return nil
}
