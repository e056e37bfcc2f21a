package session

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/fieldscout/gateway/devctx"
	"github.com/fieldscout/gateway/protocol"
	"github.com/fieldscout/gateway/store"
)

// HandleHello ingests the first message of a device wake cycle: it
// provisions unknown devices, opens the session, drains queued commands,
// registers the device's pending images, and either starts the drain
// sub-protocol or requests a fresh capture.
func (e *Engine) HandleHello(ctx context.Context, h *protocol.Hello) {
	var mac, err = devctx.NormalizeMAC(h.MAC())
	if err != nil {
		log.WithFields(log.Fields{"raw": h.MAC(), "error": err}).Error("hello with invalid MAC")
		return
	}

	var unlock = e.lockDevice(mac)
	defer unlock()

	var device *store.Device
	if device, err = e.store.GetDeviceByMAC(ctx, mac); err != nil {
		log.WithFields(log.Fields{"mac": mac, "error": err}).Error("loading device on hello")
		return
	}
	if device == nil {
		if device, err = e.store.AutoProvision(ctx, mac, h.Hardware); err != nil {
			// Without a registry row the conversation cannot proceed.
			log.WithFields(log.Fields{"mac": mac, "error": err}).Error("auto-provision failed, dropping hello")
			return
		}
	}
	if err = e.store.TouchDevice(ctx, mac, h.FirmwareVersion); err != nil {
		log.WithFields(log.Fields{"mac": mac, "error": err}).Warn("updating last seen")
	}

	var now = e.now()
	var sess = &Session{
		MAC:            mac,
		DeviceID:       device.ID,
		State:          StateHelloReceived,
		InitialPending: h.Pending(),
		BatteryVoltage: h.BatteryVoltage,
		WifiRSSI:       h.WifiRSSI,
		StartedAt:      now,
		LastActivityAt: now,
	}
	e.putSession(sess)

	// Drain the device's queued commands while it is awake, tracking which
	// types went out so a queued capture_image suppresses the fresh one.
	var sentTypes map[string]bool
	if sentTypes, err = e.commands.SendPendingForDevice(ctx, device.ID); err != nil {
		log.WithFields(log.Fields{"mac": mac, "error": err}).Warn("draining queued commands")
		sentTypes = map[string]bool{}
	}

	// Register every image the device still holds. A record the platform
	// believes complete but the device still reports pending is reset, and
	// its chunk namespace cleared, so re-reception starts clean.
	for _, name := range h.PendingList {
		var _, wasReset, err = e.store.UpsertPendingImage(ctx, device.ID, name)
		if err != nil {
			log.WithFields(log.Fields{"mac": mac, "image": name, "error": err}).
				Warn("registering pending image")
			continue
		}
		if wasReset {
			if err = e.chunks.Clear(ctx, mac, name); err != nil {
				log.WithFields(log.Fields{"mac": mac, "image": name, "error": err}).
					Warn("clearing chunk namespace for re-reception")
			}
		}
	}

	log.WithFields(log.Fields{
		"mac":     mac,
		"code":    device.DeviceCode,
		"pending": h.Pending(),
	}).Info("device hello")

	switch {
	case h.Pending() > 0:
		sess.State = StateDrainingPending
		if sentTypes[store.CmdCaptureImage] {
			// A queue-drained capture is this cycle's one capture_image;
			// the post-drain ack must not publish another.
			e.markCaptureSent(mac)
		}
		e.publish(e.topics.Cmd(mac), protocol.SendAllPending(mac), mac, "send_all_pending")

	case sentTypes[store.CmdCaptureImage]:
		// The queue already carried a capture this cycle.
		sess.State = StateCaptureSent
		e.markCaptureSent(mac)

	case e.captureSentRecently(mac):
		log.WithField("mac", mac).Debug("capture debounced")
		sess.State = StateCaptureSent

	default:
		sess.State = StateCaptureSent
		if _, err = e.store.SupersedePendingCaptures(ctx, device.ID); err != nil {
			log.WithFields(log.Fields{"mac": mac, "error": err}).Warn("superseding stale captures")
		}
		e.publish(e.topics.Cmd(mac), protocol.CaptureImage(mac), mac, "capture_image")
		e.markCaptureSent(mac)
	}
}

// captureSentRecently reports whether a capture_image went to the device
// within the debounce window. The LRU is internally synchronized.
func (e *Engine) captureSentRecently(mac string) bool {
	var last, ok = e.lastCapture.Get(mac)
	return ok && e.now().Sub(last) < e.CaptureDebounce
}

func (e *Engine) markCaptureSent(mac string) {
	e.lastCapture.Add(mac, e.now())
}
