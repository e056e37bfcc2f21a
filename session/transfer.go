package session

import (
	"context"
	"encoding/base64"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fieldscout/gateway/devctx"
	"github.com/fieldscout/gateway/protocol"
	"github.com/fieldscout/gateway/store"
)

// ensureConversation returns the device and session for a MAC, creating
// both when a metadata or chunk message arrives without a preceding HELLO
// (gateway restart mid-conversation, or a resumed transfer).
func (e *Engine) ensureConversation(ctx context.Context, mac string) (*store.Device, *Session, error) {
	var device, err = e.store.GetDeviceByMAC(ctx, mac)
	if err != nil {
		return nil, nil, err
	}
	if device == nil {
		if device, err = e.store.AutoProvision(ctx, mac, ""); err != nil {
			return nil, nil, err
		}
	}

	var sess = e.session(mac)
	if sess == nil {
		var now = e.now()
		sess = &Session{
			MAC:            mac,
			DeviceID:       device.ID,
			State:          StateCaptureSent,
			StartedAt:      now,
			LastActivityAt: now,
		}
		e.putSession(sess)
	}
	return device, sess, nil
}

// HandleMetadata ingests an image-transfer announcement: it records the
// transfer, persists telemetry, and either requests the image (drain) or
// waits for the chunk stream.
func (e *Engine) HandleMetadata(ctx context.Context, m *protocol.Metadata) {
	var mac, err = devctx.NormalizeMAC(m.DeviceID)
	if err != nil {
		log.WithFields(log.Fields{"raw": m.DeviceID, "error": err}).Error("metadata with invalid MAC")
		return
	}

	var unlock = e.lockDevice(mac)
	defer unlock()

	var key = assemblyKey{mac: mac, image: m.ImageName}
	if existing := e.assembly(key); existing != nil && !existing.Completed {
		if existing.TotalChunks == m.TotalChunks && existing.CapturedRaw == m.CapturedAtRaw {
			// Identical re-delivery; accumulated progress is kept.
			log.WithFields(log.Fields{"mac": mac, "image": m.ImageName}).
				Debug("duplicate metadata ignored")
			if err := e.rpc.LogDuplicateImage(ctx, mac, m.ImageName); err != nil && err != store.ErrRPCUnavailable {
				log.WithFields(log.Fields{"mac": mac, "image": m.ImageName, "error": err}).
					Debug("duplicate-image audit failed")
			}
			return
		}
		// Capture parameters changed: the device restarted this transfer.
		log.WithFields(log.Fields{"mac": mac, "image": m.ImageName}).
			Info("metadata changed mid-transfer, restarting reassembly")
		if err := e.chunks.Clear(ctx, mac, m.ImageName); err != nil {
			log.WithFields(log.Fields{"mac": mac, "image": m.ImageName, "error": err}).
				Warn("clearing chunk namespace")
		}
		e.cancelChunkTimer(key)
		e.dropAssembly(key)
	}

	device, sess, err := e.ensureConversation(ctx, mac)
	if err != nil {
		log.WithFields(log.Fields{"mac": mac, "error": err}).Error("resolving device on metadata")
		return
	}
	sess.LastActivityAt = e.now()
	sess.CurrentImage = m.ImageName

	var captured = devctx.ParseDeviceTimestamp(m.CapturedAtRaw, e.now())
	var lineage, _ = e.resolver.Resolve(ctx, mac)

	var siteSession *string
	if lineage != nil && lineage.SiteID != "" {
		if siteSession, err = e.store.FindActiveSession(ctx, lineage.SiteID, e.now()); err != nil {
			log.WithFields(log.Fields{"site": lineage.SiteID, "error": err}).
				Warn("active session lookup failed")
		}
	}

	var a = &Assembly{
		key:          key,
		DeviceID:     device.ID,
		TotalChunks:  m.TotalChunks,
		DeclaredSize: m.ImageSize,
		CapturedAt:   captured.Time,
		CapturedRaw:  m.CapturedAtRaw,
		Sensors:      m.Sensors,
		Lineage:      lineage,
		SiteSession:  siteSession,
	}
	e.ingestWakePayload(ctx, device, sess, a, m, captured)
	e.recordTelemetry(ctx, device, sess, a)
	e.putAssembly(a)

	// A resumed transfer may already be fully buffered from the previous
	// wake; finalize without waiting for chunks.
	if complete, err := e.chunks.Completeness(ctx, mac, m.ImageName, m.TotalChunks); err == nil &&
		complete && m.TotalChunks > 0 {
		log.WithFields(log.Fields{"mac": mac, "image": m.ImageName}).
			Info("transfer already buffered, finalizing resumed image")
		e.finalize(ctx, a, sess)
		return
	}

	if sess.State == StateDrainingPending {
		e.publish(e.topics.Cmd(mac), protocol.SendImage(mac, m.ImageName), mac, "send_image")
	} else if sess.State == StateCaptureSent {
		// Device streams on its own after a capture; no request needed.
		sess.State = StateImageInFlight
	}
	e.armChunkTimer(key)
}

// ingestWakePayload records the transfer through the wake-ingestion RPC,
// falling back to direct inserts when the function surface is down.
func (e *Engine) ingestWakePayload(
	ctx context.Context,
	device *store.Device,
	sess *Session,
	a *Assembly,
	m *protocol.Metadata,
	captured devctx.ParsedTimestamp,
) {
	var existingID string
	if existing, err := e.store.GetImage(ctx, device.ID, m.ImageName); err == nil && existing != nil {
		existingID = existing.ID
	}

	var telemetry = map[string]interface{}{
		"temperature":      m.Sensors.Temperature,
		"humidity":         m.Sensors.Humidity,
		"pressure":         m.Sensors.Pressure,
		"gas_resistance":   m.Sensors.GasResistance,
		"battery_voltage":  sess.BatteryVoltage,
		"wifi_rssi":        sess.WifiRSSI,
		"timestamp_source": string(captured.Source),
	}
	var result, err = e.rpc.WakeIngestion(ctx, store.WakeIngestionRequest{
		DeviceID:        device.ID,
		CapturedAt:      captured.Time,
		ImageName:       m.ImageName,
		TelemetryData:   telemetry,
		ExistingImageID: existingID,
	})
	if err == nil && result.Success {
		a.ImageID = result.ImageID
		a.WakePayloadID = result.PayloadID
		if result.SessionID != "" {
			a.SiteSession = &result.SessionID
		}
		return
	}
	if err != nil && err != store.ErrRPCUnavailable {
		log.WithFields(log.Fields{"mac": sess.MAC, "image": m.ImageName, "error": err}).
			Warn("wake ingestion rpc failed, falling back to direct writes")
	}

	var lineageCols [3]*string
	if a.Lineage != nil {
		lineageCols = [3]*string{
			optional(a.Lineage.CompanyID),
			optional(a.Lineage.ProgramID),
			optional(a.Lineage.SiteID),
		}
	}
	rec, err := e.store.EnsureReceivingImage(ctx, device.ID, lineageCols, a.SiteSession,
		m.ImageName, captured.Time, m.TotalChunks, telemetryMetadata(m))
	if err != nil {
		log.WithFields(log.Fields{"mac": sess.MAC, "image": m.ImageName, "error": err}).
			Error("recording image transfer")
		return
	}
	a.ImageID = rec.ID

	if payloadID, err := e.store.InsertWakePayload(ctx, device.ID, a.SiteSession, captured.Time); err == nil {
		a.WakePayloadID = payloadID
	}
}

func telemetryMetadata(m *protocol.Metadata) map[string]interface{} {
	return map[string]interface{}{
		"image_size":     m.ImageSize,
		"max_chunk_size": m.MaxChunkSize,
		"location":       m.Location,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// recordTelemetry persists the environmental snapshot. Temperature is
// converted to Fahrenheit at this boundary.
func (e *Engine) recordTelemetry(ctx context.Context, device *store.Device, sess *Session, a *Assembly) {
	var row = &store.TelemetryRow{
		DeviceID:       device.ID,
		SessionID:      a.SiteSession,
		CapturedAt:     a.CapturedAt,
		TemperatureF:   devctx.CelsiusToFahrenheit(a.Sensors.Temperature),
		Humidity:       a.Sensors.Humidity,
		Pressure:       a.Sensors.Pressure,
		GasResistance:  a.Sensors.GasResistance,
		BatteryVoltage: sess.BatteryVoltage,
		WifiRSSI:       sess.WifiRSSI,
	}
	if a.WakePayloadID != "" {
		row.WakePayloadID = &a.WakePayloadID
	}
	if a.Lineage != nil {
		row.CompanyID = optional(a.Lineage.CompanyID)
		row.ProgramID = optional(a.Lineage.ProgramID)
		row.SiteID = optional(a.Lineage.SiteID)
	}
	if err := e.store.InsertTelemetry(ctx, row); err != nil {
		// Telemetry is best effort; the image transfer continues.
		log.WithFields(log.Fields{"mac": sess.MAC, "error": err}).Warn("persisting telemetry")
	}
}

// HandleChunk buffers one chunk, tracks progress, and triggers finalize
// when the transfer is complete.
func (e *Engine) HandleChunk(ctx context.Context, c *protocol.Chunk) {
	var mac, err = devctx.NormalizeMAC(c.DeviceID)
	if err != nil {
		log.WithFields(log.Fields{"raw": c.DeviceID, "error": err}).Error("chunk with invalid MAC")
		return
	}

	var unlock = e.lockDevice(mac)
	defer unlock()

	var key = assemblyKey{mac: mac, image: c.ImageName}
	if _, done := e.completed.Get(key); done {
		// Straggler after finalize; drop inside the suppression window.
		return
	}
	var a = e.assembly(key)
	if a != nil && a.Completed {
		return
	}

	var index = *c.ChunkID
	if a != nil && a.TotalChunks > 0 && index >= a.TotalChunks {
		log.WithFields(log.Fields{"mac": mac, "image": c.ImageName, "index": index, "total": a.TotalChunks}).
			Warn("chunk index beyond declared total, dropping")
		return
	}
	var data []byte
	if data, err = base64.StdEncoding.DecodeString(c.Payload); err != nil || len(data) == 0 {
		log.WithFields(log.Fields{"mac": mac, "image": c.ImageName, "index": index, "error": err}).
			Warn("undecodable chunk, requesting retransmission")
		e.publish(e.topics.Cmd(mac), protocol.MissingChunks(mac, c.ImageName, []int{index}), mac, "missing_chunks")
		return
	}
	if index == 0 && !protocol.HasJPEGMagic(data) {
		log.WithFields(log.Fields{"mac": mac, "image": c.ImageName}).
			Warn("chunk 0 does not open with JPEG magic")
	}

	var storedNew bool
	if storedNew, err = e.chunks.Store(ctx, mac, c.ImageName, index, data); err != nil {
		e.publish(e.topics.Cmd(mac), protocol.MissingChunks(mac, c.ImageName, []int{index}), mac, "missing_chunks")
		return
	}

	if sess := e.session(mac); sess != nil {
		sess.LastActivityAt = e.now()
	}

	// Chunks may arrive before metadata; they are buffered, and
	// finalization stays gated on the transfer parameters.
	if a == nil {
		return
	}

	e.armChunkTimer(key)
	if !storedNew {
		return
	}
	chunksStored.Inc()

	var count int
	if count, err = e.chunks.CountReceived(ctx, mac, c.ImageName); err != nil {
		return
	}
	if a.ImageID != "" {
		if err = e.store.SetImageReceivedCount(ctx, a.ImageID, count); err != nil {
			log.WithFields(log.Fields{"image": a.ImageID, "error": err}).Warn("updating progress")
		}
	}
	if a.WakePayloadID != "" {
		if err = e.store.UpdateWakePayload(ctx, a.WakePayloadID, count, false, store.ImageReceiving); err != nil {
			log.WithFields(log.Fields{"payload": a.WakePayloadID, "error": err}).Warn("updating wake payload")
		}
	}

	if a.TotalChunks > 0 && count >= a.TotalChunks {
		e.cancelChunkTimer(key)
		e.finalize(ctx, a, e.session(mac))
	}
}

// onChunkTimeout fires when a transfer has gone quiet: it requests the
// missing indices while the session lives, and marks the record
// incomplete once the session is gone.
func (e *Engine) onChunkTimeout(key assemblyKey) {
	var unlock = e.lockDevice(key.mac)
	defer unlock()

	var a = e.assembly(key)
	if a == nil || a.Completed {
		return
	}

	var ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var missing, err = e.chunks.Missing(ctx, key.mac, key.image, a.TotalChunks)
	if err != nil {
		log.WithFields(log.Fields{"mac": key.mac, "image": key.image, "error": err}).
			Error("missing-chunk query failed")
		return
	}
	if len(missing) == 0 && a.TotalChunks > 0 {
		e.finalize(ctx, a, e.session(key.mac))
		return
	}

	if sess := e.session(key.mac); sess != nil {
		log.WithFields(log.Fields{"mac": key.mac, "image": key.image, "missing": len(missing)}).
			Info("requesting missing chunks")
		e.publish(e.topics.Cmd(key.mac), protocol.MissingChunks(key.mac, key.image, missing), key.mac, "missing_chunks")
		if a.ImageID != "" {
			if err = e.store.MarkImageRetrying(ctx, a.ImageID); err != nil {
				log.WithFields(log.Fields{"image": a.ImageID, "error": err}).Warn("marking retry")
			}
		}
		e.armChunkTimer(key)
		return
	}

	// Session reaped; the device will not answer until its next wake.
	log.WithFields(log.Fields{"mac": key.mac, "image": key.image, "missing": len(missing)}).
		Info("abandoning transfer, session gone")
	if a.ImageID != "" {
		if err = e.store.MarkImageIncomplete(ctx, a.ImageID, missing); err != nil {
			log.WithFields(log.Fields{"image": a.ImageID, "error": err}).Warn("marking incomplete")
		}
	}
	e.cancelChunkTimer(key)
	e.dropAssembly(key)
}
