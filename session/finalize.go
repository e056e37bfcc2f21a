package session

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fieldscout/gateway/protocol"
	"github.com/fieldscout/gateway/store"
	"github.com/fieldscout/gateway/wake"
)

// finalize runs once every chunk of a transfer is buffered: reassemble,
// upload, persist, and send the terminal acknowledgment. sess may be nil
// when the timer path finalizes after the session was reaped.
func (e *Engine) finalize(ctx context.Context, a *Assembly, sess *Session) {
	if a.Completed {
		return
	}
	var mac, image = a.key.mac, a.key.image

	// Completeness is re-checked under the device lock; the TTL sweep may
	// have reclaimed rows since the caller counted.
	var missing, err = e.chunks.Missing(ctx, mac, image, a.TotalChunks)
	if err != nil {
		log.WithFields(log.Fields{"mac": mac, "image": image, "error": err}).
			Error("verifying completeness before finalize")
		return
	}
	if len(missing) > 0 {
		log.WithFields(log.Fields{"mac": mac, "image": image, "missing": len(missing)}).
			Warn("chunks missing at finalize, requesting retransmission")
		e.publish(e.topics.Cmd(mac), protocol.MissingChunks(mac, image, missing), mac, "missing_chunks")
		if a.ImageID != "" {
			if err = e.store.MarkImageRetrying(ctx, a.ImageID); err != nil {
				log.WithFields(log.Fields{"image": a.ImageID, "error": err}).Warn("marking retry")
			}
		}
		e.armChunkTimer(a.key)
		return
	}

	data, err := e.chunks.Assemble(ctx, mac, image, a.TotalChunks)
	if err != nil || data == nil {
		log.WithFields(log.Fields{"mac": mac, "image": image, "error": err}).
			Error("assembling image")
		e.armChunkTimer(a.key)
		return
	}
	if !protocol.HasJPEGMagic(data) || !protocol.HasJPEGTrailer(data) {
		// The artifact is stored anyway; the device has no better copy.
		log.WithFields(log.Fields{"mac": mac, "image": image, "bytes": len(data)}).
			Warn("assembled image missing JPEG markers")
	}
	if a.DeclaredSize > 0 && int64(len(data)) != a.DeclaredSize {
		log.WithFields(log.Fields{
			"mac": mac, "image": image,
			"declared": a.DeclaredSize, "assembled": len(data),
		}).Warn("assembled size differs from declared size")
	}

	var url string
	if url, err = e.uploader.Upload(ctx, e.imagePath(ctx, a), data); err != nil {
		e.failUpload(ctx, a, err)
		return
	}
	e.persistCompletion(ctx, a, url, len(data))
	imagesCompleted.Inc()
	log.WithFields(log.Fields{"mac": mac, "image": image, "bytes": len(data), "url": url}).
		Info("image finalized")

	e.sendTerminalAck(ctx, a, sess)
	e.cleanupTransfer(ctx, a)
}

// imagePath derives the blob path for the artifact, preferring the
// platform's path-builder function.
func (e *Engine) imagePath(ctx context.Context, a *Assembly) string {
	var companyID, siteID string
	if a.Lineage != nil {
		companyID, siteID = a.Lineage.CompanyID, a.Lineage.SiteID
	}
	if companyID != "" && siteID != "" {
		if path, err := e.rpc.BuildImagePath(ctx, companyID, siteID, a.key.mac, a.key.image); err == nil && path != "" {
			return path
		}
	}
	return a.key.mac + "/" + a.key.image
}

// failUpload records a definite storage failure. No acknowledgment goes
// out; the device re-offers the image on its next wake.
func (e *Engine) failUpload(ctx context.Context, a *Assembly, cause error) {
	imagesFailed.Inc()
	log.WithFields(log.Fields{"mac": a.key.mac, "image": a.key.image, "error": cause}).
		Error("storage upload failed")
	if a.ImageID != "" {
		if err := e.store.MarkImageFailed(ctx, a.ImageID, store.ErrCodeStorageUpload); err != nil {
			log.WithFields(log.Fields{"image": a.ImageID, "error": err}).Warn("marking upload failure")
		}
	}
	if a.WakePayloadID != "" {
		if err := e.store.UpdateWakePayload(ctx, a.WakePayloadID, a.TotalChunks, false, store.ImageFailed); err != nil {
			log.WithFields(log.Fields{"payload": a.WakePayloadID, "error": err}).Warn("updating wake payload")
		}
	}
	e.cleanupTransfer(ctx, a)
}

// persistCompletion records the finished artifact, preferring the
// image-completion function and falling back to direct SQL.
func (e *Engine) persistCompletion(ctx context.Context, a *Assembly, url string, size int) {
	if a.ImageID != "" {
		if result, err := e.rpc.ImageCompletion(ctx, a.ImageID, url); err == nil && result.Success {
			e.completeWakePayload(ctx, a)
			return
		} else if err != nil && err != store.ErrRPCUnavailable {
			log.WithFields(log.Fields{"image": a.ImageID, "error": err}).
				Warn("image completion rpc failed, falling back to direct write")
		}
		if err := e.store.MarkImageComplete(ctx, a.ImageID, url); err != nil {
			log.WithFields(log.Fields{"image": a.ImageID, "error": err}).Error("completing image record")
		}
		if err := e.store.SetImageReceivedCount(ctx, a.ImageID, a.TotalChunks); err != nil {
			log.WithFields(log.Fields{"image": a.ImageID, "error": err}).Warn("updating progress")
		}
		e.completeWakePayload(ctx, a)
		return
	}

	// No record handle: the transfer predates this process. Reconcile
	// against whatever row exists.
	existing, err := e.store.GetImage(ctx, a.DeviceID, a.key.image)
	if err != nil {
		log.WithFields(log.Fields{"mac": a.key.mac, "image": a.key.image, "error": err}).
			Error("loading image record at completion")
		return
	}
	if existing != nil {
		if err = e.store.MarkImageComplete(ctx, existing.ID, url); err != nil {
			log.WithFields(log.Fields{"image": existing.ID, "error": err}).Error("completing image record")
		}
		if err = e.store.SetImageReceivedCount(ctx, existing.ID, a.TotalChunks); err != nil {
			log.WithFields(log.Fields{"image": existing.ID, "error": err}).Warn("updating progress")
		}
		e.completeWakePayload(ctx, a)
		return
	}

	var meta, _ = json.Marshal(map[string]interface{}{"image_size": size})
	var metaStr = string(meta)
	var capturedAt = a.CapturedAt
	var rec = store.ImageRecord{
		DeviceID:       a.DeviceID,
		SessionID:      a.SiteSession,
		ImageName:      a.key.image,
		CapturedAt:     &capturedAt,
		TotalChunks:    a.TotalChunks,
		ReceivedChunks: a.TotalChunks,
		ImageURL:       &url,
		Metadata:       &metaStr,
	}
	if a.Lineage != nil {
		rec.CompanyID = optional(a.Lineage.CompanyID)
		rec.ProgramID = optional(a.Lineage.ProgramID)
		rec.SiteID = optional(a.Lineage.SiteID)
	}
	if err = e.store.InsertCompleteImage(ctx, &rec); err != nil {
		log.WithFields(log.Fields{"mac": a.key.mac, "image": a.key.image, "error": err}).
			Error("recording completed image")
	}
	e.completeWakePayload(ctx, a)
}

func (e *Engine) completeWakePayload(ctx context.Context, a *Assembly) {
	if a.WakePayloadID == "" {
		return
	}
	if err := e.store.UpdateWakePayload(ctx, a.WakePayloadID, a.TotalChunks, true, store.ImageComplete); err != nil {
		log.WithFields(log.Fields{"payload": a.WakePayloadID, "error": err}).Warn("updating wake payload")
	}
}

// sendTerminalAck closes the transfer on the wire. Mid-drain images get a
// bare ACK_OK; the cycle's last image carries the next wake time and ends
// the session.
func (e *Engine) sendTerminalAck(ctx context.Context, a *Assembly, sess *Session) {
	var mac, image = a.key.mac, a.key.image

	if sess != nil && sess.State == StateDrainingPending {
		e.publish(e.topics.Ack(mac), protocol.AckOK(mac, image, ""), mac, "ack_ok")
		sess.PendingDrained++
		sess.LastActivityAt = e.now()
		if sess.PendingDrained < sess.InitialPending {
			return
		}
		// Backlog drained; the cycle continues with a fresh capture.
		sess.State = StateCaptureSent
		if e.captureSentRecently(mac) {
			log.WithField("mac", mac).Debug("post-drain capture debounced")
			return
		}
		if _, err := e.store.SupersedePendingCaptures(ctx, a.DeviceID); err != nil {
			log.WithFields(log.Fields{"mac": mac, "error": err}).Warn("superseding stale captures")
		}
		e.publish(e.topics.Cmd(mac), protocol.CaptureImage(mac), mac, "capture_image")
		e.markCaptureSent(mac)
		return
	}

	var nextWake = e.nextWakeFor(ctx, mac)
	e.publish(e.topics.Ack(mac), protocol.AckOK(mac, image, nextWake), mac, "ack_ok")
	e.dropSession(mac)
}

// nextWakeFor resolves, persists, and renders the device's next wake.
func (e *Engine) nextWakeFor(ctx context.Context, mac string) string {
	var device, err = e.store.GetDeviceByMAC(ctx, mac)
	if err != nil || device == nil {
		log.WithFields(log.Fields{"mac": mac, "error": err}).
			Warn("device lookup at ack time failed, using fallback wake")
		return wake.Render(e.now().UTC().Add(3 * time.Hour))
	}
	next, err := e.sched.Next(ctx, device)
	if err != nil || next.IsZero() {
		log.WithFields(log.Fields{"mac": mac, "error": err}).
			Warn("next-wake evaluation failed, using fallback interval")
		next = e.now().UTC().Add(3 * time.Hour)
	}
	if err = e.store.SetDeviceNextWake(ctx, mac, next); err != nil {
		log.WithFields(log.Fields{"mac": mac, "error": err}).Warn("persisting next wake")
	}
	return wake.Render(next)
}

// cleanupTransfer releases every per-transfer resource and opens the
// straggler suppression window.
func (e *Engine) cleanupTransfer(ctx context.Context, a *Assembly) {
	a.Completed = true
	if err := e.chunks.Clear(ctx, a.key.mac, a.key.image); err != nil {
		log.WithFields(log.Fields{"mac": a.key.mac, "image": a.key.image, "error": err}).
			Warn("clearing chunk namespace")
	}
	e.cancelChunkTimer(a.key)
	e.completed.Add(a.key, e.now())
	e.dropAssembly(a.key)
}
