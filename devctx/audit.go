package devctx

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// MessageRecord is one audited broker message, in either direction.
type MessageRecord struct {
	DeviceMAC string
	Direction string // "inbound" or "outbound"
	Topic     string
	Kind      string
	Payload   []byte
	ImageID   string
	CommandID string
}

// AckRecord is one audited image acknowledgment.
type AckRecord struct {
	DeviceMAC string
	ImageName string
	AckType   string
	Topic     string
	Payload   []byte
	Success   bool
	Error     string
}

// AuditSink receives audit rows. Implemented by the store's audit tables
// and the fn_log_device_ack function.
type AuditSink interface {
	LogMessage(ctx context.Context, rec MessageRecord) error
	LogAck(ctx context.Context, rec AckRecord) error
}

// Auditor writes fire-and-forget audit rows. Sink failures are logged and
// never block or fail the data path.
type Auditor struct {
	sink    AuditSink
	timeout time.Duration
}

// NewAuditor wraps sink. A nil sink disables auditing.
func NewAuditor(sink AuditSink) *Auditor {
	return &Auditor{sink: sink, timeout: 5 * time.Second}
}

// Message records a broker message asynchronously.
func (a *Auditor) Message(rec MessageRecord) {
	if a == nil || a.sink == nil {
		return
	}
	go func() {
		var ctx, cancel = context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.sink.LogMessage(ctx, rec); err != nil {
			log.WithFields(log.Fields{
				"mac":   rec.DeviceMAC,
				"topic": rec.Topic,
				"error": err,
			}).Warn("audit message log failed")
		}
	}()
}

// Ack records an acknowledgment asynchronously.
func (a *Auditor) Ack(rec AckRecord) {
	if a == nil || a.sink == nil {
		return
	}
	go func() {
		var ctx, cancel = context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.sink.LogAck(ctx, rec); err != nil {
			log.WithFields(log.Fields{
				"mac":   rec.DeviceMAC,
				"image": rec.ImageName,
				"error": err,
			}).Warn("audit ack log failed")
		}
	}()
}
