// Package gateway routes inbound broker traffic to the session engine and
// command dispatcher, and serves the operational HTTP surface.
package gateway

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/fieldscout/gateway/devctx"
	"github.com/fieldscout/gateway/dispatch"
	"github.com/fieldscout/gateway/mqttc"
	"github.com/fieldscout/gateway/protocol"
	"github.com/fieldscout/gateway/session"
)

var (
	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_messages_received_total",
		Help: "Inbound broker messages, by topic leaf and classified kind.",
	}, []string{"leaf", "kind"})
	messagesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_messages_rejected_total",
		Help: "Inbound messages dropped before handling, by reason.",
	}, []string{"reason"})
	handlerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_handler_panics_total",
		Help: "Recovered panics in message handlers.",
	})
)

// handlerTimeout bounds the work done for one inbound message.
const handlerTimeout = 30 * time.Second

// Router fans inbound device messages out to the engine and dispatcher.
type Router struct {
	engine   *session.Engine
	commands *dispatch.Dispatcher
	audit    *devctx.Auditor
	topics   mqttc.Topics
}

// NewRouter builds a Router.
func NewRouter(engine *session.Engine, commands *dispatch.Dispatcher, audit *devctx.Auditor, topics mqttc.Topics) *Router {
	return &Router{engine: engine, commands: commands, audit: audit, topics: topics}
}

// Bind subscribes the router to every device topic, current and legacy.
// Called from the broker's OnConnect hook so subscriptions survive
// reconnects.
func (r *Router) Bind(client *mqttc.Client) {
	for _, pattern := range r.topics.Subscriptions() {
		if err := client.Subscribe(pattern, 1, r.Handle); err != nil {
			log.WithFields(log.Fields{"pattern": pattern, "error": err}).
				Error("subscribing to device topics")
		}
	}
}

// Handle is the broker callback for every inbound device message. One
// malformed or panicking message must never take down the conversation
// loop.
func (r *Router) Handle(topic string, payload []byte) {
	defer func() {
		if p := recover(); p != nil {
			handlerPanics.Inc()
			log.WithFields(log.Fields{"topic": topic, "panic": p, "stack": string(debug.Stack())}).
				Error("recovered panic in message handler")
		}
	}()

	var topicMAC, leaf, ok = r.topics.Parse(topic)
	if !ok {
		messagesRejected.WithLabelValues("topic").Inc()
		return
	}

	var ctx, cancel = context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	var raw = protocol.Sanitize(payload)
	var kind = protocol.Classify(raw)
	messagesReceived.WithLabelValues(leaf, kind.String()).Inc()
	r.audit.Message(devctx.MessageRecord{
		DeviceMAC: topicMAC,
		Direction: "inbound",
		Topic:     topic,
		Kind:      kind.String(),
		Payload:   raw,
	})

	switch leaf {
	case "status":
		r.handleStatus(ctx, topic, raw, kind)
	case "data":
		r.handleData(ctx, topic, raw, kind)
	case "ack":
		r.handleAck(ctx, topicMAC, topic, raw)
	}
}

func (r *Router) handleStatus(ctx context.Context, topic string, raw []byte, kind protocol.Kind) {
	if kind != protocol.KindHello {
		messagesRejected.WithLabelValues("status_kind").Inc()
		log.WithFields(log.Fields{"topic": topic, "kind": kind}).
			Debug("non-hello message on status topic")
		return
	}
	var hello, err = protocol.ParseHello(raw)
	if err != nil {
		messagesRejected.WithLabelValues("parse").Inc()
		log.WithFields(log.Fields{"topic": topic, "error": err}).Warn("unparseable hello")
		return
	}
	r.engine.HandleHello(ctx, hello)
}

// handleData routes by payload shape, not topic: metadata and chunks share
// the data topic.
func (r *Router) handleData(ctx context.Context, topic string, raw []byte, kind protocol.Kind) {
	switch kind {
	case protocol.KindChunk:
		var chunk, err = protocol.ParseChunk(raw)
		if err != nil {
			messagesRejected.WithLabelValues("parse").Inc()
			log.WithFields(log.Fields{"topic": topic, "error": err}).Warn("unparseable chunk")
			return
		}
		r.engine.HandleChunk(ctx, chunk)
	case protocol.KindMetadata:
		var meta, err = protocol.ParseMetadata(raw)
		if err != nil {
			messagesRejected.WithLabelValues("parse").Inc()
			log.WithFields(log.Fields{"topic": topic, "error": err}).Warn("unparseable metadata")
			return
		}
		r.engine.HandleMetadata(ctx, meta)
	default:
		messagesRejected.WithLabelValues("data_kind").Inc()
		log.WithField("topic", topic).Debug("unclassifiable message on data topic")
	}
}

// handleAck forwards command acknowledgments to the dispatcher. Image
// ACK_OKs are the gateway's own outbound messages echoed by some firmware,
// and missing-chunks requests are device-bound; both are dropped.
func (r *Router) handleAck(ctx context.Context, topicMAC, topic string, raw []byte) {
	if protocol.IsTerminalAck(raw) || protocol.IsMissingChunksRequest(raw) {
		return
	}
	var mac, err = devctx.NormalizeMAC(topicMAC)
	if err != nil {
		messagesRejected.WithLabelValues("mac").Inc()
		log.WithFields(log.Fields{"topic": topic, "error": err}).Warn("ack with invalid MAC")
		return
	}
	r.commands.HandleCommandAck(ctx, mac, topic, raw)
}
