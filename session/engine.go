// Package session drives one conversation per device from HELLO to the
// terminal acknowledgment: capture and drain orchestration, chunked image
// reassembly, finalization, and next-wake scheduling.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/fieldscout/gateway/chunkstore"
	"github.com/fieldscout/gateway/devctx"
	"github.com/fieldscout/gateway/imagestore"
	"github.com/fieldscout/gateway/mqttc"
	"github.com/fieldscout/gateway/protocol"
	"github.com/fieldscout/gateway/store"
	"github.com/fieldscout/gateway/wake"
)

var (
	imagesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_images_completed_total",
		Help: "Image transfers finalized successfully.",
	})
	imagesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_images_failed_total",
		Help: "Image transfers that ended in a definite failure.",
	})
	chunksStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_chunks_stored_total",
		Help: "Image chunks newly buffered.",
	})
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_active_sessions",
		Help: "Device sessions currently in memory.",
	})
)

// Session states of one device wake conversation.
type State string

const (
	StateHelloReceived   State = "hello_received"
	StateDrainingPending State = "draining_pending"
	StateCaptureSent     State = "capture_sent"
	StateImageInFlight   State = "image_in_flight"
)

// Session is the in-memory record of one device wake cycle. At most one
// exists per device; it is removed when the terminal ACK is sent or the
// idle timeout reaps it.
type Session struct {
	MAC            string
	DeviceID       string
	State          State
	InitialPending int
	PendingDrained int
	CurrentImage   string
	BatteryVoltage *float64
	WifiRSSI       *int
	StartedAt      time.Time
	LastActivityAt time.Time
}

type assemblyKey struct {
	mac   string
	image string
}

// Assembly is the in-memory buffer tracking one image transfer. Chunk
// bytes live in the chunk store; the assembly carries transfer parameters
// and persistence handles.
type Assembly struct {
	key           assemblyKey
	DeviceID      string
	TotalChunks   int
	DeclaredSize  int64
	CapturedAt    time.Time
	CapturedRaw   string
	Sensors       protocol.Sensors
	Lineage       *devctx.Lineage
	ImageID       string
	WakePayloadID string
	SiteSession   *string
	Completed     bool
}

// CommandSender drains a device's queued commands while it is awake.
// Implemented by the dispatch package.
type CommandSender interface {
	SendPendingForDevice(ctx context.Context, deviceID string) (map[string]bool, error)
}

// Timeouts of the conversation protocol.
const (
	DefaultChunkTimeout    = 15 * time.Second
	DefaultSessionIdle     = 10 * time.Minute
	DefaultCaptureDebounce = 30 * time.Second
	DefaultCompletedWindow = 5 * time.Minute

	sweepInterval = time.Minute
)

// Engine multiplexes device conversations. Handlers for one device are
// serialized under a per-MAC lock; distinct devices proceed in parallel.
type Engine struct {
	store    *store.Store
	chunks   *chunkstore.Store
	rpc      store.RPC
	resolver *devctx.Resolver
	audit    *devctx.Auditor
	pub      mqttc.Publisher
	topics   mqttc.Topics
	uploader imagestore.Uploader
	sched    *wake.Scheduler
	commands CommandSender

	ChunkTimeout    time.Duration
	SessionIdle     time.Duration
	CaptureDebounce time.Duration

	mu         sync.Mutex
	devLocks   map[string]*deviceLock
	sessions   map[string]*Session
	assemblies map[assemblyKey]*Assembly
	timers     map[assemblyKey]*time.Timer

	lastCapture *expirable.LRU[string, time.Time]
	completed   *expirable.LRU[assemblyKey, time.Time]
	now         func() time.Time
}

// Config carries the Engine's collaborators.
type Config struct {
	Store    *store.Store
	Chunks   *chunkstore.Store
	RPC      store.RPC
	Resolver *devctx.Resolver
	Audit    *devctx.Auditor
	Pub      mqttc.Publisher
	Topics   mqttc.Topics
	Uploader imagestore.Uploader
	Sched    *wake.Scheduler
	Commands CommandSender
}

// NewEngine builds an Engine with default protocol timeouts.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		store:           cfg.Store,
		chunks:          cfg.Chunks,
		rpc:             cfg.RPC,
		resolver:        cfg.Resolver,
		audit:           cfg.Audit,
		pub:             cfg.Pub,
		topics:          cfg.Topics,
		uploader:        cfg.Uploader,
		sched:           cfg.Sched,
		commands:        cfg.Commands,
		ChunkTimeout:    DefaultChunkTimeout,
		SessionIdle:     DefaultSessionIdle,
		CaptureDebounce: DefaultCaptureDebounce,
		devLocks:        make(map[string]*deviceLock),
		sessions:        make(map[string]*Session),
		assemblies:      make(map[assemblyKey]*Assembly),
		timers:          make(map[assemblyKey]*time.Timer),
		lastCapture:     expirable.NewLRU[string, time.Time](8192, nil, DefaultCaptureDebounce),
		completed:       expirable.NewLRU[assemblyKey, time.Time](8192, nil, DefaultCompletedWindow),
		now:             time.Now,
	}
}

// SetClock overrides the time source. Used by tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// deviceLock serializes one device's handlers. refs counts holders and
// waiters so the entry can be removed once idle.
type deviceLock struct {
	mu   sync.Mutex
	refs int
}

// lockDevice serializes handlers for one canonical MAC. The returned
// function releases the lock and prunes the entry when no goroutine
// holds or awaits it.
func (e *Engine) lockDevice(mac string) func() {
	e.mu.Lock()
	var l = e.devLocks[mac]
	if l == nil {
		l = new(deviceLock)
		e.devLocks[mac] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.devLocks, mac)
		}
		e.mu.Unlock()
	}
}

func (e *Engine) session(mac string) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[mac]
}

func (e *Engine) putSession(s *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.sessions[s.MAC]; !exists {
		activeSessions.Inc()
	}
	e.sessions[s.MAC] = s
}

func (e *Engine) dropSession(mac string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.sessions[mac]; exists {
		activeSessions.Dec()
		delete(e.sessions, mac)
	}
}

func (e *Engine) assembly(key assemblyKey) *Assembly {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.assemblies[key]
}

func (e *Engine) putAssembly(a *Assembly) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.assemblies[a.key] = a
}

func (e *Engine) dropAssembly(key assemblyKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.assemblies, key)
}

// armChunkTimer starts or re-arms the missing-chunk inactivity timer for
// one transfer.
func (e *Engine) armChunkTimer(key assemblyKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[key]; ok {
		t.Stop()
	}
	e.timers[key] = time.AfterFunc(e.ChunkTimeout, func() {
		e.onChunkTimeout(key)
	})
}

func (e *Engine) cancelChunkTimer(key assemblyKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[key]; ok {
		t.Stop()
		delete(e.timers, key)
	}
}

// RunSessionSweeper reaps sessions idle past the timeout. Their in-flight
// assemblies are left to the chunk TTL sweep.
func (e *Engine) RunSessionSweeper(ctx context.Context) error {
	var ticker = time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.sweepSessions(ctx)
		}
	}
}

func (e *Engine) sweepSessions(ctx context.Context) {
	var cutoff = e.now().Add(-e.SessionIdle)

	e.mu.Lock()
	var macs = make([]string, 0, len(e.sessions))
	for mac := range e.sessions {
		macs = append(macs, mac)
	}
	e.mu.Unlock()

	// Session fields are only read under the device lock; handlers
	// mutate them while holding it.
	for _, mac := range macs {
		var unlock = e.lockDevice(mac)
		if s := e.session(mac); s != nil && s.LastActivityAt.Before(cutoff) {
			log.WithFields(log.Fields{"mac": mac, "state": s.State}).
				Info("reaping idle device session")
			e.dropSession(mac)
		}
		unlock()
	}
}

// RunChunkSweeper reclaims expired chunk rows once a minute.
func (e *Engine) RunChunkSweeper(ctx context.Context) error {
	var ticker = time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := e.chunks.Sweep(ctx); err != nil {
				log.WithField("error", err).Error("chunk sweep failed")
			} else if n > 0 {
				log.WithField("count", n).Info("swept expired chunk rows")
			}
		}
	}
}

// publish sends a broker message at QoS 1 and audits it.
func (e *Engine) publish(topic string, payload []byte, mac, kind string) error {
	var err = e.pub.Publish(topic, 1, false, payload)
	if err != nil {
		log.WithFields(log.Fields{"topic": topic, "kind": kind, "error": err}).
			Warn("broker publish failed")
	}
	e.audit.Message(devctx.MessageRecord{
		DeviceMAC: mac,
		Direction: "outbound",
		Topic:     topic,
		Kind:      kind,
		Payload:   payload,
	})
	return err
}
