package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/fieldscout/gateway/mqttc"
	"github.com/fieldscout/gateway/store"
)

// DispatcherStatus reports whether the command loop is live.
type DispatcherStatus interface {
	Running() bool
}

// HealthServer serves /health, /metrics, and the provisioning hook.
type HealthServer struct {
	store       *store.Store
	broker      *mqttc.Client
	dispatcher  DispatcherStatus
	provisioner *Provisioner
	started     time.Time
}

// NewHealthServer builds the operational HTTP surface.
func NewHealthServer(st *store.Store, broker *mqttc.Client, dispatcher DispatcherStatus, provisioner *Provisioner) *HealthServer {
	return &HealthServer{
		store:       st,
		broker:      broker,
		dispatcher:  dispatcher,
		provisioner: provisioner,
		started:     time.Now(),
	}
}

type healthResponse struct {
	Status     string             `json:"status"`
	Broker     bool               `json:"broker_connected"`
	Database   bool               `json:"database_ok"`
	Dispatcher bool               `json:"dispatcher_running"`
	UptimeSec  int64              `json:"uptime_seconds"`
	Counters   map[string]float64 `json:"counters"`
}

// gatewayCounters aggregates this process's own metric families for the
// health payload. Labeled series are summed; full detail stays on /metrics.
func gatewayCounters() map[string]float64 {
	var out = map[string]float64{}
	var families, err = prometheus.DefaultGatherer.Gather()
	if err != nil {
		return out
	}
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "gateway_") {
			continue
		}
		var total float64
		for _, m := range mf.GetMetric() {
			switch {
			case m.Counter != nil:
				total += m.Counter.GetValue()
			case m.Gauge != nil:
				total += m.Gauge.GetValue()
			}
		}
		out[mf.GetName()] = total
	}
	return out
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	var ctx, cancel = context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var resp = healthResponse{
		Broker:     h.broker.IsConnected(),
		Dispatcher: h.dispatcher.Running(),
		UptimeSec:  int64(time.Since(h.started).Seconds()),
		Counters:   gatewayCounters(),
	}
	resp.Database = h.store.DB().PingContext(ctx) == nil

	resp.Status = "ok"
	var code = http.StatusOK
	if !resp.Broker || !resp.Database || !resp.Dispatcher {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(&resp)
}

// Serve runs the HTTP listener until ctx is cancelled.
func (h *HealthServer) Serve(ctx context.Context, addr string) error {
	var mux = http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	if h.provisioner != nil {
		mux.HandleFunc("/devices/map", h.provisioner.handleMapDevice)
	}

	var server = &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		var shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", addr).Info("health server listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
