package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/fieldscout/gateway/devctx"
	"github.com/fieldscout/gateway/dispatch"
	"github.com/fieldscout/gateway/store"
)

// Provisioner applies operator mapping decisions to devices. The admin
// front-end posts here; the gateway owns the activation side effects.
type Provisioner struct {
	store    *store.Store
	resolver *devctx.Resolver
	commands *dispatch.Dispatcher
}

// NewProvisioner builds a Provisioner.
func NewProvisioner(st *store.Store, resolver *devctx.Resolver, commands *dispatch.Dispatcher) *Provisioner {
	return &Provisioner{store: st, resolver: resolver, commands: commands}
}

// MapDevice assigns a pending device to its lineage. The cached lineage is
// invalidated, and the first pending -> active transition enqueues the
// one-time welcome set_wake_schedule.
func (p *Provisioner) MapDevice(ctx context.Context, rawMAC, companyID, programID, siteID string) error {
	var mac, err = devctx.NormalizeMAC(rawMAC)
	if err != nil {
		return fmt.Errorf("mapping device: %w", err)
	}
	transitioned, err := p.store.MapDevice(ctx, mac, companyID, programID, siteID)
	if err != nil {
		return err
	}
	p.resolver.Invalidate(mac)
	if !transitioned {
		log.WithField("mac", mac).Info("device mapping updated, already active")
		return nil
	}
	log.WithFields(log.Fields{"mac": mac, "site": siteID}).Info("device activated")
	return p.commands.OnDeviceActivated(ctx, mac)
}

type mapDeviceRequest struct {
	DeviceMAC string `json:"device_mac"`
	CompanyID string `json:"company_id"`
	ProgramID string `json:"program_id"`
	SiteID    string `json:"site_id"`
}

// handleMapDevice is the HTTP form of MapDevice.
func (p *Provisioner) handleMapDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req mapDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.DeviceMAC == "" || req.SiteID == "" || req.ProgramID == "" || req.CompanyID == "" {
		http.Error(w, "device_mac, company_id, program_id, and site_id are required", http.StatusBadRequest)
		return
	}
	if err := p.MapDevice(r.Context(), req.DeviceMAC, req.CompanyID, req.ProgramID, req.SiteID); err != nil {
		log.WithFields(log.Fields{"mac": req.DeviceMAC, "error": err}).Error("mapping device")
		http.Error(w, "mapping failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
