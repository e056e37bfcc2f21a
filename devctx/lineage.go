package devctx

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"
)

// Lineage is the cached projection of a device's organizational placement.
type Lineage struct {
	DeviceID  string `json:"device_id"`
	CompanyID string `json:"company_id"`
	ProgramID string `json:"program_id"`
	SiteID    string `json:"site_id"`
}

// Complete reports whether every level of the hierarchy is assigned.
func (l Lineage) Complete() bool {
	return l.DeviceID != "" && l.CompanyID != "" && l.ProgramID != "" && l.SiteID != ""
}

// LineageSource resolves a canonical MAC to its lineage, typically the
// fn_resolve_device_lineage database function.
type LineageSource interface {
	ResolveLineage(ctx context.Context, mac string) (*Lineage, error)
}

// DefaultLineageTTL bounds how stale a cached lineage may be. Mapping
// changes also invalidate explicitly.
const DefaultLineageTTL = 5 * time.Minute

// Resolver caches lineage lookups per canonical MAC.
type Resolver struct {
	source LineageSource
	cache  *expirable.LRU[string, Lineage]
}

// NewResolver builds a Resolver over the given source with entries valid
// for ttl.
func NewResolver(source LineageSource, ttl time.Duration) *Resolver {
	return &Resolver{
		source: source,
		cache:  expirable.NewLRU[string, Lineage](8192, nil, ttl),
	}
}

// Resolve returns the device lineage, from cache when fresh. A nil result
// with nil error means the device is unknown to the resolver.
func (r *Resolver) Resolve(ctx context.Context, mac string) (*Lineage, error) {
	if cached, ok := r.cache.Get(mac); ok {
		return &cached, nil
	}
	var lineage, err = r.source.ResolveLineage(ctx, mac)
	if err != nil {
		return nil, err
	}
	if lineage == nil {
		return nil, nil
	}
	r.cache.Add(mac, *lineage)
	return lineage, nil
}

// Invalidate drops the cached lineage for a device. Called on mapping
// changes and on provisioning-status transitions to active.
func (r *Resolver) Invalidate(mac string) {
	if r.cache.Remove(mac) {
		log.WithField("mac", mac).Debug("invalidated cached lineage")
	}
}
