package migration

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/shardd/api"
	"pkt.systems/shardd/internal/clock"
	"pkt.systems/shardd/internal/loggingutil"
)

// Registry is the process-wide map from tenant id to that tenant's access
// blocker. Lookups are frequent, insert and remove rare. It is handed to
// each operation explicitly so tests supply fresh instances.
type Registry struct {
	logger pslog.Logger
	clock  clock.Clock

	mu       sync.RWMutex
	blockers map[string]*Blocker
}

// RegistryConfig collects Registry dependencies.
type RegistryConfig struct {
	Logger pslog.Logger
	Clock  clock.Clock
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Registry{
		logger:   loggingutil.EnsureLogger(cfg.Logger),
		clock:    clk,
		blockers: make(map[string]*Blocker),
	}
}

// Add installs the blocker for a tenant. Installing a second blocker for
// the same tenant is a collaborator bug.
func (r *Registry) Add(tenantID string, b *Blocker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.blockers[tenantID]; exists {
		panic(fmt.Sprintf("access blocker for tenant %q already registered", tenantID))
	}
	r.blockers[tenantID] = b
	r.logger.Info("migration.registry.add", "tenant", tenantID)
}

// Remove drops a tenant's blocker, typically on migration garbage
// collection.
func (r *Registry) Remove(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.blockers, tenantID)
	r.logger.Info("migration.registry.remove", "tenant", tenantID)
}

// BlockerForTenant returns the blocker for an exact tenant id, or nil.
func (r *Registry) BlockerForTenant(tenantID string) *Blocker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.blockers[tenantID]
}

// BlockerForDBName resolves a database name to the blocker governing it.
// Tenant databases are named "<tenantID>_<suffix>"; names without a tenant
// prefix are unguarded.
func (r *Registry) BlockerForDBName(dbName string) *Blocker {
	idx := strings.Index(dbName, "_")
	if idx <= 0 {
		return nil
	}
	return r.BlockerForTenant(dbName[:idx])
}

// Shutdown shuts every registered blocker down and clears the registry.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	blockers := r.blockers
	r.blockers = make(map[string]*Blocker)
	r.mu.Unlock()

	for _, b := range blockers {
		b.Shutdown()
	}
}

// Statuses returns diagnostic snapshots for every blocker, ordered by
// tenant id.
func (r *Registry) Statuses() []api.MigrationBlockerStatus {
	r.mu.RLock()
	out := make([]api.MigrationBlockerStatus, 0, len(r.blockers))
	for _, b := range r.blockers {
		out = append(out, b.Status())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}
