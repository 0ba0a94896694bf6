package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/xid"
	"pkt.systems/pslog"
	"pkt.systems/shardd/api"
	"pkt.systems/shardd/internal/clock"
	"pkt.systems/shardd/internal/loggingutil"
)

// StateDocStore reads and writes persisted donor state documents. The
// donor state machine owns the writes; recovery only lists.
type StateDocStore interface {
	List(ctx context.Context) ([]api.DonorStateDoc, error)
	Put(ctx context.Context, doc api.DonorStateDoc) (api.DonorStateDoc, error)
	Delete(ctx context.Context, id string) error
}

// DiskStore keeps one JSON document per migration in a directory.
type DiskStore struct {
	dir string
}

// NewDiskStore constructs a store rooted at dir, creating it if needed.
func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create statedoc dir: %w", err)
	}
	return &DiskStore{dir: dir}, nil
}

// List implements StateDocStore.
func (s *DiskStore) List(_ context.Context) ([]api.DonorStateDoc, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list statedocs: %w", err)
	}
	var docs []api.DonorStateDoc
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read statedoc %s: %w", entry.Name(), err)
		}
		var doc api.DonorStateDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode statedoc %s: %w", entry.Name(), err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Put implements StateDocStore, assigning an id when the document has none.
func (s *DiskStore) Put(_ context.Context, doc api.DonorStateDoc) (api.DonorStateDoc, error) {
	if doc.ID == "" {
		doc.ID = xid.New().String()
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return doc, fmt.Errorf("encode statedoc: %w", err)
	}
	path := filepath.Join(s.dir, doc.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return doc, fmt.Errorf("write statedoc: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return doc, fmt.Errorf("publish statedoc: %w", err)
	}
	return doc, nil
}

// Delete implements StateDocStore.
func (s *DiskStore) Delete(_ context.Context, id string) error {
	err := os.Remove(filepath.Join(s.dir, id+".json"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete statedoc: %w", err)
	}
	return nil
}

// RecoveryConfig collects the collaborators recovery replays into.
type RecoveryConfig struct {
	Store    StateDocStore
	Registry *Registry
	Waiter   MajorityWaiter
	Clock    clock.Clock
	Logger   pslog.Logger
	Metrics  *blockerMetrics
}

// RecoverAccessBlockers rebuilds the registry from persisted donor state
// documents after a restart. Existing blockers are shut down first.
// Aborted migrations already marked for garbage collection are skipped.
func RecoverAccessBlockers(ctx context.Context, cfg RecoveryConfig) error {
	logger := loggingutil.EnsureLogger(cfg.Logger)
	cfg.Registry.Shutdown()

	docs, err := cfg.Store.List(ctx)
	if err != nil {
		return fmt.Errorf("recover access blockers: %w", err)
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = newBlockerMetrics(logger)
	}
	for _, doc := range docs {
		if err := doc.Validate(); err != nil {
			return fmt.Errorf("recover access blockers: %w", err)
		}
		if doc.ExpireAt != nil && doc.State == api.DonorStateAborted {
			continue
		}

		b := NewBlocker(BlockerConfig{
			TenantID:            doc.TenantID,
			RecipientConnString: doc.RecipientConnString,
			Waiter:              cfg.Waiter,
			Clock:               cfg.Clock,
			Logger:              logger,
			Metrics:             metrics,
		})
		cfg.Registry.Add(doc.TenantID, b)

		switch doc.State {
		case api.DonorStateDataSync:
		case api.DonorStateBlocking:
			b.StartBlockingWrites()
			b.StartBlockingReadsAfter(*doc.BlockTimestamp)
		case api.DonorStateCommitted:
			b.StartBlockingWrites()
			b.StartBlockingReadsAfter(*doc.BlockTimestamp)
			b.Commit(*doc.CommitOrAbortOpTime)
		case api.DonorStateAborted:
			if doc.BlockTimestamp != nil {
				b.StartBlockingWrites()
				b.StartBlockingReadsAfter(*doc.BlockTimestamp)
			}
			var opTime api.OpTime
			if doc.CommitOrAbortOpTime != nil {
				opTime = *doc.CommitOrAbortOpTime
			}
			b.Abort(opTime)
		}
		metrics.blockerRecovered(doc.State)
		logger.Info("migration.recovery.blocker_reinstated",
			"tenant", doc.TenantID,
			"migration_id", doc.ID,
			"state", doc.State,
		)
	}
	return nil
}
