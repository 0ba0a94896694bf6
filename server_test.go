package shardd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/shardd/api"
	"pkt.systems/shardd/internal/migration"
)

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	if cfg.StateDocDir == "" {
		cfg.StateDocDir = filepath.Join(t.TempDir(), "migrations")
	}
	srv, err := NewServer(cfg, migration.NewCommitPointWaiter())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func TestServerServesHealthAndStatus(t *testing.T) {
	srv := newTestServer(t, Config{})
	base := fmt.Sprintf("http://%s", srv.ListenerAddr())

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/v1/serverstatus")
	if err != nil {
		t.Fatalf("serverstatus: %v", err)
	}
	defer resp.Body.Close()
	var status api.ServerStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode serverstatus: %v", err)
	}
	if status.Transactions.CommitTypes == nil {
		t.Fatalf("serverstatus missing commit types: %+v", status)
	}
}

func TestServerRecoversBlockersFromStateDocs(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "migrations")
	store, err := migration.NewDiskStore(dir)
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	bt := api.NewClusterTime(100, 0)
	_, err = store.Put(context.Background(), api.DonorStateDoc{
		TenantID:            "tenantA",
		RecipientConnString: "recipientSet/host1:27017",
		State:               api.DonorStateBlocking,
		BlockTimestamp:      &bt,
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	srv := newTestServer(t, Config{StateDocDir: dir})
	b := srv.Registry().BlockerForTenant("tenantA")
	if b == nil {
		t.Fatal("blocker not recovered at startup")
	}
	if b.State() != migration.StateBlockWritesAndReads {
		t.Fatalf("recovered state = %s, want blockWritesAndReads", b.State())
	}
}

func TestConfigNormalizeAndValidate(t *testing.T) {
	var cfg Config
	cfg.Normalize()
	if cfg.Listen != DefaultListen || cfg.StateDocDir != DefaultStateDocDir {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.SlowTransactionThreshold != DefaultSlowTransactionThresholdMS*time.Millisecond {
		t.Fatalf("slow threshold default = %v", cfg.SlowTransactionThreshold)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	bad := Config{Listen: ":1", Shards: map[string]string{"shard1": ""}}
	if err := bad.Validate(); err == nil {
		t.Fatal("empty shard endpoint accepted")
	}
}
