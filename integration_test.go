package shardd

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"pkt.systems/shardd/api"
	"pkt.systems/shardd/internal/migration"
)

// A write statement inside a transaction hits a tenant mid-migration: the
// blocker raises the conflict, the statement waits for the outcome, the
// migration aborts, and the retried statement flows through the router.
func TestBlockedWriteRetriesThroughRouterAfterMigrationAborts(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "migrations")
	waiter := migration.NewCommitPointWaiter()
	srv, err := NewServer(Config{
		Listen:      "127.0.0.1:0",
		StateDocDir: dir,
	}, waiter)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	// Donor begins blocking tenantA while a session opens a transaction.
	blocker := migration.NewBlocker(migration.BlockerConfig{
		TenantID:            "tenantA",
		RecipientConnString: "recipientSet/host1:27017",
		Waiter:              waiter,
	})
	srv.Registry().Add("tenantA", blocker)
	blocker.StartBlockingWrites()

	session, err := srv.Sessions().CheckOut(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("CheckOut: %v", err)
	}
	defer session.Release()
	r := session.Router()
	if err := r.BeginOrContinue(1, api.TxnActionStart, api.ReadConcern{Level: api.ReadConcernMajority}); err != nil {
		t.Fatalf("begin: %v", err)
	}

	writeErr := srv.Registry().CheckCanWrite("tenantA_accounts")
	if !api.IsCode(writeErr, api.CodeTenantMigrationConflict) {
		t.Fatalf("gate error = %v, want TenantMigrationConflict", writeErr)
	}

	// The statement parks on the blocker; the migration then aborts.
	waitDone := make(chan error, 1)
	go func() {
		waitDone <- migration.HandleMigrationConflict(context.Background(), writeErr, time.Time{})
	}()
	opTime := api.OpTime{TS: api.NewClusterTime(60, 0), Term: 1}
	blocker.Abort(opTime)
	waiter.AdvanceCommitPoint(opTime)
	if err := <-waitDone; err != nil {
		t.Fatalf("conflict wait = %v, want nil so the statement retries", err)
	}

	// Retry: the gate now admits the write and the router frames it.
	if err := srv.Registry().CheckCanWrite("tenantA_accounts"); err != nil {
		t.Fatalf("gate after abort = %v", err)
	}
	body := r.AttachTxnFields("shard1", api.Body{"insert": "accounts"})
	if body["startTransaction"] != true || body["txnNumber"] != int64(1) {
		t.Fatalf("framing missing on retried statement: %#v", body)
	}
}
