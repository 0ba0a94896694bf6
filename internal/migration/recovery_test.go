package migration

import (
	"context"
	"testing"
	"time"

	"pkt.systems/shardd/api"
	"pkt.systems/shardd/internal/clock"
)

func ts(secs uint32) *api.ClusterTime {
	t := api.NewClusterTime(secs, 0)
	return &t
}

func opTimePtr(secs uint32) *api.OpTime {
	return &api.OpTime{TS: api.NewClusterTime(secs, 0), Term: 1}
}

func TestDonorStateDocValidation(t *testing.T) {
	cases := []struct {
		name string
		doc  api.DonorStateDoc
		ok   bool
	}{
		{"dataSyncClean", api.DonorStateDoc{TenantID: "a", State: api.DonorStateDataSync}, true},
		{"dataSyncWithBlockTS", api.DonorStateDoc{TenantID: "a", State: api.DonorStateDataSync, BlockTimestamp: ts(1)}, false},
		{"blockingWithTS", api.DonorStateDoc{TenantID: "a", State: api.DonorStateBlocking, BlockTimestamp: ts(1)}, true},
		{"blockingWithoutTS", api.DonorStateDoc{TenantID: "a", State: api.DonorStateBlocking}, false},
		{"blockingWithOpTime", api.DonorStateDoc{TenantID: "a", State: api.DonorStateBlocking, BlockTimestamp: ts(1), CommitOrAbortOpTime: opTimePtr(2)}, false},
		{"committedComplete", api.DonorStateDoc{TenantID: "a", State: api.DonorStateCommitted, BlockTimestamp: ts(1), CommitOrAbortOpTime: opTimePtr(2)}, true},
		{"committedMissingOpTime", api.DonorStateDoc{TenantID: "a", State: api.DonorStateCommitted, BlockTimestamp: ts(1)}, false},
		{"abortedWithReason", api.DonorStateDoc{TenantID: "a", State: api.DonorStateAborted, AbortReason: "caller requested"}, true},
		{"abortedWithoutReason", api.DonorStateDoc{TenantID: "a", State: api.DonorStateAborted}, false},
		{"expireAtNonTerminal", func() api.DonorStateDoc {
			exp := time.Unix(2000, 0)
			return api.DonorStateDoc{TenantID: "a", State: api.DonorStateBlocking, BlockTimestamp: ts(1), ExpireAt: &exp}
		}(), false},
		{"missingTenant", api.DonorStateDoc{State: api.DonorStateDataSync}, false},
		{"unknownState", api.DonorStateDoc{TenantID: "a", State: "bogus"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.doc.Validate()
			if tc.ok && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			if !tc.ok && !api.IsCode(err, api.CodeBadValue) {
				t.Fatalf("Validate() = %v, want BadValue", err)
			}
		})
	}
}

func TestDiskStoreRoundTrip(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	ctx := context.Background()

	doc, err := store.Put(ctx, api.DonorStateDoc{
		TenantID:            "tenantA",
		RecipientConnString: "recipientSet/host1:27017",
		State:               api.DonorStateDataSync,
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if doc.ID == "" {
		t.Fatal("Put did not assign an id")
	}

	docs, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(docs) != 1 || docs[0].TenantID != "tenantA" {
		t.Fatalf("List = %+v", docs)
	}

	if err := store.Delete(ctx, doc.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	docs, err = store.List(ctx)
	if err != nil {
		t.Fatalf("List after delete: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("List after delete = %+v", docs)
	}
}

func TestRecoverAccessBlockersReplaysStates(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	ctx := context.Background()
	waiter := NewCommitPointWaiter()
	waiter.AdvanceCommitPoint(api.OpTime{TS: api.NewClusterTime(1000, 0), Term: 1})

	exp := time.Unix(5000, 0)
	seed := []api.DonorStateDoc{
		{TenantID: "syncing", RecipientConnString: "r1", State: api.DonorStateDataSync},
		{TenantID: "blocking", RecipientConnString: "r2", State: api.DonorStateBlocking, BlockTimestamp: ts(100)},
		{TenantID: "committed", RecipientConnString: "r3", State: api.DonorStateCommitted, BlockTimestamp: ts(100), CommitOrAbortOpTime: opTimePtr(101)},
		{TenantID: "aborted", RecipientConnString: "r4", State: api.DonorStateAborted, AbortReason: "gave up", CommitOrAbortOpTime: opTimePtr(101)},
		{TenantID: "collected", RecipientConnString: "r5", State: api.DonorStateAborted, AbortReason: "gave up", ExpireAt: &exp},
	}
	for _, doc := range seed {
		if _, err := store.Put(ctx, doc); err != nil {
			t.Fatalf("Put(%s): %v", doc.TenantID, err)
		}
	}

	reg := NewRegistry(RegistryConfig{Clock: clock.NewManual(time.Unix(1000, 0))})
	err = RecoverAccessBlockers(ctx, RecoveryConfig{
		Store:    store,
		Registry: reg,
		Waiter:   waiter,
		Clock:    clock.NewManual(time.Unix(1000, 0)),
	})
	if err != nil {
		t.Fatalf("RecoverAccessBlockers: %v", err)
	}

	if b := reg.BlockerForTenant("syncing"); b == nil || b.State() != StateAllow {
		t.Fatalf("syncing blocker = %v", b)
	}
	if b := reg.BlockerForTenant("blocking"); b == nil || b.State() != StateBlockWritesAndReads {
		t.Fatalf("blocking blocker state wrong")
	}
	// The commit op-time is already majority-committed, so the committed
	// migration lands in reject.
	if b := reg.BlockerForTenant("committed"); b == nil {
		t.Fatal("committed blocker missing")
	} else {
		waitForState(t, b, StateReject)
	}
	if b := reg.BlockerForTenant("aborted"); b == nil {
		t.Fatal("aborted blocker missing")
	} else {
		waitForState(t, b, StateAborted)
	}
	// Garbage-collected aborted migrations are skipped entirely.
	if b := reg.BlockerForTenant("collected"); b != nil {
		t.Fatal("garbage-collected migration got a blocker")
	}
}

func TestRecoverAccessBlockersRejectsMalformedDoc(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	ctx := context.Background()
	if _, err := store.Put(ctx, api.DonorStateDoc{TenantID: "bad", State: api.DonorStateBlocking}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	reg := NewRegistry(RegistryConfig{Clock: clock.NewManual(time.Unix(1000, 0))})
	err = RecoverAccessBlockers(ctx, RecoveryConfig{
		Store:    store,
		Registry: reg,
		Waiter:   NewCommitPointWaiter(),
		Clock:    clock.NewManual(time.Unix(1000, 0)),
	})
	if !api.IsCode(err, api.CodeBadValue) {
		t.Fatalf("recovery error = %v, want BadValue", err)
	}
}

func TestCommitPointWaiterWakesDueWaits(t *testing.T) {
	w := NewCommitPointWaiter()
	errs := make(chan error, 2)
	go func() {
		errs <- w.WaitUntilMajority(context.Background(), api.OpTime{TS: api.NewClusterTime(10, 0), Term: 1})
	}()
	go func() {
		errs <- w.WaitUntilMajority(context.Background(), api.OpTime{TS: api.NewClusterTime(20, 0), Term: 1})
	}()
	time.Sleep(10 * time.Millisecond)

	w.AdvanceCommitPoint(api.OpTime{TS: api.NewClusterTime(15, 0), Term: 1})
	if err := <-errs; err != nil {
		t.Fatalf("due wait returned %v", err)
	}
	select {
	case err := <-errs:
		t.Fatalf("undue wait returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	w.AdvanceCommitPoint(api.OpTime{TS: api.NewClusterTime(25, 0), Term: 1})
	if err := <-errs; err != nil {
		t.Fatalf("second wait returned %v", err)
	}
}

func TestPollWaiter(t *testing.T) {
	repl := replStub{current: api.OpTime{TS: api.NewClusterTime(10, 0), Term: 1}}
	w := PollWaiter{Repl: repl}

	if err := w.WaitUntilMajority(context.Background(), api.OpTime{TS: api.NewClusterTime(5, 0), Term: 1}); err != nil {
		t.Fatalf("reached op-time: %v", err)
	}
	err := w.WaitUntilMajority(context.Background(), api.OpTime{TS: api.NewClusterTime(15, 0), Term: 1})
	if err != ErrNotYetMajority {
		t.Fatalf("unreached op-time = %v, want ErrNotYetMajority", err)
	}
}

type replStub struct {
	current api.OpTime
}

func (r replStub) MajorityCommitPoint(context.Context) (api.OpTime, error) {
	return r.current, nil
}
