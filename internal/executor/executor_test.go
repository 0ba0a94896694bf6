package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/shardd/api"
	"pkt.systems/shardd/internal/clock"
)

func newTestExecutor(t testing.TB, mock *Mock) (*Executor, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Unix(1000, 0))
	exec := New(Config{
		Resolver: StaticResolver{
			"shard1": {Host: "shard1:27018"},
			"shard2": {Host: "shard2:27018"},
			"shard3": {Host: "shard3:27018"},
		},
		Transport: mock,
		Clock:     clk,
	})
	return exec, clk
}

func TestRunResolvesAndDispatches(t *testing.T) {
	mock := NewMock()
	mock.ExpectResponse(api.OKResponse())
	exec, _ := newTestExecutor(t, mock)

	resp, err := exec.Run(context.Background(), "shard1", api.AdminDB, api.CmdAbortTransaction, api.Body{api.CmdAbortTransaction: 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !resp.OK() {
		t.Fatalf("response not ok: %v", resp)
	}
	reqs := mock.Requests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	if reqs[0].Target.Host != "shard1:27018" {
		t.Fatalf("target = %q, want shard1:27018", reqs[0].Target.Host)
	}
	if reqs[0].DB != "admin" {
		t.Fatalf("db = %q, want admin", reqs[0].DB)
	}
}

func TestRunUnknownShard(t *testing.T) {
	exec, _ := newTestExecutor(t, NewMock())
	_, err := exec.Run(context.Background(), "magicShard", api.AdminDB, api.CmdCoordinateCommitTransaction, api.Body{})
	if !api.IsCode(err, api.CodeShardNotFound) {
		t.Fatalf("err = %v, want ShardNotFound", err)
	}
}

func TestRunIdempotentRetriesTransientErrors(t *testing.T) {
	mock := NewMock()
	mock.ExpectError(api.Failure{Code: api.CodeHostUnreachable, Detail: "conn refused"})
	mock.ExpectError(api.Failure{Code: api.CodeNetworkTimeout, Detail: "read timeout"})
	mock.ExpectResponse(api.OKResponse())
	exec, clk := newTestExecutor(t, mock)

	done := make(chan struct{})
	var resp api.Body
	var err error
	go func() {
		defer close(done)
		resp, err = exec.RunIdempotent(context.Background(), "shard1", api.AdminDB, api.CmdAbortTransaction, api.Body{api.CmdAbortTransaction: 1})
	}()
	// Two backoff sleeps separate the three attempts.
	for i := 0; i < 2; i++ {
		for j := 0; clk.Waiters() == 0 && j < 1000; j++ {
			time.Sleep(time.Millisecond)
		}
		clk.Advance(time.Second)
	}
	<-done
	if err != nil {
		t.Fatalf("RunIdempotent: %v", err)
	}
	if !resp.OK() {
		t.Fatalf("response not ok: %v", resp)
	}
	if got := len(mock.Requests()); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestRunIdempotentGivesUpAfterThreeAttempts(t *testing.T) {
	mock := NewMock()
	for i := 0; i < 3; i++ {
		mock.ExpectError(api.Failure{Code: api.CodeHostUnreachable, Detail: "down"})
	}
	exec, clk := newTestExecutor(t, mock)

	done := make(chan error, 1)
	go func() {
		_, err := exec.RunIdempotent(context.Background(), "shard1", api.AdminDB, api.CmdAbortTransaction, api.Body{api.CmdAbortTransaction: 1})
		done <- err
	}()
	for i := 0; i < 2; i++ {
		for j := 0; clk.Waiters() == 0 && j < 1000; j++ {
			time.Sleep(time.Millisecond)
		}
		clk.Advance(time.Second)
	}
	err := <-done
	if !api.IsCode(err, api.CodeHostUnreachable) {
		t.Fatalf("err = %v, want HostUnreachable", err)
	}
	if got := len(mock.Requests()); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestRunIdempotentDoesNotRetryCancellation(t *testing.T) {
	mock := NewMock()
	ctx, cancel := context.WithCancel(context.Background())
	mock.Expect(func(Request) (api.Body, error) {
		cancel()
		return nil, ctx.Err()
	})
	exec, _ := newTestExecutor(t, mock)

	_, err := exec.RunIdempotent(ctx, "shard1", api.AdminDB, api.CmdAbortTransaction, api.Body{api.CmdAbortTransaction: 1})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got := len(mock.Requests()); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
}

func TestRunOnAllPreservesOrder(t *testing.T) {
	mock := NewMock()
	for i := 0; i < 3; i++ {
		mock.Expect(func(req Request) (api.Body, error) {
			return api.Body{"ok": 1, "shard": req.ShardID}, nil
		})
	}
	exec, _ := newTestExecutor(t, mock)

	results := exec.RunOnAll(context.Background(), []string{"shard1", "shard2", "shard3"}, api.AdminDB, api.CmdCommitTransaction, func(string) api.Body {
		return api.Body{api.CmdCommitTransaction: 1}
	})
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	for i, want := range []string{"shard1", "shard2", "shard3"} {
		if results[i].ShardID != want {
			t.Fatalf("results[%d].ShardID = %q, want %q", i, results[i].ShardID, want)
		}
		if results[i].Err != nil || results[i].Response["shard"] != want {
			t.Fatalf("results[%d] mismatched response: %+v", i, results[i])
		}
	}
}
