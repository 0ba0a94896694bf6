// Package executor dispatches named commands to shard primaries and owns
// the retry policy for them. Transport is pluggable; the production
// transport speaks JSON over HTTP, tests script a mock.
package executor

import (
	"context"
	"errors"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/shardd/api"
	"pkt.systems/shardd/internal/clock"
	"pkt.systems/shardd/internal/loggingutil"
)

// Endpoint addresses a shard primary.
type Endpoint struct {
	Host string
}

// ShardResolver maps a shard id to its primary endpoint. Routing table
// maintenance is an external collaborator; the executor only looks up.
type ShardResolver interface {
	Resolve(ctx context.Context, shardID string) (Endpoint, error)
}

// Request is one command dispatch to a shard.
type Request struct {
	ShardID string
	Target  Endpoint
	DB      string
	// Command is the command name, which also appears as a key in Body.
	Command string
	Body    api.Body
}

// Transport delivers a request to its target and returns the command-level
// response. A returned error is a transport-level failure: the command may
// or may not have reached the shard.
type Transport interface {
	Send(ctx context.Context, req Request) (api.Body, error)
}

// Result pairs a fan-out response with the shard that produced it.
type Result struct {
	ShardID  string
	Response api.Body
	Err      error
}

const (
	idempotentAttempts = 3
	retryBackoffStart  = 50 * time.Millisecond
)

// Executor sends commands to shards.
type Executor struct {
	resolver  ShardResolver
	transport Transport
	clock     clock.Clock
	logger    pslog.Logger
}

// Config collects Executor dependencies.
type Config struct {
	Resolver  ShardResolver
	Transport Transport
	Clock     clock.Clock
	Logger    pslog.Logger
}

// New constructs an Executor.
func New(cfg Config) *Executor {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Executor{
		resolver:  cfg.Resolver,
		transport: cfg.Transport,
		clock:     clk,
		logger:    loggingutil.EnsureLogger(cfg.Logger),
	}
}

// Run dispatches one command with no retries. Transport errors surface
// unchanged.
func (e *Executor) Run(ctx context.Context, shardID, db, command string, body api.Body) (api.Body, error) {
	target, err := e.resolver.Resolve(ctx, shardID)
	if err != nil {
		return nil, err
	}
	req := Request{ShardID: shardID, Target: target, DB: db, Command: command, Body: body}
	resp, err := e.transport.Send(ctx, req)
	if err != nil {
		e.logger.Debug("executor.send.transport_error",
			"shard", shardID,
			"command", command,
			"error", err,
		)
		return nil, err
	}
	return resp, nil
}

// RunIdempotent dispatches a command that is safe to re-send, retrying
// transient transport failures up to three attempts with a short backoff.
// Cancellation is never retried.
func (e *Executor) RunIdempotent(ctx context.Context, shardID, db, command string, body api.Body) (api.Body, error) {
	var lastErr error
	backoff := retryBackoffStart
	for attempt := 1; attempt <= idempotentAttempts; attempt++ {
		resp, err := e.Run(ctx, shardID, db, command, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !Transient(err) || ctx.Err() != nil {
			return nil, err
		}
		if attempt < idempotentAttempts {
			e.logger.Debug("executor.send.retry",
				"shard", shardID,
				"command", command,
				"attempt", attempt,
				"error", err,
			)
			select {
			case <-e.clock.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}
	}
	return nil, lastErr
}

// RunOnAll fans a command out to every shard in parallel and returns the
// results in the callers' order. buildBody is invoked once per shard.
func (e *Executor) RunOnAll(ctx context.Context, shardIDs []string, db, command string, buildBody func(shardID string) api.Body) []Result {
	results := make([]Result, len(shardIDs))
	done := make(chan int, len(shardIDs))
	for i, id := range shardIDs {
		go func(i int, id string) {
			resp, err := e.Run(ctx, id, db, command, buildBody(id))
			results[i] = Result{ShardID: id, Response: resp, Err: err}
			done <- i
		}(i, id)
	}
	for range shardIDs {
		<-done
	}
	return results
}

// Transient reports whether err is a transport-class failure worth
// retrying for an idempotent command.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var f api.Failure
	if errors.As(err, &f) {
		return f.Code.IsRetryable()
	}
	// Errors the transport could not classify (dial failures, resets) are
	// treated as transient.
	return true
}

// StaticResolver resolves shards from a fixed table. The routing-node
// collaborator that maintains the live table satisfies ShardResolver the
// same way.
type StaticResolver map[string]Endpoint

// Resolve implements ShardResolver.
func (r StaticResolver) Resolve(_ context.Context, shardID string) (Endpoint, error) {
	ep, ok := r[shardID]
	if !ok {
		return Endpoint{}, api.Failure{
			Code:   api.CodeShardNotFound,
			Detail: "shard " + shardID + " not found",
		}
	}
	return ep, nil
}
