package executor

import (
	"context"
	"fmt"
	"sync"

	"pkt.systems/shardd/api"
)

// Handler scripts one expected dispatch on the mock transport.
type Handler func(req Request) (api.Body, error)

// Mock is a scriptable Transport for tests. Handlers are consumed in FIFO
// order, one per dispatch, and every request is recorded. Parallel fan-out
// may deliver requests in any order, so handlers that serve fan-outs match
// on the request rather than assuming a target.
type Mock struct {
	mu       sync.Mutex
	handlers []Handler
	requests []Request
}

// NewMock constructs an empty mock transport.
func NewMock() *Mock {
	return &Mock{}
}

// Expect appends a scripted handler.
func (m *Mock) Expect(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// ExpectResponse appends a handler that returns resp for any request.
func (m *Mock) ExpectResponse(resp api.Body) {
	m.Expect(func(Request) (api.Body, error) {
		return resp, nil
	})
}

// ExpectError appends a handler that fails the dispatch at transport level.
func (m *Mock) ExpectError(err error) {
	m.Expect(func(Request) (api.Body, error) {
		return nil, err
	})
}

// Send implements Transport.
func (m *Mock) Send(_ context.Context, req Request) (api.Body, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	if len(m.handlers) == 0 {
		m.mu.Unlock()
		return nil, fmt.Errorf("unexpected %s to shard %s: no handler scripted", req.Command, req.ShardID)
	}
	h := m.handlers[0]
	m.handlers = m.handlers[1:]
	m.mu.Unlock()
	return h(req)
}

// Requests returns a snapshot of every recorded dispatch.
func (m *Mock) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Pending returns the number of unconsumed handlers. Tests assert zero.
func (m *Mock) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers)
}
