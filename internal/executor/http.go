package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"pkt.systems/shardd/api"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPTransport delivers commands as JSON POSTs to shard primaries:
// POST http://<host>/v1/cmd/<db> with the command body as the payload.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport constructs the production transport. A nil client gets
// a default with a sane timeout.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPTransport{client: client}
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, req Request) (api.Body, error) {
	payload, err := json.Marshal(req.Body)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", req.Command, err)
	}
	url := fmt.Sprintf("http://%s/v1/cmd/%s", req.Target.Host, req.DB)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, api.Failure{Code: api.CodeHostUnreachable, Detail: err.Error()}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusServiceUnavailable:
		return nil, api.Failure{Code: api.CodeShutdownInProgress, Detail: "shard draining"}
	case http.StatusGatewayTimeout:
		return nil, api.Failure{Code: api.CodeNetworkTimeout, Detail: "shard gateway timeout"}
	default:
		return nil, fmt.Errorf("%s to %s: unexpected status %d", req.Command, req.Target.Host, resp.StatusCode)
	}

	var body api.Body
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, api.Failure{Code: api.CodeNetworkTimeout, Detail: fmt.Sprintf("decode response: %v", err)}
	}
	return body, nil
}
