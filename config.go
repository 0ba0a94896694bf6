package shardd

import (
	"fmt"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/shardd/internal/clock"
)

const (
	// DefaultListen is the default TCP endpoint the admin server binds to.
	DefaultListen = ":9351"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus
	// scrape). Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultStateDocDir is where donor migration state documents live.
	DefaultStateDocDir = "migrations"
	// DefaultSlowTransactionThresholdMS flags transactions slower than this
	// for the slow-transaction log.
	DefaultSlowTransactionThresholdMS = 100
	// DefaultShutdownTimeout caps how long Shutdown waits for the HTTP
	// server to drain.
	DefaultShutdownTimeout = 10 * time.Second
)

// Config drives Server construction. The zero value plus Normalize yields
// a working single-node configuration with an empty shard table.
type Config struct {
	// Listen is the admin/diagnostics endpoint (host:port).
	Listen string
	// MetricsListen exposes the Prometheus scrape endpoint when non-empty.
	MetricsListen string
	// PprofListen exposes net/http/pprof when non-empty.
	PprofListen string
	// OTLPEndpoint enables trace export when non-empty. Schemes grpc://,
	// http:// and https:// select the exporter protocol.
	OTLPEndpoint string

	// Shards maps shard ids to the host:port of each shard's primary.
	Shards map[string]string

	// StateDocDir is the donor state document directory.
	StateDocDir string
	// WatchStateDocs re-runs access blocker recovery when the statedoc
	// directory changes.
	WatchStateDocs bool

	// SlowTransactionThreshold overrides the slow-transaction log
	// threshold; zero uses the default.
	SlowTransactionThreshold time.Duration
	// ShutdownTimeout caps graceful shutdown; zero uses the default.
	ShutdownTimeout time.Duration

	// Logger receives structured logs; nil disables logging.
	Logger pslog.Logger
	// Clock overrides wall time, for tests. Nil uses the real clock.
	Clock clock.Clock
}

// Normalize fills defaults in place.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.StateDocDir == "" {
		c.StateDocDir = DefaultStateDocDir
	}
	if c.SlowTransactionThreshold == 0 {
		c.SlowTransactionThreshold = DefaultSlowTransactionThresholdMS * time.Millisecond
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen endpoint required")
	}
	for id, host := range c.Shards {
		if id == "" {
			return fmt.Errorf("shard table contains an empty shard id")
		}
		if host == "" {
			return fmt.Errorf("shard %q has no primary endpoint", id)
		}
	}
	return nil
}
