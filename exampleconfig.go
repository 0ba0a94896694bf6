package shardd

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML shape of a shardd configuration file. Keys match
// the corresponding command-line flags so the same names work in both
// places.
type FileConfig struct {
	Listen         string            `yaml:"listen"`
	MetricsListen  string            `yaml:"metrics-listen,omitempty"`
	PprofListen    string            `yaml:"pprof-listen,omitempty"`
	OTLPEndpoint   string            `yaml:"otlp-endpoint,omitempty"`
	StateDocDir    string            `yaml:"statedoc-dir"`
	WatchStateDocs bool              `yaml:"watch-statedocs"`
	Shards         map[string]string `yaml:"shard,omitempty"`
	SlowTxnMS      int64             `yaml:"slow-txn-ms"`
}

// FileConfig renders the runtime configuration back into its file shape.
func (c Config) FileConfig() FileConfig {
	normalized := c
	normalized.Normalize()
	return FileConfig{
		Listen:         normalized.Listen,
		MetricsListen:  normalized.MetricsListen,
		PprofListen:    normalized.PprofListen,
		OTLPEndpoint:   normalized.OTLPEndpoint,
		StateDocDir:    normalized.StateDocDir,
		WatchStateDocs: normalized.WatchStateDocs,
		Shards:         normalized.Shards,
		SlowTxnMS:      normalized.SlowTransactionThreshold.Milliseconds(),
	}
}

// WriteConfig emits cfg as YAML.
func WriteConfig(w io.Writer, cfg Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg.FileConfig()); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

// WriteExampleConfig emits a commented starting-point configuration.
func WriteExampleConfig(w io.Writer) error {
	example := Config{
		MetricsListen: "127.0.0.1:9352",
		Shards: map[string]string{
			"shard1": "shard1.internal:27018",
			"shard2": "shard2.internal:27018",
		},
		WatchStateDocs: true,
	}
	if _, err := io.WriteString(w, "# shardd configuration\n"); err != nil {
		return err
	}
	return WriteConfig(w, example)
}
