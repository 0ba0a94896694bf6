package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"
	"pkt.systems/shardd"
	"pkt.systems/shardd/internal/migration"
)

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("SHARDD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "shardd")

	cmd := newRootCommand(logger)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(logger pslog.Logger) *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:           "shardd",
		Short:         "Routing-node transaction core for a sharded, replicated database",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, v, logger)
		},
	}

	flags := root.Flags()
	flags.String("config", "", "config file (yaml)")
	flags.String("listen", shardd.DefaultListen, "admin listen endpoint")
	flags.String("metrics-listen", shardd.DefaultMetricsListen, "prometheus scrape endpoint (empty disables)")
	flags.String("pprof-listen", shardd.DefaultPprofListen, "pprof listen endpoint (empty disables)")
	flags.String("otlp-endpoint", "", "otlp trace endpoint (grpc:// or http(s)://, empty disables)")
	flags.String("statedoc-dir", shardd.DefaultStateDocDir, "donor migration state document directory")
	flags.Bool("watch-statedocs", true, "re-run blocker recovery when state documents change")
	flags.StringToString("shard", nil, "shard table entries, id=host:port (repeatable)")
	flags.Int("slow-txn-ms", shardd.DefaultSlowTransactionThresholdMS, "slow transaction log threshold in milliseconds")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("SHARDD")
	v.AutomaticEnv()

	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print an example configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return shardd.WriteExampleConfig(cmd.OutOrStdout())
		},
	})

	return root
}

// changedFlags lists the flags the caller set explicitly, for the startup
// log line.
func changedFlags(flags *pflag.FlagSet) []string {
	var out []string
	flags.Visit(func(f *pflag.Flag) {
		out = append(out, f.Name)
	})
	return out
}

func runServe(cmd *cobra.Command, v *viper.Viper, logger pslog.Logger) error {
	ctx := cmd.Context()
	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}

	cfg := shardd.Config{
		Listen:                   v.GetString("listen"),
		MetricsListen:            v.GetString("metrics-listen"),
		PprofListen:              v.GetString("pprof-listen"),
		OTLPEndpoint:             v.GetString("otlp-endpoint"),
		StateDocDir:              v.GetString("statedoc-dir"),
		WatchStateDocs:           v.GetBool("watch-statedocs"),
		Shards:                   v.GetStringMapString("shard"),
		SlowTransactionThreshold: time.Duration(v.GetInt("slow-txn-ms")) * time.Millisecond,
		Logger:                   logger,
	}

	// This command wires the externally-driven CommitPointWaiter. Nothing
	// in it calls AdvanceCommitPoint, so a blocker Commit or Abort here
	// waits for majority until shutdown. migration.PollWaiter is the
	// driver that polls a replication collaborator instead.
	waiter := migration.NewCommitPointWaiter()

	srv, err := shardd.NewServer(cfg, waiter)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := srv.Start(ctx); err != nil {
		return err
	}
	logger.Info("shardd.started",
		"listen", cfg.Listen,
		"shards", len(cfg.Shards),
		"started", humanize.Time(start),
		"flags", changedFlags(cmd.Flags()),
	)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shardd.DefaultShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
