package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/torrentstats/internal/agent"
	"github.com/ethpandaops/torrentstats/internal/version"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "torrentstats",
		Short: "Multi-resolution transfer statistics for a torrent client",
		Long: `torrentstats runs a torrent client and samples its transfer rates,
peer counts and DHT state every tick, keeping a rolling history at
several resolutions. Lifetime transfer totals persist across restarts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	cmd.Flags().StringVar(
		&cfgFile, "config", "",
		"path to config file (required)",
	)
	cmd.Flags().StringVar(
		&logLevel, "log-level", "",
		"override log level (debug, info, warn, error)",
	)

	if err := cmd.MarkFlagRequired("config"); err != nil {
		fmt.Fprintf(os.Stderr, "error marking flag required: %v\n", err)
		os.Exit(1)
	}

	cmd.AddCommand(versionCmd(), migrateCmd(), queryCmd())

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.FullWithPlatform())
		},
	}
}

func newLogger(level string) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", level, err)
	}

	log.SetLevel(lvl)

	return log, nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := agent.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// CLI flag overrides config file.
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	a, err := agent.New(log, cfg)
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}

	log.WithField("version", version.Full()).Info("Starting torrentstats agent")

	if err := a.Start(ctx); err != nil {
		if stopErr := a.Stop(); stopErr != nil {
			log.WithError(stopErr).Error("Error during shutdown")
		}

		return fmt.Errorf("starting agent: %w", err)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case <-hup:
			log.Info("Reloading settings")

			if err := a.Reload(ctx); err != nil {
				log.WithError(err).Error("Reload failed")
			}
		}
	}

	log.Info("Shutting down torrentstats agent")

	if err := a.Stop(); err != nil {
		log.WithError(err).Error("Error during shutdown")
		return fmt.Errorf("stopping agent: %w", err)
	}

	log.Info("Shutdown complete")

	return nil
}
