// Command courierd is the courier message broker daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/GoCodeAlone/courier/config"
	"github.com/GoCodeAlone/courier/internal/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "courierd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath  string
		addr        string
		showVersion bool
	)
	flags := pflag.NewFlagSet("courierd", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "path to YAML config file (defaults apply when omitted)")
	flags.StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	flags.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("courierd %s (commit %s, built %s)\n", version.Version, version.Commit, version.BuildDate)
		return nil
	}

	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg.ApplyEnv()
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if cfg.Server.ServerID == "" {
		cfg.Server.ServerID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting courierd",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
		slog.String("server_id", cfg.Server.ServerID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()

	if err := d.run(ctx); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
