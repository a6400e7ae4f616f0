// Command switchboard runs a messaging node: websocket clients, agent
// dispatch and, when SWITCHBOARD_BUS_URL is set, the NATS bus to its peers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/casualjim/switchboard"
	"github.com/casualjim/switchboard/config"
	"github.com/casualjim/switchboard/internal/broker"
	"github.com/casualjim/switchboard/internal/server"
	"github.com/casualjim/switchboard/pkg/natsx"
	"github.com/casualjim/switchboard/pkg/slogx"
	"github.com/casualjim/switchboard/pkg/uuidx"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("switchboard stopped", slogx.Error(err))
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("switchboard", pflag.ContinueOnError)
	envFiles := flags.StringSlice("env-file", nil, "dotenv files to load before the environment (default .env)")
	addr := flags.String("addr", "", "listen address, overrides SWITCHBOARD_HTTP_ADDR")
	name := flags.String("name", "switchboard-"+uuidx.Short(), "client name reported to the bus")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*envFiles...)
	if err != nil {
		return err
	}
	level, _ := cfg.Level()
	slog.SetDefault(slog.New(slogx.NewHandler(os.Stderr, cfg.LogFormat, level)))
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	options := switchboard.FromConfig(cfg)
	if !cfg.LocalOnly() {
		nc, err := natsx.Connect(cfg.BusURL, *name)
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		options = append(options, switchboard.WithTransport(broker.NATS(nc)))
	}

	sb := switchboard.New(options...)
	if err := sb.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := sb.Close(); err != nil {
			slog.Warn("closing switchboard", slogx.Error(err))
		}
	}()

	slog.Info("switchboard started",
		slog.String("addr", cfg.HTTPAddr),
		slog.Bool("local_only", cfg.LocalOnly()),
		slog.String("directory", cfg.DirectoryURL),
	)
	return server.ListenAndServe(ctx, cfg.HTTPAddr, sb.Handler())
}
