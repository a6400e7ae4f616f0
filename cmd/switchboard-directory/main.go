// Command switchboard-directory serves the shared agent directory that
// switchboard nodes discover agents from and register them with.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/casualjim/switchboard/config"
	"github.com/casualjim/switchboard/internal/directory"
	"github.com/casualjim/switchboard/internal/server"
	"github.com/casualjim/switchboard/pkg/slogx"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("directory stopped", slogx.Error(err))
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("switchboard-directory", pflag.ContinueOnError)
	envFiles := flags.StringSlice("env-file", nil, "dotenv files to load before the environment (default .env)")
	addr := flags.String("addr", ":8000", "listen address")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*envFiles...)
	if err != nil {
		return err
	}
	level, _ := cfg.Level()
	slog.SetDefault(slog.New(slogx.NewHandler(os.Stderr, cfg.LogFormat, level)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dir := directory.New(directory.WithTTL(cfg.TTL()))
	go dir.Run(ctx, cfg.SweepEvery())

	slog.Info("directory started", slog.String("addr", *addr), slog.Duration("ttl", dir.TTL()))
	return server.ListenAndServe(ctx, *addr, directory.Handler(dir))
}
