// Command relayd is the chat relay daemon: it accepts TCP connections,
// authenticates each with a shared-secret JWT, and fans messages and file
// transfers out between connected clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/relaycore/internal/adminhttp"
	"github.com/ashureev/relaycore/internal/config"
	"github.com/ashureev/relaycore/internal/relay"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	logLevel := new(slog.LevelVar) // Info by default
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	app := &cli.App{
		Name:  "relayd",
		Usage: "TCP chat relay daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "port",
				Aliases:     []string{"p"},
				Usage:       "TCP port to listen on",
				Value:       cfg.Port,
				Destination: &cfg.Port,
				EnvVars:     []string{"PORT"},
			},
			&cli.StringFlag{
				Name:        "admin-port",
				Usage:       "HTTP port for health/status probes",
				Value:       cfg.AdminPort,
				Destination: &cfg.AdminPort,
				EnvVars:     []string{"ADMIN_PORT"},
			},
			&cli.StringFlag{
				Name:        "history-api-base",
				Usage:       "Base URL of the external message history service",
				Value:       cfg.HistoryBase,
				Destination: &cfg.HistoryBase,
				EnvVars:     []string{"HISTORY_API_BASE"},
			},
			&cli.BoolFlag{
				Name:        "dev",
				Usage:       "Enable verbose development logging",
				Value:       cfg.Dev,
				Destination: &cfg.Dev,
			},
		},
		Action: func(c *cli.Context) error {
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if cfg.Dev {
				logLevel.Set(slog.LevelDebug)
			}
			return serve(cfg)
		},
	}

	return app.Run(args)
}

func serve(cfg *config.Config) error {
	slog.Info("starting relayd", "port", cfg.Port, "admin_port", cfg.AdminPort, "dev", cfg.Dev)

	srv := relay.NewServer(cfg)

	listener, err := relay.NewListener(srv, ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("bind relay listener: %w", err)
	}

	admin := adminhttp.New(":"+cfg.AdminPort, srv.Registry, srv.Coordinator)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("relay listening", "addr", listener.Addr().String())
		return listener.Serve(gctx)
	})

	g.Go(func() error {
		srv.Coordinator.RunWatchdog(gctx, cfg.TransferSweep, relay.TimeoutNotifier(srv))
		return nil
	})

	g.Go(func() error {
		slog.Info("admin http listening", "addr", ":"+cfg.AdminPort)
		if err := admin.ListenAndServe(); err != nil && !isServerClosed(err) {
			return fmt.Errorf("admin http: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := admin.Shutdown(shutdownCtx); err != nil {
			slog.Warn("admin http shutdown error", "error", err)
		}
		return nil
	})

	slog.Info("relayd started")
	err = g.Wait()
	slog.Info("relayd stopped")
	return err
}

func isServerClosed(err error) bool {
	return errors.Is(err, http.ErrServerClosed)
}
