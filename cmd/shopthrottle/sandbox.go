package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/AlexKimmel/shopthrottle/internal/config"
	"github.com/AlexKimmel/shopthrottle/internal/obs"
	"github.com/AlexKimmel/shopthrottle/internal/sandbox"
)

func newSandboxCmd(f *rootFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Run a local remote that throttles like the real one",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := f.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			srv, _, err := startSandbox(cfg, logger, cfg.Server.Addr)
			if err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			<-stop

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				logger.Error().Err(err).Msg("graceful shutdown failed")
			}
			logger.Info().Msg("bye")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	return cmd
}

// startSandbox serves the sandbox on addr and returns the bound address.
func startSandbox(cfg *config.Root, logger zerolog.Logger, addr string) (*http.Server, string, error) {
	reg := prometheus.NewRegistry()
	metrics := obs.NewMetrics(reg)
	sb := sandbox.New(cfg.Sandbox.Config(cfg.Server.MaxBody(), logger, metrics))

	mux := http.NewServeMux()
	if p := cfg.Observability.PrometheusPath; p != "" {
		mux.Handle(p, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", sb.Handler())

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", err
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout(),
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
	}
	srv.RegisterOnShutdown(func() { _ = sb.Close() })

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("sandbox server error")
		}
	}()

	bound := ln.Addr().String()
	logger.Info().
		Str("addr", bound).
		Int("tokens", len(cfg.Sandbox.Tokens)).
		Msg("sandbox listening")
	return srv, bound, nil
}
