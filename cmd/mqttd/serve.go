package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/riftmq/riftmq/auth"
	"github.com/riftmq/riftmq/broker"
)

// runServe builds a Broker from cfg and runs it until SIGINT/SIGTERM, then
// drains connections and returns. Startup failures (bad auth service name,
// a port already in use) are runtime errors (exit code 2); cfg itself was
// already validated by validateSettings before this is called.
func runServe(cfg *settings) error {
	log := newLogger(cfg)

	authenticator, err := auth.NewRegistry().Build(cfg.AuthService, nil)
	if err != nil {
		return &exitError{code: 2, err: fmt.Errorf("building authenticator %q: %w", cfg.AuthService, err)}
	}

	brokerCfg := cfg.toBrokerConfig()
	br, err := broker.New(brokerCfg, authenticator, log)
	if err != nil {
		return &exitError{code: 2, err: fmt.Errorf("constructing broker: %w", err)}
	}

	if cfg.SentryDSN != "" {
		reporter, flush, err := newSentryReporter(cfg.SentryDSN, version)
		if err != nil {
			return &exitError{code: 2, err: fmt.Errorf("initializing Sentry: %w", err)}
		}
		defer flush()
		br.SetErrorReporter(reporter)
	}

	var metricsServer *http.Server
	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", br.MetricsHandler())
		metricsServer = &http.Server{Addr: cfg.MetricsAddress, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server stopped", "err", err)
			}
		}()
	}

	if err := br.Start(); err != nil {
		return &exitError{code: 2, err: fmt.Errorf("starting broker: %w", err)}
	}
	log.Info("broker listening", "address", brokerCfg.ListenAddress)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if metricsServer != nil {
		_ = metricsServer.Shutdown(ctx)
	}
	if err := br.Stop(ctx); err != nil {
		return &exitError{code: 2, err: fmt.Errorf("stopping broker: %w", err)}
	}
	return nil
}
