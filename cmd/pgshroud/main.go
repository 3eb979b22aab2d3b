// Command pgshroud is the proxy's single binary entry point: it parses
// ADDRESS/SERVER/CONFIG_FILE/METRICS_ADDRESS from the environment, wires the
// masking config (with optional hot reload), the Prometheus metrics HTTP
// server, and the accept loop, then waits for SIGINT/SIGTERM to drain
// connections and exit cleanly.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pgshroud/pgshroud/internal/config"
	"github.com/pgshroud/pgshroud/internal/mask"
	"github.com/pgshroud/pgshroud/internal/metrics"
	"github.com/pgshroud/pgshroud/internal/server"
)

const (
	defaultAddress        = "0.0.0.0:30000"
	defaultMetricsAddress = "0.0.0.0:9090"
	defaultMaxConnections = 1024
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("pgshroud starting...")

	address := envOrDefault("ADDRESS", defaultAddress)
	backendAddr := os.Getenv("SERVER")
	if backendAddr == "" {
		log.Fatalf("SERVER environment variable is required")
	}
	configFile := os.Getenv("CONFIG_FILE")
	metricsAddress := envOrDefault("METRICS_ADDRESS", defaultMetricsAddress)

	cfg := mask.Config{Strategy: mask.StrategyCaviar, CaviarLength: mask.DefaultCaviarLength}
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			log.Fatalf("loading config file %s: %v", configFile, err)
		}
		cfg = loaded
		log.Printf("masking configuration loaded from %s", configFile)
	}

	m := metrics.New()
	srv := server.New(address, backendAddr, defaultMaxConnections, m, cfg)

	var watcher *config.Watcher
	if configFile != "" {
		w, err := config.NewWatcher(configFile,
			func(newCfg mask.Config) {
				srv.SetMaskingConfig(newCfg)
				m.ConfigReloaded(true)
			},
			func(error) { m.ConfigReloaded(false) },
		)
		if err != nil {
			log.Printf("warning: config hot-reload not available: %v", err)
		} else {
			watcher = w
		}
	}

	metricsSrv := &http.Server{Addr: metricsAddress}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	metricsSrv.Handler = mux
	go func() {
		log.Printf("metrics listening on %s", metricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.ListenAndServe(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal %s, shutting down...", sig)
		cancel()
		if watcher != nil {
			watcher.Stop()
		}
		<-serveErrCh
	case err := <-serveErrCh:
		if err != nil {
			log.Printf("accept loop exited: %v", err)
		}
		cancel()
		if watcher != nil {
			watcher.Stop()
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown: %v", err)
	}

	log.Printf("pgshroud stopped")
}

func envOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
