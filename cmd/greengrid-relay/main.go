package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/noz-co-id/Greengrid-telco/internal/config"
	"github.com/noz-co-id/Greengrid-telco/internal/observe"
	"github.com/noz-co-id/Greengrid-telco/internal/pipeline"

	"golang.org/x/sync/errgroup"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// These can be overridden at build time using -ldflags:
//
//	-ldflags="-X main.version=$(git describe --tags --dirty --always) -X main.commit=$(git rev-parse --short HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// -------- flags & env --------
	var (
		cfgPath     = flag.String("config", envOr("GREENGRID_CONFIG", "config.yaml"), "Path to the config YAML")
		roleList    = flag.String("role", envOr("GREENGRID_ROLE", "all"), "Roles to run: edge, router, ingestor or all (comma separated)")
		metricsAddr = flag.String("metrics.addr", envOr("GREENGRID_METRICS_ADDR", ":9090"), "Prometheus metrics HTTP listen address")
		pprofAddr   = flag.String("pprof.addr", envOr("GREENGRID_PPROF_ADDR", ""), "pprof HTTP listen address (disabled if empty)")
		logTime     = flag.Bool("log.timestamps", true, "Include timestamps in log output")
	)
	flag.Parse()

	if *logTime {
		log.SetFlags(log.LstdFlags | log.Lmsgprefix)
	} else {
		log.SetFlags(0)
	}
	log.Printf("greengrid-relay %s (commit %s, built %s)", version, commit, date)

	// -------- load config --------
	roles, err := pipeline.ParseRoles(*roleList)
	if err != nil {
		log.Fatalf("bad -role: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("loaded config from %s with %d site(s), %d exporter(s)", *cfgPath, len(cfg.Sites), len(cfg.Ingestor.Exporters))

	// -------- root context & signals --------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// -------- metrics & health servers --------
	ready := &atomic.Bool{}
	rec := observe.NewPrometheus(prometheus.DefaultRegisterer)

	metricsSrv := &http.Server{
		Addr:              *metricsAddr,
		Handler:           setupMetricsMux(ready),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("metrics: listening on %s", *metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics: server error: %v", err)
		}
	}()

	if *pprofAddr != "" {
		go func() {
			pp := &http.Server{Addr: *pprofAddr, Handler: pprofMux(), ReadHeaderTimeout: 5 * time.Second}
			log.Printf("pprof: listening on %s", *pprofAddr)
			if err := pp.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("pprof: server error: %v", err)
			}
		}()
	}

	// -------- run roles (blocking until ctx done) --------
	var g errgroup.Group

	g.Go(func() error {
		ready.Store(true)
		if err := pipeline.BuildAndRun(ctx, cfg, roles, rec); err != nil {
			cancel()
			return fmt.Errorf("pipeline: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		select {
		case s := <-sigCh:
			log.Printf("signal received: %s, shutting down", s)
			cancel()
		case <-ctx.Done():
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		ready.Store(false)
		shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shCancel()
		if err := metricsSrv.Shutdown(shCtx); err != nil {
			log.Printf("metrics: shutdown error: %v", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Printf("shutdown with error: %v", err)
		os.Exit(1)
	}
	log.Printf("shutdown complete")
}

// setupMetricsMux registers Prometheus /metrics plus simple health endpoints.
func setupMetricsMux(ready *atomic.Bool) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	// Readiness: once the roles are started, return 200
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		http.Error(w, "not ready", http.StatusServiceUnavailable)
	})
	return mux
}

func pprofMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
