package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vmirz/kaspr/modules/scheduler"
	"github.com/vmirz/kaspr/pkg/util/log"
)

// App wires configuration into running services and owns their lifecycle.
type App struct {
	cfg Config

	scheduler  *scheduler.Manager
	svcManager *services.Manager
	httpServer *http.Server
}

func New(cfg Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg}

	if cfg.Scheduler.Enabled {
		schedCfg := cfg.Scheduler
		schedCfg.TopicPrefix = cfg.TopicPrefix

		monitor := scheduler.NewPrometheusMonitor(prometheus.DefaultRegisterer)
		mgr, err := scheduler.NewManager(schedCfg, cfg.Kafka, monitor, prometheus.DefaultRegisterer, log.Logger)
		if err != nil {
			return nil, fmt.Errorf("building scheduler: %w", err)
		}
		a.scheduler = mgr
	}

	return a, nil
}

// Run starts every service and blocks until a signal or a service failure.
func (a *App) Run() error {
	var svcs []services.Service
	if a.scheduler != nil {
		svcs = append(svcs, a.scheduler)
	}
	if len(svcs) == 0 {
		return fmt.Errorf("nothing to run: scheduler is disabled")
	}

	sm, err := services.NewManager(svcs...)
	if err != nil {
		return fmt.Errorf("creating service manager: %w", err)
	}
	a.svcManager = sm

	a.startHTTPServer()

	ctx := context.Background()
	if err := services.StartManagerAndAwaitHealthy(ctx, sm); err != nil {
		return fmt.Errorf("starting services: %w", err)
	}
	level.Info(log.Logger).Log("msg", "kaspr running")

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)

	failCh := make(chan struct{}, 1)
	sm.AddListener(services.NewManagerListener(nil, nil, func(_ services.Service) {
		select {
		case failCh <- struct{}{}:
		default:
		}
	}))

	select {
	case sig := <-stopCh:
		level.Info(log.Logger).Log("msg", "received signal, shutting down", "signal", sig.String())
	case <-failCh:
		level.Error(log.Logger).Log("msg", "service failed, shutting down")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	sm.StopAsync()
	if err := sm.AwaitStopped(stopCtx); err != nil {
		return fmt.Errorf("stopping services: %w", err)
	}
	if a.httpServer != nil {
		_ = a.httpServer.Shutdown(stopCtx)
	}
	return nil
}

func (a *App) startHTTPServer() {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/ready", a.readyHandler)
	router.HandleFunc("/scheduler/status", a.schedulerStatusHandler)

	addr := net.JoinHostPort(a.cfg.HTTPListenAddress, strconv.Itoa(a.cfg.HTTPListenPort))
	a.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		level.Info(log.Logger).Log("msg", "admin http listening", "addr", addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			level.Error(log.Logger).Log("msg", "admin http server failed", "err", err)
		}
	}()
}

func (a *App) readyHandler(w http.ResponseWriter, _ *http.Request) {
	if a.svcManager == nil || !a.svcManager.IsHealthy() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (a *App) schedulerStatusHandler(w http.ResponseWriter, _ *http.Request) {
	if a.scheduler == nil {
		http.Error(w, "scheduler disabled", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(a.scheduler.CheckpointsTable() + "\n\n" + a.scheduler.StatsTable() + "\n"))
}
