package app

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v2"

	"github.com/hindsight-dev/hindsight/modules/compositor"
	"github.com/hindsight-dev/hindsight/modules/distributor"
	"github.com/hindsight-dev/hindsight/modules/enricher"
	"github.com/hindsight-dev/hindsight/modules/ingester"
	"github.com/hindsight-dev/hindsight/modules/querier"
	"github.com/hindsight-dev/hindsight/modules/storage"
	"github.com/hindsight-dev/hindsight/pkg/cdc"
	"github.com/hindsight-dev/hindsight/pkg/state"
	"github.com/hindsight-dev/hindsight/pkg/streamq"
	"github.com/hindsight-dev/hindsight/pkg/util/log"
)

// App is the root datastructure: one process hosting whichever modules the
// target selects, all sharing one redis client, one database and one router.
type App struct {
	cfg Config

	router *mux.Router

	redisClient *redis.Client
	queue       *streamq.Queue
	fanout      *cdc.Fanout
	states      *state.Store

	store       *storage.Store
	distributor *distributor.Distributor
	ingester    *ingester.Ingester
	enricher    *enricher.Enricher
	compositor  *compositor.Compositor
	querier     *querier.Querier

	moduleManager  *modules.Manager
	serviceManager *services.Manager
	serviceMap     map[string]services.Service
	deps           map[string][]string
}

// New makes a new app.
func New(cfg Config) (*App, error) {
	app := &App{
		cfg:    cfg,
		router: mux.NewRouter(),
	}

	if err := app.setupModuleManager(); err != nil {
		return nil, fmt.Errorf("failed to setup module manager: %w", err)
	}

	return app, nil
}

// Run starts, and blocks until a signal is received or a module fails.
func (t *App) Run() error {
	if !t.moduleManager.IsUserVisibleModule(t.cfg.Target) {
		level.Warn(log.Logger).Log("msg", "selected target is an internal module, is this intended?", "target", t.cfg.Target)
	}

	serviceMap, err := t.moduleManager.InitModuleServices(t.cfg.Target)
	if err != nil {
		return fmt.Errorf("failed to init module services: %w", err)
	}
	t.serviceMap = serviceMap

	servs := []services.Service(nil)
	for _, s := range serviceMap {
		servs = append(servs, s)
	}

	sm, err := services.NewManager(servs...)
	if err != nil {
		return fmt.Errorf("failed to create service manager: %w", err)
	}
	t.serviceManager = sm

	// Process-level routes go on before anything starts serving.
	t.router.Path("/ready").Handler(t.readyHandler(sm))
	t.router.Path("/metrics").Handler(promhttp.Handler())
	t.router.Path("/api/config").Handler(t.configHandler())

	healthy := func() { level.Info(log.Logger).Log("msg", "hindsight started") }
	stopped := func() { level.Info(log.Logger).Log("msg", "hindsight stopped") }
	serviceFailed := func(service services.Service) {
		// if any service fails, stop everything
		sm.StopAsync()

		for m, s := range serviceMap {
			if s == service {
				if service.FailureCase() == modules.ErrStopProcess {
					level.Info(log.Logger).Log("msg", "received stop signal via return error", "module", m, "err", service.FailureCase())
				} else {
					level.Error(log.Logger).Log("msg", "module failed", "module", m, "err", service.FailureCase())
				}
				return
			}
		}

		level.Error(log.Logger).Log("msg", "module failed", "module", "unknown", "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	// A signal stops the manager, which stops all the services.
	handler := signals.NewHandler(log.Logger)
	go func() {
		handler.Loop()
		sm.StopAsync()
	}()

	if err := sm.StartAsync(context.Background()); err != nil {
		return fmt.Errorf("failed to start service manager: %w", err)
	}

	err = sm.AwaitStopped(context.Background())

	// Shared handles close only after every service has stopped.
	if t.store != nil {
		if cerr := t.store.Close(); cerr != nil {
			level.Warn(log.Logger).Log("msg", "error closing store", "err", cerr)
		}
	}
	if t.redisClient != nil {
		_ = t.redisClient.Close()
	}

	return err
}

// Stop gracefully stops a running app from another goroutine.
func (t *App) Stop() {
	if t.serviceManager != nil {
		t.serviceManager.StopAsync()
	}
}

func (t *App) configHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		out, err := yaml.Marshal(t.cfg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/yaml")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(out); err != nil {
			level.Error(log.Logger).Log("msg", "error writing response", "err", err)
		}
	}
}

func (t *App) readyHandler(sm *services.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !sm.IsHealthy() {
			msg := bytes.Buffer{}
			msg.WriteString("Some services are not Running:\n")

			for st, ls := range sm.ServicesByState() {
				msg.WriteString(fmt.Sprintf("%v: %d\n", st, len(ls)))
			}

			http.Error(w, msg.String(), http.StatusServiceUnavailable)
			return
		}

		if t.queue != nil {
			if err := t.queue.Ping(r.Context()); err != nil {
				http.Error(w, "queue not ready: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		if t.store != nil {
			if err := t.store.DB().Ping(r.Context()); err != nil {
				http.Error(w, "store not ready: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}

		http.Error(w, "ready", http.StatusOK)
	}
}
