package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/services"

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

// The modules that make up hindsight.
const (
	Server       string = "server"
	Streams      string = "streams"
	Store        string = "store"
	Distributor  string = "distributor"
	Ingester     string = "ingester"
	Enricher     string = "enricher"
	Compositor   string = "compositor"
	Querier      string = "querier"
	SingleBinary string = "all"
)

func (t *App) initServer() (services.Service, error) {
	servicesToWaitFor := func() []services.Service {
		svs := []services.Service(nil)
		for m, s := range t.serviceMap {
			// Server should not wait for itself.
			if m != Server {
				svs = append(svs, s)
			}
		}
		return svs
	}

	return newServerService(t.cfg.Server, t.router, servicesToWaitFor), nil
}

// initStreams builds the shared redis client and the queue, change-feed and
// state handles on top of it. It fails fast when redis is unreachable so a
// misconfigured address surfaces at startup, not on the first write.
func (t *App) initStreams() (services.Service, error) {
	t.redisClient = streamq.Dial(t.cfg.Queue)

	t.queue = streamq.New(t.redisClient, t.cfg.Queue, log.Logger)
	t.fanout = cdc.NewFanout(t.redisClient, t.cfg.Changefeed)
	t.states = state.NewStore(t.redisClient)

	starting := func(ctx context.Context) error {
		if err := t.queue.Ping(ctx); err != nil {
			return fmt.Errorf("redis unreachable at %s: %w", t.cfg.Queue.Address, err)
		}
		return nil
	}
	return services.NewIdleService(starting, nil), nil
}

func (t *App) initStore() (services.Service, error) {
	store, err := storage.New(t.cfg.Storage, t.cfg.Platforms, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	t.store = store
	return t.store, nil
}

func (t *App) initDistributor() (services.Service, error) {
	d, err := distributor.New(t.cfg.Distributor, t.queue, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create distributor: %w", err)
	}
	t.distributor = d

	t.router.HandleFunc(distributor.RoutePush, d.PushHandler).Methods(http.MethodPost)

	return t.distributor, nil
}

func (t *App) initIngester() (services.Service, error) {
	i, err := ingester.New(t.cfg.Ingester, t.queue, t.fanout, t.store.Raw(), t.states, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingester: %w", err)
	}
	t.ingester = i
	return t.ingester, nil
}

func (t *App) initEnricher() (services.Service, error) {
	e, err := enricher.New(t.cfg.Enricher, t.fanout, t.store.Raw(), t.store.Conversations(), t.store.Metrics(), t.states, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create enricher: %w", err)
	}
	t.enricher = e
	return t.enricher, nil
}

func (t *App) initCompositor() (services.Service, error) {
	c, err := compositor.New(t.cfg.Compositor, t.states, t.store.Metrics(), nil, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create compositor: %w", err)
	}
	t.compositor = c
	return t.compositor, nil
}

func (t *App) initQuerier() (services.Service, error) {
	q, err := querier.New(t.cfg.Querier, t.store, t.queue, t.fanout, t.states, t.cfg.Platforms, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create querier: %w", err)
	}
	t.querier = q

	q.RegisterRoutes(t.router)

	return t.querier, nil
}

func (t *App) setupModuleManager() error {
	mm := modules.NewManager(log.Logger)

	mm.RegisterModule(Server, t.initServer, modules.UserInvisibleModule)
	mm.RegisterModule(Streams, t.initStreams, modules.UserInvisibleModule)
	mm.RegisterModule(Store, t.initStore, modules.UserInvisibleModule)
	mm.RegisterModule(Distributor, t.initDistributor)
	mm.RegisterModule(Ingester, t.initIngester)
	mm.RegisterModule(Enricher, t.initEnricher)
	mm.RegisterModule(Compositor, t.initCompositor)
	mm.RegisterModule(Querier, t.initQuerier)
	mm.RegisterModule(SingleBinary, nil)

	deps := map[string][]string{
		// Server: nil,
		// Streams: nil,
		// Store: nil,
		Distributor:  {Server, Streams},
		Ingester:     {Server, Streams, Store},
		Enricher:     {Server, Streams, Store},
		Compositor:   {Server, Streams, Store},
		Querier:      {Server, Streams, Store},
		SingleBinary: {Distributor, Ingester, Enricher, Compositor, Querier},
	}

	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	t.moduleManager = mm
	t.deps = deps

	return nil
}
