// Package querier is the read-only HTTP surface over the derived stores, the
// shared state, and the queue's operator controls. Consumers read
// conversations and metric series here; they never touch raw traces.
package querier

import (
	"net/http"
	"strconv"

	"github.com/go-kit/log"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"

	"github.com/hindsight-dev/hindsight/modules/storage"
	"github.com/hindsight-dev/hindsight/pkg/cdc"
	"github.com/hindsight-dev/hindsight/pkg/state"
	"github.com/hindsight-dev/hindsight/pkg/streamq"
)

// Read API routes, mounted by the server module.
const (
	RouteSessions     = "/api/sessions"
	RouteSession      = "/api/sessions/{id}"
	RouteTurns        = "/api/sessions/{id}/turns"
	RouteMetricsRange = "/api/metrics/range"
	RouteFreshness    = "/api/freshness"
	RouteHealth       = "/api/health"
	RouteStatus       = "/api/status"
	RouteErrors       = "/api/errors"
	RouteDLQ          = "/api/dlq"
	RouteDLQReplay    = "/api/dlq/replay"
)

var tracer = otel.Tracer("modules/querier")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "hindsight",
	Subsystem: "querier",
	Name:      "requests_total",
	Help:      "Read API requests by route and status class.",
}, []string{"route", "status"})

// Querier serves the read API.
type Querier struct {
	services.Service

	cfg    Config
	logger log.Logger

	store     *storage.Store
	queue     *streamq.Queue
	fanout    *cdc.Fanout
	states    *state.Store
	platforms []string
}

func New(cfg Config, store *storage.Store, queue *streamq.Queue, fanout *cdc.Fanout, states *state.Store, platforms []string, logger log.Logger) (*Querier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	q := &Querier{
		cfg:       cfg,
		logger:    log.With(logger, "component", "querier"),
		store:     store,
		queue:     queue,
		fanout:    fanout,
		states:    states,
		platforms: platforms,
	}
	q.Service = services.NewIdleService(nil, nil)
	return q, nil
}

// RegisterRoutes mounts the read API on the shared router.
func (q *Querier) RegisterRoutes(r *mux.Router) {
	r.HandleFunc(RouteSessions, q.SessionsHandler).Methods(http.MethodGet)
	r.HandleFunc(RouteSession, q.SessionHandler).Methods(http.MethodGet)
	r.HandleFunc(RouteTurns, q.TurnsHandler).Methods(http.MethodGet)
	r.HandleFunc(RouteMetricsRange, q.MetricsRangeHandler).Methods(http.MethodGet)
	r.HandleFunc(RouteFreshness, q.FreshnessHandler).Methods(http.MethodGet)
	r.HandleFunc(RouteHealth, q.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc(RouteStatus, q.StatusHandler).Methods(http.MethodGet)
	r.HandleFunc(RouteErrors, q.ErrorsHandler).Methods(http.MethodGet)
	r.HandleFunc(RouteDLQ, q.DLQHandler).Methods(http.MethodGet)
	r.HandleFunc(RouteDLQReplay, q.DLQReplayHandler).Methods(http.MethodPost)
}

func (q *Querier) writeJSON(w http.ResponseWriter, route string, status int, v interface{}) {
	metricRequests.WithLabelValues(route, strconv.Itoa(status/100)+"xx").Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (q *Querier) writeError(w http.ResponseWriter, route string, status int, err error) {
	q.writeJSON(w, route, status, map[string]string{"error": err.Error()})
}

// parseLimit reads ?limit= with a default and a hard cap.
func parseLimit(r *http.Request, def, max int64) (int64, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, errBadLimit(raw)
	}
	if n > max {
		n = max
	}
	return n, nil
}

type errBadLimit string

func (e errBadLimit) Error() string {
	return "limit must be a positive integer, got " + strconv.Quote(string(e))
}
