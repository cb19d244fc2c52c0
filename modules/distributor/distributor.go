// Package distributor is the HTTP intake. It accepts capture events on
// POST /events and appends them to the durable queue; in-process capture code
// appending to the stream directly produces identical entries. A batch is
// validated whole before anything is appended, so a 400 never leaves partial
// state behind.
package distributor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hindsight-dev/hindsight/pkg/event"
	"github.com/hindsight-dev/hindsight/pkg/streamq"
)

// RoutePush is the intake route the server mounts PushHandler on.
const RoutePush = "/events"

var tracer = otel.Tracer("modules/distributor")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	metricAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "distributor",
		Name:      "events_accepted_total",
		Help:      "Events appended to the queue per platform.",
	}, []string{"platform"})
	metricRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "distributor",
		Name:      "requests_rejected_total",
		Help:      "Intake requests rejected by reason.",
	}, []string{"reason"})
	metricBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hindsight",
		Subsystem: "distributor",
		Name:      "breaker_state",
		Help:      "Queue breaker state: 0 closed, 1 half-open, 2 open.",
	})
)

// Distributor fronts the durable queue for capture agents speaking HTTP.
type Distributor struct {
	services.Service

	cfg    Config
	logger log.Logger

	queue   *streamq.Queue
	breaker *gobreaker.CircuitBreaker
}

func New(cfg Config, queue *streamq.Queue, logger log.Logger) (*Distributor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Distributor{
		cfg:    cfg,
		logger: log.With(logger, "component", "distributor"),
		queue:  queue,
	}
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "queue-append",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			metricBreakerState.Set(float64(to))
			level.Warn(d.logger).Log("msg", "queue breaker state changed", "from", from.String(), "to", to.String())
		},
	})
	d.Service = services.NewIdleService(d.starting, nil)
	return d, nil
}

// starting probes the queue so an unreachable one is visible at startup. The
// intake still comes up either way; the breaker guards the append path.
func (d *Distributor) starting(ctx context.Context) error {
	if err := d.queue.Ping(ctx); err != nil {
		level.Warn(d.logger).Log("msg", "queue unreachable at startup, intake will fail fast", "err", err)
		return nil
	}
	level.Info(d.logger).Log("msg", "intake ready")
	return nil
}

// PushHandler accepts one event or a JSON array of events. 202 on append,
// 400 on schema-invalid, 503 when the queue is unreachable.
func (d *Distributor) PushHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "distributor.Push")
	defer span.End()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, d.cfg.MaxBodyBytes))
	if err != nil {
		metricRejected.WithLabelValues("oversize_body").Inc()
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	events, err := parseBody(body)
	if err != nil {
		metricRejected.WithLabelValues("malformed").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int("events", len(events)))

	// The whole batch is validated before the first append: either every
	// event enters the queue or none do.
	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			metricRejected.WithLabelValues("schema_invalid").Inc()
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	for _, ev := range events {
		if err := d.append(ctx, ev); err != nil {
			metricRejected.WithLabelValues("queue_unavailable").Inc()
			level.Warn(d.logger).Log("msg", "queue append failed", "err", err)
			http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
			return
		}
		metricAccepted.WithLabelValues(ev.Platform).Inc()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(pushResponse{Accepted: len(events)})
}

type pushResponse struct {
	Accepted int `json:"accepted"`
}

func (d *Distributor) append(ctx context.Context, ev *event.Event) error {
	_, err := d.breaker.Execute(func() (interface{}, error) {
		return d.queue.Append(ctx, ev)
	})
	return err
}

func parseBody(body []byte) ([]*event.Event, error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty request body")
	}

	if trimmed[0] == '[' {
		var events []*event.Event
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, fmt.Errorf("parse event batch: %s", err)
		}
		if len(events) == 0 {
			return nil, fmt.Errorf("empty event batch")
		}
		return events, nil
	}

	ev, err := event.Unmarshal(trimmed)
	if err != nil {
		return nil, err
	}
	return []*event.Event{ev}, nil
}
