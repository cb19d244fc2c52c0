package querier

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-kit/log/level"

	"github.com/hindsight-dev/hindsight/hindsightdb/convstore"
	"github.com/hindsight-dev/hindsight/pkg/cdc"
	"github.com/hindsight-dev/hindsight/pkg/state"
	"github.com/hindsight-dev/hindsight/pkg/streamq"
)

const (
	defaultErrorsLimit = 100
	maxErrorsLimit     = 1000
	defaultDLQLimit    = 100
	maxDLQLimit        = 10_000
	defaultReplayLimit = 1000
)

// platformFreshness reports how far derivation trails ingestion for one
// platform. Row IDs are raw-store positions; lag is their difference.
type platformFreshness struct {
	IngestedRowID int64      `json:"ingested_row_id"`
	DerivedRowID  int64      `json:"derived_row_id"`
	LagRows       int64      `json:"lag_rows"`
	IngestedAt    *time.Time `json:"ingested_at,omitempty"`
	DerivedAt     *time.Time `json:"derived_at,omitempty"`
}

type compositeFreshness struct {
	LastCalculatedAt *time.Time `json:"last_calculated_at,omitempty"`
	AgeSeconds       *float64   `json:"age_seconds,omitempty"`
}

// FreshnessHandler reports fast-path vs slow-path positions per platform.
// The derived position is the max over the partition workers' checkpoints,
// so it can briefly overstate freshness while one partition lags another.
func (q *Querier) FreshnessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), q.cfg.QueryTimeout)
	defer cancel()

	platforms := make(map[string]platformFreshness, len(q.platforms))
	for _, platform := range q.platforms {
		ing, err := q.states.GetCheckpoint(ctx, state.ComponentIngester, platform)
		if err != nil {
			q.writeError(w, RouteFreshness, http.StatusInternalServerError, err)
			return
		}

		var derived state.Checkpoint
		for p := 0; p < q.fanout.Partitions(); p++ {
			ckpt, err := q.states.GetCheckpoint(ctx, cdc.ConsumerName(p), platform)
			if err != nil {
				q.writeError(w, RouteFreshness, http.StatusInternalServerError, err)
				return
			}
			if ckpt.RowID > derived.RowID {
				derived = ckpt
			}
		}

		f := platformFreshness{
			IngestedRowID: ing.RowID,
			DerivedRowID:  derived.RowID,
			LagRows:       ing.RowID - derived.RowID,
			IngestedAt:    checkpointTime(ing),
			DerivedAt:     checkpointTime(derived),
		}
		if f.LagRows < 0 {
			f.LagRows = 0
		}
		platforms[platform] = f
	}

	composite := compositeFreshness{}
	if raw, ok, err := q.states.GetString(ctx, state.CompositeLastCalcKey); err != nil {
		q.writeError(w, RouteFreshness, http.StatusInternalServerError, err)
		return
	} else if ok {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err == nil {
			age := time.Since(at).Seconds()
			composite.LastCalculatedAt = &at
			composite.AgeSeconds = &age
		} else {
			level.Warn(q.logger).Log("msg", "unparseable composite timestamp", "value", raw, "err", err)
		}
	}

	q.writeJSON(w, RouteFreshness, http.StatusOK, map[string]interface{}{
		"platforms": platforms,
		"composite": composite,
	})
}

func checkpointTime(c state.Checkpoint) *time.Time {
	if c.UpdatedAt.IsZero() {
		return nil
	}
	t := c.UpdatedAt
	return &t
}

type componentHealth struct {
	Alive    bool       `json:"alive"`
	LastBeat *time.Time `json:"last_beat,omitempty"`
}

// HealthHandler checks the queue, the database, and every pipeline
// component's heartbeat. A heartbeat key outlives its writer by at most its
// TTL, so presence alone means the component beat recently.
func (q *Querier) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), q.cfg.QueryTimeout)
	defer cancel()

	healthy := true
	checks := map[string]string{"queue": "ok", "db": "ok"}
	if err := q.queue.Ping(ctx); err != nil {
		checks["queue"] = err.Error()
		healthy = false
	}
	if err := q.store.DB().Ping(ctx); err != nil {
		checks["db"] = err.Error()
		healthy = false
	}

	names := []string{state.ComponentIngester, state.ComponentCompositor}
	for p := 0; p < q.fanout.Partitions(); p++ {
		names = append(names, state.ComponentEnricher(p))
	}

	components := make(map[string]componentHealth, len(names))
	beats, err := q.states.Heartbeats(ctx, names...)
	if err != nil {
		// Queue check already failed if redis is down; report what we know.
		beats = map[string]time.Time{}
	}
	for _, name := range names {
		ch := componentHealth{}
		if at, ok := beats[name]; ok {
			ch.Alive = true
			beat := at
			ch.LastBeat = &beat
		} else {
			healthy = false
		}
		components[name] = ch
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	q.writeJSON(w, RouteHealth, status, map[string]interface{}{
		"healthy":    healthy,
		"checks":     checks,
		"components": components,
	})
}

// StatusHandler is the one-shot operator snapshot: queue depths, change-feed
// depths, and store totals.
func (q *Querier) StatusHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), q.cfg.QueryTimeout)
	defer cancel()

	queueStats, err := q.queue.Stats(ctx, streamq.GroupFastPath)
	if err != nil {
		q.writeError(w, RouteStatus, http.StatusInternalServerError, err)
		return
	}
	feedStats, err := q.fanout.Stats(ctx)
	if err != nil {
		q.writeError(w, RouteStatus, http.StatusInternalServerError, err)
		return
	}
	sessions, turns, err := q.store.Conversations().TotalCounts(ctx)
	if err != nil {
		q.writeError(w, RouteStatus, http.StatusInternalServerError, err)
		return
	}
	points, err := q.store.Metrics().Count(ctx)
	if err != nil {
		q.writeError(w, RouteStatus, http.StatusInternalServerError, err)
		return
	}
	size, err := q.store.DB().Size()
	if err != nil {
		q.writeError(w, RouteStatus, http.StatusInternalServerError, err)
		return
	}

	q.writeJSON(w, RouteStatus, http.StatusOK, map[string]interface{}{
		"queue":      queueStats,
		"changefeed": feedStats,
		"store": map[string]interface{}{
			"path":          q.store.DB().Path(),
			"size_bytes":    size,
			"sessions":      sessions,
			"turns":         turns,
			"metric_points": points,
		},
	})
}

// ErrorsHandler lists recent derivation errors, newest first.
func (q *Querier) ErrorsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), q.cfg.QueryTimeout)
	defer cancel()

	limit, err := parseLimit(r, defaultErrorsLimit, maxErrorsLimit)
	if err != nil {
		q.writeError(w, RouteErrors, http.StatusBadRequest, err)
		return
	}
	errs, err := q.store.Conversations().ListErrors(ctx, limit)
	if err != nil {
		q.writeError(w, RouteErrors, http.StatusInternalServerError, err)
		return
	}
	if errs == nil {
		errs = []convstore.DerivationError{}
	}
	q.writeJSON(w, RouteErrors, http.StatusOK, map[string]interface{}{
		"errors": errs,
	})
}

// DLQHandler lists dead-lettered events, oldest first.
func (q *Querier) DLQHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), q.cfg.QueryTimeout)
	defer cancel()

	limit, err := parseLimit(r, defaultDLQLimit, maxDLQLimit)
	if err != nil {
		q.writeError(w, RouteDLQ, http.StatusBadRequest, err)
		return
	}
	entries, err := q.queue.ListDLQ(ctx, limit)
	if err != nil {
		q.writeError(w, RouteDLQ, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []streamq.DLQEntry{}
	}
	q.writeJSON(w, RouteDLQ, http.StatusOK, map[string]interface{}{
		"entries": entries,
	})
}

type replayRequest struct {
	Platform string `json:"platform"`
	Reason   string `json:"reason"`
	Limit    int64  `json:"limit"`
}

// DLQReplayHandler re-appends dead-lettered events to the live stream with
// their retry budget reset. An empty filter replays everything up to limit.
func (q *Querier) DLQReplayHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), q.cfg.QueryTimeout)
	defer cancel()

	var req replayRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			q.writeError(w, RouteDLQReplay, http.StatusBadRequest, err)
			return
		}
	}
	if req.Limit <= 0 {
		req.Limit = defaultReplayLimit
	}

	replayed, err := q.queue.ReplayDLQ(ctx, streamq.ReplayFilter{Platform: req.Platform, Reason: req.Reason}, req.Limit)
	if err != nil {
		q.writeError(w, RouteDLQReplay, http.StatusInternalServerError, err)
		return
	}
	level.Info(q.logger).Log("msg", "dlq replay", "replayed", replayed, "platform", req.Platform, "reason", req.Reason)
	q.writeJSON(w, RouteDLQReplay, http.StatusOK, map[string]interface{}{
		"replayed": replayed,
	})
}
