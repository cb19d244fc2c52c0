package querier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hindsight-dev/hindsight/hindsightdb"
	"github.com/hindsight-dev/hindsight/hindsightdb/convstore"
	"github.com/hindsight-dev/hindsight/hindsightdb/metricstore"
)

const (
	defaultSessionsLimit = 20
	maxSessionsLimit     = 1000
	defaultTurnsLimit    = 500
	maxTurnsLimit        = 10_000
	defaultRangeWindow   = time.Hour
)

// SessionsHandler lists recent conversations, newest activity first.
// ?platform= narrows to one platform, ?limit= caps the page.
func (q *Querier) SessionsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), q.cfg.QueryTimeout)
	defer cancel()

	limit, err := parseLimit(r, defaultSessionsLimit, maxSessionsLimit)
	if err != nil {
		q.writeError(w, RouteSessions, http.StatusBadRequest, err)
		return
	}

	sessions, err := q.store.Conversations().ListRecent(ctx, r.URL.Query().Get("platform"), limit)
	if err != nil {
		q.writeError(w, RouteSessions, http.StatusInternalServerError, err)
		return
	}
	if sessions == nil {
		sessions = []convstore.Conversation{}
	}
	q.writeJSON(w, RouteSessions, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
	})
}

// SessionHandler returns one conversation with its aggregates. The aggregates
// row can lag the conversation row by one derivation, so its absence is not
// an error.
func (q *Querier) SessionHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), q.cfg.QueryTimeout)
	defer cancel()

	id := mux.Vars(r)["id"]
	conv, err := q.store.Conversations().Get(ctx, id)
	if errors.Is(err, hindsightdb.ErrNotFound) {
		q.writeError(w, RouteSession, http.StatusNotFound, fmt.Errorf("session %s not found", id))
		return
	}
	if err != nil {
		q.writeError(w, RouteSession, http.StatusInternalServerError, err)
		return
	}

	resp := map[string]interface{}{"conversation": conv}
	agg, err := q.store.Conversations().GetAggregates(ctx, id)
	switch {
	case err == nil:
		resp["aggregates"] = agg
	case errors.Is(err, hindsightdb.ErrNotFound):
		// leave aggregates out
	default:
		q.writeError(w, RouteSession, http.StatusInternalServerError, err)
		return
	}
	q.writeJSON(w, RouteSession, http.StatusOK, resp)
}

// TurnsHandler returns a session's turn timeline in order.
func (q *Querier) TurnsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), q.cfg.QueryTimeout)
	defer cancel()

	limit, err := parseLimit(r, defaultTurnsLimit, maxTurnsLimit)
	if err != nil {
		q.writeError(w, RouteTurns, http.StatusBadRequest, err)
		return
	}

	id := mux.Vars(r)["id"]
	if _, err := q.store.Conversations().Get(ctx, id); errors.Is(err, hindsightdb.ErrNotFound) {
		q.writeError(w, RouteTurns, http.StatusNotFound, fmt.Errorf("session %s not found", id))
		return
	} else if err != nil {
		q.writeError(w, RouteTurns, http.StatusInternalServerError, err)
		return
	}

	turns, err := q.store.Conversations().Turns(ctx, id, limit)
	if err != nil {
		q.writeError(w, RouteTurns, http.StatusInternalServerError, err)
		return
	}
	if turns == nil {
		turns = []convstore.Turn{}
	}
	q.writeJSON(w, RouteTurns, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"turns":      turns,
	})
}

// MetricsRangeHandler serves one series over a window. session_id defaults to
// "*", which sums all sessions of the pair; from/to default to the last hour.
func (q *Querier) MetricsRangeHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), q.cfg.QueryTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "querier.MetricsRange")
	defer span.End()

	rq, err := q.parseRangeQuery(r)
	if err != nil {
		q.writeError(w, RouteMetricsRange, http.StatusBadRequest, err)
		return
	}
	span.SetAttributes(
		attribute.String("category", rq.Category),
		attribute.String("name", rq.Name),
		attribute.String("resolution", string(rq.Resolution)),
	)

	points, err := q.store.Metrics().Range(ctx, rq)
	if err != nil {
		q.writeError(w, RouteMetricsRange, http.StatusInternalServerError, err)
		return
	}
	span.SetAttributes(attribute.Int("points", len(points)))
	if points == nil {
		points = []metricstore.Point{}
	}
	q.writeJSON(w, RouteMetricsRange, http.StatusOK, map[string]interface{}{
		"category":   rq.Category,
		"name":       rq.Name,
		"session_id": rq.SessionID,
		"from":       rq.From.UTC(),
		"to":         rq.To.UTC(),
		"points":     points,
	})
}

func (q *Querier) parseRangeQuery(r *http.Request) (metricstore.RangeQuery, error) {
	params := r.URL.Query()
	rq := metricstore.RangeQuery{
		Category:  params.Get("category"),
		Name:      params.Get("name"),
		SessionID: params.Get("session_id"),
		MaxPoints: q.cfg.MaxSeriesPoints,
	}
	if rq.Category == "" || rq.Name == "" {
		return rq, fmt.Errorf("category and name are required")
	}
	if rq.SessionID == "" {
		rq.SessionID = metricstore.SessionAll
	}

	now := time.Now().UTC()
	rq.From, rq.To = now.Add(-defaultRangeWindow), now
	var err error
	if raw := params.Get("from"); raw != "" {
		if rq.From, err = time.Parse(time.RFC3339, raw); err != nil {
			return rq, fmt.Errorf("from: %w", err)
		}
	}
	if raw := params.Get("to"); raw != "" {
		if rq.To, err = time.Parse(time.RFC3339, raw); err != nil {
			return rq, fmt.Errorf("to: %w", err)
		}
	}
	if !rq.To.After(rq.From) {
		return rq, fmt.Errorf("window is empty: from %s to %s", rq.From.Format(time.RFC3339), rq.To.Format(time.RFC3339))
	}

	if raw := params.Get("max_points"); raw != "" {
		n, err := parsePositiveInt(raw)
		if err != nil {
			return rq, fmt.Errorf("max_points: %w", err)
		}
		if n < rq.MaxPoints {
			rq.MaxPoints = n
		}
	}

	switch res := metricstore.Resolution(params.Get("resolution")); res {
	case metricstore.ResolutionAuto, metricstore.ResolutionRaw, metricstore.ResolutionMinute, metricstore.ResolutionHour:
		rq.Resolution = res
	default:
		return rq, fmt.Errorf("resolution must be raw, minute or hour, got %q", res)
	}
	return rq, nil
}

func parsePositiveInt(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("must be a positive integer, got %q", raw)
	}
	return n, nil
}
