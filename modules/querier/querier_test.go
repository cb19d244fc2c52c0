package querier

import (
	"context"
	"flag"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/hindsight-dev/hindsight/hindsightdb"
	"github.com/hindsight-dev/hindsight/hindsightdb/convstore"
	"github.com/hindsight-dev/hindsight/hindsightdb/metricstore"
	"github.com/hindsight-dev/hindsight/modules/storage"
	"github.com/hindsight-dev/hindsight/pkg/cdc"
	"github.com/hindsight-dev/hindsight/pkg/event"
	"github.com/hindsight-dev/hindsight/pkg/state"
	"github.com/hindsight-dev/hindsight/pkg/streamq"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type testRig struct {
	q      *Querier
	router *mux.Router
	store  *storage.Store
	queue  *streamq.Queue
	fanout *cdc.Fanout
	states *state.Store
	mr     *miniredis.Miniredis
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	qcfg := streamq.Config{}
	qcfg.RegisterFlagsAndApplyDefaults("queue", flag.NewFlagSet("q", flag.PanicOnError))
	queue := streamq.New(client, qcfg, log.NewNopLogger())
	require.NoError(t, queue.EnsureGroup(ctx, streamq.GroupFastPath))

	ccfg := cdc.Config{}
	ccfg.RegisterFlagsAndApplyDefaults("cdc", flag.NewFlagSet("c", flag.PanicOnError))
	ccfg.Partitions = 2
	fanout := cdc.NewFanout(client, ccfg)
	require.NoError(t, fanout.EnsureGroups(ctx))

	dbcfg := hindsightdb.Config{}
	dbcfg.RegisterFlagsAndApplyDefaults("storage", flag.NewFlagSet("s", flag.PanicOnError))
	dbcfg.Path = t.TempDir()
	store, err := storage.New(dbcfg, []string{"claude"}, log.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, services.StartAndAwaitRunning(ctx, store))
	t.Cleanup(func() {
		_ = services.StopAndAwaitTerminated(context.Background(), store)
		_ = store.Close()
	})

	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("querier", flag.NewFlagSet("r", flag.PanicOnError))

	states := state.NewStore(client)
	q, err := New(cfg, store, queue, fanout, states, []string{"claude"}, log.NewNopLogger())
	require.NoError(t, err)

	router := mux.NewRouter()
	q.RegisterRoutes(router)

	return &testRig{q: q, router: router, store: store, queue: queue, fanout: fanout, states: states, mr: mr}
}

func (r *testRig) get(t *testing.T, path string, out interface{}) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	r.router.ServeHTTP(w, req)
	if out != nil && w.Code < 300 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
	}
	return w
}

func (r *testRig) post(t *testing.T, path, body string, out interface{}) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	r.router.ServeHTTP(w, req)
	if out != nil && w.Code < 300 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
	}
	return w
}

// seedTurn folds one turn-bearing mutation into the conversation store, the
// way the slow path would.
func (r *testRig) seedTurn(t *testing.T, session string, rowID int64, role string, at time.Time) {
	t.Helper()
	m := convstore.Mutation{
		SessionID:   session,
		Platform:    "claude",
		RawRowID:    rowID,
		EventTime:   at,
		BlobBytes:   128,
		PromptChars: 42,
		Turn:        &convstore.NewTurn{Role: role, Timestamp: at, LengthChars: 42},
	}
	if role == convstore.RoleUser {
		m.UserMessages = 1
	} else {
		m.AssistantMessages = 1
	}
	applied, err := r.store.Conversations().Apply(context.Background(), m)
	require.NoError(t, err)
	require.True(t, applied)
}

func TestSessionsList(t *testing.T) {
	rig := newTestRig(t)
	rig.seedTurn(t, "s1", 1, convstore.RoleUser, testNow)
	rig.seedTurn(t, "s2", 2, convstore.RoleUser, testNow.Add(5*time.Minute))

	var resp struct {
		Sessions []convstore.Conversation `json:"sessions"`
	}
	w := rig.get(t, RouteSessions, &resp)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, resp.Sessions, 2)
	require.Equal(t, "s2", resp.Sessions[0].SessionID) // newest activity first
	require.Equal(t, "s1", resp.Sessions[1].SessionID)

	w = rig.get(t, RouteSessions+"?limit=1", &resp)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, resp.Sessions, 1)

	w = rig.get(t, RouteSessions+"?platform=cursor", &resp)
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, resp.Sessions)

	w = rig.get(t, RouteSessions+"?limit=nope", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionGet(t *testing.T) {
	rig := newTestRig(t)
	rig.seedTurn(t, "s1", 1, convstore.RoleUser, testNow)

	var resp struct {
		Conversation convstore.Conversation `json:"conversation"`
		Aggregates   *convstore.Aggregates  `json:"aggregates"`
	}
	w := rig.get(t, "/api/sessions/s1", &resp)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "s1", resp.Conversation.SessionID)
	require.Equal(t, int64(1), resp.Conversation.UserMessageCount)
	require.NotNil(t, resp.Aggregates)
	require.Equal(t, int64(1), resp.Aggregates.EventsTotal)
	require.Equal(t, int64(42), resp.Aggregates.PromptCharsTotal)

	w = rig.get(t, "/api/sessions/missing", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionTurns(t *testing.T) {
	rig := newTestRig(t)
	rig.seedTurn(t, "s1", 1, convstore.RoleUser, testNow)
	rig.seedTurn(t, "s1", 2, convstore.RoleAssistant, testNow.Add(3*time.Second))

	var resp struct {
		SessionID string           `json:"session_id"`
		Turns     []convstore.Turn `json:"turns"`
	}
	w := rig.get(t, "/api/sessions/s1/turns", &resp)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "s1", resp.SessionID)
	require.Len(t, resp.Turns, 2)
	require.Equal(t, convstore.RoleUser, resp.Turns[0].Role)
	require.Equal(t, convstore.RoleAssistant, resp.Turns[1].Role)

	w = rig.get(t, "/api/sessions/missing/turns", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsRange(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	require.NoError(t, rig.store.Metrics().RecordBatch(ctx, []metricstore.Point{
		{Category: "prompting", Name: "length", SessionID: "s1", Value: 10, Timestamp: testNow},
		{Category: "prompting", Name: "length", SessionID: "s2", Value: 20, Timestamp: testNow},
	}))

	base := RouteMetricsRange + "?category=prompting&name=length&from=2025-03-01T11:00:00Z&to=2025-03-01T13:00:00Z"

	// The default session is "*": both sessions' samples fold into one point.
	var resp struct {
		SessionID string              `json:"session_id"`
		Points    []metricstore.Point `json:"points"`
	}
	w := rig.get(t, base, &resp)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, metricstore.SessionAll, resp.SessionID)
	require.Len(t, resp.Points, 1)
	require.Equal(t, float64(30), resp.Points[0].Value)

	w = rig.get(t, base+"&session_id=s1", &resp)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, resp.Points, 1)
	require.Equal(t, float64(10), resp.Points[0].Value)

	w = rig.get(t, RouteMetricsRange+"?name=length", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	w = rig.get(t, base+"&resolution=fortnight", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	w = rig.get(t, RouteMetricsRange+"?category=prompting&name=length&from=2025-03-01T13:00:00Z&to=2025-03-01T11:00:00Z", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFreshness(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	require.NoError(t, rig.states.SetCheckpoint(ctx, state.ComponentIngester, "claude", 12))
	require.NoError(t, rig.states.SetCheckpoint(ctx, cdc.ConsumerName(0), "claude", 9))
	require.NoError(t, rig.states.SetCheckpoint(ctx, cdc.ConsumerName(1), "claude", 10))
	require.NoError(t, rig.states.SetString(ctx, state.CompositeLastCalcKey, testNow.Format(time.RFC3339Nano), 0))

	var resp struct {
		Platforms map[string]platformFreshness `json:"platforms"`
		Composite compositeFreshness           `json:"composite"`
	}
	w := rig.get(t, RouteFreshness, &resp)
	require.Equal(t, http.StatusOK, w.Code)

	f, ok := resp.Platforms["claude"]
	require.True(t, ok)
	require.Equal(t, int64(12), f.IngestedRowID)
	require.Equal(t, int64(10), f.DerivedRowID) // max over the partition workers
	require.Equal(t, int64(2), f.LagRows)
	require.NotNil(t, f.IngestedAt)
	require.NotNil(t, f.DerivedAt)

	require.NotNil(t, resp.Composite.LastCalculatedAt)
	require.True(t, resp.Composite.LastCalculatedAt.Equal(testNow))
	require.NotNil(t, resp.Composite.AgeSeconds)
}

func TestFreshnessBeforeFirstEvent(t *testing.T) {
	rig := newTestRig(t)

	var resp struct {
		Platforms map[string]platformFreshness `json:"platforms"`
		Composite compositeFreshness           `json:"composite"`
	}
	w := rig.get(t, RouteFreshness, &resp)
	require.Equal(t, http.StatusOK, w.Code)

	f := resp.Platforms["claude"]
	require.Zero(t, f.IngestedRowID)
	require.Zero(t, f.LagRows)
	require.Nil(t, f.IngestedAt)
	require.Nil(t, resp.Composite.LastCalculatedAt)
}

func TestHealth(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	var resp struct {
		Healthy    bool                       `json:"healthy"`
		Checks     map[string]string          `json:"checks"`
		Components map[string]componentHealth `json:"components"`
	}
	w := rig.get(t, RouteHealth, nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.False(t, resp.Healthy)
	require.Equal(t, "ok", resp.Checks["queue"])
	require.False(t, resp.Components[state.ComponentIngester].Alive)

	for _, c := range []string{
		state.ComponentIngester,
		state.ComponentCompositor,
		state.ComponentEnricher(0),
		state.ComponentEnricher(1),
	} {
		require.NoError(t, rig.states.Heartbeat(ctx, c))
	}

	w = rig.get(t, RouteHealth, &resp)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, resp.Healthy)
	require.True(t, resp.Components[state.ComponentEnricher(1)].Alive)
	require.NotNil(t, resp.Components[state.ComponentIngester].LastBeat)
}

func TestStatus(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := rig.queue.Append(ctx, &event.Event{
			EventID:           uuid.NewString(),
			Platform:          "claude",
			ExternalSessionID: "s1",
			EventType:         event.TypeUserPromptSubmit,
			Timestamp:         testNow,
		})
		require.NoError(t, err)
	}
	_, err := rig.fanout.Append(ctx, cdc.Record{
		RawRowID: 1, Platform: "claude", SessionID: "s1",
		EventType: event.TypeUserPromptSubmit, Timestamp: testNow,
	})
	require.NoError(t, err)
	rig.seedTurn(t, "s1", 1, convstore.RoleUser, testNow)
	require.NoError(t, rig.store.Metrics().Record(ctx, metricstore.Point{
		Category: "prompting", Name: "length", SessionID: "s1", Value: 42, Timestamp: testNow,
	}))

	var resp struct {
		Queue      streamq.Stats        `json:"queue"`
		Changefeed []cdc.PartitionStats `json:"changefeed"`
		Store      struct {
			Path         string `json:"path"`
			SizeBytes    int64  `json:"size_bytes"`
			Sessions     int64  `json:"sessions"`
			Turns        int64  `json:"turns"`
			MetricPoints int64  `json:"metric_points"`
		} `json:"store"`
	}
	w := rig.get(t, RouteStatus, &resp)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, int64(2), resp.Queue.Live.Length)
	require.Len(t, resp.Changefeed, 2)
	var feedTotal int64
	for _, p := range resp.Changefeed {
		feedTotal += p.Length
	}
	require.Equal(t, int64(1), feedTotal)
	require.Equal(t, int64(1), resp.Store.Sessions)
	require.Equal(t, int64(1), resp.Store.Turns)
	require.Equal(t, int64(1), resp.Store.MetricPoints)
	require.Positive(t, resp.Store.SizeBytes)
	require.NotEmpty(t, resp.Store.Path)
}

func TestDerivationErrors(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	require.NoError(t, rig.store.Conversations().RecordError(ctx, convstore.DerivationError{
		Platform: "claude", RawRowID: 7, SessionID: "s1", Worker: "slowpath-0", Error: "blob missing",
	}))

	var resp struct {
		Errors []convstore.DerivationError `json:"errors"`
	}
	w := rig.get(t, RouteErrors, &resp)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, resp.Errors, 1)
	require.Equal(t, int64(7), resp.Errors[0].RawRowID)
	require.Equal(t, "blob missing", resp.Errors[0].Error)
}

func TestDLQListAndReplay(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	ev := &event.Event{
		EventID:           uuid.NewString(),
		Platform:          "claude",
		ExternalSessionID: "s1",
		EventType:         event.TypeUserPromptSubmit,
		Timestamp:         testNow,
	}
	body, err := event.Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, rig.queue.MoveToDLQ(ctx, streamq.GroupFastPath, streamq.Delivery{
		ID: "0-1", EventID: ev.EventID, Platform: "claude", Body: body, RetryCount: 5,
	}, streamq.ReasonMaxRetries, nil))

	var listResp struct {
		Entries []streamq.DLQEntry `json:"entries"`
	}
	w := rig.get(t, RouteDLQ, &listResp)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, listResp.Entries, 1)
	require.Equal(t, streamq.ReasonMaxRetries, listResp.Entries[0].Reason)
	require.Equal(t, ev.EventID, listResp.Entries[0].EventID)

	// A filter that matches nothing replays nothing.
	var replayResp struct {
		Replayed int `json:"replayed"`
	}
	w = rig.post(t, RouteDLQReplay, `{"platform":"cursor"}`, &replayResp)
	require.Equal(t, http.StatusOK, w.Code)
	require.Zero(t, replayResp.Replayed)

	w = rig.post(t, RouteDLQReplay, `{"reason":"max_retries"}`, &replayResp)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, replayResp.Replayed)

	w = rig.get(t, RouteDLQ, &listResp)
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, listResp.Entries)

	stats, err := rig.queue.Stats(ctx, streamq.GroupFastPath)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Live.Length)
}

func TestDLQReplayRejectsBadBody(t *testing.T) {
	rig := newTestRig(t)
	w := rig.post(t, RouteDLQReplay, `{"platform":`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
