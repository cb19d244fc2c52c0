package httpclient

import (
	"bytes"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hindsight-dev/hindsight/hindsightdb/convstore"
)

type MockRoundTripper func(r *http.Request) *http.Response

func (f MockRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r), nil
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
	}
}

func TestListSessions(t *testing.T) {
	mockTransport := MockRoundTripper(func(req *http.Request) *http.Response {
		assert.Equal(t, "/api/sessions", req.URL.Path)
		assert.Equal(t, "claude", req.URL.Query().Get("platform"))
		assert.Equal(t, "5", req.URL.Query().Get("limit"))
		return jsonResponse(200, `{"sessions":[{"session_id":"s1","platform":"claude","turn_count":3}]}`)
	})

	client := New("http://hindsight.local")
	client.WithTransport(mockTransport)

	sessions, err := client.ListSessions("claude", 5)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].SessionID)
	assert.Equal(t, int64(3), sessions[0].TurnCount)
}

func TestSession(t *testing.T) {
	t.Run("returns the detail when found", func(t *testing.T) {
		mockTransport := MockRoundTripper(func(req *http.Request) *http.Response {
			assert.Equal(t, "/api/sessions/s1", req.URL.Path)
			return jsonResponse(200, `{"conversation":{"session_id":"s1"},"aggregates":{"session_id":"s1","events_total":7}}`)
		})

		client := New("http://hindsight.local")
		client.WithTransport(mockTransport)

		detail, err := client.Session("s1")
		require.NoError(t, err)
		assert.Equal(t, "s1", detail.Conversation.SessionID)
		require.NotNil(t, detail.Aggregates)
		assert.Equal(t, int64(7), detail.Aggregates.EventsTotal)
	})

	t.Run("returns ErrNotFound on 404", func(t *testing.T) {
		mockTransport := MockRoundTripper(func(_ *http.Request) *http.Response {
			return jsonResponse(404, `{"error":"session nope not found"}`)
		})

		client := New("http://hindsight.local")
		client.WithTransport(mockTransport)

		detail, err := client.Session("nope")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Nil(t, detail)
	})
}

func TestMetricsRangeEncodesParams(t *testing.T) {
	from := time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)
	to := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	mockTransport := MockRoundTripper(func(req *http.Request) *http.Response {
		q := req.URL.Query()
		assert.Equal(t, "/api/metrics/range", req.URL.Path)
		assert.Equal(t, "productivity", q.Get("category"))
		assert.Equal(t, "prompts_per_hour", q.Get("name"))
		assert.Equal(t, "s1", q.Get("session_id"))
		assert.Equal(t, "2025-03-01T11:00:00Z", q.Get("from"))
		assert.Equal(t, "2025-03-01T12:00:00Z", q.Get("to"))
		assert.Equal(t, "minute", q.Get("resolution"))
		return jsonResponse(200, `{"category":"productivity","name":"prompts_per_hour","session_id":"s1","points":[{"value":4.5}]}`)
	})

	client := New("http://hindsight.local")
	client.WithTransport(mockTransport)

	result, err := client.MetricsRange(RangeParams{
		Category:   "productivity",
		Name:       "prompts_per_hour",
		SessionID:  "s1",
		From:       from,
		To:         to,
		Resolution: "minute",
	})
	require.NoError(t, err)
	require.Len(t, result.Points, 1)
	assert.Equal(t, 4.5, result.Points[0].Value)
}

func TestHealthTreats503AsData(t *testing.T) {
	mockTransport := MockRoundTripper(func(req *http.Request) *http.Response {
		assert.Equal(t, "/api/health", req.URL.Path)
		return jsonResponse(503, `{"healthy":false,"checks":{"queue":"ok","db":"ok"},"components":{"ingester":{"alive":false}}}`)
	})

	client := New("http://hindsight.local")
	client.WithTransport(mockTransport)

	report, err := client.Health()
	require.NoError(t, err)
	assert.False(t, report.Healthy)
	assert.Equal(t, "ok", report.Checks["queue"])
	assert.False(t, report.Components["ingester"].Alive)
}

func TestReplayDLQ(t *testing.T) {
	mockTransport := MockRoundTripper(func(req *http.Request) *http.Response {
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "/api/dlq/replay", req.URL.Path)

		var body struct {
			Platform string `json:"platform"`
			Reason   string `json:"reason"`
			Limit    int64  `json:"limit"`
		}
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, "cursor", body.Platform)
		assert.Equal(t, "max_retries", body.Reason)
		assert.Equal(t, int64(50), body.Limit)

		return jsonResponse(200, `{"replayed":2}`)
	})

	client := New("http://hindsight.local")
	client.WithTransport(mockTransport)

	replayed, err := client.ReplayDLQ("cursor", "max_retries", 50)
	require.NoError(t, err)
	assert.Equal(t, int64(2), replayed)
}

func TestServerErrorsCarryTheMessage(t *testing.T) {
	mockTransport := MockRoundTripper(func(_ *http.Request) *http.Response {
		return jsonResponse(400, `{"error":"category and name are required"}`)
	})

	client := New("http://hindsight.local")
	client.WithTransport(mockTransport)

	_, err := client.MetricsRange(RangeParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "category and name are required")
}

func TestListSessionsDecode(t *testing.T) {
	raw := `{"sessions":[
		{"session_id":"a","platform":"claude","started_at":"2025-03-01T10:00:00Z","last_activity_at":"2025-03-01T11:00:00Z"},
		{"session_id":"b","platform":"cursor","input_tokens":10,"output_tokens":20}
	]}`
	mockTransport := MockRoundTripper(func(_ *http.Request) *http.Response {
		return jsonResponse(200, raw)
	})

	client := New("http://hindsight.local")
	client.WithTransport(mockTransport)

	sessions, err := client.ListSessions("", 0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, []convstore.Conversation{
		{
			SessionID:      "a",
			Platform:       "claude",
			StartedAt:      time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
			LastActivityAt: time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC),
		},
		{
			SessionID:    "b",
			Platform:     "cursor",
			InputTokens:  10,
			OutputTokens: 20,
		},
	}, sessions)
}
