// Package httpclient is a typed client for the querier's HTTP API. The
// operator CLI is its main consumer; capture agents never import it, they
// only POST events at the distributor.
package httpclient

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/hindsight-dev/hindsight/hindsightdb/convstore"
	"github.com/hindsight-dev/hindsight/hindsightdb/metricstore"
	"github.com/hindsight-dev/hindsight/pkg/cdc"
	"github.com/hindsight-dev/hindsight/pkg/streamq"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound reports a 404 from the API.
var ErrNotFound = errors.New("resource not found")

// Client is a client to the hindsight API.
type Client struct {
	BaseURL string
	client  *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}
}

// WithTimeout bounds every request made by this client.
func (c *Client) WithTimeout(d time.Duration) {
	c.client.Timeout = d
}

// WithTransport replaces the underlying transport. Tests use it.
func (c *Client) WithTransport(t http.RoundTripper) {
	c.client.Transport = t
}

// SessionDetail pairs a conversation with its aggregates. Aggregates is nil
// while derivation has not produced the row yet.
type SessionDetail struct {
	Conversation convstore.Conversation `json:"conversation"`
	Aggregates   *convstore.Aggregates  `json:"aggregates,omitempty"`
}

// RangeParams selects a metric series and window. Zero values defer to the
// server's defaults: all sessions, the last hour, auto resolution.
type RangeParams struct {
	Category   string
	Name       string
	SessionID  string
	From       time.Time
	To         time.Time
	Resolution string
	MaxPoints  int
}

// RangeResult is one metric series over the effective window.
type RangeResult struct {
	Category  string              `json:"category"`
	Name      string              `json:"name"`
	SessionID string              `json:"session_id"`
	From      time.Time           `json:"from"`
	To        time.Time           `json:"to"`
	Points    []metricstore.Point `json:"points"`
}

// PlatformFreshness is how far derivation trails ingestion for one platform.
type PlatformFreshness struct {
	IngestedRowID int64      `json:"ingested_row_id"`
	DerivedRowID  int64      `json:"derived_row_id"`
	LagRows       int64      `json:"lag_rows"`
	IngestedAt    *time.Time `json:"ingested_at,omitempty"`
	DerivedAt     *time.Time `json:"derived_at,omitempty"`
}

// CompositeFreshness is the age of the last composite metrics cycle. Both
// fields are nil before the first cycle completes.
type CompositeFreshness struct {
	LastCalculatedAt *time.Time `json:"last_calculated_at,omitempty"`
	AgeSeconds       *float64   `json:"age_seconds,omitempty"`
}

type FreshnessReport struct {
	Platforms map[string]PlatformFreshness `json:"platforms"`
	Composite CompositeFreshness           `json:"composite"`
}

type ComponentHealth struct {
	Alive    bool       `json:"alive"`
	LastBeat *time.Time `json:"last_beat,omitempty"`
}

type HealthReport struct {
	Healthy    bool                       `json:"healthy"`
	Checks     map[string]string          `json:"checks"`
	Components map[string]ComponentHealth `json:"components"`
}

type StoreTotals struct {
	Path         string `json:"path"`
	SizeBytes    int64  `json:"size_bytes"`
	Sessions     int64  `json:"sessions"`
	Turns        int64  `json:"turns"`
	MetricPoints int64  `json:"metric_points"`
}

// StatusReport is the one-shot pipeline snapshot.
type StatusReport struct {
	Queue      streamq.Stats        `json:"queue"`
	Changefeed []cdc.PartitionStats `json:"changefeed"`
	Store      StoreTotals          `json:"store"`
}

// ListSessions returns recent sessions, newest activity first. An empty
// platform spans all platforms; limit <= 0 defers to the server default.
func (c *Client) ListSessions(platform string, limit int) ([]convstore.Conversation, error) {
	params := url.Values{}
	if platform != "" {
		params.Set("platform", platform)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var resp struct {
		Sessions []convstore.Conversation `json:"sessions"`
	}
	if err := c.getFor("/api/sessions", params, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// Session returns one conversation with its aggregates, or ErrNotFound.
func (c *Client) Session(id string) (*SessionDetail, error) {
	detail := &SessionDetail{}
	if err := c.getFor("/api/sessions/"+url.PathEscape(id), nil, detail); err != nil {
		return nil, err
	}
	return detail, nil
}

// Turns returns a session's turn timeline in order, or ErrNotFound.
func (c *Client) Turns(id string, limit int) ([]convstore.Turn, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var resp struct {
		SessionID string           `json:"session_id"`
		Turns     []convstore.Turn `json:"turns"`
	}
	if err := c.getFor("/api/sessions/"+url.PathEscape(id)+"/turns", params, &resp); err != nil {
		return nil, err
	}
	return resp.Turns, nil
}

// MetricsRange returns one metric series over a window.
func (c *Client) MetricsRange(q RangeParams) (*RangeResult, error) {
	params := url.Values{}
	params.Set("category", q.Category)
	params.Set("name", q.Name)
	if q.SessionID != "" {
		params.Set("session_id", q.SessionID)
	}
	if !q.From.IsZero() {
		params.Set("from", q.From.UTC().Format(time.RFC3339))
	}
	if !q.To.IsZero() {
		params.Set("to", q.To.UTC().Format(time.RFC3339))
	}
	if q.Resolution != "" {
		params.Set("resolution", q.Resolution)
	}
	if q.MaxPoints > 0 {
		params.Set("max_points", strconv.Itoa(q.MaxPoints))
	}

	out := &RangeResult{}
	if err := c.getFor("/api/metrics/range", params, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Freshness() (*FreshnessReport, error) {
	out := &FreshnessReport{}
	if err := c.getFor("/api/freshness", nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health reports component liveness. Unlike the other calls a 503 is data,
// not an error: the report says what is down.
func (c *Client) Health() (*HealthReport, error) {
	resp, err := c.client.Get(c.BaseURL + "/api/health")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, apiError(resp.StatusCode, raw)
	}

	report := &HealthReport{}
	if err := json.Unmarshal(raw, report); err != nil {
		return nil, err
	}
	return report, nil
}

func (c *Client) Status() (*StatusReport, error) {
	out := &StatusReport{}
	if err := c.getFor("/api/status", nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListErrors returns recent derivation errors, newest first.
func (c *Client) ListErrors(limit int) ([]convstore.DerivationError, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var resp struct {
		Errors []convstore.DerivationError `json:"errors"`
	}
	if err := c.getFor("/api/errors", params, &resp); err != nil {
		return nil, err
	}
	return resp.Errors, nil
}

// ListDLQ returns dead-lettered events, oldest first.
func (c *Client) ListDLQ(limit int) ([]streamq.DLQEntry, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var resp struct {
		Entries []streamq.DLQEntry `json:"entries"`
	}
	if err := c.getFor("/api/dlq", params, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// ReplayDLQ re-appends matching dead-lettered events to the live stream and
// returns how many moved. Empty filter fields match everything.
func (c *Client) ReplayDLQ(platform, reason string, limit int64) (int64, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"platform": platform,
		"reason":   reason,
		"limit":    limit,
	})
	if err != nil {
		return 0, err
	}

	resp, err := c.client.Post(c.BaseURL+"/api/dlq/replay", "application/json", bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, apiError(resp.StatusCode, raw)
	}

	var out struct {
		Replayed int64 `json:"replayed"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, err
	}
	return out.Replayed, nil
}

// getFor sends a GET request and unmarshals a 200 response into out.
func (c *Client) getFor(path string, params url.Values, out interface{}) error {
	u := c.BaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	resp, err := c.client.Get(u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return apiError(resp.StatusCode, raw)
	}
	return json.Unmarshal(raw, out)
}

// apiError surfaces the server's own message when the body carries one.
func apiError(status int, raw []byte) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return fmt.Errorf("%s: %s", http.StatusText(status), body.Error)
	}
	return fmt.Errorf("%s: %s", http.StatusText(status), strings.TrimSpace(string(raw)))
}
