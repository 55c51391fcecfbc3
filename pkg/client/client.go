// Package client is the Go SDK for the Slotify HTTP API.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	// Admit a subject at the front desk
//	tok, err := c.Admit(ctx, "north", client.Intake{
//	    SubjectRef: "mrn-1042",
//	    Symptoms:   []client.Symptom{{Text: "chest pain", Severity: 7}},
//	})
//
//	// A clinician claims the next subject
//	next, err := c.DispatchNext(ctx, "north", "")
//	c.Start(ctx, next.ID)
//	c.Complete(ctx, next.ID)
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. IsNotFound, IsEmptyQueue and IsConflict cover the common
// cases.
//
// Client is safe for concurrent use. It shares a single http.Client
// internally so connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("slotify: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server. An empty
// queue on dispatch is also a 404; see IsEmptyQueue.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsEmptyQueue reports whether DispatchNext found nothing to claim.
func IsEmptyQueue(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound && ae.Message == "queue empty"
}

// IsConflict reports whether the error is a 409: an illegal lifecycle
// transition, or a write that kept losing to concurrent updates.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}

// IsTimeout reports whether the server gave up waiting on the branch (504).
func IsTimeout(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusGatewayTimeout
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout. The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the Slotify API client.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a Client for the server at baseURL.
//
//	c := client.New("http://localhost:8080")
//	c := client.New("https://slotify.example.org", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Domain types ─────────────────────────────────────────────────────────────

type Symptom struct {
	Text     string `json:"text"`
	Severity int    `json:"severity"`
}

// Vitals uses zero for "not measured".
type Vitals struct {
	SystolicBP       float64 `json:"systolic_bp,omitempty"`
	DiastolicBP      float64 `json:"diastolic_bp,omitempty"`
	HeartRate        float64 `json:"heart_rate,omitempty"`
	Temperature      float64 `json:"temperature,omitempty"`
	OxygenSaturation float64 `json:"oxygen_saturation,omitempty"`
}

type Condition struct {
	Name     string `json:"name"`
	Resolved bool   `json:"resolved,omitempty"`
}

// Document is the output of an upstream document analysis.
type Document struct {
	UrgencyScore    float64            `json:"urgency_score"`
	ExtractedVitals map[string]float64 `json:"extracted_vitals,omitempty"`
}

// Intake is what the front desk knows about a subject. Only SubjectRef is
// required; Branch is taken from the Admit call.
type Intake struct {
	SubjectRef string      `json:"subject_ref"`
	Branch     string      `json:"branch,omitempty"`
	Department string      `json:"department,omitempty"`
	Symptoms   []Symptom   `json:"symptoms,omitempty"`
	Vitals     Vitals      `json:"vitals"`
	Age        *int        `json:"age,omitempty"`
	History    []Condition `json:"history,omitempty"`
	Onset      string      `json:"onset,omitempty"`
	Documents  []Document  `json:"documents,omitempty"`
}

type PositionEntry struct {
	From   int       `json:"from"`
	To     int       `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// Token is a subject's place in a branch queue.
type Token struct {
	ID         string `json:"id"`
	Number     string `json:"number"`
	SubjectRef string `json:"subject_ref"`
	Branch     string `json:"branch"`
	Department string `json:"department,omitempty"`

	Category     string  `json:"category"`
	Priority     int     `json:"priority"`
	UrgencyScore float64 `json:"urgency_score"`
	Status       string  `json:"status"`

	IssuedAt        time.Time       `json:"issued_at"`
	DisplayNumber   int             `json:"display_number"`
	CurrentPosition int             `json:"current_position"`
	PositionHistory []PositionEntry `json:"position_history,omitempty"`
	RequeueCount    int             `json:"requeue_count"`

	EstimatedWaitMinutes int `json:"estimated_wait_minutes"`

	CalledAt           *time.Time `json:"called_at,omitempty"`
	ServiceStartedAt   *time.Time `json:"service_started_at,omitempty"`
	ServiceCompletedAt *time.Time `json:"service_completed_at,omitempty"`
	ActualWaitMinutes  float64    `json:"actual_wait_minutes,omitempty"`
	CancelReason       string     `json:"cancel_reason,omitempty"`

	Version uint64 `json:"version"`
}

// SubScores are the per-factor contributions to a score, each in [0,100].
type SubScores struct {
	Symptoms float64 `json:"symptoms"`
	Vitals   float64 `json:"vitals"`
	Age      float64 `json:"age"`
	History  float64 `json:"history"`
	Onset    float64 `json:"onset"`
	Document float64 `json:"document"`
}

// ScoreResult is returned by Score.
type ScoreResult struct {
	UrgencyScore         float64   `json:"urgency_score"`
	Category             string    `json:"category"`
	Priority             int       `json:"priority"`
	EstimatedWaitMinutes int       `json:"estimated_wait_minutes"`
	SubScores            SubScores `json:"sub_scores"`
}

type BranchInfo struct {
	Name        string    `json:"name"`
	FirstSeen   time.Time `json:"first_seen"`
	Departments []string  `json:"departments,omitempty"`
	Active      int       `json:"active"`
}

type Stats struct {
	Branch         string         `json:"branch"`
	Counts         map[string]int `json:"counts"`
	Active         int            `json:"active"`
	AvgWaitMinutes float64        `json:"avg_wait_minutes"`
	WaitSamples    int            `json:"wait_samples"`
	PendingNoShow  int            `json:"pending_no_show"`
}

type Health struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	Branches int    `json:"branches"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
	Version  string `json:"version"`
}

// ─── Health & scoring ─────────────────────────────────────────────────────────

func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Score runs the scoring engine on in without admitting anyone.
func (c *Client) Score(ctx context.Context, in Intake) (*ScoreResult, error) {
	var res ScoreResult
	if err := c.do(ctx, http.MethodPost, "/score", in, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ─── Branches ─────────────────────────────────────────────────────────────────

func (c *Client) Branches(ctx context.Context) ([]BranchInfo, error) {
	var resp struct {
		Branches []BranchInfo `json:"branches"`
	}
	if err := c.do(ctx, http.MethodGet, "/branches", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Branches, nil
}

// Admit scores in and places the subject in branch's queue.
func (c *Client) Admit(ctx context.Context, branch string, in Intake) (*Token, error) {
	var tok Token
	if err := c.do(ctx, http.MethodPost, "/branches/"+url.PathEscape(branch)+"/tokens", in, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

// DispatchNext claims the next subject in branch. department may be empty.
// An empty queue yields an error for which IsEmptyQueue is true.
func (c *Client) DispatchNext(ctx context.Context, branch, department string) (*Token, error) {
	var tok Token
	body := map[string]string{"department": department}
	if err := c.do(ctx, http.MethodPost, "/branches/"+url.PathEscape(branch)+"/dispatch", body, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

// Reorder recomputes branch's positions and returns how many tokens moved.
func (c *Client) Reorder(ctx context.Context, branch string) (int, error) {
	var resp struct {
		Moved int `json:"moved"`
	}
	if err := c.do(ctx, http.MethodPost, "/branches/"+url.PathEscape(branch)+"/reorder", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Moved, nil
}

// Queue returns branch's waiting tokens in serving order.
func (c *Client) Queue(ctx context.Context, branch string) ([]Token, error) {
	var resp struct {
		Tokens []Token `json:"tokens"`
	}
	if err := c.do(ctx, http.MethodGet, "/branches/"+url.PathEscape(branch)+"/queue", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tokens, nil
}

func (c *Client) Stats(ctx context.Context, branch string) (*Stats, error) {
	var st Stats
	if err := c.do(ctx, http.MethodGet, "/branches/"+url.PathEscape(branch)+"/stats", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// ─── Tokens ───────────────────────────────────────────────────────────────────

func (c *Client) Get(ctx context.Context, id string) (*Token, error) {
	return c.token(ctx, http.MethodGet, "/tokens/"+url.PathEscape(id), nil)
}

// GetByNumber looks a token up by its printed number, e.g. "north-C-20240115-007".
func (c *Client) GetByNumber(ctx context.Context, number string) (*Token, error) {
	return c.token(ctx, http.MethodGet, "/tokens/by-number/"+url.PathEscape(number), nil)
}

// Reprioritize re-scores a waiting token from a fresh intake.
func (c *Client) Reprioritize(ctx context.Context, id string, in Intake) (*Token, error) {
	return c.token(ctx, http.MethodPost, "/tokens/"+url.PathEscape(id)+"/reprioritize",
		map[string]any{"intake": in})
}

// ReprioritizeScore re-ranks a waiting token with an externally computed
// score in [0,100].
func (c *Client) ReprioritizeScore(ctx context.Context, id string, score float64) (*Token, error) {
	return c.token(ctx, http.MethodPost, "/tokens/"+url.PathEscape(id)+"/reprioritize",
		map[string]any{"score": score})
}

func (c *Client) Start(ctx context.Context, id string) (*Token, error) {
	return c.token(ctx, http.MethodPost, "/tokens/"+url.PathEscape(id)+"/start", nil)
}

func (c *Client) Complete(ctx context.Context, id string) (*Token, error) {
	return c.token(ctx, http.MethodPost, "/tokens/"+url.PathEscape(id)+"/complete", nil)
}

func (c *Client) Cancel(ctx context.Context, id, reason string) (*Token, error) {
	return c.token(ctx, http.MethodPost, "/tokens/"+url.PathEscape(id)+"/cancel",
		map[string]string{"reason": reason})
}

func (c *Client) NoShow(ctx context.Context, id string) (*Token, error) {
	return c.token(ctx, http.MethodPost, "/tokens/"+url.PathEscape(id)+"/no-show", nil)
}

func (c *Client) token(ctx context.Context, method, path string, body any) (*Token, error) {
	var tok Token
	if err := c.do(ctx, method, path, body, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

// ─── Subscriptions ────────────────────────────────────────────────────────────

// Subscription is a webhook registered at runtime. An empty Branch receives
// events from every branch.
type Subscription struct {
	ID        string    `json:"id"`
	Branch    string    `json:"branch,omitempty"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
	Signed    bool      `json:"signed"`
}

// Subscribe registers endpoint to receive events. When secret is set every POST
// carries an X-Slotify-Signature HMAC of its body.
func (c *Client) Subscribe(ctx context.Context, branch, endpoint, secret string) (*Subscription, error) {
	var sub Subscription
	body := map[string]string{"branch": branch, "url": endpoint, "secret": secret}
	if err := c.do(ctx, http.MethodPost, "/subscriptions", body, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *Client) Subscriptions(ctx context.Context) ([]Subscription, error) {
	var resp struct {
		Subscriptions []Subscription `json:"subscriptions"`
	}
	if err := c.do(ctx, http.MethodGet, "/subscriptions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Subscriptions, nil
}

func (c *Client) Unsubscribe(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(id), nil, nil)
}

// ─── Dead letters ─────────────────────────────────────────────────────────────

// DeadLetter is an event a notification sink failed to accept. Event is the
// original envelope as sent to sinks.
type DeadLetter struct {
	Event    json.RawMessage `json:"event"`
	Error    string          `json:"error"`
	FailedAt time.Time       `json:"failed_at"`
	Attempts int             `json:"attempts"`
}

// DeadLetters returns up to limit of the oldest dead letters and the total
// held. limit 0 returns all. The server must run with the dead-letter store
// enabled.
func (c *Client) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, int, error) {
	var resp struct {
		Count   int          `json:"count"`
		Letters []DeadLetter `json:"letters"`
	}
	if err := c.do(ctx, http.MethodGet, "/events/dead-letters"+limitQuery(limit), nil, &resp); err != nil {
		return nil, 0, err
	}
	return resp.Letters, resp.Count, nil
}

// ReplayDeadLetters redelivers up to limit dead letters and returns how many
// succeeded.
func (c *Client) ReplayDeadLetters(ctx context.Context, limit int) (int, error) {
	var resp struct {
		Replayed int `json:"replayed"`
	}
	if err := c.do(ctx, http.MethodPost, "/events/dead-letters/replay"+limitQuery(limit), nil, &resp); err != nil {
		return 0, err
	}
	return resp.Replayed, nil
}

func limitQuery(limit int) string {
	if limit <= 0 {
		return ""
	}
	return "?limit=" + strconv.Itoa(limit)
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
// A 204 No Content response is treated as success with no body.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("slotify: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("slotify: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("slotify: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("slotify: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("slotify: decode response: %w", err)
		}
	}
	return nil
}
