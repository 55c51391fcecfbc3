package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/snehjoshi/slotify/internal/branch"
	"github.com/snehjoshi/slotify/internal/broker"
	"github.com/snehjoshi/slotify/internal/consumer"
	"github.com/snehjoshi/slotify/internal/dlq"
	"github.com/snehjoshi/slotify/internal/notify"
	"github.com/snehjoshi/slotify/internal/queue"
	"github.com/snehjoshi/slotify/internal/types"
)

// Handler groups all HTTP request handlers around a Broker.
type Handler struct {
	broker  *broker.Broker
	dataDir string

	subs        *consumer.Manager
	deadLetters *dlq.Store
	replaySink  notify.Notifier
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type dispatchReq struct {
	Department string `json:"department"`
}

type cancelReq struct {
	Reason string `json:"reason"`
}

type queueResp struct {
	Branch string         `json:"branch"`
	Tokens []*types.Token `json:"tokens"`
}

type branchListResp struct {
	Branches []broker.BranchInfo `json:"branches"`
}

type reorderResp struct {
	Branch string `json:"branch"`
	Moved  int    `json:"moved"`
}

type subscribeReq struct {
	Branch string `json:"branch"`
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

type subscriptionListResp struct {
	Subscriptions []*consumer.Subscription `json:"subscriptions"`
}

type deadLettersResp struct {
	Count     int          `json:"count"`
	Discarded uint64       `json:"discarded"`
	Letters   []dlq.Letter `json:"letters"`
}

type replayResp struct {
	Replayed  int `json:"replayed"`
	Remaining int `json:"remaining"`
}

type healthResp struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	Branches int    `json:"branches"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
	Version  string `json:"version"`
	DataDir  string `json:"data_dir"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

var startTime = time.Now()

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	branches, err := h.broker.Branches(r.Context())
	if err != nil {
		writeQueueError(w, err)
		return
	}
	elapsed := time.Since(startTime)
	writeJSON(w, http.StatusOK, healthResp{
		Status:   "ok",
		NodeID:   h.broker.NodeID(),
		Branches: len(branches),
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
		Version:  "1.0.0",
		DataDir:  h.dataDir,
	})
}

// ─── Branches ─────────────────────────────────────────────────────────────────

func (h *Handler) listBranches(w http.ResponseWriter, r *http.Request) {
	list, err := h.broker.Branches(r.Context())
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, branchListResp{Branches: list})
}

func (h *Handler) admit(w http.ResponseWriter, r *http.Request) {
	name, ok := branchParam(w, r)
	if !ok {
		return
	}
	var in types.Intake
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.Branch != "" && in.Branch != name {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "branch in body does not match the URL"})
		return
	}
	in.Branch = name

	tok, err := h.broker.Admit(r.Context(), in)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tok)
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	name, ok := branchParam(w, r)
	if !ok {
		return
	}
	req := dispatchReq{Department: r.URL.Query().Get("department")}
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	tok, err := h.broker.DispatchNext(r.Context(), name, req.Department)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (h *Handler) reorder(w http.ResponseWriter, r *http.Request) {
	name, ok := branchParam(w, r)
	if !ok {
		return
	}
	n, err := h.broker.Reorder(r.Context(), name)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reorderResp{Branch: name, Moved: n})
}

func (h *Handler) branchQueue(w http.ResponseWriter, r *http.Request) {
	name, ok := branchParam(w, r)
	if !ok {
		return
	}
	toks, err := h.broker.Queue(r.Context(), name)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	if toks == nil {
		toks = []*types.Token{}
	}
	writeJSON(w, http.StatusOK, queueResp{Branch: name, Tokens: toks})
}

func (h *Handler) branchStats(w http.ResponseWriter, r *http.Request) {
	name, ok := branchParam(w, r)
	if !ok {
		return
	}
	st, err := h.broker.Stats(r.Context(), name)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ─── Tokens ───────────────────────────────────────────────────────────────────

func (h *Handler) getToken(w http.ResponseWriter, r *http.Request) {
	tok, err := h.broker.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (h *Handler) getTokenByNumber(w http.ResponseWriter, r *http.Request) {
	tok, err := h.broker.GetByNumber(r.Context(), r.PathValue("number"))
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (h *Handler) reprioritize(w http.ResponseWriter, r *http.Request) {
	var rs queue.Rescore
	if !decodeJSON(w, r, &rs) {
		return
	}
	tok, err := h.broker.Reprioritize(r.Context(), r.PathValue("id"), rs)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (h *Handler) startService(w http.ResponseWriter, r *http.Request) {
	tok, err := h.broker.StartService(r.Context(), r.PathValue("id"))
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	tok, err := h.broker.Complete(r.Context(), r.PathValue("id"))
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelReq
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	tok, err := h.broker.Cancel(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (h *Handler) noShow(w http.ResponseWriter, r *http.Request) {
	tok, err := h.broker.MarkNoShow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

// ─── Scoring ──────────────────────────────────────────────────────────────────

func (h *Handler) score(w http.ResponseWriter, r *http.Request) {
	var in types.Intake
	if !decodeJSON(w, r, &in) {
		return
	}
	writeJSON(w, http.StatusOK, h.broker.Score(in))
}

// ─── Subscriptions ────────────────────────────────────────────────────────────

func (h *Handler) subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeReq
	if !decodeJSON(w, r, &req) {
		return
	}
	sub, err := h.subs.Register(req.Branch, req.URL, req.Secret)
	if err != nil {
		writeSubscriptionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (h *Handler) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, subscriptionListResp{Subscriptions: h.subs.List()})
}

func (h *Handler) unsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := h.subs.Deregister(r.PathValue("id")); err != nil {
		writeSubscriptionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeSubscriptionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, consumer.ErrInvalidSubscription):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, consumer.ErrSubscriptionNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

// ─── Dead letters ─────────────────────────────────────────────────────────────

func (h *Handler) peekDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, deadLettersResp{
		Count:     h.deadLetters.Len(),
		Discarded: h.deadLetters.Discarded(),
		Letters:   h.deadLetters.Peek(limit),
	})
}

func (h *Handler) replayDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	n, err := h.deadLetters.Replay(r.Context(), h.replaySink, limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, replayResp{Replayed: n, Remaining: h.deadLetters.Len()})
}

func (h *Handler) drainDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	letters := h.deadLetters.Drain(limit)
	writeJSON(w, http.StatusOK, deadLettersResp{
		Count:     len(letters),
		Discarded: h.deadLetters.Discarded(),
		Letters:   letters,
	})
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// limitParam parses the optional ?limit= query parameter; 0 means all.
func limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
		return 0, false
	}
	return n, true
}

func branchParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := r.PathValue("branch")
	if !branch.ValidName(name) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "branch names must be 1-64 lowercase alphanumeric characters or hyphens",
		})
		return "", false
	}
	return name, true
}

// writeQueueError maps scheduler errors onto status codes.
func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrValidation):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, queue.ErrEmptyQueue):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "queue empty"})
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, queue.ErrInvalidState), errors.Is(err, queue.ErrConflict):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, queue.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeDecodeError(w, err)
		return false
	}
	return true
}

// decodeOptionalJSON is decodeJSON for endpoints whose body may be omitted.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeDecodeError(w, err)
		return false
	}
	return true
}

func writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
		return
	}
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
}
