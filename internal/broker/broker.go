// Package broker is the single entry point every transport talks to.
//
// HTTP handlers, the WebSocket stream and the CLI never reach into the queue
// manager or the ledger directly. The Broker adds what sits around the
// scheduler: branch registration, stateless scoring and metrics.
//
//	Client → Broker.Admit → branch.Registry.Ensure → queue.Manager.Admit → Ledger
//	Client → Broker.DispatchNext → queue.Manager.DispatchNext → Ledger
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/snehjoshi/slotify/internal/branch"
	"github.com/snehjoshi/slotify/internal/config"
	"github.com/snehjoshi/slotify/internal/metrics"
	"github.com/snehjoshi/slotify/internal/queue"
	"github.com/snehjoshi/slotify/internal/scoring"
	"github.com/snehjoshi/slotify/internal/storage"
	"github.com/snehjoshi/slotify/internal/types"
)

// BranchInfo is one entry of Branches.
type BranchInfo struct {
	Name        string    `json:"name"`
	FirstSeen   time.Time `json:"first_seen"`
	Departments []string  `json:"departments,omitempty"`
	Active      int       `json:"active"`
}

// ─── Options ─────────────────────────────────────────────────────────────────

// Option is a functional option for the Broker.
type Option func(*Broker)

// WithMetrics records every operation in reg and exports queue depth.
func WithMetrics(reg *metrics.Registry) Option {
	return func(b *Broker) { b.metrics = reg }
}

// WithBranchRegistry replaces the default memory-only branch registry.
func WithBranchRegistry(reg *branch.Registry) Option {
	return func(b *Broker) { b.branches = reg }
}

// WithClock overrides the scheduler's time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// ─── Broker ───────────────────────────────────────────────────────────────────

// Broker wires the scoring engine, the queue manager and the branch registry
// into a single facade.
//
// All methods are safe for concurrent use.
type Broker struct {
	nodeID string
	scorer *scoring.Engine
	qm     *queue.Manager

	branches *branch.Registry
	metrics  *metrics.Registry
	now      func() time.Time

	cancel context.CancelFunc
}

// New builds a Broker over ledger and starts the queue manager's background
// work. events receives every scheduler event and may be nil.
func New(cfg *config.Config, nodeID string, ledger storage.Ledger, events queue.Events, opts ...Option) (*Broker, error) {
	b := &Broker{
		nodeID: nodeID,
		scorer: scoring.New(ScoringConfig(cfg.Scoring)),
	}
	for _, o := range opts {
		o(b)
	}
	if b.branches == nil {
		reg, err := branch.New("")
		if err != nil {
			return nil, err
		}
		b.branches = reg
	}

	// Tokens may predate the registry file (or the registry may be
	// memory-only), so learn every branch the ledger already holds.
	if err := ledger.ForEach(context.Background(), func(t *types.Token) error {
		if _, err := b.branches.Ensure(t.Branch, t.Department); err != nil && !errors.Is(err, branch.ErrInvalidName) {
			return err
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("broker: seed branch registry: %w", err)
	}

	qcfg := queue.Config{
		RetryBudget: cfg.Queue.RetryBudget,
		OpTimeout:   cfg.OpTimeoutDuration(),
		NoShowAfter: cfg.NoShowAfterDuration(),
		StatsWindow: cfg.Queue.StatsWindow,
		Now:         b.now,
	}
	b.qm = queue.NewManager(ledger, b.scorer, events, qcfg)

	ctx, cancel := context.WithCancel(context.Background())
	if err := b.qm.Start(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("broker: start queue manager: %w", err)
	}
	b.cancel = cancel

	if b.metrics != nil {
		b.metrics.RegisterQueueDepth(b.depth)
	}
	return b, nil
}

// ScoringConfig converts the file configuration into engine configuration.
func ScoringConfig(s config.ScoringConfig) scoring.Config {
	return scoring.Config{
		CriticalMin:    s.CriticalMin,
		UrgentMin:      s.UrgentMin,
		LessUrgentMin:  s.LessUrgentMin,
		WaitCritical:   s.WaitCritical,
		WaitUrgent:     s.WaitUrgent,
		WaitLessUrgent: s.WaitLessUrgent,
		WaitNonUrgent:  s.WaitNonUrgent,
		Weights: scoring.Weights{
			Symptoms: s.Weights.Symptoms,
			Vitals:   s.Weights.Vitals,
			Document: s.Weights.Document,
			History:  s.Weights.History,
			Age:      s.Weights.Age,
			Onset:    s.Weights.Onset,
		},
	}
}

// Close stops the queue manager. The ledger stays open; its owner closes it.
func (b *Broker) Close() error {
	b.cancel()
	return b.qm.Close()
}

// NodeID returns the identity of this server node.
func (b *Broker) NodeID() string { return b.nodeID }

// ─── Scoring ─────────────────────────────────────────────────────────────────

// Score runs the scoring engine without touching any queue.
func (b *Broker) Score(in types.Intake) scoring.Result {
	return b.scorer.Score(in)
}

// ─── Queue operations ────────────────────────────────────────────────────────

// Admit registers the intake's branch on first use, then scores and enqueues
// the intake.
func (b *Broker) Admit(ctx context.Context, in types.Intake) (tok *types.Token, err error) {
	defer b.observe("admit", in.Branch, time.Now(), &err)

	if !branch.ValidName(in.Branch) && in.Branch != "" {
		return nil, fmt.Errorf("%w: invalid branch name %q", queue.ErrValidation, in.Branch)
	}
	tok, err = b.qm.Admit(ctx, in)
	if err != nil {
		return nil, err
	}
	if _, rerr := b.branches.Ensure(tok.Branch, tok.Department); rerr != nil {
		// The token is committed; only the registry metadata is lost.
		slog.Warn("broker: branch registry update failed", "branch", tok.Branch, "err", rerr)
	}
	if b.metrics != nil {
		b.metrics.ObserveAdmit(tok.Branch, string(tok.Category), tok.UrgencyScore)
	}
	return tok, nil
}

// Reprioritize rescores a waiting token.
func (b *Broker) Reprioritize(ctx context.Context, id string, rs queue.Rescore) (tok *types.Token, err error) {
	defer b.observeToken("reprioritize", &tok, time.Now(), &err)
	return b.qm.Reprioritize(ctx, id, rs)
}

// Reorder recomputes the branch's positions and returns how many moved.
func (b *Broker) Reorder(ctx context.Context, branchName string) (n int, err error) {
	defer b.observe("reorder", branchName, time.Now(), &err)
	return b.qm.Reorder(ctx, branchName)
}

// DispatchNext claims the next token in branchName, optionally restricted to
// one department.
func (b *Broker) DispatchNext(ctx context.Context, branchName, department string) (tok *types.Token, err error) {
	defer b.observe("dispatch", branchName, time.Now(), &err)
	return b.qm.DispatchNext(ctx, branchName, department)
}

// StartService moves a called token to in-progress.
func (b *Broker) StartService(ctx context.Context, id string) (tok *types.Token, err error) {
	defer b.observeToken("start", &tok, time.Now(), &err)
	return b.qm.StartService(ctx, id)
}

// Complete closes a token after service.
func (b *Broker) Complete(ctx context.Context, id string) (tok *types.Token, err error) {
	defer b.observeToken("complete", &tok, time.Now(), &err)
	return b.qm.Complete(ctx, id)
}

// Cancel withdraws a token.
func (b *Broker) Cancel(ctx context.Context, id, reason string) (tok *types.Token, err error) {
	defer b.observeToken("cancel", &tok, time.Now(), &err)
	return b.qm.Cancel(ctx, id, reason)
}

// MarkNoShow closes a called token whose subject never arrived.
func (b *Broker) MarkNoShow(ctx context.Context, id string) (tok *types.Token, err error) {
	defer b.observeToken("no_show", &tok, time.Now(), &err)
	return b.qm.MarkNoShow(ctx, id)
}

// ─── Queries ─────────────────────────────────────────────────────────────────

func (b *Broker) Get(ctx context.Context, id string) (*types.Token, error) {
	return b.qm.Get(ctx, id)
}

func (b *Broker) GetByNumber(ctx context.Context, number string) (*types.Token, error) {
	return b.qm.GetByNumber(ctx, number)
}

// Queue returns the branch's active tokens in serving order.
func (b *Broker) Queue(ctx context.Context, branchName string) ([]*types.Token, error) {
	return b.qm.Active(ctx, branchName)
}

func (b *Broker) Stats(ctx context.Context, branchName string) (queue.Stats, error) {
	return b.qm.Stats(ctx, branchName)
}

// Branches lists every registered branch with its current queue depth.
func (b *Broker) Branches(ctx context.Context) ([]BranchInfo, error) {
	list := b.branches.List()
	out := make([]BranchInfo, 0, len(list))
	for _, br := range list {
		active, err := b.qm.Active(ctx, br.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, BranchInfo{
			Name:        br.Name,
			FirstSeen:   br.FirstSeen,
			Departments: br.Departments,
			Active:      len(active),
		})
	}
	return out, nil
}

// depth feeds the queue-depth gauge at scrape time.
func (b *Broker) depth() map[string]int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out := make(map[string]int)
	for _, name := range b.branches.Names() {
		active, err := b.qm.Active(ctx, name)
		if err != nil {
			continue
		}
		out[name] = len(active)
	}
	return out
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func (b *Broker) observe(op, branchName string, start time.Time, errp *error) {
	if b.metrics == nil {
		return
	}
	b.metrics.ObserveOp(op, branchName, Result(*errp), time.Since(start))
}

func (b *Broker) observeToken(op string, tok **types.Token, start time.Time, errp *error) {
	branchName := ""
	if *tok != nil {
		branchName = (*tok).Branch
	}
	b.observe(op, branchName, start, errp)
}

// Result classifies err into a metrics result label.
func Result(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, queue.ErrTimeout):
		return metrics.ResultTimeout
	case errors.Is(err, queue.ErrConflict):
		return metrics.ResultConflict
	case errors.Is(err, queue.ErrValidation),
		errors.Is(err, queue.ErrNotFound),
		errors.Is(err, queue.ErrInvalidState),
		errors.Is(err, queue.ErrEmptyQueue):
		return metrics.ResultRejected
	default:
		return metrics.ResultError
	}
}
