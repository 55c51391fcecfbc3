// Package queue is the per-branch priority scheduler.
//
// Each branch has one logical lock. Every operation:
//  1. acquires the branch lock (honouring the caller's deadline),
//  2. stages its changes on copies of the affected tokens,
//  3. commits them to the ledger in one atomic batch guarded by per-token
//     versions and the display-number counter,
//  4. only then swaps the staged copies into the in-memory branch view and
//     publishes events.
//
// A version conflict (someone else wrote the ledger) reloads the branch and
// retries, up to the retry budget. A deadline that expires before the commit
// leaves everything as it was.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/snehjoshi/slotify/internal/node"
	"github.com/snehjoshi/slotify/internal/notify"
	"github.com/snehjoshi/slotify/internal/scheduler"
	"github.com/snehjoshi/slotify/internal/scoring"
	"github.com/snehjoshi/slotify/internal/storage"
	"github.com/snehjoshi/slotify/internal/types"
)

// Config tunes a Manager. All zero values are usable.
type Config struct {
	// RetryBudget is how many times an operation is retried after a ledger
	// version conflict.
	RetryBudget int
	// OpTimeout is applied to calls whose context has no deadline. Zero
	// means none.
	OpTimeout time.Duration
	// NoShowAfter marks a called token no-show if service has not started in
	// this window. Zero disables the reaper.
	NoShowAfter time.Duration
	// StatsWindow is how many recent completions feed Stats.AvgWaitMinutes.
	StatsWindow int
	// Now returns the current time. nil means time.Now.
	Now func() time.Time
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RetryBudget: 3,
		OpTimeout:   5 * time.Second,
		NoShowAfter: 15 * time.Minute,
		StatsWindow: 50,
	}
}

// Events receives scheduler events. Implementations must not block;
// *notify.Dispatcher is the production one.
type Events interface {
	PositionChanged(notify.PositionChange)
	StatusChanged(notify.StatusChange)
}

type discardEvents struct{}

func (discardEvents) PositionChanged(notify.PositionChange) {}
func (discardEvents) StatusChanged(notify.StatusChange)     {}

// Rescore is the new evidence for Reprioritize: either a fresh intake to run
// through the scoring engine, or an already-computed score.
type Rescore struct {
	Intake *types.Intake `json:"intake,omitempty"`
	Score  *float64      `json:"score,omitempty"`
}

// Stats summarises one branch.
type Stats struct {
	Branch         string               `json:"branch"`
	Counts         map[types.Status]int `json:"counts"`
	Active         int                  `json:"active"`
	AvgWaitMinutes float64              `json:"avg_wait_minutes"`
	WaitSamples    int                  `json:"wait_samples"`
	PendingNoShow  int                  `json:"pending_no_show"`
}

// Manager owns every branch's scheduling state.
//
// All methods are safe for concurrent use. Operations on different branches
// never wait on each other.
type Manager struct {
	ledger storage.Ledger
	scorer *scoring.Engine
	events Events
	cfg    Config
	now    func() time.Time

	// reaper is nil when NoShowAfter is zero.
	reaper *scheduler.Scheduler

	mu       sync.Mutex
	branches map[string]*branch
}

// NewManager creates a Manager. events may be nil.
func NewManager(ledger storage.Ledger, scorer *scoring.Engine, events Events, cfg Config) *Manager {
	if events == nil {
		events = discardEvents{}
	}
	if scorer == nil {
		scorer = scoring.New(scoring.DefaultConfig())
	}
	if cfg.RetryBudget < 0 {
		cfg.RetryBudget = 0
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	m := &Manager{
		ledger:   ledger,
		scorer:   scorer,
		events:   events,
		cfg:      cfg,
		now:      now,
		branches: make(map[string]*branch),
	}
	if cfg.NoShowAfter > 0 {
		m.reaper = scheduler.New(now)
	}
	return m
}

// Start launches the no-show reaper and re-arms deadlines for tokens that
// were left called when the process last stopped.
func (m *Manager) Start(ctx context.Context) error {
	if m.reaper == nil {
		return nil
	}
	err := m.ledger.ForEach(ctx, func(t *types.Token) error {
		if t.Status == types.StatusCalled && t.CalledAt != nil {
			m.reaper.Schedule(t.ID, t.Branch, t.CalledAt.Add(m.cfg.NoShowAfter))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: re-arm no-show deadlines: %w", err)
	}
	m.reaper.Start(ctx, func(tokenID, branch string) {
		opCtx, cancel := context.WithTimeout(ctx, m.timeoutOrDefault())
		defer cancel()
		if _, err := m.MarkNoShow(opCtx, tokenID); err != nil {
			if !errors.Is(err, ErrInvalidState) && !errors.Is(err, ErrNotFound) {
				slog.Warn("no-show reaper failed", "token", tokenID, "branch", branch, "err", err)
			}
			return
		}
		slog.Info("token marked no-show", "token", tokenID, "branch", branch)
	})
	return nil
}

// Close stops the reaper. The ledger is owned by the caller.
func (m *Manager) Close() error {
	if m.reaper != nil {
		m.reaper.Stop()
	}
	return nil
}

// ─── Operations ──────────────────────────────────────────────────────────────

// Admit scores the intake, allocates the next display number for
// (branch, category, day) and places the new token in the branch ranking.
func (m *Manager) Admit(ctx context.Context, in types.Intake) (*types.Token, error) {
	if err := validateIntake(in); err != nil {
		return nil, err
	}
	res := m.scorer.Score(in)

	p, err := m.mutate(ctx, in.Branch, func(ctx context.Context, b *branch, p *plan) error {
		day := p.now.UTC().Format("20060102")
		key := sequenceKey(in.Branch, res.Category, day)
		cur, err := m.ledger.Sequence(ctx, key)
		if err != nil {
			return fmt.Errorf("read sequence %s: %w", key, err)
		}
		id, err := node.NewIDAt(p.now)
		if err != nil {
			return fmt.Errorf("allocate id: %w", err)
		}
		display := int(cur + 1)
		tok := &types.Token{
			ID:                   id,
			Number:               TokenNumber(in.Branch, res.Category, day, display),
			SubjectRef:           in.SubjectRef,
			Branch:               in.Branch,
			Department:           in.Department,
			Category:             res.Category,
			Priority:             res.Priority,
			UrgencyScore:         res.UrgencyScore,
			Status:               types.StatusActive,
			IssuedAt:             p.now,
			DisplayNumber:        display,
			EstimatedWaitMinutes: res.EstimatedWaitMinutes,
		}
		p.insert(tok)
		p.seqs = append(p.seqs, storage.SequenceUpdate{Key: key, Expect: cur, Next: cur + 1})
		p.statuses = append(p.statuses, notify.StatusChange{
			TokenID: tok.ID, Number: tok.Number, Branch: tok.Branch,
			To: types.StatusActive, At: p.now,
		})
		p.rerank(append(append([]*types.Token(nil), b.active...), tok), ReasonAdmitted)
		p.result = tok
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p.result.Clone(), nil
}

// Reprioritize re-scores an active token and re-ranks its branch.
// RequeueCount is bumped only when the priority actually changes.
func (m *Manager) Reprioritize(ctx context.Context, id string, rs Rescore) (*types.Token, error) {
	var res scoring.Result
	switch {
	case rs.Intake != nil && rs.Score != nil:
		return nil, fmt.Errorf("%w: give either an intake or a score, not both", ErrValidation)
	case rs.Intake != nil:
		res = m.scorer.Score(*rs.Intake)
	case rs.Score != nil:
		if math.IsNaN(*rs.Score) || *rs.Score < 0 || *rs.Score > 100 {
			return nil, fmt.Errorf("%w: score %v outside [0,100]", ErrValidation, *rs.Score)
		}
		res = m.scorer.Classify(*rs.Score)
	default:
		return nil, fmt.Errorf("%w: intake or score is required", ErrValidation)
	}

	return m.mutateToken(ctx, id, func(ctx context.Context, b *branch, p *plan, cur *types.Token) error {
		if cur.Status != types.StatusActive {
			return fmt.Errorf("%w: token %s is %s, only active tokens can be reprioritized", ErrInvalidState, id, cur.Status)
		}
		s := p.stage(cur)
		if s.Priority != res.Priority {
			s.RequeueCount++
		}
		s.Priority = res.Priority
		s.Category = res.Category
		s.UrgencyScore = res.UrgencyScore
		s.EstimatedWaitMinutes = res.EstimatedWaitMinutes

		before := s.CurrentPosition
		p.rerank(b.active, ReasonReprioritized)
		if s.CurrentPosition == before {
			s.PositionHistory = append(s.PositionHistory, types.PositionEntry{
				From: before, To: before, At: p.now, Reason: ReasonReprioritized,
			})
		}
		p.result = s
		return nil
	})
}

// Reorder recomputes the dense positions of branch from the ledger and
// writes only the tokens that moved. It returns how many moved.
func (m *Manager) Reorder(ctx context.Context, branchName string) (int, error) {
	p, err := m.mutate(ctx, branchName, func(ctx context.Context, b *branch, p *plan) error {
		if err := m.load(ctx, b); err != nil {
			return err
		}
		p.rerank(b.active, ReasonReorder)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(p.positions), nil
}

// DispatchNext claims the highest-ranked active token of branch (optionally
// restricted to one department) and moves it to called.
func (m *Manager) DispatchNext(ctx context.Context, branchName, department string) (*types.Token, error) {
	if branchName == "" {
		return nil, fmt.Errorf("%w: branch is required", ErrValidation)
	}
	p, err := m.mutate(ctx, branchName, func(ctx context.Context, b *branch, p *plan) error {
		var next *types.Token
		for _, t := range b.active {
			if department == "" || t.Department == department {
				next = t
				break
			}
		}
		if next == nil {
			if department != "" {
				return fmt.Errorf("%w: branch %s department %s", ErrEmptyQueue, branchName, department)
			}
			return fmt.Errorf("%w: branch %s", ErrEmptyQueue, branchName)
		}
		s := p.stage(next)
		p.transition(s, types.StatusCalled)
		s.CalledAt = timePtr(p.now)
		p.leave(b, s, ReasonDispatched)
		p.result = s
		if m.reaper != nil {
			p.onCommit = func() { m.reaper.Schedule(s.ID, s.Branch, p.now.Add(m.cfg.NoShowAfter)) }
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p.result.Clone(), nil
}

// StartService moves a called token to in-progress.
func (m *Manager) StartService(ctx context.Context, id string) (*types.Token, error) {
	return m.mutateToken(ctx, id, func(_ context.Context, _ *branch, p *plan, cur *types.Token) error {
		if !ValidTransition(cur.Status, types.StatusInProgress) {
			return fmt.Errorf("%w: cannot start token %s from %s", ErrInvalidState, id, cur.Status)
		}
		s := p.stage(cur)
		p.transition(s, types.StatusInProgress)
		s.ServiceStartedAt = timePtr(p.now)
		p.result = s
		p.onCommit = func() { m.cancelDeadline(id) }
		return nil
	})
}

// Complete closes a called or in-progress token and records how long the
// subject waited from issue to completion.
func (m *Manager) Complete(ctx context.Context, id string) (*types.Token, error) {
	return m.mutateToken(ctx, id, func(_ context.Context, b *branch, p *plan, cur *types.Token) error {
		if !ValidTransition(cur.Status, types.StatusCompleted) {
			return fmt.Errorf("%w: cannot complete token %s from %s", ErrInvalidState, id, cur.Status)
		}
		s := p.stage(cur)
		p.transition(s, types.StatusCompleted)
		s.ServiceCompletedAt = timePtr(p.now)
		s.ActualWaitMinutes = round2(p.now.Sub(s.IssuedAt).Minutes())
		// The token left the active set at dispatch; this only repairs drift.
		p.rerank(b.active, ReasonCompleted)
		p.result = s
		p.onCommit = func() { m.cancelDeadline(id) }
		return nil
	})
}

// Cancel closes an active or called token with a reason.
func (m *Manager) Cancel(ctx context.Context, id, reason string) (*types.Token, error) {
	return m.mutateToken(ctx, id, func(_ context.Context, b *branch, p *plan, cur *types.Token) error {
		if !ValidTransition(cur.Status, types.StatusCancelled) {
			return fmt.Errorf("%w: cannot cancel token %s from %s", ErrInvalidState, id, cur.Status)
		}
		wasActive := cur.Status == types.StatusActive
		s := p.stage(cur)
		p.transition(s, types.StatusCancelled)
		s.CancelReason = reason
		if wasActive {
			p.leave(b, s, ReasonCancelled)
		} else {
			p.rerank(b.active, ReasonCancelled)
		}
		p.result = s
		p.onCommit = func() { m.cancelDeadline(id) }
		return nil
	})
}

// MarkNoShow closes a called token whose subject never turned up. Positions
// are untouched: the token left the active set when it was dispatched.
func (m *Manager) MarkNoShow(ctx context.Context, id string) (*types.Token, error) {
	return m.mutateToken(ctx, id, func(_ context.Context, _ *branch, p *plan, cur *types.Token) error {
		if !ValidTransition(cur.Status, types.StatusNoShow) {
			return fmt.Errorf("%w: cannot mark token %s no-show from %s", ErrInvalidState, id, cur.Status)
		}
		s := p.stage(cur)
		p.transition(s, types.StatusNoShow)
		p.result = s
		p.onCommit = func() { m.cancelDeadline(id) }
		return nil
	})
}

// ─── Queries ─────────────────────────────────────────────────────────────────

// Get returns a token by ID.
func (m *Manager) Get(ctx context.Context, id string) (*types.Token, error) {
	tok, err := m.ledger.Get(ctx, id)
	if err != nil {
		return nil, mapErr(fmt.Errorf("token %s: %w", id, err))
	}
	return tok, nil
}

// GetByNumber returns a token by its human-facing number.
func (m *Manager) GetByNumber(ctx context.Context, number string) (*types.Token, error) {
	tok, err := m.ledger.GetByNumber(ctx, number)
	if err != nil {
		return nil, mapErr(fmt.Errorf("number %s: %w", number, err))
	}
	return tok, nil
}

// Active returns the branch's active tokens in serving order.
func (m *Manager) Active(ctx context.Context, branchName string) ([]*types.Token, error) {
	toks, err := m.ledger.Ranked(ctx, branchName, types.StatusActive)
	if err != nil {
		return nil, mapErr(fmt.Errorf("branch %s: %w", branchName, err))
	}
	return toks, nil
}

// Stats counts the branch's tokens by status and averages the actual wait
// of its most recent completions.
func (m *Manager) Stats(ctx context.Context, branchName string) (Stats, error) {
	st := Stats{Branch: branchName, Counts: make(map[types.Status]int)}
	for _, status := range []types.Status{
		types.StatusActive, types.StatusCalled, types.StatusInProgress,
		types.StatusCompleted, types.StatusCancelled, types.StatusNoShow,
	} {
		toks, err := m.ledger.Ranked(ctx, branchName, status)
		if err != nil {
			return Stats{}, mapErr(fmt.Errorf("branch %s: %w", branchName, err))
		}
		st.Counts[status] = len(toks)
		if status == types.StatusCompleted {
			st.AvgWaitMinutes, st.WaitSamples = recentAverageWait(toks, m.cfg.StatsWindow)
		}
	}
	st.Active = st.Counts[types.StatusActive]
	if m.reaper != nil {
		st.PendingNoShow = m.reaper.CountByBranch(branchName)
	}
	return st, nil
}

// ─── Internals ───────────────────────────────────────────────────────────────

type stageFunc func(ctx context.Context, b *branch, p *plan) error

// mutate runs stage under the branch lock and commits its plan, retrying on
// version conflicts. On success the branch view is updated and the plan's
// events are published before the lock is released, so events for one
// token come out in commit order.
func (m *Manager) mutate(ctx context.Context, branchName string, stage stageFunc) (*plan, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	b := m.branch(branchName)
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: waiting for branch %s: %w", ErrTimeout, branchName, err)
	}
	defer b.sem.Release(1)

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: branch %s: %w", ErrTimeout, branchName, err)
		}
		if !b.loaded {
			if err := m.load(ctx, b); err != nil {
				return nil, mapErr(err)
			}
		}

		p := newPlan(m.now())
		if err := stage(ctx, b, p); err != nil {
			return nil, mapErr(err)
		}

		err := m.ledger.Commit(ctx, p.batch())
		if err == nil {
			if p.reranked {
				b.active = p.active
			}
			if p.onCommit != nil {
				p.onCommit()
			}
			m.publish(p)
			return p, nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return nil, mapErr(fmt.Errorf("commit: %w", err))
		}
		b.loaded = false
		if attempt >= m.cfg.RetryBudget {
			return nil, fmt.Errorf("%w: branch %s after %d attempts", ErrConflict, branchName, attempt+1)
		}
		slog.Warn("ledger conflict, retrying", "branch", branchName, "attempt", attempt+1)
	}
}

type tokenStageFunc func(ctx context.Context, b *branch, p *plan, cur *types.Token) error

// mutateToken locates the token's branch, then runs stage on the freshest
// committed copy of the token under that branch's lock.
func (m *Manager) mutateToken(ctx context.Context, id string, stage tokenStageFunc) (*types.Token, error) {
	probe, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := m.mutate(ctx, probe.Branch, func(ctx context.Context, b *branch, p *plan) error {
		cur := b.find(id)
		if cur == nil {
			var err error
			if cur, err = m.ledger.Get(ctx, id); err != nil {
				return err
			}
		}
		return stage(ctx, b, p, cur)
	})
	if err != nil {
		return nil, err
	}
	return p.result.Clone(), nil
}

// load replaces the branch view with the ledger's active set.
func (m *Manager) load(ctx context.Context, b *branch) error {
	active, err := m.ledger.Ranked(ctx, b.name, types.StatusActive)
	if err != nil {
		return fmt.Errorf("load branch %s: %w", b.name, err)
	}
	if !positionsDense(active) {
		slog.Warn("branch positions not dense, next reorder repairs them", "branch", b.name)
	}
	b.active = active
	b.loaded = true
	return nil
}

func (m *Manager) publish(p *plan) {
	for _, c := range p.statuses {
		m.events.StatusChanged(c)
	}
	for _, c := range p.positions {
		m.events.PositionChanged(c)
	}
}

func (m *Manager) branch(name string) *branch {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.branches[name]
	if !ok {
		b = newBranch(name)
		m.branches[name] = b
	}
	return b
}

func (m *Manager) cancelDeadline(id string) {
	if m.reaper != nil {
		m.reaper.Cancel(id)
	}
}

func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || m.cfg.OpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.cfg.OpTimeout)
}

func (m *Manager) timeoutOrDefault() time.Duration {
	if m.cfg.OpTimeout > 0 {
		return m.cfg.OpTimeout
	}
	return 5 * time.Second
}

// mapErr maps ledger and context failures onto the package's sentinels.
// Business errors pass through untouched.
func mapErr(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func validateIntake(in types.Intake) error {
	var missing []string
	if strings.TrimSpace(in.SubjectRef) == "" {
		missing = append(missing, "subject_ref")
	}
	if strings.TrimSpace(in.Branch) == "" {
		missing = append(missing, "branch")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrValidation, strings.Join(missing, ", "))
	}
	if strings.ContainsRune(in.Branch, 0) {
		return fmt.Errorf("%w: branch contains a NUL byte", ErrValidation)
	}
	return nil
}

func sequenceKey(branchName string, c types.Category, day string) string {
	return branchName + "|" + c.Code() + "|" + day
}

// TokenNumber formats the human-facing number, e.g. "north-C-20240115-007".
func TokenNumber(branchName string, c types.Category, day string, display int) string {
	return fmt.Sprintf("%s-%s-%s-%03d", branchName, c.Code(), day, display)
}

// recentAverageWait averages ActualWaitMinutes over the window most recently
// completed tokens.
func recentAverageWait(completed []*types.Token, window int) (float64, int) {
	done := make([]*types.Token, 0, len(completed))
	for _, t := range completed {
		if t.ServiceCompletedAt != nil {
			done = append(done, t)
		}
	}
	sort.Slice(done, func(i, j int) bool { return done[i].ServiceCompletedAt.After(*done[j].ServiceCompletedAt) })
	if window > 0 && len(done) > window {
		done = done[:window]
	}
	if len(done) == 0 {
		return 0, 0
	}
	var sum float64
	for _, t := range done {
		sum += t.ActualWaitMinutes
	}
	return round2(sum / float64(len(done))), len(done)
}

func timePtr(t time.Time) *time.Time { return &t }

func round2(v float64) float64 { return math.Round(v*100) / 100 }
