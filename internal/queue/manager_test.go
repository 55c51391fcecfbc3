package queue_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/snehjoshi/slotify/internal/notify"
	"github.com/snehjoshi/slotify/internal/queue"
	"github.com/snehjoshi/slotify/internal/storage"
	"github.com/snehjoshi/slotify/internal/storage/memory"
	"github.com/snehjoshi/slotify/internal/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recorder captures events in publish order.
type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) PositionChanged(c notify.PositionChange) {
	r.mu.Lock()
	r.events = append(r.events, notify.Event{Kind: notify.KindPosition, Position: &c})
	r.mu.Unlock()
}

func (r *recorder) StatusChanged(c notify.StatusChange) {
	r.mu.Lock()
	r.events = append(r.events, notify.Event{Kind: notify.KindStatus, Status: &c})
	r.mu.Unlock()
}

func (r *recorder) positions(tokenID string) [][2]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out [][2]int
	for _, e := range r.events {
		if e.Position != nil && e.Position.TokenID == tokenID {
			out = append(out, [2]int{e.Position.From, e.Position.To})
		}
	}
	return out
}

type fixture struct {
	mgr    *queue.Manager
	ledger storage.Ledger
	clock  *clock
	events *recorder
}

func newFixture(t *testing.T, ledger storage.Ledger, mutate func(*queue.Config)) *fixture {
	t.Helper()
	if ledger == nil {
		ledger = memory.New()
	}
	clk := newClock()
	rec := &recorder{}
	cfg := queue.DefaultConfig()
	cfg.NoShowAfter = 0
	cfg.Now = clk.Now
	if mutate != nil {
		mutate(&cfg)
	}
	mgr := queue.NewManager(ledger, nil, rec, cfg)
	t.Cleanup(func() { _ = mgr.Close() })
	return &fixture{mgr: mgr, ledger: ledger, clock: clk, events: rec}
}

func intake(subject string, symptoms ...types.Symptom) types.Intake {
	return types.Intake{SubjectRef: subject, Branch: "north", Symptoms: symptoms}
}

var (
	critical   = types.Symptom{Text: "chest pain", Severity: 5}   // priority 5
	urgent     = types.Symptom{Text: "fracture", Severity: 5}     // priority 4
	lessUrgent = types.Symptom{Text: "cough", Severity: 5}        // priority 3
	nonUrgent  = types.Symptom{Text: "mild itching", Severity: 1} // priority 2
)

func (f *fixture) admit(t *testing.T, in types.Intake) *types.Token {
	t.Helper()
	tok, err := f.mgr.Admit(context.Background(), in)
	if err != nil {
		t.Fatalf("Admit(%s): %v", in.SubjectRef, err)
	}
	f.clock.Advance(time.Second)
	return tok
}

func (f *fixture) get(t *testing.T, id string) *types.Token {
	t.Helper()
	tok, err := f.mgr.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return tok
}

// assertDense checks the branch's active tokens hold exactly 1..N in
// serving order.
func assertDense(t *testing.T, f *fixture, branch string) []*types.Token {
	t.Helper()
	active, err := f.mgr.Active(context.Background(), branch)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	for i, tok := range active {
		if tok.CurrentPosition != i+1 {
			t.Fatalf("token %s at rank %d has position %d", tok.SubjectRef, i+1, tok.CurrentPosition)
		}
		if i > 0 && !active[i-1].RanksBefore(tok) {
			t.Fatalf("tokens %s and %s out of serving order", active[i-1].SubjectRef, tok.SubjectRef)
		}
	}
	return active
}

// ─── Admit ───────────────────────────────────────────────────────────────────

func TestAdmit_RequiresIdentity(t *testing.T) {
	f := newFixture(t, nil, nil)
	for _, in := range []types.Intake{
		{Branch: "north"},
		{SubjectRef: "s1"},
		{SubjectRef: "  ", Branch: "north"},
		{SubjectRef: "s1", Branch: "no\x00rth"},
	} {
		if _, err := f.mgr.Admit(context.Background(), in); !errors.Is(err, queue.ErrValidation) {
			t.Errorf("Admit(%+v): expected ErrValidation, got %v", in, err)
		}
	}
}

func TestAdmit_ScoresAndNumbers(t *testing.T) {
	f := newFixture(t, nil, nil)

	c1 := f.admit(t, intake("c1", critical))
	c2 := f.admit(t, intake("c2", critical))
	n1 := f.admit(t, intake("n1", nonUrgent))

	if c1.Category != types.CategoryCritical || c1.Priority != 5 || c1.EstimatedWaitMinutes != 0 {
		t.Errorf("c1: unexpected scoring %s/%d/%d", c1.Category, c1.Priority, c1.EstimatedWaitMinutes)
	}
	if c1.DisplayNumber != 1 || c2.DisplayNumber != 2 || n1.DisplayNumber != 1 {
		t.Errorf("display numbers: c1=%d c2=%d n1=%d", c1.DisplayNumber, c2.DisplayNumber, n1.DisplayNumber)
	}
	if c2.Number != "north-C-20240115-002" || n1.Number != "north-N-20240115-001" {
		t.Errorf("unexpected numbers %q %q", c2.Number, n1.Number)
	}
	if c1.Status != types.StatusActive || c1.Version != 1 {
		t.Errorf("c1: status=%s version=%d", c1.Status, c1.Version)
	}

	got, err := f.mgr.GetByNumber(context.Background(), c2.Number)
	if err != nil || got.ID != c2.ID {
		t.Errorf("GetByNumber: %v %v", got, err)
	}

	// A new day starts a new sequence.
	f.clock.Advance(24 * time.Hour)
	next := f.admit(t, intake("c3", critical))
	if next.DisplayNumber != 1 || next.Number != "north-C-20240116-001" {
		t.Errorf("expected sequence reset on new day, got %d %q", next.DisplayNumber, next.Number)
	}
}

func TestAdmit_AppendWritesOnlyNewToken(t *testing.T) {
	f := newFixture(t, nil, nil)
	first := f.admit(t, intake("a", critical))
	f.admit(t, intake("b", nonUrgent))

	if got := f.get(t, first.ID); got.Version != 1 {
		t.Errorf("token ahead of an appended one was rewritten (version %d)", got.Version)
	}
}

// ─── End-to-end scenario ─────────────────────────────────────────────────────

func TestScenario_HigherPriorityJumpsAheadAndIsServedFirst(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	a := f.admit(t, intake("A", nonUrgent))
	if a.Priority != 2 || a.CurrentPosition != 1 {
		t.Fatalf("A: priority=%d position=%d", a.Priority, a.CurrentPosition)
	}

	b := f.admit(t, intake("B", critical))
	if b.Priority != 5 || b.CurrentPosition != 1 {
		t.Fatalf("B: priority=%d position=%d", b.Priority, b.CurrentPosition)
	}
	if got := f.get(t, a.ID); got.CurrentPosition != 2 {
		t.Fatalf("A after B's admit: position %d, want 2", got.CurrentPosition)
	}

	next, err := f.mgr.DispatchNext(ctx, "north", "")
	if err != nil {
		t.Fatalf("DispatchNext: %v", err)
	}
	if next.ID != b.ID || next.Status != types.StatusCalled || next.CalledAt == nil {
		t.Fatalf("expected B called, got %s %s", next.SubjectRef, next.Status)
	}

	if _, err := f.mgr.Complete(ctx, b.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got := f.get(t, a.ID); got.CurrentPosition != 1 {
		t.Errorf("A after B completes: position %d, want 1", got.CurrentPosition)
	}

	// A moved 0→1 on admit, 1→2 when B jumped ahead, 2→1 when B was called.
	want := [][2]int{{0, 1}, {1, 2}, {2, 1}}
	got := f.events.positions(a.ID)
	if len(got) != len(want) {
		t.Fatalf("A position events %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("A event %d: %v, want %v", i, got[i], want[i])
		}
	}
}

// ─── Dense ranking ───────────────────────────────────────────────────────────

func TestDenseRanking_SurvivesMixedOperations(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	symptoms := []types.Symptom{critical, urgent, lessUrgent, nonUrgent}

	var ids []string
	for step := 0; step < 200; step++ {
		switch op := rng.Intn(6); {
		case op <= 1 || len(ids) == 0:
			tok := f.admit(t, intake("s", symptoms[rng.Intn(len(symptoms))]))
			ids = append(ids, tok.ID)
		case op == 2:
			score := float64(rng.Intn(101))
			_, err := f.mgr.Reprioritize(ctx, ids[rng.Intn(len(ids))], queue.Rescore{Score: &score})
			if err != nil && !errors.Is(err, queue.ErrInvalidState) {
				t.Fatalf("step %d Reprioritize: %v", step, err)
			}
		case op == 3:
			_, err := f.mgr.Cancel(ctx, ids[rng.Intn(len(ids))], "left")
			if err != nil && !errors.Is(err, queue.ErrInvalidState) {
				t.Fatalf("step %d Cancel: %v", step, err)
			}
		case op == 4:
			tok, err := f.mgr.DispatchNext(ctx, "north", "")
			if err != nil && !errors.Is(err, queue.ErrEmptyQueue) {
				t.Fatalf("step %d DispatchNext: %v", step, err)
			}
			if tok != nil && rng.Intn(2) == 0 {
				if _, err := f.mgr.Complete(ctx, tok.ID); err != nil {
					t.Fatalf("step %d Complete: %v", step, err)
				}
			}
		default:
			_, err := f.mgr.Complete(ctx, ids[rng.Intn(len(ids))])
			if err != nil && !errors.Is(err, queue.ErrInvalidState) {
				t.Fatalf("step %d Complete: %v", step, err)
			}
		}
		assertDense(t, f, "north")
	}

	// Every token that left the active set holds position 0.
	for _, id := range ids {
		tok := f.get(t, id)
		if tok.Status != types.StatusActive && tok.CurrentPosition != 0 {
			t.Errorf("%s token %s kept position %d", tok.Status, id, tok.CurrentPosition)
		}
	}
}

func TestReorder_IsIdempotent(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.admit(t, intake("a", nonUrgent))
	f.admit(t, intake("b", urgent))
	f.admit(t, intake("c", critical))

	moved, err := f.mgr.Reorder(context.Background(), "north")
	if err != nil {
		t.Fatalf("Reorder: %v", err)
	}
	if moved != 0 {
		t.Errorf("reorder of an already dense branch moved %d tokens", moved)
	}
	active := assertDense(t, f, "north")
	if active[0].SubjectRef != "c" || active[2].SubjectRef != "a" {
		t.Errorf("unexpected order %s,%s,%s", active[0].SubjectRef, active[1].SubjectRef, active[2].SubjectRef)
	}
}

// ─── DispatchNext ────────────────────────────────────────────────────────────

func TestDispatchNext_LinearizableUnderContention(t *testing.T) {
	f := newFixture(t, nil, nil)
	first := f.admit(t, intake("first", critical))
	second := f.admit(t, intake("second", critical))

	const callers = 10
	var (
		wg      sync.WaitGroup
		empty   atomic.Int32
		mu      sync.Mutex
		claimed []string
		start   = make(chan struct{})
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			tok, err := f.mgr.DispatchNext(context.Background(), "north", "")
			switch {
			case errors.Is(err, queue.ErrEmptyQueue):
				empty.Add(1)
			case err != nil:
				t.Errorf("DispatchNext: %v", err)
			default:
				mu.Lock()
				claimed = append(claimed, tok.ID)
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if len(claimed) != 2 || empty.Load() != callers-2 {
		t.Fatalf("claimed=%d empty=%d, want 2 and %d", len(claimed), empty.Load(), callers-2)
	}
	if claimed[0] == claimed[1] {
		t.Fatal("the same token was claimed twice")
	}
	// Events are published under the branch lock, so their order is the
	// claim order: the earlier-issued token goes first.
	var calledOrder []string
	for _, e := range f.events.events {
		if e.Status != nil && e.Status.To == types.StatusCalled {
			calledOrder = append(calledOrder, e.Status.TokenID)
		}
	}
	if len(calledOrder) != 2 || calledOrder[0] != first.ID || calledOrder[1] != second.ID {
		t.Errorf("claim order %v, want [%s %s]", calledOrder, first.ID, second.ID)
	}
}

func TestDispatchNext_EmptyAndDepartmentScope(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	if _, err := f.mgr.DispatchNext(ctx, "north", ""); !errors.Is(err, queue.ErrEmptyQueue) {
		t.Fatalf("expected ErrEmptyQueue on empty branch, got %v", err)
	}

	er := intake("er", critical)
	er.Department = "emergency"
	gp := intake("gp", urgent)
	gp.Department = "general"
	f.admit(t, er)
	gpTok := f.admit(t, gp)

	tok, err := f.mgr.DispatchNext(ctx, "north", "general")
	if err != nil {
		t.Fatalf("DispatchNext(general): %v", err)
	}
	if tok.ID != gpTok.ID {
		t.Errorf("expected general token, got %s", tok.SubjectRef)
	}
	if _, err := f.mgr.DispatchNext(ctx, "north", "general"); !errors.Is(err, queue.ErrEmptyQueue) {
		t.Errorf("expected ErrEmptyQueue for drained department, got %v", err)
	}
	if _, err := f.mgr.DispatchNext(ctx, "south", ""); !errors.Is(err, queue.ErrEmptyQueue) {
		t.Errorf("other branch must be independent, got %v", err)
	}
	assertDense(t, f, "north")
}

// ─── Reprioritize ────────────────────────────────────────────────────────────

func TestReprioritize_MovesTokenAndCountsRequeues(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	a := f.admit(t, intake("a", urgent))
	b := f.admit(t, intake("b", nonUrgent))

	newIntake := intake("b", critical)
	got, err := f.mgr.Reprioritize(ctx, b.ID, queue.Rescore{Intake: &newIntake})
	if err != nil {
		t.Fatalf("Reprioritize: %v", err)
	}
	if got.Priority != 5 || got.Category != types.CategoryCritical || got.CurrentPosition != 1 {
		t.Errorf("b after rescore: prio=%d cat=%s pos=%d", got.Priority, got.Category, got.CurrentPosition)
	}
	if got.RequeueCount != 1 {
		t.Errorf("expected requeue count 1, got %d", got.RequeueCount)
	}
	if pa := f.get(t, a.ID); pa.CurrentPosition != 2 {
		t.Errorf("a should drop to 2, got %d", pa.CurrentPosition)
	}

	// Same priority again: no requeue, no move, but the history records it.
	score := 95.0
	again, err := f.mgr.Reprioritize(ctx, b.ID, queue.Rescore{Score: &score})
	if err != nil {
		t.Fatalf("second Reprioritize: %v", err)
	}
	if again.RequeueCount != 1 || again.UrgencyScore != 95 {
		t.Errorf("unexpected token after same-priority rescore: %+v", again)
	}
	last := again.PositionHistory[len(again.PositionHistory)-1]
	if last.Reason != queue.ReasonReprioritized || last.From != 1 || last.To != 1 {
		t.Errorf("unexpected last history entry %+v", last)
	}
}

func TestReprioritize_RejectsBadInput(t *testing.T) {
	f := newFixture(t, nil, nil)
	tok := f.admit(t, intake("a", urgent))
	bad := 150.0
	in := intake("a", critical)

	for name, rs := range map[string]queue.Rescore{
		"empty":        {},
		"out of range": {Score: &bad},
		"both":         {Score: &bad, Intake: &in},
	} {
		if _, err := f.mgr.Reprioritize(context.Background(), tok.ID, rs); !errors.Is(err, queue.ErrValidation) {
			t.Errorf("%s: expected ErrValidation, got %v", name, err)
		}
	}
	score := 50.0
	if _, err := f.mgr.Reprioritize(context.Background(), "01HZZZZZZZZZZZZZZZZZZZZZZZ", queue.Rescore{Score: &score}); !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReprioritize_CompletedTokenIsRejectedAndUntouched(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	tok := f.admit(t, intake("a", urgent))
	if _, err := f.mgr.DispatchNext(ctx, "north", ""); err != nil {
		t.Fatalf("DispatchNext: %v", err)
	}
	done, err := f.mgr.Complete(ctx, tok.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	score := 99.0
	for i := 0; i < 3; i++ {
		if _, err := f.mgr.Reprioritize(ctx, tok.ID, queue.Rescore{Score: &score}); !errors.Is(err, queue.ErrInvalidState) {
			t.Fatalf("attempt %d: expected ErrInvalidState, got %v", i, err)
		}
	}
	after := f.get(t, tok.ID)
	if after.Version != done.Version || after.Priority != done.Priority || after.RequeueCount != 0 {
		t.Errorf("completed token mutated: before %+v after %+v", done, after)
	}
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

func TestValidTransition(t *testing.T) {
	all := []types.Status{
		types.StatusActive, types.StatusCalled, types.StatusInProgress,
		types.StatusCompleted, types.StatusCancelled, types.StatusNoShow,
	}
	legal := map[[2]types.Status]bool{
		{types.StatusActive, types.StatusCalled}:        true,
		{types.StatusActive, types.StatusCancelled}:     true,
		{types.StatusCalled, types.StatusInProgress}:    true,
		{types.StatusCalled, types.StatusCompleted}:     true,
		{types.StatusCalled, types.StatusNoShow}:        true,
		{types.StatusCalled, types.StatusCancelled}:     true,
		{types.StatusInProgress, types.StatusCompleted}: true,
	}
	for _, from := range all {
		for _, to := range all {
			if got := queue.ValidTransition(from, to); got != legal[[2]types.Status{from, to}] {
				t.Errorf("ValidTransition(%s, %s) = %v", from, to, got)
			}
		}
	}
}

func TestLifecycle_IllegalOperationsFail(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	tok := f.admit(t, intake("a", urgent))

	if _, err := f.mgr.StartService(ctx, tok.ID); !errors.Is(err, queue.ErrInvalidState) {
		t.Errorf("StartService on active: %v", err)
	}
	if _, err := f.mgr.Complete(ctx, tok.ID); !errors.Is(err, queue.ErrInvalidState) {
		t.Errorf("Complete on active: %v", err)
	}
	if _, err := f.mgr.MarkNoShow(ctx, tok.ID); !errors.Is(err, queue.ErrInvalidState) {
		t.Errorf("MarkNoShow on active: %v", err)
	}

	if _, err := f.mgr.DispatchNext(ctx, "north", ""); err != nil {
		t.Fatalf("DispatchNext: %v", err)
	}
	if _, err := f.mgr.StartService(ctx, tok.ID); err != nil {
		t.Fatalf("StartService: %v", err)
	}
	if _, err := f.mgr.Cancel(ctx, tok.ID, "late"); !errors.Is(err, queue.ErrInvalidState) {
		t.Errorf("Cancel on in-progress: %v", err)
	}
	if _, err := f.mgr.MarkNoShow(ctx, tok.ID); !errors.Is(err, queue.ErrInvalidState) {
		t.Errorf("MarkNoShow on in-progress: %v", err)
	}
}

func TestComplete_RecordsServiceTimes(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	tok := f.admit(t, intake("a", urgent)) // clock advanced 1s after issue

	f.clock.Advance(9*time.Minute + 59*time.Second)
	if _, err := f.mgr.DispatchNext(ctx, "north", ""); err != nil {
		t.Fatalf("DispatchNext: %v", err)
	}
	f.clock.Advance(2 * time.Minute)
	if _, err := f.mgr.StartService(ctx, tok.ID); err != nil {
		t.Fatalf("StartService: %v", err)
	}
	f.clock.Advance(8 * time.Minute)
	done, err := f.mgr.Complete(ctx, tok.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.CalledAt == nil || done.ServiceStartedAt == nil || done.ServiceCompletedAt == nil {
		t.Fatalf("missing timestamps: %+v", done)
	}
	if done.ActualWaitMinutes != 20 {
		t.Errorf("expected actual wait 20 minutes, got %v", done.ActualWaitMinutes)
	}
}

func TestCancel_ActiveTokenFreesItsPosition(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	a := f.admit(t, intake("a", critical))
	b := f.admit(t, intake("b", urgent))
	c := f.admit(t, intake("c", nonUrgent))

	got, err := f.mgr.Cancel(ctx, a.ID, "left the building")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != types.StatusCancelled || got.CancelReason != "left the building" || got.CurrentPosition != 0 {
		t.Errorf("unexpected cancelled token %+v", got)
	}
	if f.get(t, b.ID).CurrentPosition != 1 || f.get(t, c.ID).CurrentPosition != 2 {
		t.Error("downstream tokens did not move up")
	}
}

// ─── Concurrency failure modes ───────────────────────────────────────────────

// slowLedger blocks Sequence reads until the caller's context is done.
type slowLedger struct {
	storage.Ledger
}

func (l slowLedger) Sequence(ctx context.Context, key string) (uint64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestTimeout_LeavesStateUnchanged(t *testing.T) {
	inner := memory.New()
	f := newFixture(t, slowLedger{inner}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.mgr.Admit(ctx, intake("a", critical))
	if !errors.Is(err, queue.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if errors.Is(err, queue.ErrConflict) || errors.Is(err, queue.ErrValidation) {
		t.Errorf("timeout must be distinct from business errors: %v", err)
	}

	n := 0
	_ = inner.ForEach(context.Background(), func(*types.Token) error { n++; return nil })
	if n != 0 {
		t.Errorf("timed-out admit wrote %d tokens", n)
	}
	if len(f.events.events) != 0 {
		t.Errorf("timed-out admit published %d events", len(f.events.events))
	}
}

func TestTimeout_AlreadyExpiredContext(t *testing.T) {
	f := newFixture(t, nil, nil)
	tok := f.admit(t, intake("a", critical))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.mgr.DispatchNext(ctx, "north", ""); !errors.Is(err, queue.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if got := f.get(t, tok.ID); got.Status != types.StatusActive || got.CurrentPosition != 1 {
		t.Errorf("token changed by a cancelled dispatch: %s pos %d", got.Status, got.CurrentPosition)
	}
}

// flakyLedger fails the first n commits with a version conflict.
type flakyLedger struct {
	storage.Ledger
	remaining atomic.Int32
	commits   atomic.Int32
}

func (l *flakyLedger) Commit(ctx context.Context, b storage.Batch) error {
	l.commits.Add(1)
	if l.remaining.Add(-1) >= 0 {
		return storage.ErrVersionConflict
	}
	return l.Ledger.Commit(ctx, b)
}

func TestConflict_RetriedTransparently(t *testing.T) {
	fl := &flakyLedger{Ledger: memory.New()}
	fl.remaining.Store(2)
	f := newFixture(t, fl, func(c *queue.Config) { c.RetryBudget = 3 })

	tok := f.admit(t, intake("a", critical))
	if tok.DisplayNumber != 1 || tok.CurrentPosition != 1 {
		t.Errorf("retried admit produced %d/%d", tok.DisplayNumber, tok.CurrentPosition)
	}
	if fl.commits.Load() != 3 {
		t.Errorf("expected 3 commit attempts, got %d", fl.commits.Load())
	}
}

func TestConflict_BudgetExhausted(t *testing.T) {
	fl := &flakyLedger{Ledger: memory.New()}
	fl.remaining.Store(100)
	f := newFixture(t, fl, func(c *queue.Config) { c.RetryBudget = 2 })

	_, err := f.mgr.Admit(context.Background(), intake("a", critical))
	if !errors.Is(err, queue.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if fl.commits.Load() != 3 {
		t.Errorf("expected 1 try + 2 retries, got %d", fl.commits.Load())
	}
	if active, _ := f.mgr.Active(context.Background(), "north"); len(active) != 0 {
		t.Errorf("failed admit left %d active tokens", len(active))
	}
}

func TestBranches_AreIndependent(t *testing.T) {
	f := newFixture(t, slowLedger{memory.New()}, nil)

	// A stuck operation on north must not block south.
	stuck, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _, _ = f.mgr.Admit(stuck, intake("a", critical)) }()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if _, err := f.mgr.DispatchNext(ctx, "south", ""); !errors.Is(err, queue.ErrEmptyQueue) {
		t.Errorf("south dispatch: expected ErrEmptyQueue, got %v", err)
	}
}

// ─── No-show reaper ──────────────────────────────────────────────────────────

func TestNoShow_ReaperClosesUnansweredCalls(t *testing.T) {
	ledger := memory.New()
	cfg := queue.DefaultConfig()
	cfg.NoShowAfter = 30 * time.Millisecond
	mgr := queue.NewManager(ledger, nil, nil, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = mgr.Close()
	})
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	gone, _ := mgr.Admit(ctx, intake("gone", critical))
	here, _ := mgr.Admit(ctx, intake("here", urgent))
	if _, err := mgr.DispatchNext(ctx, "north", ""); err != nil {
		t.Fatalf("DispatchNext: %v", err)
	}
	if _, err := mgr.DispatchNext(ctx, "north", ""); err != nil {
		t.Fatalf("DispatchNext: %v", err)
	}
	if _, err := mgr.StartService(ctx, here.ID); err != nil {
		t.Fatalf("StartService: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		tok, _ := mgr.Get(ctx, gone.ID)
		if tok.Status == types.StatusNoShow {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if tok, _ := mgr.Get(ctx, gone.ID); tok.Status != types.StatusNoShow {
		t.Fatalf("expected no-show, got %s", tok.Status)
	}
	if tok, _ := mgr.Get(ctx, here.ID); tok.Status != types.StatusInProgress {
		t.Errorf("started token must not be reaped, got %s", tok.Status)
	}
}

// ─── Stats ───────────────────────────────────────────────────────────────────

func TestStats_CountsAndRecentAverageWait(t *testing.T) {
	f := newFixture(t, nil, func(c *queue.Config) { c.StatsWindow = 2 })
	ctx := context.Background()

	waits := []time.Duration{30 * time.Minute, 10 * time.Minute, 20 * time.Minute}
	for _, w := range waits {
		tok := f.admit(t, intake("s", urgent))
		f.clock.Advance(w - time.Second)
		if _, err := f.mgr.DispatchNext(ctx, "north", ""); err != nil {
			t.Fatalf("DispatchNext: %v", err)
		}
		if _, err := f.mgr.Complete(ctx, tok.ID); err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}
	f.admit(t, intake("waiting", nonUrgent))

	st, err := f.mgr.Stats(ctx, "north")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Counts[types.StatusCompleted] != 3 || st.Active != 1 {
		t.Errorf("unexpected counts %+v", st.Counts)
	}
	// Window of 2: the two most recent completions waited 10 and 20 minutes.
	if st.WaitSamples != 2 || st.AvgWaitMinutes != 15 {
		t.Errorf("avg wait = %v over %d samples, want 15 over 2", st.AvgWaitMinutes, st.WaitSamples)
	}
}
