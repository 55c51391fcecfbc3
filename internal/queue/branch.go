package queue

import (
	"sort"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/snehjoshi/slotify/internal/notify"
	"github.com/snehjoshi/slotify/internal/storage"
	"github.com/snehjoshi/slotify/internal/types"
)

// Position-history reasons.
const (
	ReasonAdmitted      = "admitted"
	ReasonReprioritized = "reprioritized"
	ReasonDispatched    = "dispatched"
	ReasonCompleted     = "completed"
	ReasonCancelled     = "cancelled"
	ReasonReorder       = "reorder"
)

// branch is the in-memory view of one scheduling partition.
//
// sem is the branch's single logical lock. Every field below it is only
// read or written while sem is held.
type branch struct {
	name string
	sem  *semaphore.Weighted

	// active holds the branch's active tokens in serving order. These are the
	// committed versions: never mutate them, stage a clone instead.
	active []*types.Token
	loaded bool
}

func newBranch(name string) *branch {
	return &branch{name: name, sem: semaphore.NewWeighted(1)}
}

func (b *branch) find(id string) *types.Token {
	for _, t := range b.active {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// ─── plan ─────────────────────────────────────────────────────────────────────

// plan collects everything one operation wants to change. Nothing in it is
// visible to anyone until the ledger commit succeeds.
type plan struct {
	now time.Time

	staged map[string]*types.Token
	order  []string // staging order, for a deterministic batch

	seqs []storage.SequenceUpdate

	// active is the branch's new serving order, set by rerank.
	active   []*types.Token
	reranked bool

	positions []notify.PositionChange
	statuses  []notify.StatusChange

	// result is the token the operation returns to its caller.
	result *types.Token

	// onCommit runs after a successful commit, still under the branch lock.
	onCommit func()
}

func newPlan(now time.Time) *plan {
	return &plan{now: now, staged: make(map[string]*types.Token)}
}

// stage returns the mutable copy of t for this plan, cloning on first use.
func (p *plan) stage(t *types.Token) *types.Token {
	if s, ok := p.staged[t.ID]; ok {
		return s
	}
	s := t.Clone()
	p.staged[t.ID] = s
	p.order = append(p.order, t.ID)
	return s
}

// insert stages a brand-new token.
func (p *plan) insert(t *types.Token) {
	p.staged[t.ID] = t
	p.order = append(p.order, t.ID)
}

func (p *plan) batch() storage.Batch {
	b := storage.Batch{Sequences: p.seqs}
	for _, id := range p.order {
		b.Tokens = append(b.Tokens, p.staged[id])
	}
	return b
}

// move records a position change on a staged token.
func (p *plan) move(s *types.Token, to int, reason string) {
	from := s.CurrentPosition
	if from == to {
		return
	}
	s.CurrentPosition = to
	s.PositionHistory = append(s.PositionHistory, types.PositionEntry{
		From: from, To: to, At: p.now, Reason: reason,
	})
	p.positions = append(p.positions, notify.PositionChange{
		TokenID: s.ID, Number: s.Number, Branch: s.Branch,
		From: from, To: to, Reason: reason, At: p.now,
	})
}

// transition changes a staged token's status. The caller has already
// checked ValidTransition.
func (p *plan) transition(s *types.Token, to types.Status) {
	from := s.Status
	s.Status = to
	p.statuses = append(p.statuses, notify.StatusChange{
		TokenID: s.ID, Number: s.Number, Branch: s.Branch,
		From: from, To: to, At: p.now,
	})
}

// leave takes a staged token out of the active set: its position drops to 0
// and the remaining tokens are re-ranked.
func (p *plan) leave(b *branch, s *types.Token, reason string) {
	p.move(s, 0, reason)
	rest := make([]*types.Token, 0, len(b.active))
	for _, t := range b.active {
		if t.ID != s.ID {
			rest = append(rest, t)
		}
	}
	p.rerank(rest, reason)
}

// rerank sorts tokens into serving order and assigns the dense positions
// 1..N, staging only the tokens whose position actually changed.
func (p *plan) rerank(tokens []*types.Token, reason string) {
	ranked := make([]*types.Token, len(tokens))
	for i, t := range tokens {
		if s, ok := p.staged[t.ID]; ok {
			t = s
		}
		ranked[i] = t
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].RanksBefore(ranked[j]) })

	for i, t := range ranked {
		pos := i + 1
		if t.CurrentPosition == pos {
			continue
		}
		s := p.stage(t)
		p.move(s, pos, reason)
		ranked[i] = s
	}
	p.active = ranked
	p.reranked = true
}

// positionsDense reports whether active holds exactly positions 1..N in order.
func positionsDense(active []*types.Token) bool {
	for i, t := range active {
		if t.CurrentPosition != i+1 {
			return false
		}
	}
	return true
}
