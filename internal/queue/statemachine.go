package queue

import "github.com/snehjoshi/slotify/internal/types"

// statemachine.go: token lifecycle transition rules.
//
//	active ──► called ──► in-progress ──► completed
//	  │          │  │                        ▲
//	  │          │  └────────────────────────┘
//	  │          ├──► no-show
//	  ▼          ▼
//	cancelled ◄──┘
//
// completed, cancelled and no-show are terminal.

// ValidTransition reports whether from → to is a legal status change.
func ValidTransition(from, to types.Status) bool {
	switch from {
	case types.StatusActive:
		return to == types.StatusCalled || to == types.StatusCancelled
	case types.StatusCalled:
		// called → completed covers a service finished without an explicit start.
		return to == types.StatusInProgress || to == types.StatusCompleted ||
			to == types.StatusNoShow || to == types.StatusCancelled
	case types.StatusInProgress:
		return to == types.StatusCompleted
	}
	return false
}
