package execution

import (
	"fmt"
	"log/slog"
	"time"
)

// State is a step of the order lifecycle.
type State string

const (
	StateBuilt              State = "BUILT"
	StateBlocked            State = "BLOCKED" // funding precondition failed, nothing sent
	StateSignatureRequested State = "SIGNATURE_REQUESTED"
	StateSigned             State = "SIGNED"
	StateAbandoned          State = "ABANDONED" // signature missing or incomplete, or cancelled before signing
	StateSubmitted          State = "SUBMITTED"
	StateFilled             State = "FILLED"
	StateRejected           State = "REJECTED"
	StateSettlementPending  State = "SETTLEMENT_PENDING"
	StateTxBroadcast        State = "TX_BROADCAST"
	StateTxConfirmed        State = "TX_CONFIRMED"
	StateTxFailed           State = "TX_FAILED"
	StateTxUnknown          State = "TX_UNKNOWN" // no receipt before the deadline: verify on-chain
)

// transitions is the complete lifecycle graph. No edge leads back to an
// earlier state.
var transitions = map[State][]State{
	StateBuilt:              {StateSignatureRequested, StateBlocked, StateAbandoned},
	StateSignatureRequested: {StateSigned, StateAbandoned},
	StateSigned:             {StateSubmitted},
	StateSubmitted:          {StateFilled, StateSettlementPending, StateRejected},
	StateSettlementPending:  {StateTxBroadcast, StateTxFailed},
	StateTxBroadcast:        {StateTxConfirmed, StateTxFailed, StateTxUnknown},
}

// CanTransition reports whether from → to is a lifecycle edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// Success reports whether the order completed: matched off-chain, or settled
// on-chain with a confirmed receipt.
func (s State) Success() bool {
	return s == StateFilled || s == StateTxConfirmed
}

// Transition is one recorded state change.
type Transition struct {
	From State
	To   State
	At   time.Time
	Note string
}

// machine tracks one order's state and enforces the transition table.
type machine struct {
	state   State
	history []Transition
	now     func() time.Time
	logger  *slog.Logger
}

func newMachine(logger *slog.Logger, now func() time.Time) *machine {
	return &machine{state: StateBuilt, now: now, logger: logger}
}

func (m *machine) to(next State, note string) error {
	if !CanTransition(m.state, next) {
		return fmt.Errorf("illegal transition %s -> %s", m.state, next)
	}
	m.history = append(m.history, Transition{From: m.state, To: next, At: m.now(), Note: note})
	m.logger.Info("order state", "from", m.state, "to", next, "note", note)
	m.state = next
	return nil
}
