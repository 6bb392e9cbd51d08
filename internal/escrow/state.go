package escrow

import "time"

// State is a transaction's lifecycle position.
type State string

const (
	StateCreated             State = "created"              // Registered, no funds held yet
	StateEscrowCreated       State = "escrow_created"       // Buyer's funds held
	StateVerificationPending State = "verification_pending" // Proof under verification
	StateSettlementPending   State = "settlement_pending"   // Release to farmer in flight
	StateCompleted           State = "completed"            // Farmer paid
	StateRefunded            State = "refunded"             // Buyer refunded
	StateFailed              State = "failed"               // Aborted after an error
)

// transitions lists the allowed successors of each state.
var transitions = map[State][]State{
	StateCreated:             {StateEscrowCreated, StateFailed},
	StateEscrowCreated:       {StateVerificationPending, StateFailed},
	StateVerificationPending: {StateSettlementPending, StateRefunded, StateFailed},
	StateSettlementPending:   {StateCompleted, StateFailed},
	StateCompleted:           nil,
	StateRefunded:            nil,
	StateFailed:              nil,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal returns true for states with no successors.
func (s State) IsTerminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// CanTransition reports whether to is an allowed successor of from.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateTransition is an append-only audit record.
type StateTransition struct {
	TransactionID string    `json:"transactionId"`
	From          State     `json:"fromState"`
	To            State     `json:"toState"`
	Timestamp     time.Time `json:"timestamp"`
	TriggeredBy   string    `json:"triggeredBy"`
	Reason        string    `json:"reason,omitempty"`
}
