package payment

// State of a payment attempt.
//
//	UNPAID -> CHALLENGE_ISSUED -> VERIFYING -> VERIFIED | REJECTED
type State string

const (
	StateUnpaid          State = "UNPAID"
	StateChallengeIssued State = "CHALLENGE_ISSUED"
	StateVerifying       State = "VERIFYING"
	StateVerified        State = "VERIFIED"
	StateRejected        State = "REJECTED"
)

var transitions = map[State][]State{
	StateUnpaid:          {StateChallengeIssued, StateVerifying},
	StateChallengeIssued: {StateVerifying},
	StateVerifying:       {StateVerified, StateRejected},
}

// CanTransition reports whether from -> to is a legal step.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateVerified || s == StateRejected
}
