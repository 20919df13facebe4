package negotiation

type Role int

const (
	Caller Role = iota
	Callee
)

func (r Role) String() string {
	if r == Caller {
		return "caller"
	}
	return "callee"
}

type State int

const (
	StateIdle State = iota
	StateOfferCreated
	StateAnswerAwaited
	StateOfferReceived
	StateAnswerSent
	StateNegotiated
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferCreated:
		return "offer_created"
	case StateAnswerAwaited:
		return "answer_awaited"
	case StateOfferReceived:
		return "offer_received"
	case StateAnswerSent:
		return "answer_sent"
	case StateNegotiated:
		return "negotiated"
	case StateFailed:
		return "negotiation_failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateFailed || s == StateClosed }
