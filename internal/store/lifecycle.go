package store

import "errors"

var (
	ErrUnknownTrade      = errors.New("unknown trade")
	ErrTerminal          = errors.New("trade is in a terminal state")
	ErrIllegalTransition = errors.New("illegal trade transition")
	ErrStatusMismatch    = errors.New("trade status does not match expected")
	ErrOptimisticPending = errors.New("trade already has an outstanding optimistic transition")
)

// transitions is the forward-only trade state machine.
var transitions = map[TradeStatus][]TradeStatus{
	StatusPending: {StatusOpen, StatusRejected, StatusCancelled},
	StatusOpen:    {StatusClosed},
}

// IsTerminal reports whether no further transition is defined from s.
func (s TradeStatus) IsTerminal() bool {
	switch s {
	case StatusClosed, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s TradeStatus) Valid() bool {
	switch s {
	case StatusPending, StatusOpen, StatusClosed, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// CheckTransition validates a client-initiated move from -> to.
// Authoritative snapshots bypass this check entirely.
func CheckTransition(from, to TradeStatus) error {
	if from.IsTerminal() {
		return ErrTerminal
	}
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return ErrIllegalTransition
}
