package domain

import (
	"time"

	"github.com/cockroachdb/errors"
)

type State string

const (
	StateAvailable    State = "AVAILABLE"
	StateCheckoutHold State = "CHECKOUT_HOLD"
	StateAdminHold    State = "ADMIN_HOLD"
	StateSold         State = "SOLD"
)

func (s State) Valid() bool {
	switch s {
	case StateAvailable, StateCheckoutHold, StateAdminHold, StateSold:
		return true
	}
	return false
}

// Status is the per-state variant of a resource. Each variant carries only the
// fields that are meaningful in that state.
type Status interface {
	State() State
}

type Available struct{}

type CheckoutHold struct {
	Token     string
	ExpiresAt time.Time
}

type AdminHold struct {
	Note string
}

type Sold struct {
	OrderRef   string
	AmountPaid int64
	PaidAt     time.Time
}

func (Available) State() State    { return StateAvailable }
func (CheckoutHold) State() State { return StateCheckoutHold }
func (AdminHold) State() State    { return StateAdminHold }
func (Sold) State() State         { return StateSold }

// Expired reports whether the hold is no longer valid at now.
func (h CheckoutHold) Expired(now time.Time) bool {
	return !h.ExpiresAt.After(now)
}

var transitions = map[State][]State{
	StateAvailable:    {StateCheckoutHold, StateAdminHold},
	StateCheckoutHold: {StateSold, StateAvailable},
	StateAdminHold:    {StateAvailable},
	StateSold:         {StateAvailable, StateAdminHold},
}

// CanTransition reports whether from -> to is an edge of the state machine.
// Same-state updates (new buyer details, edited text, renewing an expired
// hold) are not transitions and are always allowed.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves r to next, rejecting edges outside the state machine.
func (r Resource) Transition(next Status, now time.Time) (Resource, error) {
	if !CanTransition(r.State(), next.State()) {
		return r, errors.Wrapf(ErrIllegalTransition, "%s -> %s", r.State(), next.State())
	}
	r.Status = next
	r.UpdatedAt = now
	return r, nil
}

// Settle records a successful payment. A checkout hold settles for any
// payment. An available day settles only for the payment that was attached
// to its lapsed hold, which completes that hold's edge to SOLD.
func (r Resource) Settle(paymentRef string, sale Sold, now time.Time) (Resource, error) {
	switch r.Status.(type) {
	case CheckoutHold:
	case nil, Available:
		if r.PaymentRef == "" || r.PaymentRef != paymentRef {
			return r, errors.Wrapf(ErrIllegalTransition, "%s -> %s without a lapsed hold for %s", r.State(), StateSold, paymentRef)
		}
	default:
		return r, errors.Wrapf(ErrIllegalTransition, "%s -> %s", r.State(), StateSold)
	}
	r.Status = sale
	r.PaymentRef = paymentRef
	r.UpdatedAt = now
	return r, nil
}
