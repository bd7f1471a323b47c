package domain

import "github.com/cockroachdb/errors"

// Error taxonomy. Every error returned by the services is classifiable with
// errors.Is against one of these.
var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrBadRequest       = errors.New("bad request")
	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrValidation       = errors.New("validation error")
)

// Refinements wrap one of the taxonomy errors above, so errors.Is matches
// both the refinement and its base.
var (
	ErrSerializationFailure = errors.Wrap(ErrConflict, "serialization failure")
	ErrHoldExpired          = errors.Wrap(ErrConflict, "hold expired")
	ErrSalesClosed          = errors.Wrap(ErrConflict, "sales window closed")
	ErrIllegalTransition    = errors.Wrap(ErrConflict, "illegal state transition")
	ErrInvalidKey           = errors.Wrap(ErrBadRequest, "invalid date key")
	ErrNoPaymentReference   = errors.Wrap(ErrBadRequest, "no payment reference")
)
