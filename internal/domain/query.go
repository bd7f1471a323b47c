package domain

import "time"

// ResourceFilter narrows ledger listings. Zero values mean no constraint.
type ResourceFilter struct {
	From        string
	To          string
	States      []State
	ExcludeFree bool
}

// PublicDay is the redacted view of a resource for anonymous callers.
type PublicDay struct {
	Date           string     `json:"date"`
	State          State      `json:"state"`
	HoldExpiresAt  *time.Time `json:"hold_expires_at,omitempty"`
	DedicationText string     `json:"dedication_text,omitempty"`
}

// PublicView redacts r: expiry only while held, dedication only once sold,
// never buyer PII. A hold that has lapsed at now is shown as available even
// if the sweep has not reverted it yet.
func PublicView(r Resource, now time.Time) PublicDay {
	day := PublicDay{Date: r.Key, State: r.State()}
	switch s := r.Status.(type) {
	case CheckoutHold:
		if s.Expired(now) {
			day.State = StateAvailable
			break
		}
		exp := s.ExpiresAt
		day.HoldExpiresAt = &exp
	case Sold:
		if r.Buyer != nil {
			day.DedicationText = r.Buyer.DedicationText
		}
	}
	return day
}

// CheckoutStatus answers the client polling loop after the payment redirect.
type CheckoutStatus struct {
	Date     string `json:"date"`
	State    State  `json:"state"`
	OrderRef string `json:"order_ref,omitempty"`
}
