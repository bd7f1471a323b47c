package domain

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// KeyLayout is the natural key format of a resource unit.
const KeyLayout = "2006-01-02"

// ParseKey validates a calendar-date key and returns it normalized.
func ParseKey(key string) (string, time.Time, error) {
	day, err := time.Parse(KeyLayout, key)
	if err != nil {
		return "", time.Time{}, errors.Wrapf(ErrInvalidKey, "%q", key)
	}
	return day.Format(KeyLayout), day, nil
}

// Resource is one allocatable calendar day.
type Resource struct {
	ID     uuid.UUID
	Key    string
	Status Status
	Buyer  *Buyer
	// PaymentRef is the payment intent attached at checkout. It outlives an
	// expired or released hold so a late payment can still settle the day.
	PaymentRef string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// State returns the enum value of the current status.
func (r Resource) State() State {
	if r.Status == nil {
		return StateAvailable
	}
	return r.Status.State()
}

// Hold returns the checkout hold, if the resource is in CHECKOUT_HOLD.
func (r Resource) Hold() (CheckoutHold, bool) {
	h, ok := r.Status.(CheckoutHold)
	return h, ok
}

// Sale returns the sale details, if the resource is SOLD.
func (r Resource) Sale() (Sold, bool) {
	s, ok := r.Status.(Sold)
	return s, ok
}

// Validate checks the cross-field invariants that the Status variants cannot
// express on their own.
func (r Resource) Validate() error {
	if r.Key == "" {
		return errors.Wrap(ErrValidation, "resource key required")
	}
	switch s := r.Status.(type) {
	case nil, Available:
	case CheckoutHold:
		if s.Token == "" || s.ExpiresAt.IsZero() {
			return errors.Wrap(ErrValidation, "checkout hold requires token and expiry")
		}
	case AdminHold:
	case Sold:
		if s.OrderRef == "" || s.PaidAt.IsZero() {
			return errors.Wrap(ErrValidation, "sale requires order reference and paid-at")
		}
		if r.PaymentRef == "" {
			return errors.Wrap(ErrValidation, "sale requires payment reference")
		}
	default:
		return errors.Wrapf(ErrValidation, "unknown status %T", s)
	}
	return nil
}

// Buyer is captured while a hold is live and confirmed on sale.
type Buyer struct {
	Name           string  `json:"name"`
	Email          string  `json:"email"`
	Phone          string  `json:"phone,omitempty"`
	BillingAddress Address `json:"billing_address"`
	ContactOptIn   bool    `json:"contact_opt_in"`
	DedicationText string  `json:"dedication_text"`
}

type Address struct {
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// Actor identifies who performed a state change.
type Actor struct {
	ID string
	IP string
}

func SystemActor() Actor { return Actor{ID: "system"} }

func CustomerActor(ip string) Actor { return Actor{ID: "customer:" + ip, IP: ip} }

func AdminActor(email, ip string) Actor { return Actor{ID: "admin:" + email, IP: ip} }

func GatewayActor(eventID string) Actor { return Actor{ID: "gateway:" + eventID} }
