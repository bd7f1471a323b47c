package gateway

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/robertarktes/day-dedications/internal/domain"
)

type eventEnvelope struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Created int64     `json:"created"`
	Data    eventData `json:"data"`
}

type eventData struct {
	PaymentRef    string        `json:"payment_ref"`
	ResourceRef   string        `json:"resource_ref"`
	Amount        int64         `json:"amount"`
	FailureReason string        `json:"failure_reason"`
	Metadata      eventMetadata `json:"metadata"`
}

// eventMetadata is what the checkout page attaches to the payment intent.
// Values are strings on the wire.
type eventMetadata struct {
	Date           string `json:"date"`
	BuyerName      string `json:"buyer_name"`
	BuyerEmail     string `json:"buyer_email"`
	BuyerPhone     string `json:"buyer_phone"`
	DedicationText string `json:"dedication_text"`
	ContactOptIn   string `json:"contact_opt_in"`
	AddressLine1   string `json:"address_line1"`
	AddressLine2   string `json:"address_line2"`
	City           string `json:"city"`
	Region         string `json:"region"`
	PostalCode     string `json:"postal_code"`
	Country        string `json:"country"`
}

func (m eventMetadata) buyer() *domain.Buyer {
	if m.BuyerName == "" && m.BuyerEmail == "" {
		return nil
	}
	optIn, _ := strconv.ParseBool(m.ContactOptIn)
	return &domain.Buyer{
		Name:           m.BuyerName,
		Email:          m.BuyerEmail,
		Phone:          m.BuyerPhone,
		ContactOptIn:   optIn,
		DedicationText: m.DedicationText,
		BillingAddress: domain.Address{
			Line1:      m.AddressLine1,
			Line2:      m.AddressLine2,
			City:       m.City,
			Region:     m.Region,
			PostalCode: m.PostalCode,
			Country:    m.Country,
		},
	}
}

// ParseEvent decodes a verified webhook body. Unknown event types parse
// without field checks so they can be acknowledged and ignored.
func ParseEvent(body []byte) (domain.GatewayEvent, error) {
	var env eventEnvelope
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&env); err != nil {
		return domain.GatewayEvent{}, errors.Wrap(domain.ErrBadRequest, "malformed event body")
	}
	if env.ID == "" || env.Type == "" {
		return domain.GatewayEvent{}, errors.Wrap(domain.ErrBadRequest, "event id and type are required")
	}

	ev := domain.GatewayEvent{
		ID:            env.ID,
		Type:          domain.GatewayEventType(env.Type),
		PaymentRef:    env.Data.PaymentRef,
		ResourceKey:   env.Data.ResourceRef,
		Amount:        env.Data.Amount,
		FailureReason: env.Data.FailureReason,
		Buyer:         env.Data.Metadata.buyer(),
	}
	if ev.ResourceKey == "" {
		ev.ResourceKey = env.Data.Metadata.Date
	}
	if env.Created > 0 {
		ev.CreatedAt = time.Unix(env.Created, 0).UTC()
	}

	switch ev.Type {
	case domain.EventPaymentSucceeded:
		if ev.PaymentRef == "" || ev.ResourceKey == "" {
			return ev, errors.Wrap(domain.ErrBadRequest, "payment_ref and resource_ref are required")
		}
		if ev.Amount <= 0 {
			return ev, errors.Wrap(domain.ErrBadRequest, "amount must be positive")
		}
	case domain.EventPaymentFailed:
		if ev.PaymentRef == "" || ev.ResourceKey == "" {
			return ev, errors.Wrap(domain.ErrBadRequest, "payment_ref and resource_ref are required")
		}
	case domain.EventChargeRefunded:
		if ev.PaymentRef == "" {
			return ev, errors.Wrap(domain.ErrBadRequest, "payment_ref is required")
		}
	}
	return ev, nil
}
