package domain

import (
	"time"

	"github.com/google/uuid"
)

type GatewayEventType string

const (
	EventPaymentSucceeded GatewayEventType = "payment.succeeded"
	EventPaymentFailed    GatewayEventType = "payment.failed"
	EventChargeRefunded   GatewayEventType = "charge.refunded"
)

// GatewayEvent is a verified, schema-checked payment gateway event.
type GatewayEvent struct {
	ID            string
	Type          GatewayEventType
	PaymentRef    string
	ResourceKey   string
	Amount        int64
	FailureReason string
	Buyer         *Buyer
	CreatedAt     time.Time
}

type RefundStatus string

const (
	RefundSucceeded RefundStatus = "succeeded"
	RefundPending   RefundStatus = "pending"
	RefundFailed    RefundStatus = "failed"
	RefundCanceled  RefundStatus = "canceled"
)

// Accepted reports whether the gateway committed to the refund.
func (s RefundStatus) Accepted() bool {
	return s == RefundSucceeded || s == RefundPending
}

type RefundRequest struct {
	PaymentRef string
	Reason     string
	Metadata   map[string]string
	// AttemptID scopes the gateway idempotency key to one admin attempt, so a
	// declined refund can be tried again.
	AttemptID  string
}

func (r RefundRequest) IdempotencyKey() string {
	if r.AttemptID == "" {
		return "refund-" + r.PaymentRef
	}
	return "refund-" + r.PaymentRef + "-" + r.AttemptID
}

type RefundResult struct {
	RefundID string
	Status   RefundStatus
}

const (
	NotificationBuyerConfirmation = "notification.buyer_confirmation"
	NotificationSaleInternal      = "notification.sale_internal"
)

type OutboxStatus string

const (
	OutboxNew       OutboxStatus = "NEW"
	OutboxPublished OutboxStatus = "PUBLISHED"
)

// OutboxMessage is written in the same transaction as the change it announces
// and relayed to the broker afterwards.
type OutboxMessage struct {
	ID          uuid.UUID
	AggregateID uuid.UUID
	EventType   string
	Payload     []byte
	DedupeKey   string
	Status      OutboxStatus
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// SaleNotice is the payload of both sale notifications.
type SaleNotice struct {
	Date              string `json:"date"`
	OrderRef          string `json:"order_ref"`
	AmountPaid        int64  `json:"amount_paid"`
	PaidAt            string `json:"paid_at"`
	BuyerName         string `json:"buyer_name"`
	BuyerEmail        string `json:"buyer_email"`
	DedicationText    string `json:"dedication_text,omitempty"`
	NotificationEmail string `json:"notification_email,omitempty"`
}
