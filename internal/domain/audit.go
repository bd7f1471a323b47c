package domain

import (
	"time"

	"github.com/google/uuid"
)

type AuditAction string

const (
	ActionHoldCreated           AuditAction = "HOLD_CREATED"
	ActionHoldReleased          AuditAction = "HOLD_RELEASED"
	ActionHoldExpired           AuditAction = "HOLD_EXPIRED"
	ActionCheckoutCaptured      AuditAction = "CHECKOUT_DETAILS_CAPTURED"
	ActionPaymentReceived       AuditAction = "PAYMENT_RECEIVED"
	ActionPaymentFailed         AuditAction = "PAYMENT_FAILED"
	ActionAdminHoldCreated      AuditAction = "ADMIN_HOLD_CREATED"
	ActionAdminHoldReleased     AuditAction = "ADMIN_HOLD_RELEASED"
	ActionDedicationEdited      AuditAction = "DEDICATION_EDITED"
	ActionRefundIssued          AuditAction = "REFUND_ISSUED"
	ActionGatewayRefundRecorded AuditAction = "GATEWAY_REFUND_RECORDED"
)

// AuditEntry is an immutable record of one state change.
type AuditEntry struct {
	ID          uuid.UUID
	ResourceID  uuid.UUID
	ResourceKey string
	Action      AuditAction
	OldValue    Snapshot
	NewValue    Snapshot
	PerformedBy string
	IPAddress   string
	Notes       string
	CreatedAt   time.Time
}

// Snapshot is the audited projection of a resource. The hold token is never
// part of it.
type Snapshot struct {
	State          State      `json:"state"`
	HoldExpiresAt  *time.Time `json:"hold_expires_at,omitempty"`
	AdminNote      string     `json:"admin_note,omitempty"`
	PaymentRef     string     `json:"payment_ref,omitempty"`
	OrderRef       string     `json:"order_ref,omitempty"`
	AmountPaid     int64      `json:"amount_paid,omitempty"`
	PaidAt         *time.Time `json:"paid_at,omitempty"`
	BuyerEmail     string     `json:"buyer_email,omitempty"`
	DedicationText string     `json:"dedication_text,omitempty"`
	RefundID       string     `json:"refund_id,omitempty"`
}

func SnapshotOf(r Resource) Snapshot {
	snap := Snapshot{State: r.State(), PaymentRef: r.PaymentRef}
	switch s := r.Status.(type) {
	case CheckoutHold:
		exp := s.ExpiresAt
		snap.HoldExpiresAt = &exp
	case AdminHold:
		snap.AdminNote = s.Note
	case Sold:
		paid := s.PaidAt
		snap.OrderRef = s.OrderRef
		snap.AmountPaid = s.AmountPaid
		snap.PaidAt = &paid
	}
	if r.Buyer != nil {
		snap.BuyerEmail = r.Buyer.Email
		snap.DedicationText = r.Buyer.DedicationText
	}
	return snap
}

// NewAuditEntry describes the change from before to after.
func NewAuditEntry(action AuditAction, before, after Resource, actor Actor, notes string, now time.Time) AuditEntry {
	return AuditEntry{
		ID:          uuid.New(),
		ResourceID:  before.ID,
		ResourceKey: before.Key,
		Action:      action,
		OldValue:    SnapshotOf(before),
		NewValue:    SnapshotOf(after),
		PerformedBy: actor.ID,
		IPAddress:   actor.IP,
		Notes:       notes,
		CreatedAt:   now,
	}
}

type AuditFilter struct {
	ResourceID *uuid.UUID
	Action     AuditAction
	Limit      int
	Offset     int
}

const (
	DefaultAuditLimit = 50
	MaxAuditLimit     = 500
)

// Normalize clamps pagination to sane bounds.
func (f AuditFilter) Normalize() AuditFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultAuditLimit
	}
	if f.Limit > MaxAuditLimit {
		f.Limit = MaxAuditLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
