package http

import (
	"time"

	"github.com/robertarktes/day-dedications/internal/domain"
)

// adminDay is the unredacted resource as administrators see it.
type adminDay struct {
	Date          string        `json:"date"`
	State         domain.State  `json:"state"`
	HoldExpiresAt *time.Time    `json:"hold_expires_at,omitempty"`
	AdminNote     string        `json:"admin_note,omitempty"`
	PaymentRef    string        `json:"payment_ref,omitempty"`
	OrderRef      string        `json:"order_ref,omitempty"`
	AmountPaid    int64         `json:"amount_paid,omitempty"`
	PaidAt        *time.Time    `json:"paid_at,omitempty"`
	Buyer         *domain.Buyer `json:"buyer,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

func adminView(r domain.Resource) adminDay {
	d := adminDay{
		Date:       r.Key,
		State:      r.State(),
		PaymentRef: r.PaymentRef,
		Buyer:      r.Buyer,
		UpdatedAt:  r.UpdatedAt,
	}
	switch s := r.Status.(type) {
	case domain.CheckoutHold:
		exp := s.ExpiresAt
		d.HoldExpiresAt = &exp
	case domain.AdminHold:
		d.AdminNote = s.Note
	case domain.Sold:
		paid := s.PaidAt
		d.OrderRef = s.OrderRef
		d.AmountPaid = s.AmountPaid
		d.PaidAt = &paid
	}
	return d
}

func adminViews(rs []domain.Resource) []adminDay {
	out := make([]adminDay, 0, len(rs))
	for _, r := range rs {
		out = append(out, adminView(r))
	}
	return out
}

type auditView struct {
	ID          string             `json:"id"`
	Date        string             `json:"date"`
	Action      domain.AuditAction `json:"action"`
	OldValue    domain.Snapshot    `json:"old_value"`
	NewValue    domain.Snapshot    `json:"new_value"`
	PerformedBy string             `json:"performed_by"`
	IPAddress   string             `json:"ip_address,omitempty"`
	Notes       string             `json:"notes,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

func auditViews(entries []domain.AuditEntry) []auditView {
	out := make([]auditView, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditView{
			ID:          e.ID.String(),
			Date:        e.ResourceKey,
			Action:      e.Action,
			OldValue:    e.OldValue,
			NewValue:    e.NewValue,
			PerformedBy: e.PerformedBy,
			IPAddress:   e.IPAddress,
			Notes:       e.Notes,
			CreatedAt:   e.CreatedAt,
		})
	}
	return out
}

type settingsView struct {
	PriceCents         int64      `json:"price_cents"`
	SalesStart         *time.Time `json:"sales_start"`
	SalesEnd           *time.Time `json:"sales_end"`
	DedicationRequired bool       `json:"dedication_required"`
	EmojisAllowed      bool       `json:"emojis_allowed"`
	NotificationEmail  string     `json:"notification_email"`
	UpdatedAt          time.Time  `json:"updated_at"`
	UpdatedBy          string     `json:"updated_by"`
}

func settingsViewOf(s domain.Settings) settingsView {
	return settingsView{
		PriceCents:         s.PriceCents,
		SalesStart:         s.SalesStart,
		SalesEnd:           s.SalesEnd,
		DedicationRequired: s.DedicationRequired,
		EmojisAllowed:      s.EmojisAllowed,
		NotificationEmail:  s.NotificationEmail,
		UpdatedAt:          s.UpdatedAt,
		UpdatedBy:          s.UpdatedBy,
	}
}
