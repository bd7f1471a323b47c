package domain

import (
	"net/mail"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	MinPriceCents int64 = 100
	MaxPriceCents int64 = 10_000_000
)

// Settings is the singleton sales configuration.
type Settings struct {
	PriceCents         int64
	SalesStart         *time.Time
	SalesEnd           *time.Time
	DedicationRequired bool
	EmojisAllowed      bool
	NotificationEmail  string
	UpdatedAt          time.Time
	UpdatedBy          string
}

// SalesOpen reports whether now falls inside the configured window. An unset
// bound is open-ended.
func (s Settings) SalesOpen(now time.Time) bool {
	if s.SalesStart != nil && now.Before(*s.SalesStart) {
		return false
	}
	if s.SalesEnd != nil && !now.Before(*s.SalesEnd) {
		return false
	}
	return true
}

func (s Settings) Validate() error {
	if s.PriceCents < MinPriceCents || s.PriceCents > MaxPriceCents {
		return errors.Wrapf(ErrValidation, "price must be between %d and %d cents", MinPriceCents, MaxPriceCents)
	}
	if s.SalesStart != nil && s.SalesEnd != nil && !s.SalesStart.Before(*s.SalesEnd) {
		return errors.Wrap(ErrValidation, "sales start must be before sales end")
	}
	if s.NotificationEmail != "" {
		if _, err := mail.ParseAddress(s.NotificationEmail); err != nil {
			return errors.Wrap(ErrValidation, "notification email is not a valid address")
		}
	}
	return nil
}

// SettingsPatch carries only the fields an administrator wants to change.
// ClearSalesStart / ClearSalesEnd remove a bound.
type SettingsPatch struct {
	PriceCents         *int64
	SalesStart         *time.Time
	SalesEnd           *time.Time
	ClearSalesStart    bool
	ClearSalesEnd      bool
	DedicationRequired *bool
	EmojisAllowed      *bool
	NotificationEmail  *string
}

func (p SettingsPatch) Empty() bool {
	return p.PriceCents == nil && p.SalesStart == nil && p.SalesEnd == nil &&
		!p.ClearSalesStart && !p.ClearSalesEnd && p.DedicationRequired == nil &&
		p.EmojisAllowed == nil && p.NotificationEmail == nil
}

// Apply returns s with the patch applied. It does not validate.
func (p SettingsPatch) Apply(s Settings) Settings {
	if p.PriceCents != nil {
		s.PriceCents = *p.PriceCents
	}
	if p.ClearSalesStart {
		s.SalesStart = nil
	} else if p.SalesStart != nil {
		t := p.SalesStart.UTC()
		s.SalesStart = &t
	}
	if p.ClearSalesEnd {
		s.SalesEnd = nil
	} else if p.SalesEnd != nil {
		t := p.SalesEnd.UTC()
		s.SalesEnd = &t
	}
	if p.DedicationRequired != nil {
		s.DedicationRequired = *p.DedicationRequired
	}
	if p.EmojisAllowed != nil {
		s.EmojisAllowed = *p.EmojisAllowed
	}
	if p.NotificationEmail != nil {
		s.NotificationEmail = *p.NotificationEmail
	}
	return s
}
