package app

import (
	"context"
	"time"

	"github.com/robertarktes/day-dedications/internal/domain"
)

// Transactor runs fn inside one database transaction carried by txCtx.
// Repository calls made with txCtx join that transaction.
type Transactor interface {
	WithTx(ctx context.Context, fn func(txCtx context.Context) error) error
}

type LedgerRepository interface {
	GetResource(ctx context.Context, key string) (domain.Resource, error)
	GetResourceForUpdate(ctx context.Context, key string) (domain.Resource, error)
	GetResourceByPaymentRef(ctx context.Context, paymentRef string) (domain.Resource, error)
	GetResourceByPaymentRefForUpdate(ctx context.Context, paymentRef string) (domain.Resource, error)
	ListResources(ctx context.Context, filter domain.ResourceFilter) ([]domain.Resource, error)
	ListExpiredHolds(ctx context.Context, asOf time.Time) ([]string, error)
	SaveResource(ctx context.Context, r domain.Resource) error
	NextOrderSequence(ctx context.Context, year int) (int, error)
}

type AuditRepository interface {
	AppendAudit(ctx context.Context, e domain.AuditEntry) error
	QueryAudit(ctx context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error)
}

type OutboxRepository interface {
	InsertOutbox(ctx context.Context, msg domain.OutboxMessage) error
}

// Store is everything the services need from the ledger database.
type Store interface {
	Transactor
	LedgerRepository
	AuditRepository
	OutboxRepository
}

type SettingsReader interface {
	Get(ctx context.Context) (domain.Settings, error)
}

// Refunder issues monetary refunds at the payment gateway.
type Refunder interface {
	Refund(ctx context.Context, req domain.RefundRequest) (domain.RefundResult, error)
}

// HoldExpirer reverts lapsed checkout holds.
type HoldExpirer interface {
	ExpireHolds(ctx context.Context, asOf time.Time) (int, error)
}

// Kicker wakes the notification relay after a sale commits.
type Kicker interface {
	Kick()
}

// EventLog keeps a delivery record of every gateway event received.
type EventLog interface {
	Record(ctx context.Context, ev domain.GatewayEvent, outcome string, at time.Time) error
}
