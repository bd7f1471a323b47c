package crdb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/robertarktes/day-dedications/internal/domain"
)

const resourceColumns = `id, day_key, state, hold_token, hold_expires_at, admin_note,
	payment_ref, order_ref, amount_paid, paid_at, buyer, created_at, updated_at`

type resourceRow struct {
	ID            uuid.UUID
	Key           string
	State         string
	HoldToken     *string
	HoldExpiresAt *time.Time
	AdminNote     *string
	PaymentRef    *string
	OrderRef      *string
	AmountPaid    *int64
	PaidAt        *time.Time
	Buyer         []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func scanResource(row pgx.Row) (domain.Resource, error) {
	var rr resourceRow
	err := row.Scan(&rr.ID, &rr.Key, &rr.State, &rr.HoldToken, &rr.HoldExpiresAt, &rr.AdminNote,
		&rr.PaymentRef, &rr.OrderRef, &rr.AmountPaid, &rr.PaidAt, &rr.Buyer, &rr.CreatedAt, &rr.UpdatedAt)
	if err != nil {
		return domain.Resource{}, err
	}
	return rr.toDomain()
}

func (rr resourceRow) toDomain() (domain.Resource, error) {
	res := domain.Resource{
		ID:         rr.ID,
		Key:        rr.Key,
		PaymentRef: deref(rr.PaymentRef),
		CreatedAt:  rr.CreatedAt,
		UpdatedAt:  rr.UpdatedAt,
	}
	switch domain.State(rr.State) {
	case domain.StateAvailable:
		res.Status = domain.Available{}
	case domain.StateCheckoutHold:
		hold := domain.CheckoutHold{Token: deref(rr.HoldToken)}
		if rr.HoldExpiresAt != nil {
			hold.ExpiresAt = rr.HoldExpiresAt.UTC()
		}
		res.Status = hold
	case domain.StateAdminHold:
		res.Status = domain.AdminHold{Note: deref(rr.AdminNote)}
	case domain.StateSold:
		sale := domain.Sold{OrderRef: deref(rr.OrderRef)}
		if rr.AmountPaid != nil {
			sale.AmountPaid = *rr.AmountPaid
		}
		if rr.PaidAt != nil {
			sale.PaidAt = rr.PaidAt.UTC()
		}
		res.Status = sale
	default:
		return domain.Resource{}, errors.Newf("day %s has unknown state %q", rr.Key, rr.State)
	}
	if len(rr.Buyer) > 0 {
		var b domain.Buyer
		if err := json.Unmarshal(rr.Buyer, &b); err != nil {
			return domain.Resource{}, errors.Wrapf(err, "decode buyer of %s", rr.Key)
		}
		res.Buyer = &b
	}
	return res, nil
}

func fromDomain(r domain.Resource) (resourceRow, error) {
	rr := resourceRow{
		ID:         r.ID,
		Key:        r.Key,
		State:      string(r.State()),
		PaymentRef: nullable(r.PaymentRef),
		UpdatedAt:  r.UpdatedAt,
	}
	switch s := r.Status.(type) {
	case domain.CheckoutHold:
		exp := s.ExpiresAt
		rr.HoldToken = &s.Token
		rr.HoldExpiresAt = &exp
	case domain.AdminHold:
		note := s.Note
		rr.AdminNote = &note
	case domain.Sold:
		paid, amount := s.PaidAt, s.AmountPaid
		rr.OrderRef = &s.OrderRef
		rr.AmountPaid = &amount
		rr.PaidAt = &paid
	}
	if r.Buyer != nil {
		b, err := json.Marshal(r.Buyer)
		if err != nil {
			return rr, errors.Wrap(err, "encode buyer")
		}
		rr.Buyer = b
	}
	return rr, nil
}

func (r *Repository) GetResource(ctx context.Context, key string) (domain.Resource, error) {
	return r.getResource(ctx, `SELECT `+resourceColumns+` FROM resources WHERE day_key = $1`, key)
}

func (r *Repository) GetResourceForUpdate(ctx context.Context, key string) (domain.Resource, error) {
	return r.getResource(ctx, `SELECT `+resourceColumns+` FROM resources WHERE day_key = $1 FOR UPDATE`, key)
}

func (r *Repository) GetResourceByPaymentRef(ctx context.Context, paymentRef string) (domain.Resource, error) {
	return r.getResource(ctx, `SELECT `+resourceColumns+` FROM resources
		WHERE payment_ref = $1 ORDER BY updated_at DESC LIMIT 1`, paymentRef)
}

func (r *Repository) GetResourceByPaymentRefForUpdate(ctx context.Context, paymentRef string) (domain.Resource, error) {
	return r.getResource(ctx, `SELECT `+resourceColumns+` FROM resources
		WHERE payment_ref = $1 ORDER BY updated_at DESC LIMIT 1 FOR UPDATE`, paymentRef)
}

func (r *Repository) getResource(ctx context.Context, query, arg string) (domain.Resource, error) {
	res, err := scanResource(r.q(ctx).QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Resource{}, errors.Wrapf(domain.ErrNotFound, "day %s", arg)
	}
	if err != nil {
		return domain.Resource{}, errors.Wrap(err, "get resource")
	}
	return res, nil
}

func (r *Repository) ListResources(ctx context.Context, f domain.ResourceFilter) ([]domain.Resource, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.From != "" {
		conds = append(conds, "day_key >= "+arg(f.From))
	}
	if f.To != "" {
		conds = append(conds, "day_key <= "+arg(f.To))
	}
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, s := range f.States {
			states[i] = string(s)
		}
		conds = append(conds, "state = ANY("+arg(states)+")")
	}
	if f.ExcludeFree {
		conds = append(conds, "state <> 'AVAILABLE'")
	}

	query := `SELECT ` + resourceColumns + ` FROM resources`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY day_key"

	rows, err := r.q(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list resources")
	}
	defer rows.Close()

	var out []domain.Resource
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (r *Repository) ListExpiredHolds(ctx context.Context, asOf time.Time) ([]string, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT day_key FROM resources
		WHERE state = 'CHECKOUT_HOLD' AND hold_expires_at <= $1
		ORDER BY hold_expires_at
	`, asOf)
	if err != nil {
		return nil, errors.Wrap(err, "list expired holds")
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// SaveResource writes every mutable column of r. The row must exist.
func (r *Repository) SaveResource(ctx context.Context, res domain.Resource) error {
	if err := res.Validate(); err != nil {
		return err
	}
	rr, err := fromDomain(res)
	if err != nil {
		return err
	}
	tag, err := r.q(ctx).Exec(ctx, `
		UPDATE resources SET
			state = $2, hold_token = $3, hold_expires_at = $4, admin_note = $5,
			payment_ref = $6, order_ref = $7, amount_paid = $8, paid_at = $9,
			buyer = $10, updated_at = $11
		WHERE day_key = $1
	`, rr.Key, rr.State, rr.HoldToken, rr.HoldExpiresAt, rr.AdminNote,
		rr.PaymentRef, rr.OrderRef, rr.AmountPaid, rr.PaidAt, rr.Buyer, rr.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.Wrap(domain.ErrConflict, "order reference already used")
	}
	if err != nil {
		return errors.Wrapf(err, "save %s", res.Key)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrNotFound, "day %s", res.Key)
	}
	return nil
}

// EnsureDays provisions one AVAILABLE row per calendar day in [from, to].
// Existing days are left untouched. It returns how many rows were created.
func (r *Repository) EnsureDays(ctx context.Context, from, to time.Time) (int, error) {
	if to.Before(from) {
		return 0, errors.Wrap(domain.ErrBadRequest, "calendar end before start")
	}
	batch := &pgx.Batch{}
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		batch.Queue(`INSERT INTO resources (day_key) VALUES ($1) ON CONFLICT (day_key) DO NOTHING`, d.Format(domain.KeyLayout))
	}

	results := r.q(ctx).SendBatch(ctx, batch)
	defer results.Close()

	created := 0
	for i := 0; i < batch.Len(); i++ {
		tag, err := results.Exec()
		if err != nil {
			return created, errors.Wrap(err, "provision day")
		}
		created += int(tag.RowsAffected())
	}
	return created, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
