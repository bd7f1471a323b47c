package crdb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"

	"github.com/robertarktes/day-dedications/internal/domain"
)

// AppendAudit inserts one entry. Entries are never updated or deleted; the
// repository exposes no way to do either.
func (r *Repository) AppendAudit(ctx context.Context, e domain.AuditEntry) error {
	oldValue, err := json.Marshal(e.OldValue)
	if err != nil {
		return errors.Wrap(err, "encode old value")
	}
	newValue, err := json.Marshal(e.NewValue)
	if err != nil {
		return errors.Wrap(err, "encode new value")
	}
	_, err = r.q(ctx).Exec(ctx, `
		INSERT INTO audit_entries (id, resource_id, day_key, action, old_value, new_value, performed_by, ip_address, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, e.ResourceID, e.ResourceKey, string(e.Action), oldValue, newValue, e.PerformedBy,
		nullable(e.IPAddress), nullable(e.Notes), e.CreatedAt)
	if err != nil {
		return errors.Wrapf(err, "append %s audit", e.Action)
	}
	return nil
}

// QueryAudit returns entries newest first.
func (r *Repository) QueryAudit(ctx context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error) {
	f = f.Normalize()

	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.ResourceID != nil {
		conds = append(conds, "resource_id = "+arg(*f.ResourceID))
	}
	if f.Action != "" {
		conds = append(conds, "action = "+arg(string(f.Action)))
	}

	query := `SELECT id, resource_id, day_key, action, old_value, new_value, performed_by,
		COALESCE(ip_address, ''), COALESCE(notes, ''), created_at FROM audit_entries`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT " + arg(f.Limit) + " OFFSET " + arg(f.Offset)

	rows, err := r.q(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query audit")
	}
	return pgx.CollectRows(rows, scanAuditEntry)
}

func scanAuditEntry(row pgx.CollectableRow) (domain.AuditEntry, error) {
	var (
		e                  domain.AuditEntry
		action             string
		oldValue, newValue []byte
	)
	if err := row.Scan(&e.ID, &e.ResourceID, &e.ResourceKey, &action, &oldValue, &newValue,
		&e.PerformedBy, &e.IPAddress, &e.Notes, &e.CreatedAt); err != nil {
		return e, err
	}
	e.Action = domain.AuditAction(action)
	if err := json.Unmarshal(oldValue, &e.OldValue); err != nil {
		return e, errors.Wrap(err, "decode old value")
	}
	if err := json.Unmarshal(newValue, &e.NewValue); err != nil {
		return e, errors.Wrap(err, "decode new value")
	}
	return e, nil
}
