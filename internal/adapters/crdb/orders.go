package crdb

import (
	"context"

	"github.com/cockroachdb/errors"
)

// NextOrderSequence returns the next order number for year. Called inside the
// sale transaction, the counter row stays locked until commit, so numbers are
// gap-free per committed sale.
func (r *Repository) NextOrderSequence(ctx context.Context, year int) (int, error) {
	var seq int
	err := r.q(ctx).QueryRow(ctx, `
		INSERT INTO order_sequences (year, last_value) VALUES ($1, 1)
		ON CONFLICT (year) DO UPDATE SET last_value = order_sequences.last_value + 1
		RETURNING last_value
	`, year).Scan(&seq)
	if err != nil {
		return 0, errors.Wrapf(err, "order sequence for %d", year)
	}
	return seq, nil
}
