package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/day-dedications/internal/app"
	"github.com/robertarktes/day-dedications/internal/clock"
	"github.com/robertarktes/day-dedications/internal/domain"
	"github.com/robertarktes/day-dedications/internal/observability"
)

func TestPublicCalendar_RedactsAndExpires(t *testing.T) {
	ctx := context.Background()
	keys := []string{"2027-03-14", day, "2027-03-16"}
	store := newMemStore(keys...)
	clk := clock.NewManual(t0)
	res := newReservations(store, clk, defaultSettings())
	q := app.NewQueryService(store, res, clk, observability.NewNopLogger())

	sellDay(t, store, "2027-03-14", "pi_sold")
	_, err := res.CreateHold(ctx, app.CreateHoldInput{Key: day})
	require.NoError(t, err)

	days, err := q.PublicCalendar(ctx, "2027-03-14", "2027-03-16")
	require.NoError(t, err)
	require.Len(t, days, 3)
	assert.Equal(t, domain.StateSold, days[0].State)
	assert.Equal(t, "For Grace", days[0].DedicationText)
	assert.Equal(t, domain.StateCheckoutHold, days[1].State)
	assert.NotNil(t, days[1].HoldExpiresAt)
	assert.Equal(t, domain.StateAvailable, days[2].State)

	clk.Advance(10*time.Minute + time.Second)
	days, err = q.PublicCalendar(ctx, "2027-03-14", "2027-03-16")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAvailable, days[1].State)
	assert.Nil(t, days[1].HoldExpiresAt)
	assert.Equal(t, domain.StateAvailable, store.day(day).State(), "read triggered the sweep")
	assert.Len(t, store.entries(domain.ActionHoldExpired), 1)
}

func TestPublicCalendar_BadRanges(t *testing.T) {
	store := newMemStore(day)
	clk := clock.NewFixed(t0)
	q := app.NewQueryService(store, newReservations(store, clk, defaultSettings()), clk, observability.NewNopLogger())

	_, err := q.PublicCalendar(context.Background(), "2027-03-16", "2027-03-15")
	assert.True(t, errors.Is(err, domain.ErrBadRequest))
	_, err = q.PublicCalendar(context.Background(), "2027-01-01", "2029-01-01")
	assert.True(t, errors.Is(err, domain.ErrBadRequest))
	_, err = q.PublicCalendar(context.Background(), "yesterday", "2029-01-01")
	assert.True(t, errors.Is(err, domain.ErrBadRequest))
}

func TestCheckoutStatus(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(day)
	clk := clock.NewFixed(t0)
	q := app.NewQueryService(store, newReservations(store, clk, defaultSettings()), clk, observability.NewNopLogger())

	_, err := q.CheckoutStatus(ctx, "pi_1")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	sellDay(t, store, day, "pi_1")
	status, err := q.CheckoutStatus(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, domain.CheckoutStatus{Date: day, State: domain.StateSold, OrderRef: "ACF-2027-00001"}, status)
}

func TestAdminListAndExport(t *testing.T) {
	ctx := context.Background()
	keys := []string{"2027-03-14", day, "2027-03-16"}
	store := newMemStore(keys...)
	clk := clock.NewFixed(t0)
	res := newReservations(store, clk, defaultSettings())
	q := app.NewQueryService(store, res, clk, observability.NewNopLogger())

	sellDay(t, store, day, "pi_1")
	_, err := res.CreateAdminHold(ctx, app.AdminHoldInput{Key: "2027-03-16", Note: "gift"})
	require.NoError(t, err)

	sold, err := q.AdminList(ctx, domain.ResourceFilter{States: []domain.State{domain.StateSold}})
	require.NoError(t, err)
	require.Len(t, sold, 1)
	assert.Equal(t, "ada@example.com", sold[0].Buyer.Email)

	_, err = q.AdminList(ctx, domain.ResourceFilter{States: []domain.State{"LOST"}})
	assert.True(t, errors.Is(err, domain.ErrBadRequest))

	exported, err := q.Export(ctx)
	require.NoError(t, err)
	require.Len(t, exported, 2)
	assert.Equal(t, day, exported[0].Key)
	assert.Equal(t, "2027-03-16", exported[1].Key)
}

func TestAuditLog(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(day, "2027-03-16")
	clk := clock.NewFixed(t0)
	res := newReservations(store, clk, defaultSettings())
	q := app.NewQueryService(store, res, clk, observability.NewNopLogger())

	sellDay(t, store, day, "pi_1")
	_, err := res.CreateAdminHold(ctx, app.AdminHoldInput{Key: "2027-03-16"})
	require.NoError(t, err)

	entries, err := q.AuditLog(ctx, app.AuditQuery{Key: day})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, domain.ActionPaymentReceived, entries[0].Action, "newest first")
	assert.Equal(t, domain.ActionHoldCreated, entries[2].Action)

	all, err := q.AuditLog(ctx, app.AuditQuery{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = q.AuditLog(ctx, app.AuditQuery{Key: "2031-01-01"})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
