package app_test

import (
	"context"
	"encoding/json"
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

func succeeded(id, paymentRef, key string) domain.GatewayEvent {
	return domain.GatewayEvent{ID: id, Type: domain.EventPaymentSucceeded, PaymentRef: paymentRef, ResourceKey: key, Amount: 5000}
}

func TestCheckoutToSale(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(day)
	clk := clock.NewManual(t0)
	kicker := &countingKicker{}
	logger := observability.NewNopLogger()
	res := newReservations(store, clk, defaultSettings())
	rec := app.NewReconciliationService(store, defaultSettings(), clk, logger, app.WithKicker(kicker))

	grant, err := res.CreateHold(ctx, app.CreateHoldInput{Key: day})
	require.NoError(t, err)
	assert.Equal(t, "T1", grant.Token)

	_, err = res.CreateHold(ctx, app.CreateHoldInput{Key: day})
	require.True(t, errors.Is(err, domain.ErrConflict))

	require.NoError(t, res.SubmitCheckout(ctx, app.SubmitCheckoutInput{Key: day, Token: grant.Token, PaymentRef: "pi_A", Buyer: validBuyer()}))

	clk.Advance(2 * time.Minute)
	outcome, err := rec.HandleEvent(ctx, succeeded("evt_1", "pi_A", day))
	require.NoError(t, err)
	assert.Equal(t, app.OutcomeApplied, outcome)

	got := store.day(day)
	sale, ok := got.Sale()
	require.True(t, ok)
	assert.Equal(t, "ACF-2027-00001", sale.OrderRef)
	assert.Equal(t, int64(5000), sale.AmountPaid)
	assert.Equal(t, clk.Now(), sale.PaidAt)
	assert.Equal(t, "pi_A", got.PaymentRef)
	assert.Equal(t, "ada@example.com", got.Buyer.Email)

	received := store.entries(domain.ActionPaymentReceived)
	require.Len(t, received, 1)
	assert.Equal(t, "gateway:evt_1", received[0].PerformedBy)
	assert.Equal(t, domain.StateCheckoutHold, received[0].OldValue.State)
	assert.Equal(t, domain.StateSold, received[0].NewValue.State)

	msgs := store.outboxMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.NotificationBuyerConfirmation, msgs[0].EventType)
	assert.Equal(t, domain.NotificationSaleInternal, msgs[1].EventType)
	var notice domain.SaleNotice
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &notice))
	assert.Equal(t, "ACF-2027-00001", notice.OrderRef)
	assert.Equal(t, "ops@example.com", notice.NotificationEmail)
	assert.Equal(t, 1, kicker.n)

	outcome, err = rec.HandleEvent(ctx, succeeded("evt_1", "pi_A", day))
	require.NoError(t, err)
	assert.Equal(t, app.OutcomeDuplicate, outcome)
	assert.Len(t, store.entries(domain.ActionPaymentReceived), 1)
	assert.Len(t, store.outboxMessages(), 2)
	assert.Equal(t, "ACF-2027-00001", mustSale(t, store.day(day)).OrderRef)
}

func mustSale(t *testing.T, r domain.Resource) domain.Sold {
	t.Helper()
	sale, ok := r.Sale()
	require.True(t, ok, "%s is %s", r.Key, r.State())
	return sale
}

func TestPaymentSucceeded_OrderRefsAreSequentialPerYear(t *testing.T) {
	store := newMemStore("2027-01-01", "2027-06-01", "2028-01-01")
	for _, key := range []string{"2027-01-01", "2027-06-01", "2028-01-01"} {
		sellDay(t, store, key, "pi_"+key)
	}
	assert.Equal(t, "ACF-2027-00001", mustSale(t, store.day("2027-01-01")).OrderRef)
	assert.Equal(t, "ACF-2027-00002", mustSale(t, store.day("2027-06-01")).OrderRef)
	assert.Equal(t, "ACF-2028-00001", mustSale(t, store.day("2028-01-01")).OrderRef)
}

func TestPaymentSucceeded_AfterHoldLapsed(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(day)
	clk := clock.NewManual(t0)
	res := newReservations(store, clk, defaultSettings())
	rec := app.NewReconciliationService(store, defaultSettings(), clk, observability.NewNopLogger(), app.WithOrderRefPrefix("XYZ"))

	grant, err := res.CreateHold(ctx, app.CreateHoldInput{Key: day})
	require.NoError(t, err)
	require.NoError(t, res.SubmitCheckout(ctx, app.SubmitCheckoutInput{Key: day, Token: grant.Token, PaymentRef: "pi_late", Buyer: validBuyer()}))

	clk.Advance(15 * time.Minute)
	n, err := res.ExpireHolds(ctx, clk.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, domain.StateAvailable, store.day(day).State())

	outcome, err := rec.HandleEvent(ctx, succeeded("evt_late", "pi_late", day))
	require.NoError(t, err)
	assert.Equal(t, app.OutcomeApplied, outcome)
	assert.Equal(t, "XYZ-2027-00001", mustSale(t, store.day(day)).OrderRef)
	assert.Equal(t, "ada@example.com", store.day(day).Buyer.Email)
}

func TestPaymentSucceeded_StaleEventLeavesDayAlone(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(day)
	sellDay(t, store, day, "pi_first")
	rec := app.NewReconciliationService(store, defaultSettings(), clock.NewFixed(t0), observability.NewNopLogger())

	before := store.day(day)
	outcome, err := rec.HandleEvent(ctx, succeeded("evt_other", "pi_second", day))
	require.NoError(t, err)
	assert.Equal(t, app.OutcomeStale, outcome)
	assert.Equal(t, before, store.day(day))
	assert.Len(t, store.entries(domain.ActionPaymentReceived), 1)
}

// A late success settles a day that a newer checkout is holding; the newer
// buyer's success then finds the day sold to someone else.
func TestPaymentSucceeded_LateSuccessDisplacesNewerHold(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(day)
	clk := clock.NewManual(t0)
	res := newReservations(store, clk, defaultSettings())
	rec := app.NewReconciliationService(store, defaultSettings(), clk, observability.NewNopLogger())

	first, err := res.CreateHold(ctx, app.CreateHoldInput{Key: day})
	require.NoError(t, err)
	require.NoError(t, res.SubmitCheckout(ctx, app.SubmitCheckoutInput{Key: day, Token: first.Token, PaymentRef: "pi_A", Buyer: validBuyer()}))

	clk.Advance(15 * time.Minute)
	second, err := res.CreateHold(ctx, app.CreateHoldInput{Key: day})
	require.NoError(t, err)
	other := validBuyer()
	other.Name, other.Email = "Grace Hopper", "grace@example.com"
	require.NoError(t, res.SubmitCheckout(ctx, app.SubmitCheckoutInput{Key: day, Token: second.Token, PaymentRef: "pi_B", Buyer: other}))

	outcome, err := rec.HandleEvent(ctx, succeeded("evt_A", "pi_A", day))
	require.NoError(t, err)
	assert.Equal(t, app.OutcomeApplied, outcome)

	got := store.day(day)
	assert.Equal(t, domain.StateSold, got.State())
	assert.Equal(t, "pi_A", got.PaymentRef)
	assert.Nil(t, got.Buyer, "the newer buyer's details never move to another payment")

	received := store.entries(domain.ActionPaymentReceived)
	require.Len(t, received, 1)
	assert.Equal(t, domain.StateCheckoutHold, received[0].OldValue.State)
	assert.Equal(t, "pi_B", received[0].OldValue.PaymentRef)
	assert.Equal(t, domain.StateSold, received[0].NewValue.State)
	assert.Equal(t, "pi_A", received[0].NewValue.PaymentRef)

	outcome, err = rec.HandleEvent(ctx, succeeded("evt_B", "pi_B", day))
	require.NoError(t, err)
	assert.Equal(t, app.OutcomeStale, outcome)
	assert.Equal(t, "pi_A", store.day(day).PaymentRef)
	assert.Len(t, store.entries(domain.ActionPaymentReceived), 1)
}

func TestPaymentSucceeded_FallsBackToEventBuyer(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(day)
	clk := clock.NewFixed(t0)
	res := newReservations(store, clk, defaultSettings())
	rec := app.NewReconciliationService(store, defaultSettings(), clk, observability.NewNopLogger())

	_, err := res.CreateHold(ctx, app.CreateHoldInput{Key: day})
	require.NoError(t, err)

	ev := succeeded("evt_1", "pi_meta", day)
	ev.Buyer = &domain.Buyer{Name: "Grace Hopper", Email: "grace@example.com", DedicationText: "Nanoseconds"}
	outcome, err := rec.HandleEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, app.OutcomeApplied, outcome)
	assert.Equal(t, "grace@example.com", store.day(day).Buyer.Email)
}

func TestPaymentSucceeded_UnknownDay(t *testing.T) {
	store := newMemStore(day)
	rec := app.NewReconciliationService(store, defaultSettings(), clock.NewFixed(t0), observability.NewNopLogger())

	outcome, err := rec.HandleEvent(context.Background(), succeeded("evt_1", "pi_1", "2030-01-01"))
	require.NoError(t, err)
	assert.Equal(t, app.OutcomeUnknownResource, outcome)
	assert.Empty(t, store.entries(""))
}

func TestPaymentFailed(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(day)
	clk := clock.NewFixed(t0)
	res := newReservations(store, clk, defaultSettings())
	rec := app.NewReconciliationService(store, defaultSettings(), clk, observability.NewNopLogger())

	grant, err := res.CreateHold(ctx, app.CreateHoldInput{Key: day})
	require.NoError(t, err)
	require.NoError(t, res.SubmitCheckout(ctx, app.SubmitCheckoutInput{Key: day, Token: grant.Token, PaymentRef: "pi_B", Buyer: validBuyer()}))

	failedOther := domain.GatewayEvent{ID: "evt_0", Type: domain.EventPaymentFailed, PaymentRef: "pi_old", ResourceKey: day}
	outcome, err := rec.HandleEvent(ctx, failedOther)
	require.NoError(t, err)
	assert.Equal(t, app.OutcomeStale, outcome)
	assert.Equal(t, domain.StateCheckoutHold, store.day(day).State())

	failed := domain.GatewayEvent{ID: "evt_1", Type: domain.EventPaymentFailed, PaymentRef: "pi_B", ResourceKey: day, FailureReason: "card_declined"}
	outcome, err = rec.HandleEvent(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, app.OutcomeApplied, outcome)

	got := store.day(day)
	assert.Equal(t, domain.StateAvailable, got.State())
	assert.Empty(t, got.PaymentRef)
	assert.Nil(t, got.Buyer)

	entries := store.entries(domain.ActionPaymentFailed)
	require.Len(t, entries, 1)
	assert.Equal(t, "card_declined", entries[0].Notes)

	outcome, err = rec.HandleEvent(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, app.OutcomeStale, outcome)
	assert.Len(t, store.entries(domain.ActionPaymentFailed), 1)
}

func TestChargeRefunded_RecordedOnce(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(day)
	sellDay(t, store, day, "pi_1")
	rec := app.NewReconciliationService(store, defaultSettings(), clock.NewFixed(t0), observability.NewNopLogger())

	ev := domain.GatewayEvent{ID: "evt_r", Type: domain.EventChargeRefunded, PaymentRef: "pi_1", Amount: 5000}
	outcome, err := rec.HandleEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, app.OutcomeApplied, outcome)

	outcome, err = rec.HandleEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, app.OutcomeDuplicate, outcome)

	entries := store.entries(domain.ActionGatewayRefundRecorded)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.StateSold, entries[0].NewValue.State)
	assert.Equal(t, domain.StateSold, store.day(day).State())
}

func TestHandleEvent_IgnoresOtherTypes(t *testing.T) {
	store := newMemStore(day)
	rec := app.NewReconciliationService(store, defaultSettings(), clock.NewFixed(t0), observability.NewNopLogger())

	outcome, err := rec.HandleEvent(context.Background(), domain.GatewayEvent{ID: "evt", Type: "customer.created"})
	require.NoError(t, err)
	assert.Equal(t, app.OutcomeIgnored, outcome)
}

func TestHandleEvent_SettingsUnavailable(t *testing.T) {
	store := newMemStore(day)
	settings := staticSettings{err: errors.New("mongo down")}
	rec := app.NewReconciliationService(store, settings, clock.NewFixed(t0), observability.NewNopLogger())

	_, err := rec.HandleEvent(context.Background(), succeeded("evt_1", "pi_1", day))
	assert.Error(t, err)
}
