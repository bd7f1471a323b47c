package app_test

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/day-dedications/internal/app"
	"github.com/robertarktes/day-dedications/internal/clock"
	"github.com/robertarktes/day-dedications/internal/domain"
	"github.com/robertarktes/day-dedications/internal/observability"
)

var refundAdmin = domain.AdminActor("ops@example.com", "10.0.0.9")

func newRefunds(store *memStore, gw *fakeGateway) *app.RefundService {
	return app.NewRefundService(store, gw, clock.NewFixed(t0), observability.NewNopLogger())
}

func TestRefund_DefaultsToAdminHold(t *testing.T) {
	store := newMemStore(day)
	sellDay(t, store, day, "pi_1")
	gw := &fakeGateway{result: domain.RefundResult{RefundID: "re_123", Status: domain.RefundSucceeded}}

	out, err := newRefunds(store, gw).Refund(context.Background(), app.RefundInput{Key: day, Reason: "customer request", Actor: refundAdmin, AttemptID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, "re_123", out.RefundID)
	assert.Equal(t, domain.StateAdminHold, out.Day.State())

	require.Equal(t, 1, gw.callCount())
	assert.Equal(t, "pi_1", gw.calls[0].PaymentRef)
	assert.Equal(t, "refund-pi_1-req-1", gw.calls[0].IdempotencyKey())
	assert.Equal(t, "ACF-2027-00001", gw.calls[0].Metadata["order_ref"])

	got := store.day(day)
	assert.Equal(t, domain.StateAdminHold, got.State())
	assert.Empty(t, got.PaymentRef)
	assert.Nil(t, got.Buyer)
	hold, ok := got.Status.(domain.AdminHold)
	require.True(t, ok)
	assert.Equal(t, "Refunded "+t0.Format(domain.KeyLayout)+": customer request (refund re_123)", hold.Note)

	entries := store.entries(domain.ActionRefundIssued)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.StateSold, entries[0].OldValue.State)
	assert.Equal(t, "ACF-2027-00001", entries[0].OldValue.OrderRef)
	assert.Equal(t, "pi_1", entries[0].OldValue.PaymentRef)
	assert.Equal(t, domain.StateAdminHold, entries[0].NewValue.State)
	assert.Equal(t, "re_123", entries[0].NewValue.RefundID)
	assert.Equal(t, "admin:ops@example.com", entries[0].PerformedBy)
}

func TestRefund_RestoreToAvailable(t *testing.T) {
	store := newMemStore(day)
	sellDay(t, store, day, "pi_1")
	gw := &fakeGateway{result: domain.RefundResult{RefundID: "re_1", Status: domain.RefundPending}}

	out, err := newRefunds(store, gw).Refund(context.Background(), app.RefundInput{Key: day, Reason: "duplicate", RestoreToAvailable: true, Actor: refundAdmin})
	require.NoError(t, err)
	assert.Equal(t, domain.RefundPending, out.Status)
	assert.Equal(t, domain.StateAvailable, store.day(day).State())
}

func TestRefund_PreconditionsNeverReachGateway(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name  string
		setup func(*memStore)
		input app.RefundInput
		want  error
	}{
		{
			name:  "available day",
			input: app.RefundInput{Key: day, Reason: "x"},
			want:  domain.ErrConflict,
		},
		{
			name: "admin hold",
			setup: func(s *memStore) {
				svc := newReservations(s, clock.NewFixed(t0), defaultSettings())
				_, err := svc.CreateAdminHold(ctx, app.AdminHoldInput{Key: day})
				require.NoError(t, err)
			},
			input: app.RefundInput{Key: day, Reason: "x"},
			want:  domain.ErrConflict,
		},
		{
			name:  "unknown day",
			input: app.RefundInput{Key: "2031-01-01", Reason: "x"},
			want:  domain.ErrNotFound,
		},
		{
			name:  "missing reason",
			input: app.RefundInput{Key: day},
			want:  domain.ErrBadRequest,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newMemStore(day)
			if tc.setup != nil {
				tc.setup(store)
			}
			before := len(store.entries(""))
			gw := &fakeGateway{result: domain.RefundResult{RefundID: "re", Status: domain.RefundSucceeded}}

			_, err := newRefunds(store, gw).Refund(ctx, tc.input)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
			assert.Zero(t, gw.callCount())
			assert.Len(t, store.entries(""), before)
		})
	}
}

func TestRefund_GatewayFailures(t *testing.T) {
	cases := []struct {
		name string
		gw   *fakeGateway
	}{
		{name: "transport error", gw: &fakeGateway{err: errors.New("connection reset")}},
		{name: "declined", gw: &fakeGateway{result: domain.RefundResult{RefundID: "re_x", Status: domain.RefundFailed}}},
		{name: "canceled", gw: &fakeGateway{result: domain.RefundResult{RefundID: "re_x", Status: domain.RefundCanceled}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newMemStore(day)
			sellDay(t, store, day, "pi_1")

			_, err := newRefunds(store, tc.gw).Refund(context.Background(), app.RefundInput{Key: day, Reason: "x", Actor: refundAdmin})
			assert.True(t, errors.Is(err, domain.ErrUpstreamFailure), "got %v", err)
			assert.Equal(t, domain.StateSold, store.day(day).State())
			assert.Empty(t, store.entries(domain.ActionRefundIssued))
		})
	}
}
