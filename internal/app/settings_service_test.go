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

func newSettingsService(repo *memSettingsRepo, clk clock.Clock) *app.SettingsService {
	defaults := domain.Settings{PriceCents: 5000, EmojisAllowed: true}
	return app.NewSettingsService(repo, defaults, clk, observability.NewNopLogger())
}

func TestSettings_SeedsDefaultsOnce(t *testing.T) {
	repo := &memSettingsRepo{}
	svc := newSettingsService(repo, clock.NewFixed(t0))

	s, err := svc.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5000), s.PriceCents)
	assert.Equal(t, "system", s.UpdatedBy)

	_, err = svc.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, repo.seeds)
}

func TestSettings_Patch(t *testing.T) {
	ctx := context.Background()
	repo := &memSettingsRepo{}
	clk := clock.NewManual(t0)
	svc := newSettingsService(repo, clk)
	admin := domain.AdminActor("ops@example.com", "")

	price := int64(7500)
	required := true
	clk.Advance(time.Minute)
	s, err := svc.Patch(ctx, domain.SettingsPatch{PriceCents: &price, DedicationRequired: &required}, admin)
	require.NoError(t, err)
	assert.Equal(t, int64(7500), s.PriceCents)
	assert.True(t, s.DedicationRequired)
	assert.True(t, s.EmojisAllowed, "untouched fields survive")
	assert.Equal(t, "admin:ops@example.com", s.UpdatedBy)

	stored, err := svc.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7500), stored.PriceCents)

	t.Run("rejects out of range price", func(t *testing.T) {
		low := int64(99)
		_, err := svc.Patch(ctx, domain.SettingsPatch{PriceCents: &low}, admin)
		assert.True(t, errors.Is(err, domain.ErrValidation))
	})

	t.Run("validates window against stored bound", func(t *testing.T) {
		end := t0.Add(24 * time.Hour)
		_, err := svc.Patch(ctx, domain.SettingsPatch{SalesEnd: &end}, admin)
		require.NoError(t, err)

		start := end.Add(time.Hour)
		_, err = svc.Patch(ctx, domain.SettingsPatch{SalesStart: &start}, admin)
		assert.True(t, errors.Is(err, domain.ErrValidation))
	})

	t.Run("empty patch", func(t *testing.T) {
		_, err := svc.Patch(ctx, domain.SettingsPatch{}, admin)
		assert.True(t, errors.Is(err, domain.ErrBadRequest))
	})
}

func TestSettings_Public(t *testing.T) {
	repo := &memSettingsRepo{}
	start := t0.Add(time.Hour)
	repo.settings = &domain.Settings{PriceCents: 5000, SalesStart: &start, UpdatedAt: t0}
	svc := newSettingsService(repo, clock.NewFixed(t0))

	pub, err := svc.Public(context.Background())
	require.NoError(t, err)
	assert.False(t, pub.SalesOpen)
	assert.Equal(t, domain.MaxDedicationRunes, pub.MaxDedicationLength)
}

func TestSettings_Cache(t *testing.T) {
	ctx := context.Background()
	repo := &memSettingsRepo{}
	cache := &memSettingsCache{}
	clk := clock.NewManual(t0)
	svc := app.NewSettingsService(repo, domain.Settings{PriceCents: 5000}, clk, observability.NewNopLogger(), app.WithSettingsCache(cache, time.Minute))

	_, err := svc.Get(ctx)
	require.NoError(t, err)
	_, err = svc.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.hits)

	price := int64(6000)
	clk.Advance(time.Second)
	_, err = svc.Patch(ctx, domain.SettingsPatch{PriceCents: &price}, domain.AdminActor("ops@example.com", ""))
	require.NoError(t, err)
	assert.Equal(t, 1, cache.invalidated)

	s, err := svc.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6000), s.PriceCents, "patch is visible after invalidation")
}
