package domain_test

import (
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/day-dedications/internal/domain"
)

func TestSettings_Validate(t *testing.T) {
	t.Parallel()
	start := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	valid := domain.Settings{PriceCents: 5000, SalesStart: &start, SalesEnd: &end, NotificationEmail: "ops@example.org"}
	require.NoError(t, valid.Validate())

	cheap := valid
	cheap.PriceCents = 99
	assert.True(t, errors.Is(cheap.Validate(), domain.ErrValidation))

	dear := valid
	dear.PriceCents = domain.MaxPriceCents + 1
	assert.True(t, errors.Is(dear.Validate(), domain.ErrValidation))

	inverted := valid
	inverted.SalesStart, inverted.SalesEnd = &end, &start
	assert.True(t, errors.Is(inverted.Validate(), domain.ErrValidation))

	badMail := valid
	badMail.NotificationEmail = "not-an-address"
	assert.True(t, errors.Is(badMail.Validate(), domain.ErrValidation))
}

func TestSettings_SalesOpen(t *testing.T) {
	t.Parallel()
	start := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	s := domain.Settings{SalesStart: &start, SalesEnd: &end}

	assert.False(t, s.SalesOpen(start.Add(-time.Second)))
	assert.True(t, s.SalesOpen(start))
	assert.False(t, s.SalesOpen(end))
	assert.True(t, domain.Settings{}.SalesOpen(start))
}

func TestSettingsPatch_Apply(t *testing.T) {
	t.Parallel()
	start := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	price := int64(7500)
	emojis := true

	s := domain.Settings{PriceCents: 5000, SalesStart: &start}
	assert.True(t, domain.SettingsPatch{}.Empty())

	got := domain.SettingsPatch{PriceCents: &price, EmojisAllowed: &emojis, ClearSalesStart: true}.Apply(s)
	assert.Equal(t, int64(7500), got.PriceCents)
	assert.True(t, got.EmojisAllowed)
	assert.Nil(t, got.SalesStart)
	assert.Equal(t, int64(5000), s.PriceCents)
}

func TestValidateDedication(t *testing.T) {
	t.Parallel()
	plain := domain.Settings{}
	withEmoji := domain.Settings{EmojisAllowed: true}
	required := domain.Settings{DedicationRequired: true}

	got, err := domain.ValidateDedication("  For Grace, with love  ", plain)
	require.NoError(t, err)
	assert.Equal(t, "For Grace, with love", got)

	_, err = domain.ValidateDedication("", required)
	assert.True(t, errors.Is(err, domain.ErrValidation))

	got, err = domain.ValidateDedication("", plain)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = domain.ValidateDedication("Happy day \U0001F389", plain)
	assert.True(t, errors.Is(err, domain.ErrValidation))

	_, err = domain.ValidateDedication("Happy day \U0001F389", withEmoji)
	assert.NoError(t, err)

	_, err = domain.ValidateDedication("<script>", plain)
	assert.True(t, errors.Is(err, domain.ErrValidation))

	_, err = domain.ValidateDedication("line\nbreak", plain)
	assert.True(t, errors.Is(err, domain.ErrValidation))

	_, err = domain.ValidateDedication(strings.Repeat("é", domain.MaxDedicationRunes), plain)
	assert.NoError(t, err)

	_, err = domain.ValidateDedication(strings.Repeat("a", domain.MaxDedicationRunes+1), plain)
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestValidateBuyer(t *testing.T) {
	t.Parallel()

	b, err := domain.ValidateBuyer(domain.Buyer{Name: " Ada ", Email: "ada@example.com"}, domain.Settings{})
	require.NoError(t, err)
	assert.Equal(t, "Ada", b.Name)

	_, err = domain.ValidateBuyer(domain.Buyer{Email: "ada@example.com"}, domain.Settings{})
	assert.True(t, errors.Is(err, domain.ErrValidation))

	_, err = domain.ValidateBuyer(domain.Buyer{Name: "Ada", Email: "nope"}, domain.Settings{})
	assert.True(t, errors.Is(err, domain.ErrValidation))
}
