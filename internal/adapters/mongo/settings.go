package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/robertarktes/day-dedications/internal/domain"
	"github.com/robertarktes/day-dedications/internal/observability"
)

const settingsID = "singleton"

// SettingsRepository keeps the settings singleton as one document. Writes
// are guarded by the updated_at of the version the caller read.
type SettingsRepository struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewSettingsRepository(db *mongo.Database, logger observability.Logger) *SettingsRepository {
	return &SettingsRepository{
		coll:   db.Collection("settings"),
		logger: logger,
	}
}

type settingsDoc struct {
	ID                 string     `bson:"_id"`
	PriceCents         int64      `bson:"price_cents"`
	SalesStart         *time.Time `bson:"sales_start,omitempty"`
	SalesEnd           *time.Time `bson:"sales_end,omitempty"`
	DedicationRequired bool       `bson:"dedication_required"`
	EmojisAllowed      bool       `bson:"emojis_allowed"`
	NotificationEmail  string     `bson:"notification_email"`
	UpdatedAt          time.Time  `bson:"updated_at"`
	UpdatedBy          string     `bson:"updated_by"`
}

func toSettingsDoc(s domain.Settings) settingsDoc {
	return settingsDoc{
		ID:                 settingsID,
		PriceCents:         s.PriceCents,
		SalesStart:         utcPtr(s.SalesStart),
		SalesEnd:           utcPtr(s.SalesEnd),
		DedicationRequired: s.DedicationRequired,
		EmojisAllowed:      s.EmojisAllowed,
		NotificationEmail:  s.NotificationEmail,
		UpdatedAt:          s.UpdatedAt.UTC().Truncate(time.Millisecond),
		UpdatedBy:          s.UpdatedBy,
	}
}

func (d settingsDoc) toDomain() domain.Settings {
	return domain.Settings{
		PriceCents:         d.PriceCents,
		SalesStart:         utcPtr(d.SalesStart),
		SalesEnd:           utcPtr(d.SalesEnd),
		DedicationRequired: d.DedicationRequired,
		EmojisAllowed:      d.EmojisAllowed,
		NotificationEmail:  d.NotificationEmail,
		UpdatedAt:          d.UpdatedAt.UTC(),
		UpdatedBy:          d.UpdatedBy,
	}
}

// utcPtr copies t in UTC at the millisecond precision BSON dates carry.
func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC().Truncate(time.Millisecond)
	return &v
}

func (r *SettingsRepository) Load(ctx context.Context) (domain.Settings, error) {
	var doc settingsDoc
	err := r.coll.FindOne(ctx, bson.M{"_id": settingsID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Settings{}, errors.Wrap(domain.ErrNotFound, "settings")
	}
	if err != nil {
		r.logger.WithError(err).Error("failed to load settings")
		return domain.Settings{}, errors.Wrap(err, "load settings")
	}
	return doc.toDomain(), nil
}

// Seed stores s unless a settings document already exists.
func (r *SettingsRepository) Seed(ctx context.Context, s domain.Settings) error {
	doc := toSettingsDoc(s)
	fields := bson.M{
		"price_cents":         doc.PriceCents,
		"dedication_required": doc.DedicationRequired,
		"emojis_allowed":      doc.EmojisAllowed,
		"notification_email":  doc.NotificationEmail,
		"updated_at":          doc.UpdatedAt,
		"updated_by":          doc.UpdatedBy,
	}
	if doc.SalesStart != nil {
		fields["sales_start"] = *doc.SalesStart
	}
	if doc.SalesEnd != nil {
		fields["sales_end"] = *doc.SalesEnd
	}
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": settingsID},
		bson.M{"$setOnInsert": fields},
		options.Update().SetUpsert(true),
	)
	if mongo.IsDuplicateKeyError(err) {
		// Lost a concurrent seed; the winner's document stands.
		return nil
	}
	if err != nil {
		r.logger.WithError(err).Error("failed to seed settings")
		return errors.Wrap(err, "seed settings")
	}
	return nil
}

// Replace overwrites the document only if it still carries prev as its
// updated_at, otherwise ErrConflict is returned.
func (r *SettingsRepository) Replace(ctx context.Context, s domain.Settings, prev time.Time) error {
	res, err := r.coll.ReplaceOne(ctx,
		bson.M{"_id": settingsID, "updated_at": prev.UTC().Truncate(time.Millisecond)},
		toSettingsDoc(s),
	)
	if err != nil {
		r.logger.WithError(err).Error("failed to replace settings")
		return errors.Wrap(err, "replace settings")
	}
	if res.MatchedCount == 0 {
		return errors.Wrap(domain.ErrConflict, "settings changed concurrently")
	}
	return nil
}
