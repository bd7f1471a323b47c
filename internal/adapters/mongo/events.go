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

// GatewayEventLog keeps one document per gateway event id with the outcome
// of its latest delivery and how often it was delivered. Buyer details are
// not stored.
type GatewayEventLog struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewGatewayEventLog(db *mongo.Database, logger observability.Logger) *GatewayEventLog {
	return &GatewayEventLog{
		coll:   db.Collection("gateway_events"),
		logger: logger,
	}
}

type GatewayEventDoc struct {
	ID              string    `bson:"_id" json:"id"`
	Type            string    `bson:"type" json:"type"`
	PaymentRef      string    `bson:"payment_ref" json:"payment_ref"`
	Date            string    `bson:"date" json:"date"`
	Amount          int64     `bson:"amount" json:"amount"`
	Outcome         string    `bson:"outcome" json:"outcome"`
	Deliveries      int       `bson:"deliveries" json:"deliveries"`
	FirstReceivedAt time.Time `bson:"first_received_at" json:"first_received_at"`
	LastReceivedAt  time.Time `bson:"last_received_at" json:"last_received_at"`
}

// EnsureIndexes creates the lookup index by payment reference.
func (l *GatewayEventLog) EnsureIndexes(ctx context.Context) error {
	_, err := l.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "payment_ref", Value: 1}, {Key: "last_received_at", Value: -1}},
		Options: options.Index().SetName("payment_ref_recent"),
	})
	if err != nil {
		return errors.Wrap(err, "create gateway event index")
	}
	return nil
}

func (l *GatewayEventLog) Record(ctx context.Context, ev domain.GatewayEvent, outcome string, at time.Time) error {
	at = at.UTC()
	_, err := l.coll.UpdateOne(ctx,
		bson.M{"_id": ev.ID},
		bson.M{
			"$setOnInsert": bson.M{"first_received_at": at},
			"$set": bson.M{
				"type":             string(ev.Type),
				"payment_ref":      ev.PaymentRef,
				"date":             ev.ResourceKey,
				"amount":           ev.Amount,
				"outcome":          outcome,
				"last_received_at": at,
			},
			"$inc": bson.M{"deliveries": 1},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		l.logger.WithError(err).Error("failed to record gateway event")
		return errors.Wrap(err, "record gateway event")
	}
	return nil
}

// ByPaymentRef lists recorded events for a payment, most recent first.
func (l *GatewayEventLog) ByPaymentRef(ctx context.Context, paymentRef string) ([]GatewayEventDoc, error) {
	cur, err := l.coll.Find(ctx,
		bson.M{"payment_ref": paymentRef},
		options.Find().SetSort(bson.D{{Key: "last_received_at", Value: -1}}).SetLimit(100),
	)
	if err != nil {
		return nil, errors.Wrap(err, "find gateway events")
	}
	var docs []GatewayEventDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "decode gateway events")
	}
	return docs, nil
}
