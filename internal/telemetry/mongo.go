package telemetry

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"golang.org/x/xerrors"
)

const (
	collectionName     = "attendance_telemetry"
	codeNamespaceExist = 48
)

// MongoSink writes points into a MongoDB time-series collection.
type MongoSink struct {
	client     *mongo.Client
	collection *mongo.Collection
	timeout    time.Duration
}

// Connect dials MongoDB and verifies the primary is reachable.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, xerrors.Errorf("connect to mongodb: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, xerrors.Errorf("ping mongodb: %w", err)
	}
	return client, nil
}

// NewMongoSink ensures the time-series collection exists in database.
func NewMongoSink(ctx context.Context, client *mongo.Client, database string) (*MongoSink, error) {
	db := client.Database(database)

	tsOptions := options.CreateCollection().SetTimeSeriesOptions(
		options.TimeSeries().
			SetTimeField("timestamp").
			SetMetaField("tags").
			SetGranularity("seconds"),
	)
	if err := db.CreateCollection(ctx, collectionName, tsOptions); err != nil {
		var cmdErr mongo.CommandError
		if !xerrors.As(err, &cmdErr) || cmdErr.Code != codeNamespaceExist {
			return nil, xerrors.Errorf("create %s: %w", collectionName, err)
		}
	}

	collection := db.Collection(collectionName)
	_, err := collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "measurement", Value: 1},
			{Key: "timestamp", Value: 1},
		},
	})
	if err != nil {
		return nil, xerrors.Errorf("create telemetry index: %w", err)
	}

	return &MongoSink{client: client, collection: collection, timeout: 2 * time.Second}, nil
}

// WritePoint inserts one point with a short deadline of its own.
func (m *MongoSink) WritePoint(ctx context.Context, p Point) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	if _, err := m.collection.InsertOne(ctx, p); err != nil {
		return xerrors.Errorf("insert %s point: %w", p.Measurement, err)
	}
	return nil
}

// Close disconnects the underlying client.
func (m *MongoSink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
