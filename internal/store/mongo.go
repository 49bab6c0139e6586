package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	defaultMongoDatabase = "invisithreat"
	counterID            = "vulnerabilities"
)

type vulnerabilityDoc struct {
	ID             int64   `bson:"_id"`
	Pattern        string  `bson:"pattern"`
	Severity       string  `bson:"severity"`
	Count          int     `bson:"count"`
	Recommendation *string `bson:"recommendation"`
}

// MongoStore keeps integer ids by incrementing a counters document, so ids
// look the same as on the SQL backends.
type MongoStore struct {
	client   *mongo.Client
	vulns    *mongo.Collection
	counters *mongo.Collection
	logger   *zap.Logger
}

func OpenMongo(ctx context.Context, uri string, logger *zap.Logger) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetAppName("invisithreat"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	dbName := mongoDatabase(uri)
	db := client.Database(dbName)

	logger.Info("connected to mongodb", zap.String("database", dbName))

	return &MongoStore{
		client:   client,
		vulns:    db.Collection("vulnerabilities"),
		counters: db.Collection("counters"),
		logger:   logger,
	}, nil
}

func mongoDatabase(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return defaultMongoDatabase
	}
	if name := strings.TrimPrefix(u.Path, "/"); name != "" {
		return name
	}
	return defaultMongoDatabase
}

// Migrate seeds the id counter. Documents have no fixed schema, so a missing
// recommendation field simply decodes as nil.
func (m *MongoStore) Migrate(ctx context.Context) error {
	_, err := m.counters.UpdateOne(ctx,
		bson.M{"_id": counterID},
		bson.M{"$setOnInsert": bson.M{"seq": int64(0)}},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to seed id counter: %w", err)
	}
	return nil
}

// reserveIDs atomically claims n consecutive ids.
func (m *MongoStore) reserveIDs(ctx context.Context, n int) ([]int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}

	err := m.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": counterID},
		bson.M{"$inc": bson.M{"seq": int64(n)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve ids: %w", err)
	}

	ids := make([]int64, n)
	first := counter.Seq - int64(n) + 1
	for i := range ids {
		ids[i] = first + int64(i)
	}
	return ids, nil
}

func (m *MongoStore) Insert(ctx context.Context, pattern, severity string) (int64, error) {
	ids, err := m.InsertBatch(ctx, []NewVulnerability{{Pattern: pattern, Severity: severity}})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

func (m *MongoStore) InsertBatch(ctx context.Context, items []NewVulnerability) ([]int64, error) {
	if len(items) == 0 {
		return []int64{}, nil
	}

	ids, err := m.reserveIDs(ctx, len(items))
	if err != nil {
		return nil, err
	}

	docs := make([]any, len(items))
	for i, item := range items {
		docs[i] = vulnerabilityDoc{
			ID:       ids[i],
			Pattern:  item.Pattern,
			Severity: item.Severity,
			Count:    1,
		}
	}

	if _, err := m.vulns.InsertMany(ctx, docs); err != nil {
		return nil, fmt.Errorf("failed to insert vulnerabilities: %w", err)
	}

	return ids, nil
}

func (m *MongoStore) List(ctx context.Context) ([]Vulnerability, error) {
	cursor, err := m.vulns.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list vulnerabilities: %w", err)
	}
	defer cursor.Close(ctx)

	vulns := []Vulnerability{}
	for cursor.Next(ctx) {
		var doc vulnerabilityDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode vulnerability: %w", err)
		}
		vulns = append(vulns, Vulnerability{
			ID:             doc.ID,
			Pattern:        doc.Pattern,
			Severity:       doc.Severity,
			Count:          doc.Count,
			Recommendation: doc.Recommendation,
		})
	}

	return vulns, cursor.Err()
}

func (m *MongoStore) UpdateRecommendation(ctx context.Context, id int64, text string) error {
	res, err := m.vulns.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"recommendation": text}})
	if err != nil {
		return fmt.Errorf("failed to update recommendation: %w", err)
	}

	if res.MatchedCount == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateRecommendations sends one unordered bulk write. Standalone servers
// have no multi-document transactions, so absent ids are simply unmatched.
func (m *MongoStore) UpdateRecommendations(ctx context.Context, texts map[int64]string) (int, error) {
	if len(texts) == 0 {
		return 0, nil
	}

	models := make([]mongo.WriteModel, 0, len(texts))
	for _, id := range sortedIDs(texts) {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": id}).
			SetUpdate(bson.M{"$set": bson.M{"recommendation": texts[id]}}))
	}

	res, err := m.vulns.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		var bulkErr mongo.BulkWriteException
		if errors.As(err, &bulkErr) && res != nil {
			return int(res.MatchedCount), fmt.Errorf("partial recommendation update: %w", err)
		}
		return 0, fmt.Errorf("failed to update recommendations: %w", err)
	}

	return int(res.MatchedCount), nil
}

func (m *MongoStore) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *MongoStore) Close() error {
	return m.client.Disconnect(context.Background())
}
