package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/ayush/open-deep-research/internal/models"
)

const (
	benchmarkCollection = "benchmarks"
	defaultRunLimit     = 20
)

// NewMongoClient connects to MongoDB and verifies the connection.
func NewMongoClient(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}

// MongoStore keeps benchmark runs in MongoDB.
type MongoStore struct {
	col *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{col: db.Collection(benchmarkCollection)}
}

// InsertRun stores a benchmark run and returns its hex id.
func (s *MongoStore) InsertRun(ctx context.Context, run *models.BenchmarkRun) (string, error) {
	if run.ID.IsZero() {
		run.ID = primitive.NewObjectID()
	}
	run.CreatedAt = time.Now().UTC()
	if _, err := s.col.InsertOne(ctx, run); err != nil {
		return "", fmt.Errorf("mongo insert run: %w", err)
	}
	return run.ID.Hex(), nil
}

// ListRuns returns the newest runs first.
func (s *MongoStore) ListRuns(ctx context.Context, limit int64) ([]models.BenchmarkRun, error) {
	if limit <= 0 {
		limit = defaultRunLimit
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(limit)
	cur, err := s.col.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo find runs: %w", err)
	}
	defer cur.Close(ctx)

	runs := []models.BenchmarkRun{}
	if err := cur.All(ctx, &runs); err != nil {
		return nil, fmt.Errorf("mongo decode runs: %w", err)
	}
	return runs, nil
}

// GetRun returns one run by hex id.
func (s *MongoStore) GetRun(ctx context.Context, id string) (*models.BenchmarkRun, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrNotFound
	}
	var run models.BenchmarkRun
	if err := s.col.FindOne(ctx, bson.M{"_id": oid}).Decode(&run); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("mongo find run: %w", err)
	}
	return &run, nil
}
