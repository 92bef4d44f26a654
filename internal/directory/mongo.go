package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/example/ride-dispatch/internal/models"
)

const profilesCollection = "profiles"

func NewMongoClient(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx2, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx2, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx2, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}

type MongoDirectory struct {
	col *mongo.Collection
}

func NewMongoDirectory(db *mongo.Database) *MongoDirectory {
	return &MongoDirectory{col: db.Collection(profilesCollection)}
}

func (m *MongoDirectory) Lookup(ctx context.Context, id string) (models.Profile, error) {
	var p models.Profile
	err := m.col.FindOne(ctx, bson.M{"_id": id}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Profile{}, fmt.Errorf("%w: profile %s", models.ErrNotFound, id)
	}
	if err != nil {
		return models.Profile{}, fmt.Errorf("lookup profile %s: %w", id, err)
	}
	return p, nil
}

func (m *MongoDirectory) Put(ctx context.Context, p models.Profile) error {
	if p.ID == "" {
		return fmt.Errorf("%w: profile id is required", models.ErrInvalidArgument)
	}
	_, err := m.col.ReplaceOne(ctx, bson.M{"_id": p.ID}, p, options.Replace().SetUpsert(true))
	return err
}
