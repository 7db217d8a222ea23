// Package db bootstraps the MongoDB client and owns the one-time collection
// index setup.
package db

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Collection names used by the record store.
const (
	PatientsCollection = "patients"
	AnalysesCollection = "analyses"
)

// Connect opens a client for uri, verifies connectivity with a ping, and
// returns the named database handle.
func Connect(ctx context.Context, uri, dbName string) (*mongo.Client, *mongo.Database, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("ping mongodb: %w", err)
	}

	return client, client.Database(dbName), nil
}

// EnsureIndexes creates the secondary indexes once at process startup.
// Mongo index creation is idempotent, so repeated startups are safe.
func EnsureIndexes(ctx context.Context, database *mongo.Database) error {
	patientIndexes := []mongo.IndexModel{
		{Keys: map[string]any{"createdAt": -1}},
		{Keys: map[string]any{"email": 1}},
		{Keys: map[string]any{"ownerId": 1}},
	}
	if _, err := database.Collection(PatientsCollection).Indexes().CreateMany(ctx, patientIndexes); err != nil {
		return fmt.Errorf("create patient indexes: %w", err)
	}

	unique := true
	analysisIndexes := []mongo.IndexModel{
		{Keys: map[string]any{"createdAt": -1}},
		{Keys: map[string]any{"analysisId": 1}, Options: &options.IndexOptions{Unique: &unique}},
		{Keys: map[string]any{"patientId": 1}},
		{Keys: map[string]any{"ownerId": 1}},
		{Keys: map[string]any{"status": 1}},
	}
	if _, err := database.Collection(AnalysesCollection).Indexes().CreateMany(ctx, analysisIndexes); err != nil {
		return fmt.Errorf("create analysis indexes: %w", err)
	}

	return nil
}
