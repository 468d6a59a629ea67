package mgo

import (
	"context"
	"sync"

	"careline/config"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

var (
	mu sync.RWMutex
	db *mongo.Database
)

// Init connects and pings within a bounded timeout. The driver reconnects on
// its own afterwards; individual store calls carry their own deadlines.
func Init(ctx context.Context, cfg config.MongoConfig) error {
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetConnectTimeout(cfg.OpTimeout).
		SetServerSelectionTimeout(cfg.OpTimeout)

	cctx, cancel := context.WithTimeout(ctx, cfg.OpTimeout)
	defer cancel()

	cli, err := mongo.Connect(cctx, opts)
	if err != nil {
		return err
	}
	if err := cli.Ping(cctx, readpref.Primary()); err != nil {
		return err
	}

	mu.Lock()
	db = cli.Database(cfg.Database)
	mu.Unlock()
	return nil
}

func GetDB() *mongo.Database {
	mu.RLock()
	defer mu.RUnlock()
	if db == nil {
		panic("mongo not initialized, call mgo.Init first")
	}
	return db
}

func Close(ctx context.Context) error {
	mu.Lock()
	defer mu.Unlock()
	if db == nil {
		return nil
	}
	err := db.Client().Disconnect(ctx)
	db = nil
	return err
}
