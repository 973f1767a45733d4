package datastore

import (
	"context"

	"gorm.io/gorm"
)

type ContextKey string

// ContextKeyTransaction the gorm transaction bound to a request context.
const ContextKeyTransaction ContextKey = "transaction"

// Store the metadata store of the upload server. Implementations: postgres
// for deployments, sqlite in-memory for development and tests, sqlmock for
// unit tests that assert on SQL.
type Store interface {
	// Open opens the connection to the store.
	Open() error
	// Close closes the connection to the store.
	Close()
	// CreateTransaction begins a transaction and binds it to the returned context.
	CreateTransaction(ctx context.Context) context.Context
	// GetTransaction returns the transaction bound to the context, nil if there is none.
	GetTransaction(ctx context.Context) *gorm.DB
	// WithNewTransaction runs f in a fresh transaction, committing on nil error.
	WithNewTransaction(f func(ctx context.Context) error) error
	// WithTransaction runs f in the context's transaction, beginning one if needed.
	WithTransaction(ctx context.Context, f func(ctx context.Context) error) error
	GetDB() *gorm.DB
	// AutoMigrate migrates the given models on the underlying DB.
	AutoMigrate(models ...interface{}) error
}

var instance Store = &postgresStore{}

func GetStore() Store {
	return instance
}
