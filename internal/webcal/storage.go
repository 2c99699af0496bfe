package webcal

import (
	"context"

	"webcalsync/internal/ics"
	"webcalsync/internal/model"
	"webcalsync/internal/store"
)

// Store is the persistent calendar store used by the engine.
type Store interface {
	Notebooks(ctx context.Context) ([]model.Notebook, error)
	Notebook(ctx context.Context, uid string) (model.Notebook, error)
	AddNotebook(ctx context.Context, nb *model.Notebook) error
	UpdateNotebook(ctx context.Context, nb model.Notebook) error
	DeleteNotebook(ctx context.Context, uid string) error
	Begin(ctx context.Context) (Txn, error)
	Close() error
}

// Txn is a store transaction with queued entry mutations.
type Txn interface {
	Notebook(ctx context.Context, uid string) (model.Notebook, error)
	UpdateNotebook(ctx context.Context, nb model.Notebook) error
	Entries(ctx context.Context, notebookUID string) ([]model.Entry, error)
	DeleteEntry(e model.Entry)
	AddEntry(e model.Entry)
	Flush(ctx context.Context, opts store.FlushOptions) error
	Commit() error
	Rollback() error
}

// Decoder turns feed bytes into entries scoped to a notebook.
type Decoder interface {
	Decode(data []byte, notebookUID string) (ics.Feed, error)
}

// Transport performs the conditional GET.
type Transport interface {
	Get(ctx context.Context, req ics.Request) (*ics.Response, error)
}

// SQLStore adapts a *store.DB to Store.
func SQLStore(db *store.DB) Store {
	return sqlStore{db}
}

type sqlStore struct {
	*store.DB
}

func (s sqlStore) Begin(ctx context.Context) (Txn, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// OpenSQLite returns an Opener for the SQLite store at path.
func OpenSQLite(path string) Opener {
	return func() (Store, error) {
		db, err := store.Open(path)
		if err != nil {
			return nil, err
		}
		return SQLStore(db), nil
	}
}
