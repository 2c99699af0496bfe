package webcal

import (
	"context"
	"fmt"

	appLog "webcalsync/internal/log"
	"webcalsync/internal/store"
)

// feedMetadata is the calendar-level naming declared by a feed.
type feedMetadata struct {
	Name        string
	Description string
}

type replaceResult struct {
	Added   int
	Deleted int
	Meta    feedMetadata
}

// replaceEntries swaps every entry of the notebook for the entries decoded
// from data, inside one store transaction.
//
// The old entries are deleted and flushed before the new ones are added:
// the store applies insertions first within a flush, so an entry keeping
// its UID across feed versions would otherwise collide with itself. Any
// failure rolls the transaction back and the previous entries remain.
func replaceEntries(ctx context.Context, s Store, dec Decoder, notebookUID string, data []byte) (replaceResult, error) {
	var res replaceResult

	tx, err := s.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	old, err := tx.Entries(ctx, notebookUID)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}

	// A read-only notebook refuses entry mutations.
	nb, err := tx.Notebook(ctx, notebookUID)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrWritableFailed, err)
	}
	readOnly := nb.ReadOnly
	nb.ReadOnly = false
	if err := tx.UpdateNotebook(ctx, nb); err != nil {
		return res, fmt.Errorf("%w: %w", ErrWritableFailed, err)
	}

	appLog.Debug("deleting previous entries", "notebook", notebookUID, "count", len(old))
	for _, e := range old {
		appLog.Debug("-", "uid", e.UID, "recurrence_id", e.RecurrenceID)
		tx.DeleteEntry(e)
	}
	if len(old) > 0 {
		if err := tx.Flush(ctx, store.FlushOptions{Purge: true}); err != nil {
			return res, fmt.Errorf("%w: %w", ErrDeleteFlushFailed, err)
		}
	}

	feed, err := dec.Decode(data, notebookUID)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrDecodeFailed, err)
	}

	appLog.Debug("adding new entries", "notebook", notebookUID, "count", len(feed.Entries))
	for _, e := range feed.Entries {
		e.NotebookUID = notebookUID
		tx.AddEntry(e)
	}
	if len(feed.Entries) > 0 {
		if err := tx.Flush(ctx, store.FlushOptions{Purge: true}); err != nil {
			return res, fmt.Errorf("%w: %w", ErrInsertFlushFailed, err)
		}
	}

	nb.ReadOnly = readOnly
	if err := tx.UpdateNotebook(ctx, nb); err != nil {
		return res, fmt.Errorf("%w: %w", ErrInsertFlushFailed, err)
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("%w: %w", ErrInsertFlushFailed, err)
	}

	res.Added = len(feed.Entries)
	res.Deleted = len(old)
	res.Meta = feedMetadata{Name: feed.Name, Description: feed.Description}
	return res, nil
}
