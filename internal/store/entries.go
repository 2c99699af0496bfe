package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"webcalsync/internal/model"
)

const entryColumns = `notebook_uid, uid, recurrence_id, summary, description, location, all_day, dtstart, dtend, tzid, rrule, exdates, raw`

// Entries returns the live entries of a notebook.
func (db *DB) Entries(ctx context.Context, notebookUID string) ([]model.Entry, error) {
	return listEntries(ctx, db.conn, notebookUID)
}

// FlushOptions tunes Tx.Flush.
type FlushOptions struct {
	// Purge removes deleted rows instead of leaving tombstones.
	Purge bool
}

// Tx is a store transaction. Entry additions and deletions are queued in
// memory and only reach the database on Flush; nothing is visible to other
// connections before Commit.
type Tx struct {
	tx        *sql.Tx
	additions []model.Entry
	deletions []model.Entry
}

// Notebook reads a notebook inside the transaction.
func (t *Tx) Notebook(ctx context.Context, uid string) (model.Notebook, error) {
	return getNotebook(ctx, t.tx, uid)
}

// UpdateNotebook writes nb inside the transaction.
func (t *Tx) UpdateNotebook(ctx context.Context, nb model.Notebook) error {
	return updateNotebook(ctx, t.tx, nb)
}

// Entries lists live entries of a notebook inside the transaction.
func (t *Tx) Entries(ctx context.Context, notebookUID string) ([]model.Entry, error) {
	return listEntries(ctx, t.tx, notebookUID)
}

// AddEntry queues e for insertion.
func (t *Tx) AddEntry(e model.Entry) {
	t.additions = append(t.additions, e)
}

// DeleteEntry queues e for deletion, matched by notebook and key.
func (t *Tx) DeleteEntry(e model.Entry) {
	t.deletions = append(t.deletions, e)
}

// Pending reports the number of queued additions and deletions.
func (t *Tx) Pending() (added, deleted int) {
	return len(t.additions), len(t.deletions)
}

// Flush writes queued changes. Additions are applied before deletions, so
// replacing an entry by one with the same key needs the deletion flushed
// first.
//
// Rows of read-only notebooks are never touched: Flush fails with
// ErrReadOnly and leaves the queue intact.
func (t *Tx) Flush(ctx context.Context, opts FlushOptions) error {
	if err := t.checkWritable(ctx); err != nil {
		return err
	}

	if len(t.additions) > 0 {
		stmt, err := t.tx.PrepareContext(ctx, `INSERT INTO entries (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("store: prepare entry insert: %w", err)
		}
		defer stmt.Close()
		for _, e := range t.additions {
			exdates, err := json.Marshal(utcTimes(e.ExDates))
			if err != nil {
				return fmt.Errorf("store: insert entry %s: encode exdates: %w", e.UID, err)
			}
			if _, err := stmt.ExecContext(ctx, e.NotebookUID, e.UID, e.RecurrenceID, e.Summary,
				e.Description, e.Location, e.AllDay, nullTime(e.Start), nullTime(e.End),
				e.TimeZone, e.RRule, string(exdates), e.Raw); err != nil {
				return fmt.Errorf("store: insert entry %s: %w", e.UID, err)
			}
		}
	}

	if len(t.deletions) > 0 {
		stmt, err := t.tx.PrepareContext(ctx, deleteQuery(opts))
		if err != nil {
			return fmt.Errorf("store: prepare entry delete: %w", err)
		}
		defer stmt.Close()
		now := time.Now().UTC()
		for _, e := range t.deletions {
			args := []any{e.NotebookUID, e.UID, e.RecurrenceID}
			if !opts.Purge {
				args = append([]any{now}, args...)
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("store: delete entry %s: %w", e.UID, err)
			}
		}
	}

	t.additions = nil
	t.deletions = nil
	return nil
}

func deleteQuery(opts FlushOptions) string {
	if opts.Purge {
		return `DELETE FROM entries
			WHERE notebook_uid = ? AND uid = ? AND recurrence_id = ? AND deleted_at IS NULL`
	}
	return `UPDATE entries SET deleted_at = ?
		WHERE notebook_uid = ? AND uid = ? AND recurrence_id = ? AND deleted_at IS NULL`
}

func (t *Tx) checkWritable(ctx context.Context) error {
	seen := make(map[string]struct{})
	check := func(uid string) error {
		if _, ok := seen[uid]; ok {
			return nil
		}
		seen[uid] = struct{}{}
		nb, err := getNotebook(ctx, t.tx, uid)
		if err != nil {
			return fmt.Errorf("store: notebook %s: %w", uid, err)
		}
		if nb.ReadOnly {
			return fmt.Errorf("%w: %s", ErrReadOnly, uid)
		}
		return nil
	}
	for _, e := range t.additions {
		if err := check(e.NotebookUID); err != nil {
			return err
		}
	}
	for _, e := range t.deletions {
		if err := check(e.NotebookUID); err != nil {
			return err
		}
	}
	return nil
}

// Commit commits the transaction. Unflushed changes are discarded.
func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Rollback aborts the transaction. It is safe to call after Commit.
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

func listEntries(ctx context.Context, q querier, notebookUID string) ([]model.Entry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM entries
		WHERE notebook_uid = ? AND deleted_at IS NULL
		ORDER BY dtstart, uid, recurrence_id
	`, notebookUID)
	if err != nil {
		return nil, fmt.Errorf("store: list entries: %w", err)
	}
	defer rows.Close()

	var out []model.Entry
	for rows.Next() {
		var (
			e          model.Entry
			start, end sql.NullTime
			exdates    string
		)
		if err := rows.Scan(&e.NotebookUID, &e.UID, &e.RecurrenceID, &e.Summary, &e.Description,
			&e.Location, &e.AllDay, &start, &end, &e.TimeZone, &e.RRule, &exdates, &e.Raw); err != nil {
			return nil, err
		}
		if start.Valid {
			e.Start = start.Time
		}
		if end.Valid {
			e.End = end.Time
		}
		if exdates != "" {
			if err := json.Unmarshal([]byte(exdates), &e.ExDates); err != nil {
				return nil, fmt.Errorf("store: decode exdates of %s: %w", e.UID, err)
			}
		}
		relocate(&e)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func utcTimes(in []time.Time) []time.Time {
	out := make([]time.Time, len(in))
	for i, t := range in {
		out[i] = t.UTC()
	}
	return out
}

// relocate moves stored UTC times back into the entry's own zone so that
// recurrence expansion follows its DST rules.
func relocate(e *model.Entry) {
	if e.TimeZone == "" || e.AllDay {
		return
	}
	loc, err := time.LoadLocation(e.TimeZone)
	if err != nil {
		return
	}
	if !e.Start.IsZero() {
		e.Start = e.Start.In(loc)
	}
	if !e.End.IsZero() {
		e.End = e.End.In(loc)
	}
	for i := range e.ExDates {
		e.ExDates[i] = e.ExDates[i].In(loc)
	}
}
