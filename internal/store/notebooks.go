package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"webcalsync/internal/model"
)

const notebookColumns = `uid, plugin_name, sync_profile, name, description, etag, account, read_only, master, sync_date`

// Notebooks returns every notebook in the store.
func (db *DB) Notebooks(ctx context.Context) ([]model.Notebook, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+notebookColumns+` FROM notebooks ORDER BY created_at, uid`)
	if err != nil {
		return nil, fmt.Errorf("store: list notebooks: %w", err)
	}
	defer rows.Close()

	var out []model.Notebook
	for rows.Next() {
		nb, err := scanNotebook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, nb)
	}
	return out, rows.Err()
}

// Notebook returns the notebook with the given uid, or ErrNotFound.
func (db *DB) Notebook(ctx context.Context, uid string) (model.Notebook, error) {
	return getNotebook(ctx, db.conn, uid)
}

// AddNotebook inserts a new notebook. A uid is generated when nb.UID is
// empty and written back to nb.
func (db *DB) AddNotebook(ctx context.Context, nb *model.Notebook) error {
	if nb.UID == "" {
		nb.UID = uuid.NewString()
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO notebooks (`+notebookColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, nb.UID, nb.PluginName, nb.SyncProfile, nb.Name, nb.Description, nb.ETag,
		nb.Account, nb.ReadOnly, nb.Master, nullTime(nb.SyncDate))
	if err != nil {
		return fmt.Errorf("store: add notebook: %w", err)
	}
	return nil
}

// UpdateNotebook writes every mutable attribute of nb.
func (db *DB) UpdateNotebook(ctx context.Context, nb model.Notebook) error {
	return updateNotebook(ctx, db.conn, nb)
}

// DeleteNotebook removes a notebook together with all its entries.
func (db *DB) DeleteNotebook(ctx context.Context, uid string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM notebooks WHERE uid = ?`, uid)
	if err != nil {
		return fmt.Errorf("store: delete notebook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func getNotebook(ctx context.Context, q querier, uid string) (model.Notebook, error) {
	row := q.QueryRowContext(ctx, `SELECT `+notebookColumns+` FROM notebooks WHERE uid = ?`, uid)
	nb, err := scanNotebook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Notebook{}, ErrNotFound
	}
	return nb, err
}

func updateNotebook(ctx context.Context, q querier, nb model.Notebook) error {
	res, err := q.ExecContext(ctx, `
		UPDATE notebooks SET
			plugin_name  = ?,
			sync_profile = ?,
			name         = ?,
			description  = ?,
			etag         = ?,
			account      = ?,
			read_only    = ?,
			master       = ?,
			sync_date    = ?
		WHERE uid = ?
	`, nb.PluginName, nb.SyncProfile, nb.Name, nb.Description, nb.ETag,
		nb.Account, nb.ReadOnly, nb.Master, nullTime(nb.SyncDate), nb.UID)
	if err != nil {
		return fmt.Errorf("store: update notebook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNotebook(s scanner) (model.Notebook, error) {
	var (
		nb       model.Notebook
		syncDate sql.NullTime
	)
	if err := s.Scan(&nb.UID, &nb.PluginName, &nb.SyncProfile, &nb.Name, &nb.Description,
		&nb.ETag, &nb.Account, &nb.ReadOnly, &nb.Master, &syncDate); err != nil {
		return model.Notebook{}, err
	}
	if syncDate.Valid {
		nb.SyncDate = syncDate.Time.UTC()
	}
	return nb, nil
}
