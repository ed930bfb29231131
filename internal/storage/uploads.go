package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/conorfennell/slidetutor/internal/domain"
)

const uploadColumns = `id, user_id, filename, full_text, hash, source_id, created_at`

func scanUpload(s scanner) (domain.Upload, error) {
	var u domain.Upload
	var sourceID sql.NullInt64
	if err := s.Scan(&u.ID, &u.UserID, &u.Filename, &u.FullText, &u.Hash, &sourceID, &u.CreatedAt); err != nil {
		return u, err
	}
	if sourceID.Valid {
		u.SourceID = &sourceID.Int64
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

// InsertUpload stores a new upload.
func (db *DB) InsertUpload(ctx context.Context, u domain.Upload) error {
	var sourceID sql.NullInt64
	if u.SourceID != nil {
		sourceID = sql.NullInt64{Int64: *u.SourceID, Valid: true}
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO uploads (`+uploadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, u.ID, u.UserID, u.Filename, u.FullText, u.Hash, sourceID, u.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert upload %s: %w", u.ID, err)
	}
	return nil
}

// GetUpload retrieves an upload by ID.
func (db *DB) GetUpload(ctx context.Context, id string) (domain.Upload, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE id = ?`, id)
	u, err := scanUpload(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return u, fmt.Errorf("upload %s: %w", id, ErrNotFound)
		}
		return u, fmt.Errorf("failed to find upload %s: %w", id, err)
	}
	return u, nil
}

// ListUploads retrieves the uploads owned by a user, newest first.
func (db *DB) ListUploads(ctx context.Context, userID string) ([]domain.Upload, error) {
	return db.queryUploads(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE user_id = ? ORDER BY created_at DESC, id`, userID)
}

// ListUploadsBySource retrieves every upload imported from a source.
func (db *DB) ListUploadsBySource(ctx context.Context, sourceID int64) ([]domain.Upload, error) {
	return db.queryUploads(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE source_id = ? ORDER BY filename`, sourceID)
}

func (db *DB) queryUploads(ctx context.Context, query string, args ...any) ([]domain.Upload, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list uploads: %w", err)
	}
	defer rows.Close()

	var uploads []domain.Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan upload row: %w", err)
		}
		uploads = append(uploads, u)
	}
	return uploads, rows.Err()
}

// UpdateUploadText replaces an upload's text and content hash.
func (db *DB) UpdateUploadText(ctx context.Context, id, text, hash string) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE uploads SET full_text = ?, hash = ? WHERE id = ?`, text, hash, id)
	if err != nil {
		return fmt.Errorf("failed to update upload %s: %w", id, err)
	}
	return nil
}

// DeleteUpload removes an upload together with its cards, lessons and quizzes.
func (db *DB) DeleteUpload(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM uploads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete upload %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("upload %s: %w", id, ErrNotFound)
	}
	return nil
}

// InsertSource inserts a new source path into the database and returns its ID.
func (db *DB) InsertSource(ctx context.Context, path, sourceType string) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO sources (path, type)
		VALUES (?, ?)
	`, path, sourceType)
	if err != nil {
		return 0, fmt.Errorf("failed to insert source %s: %w", path, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for source %s: %w", path, err)
	}
	return id, nil
}

func scanSource(s scanner) (domain.Source, error) {
	var src domain.Source
	var last sql.NullTime
	if err := s.Scan(&src.ID, &src.Path, &src.Type, &last); err != nil {
		return src, err
	}
	src.LastScanned = timePtr(last)
	return src, nil
}

// FindSourceByPath retrieves a source from the database by its path.
func (db *DB) FindSourceByPath(ctx context.Context, path string) (domain.Source, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT id, path, type, last_scanned FROM sources WHERE path = ?`, path)
	src, err := scanSource(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return src, fmt.Errorf("source %s: %w", path, ErrNotFound)
		}
		return src, fmt.Errorf("failed to find source by path %s: %w", path, err)
	}
	return src, nil
}

// GetAllSources retrieves all stored sources from the database.
func (db *DB) GetAllSources(ctx context.Context) ([]domain.Source, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, path, type, last_scanned FROM sources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to get all sources: %w", err)
	}
	defer rows.Close()

	var sources []domain.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source row: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// UpdateSourceLastScanned updates the last_scanned timestamp for a source.
func (db *DB) UpdateSourceLastScanned(ctx context.Context, sourceID int64, at time.Time) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE sources SET last_scanned = ? WHERE id = ?`, at.UTC(), sourceID)
	if err != nil {
		return fmt.Errorf("failed to update last scanned for source ID %d: %w", sourceID, err)
	}
	return nil
}

// DeleteSource removes a source and everything imported from it.
func (db *DB) DeleteSource(ctx context.Context, id int64) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete source %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("source %d: %w", id, ErrNotFound)
	}
	return nil
}
