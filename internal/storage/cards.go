package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/conorfennell/slidetutor/internal/domain"
)

const cardColumns = `id, upload_id, question, answer, context, hash, interval_days, repetitions,
	ease_factor, next_review, last_reviewed, version, created_at`

func scanCard(s scanner) (domain.Flashcard, error) {
	var c domain.Flashcard
	var last sql.NullTime
	err := s.Scan(
		&c.ID,
		&c.UploadID,
		&c.Question,
		&c.Answer,
		&c.Context,
		&c.Hash,
		&c.Interval,
		&c.Repetitions,
		&c.EaseFactor,
		&c.NextReview,
		&last,
		&c.Version,
		&c.CreatedAt,
	)
	if err != nil {
		return c, err
	}
	c.NextReview = c.NextReview.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	c.LastReviewed = timePtr(last)
	return c, nil
}

// InsertCards stores new cards in a single transaction.
func (db *DB) InsertCards(ctx context.Context, cards []domain.Flashcard) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		return insertCards(ctx, tx, cards)
	})
}

func insertCards(ctx context.Context, tx *sql.Tx, cards []domain.Flashcard) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO flashcards (`+cardColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare card insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range cards {
		_, err := stmt.ExecContext(ctx,
			c.ID,
			c.UploadID,
			c.Question,
			c.Answer,
			c.Context,
			c.Hash,
			c.Interval,
			c.Repetitions,
			c.EaseFactor,
			c.NextReview.UTC(),
			nullTime(c.LastReviewed),
			c.Version,
			c.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert card %s: %w", c.ID, err)
		}
	}
	return nil
}

// GetCard retrieves a card by its ID.
func (db *DB) GetCard(ctx context.Context, id string) (domain.Flashcard, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM flashcards WHERE id = ?`, id)
	c, err := scanCard(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, fmt.Errorf("card %s: %w", id, ErrNotFound)
		}
		return c, fmt.Errorf("failed to find card %s: %w", id, err)
	}
	return c, nil
}

// ListCards retrieves the cards of an upload, or every card when uploadID is empty.
func (db *DB) ListCards(ctx context.Context, uploadID string) ([]domain.Flashcard, error) {
	query := `SELECT ` + cardColumns + ` FROM flashcards`
	var args []any
	if uploadID != "" {
		query += ` WHERE upload_id = ?`
		args = append(args, uploadID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get cards for upload %q: %w", uploadID, err)
	}
	defer rows.Close()

	var cards []domain.Flashcard
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan card row: %w", err)
		}
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

// ApplyReview writes a card's new schedule and its review log entry atomically.
// The update only succeeds if the stored version still equals card.Version.
func (db *DB) ApplyReview(ctx context.Context, card domain.Flashcard, entry domain.ReviewLog) (domain.Flashcard, error) {
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE flashcards
			SET interval_days = ?, repetitions = ?, ease_factor = ?, next_review = ?, last_reviewed = ?,
				version = version + 1
			WHERE id = ? AND version = ?
		`,
			card.Interval,
			card.Repetitions,
			card.EaseFactor,
			card.NextReview.UTC(),
			nullTime(card.LastReviewed),
			card.ID,
			card.Version,
		)
		if err != nil {
			return fmt.Errorf("failed to update card %s: %w", card.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read update result for card %s: %w", card.ID, err)
		}
		if n == 0 {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM flashcards WHERE id = ?`, card.ID).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("card %s: %w", card.ID, ErrNotFound)
			}
			return fmt.Errorf("card %s at version %d: %w", card.ID, card.Version, ErrConflict)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO review_logs (card_id, user_id, quality, interval_days, ease_factor, reviewed_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, entry.CardID, entry.UserID, entry.Quality, entry.Interval, entry.EaseFactor, entry.ReviewedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert review log for card %s: %w", card.ID, err)
		}
		return nil
	})
	if err != nil {
		return domain.Flashcard{}, err
	}
	card.Version++
	return card, nil
}

// ReviewLogs returns the review history of a card, oldest first.
func (db *DB) ReviewLogs(ctx context.Context, cardID string) ([]domain.ReviewLog, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT card_id, user_id, quality, interval_days, ease_factor, reviewed_at
		FROM review_logs WHERE card_id = ? ORDER BY id
	`, cardID)
	if err != nil {
		return nil, fmt.Errorf("failed to get review logs for card %s: %w", cardID, err)
	}
	defer rows.Close()

	var logs []domain.ReviewLog
	for rows.Next() {
		var l domain.ReviewLog
		if err := rows.Scan(&l.CardID, &l.UserID, &l.Quality, &l.Interval, &l.EaseFactor, &l.ReviewedAt); err != nil {
			return nil, fmt.Errorf("failed to scan review log row: %w", err)
		}
		l.ReviewedAt = l.ReviewedAt.UTC()
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// DeleteCard removes a card and, through the foreign key, its review logs.
func (db *DB) DeleteCard(ctx context.Context, id string) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM flashcards WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete card %s: %w", id, err)
	}
	return nil
}
