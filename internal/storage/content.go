package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/conorfennell/slidetutor/internal/domain"
)

// InsertLesson stores a generated lesson.
func (db *DB) InsertLesson(ctx context.Context, l domain.Lesson) error {
	return insertLesson(ctx, db.conn, l)
}

func insertLesson(ctx context.Context, ex execer, l domain.Lesson) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO lessons (id, upload_id, title, content, model, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, l.ID, l.UploadID, l.Title, l.Content, l.Model, l.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert lesson %s: %w", l.ID, err)
	}
	return nil
}

// GetLesson retrieves a lesson by ID.
func (db *DB) GetLesson(ctx context.Context, id string) (domain.Lesson, error) {
	var l domain.Lesson
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, upload_id, title, content, model, created_at FROM lessons WHERE id = ?
	`, id).Scan(&l.ID, &l.UploadID, &l.Title, &l.Content, &l.Model, &l.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return l, fmt.Errorf("lesson %s: %w", id, ErrNotFound)
		}
		return l, fmt.Errorf("failed to find lesson %s: %w", id, err)
	}
	l.CreatedAt = l.CreatedAt.UTC()
	return l, nil
}

// InsertQuiz stores a generated quiz.
func (db *DB) InsertQuiz(ctx context.Context, q domain.Quiz) error {
	return insertQuiz(ctx, db.conn, q)
}

func insertQuiz(ctx context.Context, ex execer, q domain.Quiz) error {
	questions, err := json.Marshal(q.Questions)
	if err != nil {
		return fmt.Errorf("failed to encode questions for quiz %s: %w", q.ID, err)
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO quizzes (id, upload_id, questions, model, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, q.ID, q.UploadID, string(questions), q.Model, q.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert quiz %s: %w", q.ID, err)
	}
	return nil
}

// InsertStudyPack stores a lesson, a quiz and cards generated together.
// Either all of them are stored or none are.
func (db *DB) InsertStudyPack(ctx context.Context, l domain.Lesson, q domain.Quiz, cards []domain.Flashcard) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertLesson(ctx, tx, l); err != nil {
			return err
		}
		if err := insertQuiz(ctx, tx, q); err != nil {
			return err
		}
		return insertCards(ctx, tx, cards)
	})
}

// GetQuiz retrieves a quiz by ID.
func (db *DB) GetQuiz(ctx context.Context, id string) (domain.Quiz, error) {
	var q domain.Quiz
	var questions string
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, upload_id, questions, model, created_at FROM quizzes WHERE id = ?
	`, id).Scan(&q.ID, &q.UploadID, &questions, &q.Model, &q.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return q, fmt.Errorf("quiz %s: %w", id, ErrNotFound)
		}
		return q, fmt.Errorf("failed to find quiz %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(questions), &q.Questions); err != nil {
		return q, fmt.Errorf("failed to decode questions for quiz %s: %w", id, err)
	}
	q.CreatedAt = q.CreatedAt.UTC()
	return q, nil
}
