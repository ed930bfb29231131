package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/conorfennell/slidetutor/internal/domain"
)

// GetProfile retrieves a user's gamification profile.
func (db *DB) GetProfile(ctx context.Context, userID string) (domain.Profile, error) {
	var p domain.Profile
	var last sql.NullTime
	err := db.conn.QueryRowContext(ctx, `
		SELECT user_id, username, total_xp, current_streak, longest_streak, last_studied, reviews, quizzes, lessons
		FROM profiles WHERE user_id = ?
	`, userID).Scan(
		&p.UserID,
		&p.Username,
		&p.TotalXP,
		&p.CurrentStreak,
		&p.LongestStreak,
		&last,
		&p.Reviews,
		&p.Quizzes,
		&p.Lessons,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, fmt.Errorf("profile %s: %w", userID, ErrNotFound)
		}
		return p, fmt.Errorf("failed to find profile %s: %w", userID, err)
	}
	if last.Valid {
		p.LastStudied = last.Time.UTC()
	}
	return p, nil
}

// RecordActivity stores the outcome of one study action in a single
// transaction: its XP events, newly earned achievements and the updated
// profile.
func (db *DB) RecordActivity(ctx context.Context, a domain.Activity) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		userID := a.Profile.UserID
		for _, e := range a.XP {
			if err := addXPEvent(ctx, tx, userID, e, a.At); err != nil {
				return err
			}
		}
		for _, key := range a.Achievements {
			if err := addAchievement(ctx, tx, userID, key, a.At); err != nil {
				return err
			}
		}
		return saveProfile(ctx, tx, a.Profile)
	})
}

func saveProfile(ctx context.Context, ex execer, p domain.Profile) error {
	var last sql.NullTime
	if !p.LastStudied.IsZero() {
		last = sql.NullTime{Time: p.LastStudied.UTC(), Valid: true}
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO profiles (user_id, username, total_xp, current_streak, longest_streak, last_studied, reviews, quizzes, lessons)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			username = excluded.username,
			total_xp = excluded.total_xp,
			current_streak = excluded.current_streak,
			longest_streak = excluded.longest_streak,
			last_studied = excluded.last_studied,
			reviews = excluded.reviews,
			quizzes = excluded.quizzes,
			lessons = excluded.lessons
	`, p.UserID, p.Username, p.TotalXP, p.CurrentStreak, p.LongestStreak, last, p.Reviews, p.Quizzes, p.Lessons)
	if err != nil {
		return fmt.Errorf("failed to save profile %s: %w", p.UserID, err)
	}
	return nil
}

func addXPEvent(ctx context.Context, ex execer, userID string, e domain.XPEvent, at time.Time) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO xp_events (user_id, amount, reason, created_at) VALUES (?, ?, ?, ?)
	`, userID, e.Amount, e.Reason, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to add xp event for %s: %w", userID, err)
	}
	return nil
}

// Achievements lists the achievement keys a user has earned with their times.
func (db *DB) Achievements(ctx context.Context, userID string) (map[string]time.Time, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT achievement_key, earned_at FROM achievements WHERE user_id = ? ORDER BY earned_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get achievements for %s: %w", userID, err)
	}
	defer rows.Close()

	earned := make(map[string]time.Time)
	for rows.Next() {
		var key string
		var at time.Time
		if err := rows.Scan(&key, &at); err != nil {
			return nil, fmt.Errorf("failed to scan achievement row: %w", err)
		}
		earned[key] = at.UTC()
	}
	return earned, rows.Err()
}

// Earning an achievement twice is a no-op.
func addAchievement(ctx context.Context, ex execer, userID, key string, at time.Time) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO achievements (user_id, achievement_key, earned_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id, achievement_key) DO NOTHING
	`, userID, key, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to add achievement %s for %s: %w", key, userID, err)
	}
	return nil
}

// LeaderboardRows returns one unranked entry per profile. XP is the amount
// earned since the given time; a zero since means all time.
func (db *DB) LeaderboardRows(ctx context.Context, since time.Time) ([]domain.LeaderboardEntry, error) {
	query := `
		SELECT p.user_id, p.username, p.total_xp, p.current_streak, p.last_studied, p.total_xp
		FROM profiles p
	`
	var args []any
	if !since.IsZero() {
		query = `
			SELECT p.user_id, p.username, p.total_xp, p.current_streak, p.last_studied, COALESCE(SUM(e.amount), 0)
			FROM profiles p
			LEFT JOIN xp_events e ON e.user_id = p.user_id AND e.created_at >= ?
			GROUP BY p.user_id
		`
		args = append(args, since.UTC())
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query leaderboard: %w", err)
	}
	defer rows.Close()

	var entries []domain.LeaderboardEntry
	for rows.Next() {
		var e domain.LeaderboardEntry
		var last sql.NullTime
		if err := rows.Scan(&e.UserID, &e.Username, &e.TotalXP, &e.Streak, &last, &e.XP); err != nil {
			return nil, fmt.Errorf("failed to scan leaderboard row: %w", err)
		}
		if last.Valid {
			e.LastStudied = last.Time.UTC()
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
