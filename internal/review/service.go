package review

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/conorfennell/slidetutor/internal/domain"
	"github.com/conorfennell/slidetutor/internal/sm2"
)

// Repository is the persistence the review flow needs. ApplyReview must write
// the card and the log entry atomically and fail when card.Version no longer
// matches the stored version.
type Repository interface {
	GetCard(ctx context.Context, id string) (domain.Flashcard, error)
	ListCards(ctx context.Context, uploadID string) ([]domain.Flashcard, error)
	ApplyReview(ctx context.Context, card domain.Flashcard, entry domain.ReviewLog) (domain.Flashcard, error)
}

// ActivityRecorder is notified after every stored review.
type ActivityRecorder interface {
	RecordReview(ctx context.Context, userID string, passed bool) error
}

// Service applies review events to stored cards.
type Service struct {
	repo      Repository
	scheduler *sm2.Scheduler
	recorder  ActivityRecorder
}

// NewService creates a review service. recorder may be nil.
func NewService(repo Repository, scheduler *sm2.Scheduler, recorder ActivityRecorder) *Service {
	return &Service{repo: repo, scheduler: scheduler, recorder: recorder}
}

// Review grades a card and persists its new schedule.
func (s *Service) Review(ctx context.Context, userID, cardID string, quality sm2.Quality) (domain.Flashcard, error) {
	if err := quality.Validate(); err != nil {
		return domain.Flashcard{}, err
	}

	card, err := s.repo.GetCard(ctx, cardID)
	if err != nil {
		return domain.Flashcard{}, fmt.Errorf("failed to load card %s: %w", cardID, err)
	}

	next, err := s.scheduler.Review(card, quality)
	if err != nil {
		return domain.Flashcard{}, err
	}

	stored, err := s.repo.ApplyReview(ctx, next, domain.ReviewLog{
		CardID:     next.ID,
		UserID:     userID,
		Quality:    int(quality),
		Interval:   next.Interval,
		EaseFactor: next.EaseFactor,
		ReviewedAt: *next.LastReviewed,
	})
	if err != nil {
		return domain.Flashcard{}, fmt.Errorf("failed to store review for card %s: %w", cardID, err)
	}

	slog.Debug("card reviewed",
		"card_id", stored.ID,
		"quality", int(quality),
		"interval", stored.Interval,
		"ease", stored.EaseFactor,
	)

	if s.recorder != nil {
		if err := s.recorder.RecordReview(ctx, userID, quality.Passed()); err != nil {
			slog.Warn("Failed to record review activity", "user_id", userID, "card_id", cardID, "error", err)
		}
	}
	return stored, nil
}

// Due returns the cards of an upload that are due now. An empty uploadID
// selects across all uploads.
func (s *Service) Due(ctx context.Context, uploadID string) ([]domain.Flashcard, error) {
	cards, err := s.repo.ListCards(ctx, uploadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cards: %w", err)
	}
	return SelectDue(cards, s.scheduler.Now()), nil
}

// Stats counts total, due and mastered cards of an upload.
func (s *Service) Stats(ctx context.Context, uploadID string) (domain.CardStats, error) {
	cards, err := s.repo.ListCards(ctx, uploadID)
	if err != nil {
		return domain.CardStats{}, fmt.Errorf("failed to list cards: %w", err)
	}
	now := s.scheduler.Now()
	stats := domain.CardStats{Total: len(cards)}
	for _, c := range cards {
		if IsDue(c, now) {
			stats.Due++
		}
		if sm2.Mastered(c) {
			stats.Mastered++
		}
	}
	return stats, nil
}
