package sm2

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/conorfennell/slidetutor/internal/domain"
)

// ErrInvalidQuality is returned for a quality outside [0, 5].
// Out-of-range grades are rejected rather than clamped.
var ErrInvalidQuality = errors.New("sm2: quality must be between 0 and 5")

// Quality is the learner's 0-5 self-assessed recall grade.
type Quality int

const (
	Blackout  Quality = 0 // No recall at all.
	Incorrect Quality = 1 // Wrong, but the answer was recognised.
	Familiar  Quality = 2 // Wrong, but the answer felt familiar.
	Hard      Quality = 3 // Correct with serious difficulty.
	Good      Quality = 4 // Correct after some hesitation.
	Easy      Quality = 5 // Perfect recall.
)

// PassThreshold is the lowest quality that counts as a successful review.
const PassThreshold = Hard

const (
	DefaultEase = 2.5
	MinEase     = 1.3
)

// Validate reports ErrInvalidQuality when q is outside [0, 5].
func (q Quality) Validate() error {
	if q < Blackout || q > Easy {
		return fmt.Errorf("%w: got %d", ErrInvalidQuality, int(q))
	}
	return nil
}

// Passed reports whether q is a successful review.
func (q Quality) Passed() bool {
	return q >= PassThreshold
}

// State is the part of a card the algorithm reads and writes.
type State struct {
	Interval    int
	Repetitions int
	EaseFactor  float64
}

// Initial is the state of a freshly generated card.
func Initial() State {
	return State{Interval: 0, Repetitions: 0, EaseFactor: DefaultEase}
}

// sanitize replaces missing or malformed fields with their defaults so that
// NaN never reaches the arithmetic.
func (s State) sanitize() State {
	if math.IsNaN(s.EaseFactor) || math.IsInf(s.EaseFactor, 0) || s.EaseFactor <= 0 {
		s.EaseFactor = DefaultEase
	}
	if s.Interval < 0 {
		s.Interval = 0
	}
	if s.Repetitions < 0 {
		s.Repetitions = 0
	}
	return s
}

// Next applies one review of quality q to s.
//
// The interval for a third or later consecutive success is the previous
// interval multiplied by the ease factor held before this review. The ease
// factor is updated on every review and never drops below MinEase.
func Next(s State, q Quality) (State, error) {
	if err := q.Validate(); err != nil {
		return s, err
	}
	s = s.sanitize()
	prevEase := s.EaseFactor

	if !q.Passed() {
		s.Repetitions = 0
		s.Interval = 1
	} else {
		s.Repetitions++
		switch s.Repetitions {
		case 1:
			s.Interval = 1
		case 2:
			s.Interval = 6
		default:
			s.Interval = int(math.Round(float64(s.Interval) * prevEase))
			if s.Interval < 1 {
				s.Interval = 1
			}
		}
	}

	d := float64(Easy - q)
	s.EaseFactor = math.Max(MinEase, prevEase+(0.1-d*(0.08+d*0.02)))
	return s, nil
}

// Scheduler applies SM-2 to flashcards using an injectable clock.
type Scheduler struct {
	now func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the time source used for due dates and review timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// New returns a Scheduler using time.Now unless overridden.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the scheduler's current time.
func (s *Scheduler) Now() time.Time {
	return s.now()
}

// Review returns a copy of card after a review of quality q. Only the
// scheduling fields change; identity and content pass through untouched.
func (s *Scheduler) Review(card domain.Flashcard, q Quality) (domain.Flashcard, error) {
	next, err := Next(State{
		Interval:    card.Interval,
		Repetitions: card.Repetitions,
		EaseFactor:  card.EaseFactor,
	}, q)
	if err != nil {
		return card, err
	}

	now := s.now()
	card.Interval = next.Interval
	card.Repetitions = next.Repetitions
	card.EaseFactor = next.EaseFactor
	card.NextReview = DueDate(now, next.Interval)
	card.LastReviewed = &now
	return card, nil
}

// DueDate returns the moment a card scheduled interval days after now becomes due.
func DueDate(now time.Time, interval int) time.Time {
	return now.Add(time.Duration(interval) * 24 * time.Hour)
}

// NewCard builds a never-reviewed card that is due immediately.
func NewCard(uploadID, question, answer string, now time.Time) domain.Flashcard {
	init := Initial()
	return domain.Flashcard{
		ID:          uuid.NewString(),
		UploadID:    uploadID,
		Question:    question,
		Answer:      answer,
		Interval:    init.Interval,
		Repetitions: init.Repetitions,
		EaseFactor:  init.EaseFactor,
		NextReview:  now,
		CreatedAt:   now,
	}
}

// Mastered reports whether a card has settled into long intervals.
func Mastered(card domain.Flashcard) bool {
	return card.Repetitions >= 3 && card.Interval >= 21
}
