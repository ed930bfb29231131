package gamify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/conorfennell/slidetutor/internal/domain"
	"github.com/conorfennell/slidetutor/internal/storage"
)

var (
	ErrUnknownCategory  = errors.New("gamify: unknown leaderboard category")
	ErrUnknownTimeframe = errors.New("gamify: unknown leaderboard timeframe")
)

// Store persists profiles, XP events and achievements. *storage.DB satisfies it.
// RecordActivity must store an activity atomically.
type Store interface {
	GetProfile(ctx context.Context, userID string) (domain.Profile, error)
	Achievements(ctx context.Context, userID string) (map[string]time.Time, error)
	RecordActivity(ctx context.Context, a domain.Activity) error
	LeaderboardRows(ctx context.Context, since time.Time) ([]domain.LeaderboardEntry, error)
}

// Tracker records study activity against user profiles.
type Tracker struct {
	store Store
	now   func() time.Time

	// mu serialises read-modify-write cycles on profiles.
	mu sync.Mutex
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the time source used for streaks and XP events.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a Tracker.
func NewTracker(store Store, opts ...Option) *Tracker {
	t := &Tracker{store: store, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordReview awards XP for a flashcard review.
func (t *Tracker) RecordReview(ctx context.Context, userID string, passed bool) error {
	return t.record(ctx, userID, Event{}, func(p *domain.Profile) (int, string) {
		p.Reviews++
		if passed {
			return XPReviewPass, "review"
		}
		return XPReviewFail, "review"
	})
}

// RecordQuiz awards XP for each correct answer of a submitted quiz.
func (t *Tracker) RecordQuiz(ctx context.Context, userID string, correct, total int) error {
	ev := Event{PerfectQuiz: total > 0 && correct == total}
	return t.record(ctx, userID, ev, func(p *domain.Profile) (int, string) {
		p.Quizzes++
		return correct * XPQuizCorrect, "quiz"
	})
}

// RecordLesson awards XP for generating a lesson.
func (t *Tracker) RecordLesson(ctx context.Context, userID string) error {
	return t.record(ctx, userID, Event{}, func(p *domain.Profile) (int, string) {
		p.Lessons++
		return XPLesson, "lesson"
	})
}

func (t *Tracker) record(ctx context.Context, userID string, ev Event, apply func(p *domain.Profile) (int, string)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().UTC()
	p, err := t.load(ctx, userID)
	if err != nil {
		return err
	}
	earned, err := t.store.Achievements(ctx, userID)
	if err != nil {
		return err
	}

	a := settle(p, ev, earned, now, apply)
	if err := t.store.RecordActivity(ctx, a); err != nil {
		return err
	}
	for _, key := range a.Achievements {
		slog.Info("Achievement unlocked", "user_id", userID, "achievement", key)
	}
	return nil
}

// settle works out the effect of one study action on p without storing
// anything. earned is updated with the achievements it unlocks.
func settle(p domain.Profile, ev Event, earned map[string]time.Time, now time.Time, action func(p *domain.Profile) (int, string)) domain.Activity {
	a := domain.Activity{At: now}
	award := func(amount int, reason string) {
		if amount <= 0 {
			return
		}
		p.TotalXP += amount
		a.XP = append(a.XP, domain.XPEvent{Amount: amount, Reason: reason})
	}

	award(action(&p))

	var extended bool
	p, extended = AdvanceStreak(p, now)
	if extended {
		award(XPStreakDay, "streak")
	}

	// Rewards can unlock level achievements, so check until nothing new appears.
	for {
		unlocked := Unlocked(p, ev, earned)
		if len(unlocked) == 0 {
			break
		}
		for _, d := range unlocked {
			earned[d.Key] = now
			a.Achievements = append(a.Achievements, d.Key)
			award(d.XPReward, "achievement:"+d.Key)
		}
	}

	a.Profile = p
	return a
}

func (t *Tracker) load(ctx context.Context, userID string) (domain.Profile, error) {
	p, err := t.store.GetProfile(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.Profile{UserID: userID, Username: userID}, nil
	}
	return p, err
}

// View is a profile as shown to its owner.
type View struct {
	domain.Profile
	Level        int                  `json:"level"`
	LevelXP      int                  `json:"level_xp"`
	LevelSize    int                  `json:"level_size"`
	Achievements []domain.Achievement `json:"achievements"`
}

// Profile returns a user's profile with level progress and earned
// achievements. Users who never studied get an empty profile.
func (t *Tracker) Profile(ctx context.Context, userID string) (View, error) {
	p, err := t.load(ctx, userID)
	if err != nil {
		return View{}, err
	}
	earned, err := t.store.Achievements(ctx, userID)
	if err != nil {
		return View{}, err
	}

	p.CurrentStreak = EffectiveStreak(p.CurrentStreak, p.LastStudied, t.now())
	v := View{Profile: p, Level: Level(p.TotalXP), Achievements: []domain.Achievement{}}
	v.LevelXP, v.LevelSize = Progress(p.TotalXP)
	for _, d := range Catalog {
		at, ok := earned[d.Key]
		if !ok {
			continue
		}
		v.Achievements = append(v.Achievements, domain.Achievement{
			Key:         d.Key,
			Name:        d.Name,
			Description: d.Description,
			XPReward:    d.XPReward,
			EarnedAt:    at,
		})
	}
	return v, nil
}

// Leaderboard ranks every user by category over a timeframe.
func (t *Tracker) Leaderboard(ctx context.Context, category, timeframe string) ([]domain.LeaderboardEntry, error) {
	if category == "" {
		category = CategoryXP
	}
	if category != CategoryXP && category != CategoryStreak {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	now := t.now()
	since, ok := Since(timeframe, now)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTimeframe, timeframe)
	}

	rows, err := t.store.LeaderboardRows(ctx, since)
	if err != nil {
		return nil, err
	}
	return Rank(rows, category, now), nil
}
