// Package gamify awards experience points, tracks daily study streaks,
// unlocks achievements and ranks learners on a leaderboard.
package gamify

import (
	"cmp"
	"slices"
	"time"

	"github.com/conorfennell/slidetutor/internal/domain"
)

// XPPerLevel is the experience needed to advance one level.
const XPPerLevel = 1000

// XP awarded per activity.
const (
	XPReviewPass  = 10
	XPReviewFail  = 2
	XPQuizCorrect = 20
	XPLesson      = 50
	XPStreakDay   = 25
)

// Level returns the level reached with xp. Everyone starts at level 1.
func Level(xp int) int {
	return max(xp, 0)/XPPerLevel + 1
}

// Progress returns the xp earned inside the current level and the size of a level.
func Progress(xp int) (current, size int) {
	return max(xp, 0) % XPPerLevel, XPPerLevel
}

func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// AdvanceStreak marks p as having studied at now. Studying again on the
// same UTC day changes nothing, the following day extends the streak and a
// longer gap starts a new one. extended reports whether the streak grew
// from a previous day.
func AdvanceStreak(p domain.Profile, now time.Time) (_ domain.Profile, extended bool) {
	today := day(now)
	switch {
	case p.LastStudied.IsZero():
		p.CurrentStreak = 1
	case !today.After(day(p.LastStudied)):
		if p.CurrentStreak == 0 {
			p.CurrentStreak = 1
		}
		if now.Before(p.LastStudied) {
			now = p.LastStudied
		}
	case day(p.LastStudied).AddDate(0, 0, 1).Equal(today):
		p.CurrentStreak++
		extended = true
	default:
		p.CurrentStreak = 1
	}
	p.LastStudied = now.UTC()
	p.LongestStreak = max(p.LongestStreak, p.CurrentStreak)
	return p, extended
}

// EffectiveStreak is the streak as of now: it lapses to zero once a full
// UTC day has passed without study.
func EffectiveStreak(streak int, lastStudied, now time.Time) int {
	if lastStudied.IsZero() {
		return 0
	}
	if day(now).Sub(day(lastStudied)) > 24*time.Hour {
		return 0
	}
	return streak
}

// Event describes the activity that triggered an achievement check.
type Event struct {
	PerfectQuiz bool
}

// Definition describes an achievement and when it is earned.
type Definition struct {
	Key         string
	Name        string
	Description string
	XPReward    int
	earned      func(p domain.Profile, e Event) bool
}

// Catalog lists every achievement in display order.
var Catalog = []Definition{
	{"first_review", "First Steps", "Review your first flashcard", 10,
		func(p domain.Profile, _ Event) bool { return p.Reviews >= 1 }},
	{"reviews_100", "Centurion", "Review 100 flashcards", 100,
		func(p domain.Profile, _ Event) bool { return p.Reviews >= 100 }},
	{"first_quiz", "Quiz Taker", "Complete your first quiz", 25,
		func(p domain.Profile, _ Event) bool { return p.Quizzes >= 1 }},
	{"perfect_quiz", "Perfectionist", "Answer every question of a quiz correctly", 50,
		func(_ domain.Profile, e Event) bool { return e.PerfectQuiz }},
	{"first_lesson", "Eager Learner", "Generate your first lesson", 25,
		func(p domain.Profile, _ Event) bool { return p.Lessons >= 1 }},
	{"streak_3", "On a Roll", "Study three days in a row", 30,
		func(p domain.Profile, _ Event) bool { return p.CurrentStreak >= 3 }},
	{"streak_7", "Week Warrior", "Study seven days in a row", 70,
		func(p domain.Profile, _ Event) bool { return p.CurrentStreak >= 7 }},
	{"streak_30", "Unstoppable", "Study thirty days in a row", 300,
		func(p domain.Profile, _ Event) bool { return p.CurrentStreak >= 30 }},
	{"level_5", "Rising Star", "Reach level 5", 100,
		func(p domain.Profile, _ Event) bool { return Level(p.TotalXP) >= 5 }},
	{"level_10", "Scholar", "Reach level 10", 200,
		func(p domain.Profile, _ Event) bool { return Level(p.TotalXP) >= 10 }},
}

// Unlocked returns the achievements p qualifies for that are not yet in earned.
func Unlocked(p domain.Profile, e Event, earned map[string]time.Time) []Definition {
	var out []Definition
	for _, d := range Catalog {
		if _, ok := earned[d.Key]; ok {
			continue
		}
		if d.earned(p, e) {
			out = append(out, d)
		}
	}
	return out
}

// Leaderboard categories and timeframes.
const (
	CategoryXP     = "xp"
	CategoryStreak = "streak"

	TimeframeDaily  = "daily"
	TimeframeWeekly = "weekly"
	TimeframeAll    = "all"
)

// Since returns the start of a leaderboard timeframe, or the zero time for
// all time. ok is false for an unknown timeframe.
func Since(timeframe string, now time.Time) (since time.Time, ok bool) {
	switch timeframe {
	case TimeframeDaily:
		return day(now), true
	case TimeframeWeekly:
		return day(now).AddDate(0, 0, -6), true
	case TimeframeAll, "":
		return time.Time{}, true
	}
	return time.Time{}, false
}

// Rank orders entries for a category, highest first with ties broken by
// username, and numbers them from 1. Streaks that lapsed before now count
// as zero.
func Rank(entries []domain.LeaderboardEntry, category string, now time.Time) []domain.LeaderboardEntry {
	ranked := slices.Clone(entries)
	for i := range ranked {
		ranked[i].Level = Level(ranked[i].TotalXP)
		ranked[i].Streak = EffectiveStreak(ranked[i].Streak, ranked[i].LastStudied, now)
	}

	metric := func(e domain.LeaderboardEntry) int { return e.XP }
	if category == CategoryStreak {
		metric = func(e domain.LeaderboardEntry) int { return e.Streak }
	}
	slices.SortStableFunc(ranked, func(a, b domain.LeaderboardEntry) int {
		return cmp.Or(
			cmp.Compare(metric(b), metric(a)),
			cmp.Compare(a.Username, b.Username),
			cmp.Compare(a.UserID, b.UserID),
		)
	})
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked
}
