package review

import (
	"cmp"
	"iter"
	"slices"
	"time"

	"github.com/conorfennell/slidetutor/internal/domain"
)

// IsDue reports whether card should be studied at now. Cards that were never
// reviewed are always due.
func IsDue(card domain.Flashcard, now time.Time) bool {
	return !card.Reviewed() || !card.NextReview.After(now)
}

// SelectDue returns the cards due at now in study order: never-reviewed cards
// first, then ascending by due date, ties broken by ID. The input is not modified.
func SelectDue(cards []domain.Flashcard, now time.Time) []domain.Flashcard {
	due := make([]domain.Flashcard, 0, len(cards))
	for _, c := range cards {
		if IsDue(c, now) {
			due = append(due, c)
		}
	}
	slices.SortStableFunc(due, compareDue)
	return due
}

// Due is SelectDue as a sequence. Each iteration recomputes the due set, so a
// sequence can be ranged over more than once.
func Due(cards []domain.Flashcard, now time.Time) iter.Seq[domain.Flashcard] {
	return func(yield func(domain.Flashcard) bool) {
		for _, c := range SelectDue(cards, now) {
			if !yield(c) {
				return
			}
		}
	}
}

func compareDue(a, b domain.Flashcard) int {
	switch {
	case !a.Reviewed() && b.Reviewed():
		return -1
	case a.Reviewed() && !b.Reviewed():
		return 1
	case a.Reviewed() && b.Reviewed():
		if c := a.NextReview.Compare(b.NextReview); c != 0 {
			return c
		}
	}
	return cmp.Compare(a.ID, b.ID)
}
