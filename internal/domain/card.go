package domain

import "time"

// Flashcard is a single question/answer pair together with its SM-2 review state.
type Flashcard struct {
	ID       string `json:"id"`
	UploadID string `json:"upload_id"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Context  string `json:"context,omitempty"`
	// Hash identifies cards imported from markdown so re-syncs keep their review state.
	Hash string `json:"hash,omitempty"`

	Interval     int        `json:"interval"`
	Repetitions  int        `json:"repetitions"`
	EaseFactor   float64    `json:"ease_factor"`
	NextReview   time.Time  `json:"next_review"`
	LastReviewed *time.Time `json:"last_reviewed,omitempty"`

	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// Reviewed reports whether the card has been reviewed at least once.
func (c Flashcard) Reviewed() bool {
	return c.LastReviewed != nil
}

// ReviewLog records a single review event for a card.
// Quality follows the SM-2 scale:
// 0-2: failed recall
// 3: Hard
// 4: Good
// 5: Easy
type ReviewLog struct {
	CardID     string    `json:"card_id"`
	UserID     string    `json:"user_id"`
	Quality    int       `json:"quality"`
	Interval   int       `json:"interval"`
	EaseFactor float64   `json:"ease_factor"`
	ReviewedAt time.Time `json:"reviewed_at"`
}

// CardStats summarises the cards of one upload.
type CardStats struct {
	Total    int `json:"total"`
	Due      int `json:"due"`
	Mastered int `json:"mastered"`
}
