package domain

import "time"

// Source is where uploads come from: a local directory or a git repository.
type Source struct {
	ID          int64      `json:"id"`
	Path        string     `json:"path"`
	Type        string     `json:"type"` // "local" or "git"
	LastScanned *time.Time `json:"last_scanned,omitempty"`
}

const (
	SourceLocal = "local"
	SourceGit   = "git"
)

// Upload is a study document. Its full text is what lessons, quizzes and
// flashcards are generated from.
type Upload struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Filename  string    `json:"filename"`
	FullText  string    `json:"full_text,omitempty"`
	Hash      string    `json:"hash"`
	SourceID  *int64    `json:"source_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Lesson is generated markdown teaching material for an upload.
type Lesson struct {
	ID        string    `json:"id"`
	UploadID  string    `json:"upload_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
}

// QuizQuestion is one multiple-choice question.
type QuizQuestion struct {
	Question     string   `json:"question" validate:"required"`
	Options      []string `json:"options" validate:"len=4,dive,required"`
	CorrectIndex int      `json:"correctIndex" validate:"min=0,max=3"`
	Explanation  string   `json:"explanation,omitempty"`
}

// Quiz is a set of generated questions for an upload.
type Quiz struct {
	ID        string         `json:"id"`
	UploadID  string         `json:"upload_id"`
	Questions []QuizQuestion `json:"questions"`
	Model     string         `json:"model"`
	CreatedAt time.Time      `json:"created_at"`
}

// Profile holds the gamification state of a user.
type Profile struct {
	UserID        string    `json:"user_id"`
	Username      string    `json:"username"`
	TotalXP       int       `json:"total_xp"`
	CurrentStreak int       `json:"current_streak"`
	LongestStreak int       `json:"longest_streak"`
	LastStudied   time.Time `json:"last_studied"`
	Reviews       int       `json:"reviews"`
	Quizzes       int       `json:"quizzes"`
	Lessons       int       `json:"lessons"`
}

// XPEvent is a single XP award.
type XPEvent struct {
	Amount int
	Reason string
}

// Activity is the outcome of one study action: the updated profile and the
// XP awards and achievement keys that produced it.
type Activity struct {
	Profile      Profile
	XP           []XPEvent
	Achievements []string
	At           time.Time
}

// Achievement is an unlocked badge.
type Achievement struct {
	Key         string    `json:"key"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	XPReward    int       `json:"xp_reward"`
	EarnedAt    time.Time `json:"earned_at"`
}

// LeaderboardEntry is one ranked row of the leaderboard.
type LeaderboardEntry struct {
	Rank     int    `json:"rank"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	XP       int    `json:"xp"`
	TotalXP  int    `json:"total_xp"`
	Level    int    `json:"level"`
	Streak   int    `json:"streak"`

	LastStudied time.Time `json:"-"`
}
