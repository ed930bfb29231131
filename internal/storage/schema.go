package storage

const schema = `
-- The 'sources' table tracks where uploads come from, either a local directory or a git repository.
CREATE TABLE IF NOT EXISTS sources (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    path TEXT NOT NULL UNIQUE,
    type TEXT NOT NULL DEFAULT 'local',
    last_scanned DATETIME
);

-- The 'uploads' table stores study documents and their extracted text.
CREATE TABLE IF NOT EXISTS uploads (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    filename TEXT NOT NULL,
    full_text TEXT NOT NULL,
    hash TEXT NOT NULL,
    source_id INTEGER,
    created_at DATETIME NOT NULL,

    FOREIGN KEY(source_id) REFERENCES sources(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_uploads_user ON uploads(user_id);

-- The 'flashcards' table stores each card and its SM-2 scheduling state.
CREATE TABLE IF NOT EXISTS flashcards (
    id TEXT PRIMARY KEY,
    upload_id TEXT NOT NULL,
    question TEXT NOT NULL,
    answer TEXT NOT NULL,
    context TEXT NOT NULL DEFAULT '',
    hash TEXT NOT NULL DEFAULT '',
    interval_days INTEGER NOT NULL DEFAULT 0,
    repetitions INTEGER NOT NULL DEFAULT 0,
    ease_factor REAL NOT NULL DEFAULT 2.5,
    next_review DATETIME NOT NULL,
    last_reviewed DATETIME,
    version INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL,

    FOREIGN KEY(upload_id) REFERENCES uploads(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_flashcards_upload ON flashcards(upload_id);

CREATE TABLE IF NOT EXISTS review_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    card_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    quality INTEGER NOT NULL,
    interval_days INTEGER NOT NULL,
    ease_factor REAL NOT NULL,
    reviewed_at DATETIME NOT NULL,

    FOREIGN KEY(card_id) REFERENCES flashcards(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS lessons (
    id TEXT PRIMARY KEY,
    upload_id TEXT NOT NULL,
    title TEXT NOT NULL,
    content TEXT NOT NULL,
    model TEXT NOT NULL,
    created_at DATETIME NOT NULL,

    FOREIGN KEY(upload_id) REFERENCES uploads(id) ON DELETE CASCADE
);

-- Quiz questions are kept as a JSON array.
CREATE TABLE IF NOT EXISTS quizzes (
    id TEXT PRIMARY KEY,
    upload_id TEXT NOT NULL,
    questions TEXT NOT NULL,
    model TEXT NOT NULL,
    created_at DATETIME NOT NULL,

    FOREIGN KEY(upload_id) REFERENCES uploads(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS profiles (
    user_id TEXT PRIMARY KEY,
    username TEXT NOT NULL,
    total_xp INTEGER NOT NULL DEFAULT 0,
    current_streak INTEGER NOT NULL DEFAULT 0,
    longest_streak INTEGER NOT NULL DEFAULT 0,
    last_studied DATETIME,
    reviews INTEGER NOT NULL DEFAULT 0,
    quizzes INTEGER NOT NULL DEFAULT 0,
    lessons INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS xp_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    amount INTEGER NOT NULL,
    reason TEXT NOT NULL,
    created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_xp_events_user_time ON xp_events(user_id, created_at);

CREATE TABLE IF NOT EXISTS achievements (
    user_id TEXT NOT NULL,
    achievement_key TEXT NOT NULL,
    earned_at DATETIME NOT NULL,

    PRIMARY KEY(user_id, achievement_key)
);
`
