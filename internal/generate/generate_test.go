package generate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/slidetutor/internal/domain"
	"github.com/conorfennell/slidetutor/internal/llm"
)

var now = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

type fakeModel struct {
	lesson, quiz, cards string
	err                 error
}

func (f *fakeModel) GenerateLesson(context.Context, string) (llm.Result, error) {
	return llm.Result{Content: f.lesson, Model: "m"}, f.err
}

func (f *fakeModel) GenerateQuiz(context.Context, string, int) (llm.Result, error) {
	return llm.Result{Content: f.quiz, Model: "m"}, nil
}

func (f *fakeModel) GenerateFlashcards(context.Context, string, int) (llm.Result, error) {
	return llm.Result{Content: f.cards, Model: "m"}, nil
}

type memStore struct {
	mu      sync.Mutex
	uploads map[string]domain.Upload
	cards   []domain.Flashcard
	lessons []domain.Lesson
	quizzes []domain.Quiz
	packs   int
}

func (m *memStore) GetUpload(_ context.Context, id string) (domain.Upload, error) {
	u, ok := m.uploads[id]
	if !ok {
		return u, errors.New("not found")
	}
	return u, nil
}

func (m *memStore) InsertCards(_ context.Context, cards []domain.Flashcard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cards = append(m.cards, cards...)
	return nil
}

func (m *memStore) InsertLesson(_ context.Context, l domain.Lesson) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lessons = append(m.lessons, l)
	return nil
}

func (m *memStore) InsertQuiz(_ context.Context, q domain.Quiz) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quizzes = append(m.quizzes, q)
	return nil
}

func (m *memStore) InsertStudyPack(_ context.Context, l domain.Lesson, q domain.Quiz, cards []domain.Flashcard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packs++
	m.lessons = append(m.lessons, l)
	m.quizzes = append(m.quizzes, q)
	m.cards = append(m.cards, cards...)
	return nil
}

const quizJSON = `{"quiz":[
	{"question":"Capital of France?","options":["Paris","Rome","Oslo","Bern"],"correctIndex":0,"explanation":"It is Paris."},
	{"question":"Two options only","options":["a","b"],"correctIndex":0},
	{"question":"Index out of range","options":["a","b","c","d"],"correctIndex":7},
	{"question":"2+2?","options":["3","4","5","6"],"correctIndex":1}
]}`

func newTestGenerator(model *fakeModel) (*Generator, *memStore) {
	store := &memStore{uploads: map[string]domain.Upload{
		"u1":    {ID: "u1", Filename: "biology.md", FullText: "Cells are the unit of life."},
		"empty": {ID: "empty", Filename: "blank.md", FullText: "  \n "},
	}}
	return New(model, store, WithClock(func() time.Time { return now })), store
}

func TestExtractJSON(t *testing.T) {
	testCases := []struct {
		name  string
		input string
		want  map[string]int
	}{
		{name: "plain", input: `{"a":1}`, want: map[string]int{"a": 1}},
		{name: "fenced", input: "```json\n{\"a\":2}\n```", want: map[string]int{"a": 2}},
		{name: "bare fence", input: "```\n{\"a\":3}\n```", want: map[string]int{"a": 3}},
		{name: "prose around", input: "Sure! Here it is: {\"a\":4} Hope that helps.", want: map[string]int{"a": 4}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var got map[string]int
			require.NoError(t, ExtractJSON(tc.input, &got))
			assert.Equal(t, tc.want, got)
		})
	}

	var v any
	assert.ErrorIs(t, ExtractJSON("no json here", &v), ErrNoJSON)
	assert.ErrorIs(t, ExtractJSON("{broken", &v), ErrNoJSON)
}

func TestParseFlashcards(t *testing.T) {
	testCases := []struct {
		name  string
		input string
		want  []Pair
	}{
		{
			name:  "top-level array",
			input: `[{"question":"Q1","answer":"A1"}]`,
			want:  []Pair{{"Q1", "A1"}},
		},
		{
			name:  "first array-valued key",
			input: `{"note":"x","cards":[{"question":"Q1","answer":"A1"}],"other":[{"question":"no"}]}`,
			want:  []Pair{{"Q1", "A1"}},
		},
		{
			name:  "missing fields",
			input: `{"flashcards":[{"question":"Q1"},{"answer":"A2"},{}]}`,
			want:  []Pair{{"Q1", noAnswer}, {noQuestion, "A2"}, {noQuestion, noAnswer}},
		},
		{
			name:  "front and back",
			input: "```json\n[{\"front\":\"F\",\"back\":\"B\"}]\n```",
			want:  []Pair{{"F", "B"}},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseFlashcards(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := ParseFlashcards(`{"flashcards":[]}`)
	assert.ErrorIs(t, err, ErrNoCards)
	_, err = ParseFlashcards(`{"message":"sorry"}`)
	assert.ErrorIs(t, err, ErrNoJSON)
}

func TestParseQuizDropsInvalidQuestions(t *testing.T) {
	g, _ := newTestGenerator(&fakeModel{})

	got, err := g.ParseQuiz(quizJSON)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Capital of France?", got[0].Question)
	assert.Equal(t, "2+2?", got[1].Question)
	assert.Equal(t, 1, got[1].CorrectIndex)

	_, err = g.ParseQuiz(`{"quiz":[{"question":"","options":["a","b","c","d"],"correctIndex":0}]}`)
	assert.ErrorIs(t, err, ErrNoQuestions)
}

func TestLessonTitle(t *testing.T) {
	assert.Equal(t, "Cell Biology", LessonTitle("Intro text\n\n# Cell Biology\n## Beginner", "x.md"))
	assert.Equal(t, "Levels", LessonTitle("#\n### Levels\n", "x.md"))
	assert.Equal(t, "x.md", LessonTitle("no headings here", "x.md"))
}

func TestFlashcardsAreStoredAndDue(t *testing.T) {
	g, store := newTestGenerator(&fakeModel{cards: `{"flashcards":[{"question":"What is a cell?","answer":"The unit of life"}]}`})

	cards, err := g.Flashcards(context.Background(), "u1", 5)
	require.NoError(t, err)
	require.Len(t, cards, 1)

	c := cards[0]
	assert.Equal(t, "u1", c.UploadID)
	assert.Equal(t, "What is a cell?", c.Question)
	assert.Equal(t, 0, c.Repetitions)
	assert.Equal(t, 0, c.Interval)
	assert.Equal(t, 2.5, c.EaseFactor)
	assert.Nil(t, c.LastReviewed)
	assert.Equal(t, now, c.NextReview)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, cards, store.cards)
}

func TestEmptyDocument(t *testing.T) {
	g, store := newTestGenerator(&fakeModel{})

	_, err := g.Lesson(context.Background(), "empty")
	assert.ErrorIs(t, err, ErrEmptyDocument)
	_, err = g.StudyPack(context.Background(), "empty", 3, 3)
	assert.ErrorIs(t, err, ErrEmptyDocument)
	assert.Empty(t, store.lessons)
}

func TestStudyPack(t *testing.T) {
	g, store := newTestGenerator(&fakeModel{
		lesson: "# Cells\n\nCells are small.",
		quiz:   quizJSON,
		cards:  `[{"question":"Q","answer":"A"},{"question":"Q2","answer":"A2"}]`,
	})

	pack, err := g.StudyPack(context.Background(), "u1", 4, 2)
	require.NoError(t, err)
	assert.Equal(t, "Cells", pack.Lesson.Title)
	assert.Equal(t, "m", pack.Lesson.Model)
	assert.Len(t, pack.Quiz.Questions, 2)
	assert.Len(t, pack.Flashcards, 2)
	assert.Len(t, store.lessons, 1)
	assert.Len(t, store.quizzes, 1)
	assert.Len(t, store.cards, 2)
	assert.Equal(t, 1, store.packs, "stored together")
}

func TestStudyPackFailure(t *testing.T) {
	boom := errors.New("boom")
	g, store := newTestGenerator(&fakeModel{err: boom, quiz: quizJSON, cards: `[{"question":"Q","answer":"A"}]`})

	_, err := g.StudyPack(context.Background(), "u1", 4, 1)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, store.lessons)
	assert.Empty(t, store.quizzes)
	assert.Empty(t, store.cards)
	assert.Zero(t, store.packs)
}

func TestGrade(t *testing.T) {
	quiz := domain.Quiz{Questions: []domain.QuizQuestion{
		{Question: "1", Options: []string{"a", "b", "c", "d"}, CorrectIndex: 0},
		{Question: "2", Options: []string{"a", "b", "c", "d"}, CorrectIndex: 2},
		{Question: "3", Options: []string{"a", "b", "c", "d"}, CorrectIndex: 3},
	}}

	res := Grade(quiz, []int{0, 1})
	assert.Equal(t, 1, res.Correct)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 33, res.Score)
	assert.Equal(t, []int{0, 1, Unanswered}, res.Answers)
	assert.Equal(t, []bool{true, false, false}, res.Right)
	assert.False(t, res.Perfect())

	res = Grade(quiz, []int{0, 2, 3})
	assert.True(t, res.Perfect())
	assert.Equal(t, 100, res.Score)

	res = Grade(quiz, []int{9, -1, 3})
	assert.Equal(t, []int{Unanswered, Unanswered, 3}, res.Answers)
	assert.Equal(t, 1, res.Correct)

	assert.Equal(t, Result{Answers: []int{}, Right: []bool{}}, Grade(domain.Quiz{}, nil))
}
