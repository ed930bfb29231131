// Package generate turns upload text into lessons, quizzes and flashcards
// using a language model, and stores what it produces.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/conorfennell/slidetutor/internal/domain"
	"github.com/conorfennell/slidetutor/internal/llm"
	"github.com/conorfennell/slidetutor/internal/sm2"
)

const (
	noQuestion = "No Question Provided"
	noAnswer   = "No Answer Provided"

	// maxContentRunes caps how much document text is sent with a prompt.
	maxContentRunes = 24000
)

var (
	// ErrEmptyDocument is returned when an upload has no text to learn from.
	ErrEmptyDocument = errors.New("generate: document has no text")
	// ErrNoQuestions is returned when a quiz response holds no valid question.
	ErrNoQuestions = errors.New("generate: no valid quiz questions")
	// ErrNoCards is returned when a flashcard response holds no card.
	ErrNoCards = errors.New("generate: no flashcards in response")
)

// Model is the language model used for generation. *llm.Client satisfies it.
type Model interface {
	GenerateLesson(ctx context.Context, content string) (llm.Result, error)
	GenerateQuiz(ctx context.Context, content string, count int) (llm.Result, error)
	GenerateFlashcards(ctx context.Context, content string, count int) (llm.Result, error)
}

// Store persists generated material. *storage.DB satisfies it.
type Store interface {
	GetUpload(ctx context.Context, id string) (domain.Upload, error)
	InsertCards(ctx context.Context, cards []domain.Flashcard) error
	InsertLesson(ctx context.Context, l domain.Lesson) error
	InsertQuiz(ctx context.Context, q domain.Quiz) error
	InsertStudyPack(ctx context.Context, l domain.Lesson, q domain.Quiz, cards []domain.Flashcard) error
}

// Generator produces study material for uploads.
type Generator struct {
	model    Model
	store    Store
	validate *validator.Validate
	now      func() time.Time
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock sets the time source used for creation timestamps and due dates.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// New creates a Generator.
func New(model Model, store Store, opts ...Option) *Generator {
	g := &Generator{
		model:    model,
		store:    store,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Pack is the full set of material generated for one upload.
type Pack struct {
	Lesson     domain.Lesson      `json:"lesson"`
	Quiz       domain.Quiz        `json:"quiz"`
	Flashcards []domain.Flashcard `json:"flashcards"`
}

func (g *Generator) document(ctx context.Context, uploadID string) (domain.Upload, string, error) {
	upload, err := g.store.GetUpload(ctx, uploadID)
	if err != nil {
		return upload, "", err
	}
	text := strings.TrimSpace(upload.FullText)
	if text == "" {
		return upload, "", fmt.Errorf("upload %s: %w", uploadID, ErrEmptyDocument)
	}
	return upload, clip(text, maxContentRunes), nil
}

// Flashcards generates count cards for an upload and stores them, due now.
func (g *Generator) Flashcards(ctx context.Context, uploadID string, count int) ([]domain.Flashcard, error) {
	upload, text, err := g.document(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	cards, model, err := g.flashcards(ctx, upload, text, count)
	if err != nil {
		return nil, err
	}
	if err := g.store.InsertCards(ctx, cards); err != nil {
		return nil, err
	}
	slog.Info("Generated flashcards", "upload_id", upload.ID, "count", len(cards), "model", model)
	return cards, nil
}

func (g *Generator) flashcards(ctx context.Context, upload domain.Upload, text string, count int) ([]domain.Flashcard, string, error) {
	res, err := g.model.GenerateFlashcards(ctx, text, count)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate flashcards: %w", err)
	}
	pairs, err := ParseFlashcards(res.Content)
	if err != nil {
		return nil, "", err
	}

	now := g.now().UTC()
	cards := make([]domain.Flashcard, len(pairs))
	for i, p := range pairs {
		cards[i] = sm2.NewCard(upload.ID, p.Question, p.Answer, now)
	}
	return cards, res.Model, nil
}

// Lesson generates and stores a markdown lesson for an upload.
func (g *Generator) Lesson(ctx context.Context, uploadID string) (domain.Lesson, error) {
	upload, text, err := g.document(ctx, uploadID)
	if err != nil {
		return domain.Lesson{}, err
	}
	l, err := g.lesson(ctx, upload, text)
	if err != nil {
		return domain.Lesson{}, err
	}
	if err := g.store.InsertLesson(ctx, l); err != nil {
		return domain.Lesson{}, err
	}
	slog.Info("Generated lesson", "upload_id", upload.ID, "title", l.Title, "model", l.Model)
	return l, nil
}

func (g *Generator) lesson(ctx context.Context, upload domain.Upload, text string) (domain.Lesson, error) {
	res, err := g.model.GenerateLesson(ctx, text)
	if err != nil {
		return domain.Lesson{}, fmt.Errorf("failed to generate lesson: %w", err)
	}
	content := strings.TrimSpace(res.Content)
	return domain.Lesson{
		ID:        uuid.NewString(),
		UploadID:  upload.ID,
		Title:     LessonTitle(content, upload.Filename),
		Content:   content,
		Model:     res.Model,
		CreatedAt: g.now().UTC(),
	}, nil
}

// Quiz generates and stores count multiple-choice questions for an upload.
func (g *Generator) Quiz(ctx context.Context, uploadID string, count int) (domain.Quiz, error) {
	upload, text, err := g.document(ctx, uploadID)
	if err != nil {
		return domain.Quiz{}, err
	}
	q, err := g.quiz(ctx, upload, text, count)
	if err != nil {
		return domain.Quiz{}, err
	}
	if err := g.store.InsertQuiz(ctx, q); err != nil {
		return domain.Quiz{}, err
	}
	slog.Info("Generated quiz", "upload_id", upload.ID, "questions", len(q.Questions), "model", q.Model)
	return q, nil
}

func (g *Generator) quiz(ctx context.Context, upload domain.Upload, text string, count int) (domain.Quiz, error) {
	res, err := g.model.GenerateQuiz(ctx, text, count)
	if err != nil {
		return domain.Quiz{}, fmt.Errorf("failed to generate quiz: %w", err)
	}
	questions, err := g.ParseQuiz(res.Content)
	if err != nil {
		return domain.Quiz{}, err
	}
	return domain.Quiz{
		ID:        uuid.NewString(),
		UploadID:  upload.ID,
		Questions: questions,
		Model:     res.Model,
		CreatedAt: g.now().UTC(),
	}, nil
}

// StudyPack generates a lesson, a quiz and flashcards concurrently. The
// first failure cancels the other requests. Nothing is stored unless all
// three succeed, and then all three are stored together.
func (g *Generator) StudyPack(ctx context.Context, uploadID string, questions, cards int) (Pack, error) {
	upload, text, err := g.document(ctx, uploadID)
	if err != nil {
		return Pack{}, err
	}

	var pack Pack
	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		l, err := g.lesson(gctx, upload, text)
		pack.Lesson = l
		return err
	})
	eg.Go(func() error {
		q, err := g.quiz(gctx, upload, text, questions)
		pack.Quiz = q
		return err
	})
	eg.Go(func() error {
		c, _, err := g.flashcards(gctx, upload, text, cards)
		pack.Flashcards = c
		return err
	})
	if err := eg.Wait(); err != nil {
		return Pack{}, err
	}

	if err := g.store.InsertStudyPack(ctx, pack.Lesson, pack.Quiz, pack.Flashcards); err != nil {
		return Pack{}, err
	}
	slog.Info("Generated study pack",
		"upload_id", upload.ID,
		"questions", len(pack.Quiz.Questions),
		"cards", len(pack.Flashcards),
	)
	return pack, nil
}

// Pair is a question and answer parsed from a model response.
type Pair struct {
	Question string
	Answer   string
}

// ParseFlashcards reads question/answer pairs from a model response. The
// cards may be a top-level array or the first array inside an object;
// missing fields get placeholder text.
func ParseFlashcards(text string) ([]Pair, error) {
	var items []struct {
		Question string `json:"question"`
		Answer   string `json:"answer"`
		Front    string `json:"front"`
		Back     string `json:"back"`
	}
	if err := decodeList(text, &items); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNoCards
	}

	pairs := make([]Pair, len(items))
	for i, it := range items {
		pairs[i] = Pair{
			Question: firstNonEmpty(it.Question, it.Front, noQuestion),
			Answer:   firstNonEmpty(it.Answer, it.Back, noAnswer),
		}
	}
	return pairs, nil
}

// ParseQuiz reads quiz questions from a model response, dropping any that
// do not have four options and a correct index among them.
func (g *Generator) ParseQuiz(text string) ([]domain.QuizQuestion, error) {
	var items []domain.QuizQuestion
	if err := decodeList(text, &items); err != nil {
		return nil, err
	}

	valid := items[:0]
	for i, q := range items {
		q.Question = strings.TrimSpace(q.Question)
		if err := g.validate.Struct(q); err != nil {
			slog.Debug("Dropping invalid quiz question", "index", i, "error", err)
			continue
		}
		valid = append(valid, q)
	}
	if len(valid) == 0 {
		return nil, ErrNoQuestions
	}
	return valid, nil
}

// LessonTitle is the first markdown heading of a lesson, or fallback when
// there is none.
func LessonTitle(content, fallback string) string {
	for line := range strings.Lines(content) {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "#") {
			continue
		}
		if title := strings.TrimSpace(strings.TrimLeft(line, "#")); title != "" {
			return title
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
