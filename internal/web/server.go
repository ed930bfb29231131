// Package web serves the study API over HTTP as JSON.
package web

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/conorfennell/slidetutor/internal/domain"
	"github.com/conorfennell/slidetutor/internal/gamify"
	"github.com/conorfennell/slidetutor/internal/generate"
	"github.com/conorfennell/slidetutor/internal/ingest"
	"github.com/conorfennell/slidetutor/internal/llm"
	"github.com/conorfennell/slidetutor/internal/review"
	"github.com/conorfennell/slidetutor/internal/sm2"
	"github.com/conorfennell/slidetutor/internal/storage"
)

//go:embed templates/*.html
var templateFiles embed.FS

// UserHeader identifies the caller. Requests without it act as the default user.
const UserHeader = "X-User-ID"

// maxContextRunes caps the document text sent along with a question.
const maxContextRunes = 12000

// errLLMDisabled is returned by model-backed routes when no API key is configured.
var errLLMDisabled = errors.New("language model is not configured")

// Store is the persistence the handlers read from directly. *storage.DB satisfies it.
type Store interface {
	Ping(ctx context.Context) error
	InsertUpload(ctx context.Context, u domain.Upload) error
	GetUpload(ctx context.Context, id string) (domain.Upload, error)
	ListUploads(ctx context.Context, userID string) ([]domain.Upload, error)
	DeleteUpload(ctx context.Context, id string) error
	GetCard(ctx context.Context, id string) (domain.Flashcard, error)
	ListCards(ctx context.Context, uploadID string) ([]domain.Flashcard, error)
	ReviewLogs(ctx context.Context, cardID string) ([]domain.ReviewLog, error)
	GetLesson(ctx context.Context, id string) (domain.Lesson, error)
	GetQuiz(ctx context.Context, id string) (domain.Quiz, error)
	GetAllSources(ctx context.Context) ([]domain.Source, error)
	DeleteSource(ctx context.Context, id int64) error
}

// Assistant answers questions about a document. *llm.Client satisfies it.
type Assistant interface {
	AnswerQuestion(ctx context.Context, question, docContext string) (llm.Result, error)
	AnswerQuestionStream(ctx context.Context, question, docContext string) (*llm.Stream, error)
}

// Deps are the services behind the API. Generator and Assistant may be nil
// when no language model is configured.
type Deps struct {
	Store       Store
	Reviews     *review.Service
	Tracker     *gamify.Tracker
	Syncer      *ingest.Syncer
	Generator   *generate.Generator
	Assistant   Assistant
	DefaultUser string
}

// Server holds the dependencies for the HTTP server.
type Server struct {
	Deps
	router    *http.ServeMux
	templates *template.Template
	markdown  goldmark.Markdown
	validate  *validator.Validate
}

// NewServer creates and configures a new server.
func NewServer(deps Deps) (*Server, error) {
	tpl, err := template.ParseFS(templateFiles, "templates/*.html")
	if err != nil {
		return nil, err
	}
	if deps.DefaultUser == "" {
		deps.DefaultUser = "local"
	}

	s := &Server{
		Deps:      deps,
		router:    http.NewServeMux(),
		templates: tpl,
		markdown:  goldmark.New(goldmark.WithExtensions(extension.GFM)),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
	s.routes()
	return s, nil
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.router.ServeHTTP(rec, r)
	slog.Debug("HTTP request",
		"method", r.Method,
		"path", r.URL.Path,
		"status", rec.status,
		"duration", time.Since(start),
	)
}

// routes sets up the routing for the server.
func (s *Server) routes() {
	s.router.HandleFunc("GET /healthz", s.handleHealth)

	s.router.HandleFunc("GET /uploads", s.handleListUploads)
	s.router.HandleFunc("POST /uploads", s.handleCreateUpload)
	s.router.HandleFunc("GET /uploads/{id}", s.handleGetUpload)
	s.router.HandleFunc("DELETE /uploads/{id}", s.handleDeleteUpload)

	s.router.HandleFunc("POST /uploads/{id}/flashcards", s.handleGenerateFlashcards)
	s.router.HandleFunc("GET /uploads/{id}/flashcards", s.handleListFlashcards)
	s.router.HandleFunc("GET /uploads/{id}/due", s.handleDue)
	s.router.HandleFunc("GET /uploads/{id}/stats", s.handleStats)
	s.router.HandleFunc("GET /uploads/{id}/export", s.handleExport)
	s.router.HandleFunc("POST /cards/{id}/review", s.handleReview)
	s.router.HandleFunc("GET /cards/{id}/reviews", s.handleReviewHistory)

	s.router.HandleFunc("POST /uploads/{id}/lessons", s.handleGenerateLesson)
	s.router.HandleFunc("GET /lessons/{id}", s.handleGetLesson)
	s.router.HandleFunc("GET /lessons/{id}/html", s.handleLessonHTML)

	s.router.HandleFunc("POST /uploads/{id}/quizzes", s.handleGenerateQuiz)
	s.router.HandleFunc("GET /quizzes/{id}", s.handleGetQuiz)
	s.router.HandleFunc("POST /quizzes/{id}/submit", s.handleSubmitQuiz)

	s.router.HandleFunc("POST /uploads/{id}/pack", s.handleStudyPack)
	s.router.HandleFunc("POST /uploads/{id}/ask", s.handleAsk)
	s.router.HandleFunc("POST /uploads/{id}/ask/stream", s.handleAskStream)

	s.router.HandleFunc("GET /profile", s.handleProfile)
	s.router.HandleFunc("GET /leaderboard", s.handleLeaderboard)

	s.router.HandleFunc("GET /sources", s.handleListSources)
	s.router.HandleFunc("POST /sources", s.handleAddSource)
	s.router.HandleFunc("DELETE /sources/{id}", s.handleDeleteSource)
	s.router.HandleFunc("POST /sync", s.handleSync)
}

func (s *Server) user(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(UserHeader)); id != "" {
		return id
	}
	return s.DefaultUser
}

// upload loads the upload named in the path and checks the caller owns it.
// Uploads of other users are reported as missing.
func (s *Server) upload(w http.ResponseWriter, r *http.Request, id string) (domain.Upload, bool) {
	u, err := s.Store.GetUpload(r.Context(), id)
	if err == nil && u.UserID != s.user(r) {
		err = storage.ErrNotFound
	}
	if err != nil {
		s.fail(w, r, err)
		return u, false
	}
	return u, true
}

// decode reads a JSON body into v and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 10<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// fail maps service errors to HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrConflict), errors.Is(err, ingest.ErrSourceExists):
		status = http.StatusConflict
	case errors.Is(err, sm2.ErrInvalidQuality),
		errors.Is(err, generate.ErrEmptyDocument),
		errors.Is(err, gamify.ErrUnknownCategory),
		errors.Is(err, gamify.ErrUnknownTimeframe):
		status = http.StatusBadRequest
	case errors.Is(err, errLLMDisabled):
		status = http.StatusServiceUnavailable
	case errors.Is(err, llm.ErrAllModelsFailed),
		errors.Is(err, generate.ErrNoJSON),
		errors.Is(err, generate.ErrNoCards),
		errors.Is(err, generate.ErrNoQuestions):
		status = http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return
	}

	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// renderLesson converts lesson markdown to a standalone HTML page. Raw HTML
// inside the markdown is not passed through.
func (s *Server) renderLesson(l domain.Lesson) ([]byte, error) {
	var body bytes.Buffer
	if err := s.markdown.Convert([]byte(l.Content), &body); err != nil {
		return nil, err
	}
	var page bytes.Buffer
	err := s.templates.ExecuteTemplate(&page, "lesson.html", map[string]any{
		"Title":     l.Title,
		"Body":      template.HTML(body.String()),
		"Model":     l.Model,
		"CreatedAt": l.CreatedAt,
	})
	return page.Bytes(), err
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer for flushing.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
