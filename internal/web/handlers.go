package web

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/conorfennell/slidetutor/internal/contenthash"
	"github.com/conorfennell/slidetutor/internal/domain"
	"github.com/conorfennell/slidetutor/internal/export"
	"github.com/conorfennell/slidetutor/internal/generate"
	"github.com/conorfennell/slidetutor/internal/ingest"
	"github.com/conorfennell/slidetutor/internal/sm2"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Uploads

type createUploadRequest struct {
	Filename string `json:"filename" validate:"required,max=255"`
	Text     string `json:"text" validate:"required"`
}

func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	var req createUploadRequest
	if !s.decode(w, r, &req) {
		return
	}
	u := domain.Upload{
		ID:        uuid.NewString(),
		UserID:    s.user(r),
		Filename:  req.Filename,
		FullText:  req.Text,
		Hash:      contenthash.Text(req.Text),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.Store.InsertUpload(r.Context(), u); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleListUploads(w http.ResponseWriter, r *http.Request) {
	uploads, err := s.Store.ListUploads(r.Context(), s.user(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	for i := range uploads {
		uploads[i].FullText = ""
	}
	writeJSON(w, http.StatusOK, nonNil(uploads))
}

func (s *Server) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	u, ok := s.upload(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleDeleteUpload(w http.ResponseWriter, r *http.Request) {
	u, ok := s.upload(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	if err := s.Store.DeleteUpload(r.Context(), u.ID); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Flashcards and reviews

type countRequest struct {
	Count int `json:"count" validate:"min=0,max=50"`
}

// decodeCount reads an optional {"count": n} body; an empty body or zero
// count means def.
func (s *Server) decodeCount(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	var req countRequest
	if r.ContentLength != 0 {
		if !s.decode(w, r, &req) {
			return 0, false
		}
	}
	if req.Count == 0 {
		req.Count = def
	}
	return req.Count, true
}

func (s *Server) handleGenerateFlashcards(w http.ResponseWriter, r *http.Request) {
	u, ok := s.upload(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	count, ok := s.decodeCount(w, r, 10)
	if !ok {
		return
	}
	if s.Generator == nil {
		s.fail(w, r, errLLMDisabled)
		return
	}
	cards, err := s.Generator.Flashcards(r.Context(), u.ID, count)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cards)
}

func (s *Server) handleListFlashcards(w http.ResponseWriter, r *http.Request) {
	u, ok := s.upload(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	cards, err := s.Store.ListCards(r.Context(), u.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(cards))
}

func (s *Server) handleDue(w http.ResponseWriter, r *http.Request) {
	u, ok := s.upload(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	due, err := s.Reviews.Due(r.Context(), u.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(due))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	u, ok := s.upload(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	stats, err := s.Reviews.Stats(r.Context(), u.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	u, ok := s.upload(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	cards, err := s.Store.ListCards(r.Context(), u.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.Filename(u)))
	if err := export.Anki(w, cards); err != nil {
		slog.Warn("Failed to write export", "upload_id", u.ID, "error", err)
	}
}

type reviewRequest struct {
	Quality *int `json:"quality" validate:"required"`
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if !s.decode(w, r, &req) {
		return
	}
	card, err := s.Store.GetCard(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if _, ok := s.upload(w, r, card.UploadID); !ok {
		return
	}
	updated, err := s.Reviews.Review(r.Context(), s.user(r), card.ID, sm2.Quality(*req.Quality))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleReviewHistory(w http.ResponseWriter, r *http.Request) {
	card, err := s.Store.GetCard(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if _, ok := s.upload(w, r, card.UploadID); !ok {
		return
	}
	logs, err := s.Store.ReviewLogs(r.Context(), card.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(logs))
}

// Lessons

func (s *Server) handleGenerateLesson(w http.ResponseWriter, r *http.Request) {
	u, ok := s.upload(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	if s.Generator == nil {
		s.fail(w, r, errLLMDisabled)
		return
	}
	lesson, err := s.Generator.Lesson(r.Context(), u.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.recordLesson(r)
	writeJSON(w, http.StatusCreated, lesson)
}

func (s *Server) recordLesson(r *http.Request) {
	if err := s.Tracker.RecordLesson(r.Context(), s.user(r)); err != nil {
		slog.Warn("Failed to record lesson activity", "user_id", s.user(r), "error", err)
	}
}

// lesson loads a lesson and checks the caller owns its upload.
func (s *Server) lesson(w http.ResponseWriter, r *http.Request) (domain.Lesson, bool) {
	l, err := s.Store.GetLesson(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return l, false
	}
	if _, ok := s.upload(w, r, l.UploadID); !ok {
		return l, false
	}
	return l, true
}

func (s *Server) handleGetLesson(w http.ResponseWriter, r *http.Request) {
	l, ok := s.lesson(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleLessonHTML(w http.ResponseWriter, r *http.Request) {
	l, ok := s.lesson(w, r)
	if !ok {
		return
	}
	page, err := s.renderLesson(l)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}

// Quizzes

// quizView is a quiz as shown before it is answered.
type quizView struct {
	ID        string         `json:"id"`
	UploadID  string         `json:"upload_id"`
	Questions []questionView `json:"questions"`
	Model     string         `json:"model"`
	CreatedAt time.Time      `json:"created_at"`
}

type questionView struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

func newQuizView(q domain.Quiz) quizView {
	v := quizView{ID: q.ID, UploadID: q.UploadID, Model: q.Model, CreatedAt: q.CreatedAt}
	v.Questions = make([]questionView, len(q.Questions))
	for i, qq := range q.Questions {
		v.Questions[i] = questionView{Question: qq.Question, Options: qq.Options}
	}
	return v
}

func (s *Server) handleGenerateQuiz(w http.ResponseWriter, r *http.Request) {
	u, ok := s.upload(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	count, ok := s.decodeCount(w, r, 5)
	if !ok {
		return
	}
	if s.Generator == nil {
		s.fail(w, r, errLLMDisabled)
		return
	}
	quiz, err := s.Generator.Quiz(r.Context(), u.ID, count)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newQuizView(quiz))
}

func (s *Server) quiz(w http.ResponseWriter, r *http.Request) (domain.Quiz, bool) {
	q, err := s.Store.GetQuiz(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return q, false
	}
	if _, ok := s.upload(w, r, q.UploadID); !ok {
		return q, false
	}
	return q, true
}

func (s *Server) handleGetQuiz(w http.ResponseWriter, r *http.Request) {
	q, ok := s.quiz(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newQuizView(q))
}

type submitQuizRequest struct {
	Answers []int `json:"answers" validate:"max=100"`
}

type submitQuizResponse struct {
	generate.Result
	Questions []domain.QuizQuestion `json:"questions"`
}

func (s *Server) handleSubmitQuiz(w http.ResponseWriter, r *http.Request) {
	q, ok := s.quiz(w, r)
	if !ok {
		return
	}
	var req submitQuizRequest
	if !s.decode(w, r, &req) {
		return
	}
	res := generate.Grade(q, req.Answers)
	if err := s.Tracker.RecordQuiz(r.Context(), s.user(r), res.Correct, res.Total); err != nil {
		slog.Warn("Failed to record quiz activity", "user_id", s.user(r), "error", err)
	}
	writeJSON(w, http.StatusOK, submitQuizResponse{Result: res, Questions: q.Questions})
}

// Study packs and questions

type packRequest struct {
	Questions int `json:"questions" validate:"min=0,max=20"`
	Cards     int `json:"cards" validate:"min=0,max=50"`
}

func (s *Server) handleStudyPack(w http.ResponseWriter, r *http.Request) {
	u, ok := s.upload(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	var req packRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	if s.Generator == nil {
		s.fail(w, r, errLLMDisabled)
		return
	}
	pack, err := s.Generator.StudyPack(r.Context(), u.ID, cmp.Or(req.Questions, 5), cmp.Or(req.Cards, 10))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.recordLesson(r)
	writeJSON(w, http.StatusCreated, map[string]any{
		"lesson":     pack.Lesson,
		"quiz":       newQuizView(pack.Quiz),
		"flashcards": pack.Flashcards,
	})
}

type askRequest struct {
	Question string `json:"question" validate:"required,max=2000"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	u, ok := s.upload(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	var req askRequest
	if !s.decode(w, r, &req) {
		return
	}
	if s.Assistant == nil {
		s.fail(w, r, errLLMDisabled)
		return
	}
	res, err := s.Assistant.AnswerQuestion(r.Context(), req.Question, clip(u.FullText, maxContextRunes))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"answer": res.Content, "model": res.Model})
}

// handleAskStream answers as server-sent events: one data event per chunk
// of text, then a "done" event, or an "error" event if the stream breaks.
func (s *Server) handleAskStream(w http.ResponseWriter, r *http.Request) {
	u, ok := s.upload(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	var req askRequest
	if !s.decode(w, r, &req) {
		return
	}
	if s.Assistant == nil {
		s.fail(w, r, errLLMDisabled)
		return
	}
	stream, err := s.Assistant.AnswerQuestionStream(r.Context(), req.Question, clip(u.FullText, maxContextRunes))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Model", stream.Model)
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)

	send := func(event string, payload any) {
		data, _ := json.Marshal(payload)
		if event != "" {
			fmt.Fprintf(w, "event: %s\n", event)
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		rc.Flush()
	}
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			send("done", map[string]string{"model": stream.Model})
			return
		}
		if err != nil {
			slog.Warn("Answer stream failed", "upload_id", u.ID, "model", stream.Model, "error", err)
			send("error", map[string]string{"error": err.Error()})
			return
		}
		send("", map[string]string{"content": chunk})
	}
}

// Gamification

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	v, err := s.Tracker.Profile(r.Context(), s.user(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	board, err := s.Tracker.Leaderboard(r.Context(), q.Get("category"), q.Get("timeframe"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(board))
}

// Sources

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.Store.GetAllSources(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(sources))
}

type addSourceRequest struct {
	Path string `json:"path" validate:"required"`
}

func (s *Server) handleAddSource(w http.ResponseWriter, r *http.Request) {
	var req addSourceRequest
	if !s.decode(w, r, &req) {
		return
	}
	src, err := s.Syncer.AddSource(r.Context(), req.Path)
	if err != nil {
		if errors.Is(err, ingest.ErrSourceExists) {
			s.fail(w, r, err)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, src)
}

func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid source ID")
		return
	}
	if err := s.Store.DeleteSource(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSync runs a full sync in the foreground and returns what changed.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Syncer.Run(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sources, err := s.Store.GetAllSources(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": rep, "sources": nonNil(sources)})
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
