package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/slidetutor/internal/domain"
	"github.com/conorfennell/slidetutor/internal/gamify"
	"github.com/conorfennell/slidetutor/internal/generate"
	"github.com/conorfennell/slidetutor/internal/ingest"
	"github.com/conorfennell/slidetutor/internal/llm"
	"github.com/conorfennell/slidetutor/internal/review"
	"github.com/conorfennell/slidetutor/internal/sm2"
	"github.com/conorfennell/slidetutor/internal/storage"
)

type fakeModel struct{}

func (fakeModel) GenerateLesson(context.Context, string) (llm.Result, error) {
	return llm.Result{Content: "# Photosynthesis\n\nPlants turn **light** into sugar.\n\n<script>alert(1)</script>", Model: "fake"}, nil
}

func (fakeModel) GenerateQuiz(context.Context, string, int) (llm.Result, error) {
	return llm.Result{Content: `{"quiz":[
		{"question":"What do plants make?","options":["Sugar","Salt","Iron","Oil"],"correctIndex":0,"explanation":"Glucose."},
		{"question":"What do they need?","options":["Dark","Light","Noise","Cold"],"correctIndex":1}
	]}`, Model: "fake"}, nil
}

func (fakeModel) GenerateFlashcards(context.Context, string, int) (llm.Result, error) {
	return llm.Result{Content: `[{"question":"What is chlorophyll?","answer":"A green pigment"},{"question":"Where does it happen?","answer":"In chloroplasts"}]`, Model: "fake"}, nil
}

// upstream stands in for the chat completions API used by the assistant.
func upstream(t *testing.T) *llm.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Stream bool `json:"stream"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			for _, part := range []string{"Plants ", "make sugar."} {
				fmt.Fprintf(w, "data: {\"id\":\"x\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", part)
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[{"index":0,"message":{"role":"assistant","content":"Plants make sugar."},"finish_reason":"stop"}]}`)
	}))
	t.Cleanup(srv.Close)

	c, err := llm.New(llm.Config{APIKey: "sk-test", BaseURL: srv.URL, Models: map[llm.Feature][]string{llm.FeatureChat: {"m"}}})
	require.NoError(t, err)
	return c
}

func newTestServer(t *testing.T) (*Server, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tracker := gamify.NewTracker(db)
	s, err := NewServer(Deps{
		Store:       db,
		Reviews:     review.NewService(db, sm2.New(), tracker),
		Tracker:     tracker,
		Syncer:      ingest.New(db, ingest.WithUser("alice"), ingest.WithReposDir(t.TempDir())),
		Generator:   generate.New(fakeModel{}, db),
		Assistant:   upstream(t),
		DefaultUser: "alice",
	})
	require.NoError(t, err)
	return s, db
}

func do(t *testing.T, h http.Handler, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		r.Header.Set(UserHeader, user)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decodeAs[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func createUpload(t *testing.T, s *Server) domain.Upload {
	t.Helper()
	w := do(t, s, http.MethodPost, "/uploads", "", `{"filename":"plants.md","text":"Photosynthesis turns light into sugar."}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeAs[domain.Upload](t, w)
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(t, s, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestUploads(t *testing.T) {
	s, _ := newTestServer(t)
	u := createUpload(t, s)
	assert.Equal(t, "alice", u.UserID)
	assert.NotEmpty(t, u.Hash)

	w := do(t, s, http.MethodGet, "/uploads", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeAs[[]domain.Upload](t, w)
	require.Len(t, list, 1)
	assert.Empty(t, list[0].FullText, "lists omit the text")

	w = do(t, s, http.MethodGet, "/uploads/"+u.ID, "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Photosynthesis turns light into sugar.", decodeAs[domain.Upload](t, w).FullText)

	w = do(t, s, http.MethodGet, "/uploads/"+u.ID, "mallory", "")
	assert.Equal(t, http.StatusNotFound, w.Code, "other users cannot see the upload")
	w = do(t, s, http.MethodGet, "/uploads", "mallory", "")
	assert.JSONEq(t, `[]`, w.Body.String())

	w = do(t, s, http.MethodPost, "/uploads", "", `{"filename":"x.md"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, s, http.MethodPost, "/uploads", "", `{"filename":"x.md","text":"t","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodDelete, "/uploads/"+u.ID, "", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, s, http.MethodGet, "/uploads/"+u.ID, "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFlashcardReviewFlow(t *testing.T) {
	s, _ := newTestServer(t)
	u := createUpload(t, s)

	w := do(t, s, http.MethodPost, "/uploads/"+u.ID+"/flashcards", "", `{"count":2}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	cards := decodeAs[[]domain.Flashcard](t, w)
	require.Len(t, cards, 2)

	w = do(t, s, http.MethodGet, "/uploads/"+u.ID+"/due", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeAs[[]domain.Flashcard](t, w), 2)

	w = do(t, s, http.MethodPost, "/cards/"+cards[0].ID+"/review", "", `{"quality":4}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	reviewed := decodeAs[domain.Flashcard](t, w)
	assert.Equal(t, 1, reviewed.Interval)
	assert.Equal(t, 1, reviewed.Repetitions)
	assert.NotNil(t, reviewed.LastReviewed)

	w = do(t, s, http.MethodPost, "/cards/"+cards[0].ID+"/review", "", `{"quality":9}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, s, http.MethodPost, "/cards/"+cards[0].ID+"/review", "", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, s, http.MethodPost, "/cards/missing/review", "", `{"quality":4}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(t, s, http.MethodPost, "/cards/"+cards[1].ID+"/review", "mallory", `{"quality":4}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodGet, "/cards/"+cards[0].ID+"/reviews", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	history := decodeAs[[]domain.ReviewLog](t, w)
	require.Len(t, history, 1)
	assert.Equal(t, 4, history[0].Quality)
	w = do(t, s, http.MethodGet, "/cards/"+cards[1].ID+"/reviews", "", "")
	assert.JSONEq(t, `[]`, w.Body.String())

	w = do(t, s, http.MethodGet, "/uploads/"+u.ID+"/due", "", "")
	due := decodeAs[[]domain.Flashcard](t, w)
	require.Len(t, due, 1)
	assert.Equal(t, cards[1].ID, due[0].ID)

	w = do(t, s, http.MethodGet, "/uploads/"+u.ID+"/stats", "", "")
	assert.Equal(t, domain.CardStats{Total: 2, Due: 1}, decodeAs[domain.CardStats](t, w))

	w = do(t, s, http.MethodGet, "/uploads/"+u.ID+"/export", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "plants-anki.tsv")
	lines := strings.Split(strings.TrimSuffix(w.Body.String(), "\n"), "\n")
	assert.ElementsMatch(t, []string{"What is chlorophyll?\tA green pigment", "Where does it happen?\tIn chloroplasts"}, lines)

	w = do(t, s, http.MethodGet, "/profile", "", "")
	profile := decodeAs[gamify.View](t, w)
	assert.Equal(t, 1, profile.Reviews)
	assert.Equal(t, gamify.XPReviewPass+10, profile.TotalXP, "review plus first_review achievement")
}

func TestLessons(t *testing.T) {
	s, _ := newTestServer(t)
	u := createUpload(t, s)

	w := do(t, s, http.MethodPost, "/uploads/"+u.ID+"/lessons", "", "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	lesson := decodeAs[domain.Lesson](t, w)
	assert.Equal(t, "Photosynthesis", lesson.Title)

	w = do(t, s, http.MethodGet, "/lessons/"+lesson.ID, "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, lesson.Content, decodeAs[domain.Lesson](t, w).Content)

	w = do(t, s, http.MethodGet, "/lessons/"+lesson.ID+"/html", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, "<title>Photosynthesis</title>")
	assert.Contains(t, body, "<h1>Photosynthesis</h1>")
	assert.Contains(t, body, "<strong>light</strong>")
	assert.NotContains(t, body, "<script>")

	w = do(t, s, http.MethodGet, "/lessons/"+lesson.ID, "mallory", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodGet, "/profile", "", "")
	assert.Equal(t, 1, decodeAs[gamify.View](t, w).Lessons)
}

func TestQuizzes(t *testing.T) {
	s, _ := newTestServer(t)
	u := createUpload(t, s)

	w := do(t, s, http.MethodPost, "/uploads/"+u.ID+"/quizzes", "", `{"count":2}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "correctIndex", "answers stay hidden")
	quiz := decodeAs[quizView](t, w)
	require.Len(t, quiz.Questions, 2)

	w = do(t, s, http.MethodGet, "/quizzes/"+quiz.ID, "", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodPost, "/quizzes/"+quiz.ID+"/submit", "", `{"answers":[0,1]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decodeAs[submitQuizResponse](t, w)
	assert.Equal(t, 2, res.Correct)
	assert.Equal(t, 100, res.Score)
	assert.Equal(t, "Glucose.", res.Questions[0].Explanation)

	w = do(t, s, http.MethodGet, "/profile", "", "")
	profile := decodeAs[gamify.View](t, w)
	assert.Equal(t, 1, profile.Quizzes)
	assert.Equal(t, 2*gamify.XPQuizCorrect+25+50, profile.TotalXP, "answers plus first_quiz and perfect_quiz")
}

func TestStudyPack(t *testing.T) {
	s, db := newTestServer(t)
	u := createUpload(t, s)

	w := do(t, s, http.MethodPost, "/uploads/"+u.ID+"/pack", "", `{"questions":2,"cards":2}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	cards, err := db.ListCards(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Len(t, cards, 2)
}

func TestAsk(t *testing.T) {
	s, _ := newTestServer(t)
	u := createUpload(t, s)

	w := do(t, s, http.MethodPost, "/uploads/"+u.ID+"/ask", "", `{"question":"What do plants make?"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"answer":"Plants make sugar.","model":"m"}`, w.Body.String())

	w = do(t, s, http.MethodPost, "/uploads/"+u.ID+"/ask/stream", "", `{"question":"What do plants make?"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "m", w.Header().Get("X-Model"))
	expected := "data: {\"content\":\"Plants \"}\n\n" +
		"data: {\"content\":\"make sugar.\"}\n\n" +
		"event: done\ndata: {\"model\":\"m\"}\n\n"
	assert.Equal(t, expected, w.Body.String())

	w = do(t, s, http.MethodPost, "/uploads/"+u.ID+"/ask", "", `{"question":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLLMDisabled(t *testing.T) {
	s, _ := newTestServer(t)
	s.Generator = nil
	s.Assistant = nil
	u := createUpload(t, s)

	for _, path := range []string{"/flashcards", "/lessons", "/quizzes", "/pack"} {
		w := do(t, s, http.MethodPost, "/uploads/"+u.ID+path, "", "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
	}
	w := do(t, s, http.MethodPost, "/uploads/"+u.ID+"/ask", "", `{"question":"q"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestLeaderboard(t *testing.T) {
	s, _ := newTestServer(t)
	u := createUpload(t, s)
	do(t, s, http.MethodPost, "/uploads/"+u.ID+"/lessons", "", "")

	w := do(t, s, http.MethodGet, "/leaderboard?category=xp&timeframe=weekly", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	board := decodeAs[[]domain.LeaderboardEntry](t, w)
	require.Len(t, board, 1)
	assert.Equal(t, 1, board[0].Rank)
	assert.Equal(t, "alice", board[0].UserID)
	assert.Equal(t, gamify.XPLesson+25, board[0].XP)

	w = do(t, s, http.MethodGet, "/leaderboard?category=quizzes", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSources(t *testing.T) {
	s, _ := newTestServer(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "deck.md"), []byte("Q: Capital of France?\nA: Paris\n"), 0o644))

	body, err := json.Marshal(map[string]string{"path": dir})
	require.NoError(t, err)
	w := do(t, s, http.MethodPost, "/sources", "", string(body))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	src := decodeAs[domain.Source](t, w)

	w = do(t, s, http.MethodPost, "/sources", "", string(body))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, s, http.MethodPost, "/sync", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var synced struct {
		Report  ingest.Report   `json:"report"`
		Sources []domain.Source `json:"sources"`
	}
	require.NoError(t, json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(&synced))
	assert.Equal(t, 1, synced.Report.NewCards)
	require.Len(t, synced.Sources, 1)
	assert.NotNil(t, synced.Sources[0].LastScanned)

	w = do(t, s, http.MethodGet, "/uploads", "", "")
	uploads := decodeAs[[]domain.Upload](t, w)
	require.Len(t, uploads, 1)
	assert.Equal(t, "deck.md", uploads[0].Filename)

	w = do(t, s, http.MethodDelete, fmt.Sprintf("/sources/%d", src.ID), "", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, s, http.MethodDelete, fmt.Sprintf("/sources/%d", src.ID), "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(t, s, http.MethodDelete, "/sources/abc", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodGet, "/sources", "", "")
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestFailMapsErrors(t *testing.T) {
	s, _ := newTestServer(t)
	testCases := []struct {
		err    error
		status int
	}{
		{storage.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("card c1: %w", storage.ErrConflict), http.StatusConflict},
		{sm2.ErrInvalidQuality, http.StatusBadRequest},
		{generate.ErrEmptyDocument, http.StatusBadRequest},
		{fmt.Errorf("%w: boom", llm.ErrAllModelsFailed), http.StatusBadGateway},
		{generate.ErrNoQuestions, http.StatusBadGateway},
		{errLLMDisabled, http.StatusServiceUnavailable},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range testCases {
		w := httptest.NewRecorder()
		s.fail(w, httptest.NewRequest(http.MethodGet, "/", nil), tc.err)
		assert.Equal(t, tc.status, w.Code, tc.err.Error())
	}
}
