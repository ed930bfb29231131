// Package ingest imports study documents from local directories and git
// repositories. Every .md or .txt file becomes an upload, and explicit
// Q:/A:/C: blocks inside it become flashcards identified by their content.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/conorfennell/slidetutor/internal/contenthash"
	"github.com/conorfennell/slidetutor/internal/domain"
	"github.com/conorfennell/slidetutor/internal/gitsource"
	"github.com/conorfennell/slidetutor/internal/parser"
	"github.com/conorfennell/slidetutor/internal/sm2"
	"github.com/conorfennell/slidetutor/internal/storage"
)

// ErrSourceExists is returned when adding a path that is already a source.
var ErrSourceExists = errors.New("ingest: source already exists")

// Store is the persistence used during a sync. *storage.DB satisfies it.
type Store interface {
	InsertSource(ctx context.Context, path, sourceType string) (int64, error)
	FindSourceByPath(ctx context.Context, path string) (domain.Source, error)
	GetAllSources(ctx context.Context) ([]domain.Source, error)
	UpdateSourceLastScanned(ctx context.Context, sourceID int64, at time.Time) error

	InsertUpload(ctx context.Context, u domain.Upload) error
	ListUploadsBySource(ctx context.Context, sourceID int64) ([]domain.Upload, error)
	UpdateUploadText(ctx context.Context, id, text, hash string) error
	DeleteUpload(ctx context.Context, id string) error

	InsertCards(ctx context.Context, cards []domain.Flashcard) error
	ListCards(ctx context.Context, uploadID string) ([]domain.Flashcard, error)
	DeleteCard(ctx context.Context, id string) error
}

// FetchFunc brings a git repository at url up to date in localPath.
type FetchFunc func(ctx context.Context, url, localPath string) error

// Syncer reconciles sources with the database.
type Syncer struct {
	store    Store
	reposDir string
	userID   string
	fetch    FetchFunc
	now      func() time.Time
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithReposDir sets where git sources are cloned. Defaults to "repos".
func WithReposDir(dir string) Option {
	return func(s *Syncer) { s.reposDir = dir }
}

// WithUser sets the owner of imported uploads.
func WithUser(userID string) Option {
	return func(s *Syncer) { s.userID = userID }
}

// WithFetch replaces the git clone/pull step.
func WithFetch(fetch FetchFunc) Option {
	return func(s *Syncer) { s.fetch = fetch }
}

// WithClock sets the time source for new cards and scan times.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// New creates a Syncer.
func New(store Store, opts ...Option) *Syncer {
	s := &Syncer{
		store:    store,
		reposDir: "repos",
		userID:   "local",
		fetch:    gitsource.Sync,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Report counts what a sync changed.
type Report struct {
	Sources        int `json:"sources"`
	Uploads        int `json:"uploads"`
	NewUploads     int `json:"new_uploads"`
	DeletedUploads int `json:"deleted_uploads"`
	NewCards       int `json:"new_cards"`
	DeletedCards   int `json:"deleted_cards"`
	Errors         int `json:"errors"`
}

func (r *Report) add(o Report) {
	r.Sources += o.Sources
	r.Uploads += o.Uploads
	r.NewUploads += o.NewUploads
	r.DeletedUploads += o.DeletedUploads
	r.NewCards += o.NewCards
	r.DeletedCards += o.DeletedCards
	r.Errors += o.Errors
}

// AddSource registers a local directory or git URL. Local paths are stored
// absolute and must exist.
func (s *Syncer) AddSource(ctx context.Context, path string) (domain.Source, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return domain.Source{}, errors.New("ingest: source path is empty")
	}

	src := domain.Source{Path: path, Type: domain.SourceGit}
	if !gitsource.IsGitURL(path) {
		abs, err := filepath.Abs(path)
		if err != nil {
			return domain.Source{}, fmt.Errorf("failed to resolve %s: %w", path, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return domain.Source{}, fmt.Errorf("failed to add source: %w", err)
		}
		if !info.IsDir() {
			return domain.Source{}, fmt.Errorf("failed to add source: %s is not a directory", abs)
		}
		src = domain.Source{Path: abs, Type: domain.SourceLocal}
	}

	if _, err := s.store.FindSourceByPath(ctx, src.Path); err == nil {
		return domain.Source{}, fmt.Errorf("%w: %s", ErrSourceExists, src.Path)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return domain.Source{}, err
	}

	id, err := s.store.InsertSource(ctx, src.Path, src.Type)
	if err != nil {
		return domain.Source{}, err
	}
	src.ID = id
	slog.Info("Added source", "id", id, "type", src.Type, "path", src.Path)
	return src, nil
}

// Run syncs every source. A failing source is logged and counted in the
// report; the others still sync.
func (s *Syncer) Run(ctx context.Context) (Report, error) {
	slog.Info("Starting sync process for all sources...")
	sources, err := s.store.GetAllSources(ctx)
	if err != nil {
		return Report{}, err
	}
	if len(sources) == 0 {
		slog.Info("No sources configured. Add one with add-source <path/or/url.git>")
		return Report{}, nil
	}

	var total Report
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		rep, err := s.SyncSource(ctx, src)
		total.add(rep)
		if err != nil {
			total.Errors++
			slog.Error("Error syncing source", "id", src.ID, "path", src.Path, "error", err)
		}
	}
	slog.Info("Sync process complete.",
		"sources", total.Sources,
		"new_cards", total.NewCards,
		"deleted_cards", total.DeletedCards,
		"errors", total.Errors,
	)
	return total, nil
}

// SyncSource brings one source up to date. Git sources are cloned or
// pulled first.
func (s *Syncer) SyncSource(ctx context.Context, src domain.Source) (Report, error) {
	slog.Info("Syncing source", "id", src.ID, "type", src.Type, "path", src.Path)

	root := src.Path
	if src.Type == domain.SourceGit {
		local, err := gitsource.LocalPath(s.reposDir, src.Path)
		if err != nil {
			return Report{}, err
		}
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			return Report{}, fmt.Errorf("failed to create repos directory: %w", err)
		}
		if err := s.fetch(ctx, src.Path, local); err != nil {
			return Report{}, fmt.Errorf("failed to sync git repo %s: %w", src.Path, err)
		}
		root = local
	}
	return s.reconcile(ctx, src, root)
}

func (s *Syncer) reconcile(ctx context.Context, src domain.Source, root string) (Report, error) {
	rep := Report{Sources: 1}

	existing, err := s.store.ListUploadsBySource(ctx, src.ID)
	if err != nil {
		return rep, err
	}
	byName := make(map[string]domain.Upload, len(existing))
	for _, u := range existing {
		byName[u.Filename] = u
	}
	seen := make(map[string]bool)

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !isDocument(d.Name()) {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		seen[rel] = true
		rep.Uploads++

		if err := s.reconcileFile(ctx, src, path, rel, byName, &rep); err != nil {
			// One unreadable file should not abort the whole source.
			rep.Errors++
			slog.Warn("Failed to import file", "path", path, "error", err)
		}
		return nil
	})
	if walkErr != nil {
		return rep, fmt.Errorf("error walking directory %s: %w", root, walkErr)
	}

	for name, u := range byName {
		if seen[name] {
			continue
		}
		slog.Info("Document removed, deleting upload", "filename", name, "upload_id", u.ID)
		if err := s.store.DeleteUpload(ctx, u.ID); err != nil {
			rep.Errors++
			slog.Warn("Failed to delete upload", "upload_id", u.ID, "error", err)
			continue
		}
		rep.DeletedUploads++
	}

	if err := s.store.UpdateSourceLastScanned(ctx, src.ID, s.now()); err != nil {
		slog.Warn("Failed to update last scanned for source", "source_id", src.ID, "error", err)
	}

	slog.Info("reconciliation complete",
		"path", root,
		"uploads", rep.Uploads,
		"new_cards", rep.NewCards,
		"orphaned_deleted", rep.DeletedCards,
		"errors", rep.Errors,
	)
	return rep, nil
}

func (s *Syncer) reconcileFile(ctx context.Context, src domain.Source, path, name string, byName map[string]domain.Upload, rep *Report) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	text := string(data)
	hash := contenthash.Text(text)

	u, ok := byName[name]
	switch {
	case ok && u.Hash == hash:
		return nil
	case ok:
		if err := s.store.UpdateUploadText(ctx, u.ID, text, hash); err != nil {
			return err
		}
	default:
		sourceID := src.ID
		u = domain.Upload{
			ID:        uuid.NewString(),
			UserID:    s.userID,
			Filename:  name,
			FullText:  text,
			Hash:      hash,
			SourceID:  &sourceID,
			CreatedAt: s.now().UTC(),
		}
		if err := s.store.InsertUpload(ctx, u); err != nil {
			return err
		}
		rep.NewUploads++
	}

	blocks, err := parser.Parse(strings.NewReader(text))
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return s.reconcileCards(ctx, u.ID, blocks, rep)
}

// reconcileCards inserts cards for new blocks and deletes imported cards
// whose block is gone. Cards without a content hash were generated, not
// imported, and are left alone.
func (s *Syncer) reconcileCards(ctx context.Context, uploadID string, blocks []parser.Block, rep *Report) error {
	current, err := s.store.ListCards(ctx, uploadID)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(current))
	for _, c := range current {
		if c.Hash != "" {
			known[c.Hash] = true
		}
	}

	now := s.now().UTC()
	found := make(map[string]bool, len(blocks))
	var fresh []domain.Flashcard
	for _, b := range blocks {
		hash := contenthash.Card(b.Question, b.Answer, b.Context)
		if found[hash] {
			continue
		}
		found[hash] = true
		if known[hash] {
			continue
		}
		card := sm2.NewCard(uploadID, b.Question, b.Answer, now)
		card.Context = b.Context
		card.Hash = hash
		fresh = append(fresh, card)
	}
	if len(fresh) > 0 {
		slog.Info("New cards found, inserting...", "upload_id", uploadID, "count", len(fresh))
		if err := s.store.InsertCards(ctx, fresh); err != nil {
			return err
		}
		rep.NewCards += len(fresh)
	}

	for _, c := range current {
		if c.Hash == "" || found[c.Hash] {
			continue
		}
		slog.Info("Orphaned card, deleting", "hash", c.Hash)
		if err := s.store.DeleteCard(ctx, c.ID); err != nil {
			return err
		}
		rep.DeletedCards++
	}
	return nil
}

func isDocument(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".txt":
		return true
	}
	return false
}
