package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/conorfennell/slidetutor/internal/config"
	"github.com/conorfennell/slidetutor/internal/export"
	"github.com/conorfennell/slidetutor/internal/gamify"
	"github.com/conorfennell/slidetutor/internal/generate"
	"github.com/conorfennell/slidetutor/internal/ingest"
	"github.com/conorfennell/slidetutor/internal/llm"
	"github.com/conorfennell/slidetutor/internal/review"
	"github.com/conorfennell/slidetutor/internal/sm2"
	"github.com/conorfennell/slidetutor/internal/storage"
	"github.com/conorfennell/slidetutor/internal/web"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// app holds what every subcommand shares once flags are parsed.
type app struct {
	cfg     config.Config
	db      *storage.DB
	tracker *gamify.Tracker
	reviews *review.Service
	syncer  *ingest.Syncer
	llm     *llm.Client // nil without an API key
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "slidetutor",
		Short:        "Turn study documents into lessons, quizzes and spaced-repetition flashcards",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.db != nil {
				return a.db.Close()
			}
			return nil
		},
	}
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		a.serveCmd(),
		a.syncCmd(),
		a.addSourceCmd(),
		a.dueCmd(),
		a.reviewCmd(),
		a.generateCmd(),
		a.exportCmd(),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(cfg.Log, os.Stderr))

	db, err := storage.Open(cfg.DB)
	if err != nil {
		return err
	}
	slog.Debug("Database opened successfully", "path", cfg.DB)

	a.cfg = cfg
	a.db = db
	a.tracker = gamify.NewTracker(db)
	a.reviews = review.NewService(db, sm2.New(), a.tracker)
	a.syncer = ingest.New(db, ingest.WithUser(cfg.User), ingest.WithReposDir(cfg.ReposDir))

	client, err := llm.New(cfg.LLM.Client())
	switch {
	case errors.Is(err, llm.ErrNoAPIKey):
		slog.Debug("No API key configured, generation is disabled")
	case err != nil:
		return err
	default:
		a.llm = client
	}
	return nil
}

func newLogger(c config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func (a *app) generator() (*generate.Generator, error) {
	if a.llm == nil {
		return nil, errors.New("no API key configured: set llm.api_key, SLIDETUTOR_LLM__API_KEY or OPENROUTER_API_KEY")
	}
	return generate.New(a.llm, a.db), nil
}

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			deps := web.Deps{
				Store:       a.db,
				Reviews:     a.reviews,
				Tracker:     a.tracker,
				Syncer:      a.syncer,
				DefaultUser: a.cfg.User,
			}
			if a.llm != nil {
				deps.Generator = generate.New(a.llm, a.db)
				deps.Assistant = a.llm
			}
			handler, err := web.NewServer(deps)
			if err != nil {
				return err
			}

			srv := &http.Server{
				Addr:              a.cfg.Addr,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx := cmd.Context()
			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				slog.Info("Starting server", "addr", a.cfg.Addr, "llm", a.llm != nil)
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			eg.Go(func() error {
				<-ctx.Done()
				slog.Info("Shutting down server")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return eg.Wait()
		},
	}
}

func (a *app) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Import documents and flashcards from every source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rep, err := a.syncer.Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Synced %d sources: %d documents, %d new cards, %d deleted cards, %d errors.\n",
				rep.Sources, rep.Uploads, rep.NewCards, rep.DeletedCards, rep.Errors)
			return nil
		},
	}
}

func (a *app) addSourceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-source <path/or/url.git>",
		Short: "Register a local directory or git repository as a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := a.syncer.AddSource(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s source %d: %s\n", src.Type, src.ID, src.Path)
			return nil
		},
	}
}

func (a *app) dueCmd() *cobra.Command {
	var uploadID string
	cmd := &cobra.Command{
		Use:   "due",
		Short: "List the flashcards due for review",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			due, err := a.reviews.Due(cmd.Context(), uploadID)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tDUE\tREPS\tQUESTION")
			for _, c := range due {
				when := "new"
				if c.Reviewed() {
					when = c.NextReview.Local().Format(time.DateOnly)
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", c.ID, when, c.Repetitions, firstLine(c.Question))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d cards due.\n", len(due))
			return nil
		},
	}
	cmd.Flags().StringVar(&uploadID, "upload", "", "Only list cards of this upload")
	return cmd
}

func (a *app) reviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "review <card-id> <quality 0-5>",
		Short: "Record a review of a flashcard",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid quality %q: %w", args[1], err)
			}
			card, err := a.reviews.Review(cmd.Context(), a.cfg.User, args[0], sm2.Quality(q))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Next review in %d days (%s), ease %.2f.\n",
				card.Interval, card.NextReview.Local().Format(time.DateOnly), card.EaseFactor)
			return nil
		},
	}
}

func (a *app) generateCmd() *cobra.Command {
	var cards, questions int
	var lesson bool
	cmd := &cobra.Command{
		Use:   "generate <upload-id>",
		Short: "Generate flashcards, a quiz or a lesson for an upload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := a.generator()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := map[string]any{}
			if cards > 0 {
				c, err := g.Flashcards(ctx, args[0], cards)
				if err != nil {
					return err
				}
				out["flashcards"] = c
			}
			if questions > 0 {
				q, err := g.Quiz(ctx, args[0], questions)
				if err != nil {
					return err
				}
				out["quiz"] = q
			}
			if lesson {
				l, err := g.Lesson(ctx, args[0])
				if err != nil {
					return err
				}
				if err := a.tracker.RecordLesson(ctx, a.cfg.User); err != nil {
					slog.Warn("Failed to record lesson activity", "error", err)
				}
				out["lesson"] = l
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().IntVar(&cards, "cards", 10, "Number of flashcards to generate, 0 to skip")
	cmd.Flags().IntVar(&questions, "quiz", 0, "Number of quiz questions to generate, 0 to skip")
	cmd.Flags().BoolVar(&lesson, "lesson", false, "Also generate a lesson")
	return cmd
}

func (a *app) exportCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export <upload-id>",
		Short: "Export an upload's flashcards as Anki TSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cards, err := a.db.ListCards(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			if err := export.Anki(w, cards); err != nil {
				return err
			}
			slog.Info("Exported flashcards", "upload_id", args[0], "count", len(cards))
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Write to a file instead of stdout")
	return cmd
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i] + " ..."
		}
	}
	return s
}
