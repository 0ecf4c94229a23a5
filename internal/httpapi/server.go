// Package httpapi is the thin boundary in front of the core engines: route
// dispatch, token verification, strict request schemas, and the translation
// of the error taxonomy into status codes. Everything stateful lives behind
// the engine interfaces.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/trivianft/trivianft/internal/leaderboard"
	"github.com/trivianft/trivianft/internal/session"
	"github.com/trivianft/trivianft/internal/trivia"
	"github.com/trivianft/trivianft/internal/workflow"
)

const defaultMaxBodySize = 1 << 20 // 1 MiB

// The engine surfaces the boundary consumes, narrowed for testability.

type SessionAPI interface {
	Start(ctx context.Context, req session.StartRequest) (*session.StartResult, error)
	SubmitAnswer(ctx context.Context, sessionID string, questionIndex, optionIndex int, timeMs int64) (*session.AnswerResult, error)
	Complete(ctx context.Context, sessionID string, forfeit bool) (*session.CompleteResult, error)
	FlagQuestion(ctx context.Context, questionID, playerID int64, reason string) error
}

type LedgerAPI interface {
	ListActive(ctx context.Context, playerID int64) ([]trivia.Eligibility, error)
	Validate(ctx context.Context, eligibilityID string) (trivia.Eligibility, error)
	CheckStock(ctx context.Context, categoryID int64) (bool, error)
	Consume(ctx context.Context, eligibilityID string) (trivia.MintOperation, trivia.CatalogItem, error)
}

type LadderAPI interface {
	GetPage(ctx context.Context, scope leaderboard.Scope, limit, offset int) (leaderboard.Page, error)
}

type MintAPI interface {
	Start(ctx context.Context, op trivia.MintOperation, item trivia.CatalogItem)
	Status(ctx context.Context, id string) (trivia.MintOperation, error)
}

type ForgeAPI interface {
	StartForge(ctx context.Context, req workflow.ForgeRequest) (trivia.ForgeOperation, error)
	Status(ctx context.Context, id string) (trivia.ForgeOperation, error)
	Progress(ctx context.Context, stake string) (workflow.ForgeProgress, error)
}

type SeasonAPI interface {
	Current(ctx context.Context) (trivia.Season, error)
	Get(ctx context.Context, id string) (trivia.Season, error)
}

type Config struct {
	Auth     trivia.Authenticator
	Sessions SessionAPI
	Ledger   LedgerAPI
	Ladder   LadderAPI
	Mint     MintAPI
	Forge    ForgeAPI
	Seasons  SeasonAPI

	// Optional configuration.
	MaxBodySize int64
	// KVPing probes the hot-state store and returns its round-trip latency.
	KVPing func(ctx context.Context) (time.Duration, error)
}

func (c *Config) Validate() error {
	if c.Auth == nil {
		return errors.New("authenticator is required")
	}
	if c.Sessions == nil {
		return errors.New("session engine is required")
	}
	if c.Ledger == nil {
		return errors.New("ledger is required")
	}
	if c.Ladder == nil {
		return errors.New("leaderboard is required")
	}
	if c.Mint == nil {
		return errors.New("mint workflow is required")
	}
	if c.Forge == nil {
		return errors.New("forge workflow is required")
	}
	if c.Seasons == nil {
		return errors.New("season scheduler is required")
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = defaultMaxBodySize
	}
	return nil
}

type Server struct {
	log *slog.Logger
	cfg Config
}

func New(log *slog.Logger, cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	return &Server{log: log, cfg: cfg}, nil
}

func (s *Server) Start(ctx context.Context, cancel context.CancelFunc, listener net.Listener) <-chan error {
	errCh := make(chan error)
	go func() {
		defer close(errCh)
		defer cancel()
		if err := s.Run(ctx, listener); err != nil {
			s.log.Error("failed to run server", "error", err)
			errCh <- err
			return
		}
		s.log.Info("server stopped")
	}()
	return errCh
}

func (s *Server) Run(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	err := srv.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler builds the route table. Leaderboards and season info are public;
// everything touching player state requires a verified token.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /sessions/start", s.authed(s.startSession))
	mux.HandleFunc("POST /sessions/{id}/answer", s.authed(s.submitAnswer))
	mux.HandleFunc("POST /sessions/{id}/complete", s.authed(s.completeSession))
	mux.HandleFunc("POST /questions/{id}/flag", s.authed(s.flagQuestion))

	mux.HandleFunc("GET /eligibilities", s.authed(s.listEligibilities))
	mux.HandleFunc("POST /mint/{eligibilityId}", s.authed(s.startMint))
	mux.HandleFunc("GET /mint/{id}/status", s.authed(s.mintStatus))

	mux.HandleFunc("GET /forge/progress", s.authed(s.forgeProgress))
	mux.HandleFunc("POST /forge/{type}", s.authed(s.startForge))
	mux.HandleFunc("GET /forge/{id}/status", s.authed(s.forgeStatus))

	mux.HandleFunc("GET /healthz", s.healthz)

	mux.HandleFunc("GET /leaderboard/global", s.leaderboardGlobal)
	mux.HandleFunc("GET /leaderboard/category/{id}", s.leaderboardCategory)
	mux.HandleFunc("GET /leaderboard/season/{id}", s.leaderboardSeason)
	mux.HandleFunc("GET /seasons/current", s.currentSeason)

	return s.observe(mux)
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize)
		requestsTotal.WithLabelValues(r.Method).Inc()
		next.ServeHTTP(w, r)
	})
}

type principalKey struct{}

// authed verifies the bearer token and stashes the principal on the context.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(raw) <= len(prefix) || raw[:len(prefix)] != prefix {
			writeError(w, s.log, trivia.E(trivia.KindForbidden, "MISSING_TOKEN", "missing bearer token"))
			return
		}
		principal, err := s.cfg.Auth.VerifyToken(r.Context(), raw[len(prefix):])
		if err != nil {
			writeError(w, s.log, trivia.E(trivia.KindForbidden, "INVALID_TOKEN", "token verification failed"))
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next(w, r.WithContext(ctx))
	}
}

func principalFrom(r *http.Request) trivia.Principal {
	p, _ := r.Context().Value(principalKey{}).(trivia.Principal)
	return p
}
