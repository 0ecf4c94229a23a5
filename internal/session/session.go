// Package session runs the per-attempt state machine: question serving,
// server-side answer validation, daily caps, cooldowns and the single-active
// lock, and the terminal transition that feeds the ledger and leaderboard.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/trivianft/trivianft/internal/kv"
	"github.com/trivianft/trivianft/internal/leaderboard"
	"github.com/trivianft/trivianft/internal/trivia"
)

const (
	QuestionsPerSession = 10
	AnswerTimeoutMs     = 10_000
	winThreshold        = 6

	defaultConnectedDailyCap = 10
	defaultGuestDailyCap     = 3
	defaultCooldown          = 60 * time.Second
	defaultLockTTL           = 5 * time.Minute // ~2x expected play duration
	defaultHotStateTTL       = 30 * time.Minute
	seenTTL                  = 24 * time.Hour
)

// QuestionSelector draws the ten questions for a new attempt.
type QuestionSelector interface {
	Select(ctx context.Context, categoryID int64, count int, seenIDs []int64) ([]trivia.Question, error)
}

// EligibilityIssuer issues the perfect-score entitlement inside the
// completion transaction.
type EligibilityIssuer interface {
	IssueOnPerfect(ctx context.Context, tx pgx.Tx, s *trivia.Session) (trivia.Eligibility, error)
}

// PointsUpdater feeds the leaderboard after the completion commit.
type PointsUpdater interface {
	UpdatePoints(ctx context.Context, stake, seasonID string, categoryID int64, d leaderboard.Delta) (trivia.SeasonPoints, error)
}

// SeasonProvider resolves the season points accrue into.
type SeasonProvider interface {
	Current(ctx context.Context) (trivia.Season, error)
}

type Config struct {
	KV       kv.Store
	Store    Store
	Selector QuestionSelector
	Ledger   EligibilityIssuer
	Ladder   PointsUpdater
	Seasons  SeasonProvider
	Source   trivia.QuestionSource

	// Optional configuration.
	Clock             clockwork.Clock
	Timezone          *time.Location
	ConnectedDailyCap int
	GuestDailyCap     int
	Cooldown          time.Duration
	LockTTL           time.Duration
	HotStateTTL       time.Duration
}

func (c *Config) Validate() error {
	if c.KV == nil {
		return errors.New("kv store is required")
	}
	if c.Store == nil {
		return errors.New("session store is required")
	}
	if c.Selector == nil {
		return errors.New("question selector is required")
	}
	if c.Ledger == nil {
		return errors.New("eligibility issuer is required")
	}
	if c.Ladder == nil {
		return errors.New("points updater is required")
	}
	if c.Seasons == nil {
		return errors.New("season provider is required")
	}
	if c.Source == nil {
		return errors.New("question source is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Timezone == nil {
		c.Timezone = time.UTC
	}
	if c.ConnectedDailyCap <= 0 {
		c.ConnectedDailyCap = defaultConnectedDailyCap
	}
	if c.GuestDailyCap <= 0 {
		c.GuestDailyCap = defaultGuestDailyCap
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaultCooldown
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaultLockTTL
	}
	if c.HotStateTTL <= 0 {
		c.HotStateTTL = defaultHotStateTTL
	}
	return nil
}

type Engine struct {
	log *slog.Logger
	cfg Config
}

func New(log *slog.Logger, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}
	return &Engine{log: log, cfg: cfg}, nil
}

// ClientQuestion is a served question scrubbed for delivery: no correct
// index, no explanation.
type ClientQuestion struct {
	Index   int       `json:"index"`
	Text    string    `json:"text"`
	Options [4]string `json:"options"`
}

type StartResult struct {
	SessionID  string           `json:"sessionId"`
	CategoryID int64            `json:"categoryId"`
	Questions  []ClientQuestion `json:"questions"`
	StartedAt  time.Time        `json:"startedAt"`
}

type StartRequest struct {
	PlayerID   int64
	Stake      string
	AnonID     string
	CategoryID int64
}

func (r StartRequest) identity() string {
	if r.Stake != "" {
		return r.Stake
	}
	return r.AnonID
}

// Start creates a new attempt: lock, daily cap, cooldown, question draw, SQL
// row, hot state, seen-set bookkeeping. The returned questions are scrubbed.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	identity := req.identity()
	if identity == "" {
		return nil, trivia.E(trivia.KindInput, "MISSING_IDENTITY", "player identity is required")
	}

	now := e.cfg.Clock.Now().UTC()
	local := now.In(e.cfg.Timezone)
	date := local.Format(time.DateOnly)

	ok, err := e.cfg.KV.SetNX(ctx, lockKey(identity), "1", e.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire attempt lock: %w", err)
	}
	if !ok {
		return nil, trivia.ErrActiveSessionExists
	}
	release := func() {
		if err := e.cfg.KV.Del(ctx, lockKey(identity)); err != nil {
			e.log.Error("failed to release attempt lock", "identity", identity, "error", err)
		}
	}

	limit := e.cfg.ConnectedDailyCap
	if req.Stake == "" {
		limit = e.cfg.GuestDailyCap
	}
	count, err := e.cfg.KV.IncrWithTTL(ctx, dailyKey(identity, date), untilNextMidnight(local))
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to bump daily counter: %w", err)
	}
	if count > int64(limit) {
		release()
		return nil, trivia.ErrDailyLimitReached
	}

	if _, found, err := e.cfg.KV.Get(ctx, cooldownKey(identity)); err != nil {
		release()
		return nil, fmt.Errorf("failed to read cooldown: %w", err)
	} else if found {
		release()
		return nil, trivia.ErrCooldownActive
	}

	seen, err := e.seenIDs(ctx, identity, req.CategoryID, date)
	if err != nil {
		release()
		return nil, err
	}
	questions, err := e.cfg.Selector.Select(ctx, req.CategoryID, QuestionsPerSession, seen)
	if err != nil {
		release()
		return nil, err
	}

	sess := &trivia.Session{
		ID:         uuid.NewString(),
		PlayerID:   req.PlayerID,
		Stake:      req.Stake,
		AnonID:     req.AnonID,
		CategoryID: req.CategoryID,
		Status:     trivia.SessionActive,
		StartedAt:  now,
	}
	for _, q := range questions {
		sess.Questions = append(sess.Questions, trivia.ServedQuestion{
			QuestionID:    q.ID,
			Text:          q.Text,
			Options:       q.Options,
			CorrectIndex:  q.CorrectIndex,
			Explanation:   q.Explanation,
			ServedAt:      now,
			AnsweredIndex: -1,
		})
	}

	if err := e.cfg.Store.Insert(ctx, sess); err != nil {
		release()
		return nil, err
	}

	// SQL committed: the attempt exists. KV bookkeeping failures past this
	// point are logged, not surfaced.
	if err := writeHotState(ctx, e.cfg.KV, sess, e.cfg.HotStateTTL); err != nil {
		e.log.Error("failed to write hot state", "session", sess.ID, "error", err)
	}
	ids := make([]string, len(questions))
	for i, q := range questions {
		ids[i] = fmt.Sprint(q.ID)
	}
	if err := e.cfg.KV.SAdd(ctx, seenKey(identity, req.CategoryID, date), seenTTL, ids...); err != nil {
		e.log.Error("failed to record seen questions", "session", sess.ID, "error", err)
	}

	sessionsStarted.Inc()
	e.log.Info("session started", "session", sess.ID, "identity", identity, "category", req.CategoryID)

	out := &StartResult{SessionID: sess.ID, CategoryID: req.CategoryID, StartedAt: now}
	for i, q := range sess.Questions {
		out.Questions = append(out.Questions, ClientQuestion{Index: i, Text: q.Text, Options: q.Options})
	}
	return out, nil
}

func (e *Engine) seenIDs(ctx context.Context, identity string, categoryID int64, date string) ([]int64, error) {
	members, err := e.cfg.KV.SMembers(ctx, seenKey(identity, categoryID, date))
	if err != nil {
		return nil, fmt.Errorf("failed to read seen questions: %w", err)
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		var id int64
		if _, err := fmt.Sscan(m, &id); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func untilNextMidnight(local time.Time) time.Duration {
	next := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, local.Location())
	return next.Sub(local)
}

type AnswerResult struct {
	Correct      bool   `json:"correct"`
	CorrectIndex int    `json:"correctIndex"`
	Explanation  string `json:"explanation"`
	Score        int    `json:"score"`
}

// SubmitAnswer validates a timed answer against the hot state. The correct
// index and explanation are revealed only in this response, after the answer
// is committed.
func (e *Engine) SubmitAnswer(ctx context.Context, sessionID string, questionIndex, optionIndex int, timeMs int64) (*AnswerResult, error) {
	s, err := readHotState(ctx, e.cfg.KV, sessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		// Hot state gone: distinguish finished sessions from unknown ids.
		stored, err := e.cfg.Store.Get(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if stored.Status.Terminal() {
			return nil, trivia.ErrSessionNotActive
		}
		return nil, trivia.ErrSessionNotFound
	}
	if s.Status != trivia.SessionActive {
		return nil, trivia.ErrSessionNotActive
	}
	if questionIndex != s.CurrentIndex {
		return nil, fmt.Errorf("%w: got %d, expected %d", trivia.ErrWrongQuestionIndex, questionIndex, s.CurrentIndex)
	}
	if questionIndex < 0 || questionIndex >= len(s.Questions) {
		return nil, trivia.ErrWrongQuestionIndex
	}
	if timeMs < 0 || timeMs > AnswerTimeoutMs {
		return nil, fmt.Errorf("%w: %dms", trivia.ErrAnswerTimeout, timeMs)
	}
	if optionIndex < 0 || optionIndex > 3 {
		return nil, fmt.Errorf("%w: %d", trivia.ErrInvalidOption, optionIndex)
	}

	q := &s.Questions[questionIndex]
	if q.Answered() {
		return nil, trivia.ErrWrongQuestionIndex
	}
	q.AnsweredIndex = optionIndex
	q.AnswerTimeMs = timeMs

	correct := optionIndex == q.CorrectIndex
	if correct {
		s.Score++
	}
	s.CurrentIndex++

	if err := writeHotAnswer(ctx, e.cfg.KV, s, questionIndex); err != nil {
		return nil, fmt.Errorf("failed to commit answer: %w", err)
	}

	return &AnswerResult{
		Correct:      correct,
		CorrectIndex: q.CorrectIndex,
		Explanation:  q.Explanation,
		Score:        s.Score,
	}, nil
}

type CompleteResult struct {
	Score          int                  `json:"score"`
	TotalQuestions int                  `json:"totalQuestions"`
	IsPerfect      bool                 `json:"isPerfect"`
	EligibilityID  string               `json:"eligibilityId,omitempty"`
	Status         trivia.SessionStatus `json:"status"`
	TotalMs        int64                `json:"totalMs"`
}

// Complete terminates the session. The SQL commit is the point-of-no-return:
// the row is locked, the score recomputed from the stored answers, the
// eligibility issued in the same transaction, and only then are leaderboard
// and cooldown/lock KV writes attempted. Replaying a terminal session
// returns the stored result without side effects.
func (e *Engine) Complete(ctx context.Context, sessionID string, forfeit bool) (*CompleteResult, error) {
	hot, err := readHotState(ctx, e.cfg.KV, sessionID)
	if err != nil {
		return nil, err
	}

	now := e.cfg.Clock.Now().UTC()
	var eligibilityID string
	var replayed bool

	sess, err := e.cfg.Store.Complete(ctx, sessionID, func(ctx context.Context, tx pgx.Tx, s *trivia.Session) error {
		if s.Status.Terminal() {
			replayed = true
			return errAlreadyTerminal
		}

		// The hot state carries the answers; merge them into the locked row.
		if hot != nil {
			for i := range s.Questions {
				if i < len(hot.Questions) && hot.Questions[i].Answered() {
					s.Questions[i].AnsweredIndex = hot.Questions[i].AnsweredIndex
					s.Questions[i].AnswerTimeMs = hot.Questions[i].AnswerTimeMs
				}
			}
		}

		// Authoritative rescore from the stored answers.
		score, answered := 0, 0
		for _, q := range s.Questions {
			if !q.Answered() {
				continue
			}
			answered++
			if q.AnsweredIndex == q.CorrectIndex {
				score++
			}
		}
		if !forfeit && answered < len(s.Questions) {
			return fmt.Errorf("%w: %d of %d answered", trivia.ErrSessionIncomplete, answered, len(s.Questions))
		}

		s.Score = score
		s.CurrentIndex = answered
		s.EndedAt = now
		s.TotalMs = now.Sub(s.StartedAt).Milliseconds()
		switch {
		case forfeit:
			s.Status = trivia.SessionForfeit
		case score >= winThreshold:
			s.Status = trivia.SessionWon
		default:
			s.Status = trivia.SessionLost
		}

		if score == len(s.Questions) && !forfeit && s.Stake != "" {
			elig, err := e.cfg.Ledger.IssueOnPerfect(ctx, tx, s)
			if err != nil {
				return fmt.Errorf("failed to issue eligibility: %w", err)
			}
			eligibilityID = elig.ID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &CompleteResult{
		Score:          sess.Score,
		TotalQuestions: len(sess.Questions),
		IsPerfect:      sess.Score == len(sess.Questions) && sess.Status == trivia.SessionWon,
		EligibilityID:  eligibilityID,
		Status:         sess.Status,
		TotalMs:        sess.TotalMs,
	}

	// Replay of an already-terminal session: report, no side effects.
	if replayed {
		return result, nil
	}

	e.afterComplete(ctx, sess)
	return result, nil
}

// afterComplete performs the KV and leaderboard writes that follow the
// commit. Failures here are logged; reconcilers and TTLs catch up.
func (e *Engine) afterComplete(ctx context.Context, s *trivia.Session) {
	identity := s.Identity()

	if s.Stake != "" {
		season, err := e.cfg.Seasons.Current(ctx)
		if err != nil {
			e.log.Warn("no active season, points not recorded", "session", s.ID, "error", err)
		} else {
			var answered, totalMs int64
			for _, q := range s.Questions {
				if q.Answered() {
					answered++
					totalMs += q.AnswerTimeMs
				}
			}
			var avgMs int64
			if answered > 0 {
				avgMs = totalMs / answered
			}
			perfect := s.Score == len(s.Questions) && s.Status == trivia.SessionWon
			_, err := e.cfg.Ladder.UpdatePoints(ctx, s.Stake, season.ID, s.CategoryID, leaderboard.Delta{
				Points:      leaderboard.PointsForScore(s.Score, len(s.Questions)),
				Perfect:     perfect,
				AvgAnswerMs: avgMs,
				Sessions:    1,
				AchievedAt:  s.EndedAt,
			})
			if err != nil {
				e.log.Error("failed to update leaderboard", "session", s.ID, "error", err)
			}
		}
	}

	if err := e.cfg.KV.Set(ctx, cooldownKey(identity), "1", e.cfg.Cooldown); err != nil {
		e.log.Error("failed to set cooldown", "identity", identity, "error", err)
	}
	if err := e.cfg.KV.Del(ctx, lockKey(identity), hotKey(s.ID)); err != nil {
		e.log.Error("failed to release attempt lock", "identity", identity, "error", err)
	}

	sessionsCompleted.WithLabelValues(string(s.Status)).Inc()
	e.log.Info("session completed", "session", s.ID, "status", s.Status, "score", s.Score)
}

// FlagQuestion records a player report against a catalog question.
func (e *Engine) FlagQuestion(ctx context.Context, questionID, playerID int64, reason string) error {
	return e.cfg.Source.Flag(ctx, questionID, playerID, reason)
}
