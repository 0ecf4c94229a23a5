package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"github.com/trivianft/trivianft/internal/kv/kvtest"
	"github.com/trivianft/trivianft/internal/leaderboard"
	"github.com/trivianft/trivianft/internal/trivia"
)

type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*trivia.Session
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]*trivia.Session)}
}

func (f *fakeStore) Insert(_ context.Context, s *trivia.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	cp.Questions = append([]trivia.ServedQuestion(nil), s.Questions...)
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeStore) Get(_ context.Context, id string) (*trivia.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, trivia.ErrSessionNotFound
	}
	cp := *s
	cp.Questions = append([]trivia.ServedQuestion(nil), s.Questions...)
	return &cp, nil
}

func (f *fakeStore) Complete(ctx context.Context, id string, fn func(ctx context.Context, tx pgx.Tx, s *trivia.Session) error) (*trivia.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.sessions[id]
	if !ok {
		return nil, trivia.ErrSessionNotFound
	}
	cp := *stored
	cp.Questions = append([]trivia.ServedQuestion(nil), stored.Questions...)
	if err := fn(ctx, nil, &cp); err != nil {
		if errors.Is(err, errAlreadyTerminal) {
			return &cp, nil
		}
		return nil, err
	}
	f.sessions[id] = &cp
	out := cp
	out.Questions = append([]trivia.ServedQuestion(nil), cp.Questions...)
	return &out, nil
}

type fakeIssuer struct {
	mu     sync.Mutex
	issued []string // session ids
}

func (f *fakeIssuer) IssueOnPerfect(_ context.Context, _ pgx.Tx, s *trivia.Session) (trivia.Eligibility, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issued = append(f.issued, s.ID)
	return trivia.Eligibility{ID: uuid.NewString(), SessionID: s.ID, Type: trivia.EligibilityCategory}, nil
}

type ladderCall struct {
	Stake      string
	SeasonID   string
	CategoryID int64
	Delta      leaderboard.Delta
}

type fakeLadder struct {
	mu    sync.Mutex
	calls []ladderCall
}

func (f *fakeLadder) UpdatePoints(_ context.Context, stake, seasonID string, categoryID int64, d leaderboard.Delta) (trivia.SeasonPoints, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ladderCall{stake, seasonID, categoryID, d})
	return trivia.SeasonPoints{}, nil
}

type fakeSeasons struct{}

func (fakeSeasons) Current(context.Context) (trivia.Season, error) {
	return trivia.Season{ID: "winter-s1", Active: true}, nil
}

type fakeSelector struct {
	SelectFunc func(ctx context.Context, categoryID int64, count int, seenIDs []int64) ([]trivia.Question, error)
}

func (f *fakeSelector) Select(ctx context.Context, categoryID int64, count int, seenIDs []int64) ([]trivia.Question, error) {
	return f.SelectFunc(ctx, categoryID, count, seenIDs)
}

type fakeSource struct {
	flags []int64
}

func (f *fakeSource) PoolSize(context.Context, int64) (int, error) { return 100, nil }
func (f *fakeSource) Draw(context.Context, int64, int, []int64) ([]trivia.Question, error) {
	return nil, nil
}
func (f *fakeSource) Flag(_ context.Context, questionID, _ int64, _ string) error {
	f.flags = append(f.flags, questionID)
	return nil
}

// tenQuestions serves questions whose correct answer is always option 0.
func tenQuestions(categoryID int64) []trivia.Question {
	qs := make([]trivia.Question, 10)
	for i := range qs {
		qs[i] = trivia.Question{
			ID:           int64(i + 1),
			CategoryID:   categoryID,
			Text:         "q",
			Options:      [4]string{"a", "b", "c", "d"},
			CorrectIndex: 0,
			Explanation:  "because",
		}
	}
	return qs
}

type testEnv struct {
	engine *Engine
	clock  *clockwork.FakeClock
	store  *fakeStore
	issuer *fakeIssuer
	ladder *fakeLadder
}

func newTestEngine(t *testing.T) *testEnv {
	t.Helper()

	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC))
	store := newFakeStore()
	issuer := &fakeIssuer{}
	ladder := &fakeLadder{}

	eng, err := New(slog.Default(), Config{
		KV:    kvtest.New(clock),
		Store: store,
		Selector: &fakeSelector{SelectFunc: func(_ context.Context, categoryID int64, count int, _ []int64) ([]trivia.Question, error) {
			return tenQuestions(categoryID)[:count], nil
		}},
		Ledger:  issuer,
		Ladder:  ladder,
		Seasons: fakeSeasons{},
		Source:  &fakeSource{},
		Clock:   clock,
	})
	require.NoError(t, err)
	return &testEnv{engine: eng, clock: clock, store: store, issuer: issuer, ladder: ladder}
}

func startSession(t *testing.T, env *testEnv, stake string) *StartResult {
	t.Helper()
	res, err := env.engine.Start(context.Background(), StartRequest{
		PlayerID:   1,
		Stake:      stake,
		CategoryID: 3,
	})
	require.NoError(t, err)
	require.Len(t, res.Questions, 10)
	return res
}

func TestSession_Start_ScrubsAnswers(t *testing.T) {
	t.Parallel()

	env := newTestEngine(t)
	res := startSession(t, env, "stake1")

	for i, q := range res.Questions {
		require.Equal(t, i, q.Index)
		require.NotEmpty(t, q.Text)
		require.NotEmpty(t, q.Options[0])
	}
}

func TestSession_Start_SingleAttemptLock(t *testing.T) {
	t.Parallel()

	env := newTestEngine(t)
	startSession(t, env, "stake1")

	_, err := env.engine.Start(context.Background(), StartRequest{PlayerID: 1, Stake: "stake1", CategoryID: 3})
	require.ErrorIs(t, err, trivia.ErrActiveSessionExists)

	// A different identity is unaffected.
	_, err = env.engine.Start(context.Background(), StartRequest{PlayerID: 2, Stake: "stake2", CategoryID: 3})
	require.NoError(t, err)
}

func TestSession_PerfectScore_IssuesEligibility(t *testing.T) {
	t.Parallel()

	env := newTestEngine(t)
	ctx := context.Background()
	res := startSession(t, env, "stake1")

	for i := range 10 {
		ans, err := env.engine.SubmitAnswer(ctx, res.SessionID, i, 0, 5000)
		require.NoError(t, err)
		require.True(t, ans.Correct)
		require.Equal(t, 0, ans.CorrectIndex)
		require.Equal(t, "because", ans.Explanation)
		require.Equal(t, i+1, ans.Score)
	}

	done, err := env.engine.Complete(ctx, res.SessionID, false)
	require.NoError(t, err)
	require.Equal(t, 10, done.Score)
	require.Equal(t, 10, done.TotalQuestions)
	require.True(t, done.IsPerfect)
	require.Equal(t, trivia.SessionWon, done.Status)
	require.NotEmpty(t, done.EligibilityID)

	require.Equal(t, []string{res.SessionID}, env.issuer.issued)

	require.Len(t, env.ladder.calls, 1)
	call := env.ladder.calls[0]
	require.Equal(t, "stake1", call.Stake)
	require.Equal(t, "winter-s1", call.SeasonID)
	require.EqualValues(t, 3, call.CategoryID)
	require.EqualValues(t, 20, call.Delta.Points, "10 correct + 10 perfect bonus")
	require.True(t, call.Delta.Perfect)
	require.EqualValues(t, 5000, call.Delta.AvgAnswerMs)
}

func TestSession_MixedAnswers_Lost(t *testing.T) {
	t.Parallel()

	env := newTestEngine(t)
	ctx := context.Background()
	res := startSession(t, env, "stake1")

	// Alternate right/wrong: 5 correct.
	for i := range 10 {
		opt := i % 2
		ans, err := env.engine.SubmitAnswer(ctx, res.SessionID, i, opt, 6000)
		require.NoError(t, err)
		require.Equal(t, opt == 0, ans.Correct)
	}

	done, err := env.engine.Complete(ctx, res.SessionID, false)
	require.NoError(t, err)
	require.Equal(t, 5, done.Score)
	require.Equal(t, trivia.SessionLost, done.Status)
	require.False(t, done.IsPerfect)
	require.Empty(t, done.EligibilityID)

	require.Empty(t, env.issuer.issued)
	require.Len(t, env.ladder.calls, 1)
	require.EqualValues(t, 5, env.ladder.calls[0].Delta.Points)
	require.False(t, env.ladder.calls[0].Delta.Perfect)
}

func TestSession_SubmitAnswer_Timeout(t *testing.T) {
	t.Parallel()

	env := newTestEngine(t)
	ctx := context.Background()
	res := startSession(t, env, "stake1")

	_, err := env.engine.SubmitAnswer(ctx, res.SessionID, 0, 0, 11_000)
	require.ErrorIs(t, err, trivia.ErrAnswerTimeout)

	// Session unchanged: the same question can still be answered.
	ans, err := env.engine.SubmitAnswer(ctx, res.SessionID, 0, 0, 9_999)
	require.NoError(t, err)
	require.True(t, ans.Correct)
	require.Equal(t, 1, ans.Score)
}

func TestSession_SubmitAnswer_Validation(t *testing.T) {
	t.Parallel()

	env := newTestEngine(t)
	ctx := context.Background()
	res := startSession(t, env, "stake1")

	_, err := env.engine.SubmitAnswer(ctx, res.SessionID, 3, 0, 1000)
	require.ErrorIs(t, err, trivia.ErrWrongQuestionIndex)

	_, err = env.engine.SubmitAnswer(ctx, res.SessionID, 0, 4, 1000)
	require.ErrorIs(t, err, trivia.ErrInvalidOption)

	_, err = env.engine.SubmitAnswer(ctx, res.SessionID, 0, -1, 1000)
	require.ErrorIs(t, err, trivia.ErrInvalidOption)

	_, err = env.engine.SubmitAnswer(ctx, "no-such-session", 0, 0, 1000)
	require.ErrorIs(t, err, trivia.ErrSessionNotFound)
}

func TestSession_Complete_RequiresAllAnswers(t *testing.T) {
	t.Parallel()

	env := newTestEngine(t)
	ctx := context.Background()
	res := startSession(t, env, "stake1")

	_, err := env.engine.SubmitAnswer(ctx, res.SessionID, 0, 0, 1000)
	require.NoError(t, err)

	_, err = env.engine.Complete(ctx, res.SessionID, false)
	require.ErrorIs(t, err, trivia.ErrSessionIncomplete)

	// Forfeit is always allowed and scores what was answered.
	done, err := env.engine.Complete(ctx, res.SessionID, true)
	require.NoError(t, err)
	require.Equal(t, trivia.SessionForfeit, done.Status)
	require.Equal(t, 1, done.Score)
	require.False(t, done.IsPerfect)
}

func TestSession_Complete_Idempotent(t *testing.T) {
	t.Parallel()

	env := newTestEngine(t)
	ctx := context.Background()
	res := startSession(t, env, "stake1")

	for i := range 10 {
		_, err := env.engine.SubmitAnswer(ctx, res.SessionID, i, 0, 5000)
		require.NoError(t, err)
	}

	first, err := env.engine.Complete(ctx, res.SessionID, false)
	require.NoError(t, err)
	require.Len(t, env.ladder.calls, 1)
	require.Len(t, env.issuer.issued, 1)

	// Replaying a terminal session reports the stored outcome, no side
	// effects.
	second, err := env.engine.Complete(ctx, res.SessionID, false)
	require.NoError(t, err)
	require.Equal(t, first.Score, second.Score)
	require.Equal(t, first.Status, second.Status)
	require.Len(t, env.ladder.calls, 1)
	require.Len(t, env.issuer.issued, 1)
}

func TestSession_Complete_SetsCooldownAndReleasesLock(t *testing.T) {
	t.Parallel()

	env := newTestEngine(t)
	ctx := context.Background()
	res := startSession(t, env, "stake1")

	for i := range 10 {
		_, err := env.engine.SubmitAnswer(ctx, res.SessionID, i, 0, 5000)
		require.NoError(t, err)
	}
	_, err := env.engine.Complete(ctx, res.SessionID, false)
	require.NoError(t, err)

	// Lock is released but the cooldown now blocks.
	_, err = env.engine.Start(ctx, StartRequest{PlayerID: 1, Stake: "stake1", CategoryID: 3})
	require.ErrorIs(t, err, trivia.ErrCooldownActive)

	// Once the cooldown lapses a new session starts.
	env.clock.Advance(61 * time.Second)
	_, err = env.engine.Start(ctx, StartRequest{PlayerID: 1, Stake: "stake1", CategoryID: 3})
	require.NoError(t, err)
}

func TestSession_GuestDailyCap(t *testing.T) {
	t.Parallel()

	env := newTestEngine(t)
	ctx := context.Background()

	for range 3 {
		res, err := env.engine.Start(ctx, StartRequest{PlayerID: 5, AnonID: "anon1", CategoryID: 3})
		require.NoError(t, err)
		_, err = env.engine.Complete(ctx, res.SessionID, true)
		require.NoError(t, err)
		env.clock.Advance(2 * time.Minute)
	}

	_, err := env.engine.Start(ctx, StartRequest{PlayerID: 5, AnonID: "anon1", CategoryID: 3})
	require.ErrorIs(t, err, trivia.ErrDailyLimitReached)

	// The counter expires at local midnight.
	env.clock.Advance(24 * time.Hour)
	_, err = env.engine.Start(ctx, StartRequest{PlayerID: 5, AnonID: "anon1", CategoryID: 3})
	require.NoError(t, err)
}

func TestSession_GuestNeverIssuesEligibility(t *testing.T) {
	t.Parallel()

	env := newTestEngine(t)
	ctx := context.Background()
	res, err := env.engine.Start(ctx, StartRequest{PlayerID: 5, AnonID: "anon1", CategoryID: 3})
	require.NoError(t, err)

	for i := range 10 {
		_, err := env.engine.SubmitAnswer(ctx, res.SessionID, i, 0, 5000)
		require.NoError(t, err)
	}
	done, err := env.engine.Complete(ctx, res.SessionID, false)
	require.NoError(t, err)
	require.True(t, done.IsPerfect)
	require.Empty(t, done.EligibilityID, "guests have no stake to mint against")
	require.Empty(t, env.issuer.issued)
	require.Empty(t, env.ladder.calls, "points require a stake")
}

func TestSession_SeenQuestions_PassedToSelector(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC))
	kvs := kvtest.New(clock)
	var gotSeen []int64

	eng, err := New(slog.Default(), Config{
		KV:    kvs,
		Store: newFakeStore(),
		Selector: &fakeSelector{SelectFunc: func(_ context.Context, categoryID int64, count int, seen []int64) ([]trivia.Question, error) {
			gotSeen = seen
			return tenQuestions(categoryID)[:count], nil
		}},
		Ledger:  &fakeIssuer{},
		Ladder:  &fakeLadder{},
		Seasons: fakeSeasons{},
		Source:  &fakeSource{},
		Clock:   clock,
	})
	require.NoError(t, err)

	ctx := context.Background()
	res, err := eng.Start(ctx, StartRequest{PlayerID: 1, Stake: "stake1", CategoryID: 3})
	require.NoError(t, err)
	require.Empty(t, gotSeen)

	_, err = eng.Complete(ctx, res.SessionID, true)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	_, err = eng.Start(ctx, StartRequest{PlayerID: 1, Stake: "stake1", CategoryID: 3})
	require.NoError(t, err)
	require.Len(t, gotSeen, 10, "second draw sees the first session's question ids")
}

func TestSession_Start_InsufficientQuestions_ReleasesLock(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC))
	eng, err := New(slog.Default(), Config{
		KV:    kvtest.New(clock),
		Store: newFakeStore(),
		Selector: &fakeSelector{SelectFunc: func(context.Context, int64, int, []int64) ([]trivia.Question, error) {
			return nil, trivia.ErrInsufficientPool
		}},
		Ledger:  &fakeIssuer{},
		Ladder:  &fakeLadder{},
		Seasons: fakeSeasons{},
		Source:  &fakeSource{},
		Clock:   clock,
	})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = eng.Start(ctx, StartRequest{PlayerID: 1, Stake: "stake1", CategoryID: 3})
	require.ErrorIs(t, err, trivia.ErrInsufficientPool)

	// The failed start must not leave the attempt lock behind.
	_, err = eng.Start(ctx, StartRequest{PlayerID: 1, Stake: "stake1", CategoryID: 3})
	require.ErrorIs(t, err, trivia.ErrInsufficientPool)
}

func TestSession_ScoreMatchesAnswerCorrectness(t *testing.T) {
	t.Parallel()

	env := newTestEngine(t)
	ctx := context.Background()
	res := startSession(t, env, "stake1")

	options := []int{0, 2, 0, 1, 0, 0, 3, 0, 0, 0} // 7 correct
	for i, opt := range options {
		_, err := env.engine.SubmitAnswer(ctx, res.SessionID, i, opt, 4000)
		require.NoError(t, err)
	}

	done, err := env.engine.Complete(ctx, res.SessionID, false)
	require.NoError(t, err)
	require.Equal(t, 7, done.Score)
	require.Equal(t, trivia.SessionWon, done.Status)
	require.False(t, done.IsPerfect)
	require.Empty(t, done.EligibilityID)
}
