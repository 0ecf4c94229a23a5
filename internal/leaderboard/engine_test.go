package leaderboard

import (
	"context"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"github.com/trivianft/trivianft/internal/kv/kvtest"
	"github.com/trivianft/trivianft/internal/trivia"
)

type fakeStore struct {
	rows      map[string]trivia.SeasonPoints // key season|stake
	usernames map[string]string
	snapshots []trivia.SnapshotRow
}

var _ Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:      make(map[string]trivia.SeasonPoints),
		usernames: make(map[string]string),
	}
}

func (f *fakeStore) key(seasonID, stake string) string { return seasonID + "|" + stake }

func (f *fakeStore) Upsert(_ context.Context, seasonID, stake string, d Delta) (trivia.SeasonPoints, error) {
	p := f.rows[f.key(seasonID, stake)]
	p.SeasonID, p.Stake = seasonID, stake
	p.Points += d.Points
	if d.Perfect {
		p.PerfectScores++
		if p.FirstAchievedAt.IsZero() {
			p.FirstAchievedAt = d.AchievedAt
		}
	}
	p.NFTsMinted += d.NFTsMinted
	if p.SessionsUsed+d.Sessions > 0 {
		p.AvgAnswerMs = (p.AvgAnswerMs*p.SessionsUsed + d.AvgAnswerMs*d.Sessions) / (p.SessionsUsed + d.Sessions)
	}
	p.SessionsUsed += d.Sessions
	f.rows[f.key(seasonID, stake)] = p
	return p, nil
}

func (f *fakeStore) Get(_ context.Context, seasonID, stake string) (trivia.SeasonPoints, bool, error) {
	p, ok := f.rows[f.key(seasonID, stake)]
	return p, ok, nil
}

func (f *fakeStore) ListBySeason(_ context.Context, seasonID string) ([]trivia.SeasonPoints, error) {
	var out []trivia.SeasonPoints
	for _, p := range f.rows {
		if p.SeasonID == seasonID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) Usernames(_ context.Context, stakes []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, s := range stakes {
		if u, ok := f.usernames[s]; ok {
			out[s] = u
		}
	}
	return out, nil
}

func (f *fakeStore) InsertSnapshot(_ context.Context, rows []trivia.SnapshotRow) (int64, error) {
	f.snapshots = append(f.snapshots, rows...)
	return int64(len(rows)), nil
}

func (f *fakeStore) SnapshotExists(_ context.Context, seasonID string, date time.Time) (bool, error) {
	for _, r := range f.snapshots {
		if r.SeasonID == seasonID && r.SnapshotDate.Equal(date) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) LatestSnapshot(_ context.Context, seasonID string, limit, offset int) ([]trivia.SnapshotRow, int, error) {
	var all []trivia.SnapshotRow
	for _, r := range f.snapshots {
		if r.SeasonID == seasonID {
			all = append(all, r)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Rank < all[j].Rank })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func TestLeaderboard_PointsForScore(t *testing.T) {
	t.Parallel()

	require.EqualValues(t, 20, PointsForScore(10, 10))
	require.EqualValues(t, 7, PointsForScore(7, 10))
	require.EqualValues(t, 5, PointsForScore(5, 10))
	require.EqualValues(t, 0, PointsForScore(0, 10))
}

func TestLeaderboard_Composite_TieBreaks(t *testing.T) {
	t.Parallel()

	base := trivia.SeasonPoints{
		Points:          150,
		NFTsMinted:      5,
		PerfectScores:   10,
		AvgAnswerMs:     5000,
		SessionsUsed:    20,
		FirstAchievedAt: time.Unix(1700000000, 0),
	}

	// Equal counters except avg answer time: faster ranks higher.
	slower := base
	slower.AvgAnswerMs = 5001
	require.Greater(t, Encode(base), Encode(slower))

	// More points dominates everything below it.
	richer := slower
	richer.Points = 151
	require.Greater(t, Encode(richer), Encode(base))

	// Equal but fewer sessions used ranks higher.
	grinder := base
	grinder.SessionsUsed = 21
	require.Greater(t, Encode(base), Encode(grinder))

	// All counters equal: the first-perfect millis bucket still separates them.
	later := base
	later.FirstAchievedAt = base.FirstAchievedAt.Add(123 * time.Millisecond)
	require.NotEqual(t, Encode(base), Encode(later))
}

func TestLeaderboard_Composite_Clamps(t *testing.T) {
	t.Parallel()

	p := trivia.SeasonPoints{Points: 1, AvgAnswerMs: -50, SessionsUsed: -2}
	q := p
	q.AvgAnswerMs = 0
	q.SessionsUsed = 0
	require.Equal(t, Encode(q), Encode(p))

	huge := trivia.SeasonPoints{Points: 1, AvgAnswerMs: 1 << 40, SessionsUsed: 1 << 30}
	require.Positive(t, Encode(huge))
}

func TestLeaderboard_UpdatePoints_And_GetPage(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	store := newFakeStore()
	store.usernames["stakeA"] = "alice"
	store.usernames["stakeB"] = "bob"
	kvs := kvtest.New(clock)

	eng, err := New(slog.Default(), Config{Store: store, KV: kvs, Clock: clock})
	require.NoError(t, err)

	ctx := context.Background()
	first := clock.Now()

	// Two stakes with equal points, nfts and perfects; A answers 1ms faster.
	for i, tc := range []struct {
		stake string
		avg   int64
	}{
		{"stakeA", 5000},
		{"stakeB", 5001},
	} {
		for range 10 {
			_, err := eng.UpdatePoints(ctx, tc.stake, "winter-s1", 3, Delta{
				Points:      15,
				Perfect:     true,
				AvgAnswerMs: tc.avg,
				Sessions:    1,
				AchievedAt:  first.Add(time.Duration(i) * time.Second),
			})
			require.NoError(t, err)
		}
	}

	page, err := eng.GetPage(ctx, Scope{Kind: ScopeGlobal, SeasonID: "winter-s1"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	require.EqualValues(t, 2, page.Total)
	require.False(t, page.HasMore)

	require.Equal(t, "stakeA", page.Entries[0].Stake)
	require.Equal(t, "alice", page.Entries[0].Username)
	require.EqualValues(t, 1, page.Entries[0].Rank)
	require.Equal(t, "stakeB", page.Entries[1].Stake)
	require.EqualValues(t, 2, page.Entries[1].Rank)

	// Pagination: limit=1 offset=0 -> A, offset=1 -> B.
	page, err = eng.GetPage(ctx, Scope{Kind: ScopeGlobal, SeasonID: "winter-s1"}, 1, 0)
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	require.Equal(t, "stakeA", page.Entries[0].Stake)
	require.True(t, page.HasMore)

	page, err = eng.GetPage(ctx, Scope{Kind: ScopeGlobal, SeasonID: "winter-s1"}, 1, 1)
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	require.Equal(t, "stakeB", page.Entries[0].Stake)
	require.False(t, page.HasMore)

	// Category ladder was written too.
	page, err = eng.GetPage(ctx, Scope{Kind: ScopeCategory, SeasonID: "winter-s1", CategoryID: 3}, 10, 0)
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
}

func TestLeaderboard_GetPage_Limits(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	eng, err := New(slog.Default(), Config{Store: newFakeStore(), KV: kvtest.New(clock), Clock: clock})
	require.NoError(t, err)

	ctx := context.Background()
	for _, limit := range []int{0, -1, 101} {
		_, err := eng.GetPage(ctx, Scope{Kind: ScopeGlobal, SeasonID: "s"}, limit, 0)
		require.Error(t, err)
	}
	_, err = eng.GetPage(ctx, Scope{Kind: ScopeGlobal, SeasonID: "s"}, 10, -1)
	require.Error(t, err)
}

func TestLeaderboard_Snapshot_Idempotent(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	store := newFakeStore()
	kvs := kvtest.New(clock)
	eng, err := New(slog.Default(), Config{Store: store, KV: kvs, Clock: clock})
	require.NoError(t, err)

	ctx := context.Background()
	for _, stake := range []string{"s1", "s2", "s3"} {
		_, err := eng.UpdatePoints(ctx, stake, "winter-s1", 0, Delta{Points: 10, Sessions: 1, AvgAnswerMs: 4000})
		require.NoError(t, err)
	}

	n, err := eng.Snapshot(ctx, "winter-s1")
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	// Second run on the same date is a no-op.
	n, err = eng.Snapshot(ctx, "winter-s1")
	require.NoError(t, err)
	require.Zero(t, n)
	require.Len(t, store.snapshots, 3)

	// Snapshot rows carry ranks 1..3.
	ranks := make([]int64, 0, 3)
	for _, r := range store.snapshots {
		ranks = append(ranks, r.Rank)
	}
	sort.Slice(ranks, func(i, j int) bool { return ranks[i] < ranks[j] })
	require.Equal(t, []int64{1, 2, 3}, ranks)

	// Historical paging serves the snapshot.
	page, err := eng.GetPage(ctx, Scope{Kind: ScopeSeason, SeasonID: "winter-s1"}, 2, 0)
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	require.True(t, page.HasMore)
}

func TestLeaderboard_Reconcile_RebuildsLadder(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	store := newFakeStore()
	kvs := kvtest.New(clock)
	eng, err := New(slog.Default(), Config{Store: store, KV: kvs, Clock: clock})
	require.NoError(t, err)

	ctx := context.Background()

	// Simulate a crash between SQL commit and KV write: rows exist, ladder
	// is empty.
	for i, stake := range []string{"s1", "s2"} {
		_, err := store.Upsert(ctx, "winter-s1", stake, Delta{Points: int64(10 * (i + 1)), Sessions: 1, AvgAnswerMs: 3000})
		require.NoError(t, err)
	}
	page, err := eng.GetPage(ctx, Scope{Kind: ScopeGlobal, SeasonID: "winter-s1"}, 10, 0)
	require.NoError(t, err)
	require.Empty(t, page.Entries)

	require.NoError(t, eng.Reconcile(ctx, "winter-s1"))

	page, err = eng.GetPage(ctx, Scope{Kind: ScopeGlobal, SeasonID: "winter-s1"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	require.Equal(t, "s2", page.Entries[0].Stake, "higher points rank first after rebuild")
}
