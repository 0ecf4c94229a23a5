package questions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/trivianft/trivianft/internal/trivia"
)

type fakeSource struct {
	PoolSizeFunc func(ctx context.Context, categoryID int64) (int, error)
	DrawFunc     func(ctx context.Context, categoryID int64, count int, excludeIDs []int64) ([]trivia.Question, error)
	FlagFunc     func(ctx context.Context, questionID, playerID int64, reason string) error
}

func (f *fakeSource) PoolSize(ctx context.Context, categoryID int64) (int, error) {
	return f.PoolSizeFunc(ctx, categoryID)
}

func (f *fakeSource) Draw(ctx context.Context, categoryID int64, count int, excludeIDs []int64) ([]trivia.Question, error) {
	return f.DrawFunc(ctx, categoryID, count, excludeIDs)
}

func (f *fakeSource) Flag(ctx context.Context, questionID, playerID int64, reason string) error {
	return f.FlagFunc(ctx, questionID, playerID, reason)
}

func questionsFrom(base int64, n int) []trivia.Question {
	qs := make([]trivia.Question, n)
	for i := range qs {
		qs[i] = trivia.Question{ID: base + int64(i), CorrectIndex: 0}
	}
	return qs
}

func TestQuestions_Selector_SmallPool_Unfiltered(t *testing.T) {
	t.Parallel()

	var sawExclude []int64
	src := &fakeSource{
		PoolSizeFunc: func(context.Context, int64) (int, error) { return 50, nil },
		DrawFunc: func(_ context.Context, _ int64, count int, exclude []int64) ([]trivia.Question, error) {
			sawExclude = exclude
			return questionsFrom(1, count), nil
		},
	}
	sel, err := NewSelector(SelectorConfig{Source: src})
	require.NoError(t, err)

	qs, err := sel.Select(context.Background(), 1, 10, []int64{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, qs, 10)
	require.Nil(t, sawExclude, "small pools must not filter by seen ids")
}

func TestQuestions_Selector_LargePool_Partitioned(t *testing.T) {
	t.Parallel()

	seen := []int64{100, 101}
	var draws [][]int64
	src := &fakeSource{
		PoolSizeFunc: func(context.Context, int64) (int, error) { return 5000, nil },
		DrawFunc: func(_ context.Context, _ int64, count int, exclude []int64) ([]trivia.Question, error) {
			draws = append(draws, exclude)
			return questionsFrom(int64(len(draws))*1000, count), nil
		},
	}
	sel, err := NewSelector(SelectorConfig{Source: src})
	require.NoError(t, err)

	qs, err := sel.Select(context.Background(), 1, 10, seen)
	require.NoError(t, err)
	require.Len(t, qs, 10)
	require.Len(t, draws, 2)
	require.Equal(t, seen, draws[0], "first bucket excludes seen questions")
	require.Len(t, draws[1], 5, "second bucket excludes only the fresh draw")

	ids := make(map[int64]struct{})
	for _, q := range qs {
		ids[q.ID] = struct{}{}
	}
	require.Len(t, ids, 10, "draw must be unique")
}

func TestQuestions_Selector_InsufficientPool(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		PoolSizeFunc: func(context.Context, int64) (int, error) { return 9, nil },
		DrawFunc: func(_ context.Context, _ int64, count int, _ []int64) ([]trivia.Question, error) {
			return questionsFrom(1, 9), nil
		},
	}
	sel, err := NewSelector(SelectorConfig{Source: src})
	require.NoError(t, err)

	_, err = sel.Select(context.Background(), 1, 10, nil)
	require.ErrorIs(t, err, trivia.ErrInsufficientPool)
}

func TestQuestions_Selector_PoolSizeCached(t *testing.T) {
	t.Parallel()

	calls := 0
	src := &fakeSource{
		PoolSizeFunc: func(context.Context, int64) (int, error) { calls++; return 50, nil },
		DrawFunc: func(_ context.Context, _ int64, count int, _ []int64) ([]trivia.Question, error) {
			return questionsFrom(1, count), nil
		},
	}
	sel, err := NewSelector(SelectorConfig{Source: src})
	require.NoError(t, err)

	for range 3 {
		_, err := sel.Select(context.Background(), 7, 10, nil)
		require.NoError(t, err)
	}
	require.Equal(t, 1, calls, "pool size should be served from cache")
}
