package questions

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/trivianft/trivianft/internal/trivia"
)

const (
	// Below this pool size the reused/new partition is skipped and the draw
	// runs over the unfiltered pool.
	partitionThreshold = 1000

	defaultReusedRatio   = 0.5
	defaultPoolSizeCache = time.Minute
)

type SelectorConfig struct {
	Source trivia.QuestionSource

	// Optional configuration.
	ReusedRatio float64 // share of a draw that may repeat already-seen questions
	PoolSizeTTL time.Duration
}

func (c *SelectorConfig) Validate() error {
	if c.Source == nil {
		return errors.New("question source is required")
	}
	if c.ReusedRatio <= 0 || c.ReusedRatio >= 1 {
		c.ReusedRatio = defaultReusedRatio
	}
	if c.PoolSizeTTL <= 0 {
		c.PoolSizeTTL = defaultPoolSizeCache
	}
	return nil
}

// Selector draws the ten questions for a new session. Pool sizes change
// slowly, so they are cached briefly to keep session start on the short path.
type Selector struct {
	cfg      SelectorConfig
	poolSize *ttlcache.Cache[string, int]
}

func NewSelector(cfg SelectorConfig) (*Selector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid selector config: %w", err)
	}
	return &Selector{
		cfg: cfg,
		poolSize: ttlcache.New(
			ttlcache.WithTTL[string, int](cfg.PoolSizeTTL),
		),
	}, nil
}

// Select draws count questions for categoryID. When the pool is large enough,
// the draw is partitioned into a bucket that excludes seenIDs and a bucket
// drawn from the full pool; small pools are drawn unfiltered. The questions
// returned are unique within the draw.
func (s *Selector) Select(ctx context.Context, categoryID int64, count int, seenIDs []int64) ([]trivia.Question, error) {
	size, err := s.pool(ctx, categoryID)
	if err != nil {
		return nil, err
	}

	if size < partitionThreshold {
		qs, err := s.cfg.Source.Draw(ctx, categoryID, count, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to draw questions: %w", err)
		}
		if len(qs) < count {
			return nil, fmt.Errorf("%w: have %d, need %d", trivia.ErrInsufficientPool, len(qs), count)
		}
		return qs[:count], nil
	}

	reusedCount := int(math.Round(float64(count) * s.cfg.ReusedRatio))
	newCount := count - reusedCount

	fresh, err := s.cfg.Source.Draw(ctx, categoryID, newCount, seenIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to draw new questions: %w", err)
	}

	exclude := make([]int64, 0, len(fresh))
	for _, q := range fresh {
		exclude = append(exclude, q.ID)
	}
	reused, err := s.cfg.Source.Draw(ctx, categoryID, count-len(fresh), exclude)
	if err != nil {
		return nil, fmt.Errorf("failed to draw reused questions: %w", err)
	}

	qs := append(fresh, reused...)
	if len(qs) < count {
		return nil, fmt.Errorf("%w: have %d, need %d", trivia.ErrInsufficientPool, len(qs), count)
	}
	return qs[:count], nil
}

func (s *Selector) pool(ctx context.Context, categoryID int64) (int, error) {
	key := strconv.FormatInt(categoryID, 10)
	if item := s.poolSize.Get(key); item != nil {
		return item.Value(), nil
	}
	size, err := s.cfg.Source.PoolSize(ctx, categoryID)
	if err != nil {
		return 0, fmt.Errorf("failed to get question pool size: %w", err)
	}
	s.poolSize.Set(key, size, ttlcache.DefaultTTL)
	return size, nil
}
