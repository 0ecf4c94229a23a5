// Package leaderboard maintains the composite-score rankings. SQL rows are
// canonical; the KV sorted sets are a derived cache rebuilt by the reconciler
// whenever a crash leaves them behind.
package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/trivianft/trivianft/internal/kv"
	"github.com/trivianft/trivianft/internal/trivia"
)

const (
	MaxPageSize = 100
)

func GlobalKey(seasonID string) string {
	return "ladder:global:" + seasonID
}

func CategoryKey(categoryID int64, seasonID string) string {
	return "ladder:category:" + strconv.FormatInt(categoryID, 10) + ":" + seasonID
}

type Config struct {
	Store Store
	KV    kv.Store

	// Optional configuration.
	Clock             clockwork.Clock
	ReconcileInterval time.Duration
}

func (c *Config) Validate() error {
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.KV == nil {
		return errors.New("kv store is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 30 * time.Second
	}
	return nil
}

type Engine struct {
	log *slog.Logger
	cfg Config
}

func New(log *slog.Logger, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid leaderboard config: %w", err)
	}
	return &Engine{log: log, cfg: cfg}, nil
}

// UpdatePoints applies a session's delta to the canonical SQL row and writes
// the recomputed composite to the global and category sorted sets. The SQL
// upsert serializes concurrent completions; a KV write failure after the
// commit is logged and left to the reconciler.
func (e *Engine) UpdatePoints(ctx context.Context, stake, seasonID string, categoryID int64, d Delta) (trivia.SeasonPoints, error) {
	row, err := e.cfg.Store.Upsert(ctx, seasonID, stake, d)
	if err != nil {
		return trivia.SeasonPoints{}, fmt.Errorf("failed to upsert season points: %w", err)
	}

	score := float64(Encode(row))
	if err := e.cfg.KV.ZAdd(ctx, GlobalKey(seasonID), stake, score); err != nil {
		e.log.Error("failed to write global ladder, reconciler will catch up", "stake", stake, "error", err)
	}
	if categoryID != 0 {
		if err := e.cfg.KV.ZAdd(ctx, CategoryKey(categoryID, seasonID), stake, score); err != nil {
			e.log.Error("failed to write category ladder, reconciler will catch up", "stake", stake, "category", categoryID, "error", err)
		}
	}
	return row, nil
}

type ScopeKind string

const (
	ScopeGlobal   ScopeKind = "global"
	ScopeCategory ScopeKind = "category"
	ScopeSeason   ScopeKind = "season" // historical standings from snapshots
)

type Scope struct {
	Kind       ScopeKind
	SeasonID   string
	CategoryID int64
}

type Entry struct {
	Rank          int64
	Stake         string
	Username      string
	Points        int64
	NFTsMinted    int64
	PerfectScores int64
	AvgAnswerMs   int64
	SessionsUsed  int64
}

type Page struct {
	Entries []Entry
	Total   int64
	HasMore bool
}

// GetPage reads a ranked page. Live scopes rank from the sorted set and join
// counters from the canonical rows; the season scope serves the terminal
// snapshot of a closed season.
func (e *Engine) GetPage(ctx context.Context, scope Scope, limit, offset int) (Page, error) {
	if limit < 1 || limit > MaxPageSize {
		return Page{}, fmt.Errorf("%w: limit must be 1..%d", trivia.E(trivia.KindInput, "INVALID_LIMIT", "invalid page limit"), MaxPageSize)
	}
	if offset < 0 {
		return Page{}, trivia.E(trivia.KindInput, "INVALID_OFFSET", "offset must be >= 0")
	}

	if scope.Kind == ScopeSeason {
		return e.snapshotPage(ctx, scope.SeasonID, limit, offset)
	}

	key := GlobalKey(scope.SeasonID)
	if scope.Kind == ScopeCategory {
		key = CategoryKey(scope.CategoryID, scope.SeasonID)
	}

	total, err := e.cfg.KV.ZCard(ctx, key)
	if err != nil {
		return Page{}, fmt.Errorf("failed to size ladder: %w", err)
	}
	members, err := e.cfg.KV.ZRevRangeWithScores(ctx, key, int64(offset), int64(offset+limit-1))
	if err != nil {
		return Page{}, fmt.Errorf("failed to read ladder: %w", err)
	}

	stakes := make([]string, len(members))
	for i, m := range members {
		stakes[i] = m.Member
	}
	usernames, err := e.cfg.Store.Usernames(ctx, stakes)
	if err != nil {
		return Page{}, err
	}

	entries := make([]Entry, 0, len(members))
	for i, m := range members {
		entry := Entry{
			Rank:     int64(offset + i + 1),
			Stake:    m.Member,
			Username: usernames[m.Member],
		}
		row, ok, err := e.cfg.Store.Get(ctx, scope.SeasonID, m.Member)
		if err != nil {
			return Page{}, err
		}
		if ok {
			entry.Points = row.Points
			entry.NFTsMinted = row.NFTsMinted
			entry.PerfectScores = row.PerfectScores
			entry.AvgAnswerMs = row.AvgAnswerMs
			entry.SessionsUsed = row.SessionsUsed
		}
		entries = append(entries, entry)
	}

	return Page{
		Entries: entries,
		Total:   total,
		HasMore: int64(offset+len(entries)) < total,
	}, nil
}

func (e *Engine) snapshotPage(ctx context.Context, seasonID string, limit, offset int) (Page, error) {
	rows, total, err := e.cfg.Store.LatestSnapshot(ctx, seasonID, limit, offset)
	if err != nil {
		return Page{}, err
	}
	stakes := make([]string, len(rows))
	for i, r := range rows {
		stakes[i] = r.Stake
	}
	usernames, err := e.cfg.Store.Usernames(ctx, stakes)
	if err != nil {
		return Page{}, err
	}
	entries := make([]Entry, len(rows))
	for i, r := range rows {
		entries[i] = Entry{
			Rank:          r.Rank,
			Stake:         r.Stake,
			Username:      usernames[r.Stake],
			Points:        r.Points,
			NFTsMinted:    r.NFTsMinted,
			PerfectScores: r.PerfectScores,
			AvgAnswerMs:   r.AvgAnswerMs,
			SessionsUsed:  r.SessionsUsed,
		}
	}
	return Page{Entries: entries, Total: int64(total), HasMore: offset+len(entries) < total}, nil
}

// Snapshot walks the global sorted set in rank order and archives today's
// standings. Counters come from the canonical rows keyed by the ranked
// member. Idempotent per (season, date).
func (e *Engine) Snapshot(ctx context.Context, seasonID string) (int64, error) {
	today := e.cfg.Clock.Now().UTC().Truncate(24 * time.Hour)

	done, err := e.cfg.Store.SnapshotExists(ctx, seasonID, today)
	if err != nil {
		return 0, err
	}
	if done {
		e.log.Info("snapshot already taken", "season", seasonID, "date", today.Format(time.DateOnly))
		return 0, nil
	}

	members, err := e.cfg.KV.ZRevRangeWithScores(ctx, GlobalKey(seasonID), 0, -1)
	if err != nil {
		return 0, fmt.Errorf("failed to enumerate ladder: %w", err)
	}

	rows := make([]trivia.SnapshotRow, 0, len(members))
	for i, m := range members {
		p, ok, err := e.cfg.Store.Get(ctx, seasonID, m.Member)
		if err != nil {
			return 0, err
		}
		if !ok {
			e.log.Warn("ladder member missing canonical row, skipping", "stake", m.Member)
			continue
		}
		rows = append(rows, trivia.SnapshotRow{
			SeasonID:      seasonID,
			SnapshotDate:  today,
			Stake:         m.Member,
			Rank:          int64(i + 1),
			Points:        p.Points,
			NFTsMinted:    p.NFTsMinted,
			PerfectScores: p.PerfectScores,
			AvgAnswerMs:   p.AvgAnswerMs,
			SessionsUsed:  p.SessionsUsed,
		})
	}

	inserted, err := e.cfg.Store.InsertSnapshot(ctx, rows)
	if err != nil {
		return inserted, err
	}
	e.log.Info("leaderboard snapshot taken", "season", seasonID, "rows", inserted)
	return inserted, nil
}

// Reconcile rebuilds the global sorted set from the canonical rows, healing
// any gap left by a crash between SQL commit and KV write.
func (e *Engine) Reconcile(ctx context.Context, seasonID string) error {
	rows, err := e.cfg.Store.ListBySeason(ctx, seasonID)
	if err != nil {
		return err
	}
	key := GlobalKey(seasonID)
	for _, row := range rows {
		if err := e.cfg.KV.ZAdd(ctx, key, row.Stake, float64(Encode(row))); err != nil {
			return fmt.Errorf("failed to reconcile ladder entry: %w", err)
		}
	}
	return nil
}

// RunReconciler loops Reconcile for the season returned by currentSeason
// until ctx is done.
func (e *Engine) RunReconciler(ctx context.Context, currentSeason func(context.Context) (string, error)) error {
	ticker := e.cfg.Clock.NewTicker(e.cfg.ReconcileInterval)
	defer ticker.Stop()

	e.log.Info("starting ladder reconciler", "interval", e.cfg.ReconcileInterval)
	for {
		select {
		case <-ctx.Done():
			e.log.Debug("ladder reconciler done")
			return nil
		case <-ticker.Chan():
			seasonID, err := currentSeason(ctx)
			if err != nil {
				e.log.Debug("no season to reconcile", "error", err)
				continue
			}
			if err := e.Reconcile(ctx, seasonID); err != nil {
				e.log.Error("failed to reconcile ladder", "season", seasonID, "error", err)
			}
		}
	}
}
