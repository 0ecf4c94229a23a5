// Package season runs the quarterly transitions: archive the final
// standings, award the top player, flip the active season, and reset the
// accumulation state for the next window.
package season

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/trivianft/trivianft/internal/kv"
	"github.com/trivianft/trivianft/internal/leaderboard"
	"github.com/trivianft/trivianft/internal/trivia"
)

const (
	defaultGraceDays     = 7
	defaultSeasonMonths  = 3
	defaultCheckInterval = time.Hour
	defaultAwardWindow   = 30 * 24 * time.Hour
	activePlayerWindow   = 90 * 24 * time.Hour
)

var cycles = []string{"winter", "spring", "summer", "fall"}

// Snapshotter archives the final standings; implemented by the leaderboard
// engine.
type Snapshotter interface {
	Snapshot(ctx context.Context, seasonID string) (int64, error)
}

type Config struct {
	Store       Store
	KV          kv.Store
	Snapshotter Snapshotter

	// Optional configuration.
	Clock         clockwork.Clock
	CheckInterval time.Duration
	AwardWindow   time.Duration
}

func (c *Config) Validate() error {
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.KV == nil {
		return errors.New("kv store is required")
	}
	if c.Snapshotter == nil {
		return errors.New("snapshotter is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = defaultCheckInterval
	}
	if c.AwardWindow <= 0 {
		c.AwardWindow = defaultAwardWindow
	}
	return nil
}

type Scheduler struct {
	log *slog.Logger
	cfg Config
}

func New(log *slog.Logger, cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid season config: %w", err)
	}
	return &Scheduler{log: log, cfg: cfg}, nil
}

// Current returns the active season.
func (s *Scheduler) Current(ctx context.Context) (trivia.Season, error) {
	return s.cfg.Store.ActiveSeason(ctx)
}

// Get returns a season by id, active or not.
func (s *Scheduler) Get(ctx context.Context, id string) (trivia.Season, error) {
	return s.cfg.Store.GetSeason(ctx, id)
}

// Run checks on a ticker whether the active season's window has closed and
// performs the transition when it has. The calendar boundary itself comes
// from the season rows, so a missed tick only delays the transition.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.cfg.Clock.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	s.log.Info("starting season scheduler", "interval", s.cfg.CheckInterval)
	for {
		select {
		case <-ctx.Done():
			s.log.Debug("season scheduler done")
			return nil
		case <-ticker.Chan():
			season, err := s.cfg.Store.ActiveSeason(ctx)
			if err != nil {
				if !errors.Is(err, trivia.ErrNoActiveSeason) {
					s.log.Error("failed to load active season", "error", err)
				}
				continue
			}
			if s.cfg.Clock.Now().Before(season.EndsAt) {
				continue
			}
			if err := s.Transition(ctx); err != nil {
				s.log.Error("season transition failed", "season", season.ID, "error", err)
			}
		}
	}
}

// Transition closes the active season once its window has ended and opens
// the next one. Every step detects prior completion, so a crashed or
// repeated run converges.
func (s *Scheduler) Transition(ctx context.Context) error {
	season, err := s.cfg.Store.ActiveSeason(ctx)
	if err != nil {
		if errors.Is(err, trivia.ErrNoActiveSeason) {
			s.log.Info("no active season, nothing to transition")
			return nil
		}
		return err
	}
	if s.cfg.Clock.Now().Before(season.EndsAt) {
		s.log.Info("active season has not ended, nothing to transition", "season", season.ID, "endsAt", season.EndsAt)
		return nil
	}
	log := s.log.With("season", season.ID)
	log.Info("transitioning season")

	// Terminal snapshot: the canonical final standings.
	if _, err := s.cfg.Snapshotter.Snapshot(ctx, season.ID); err != nil {
		return fmt.Errorf("failed to snapshot final standings: %w", err)
	}

	if err := s.awardTopPlayer(ctx, log, season); err != nil {
		return err
	}

	if err := s.cfg.Store.DeactivateSeason(ctx, season.ID); err != nil {
		return err
	}

	next, err := s.nextSeason(season)
	if err != nil {
		return err
	}
	if err := s.cfg.Store.UpsertSeason(ctx, next); err != nil {
		return err
	}
	log.Info("season activated", "next", next.ID, "startsAt", next.StartsAt, "endsAt", next.EndsAt)

	stakes, err := s.cfg.Store.ActiveStakes(ctx, s.cfg.Clock.Now().Add(-activePlayerWindow))
	if err != nil {
		return err
	}
	if err := s.cfg.Store.InitSeasonPoints(ctx, next.ID, stakes); err != nil {
		return err
	}
	log.Info("season points initialized", "players", len(stakes))

	// The SQL rows are authoritative; the derived ladders refill on first
	// update.
	keys := []string{leaderboard.GlobalKey(season.ID)}
	categoryIDs, err := s.cfg.Store.CategoryIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range categoryIDs {
		keys = append(keys, leaderboard.CategoryKey(id, season.ID))
	}
	if err := s.cfg.KV.Del(ctx, keys...); err != nil {
		log.Error("failed to clear derived ladder keys", "error", err)
	}
	return nil
}

func (s *Scheduler) awardTopPlayer(ctx context.Context, log *slog.Logger, season trivia.Season) error {
	done, err := s.cfg.Store.HasSeasonAward(ctx, season.ID)
	if err != nil {
		return err
	}
	if done {
		log.Info("season award already issued")
		return nil
	}

	stake, playerID, found, err := s.cfg.Store.TopRankedPlayer(ctx, season.ID)
	if err != nil {
		return err
	}
	if !found {
		log.Info("no eligible top player to award")
		return nil
	}

	now := s.cfg.Clock.Now().UTC()
	award := trivia.Eligibility{
		ID:        uuid.NewString(),
		Type:      trivia.EligibilitySeason,
		PlayerID:  playerID,
		SeasonID:  season.ID,
		Status:    trivia.EligibilityActive,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.AwardWindow),
	}
	if err := s.cfg.Store.InsertSeasonAward(ctx, award); err != nil {
		return err
	}
	log.Info("season award issued", "stake", stake, "eligibility", award.ID)
	return nil
}

// nextSeason cycles Winter -> Spring -> Summer -> Fall -> Winter(N+1).
func (s *Scheduler) nextSeason(current trivia.Season) (trivia.Season, error) {
	cycle, number, err := parseSeasonID(current.ID)
	if err != nil {
		return trivia.Season{}, err
	}
	idx := -1
	for i, c := range cycles {
		if c == cycle {
			idx = i
			break
		}
	}
	if idx == -1 {
		return trivia.Season{}, fmt.Errorf("unknown season cycle %q", cycle)
	}
	nextIdx := (idx + 1) % len(cycles)
	if nextIdx == 0 {
		number++
	}
	nextCycle := cycles[nextIdx]

	starts := current.EndsAt
	grace := current.GraceDays
	if grace <= 0 {
		grace = defaultGraceDays
	}
	return trivia.Season{
		ID:        fmt.Sprintf("%s-s%d", nextCycle, number),
		Name:      fmt.Sprintf("%s Season %d", titleCase(nextCycle), number),
		StartsAt:  starts,
		EndsAt:    starts.AddDate(0, defaultSeasonMonths, 0),
		GraceDays: grace,
		Active:    true,
	}, nil
}

func parseSeasonID(id string) (cycle string, number int, err error) {
	word, num, ok := strings.Cut(id, "-s")
	if !ok {
		return "", 0, fmt.Errorf("malformed season id %q", id)
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 1 {
		return "", 0, fmt.Errorf("malformed season id %q", id)
	}
	return strings.ToLower(word), n, nil
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
