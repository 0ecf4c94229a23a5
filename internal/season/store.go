package season

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/trivianft/trivianft/internal/pgstore"
	"github.com/trivianft/trivianft/internal/trivia"
)

// Store is the relational surface of the scheduler.
type Store interface {
	ActiveSeason(ctx context.Context) (trivia.Season, error)
	GetSeason(ctx context.Context, id string) (trivia.Season, error)
	DeactivateSeason(ctx context.Context, id string) error
	// UpsertSeason inserts the season if missing and sets its active flag.
	UpsertSeason(ctx context.Context, s trivia.Season) error
	// TopRankedPlayer returns the rank-1 snapshot entry of the season whose
	// player has both a stake and a username.
	TopRankedPlayer(ctx context.Context, seasonID string) (stake string, playerID int64, found bool, err error)
	HasSeasonAward(ctx context.Context, seasonID string) (bool, error)
	InsertSeasonAward(ctx context.Context, e trivia.Eligibility) error
	// ActiveStakes lists stakes of players seen since the cutoff.
	ActiveStakes(ctx context.Context, since time.Time) ([]string, error)
	InitSeasonPoints(ctx context.Context, seasonID string, stakes []string) error
	CategoryIDs(ctx context.Context) ([]int64, error)
}

type PGStore struct {
	db *pgstore.Store
}

var _ Store = (*PGStore)(nil)

func NewPGStore(db *pgstore.Store) *PGStore {
	return &PGStore{db: db}
}

func scanSeason(row pgx.Row) (trivia.Season, error) {
	var s trivia.Season
	err := row.Scan(&s.ID, &s.Name, &s.StartsAt, &s.EndsAt, &s.GraceDays, &s.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return trivia.Season{}, trivia.ErrSeasonNotFound
	}
	if err != nil {
		return trivia.Season{}, fmt.Errorf("failed to scan season: %w", err)
	}
	return s, nil
}

func (s *PGStore) ActiveSeason(ctx context.Context) (trivia.Season, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, name, starts_at, ends_at, grace_days, active FROM seasons WHERE active LIMIT 1`)
	season, err := scanSeason(row)
	if errors.Is(err, trivia.ErrSeasonNotFound) {
		return trivia.Season{}, trivia.ErrNoActiveSeason
	}
	return season, err
}

func (s *PGStore) GetSeason(ctx context.Context, id string) (trivia.Season, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, name, starts_at, ends_at, grace_days, active FROM seasons WHERE id = $1`, id)
	return scanSeason(row)
}

func (s *PGStore) DeactivateSeason(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `UPDATE seasons SET active = FALSE WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to deactivate season: %w", err)
	}
	return nil
}

func (s *PGStore) UpsertSeason(ctx context.Context, season trivia.Season) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO seasons (id, name, starts_at, ends_at, grace_days, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET active = EXCLUDED.active`,
		season.ID, season.Name, season.StartsAt, season.EndsAt, season.GraceDays, season.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert season: %w", err)
	}
	return nil
}

func (s *PGStore) TopRankedPlayer(ctx context.Context, seasonID string) (string, int64, bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT p.stake, p.id
		FROM leaderboard_snapshots ls
		JOIN players p ON p.stake = ls.stake
		WHERE ls.season_id = $1
			AND ls.snapshot_date = (SELECT MAX(snapshot_date) FROM leaderboard_snapshots WHERE season_id = $1)
			AND p.username IS NOT NULL
		ORDER BY ls.rank
		LIMIT 1`, seasonID)
	var stake string
	var playerID int64
	err := row.Scan(&stake, &playerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, fmt.Errorf("failed to load top player: %w", err)
	}
	return stake, playerID, true, nil
}

func (s *PGStore) HasSeasonAward(ctx context.Context, seasonID string) (bool, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM eligibilities WHERE type = 'season' AND season_id = $1`, seasonID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check season award: %w", err)
	}
	return n > 0, nil
}

func (s *PGStore) InsertSeasonAward(ctx context.Context, e trivia.Eligibility) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO eligibilities (id, type, player_id, season_id, status, issued_at, expires_at)
		VALUES ($1, 'season', $2, $3, 'active', $4, $5)`,
		e.ID, e.PlayerID, e.SeasonID, e.IssuedAt, e.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert season award: %w", err)
	}
	return nil
}

func (s *PGStore) ActiveStakes(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT stake FROM players WHERE stake IS NOT NULL AND last_seen_at >= $1`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list active stakes: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var stake string
		if err := rows.Scan(&stake); err != nil {
			return nil, fmt.Errorf("failed to scan stake: %w", err)
		}
		out = append(out, stake)
	}
	return out, rows.Err()
}

func (s *PGStore) InitSeasonPoints(ctx context.Context, seasonID string, stakes []string) error {
	for _, stake := range stakes {
		if _, err := s.db.Exec(ctx, `
			INSERT INTO season_points (season_id, stake)
			VALUES ($1, $2)
			ON CONFLICT (season_id, stake) DO NOTHING`,
			seasonID, stake,
		); err != nil {
			return fmt.Errorf("failed to init season points: %w", err)
		}
	}
	return nil
}

func (s *PGStore) CategoryIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM categories ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan category id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
