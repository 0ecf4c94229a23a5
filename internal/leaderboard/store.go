package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/trivianft/trivianft/internal/pgstore"
	"github.com/trivianft/trivianft/internal/trivia"
)

// Store is the relational side of the engine. The SQL row is the canonical
// value; the sorted sets are a derived read cache.
type Store interface {
	// Upsert applies d atomically and returns the fresh row.
	Upsert(ctx context.Context, seasonID, stake string, d Delta) (trivia.SeasonPoints, error)
	Get(ctx context.Context, seasonID, stake string) (trivia.SeasonPoints, bool, error)
	ListBySeason(ctx context.Context, seasonID string) ([]trivia.SeasonPoints, error)
	Usernames(ctx context.Context, stakes []string) (map[string]string, error)
	InsertSnapshot(ctx context.Context, rows []trivia.SnapshotRow) (int64, error)
	SnapshotExists(ctx context.Context, seasonID string, date time.Time) (bool, error)
	// LatestSnapshot pages the most recent snapshot date of a season in rank
	// order. total is the full row count of that snapshot.
	LatestSnapshot(ctx context.Context, seasonID string, limit, offset int) ([]trivia.SnapshotRow, int, error)
}

type PGStore struct {
	db *pgstore.Store
}

var _ Store = (*PGStore)(nil)

func NewPGStore(db *pgstore.Store) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Upsert(ctx context.Context, seasonID, stake string, d Delta) (trivia.SeasonPoints, error) {
	var perfects int64
	var achievedAt *time.Time
	if d.Perfect {
		perfects = 1
		if !d.AchievedAt.IsZero() {
			t := d.AchievedAt.UTC()
			achievedAt = &t
		}
	}

	// Running average: the stored avg is weighted by sessions already
	// counted; firstAchievedAt is set once and never moves.
	row := s.db.QueryRow(ctx, `
		INSERT INTO season_points (season_id, stake, points, perfect_scores, nfts_minted, avg_answer_ms, sessions_used, first_achieved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (season_id, stake) DO UPDATE SET
			points = season_points.points + EXCLUDED.points,
			perfect_scores = season_points.perfect_scores + EXCLUDED.perfect_scores,
			nfts_minted = season_points.nfts_minted + EXCLUDED.nfts_minted,
			avg_answer_ms = CASE
				WHEN season_points.sessions_used + EXCLUDED.sessions_used > 0 THEN
					(season_points.avg_answer_ms * season_points.sessions_used + EXCLUDED.avg_answer_ms * EXCLUDED.sessions_used)
						/ (season_points.sessions_used + EXCLUDED.sessions_used)
				ELSE season_points.avg_answer_ms
			END,
			sessions_used = season_points.sessions_used + EXCLUDED.sessions_used,
			first_achieved_at = COALESCE(season_points.first_achieved_at, EXCLUDED.first_achieved_at)
		RETURNING season_id, stake, points, perfect_scores, nfts_minted, avg_answer_ms, sessions_used, COALESCE(first_achieved_at, 'epoch'::timestamptz)`,
		seasonID, stake, d.Points, perfects, d.NFTsMinted, d.AvgAnswerMs, d.Sessions, achievedAt,
	)
	return scanPoints(row)
}

func scanPoints(row pgx.Row) (trivia.SeasonPoints, error) {
	var p trivia.SeasonPoints
	err := row.Scan(&p.SeasonID, &p.Stake, &p.Points, &p.PerfectScores, &p.NFTsMinted, &p.AvgAnswerMs, &p.SessionsUsed, &p.FirstAchievedAt)
	if err != nil {
		return trivia.SeasonPoints{}, fmt.Errorf("failed to scan season points: %w", err)
	}
	if p.FirstAchievedAt.Unix() == 0 {
		p.FirstAchievedAt = time.Time{}
	}
	return p, nil
}

func (s *PGStore) Get(ctx context.Context, seasonID, stake string) (trivia.SeasonPoints, bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT season_id, stake, points, perfect_scores, nfts_minted, avg_answer_ms, sessions_used, COALESCE(first_achieved_at, 'epoch'::timestamptz)
		FROM season_points WHERE season_id = $1 AND stake = $2`, seasonID, stake)
	p, err := scanPoints(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return trivia.SeasonPoints{}, false, nil
	}
	if err != nil {
		return trivia.SeasonPoints{}, false, err
	}
	return p, true, nil
}

func (s *PGStore) ListBySeason(ctx context.Context, seasonID string) ([]trivia.SeasonPoints, error) {
	rows, err := s.db.Query(ctx, `
		SELECT season_id, stake, points, perfect_scores, nfts_minted, avg_answer_ms, sessions_used, COALESCE(first_achieved_at, 'epoch'::timestamptz)
		FROM season_points WHERE season_id = $1`, seasonID)
	if err != nil {
		return nil, fmt.Errorf("failed to list season points: %w", err)
	}
	defer rows.Close()

	var out []trivia.SeasonPoints
	for rows.Next() {
		var p trivia.SeasonPoints
		if err := rows.Scan(&p.SeasonID, &p.Stake, &p.Points, &p.PerfectScores, &p.NFTsMinted, &p.AvgAnswerMs, &p.SessionsUsed, &p.FirstAchievedAt); err != nil {
			return nil, fmt.Errorf("failed to scan season points: %w", err)
		}
		if p.FirstAchievedAt.Unix() == 0 {
			p.FirstAchievedAt = time.Time{}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PGStore) Usernames(ctx context.Context, stakes []string) (map[string]string, error) {
	if len(stakes) == 0 {
		return map[string]string{}, nil
	}
	rows, err := s.db.Query(ctx,
		`SELECT stake, COALESCE(username, '') FROM players WHERE stake = ANY($1)`, stakes)
	if err != nil {
		return nil, fmt.Errorf("failed to load usernames: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string, len(stakes))
	for rows.Next() {
		var stake, username string
		if err := rows.Scan(&stake, &username); err != nil {
			return nil, fmt.Errorf("failed to scan username: %w", err)
		}
		out[stake] = username
	}
	return out, rows.Err()
}

func (s *PGStore) InsertSnapshot(ctx context.Context, rows []trivia.SnapshotRow) (int64, error) {
	var inserted int64
	for _, r := range rows {
		tag, err := s.db.Exec(ctx, `
			INSERT INTO leaderboard_snapshots (season_id, snapshot_date, stake, rank, points, nfts_minted, perfect_scores, avg_answer_ms, sessions_used)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (season_id, snapshot_date, stake) DO NOTHING`,
			r.SeasonID, r.SnapshotDate, r.Stake, r.Rank, r.Points, r.NFTsMinted, r.PerfectScores, r.AvgAnswerMs, r.SessionsUsed,
		)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert snapshot row: %w", err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

func (s *PGStore) SnapshotExists(ctx context.Context, seasonID string, date time.Time) (bool, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM leaderboard_snapshots WHERE season_id = $1 AND snapshot_date = $2`,
		seasonID, date,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check snapshot: %w", err)
	}
	return n > 0, nil
}

func (s *PGStore) LatestSnapshot(ctx context.Context, seasonID string, limit, offset int) ([]trivia.SnapshotRow, int, error) {
	var total int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM leaderboard_snapshots
		WHERE season_id = $1 AND snapshot_date = (
			SELECT MAX(snapshot_date) FROM leaderboard_snapshots WHERE season_id = $1
		)`, seasonID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count snapshot rows: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT season_id, snapshot_date, stake, rank, points, nfts_minted, perfect_scores, avg_answer_ms, sessions_used
		FROM leaderboard_snapshots
		WHERE season_id = $1 AND snapshot_date = (
			SELECT MAX(snapshot_date) FROM leaderboard_snapshots WHERE season_id = $1
		)
		ORDER BY rank
		LIMIT $2 OFFSET $3`, seasonID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to page snapshot: %w", err)
	}
	defer rows.Close()

	var out []trivia.SnapshotRow
	for rows.Next() {
		var r trivia.SnapshotRow
		if err := rows.Scan(&r.SeasonID, &r.SnapshotDate, &r.Stake, &r.Rank, &r.Points, &r.NFTsMinted, &r.PerfectScores, &r.AvgAnswerMs, &r.SessionsUsed); err != nil {
			return nil, 0, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}
