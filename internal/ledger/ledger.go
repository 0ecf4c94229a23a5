// Package ledger issues, expires and consumes mint eligibilities, and keeps
// the per-category stock accounting race-safe.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/trivianft/trivianft/internal/pgstore"
	"github.com/trivianft/trivianft/internal/trivia"
)

const (
	defaultConnectedWindow = 60 * time.Minute
	defaultGuestWindow     = 25 * time.Minute
	defaultSweepInterval   = 5 * time.Minute
)

type Config struct {
	DB       *pgstore.Store
	PolicyID string

	// Optional configuration.
	Clock           clockwork.Clock
	ConnectedWindow time.Duration
	GuestWindow     time.Duration
	SweepInterval   time.Duration
}

func (c *Config) Validate() error {
	if c.DB == nil {
		return errors.New("db is required")
	}
	if c.PolicyID == "" {
		return errors.New("policy id is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.ConnectedWindow <= 0 {
		c.ConnectedWindow = defaultConnectedWindow
	}
	if c.GuestWindow <= 0 {
		c.GuestWindow = defaultGuestWindow
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	return nil
}

type Ledger struct {
	log *slog.Logger
	cfg Config
}

func New(log *slog.Logger, cfg Config) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ledger config: %w", err)
	}
	return &Ledger{log: log, cfg: cfg}, nil
}

// Window returns the eligibility validity window for a player. Connected
// players get the longer window; guests race a shorter clock because their
// eligibility dies with the device.
func (l *Ledger) Window(connected bool) time.Duration {
	if connected {
		return l.cfg.ConnectedWindow
	}
	return l.cfg.GuestWindow
}

// IssueOnPerfect inserts the eligibility earned by a perfect-score session.
// It runs on the caller's transaction so the issue commits atomically with
// session completion, and is idempotent on the session id: a replay returns
// the previously issued row.
func (l *Ledger) IssueOnPerfect(ctx context.Context, tx pgx.Tx, s *trivia.Session) (trivia.Eligibility, error) {
	now := l.cfg.Clock.Now().UTC()
	e := trivia.Eligibility{
		ID:         uuid.NewString(),
		Type:       trivia.EligibilityCategory,
		PlayerID:   s.PlayerID,
		CategoryID: s.CategoryID,
		SessionID:  s.ID,
		Status:     trivia.EligibilityActive,
		IssuedAt:   now,
		ExpiresAt:  now.Add(l.Window(s.Stake != "")),
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO eligibilities (id, type, player_id, category_id, session_id, status, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id) DO NOTHING`,
		e.ID, e.Type, e.PlayerID, e.CategoryID, e.SessionID, e.Status, e.IssuedAt, e.ExpiresAt,
	)
	if err != nil {
		return trivia.Eligibility{}, fmt.Errorf("failed to insert eligibility: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already issued for this session; return the stored row.
		return l.bySession(ctx, tx, s.ID)
	}
	l.log.Info("eligibility issued", "eligibility", e.ID, "session", s.ID, "expiresAt", e.ExpiresAt)
	return e, nil
}

func (l *Ledger) bySession(ctx context.Context, tx pgx.Tx, sessionID string) (trivia.Eligibility, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, type, player_id, COALESCE(category_id, 0), COALESCE(season_id, ''), session_id, status, issued_at, expires_at
		FROM eligibilities WHERE session_id = $1`, sessionID)
	return scanEligibility(row)
}

func scanEligibility(row pgx.Row) (trivia.Eligibility, error) {
	var e trivia.Eligibility
	err := row.Scan(&e.ID, &e.Type, &e.PlayerID, &e.CategoryID, &e.SeasonID, &e.SessionID, &e.Status, &e.IssuedAt, &e.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return trivia.Eligibility{}, trivia.ErrEligibilityNotFound
	}
	if err != nil {
		return trivia.Eligibility{}, fmt.Errorf("failed to scan eligibility: %w", err)
	}
	return e, nil
}

// ListActive returns the player's unexpired active eligibilities. Rows past
// expiry that the sweeper has not reaped yet are filtered out here.
func (l *Ledger) ListActive(ctx context.Context, playerID int64) ([]trivia.Eligibility, error) {
	rows, err := l.cfg.DB.Query(ctx, `
		SELECT id, type, player_id, COALESCE(category_id, 0), COALESCE(season_id, ''), COALESCE(session_id::text, ''), status, issued_at, expires_at
		FROM eligibilities
		WHERE player_id = $1 AND status = 'active' AND expires_at > $2
		ORDER BY issued_at DESC`,
		playerID, l.cfg.Clock.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list eligibilities: %w", err)
	}
	defer rows.Close()

	var out []trivia.Eligibility
	for rows.Next() {
		var e trivia.Eligibility
		if err := rows.Scan(&e.ID, &e.Type, &e.PlayerID, &e.CategoryID, &e.SeasonID, &e.SessionID, &e.Status, &e.IssuedAt, &e.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan eligibility: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Validate checks that the eligibility exists, is unused and unexpired.
func (l *Ledger) Validate(ctx context.Context, eligibilityID string) (trivia.Eligibility, error) {
	row := l.cfg.DB.QueryRow(ctx, `
		SELECT id, type, player_id, COALESCE(category_id, 0), COALESCE(season_id, ''), COALESCE(session_id::text, ''), status, issued_at, expires_at
		FROM eligibilities WHERE id = $1`, eligibilityID)
	e, err := scanEligibility(row)
	if err != nil {
		return trivia.Eligibility{}, err
	}
	return e, l.check(e)
}

func (l *Ledger) check(e trivia.Eligibility) error {
	switch e.Status {
	case trivia.EligibilityUsed:
		return trivia.ErrEligibilityUsed
	case trivia.EligibilityExpired:
		return trivia.ErrEligibilityExpired
	}
	if !l.cfg.Clock.Now().Before(e.ExpiresAt) {
		return trivia.ErrEligibilityExpired
	}
	return nil
}

// CheckStock reports whether the category still has at least one mintable
// catalog item.
func (l *Ledger) CheckStock(ctx context.Context, categoryID int64) (bool, error) {
	var n int
	err := l.cfg.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM nft_catalog
		WHERE category_id = $1 AND mint_state = 'available'`, categoryID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check stock: %w", err)
	}
	return n > 0, nil
}

// Consume atomically marks the eligibility used, reserves one random
// available catalog item in its category, and records a pending mint
// operation. The whole step is one transaction: any failure rolls it back so
// no stock is lost.
func (l *Ledger) Consume(ctx context.Context, eligibilityID string) (op trivia.MintOperation, item trivia.CatalogItem, err error) {
	err = l.cfg.DB.Tx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT id, type, player_id, COALESCE(category_id, 0), COALESCE(season_id, ''), COALESCE(session_id::text, ''), status, issued_at, expires_at
			FROM eligibilities WHERE id = $1 FOR UPDATE`, eligibilityID)
		e, err := scanEligibility(row)
		if err != nil {
			return err
		}
		if err := l.check(e); err != nil {
			return err
		}

		// SKIP LOCKED keeps concurrent consumers from fighting over the same
		// row; random order spreads picks across the stock.
		row = tx.QueryRow(ctx, `
			SELECT id, category_id, display_name, artwork_key, metadata_key, content_cid, tier
			FROM nft_catalog
			WHERE category_id = $1 AND mint_state = 'available'
			ORDER BY random()
			LIMIT 1
			FOR UPDATE SKIP LOCKED`, e.CategoryID)
		if err := row.Scan(&item.ID, &item.CategoryID, &item.DisplayName, &item.ArtworkKey, &item.MetadataKey, &item.ContentCID, &item.Tier); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return trivia.ErrInsufficientStock
			}
			return fmt.Errorf("failed to reserve catalog item: %w", err)
		}
		item.MintState = trivia.MintStatePending

		if _, err := tx.Exec(ctx,
			`UPDATE nft_catalog SET mint_state = 'pending' WHERE id = $1`, item.ID,
		); err != nil {
			return fmt.Errorf("failed to mark catalog item pending: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE eligibilities SET status = 'used' WHERE id = $1`, e.ID,
		); err != nil {
			return fmt.Errorf("failed to mark eligibility used: %w", err)
		}

		op = trivia.MintOperation{
			ID:            uuid.NewString(),
			EligibilityID: e.ID,
			CatalogID:     item.ID,
			PlayerID:      e.PlayerID,
			PolicyID:      l.cfg.PolicyID,
			Status:        trivia.OperationPending,
			CreatedAt:     l.cfg.Clock.Now().UTC(),
		}
		row = tx.QueryRow(ctx,
			`SELECT COALESCE(stake, '') FROM players WHERE id = $1`, e.PlayerID)
		if err := row.Scan(&op.Stake); err != nil {
			return fmt.Errorf("failed to load player stake: %w", err)
		}
		if op.Stake == "" {
			return trivia.ErrStakeRequired
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO mints (id, eligibility_id, catalog_id, player_id, stake, policy_id, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			op.ID, op.EligibilityID, op.CatalogID, op.PlayerID, op.Stake, op.PolicyID, op.Status, op.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert mint operation: %w", err)
		}
		return nil
	})
	if err != nil {
		return trivia.MintOperation{}, trivia.CatalogItem{}, err
	}
	l.log.Info("eligibility consumed", "eligibility", eligibilityID, "mint", op.ID, "catalogItem", item.ID)
	return op, item, nil
}

// ReleaseReservation reverts a pending catalog reservation after a workflow
// failure, returning the item to stock.
func (l *Ledger) ReleaseReservation(ctx context.Context, catalogID int64) error {
	tag, err := l.cfg.DB.Exec(ctx,
		`UPDATE nft_catalog SET mint_state = 'available' WHERE id = $1 AND mint_state = 'pending'`,
		catalogID,
	)
	if err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	if tag.RowsAffected() > 0 {
		l.log.Info("catalog reservation released", "catalogItem", catalogID)
	}
	return nil
}

// SweepExpired marks overdue active eligibilities expired. Best-effort:
// ListActive filters regardless, so a missed sweep is invisible to players.
func (l *Ledger) SweepExpired(ctx context.Context) (int64, error) {
	tag, err := l.cfg.DB.Exec(ctx,
		`UPDATE eligibilities SET status = 'expired' WHERE status = 'active' AND expires_at <= $1`,
		l.cfg.Clock.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired eligibilities: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RunSweeper loops SweepExpired until ctx is done.
func (l *Ledger) RunSweeper(ctx context.Context) error {
	ticker := l.cfg.Clock.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	l.log.Info("starting eligibility sweeper", "interval", l.cfg.SweepInterval)
	for {
		select {
		case <-ctx.Done():
			l.log.Debug("eligibility sweeper done")
			return nil
		case <-ticker.Chan():
			n, err := l.SweepExpired(ctx)
			if err != nil {
				l.log.Error("failed to sweep expired eligibilities", "error", err)
				continue
			}
			if n > 0 {
				l.log.Info("expired eligibilities swept", "count", n)
			}
		}
	}
}
