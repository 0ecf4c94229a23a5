package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/trivianft/trivianft/internal/pgstore"
	"github.com/trivianft/trivianft/internal/trivia"
)

// Store is the relational surface the workflows mutate. updateDatabase /
// updateForgeRecord are the linearization points: until they commit,
// downstream readers see pending operations and unchanged ownership.
type Store interface {
	GetMint(ctx context.Context, id string) (trivia.MintOperation, error)
	MarkMintFailed(ctx context.Context, id, errText string) error
	// ConfirmMint commits the mint: catalog row minted + content address,
	// owned-asset row inserted, operation confirmed.
	ConfirmMint(ctx context.Context, env MintEnvelope, confirmedAt time.Time) error

	GetCatalogItem(ctx context.Context, id int64) (trivia.CatalogItem, error)
	GetCategory(ctx context.Context, id int64) (trivia.Category, error)
	ActiveCategories(ctx context.Context) ([]trivia.Category, error)

	InsertForge(ctx context.Context, op trivia.ForgeOperation) error
	GetForge(ctx context.Context, id string) (trivia.ForgeOperation, error)
	MarkForgeFailed(ctx context.Context, id, errText string, requiresOperator bool) error
	// ConfirmForge commits the forge: inputs burned, output owned-asset row
	// inserted, operation confirmed with both transaction hashes.
	ConfirmForge(ctx context.Context, env ForgeEnvelope, confirmedAt time.Time) error

	// OwnedAssets loads the given fingerprints, whoever owns them.
	OwnedAssets(ctx context.Context, fingerprints []string) ([]trivia.OwnedAsset, error)
	// ConfirmedByStake lists a stake's confirmed holdings.
	ConfirmedByStake(ctx context.Context, stake string) ([]trivia.OwnedAsset, error)

	// StaleOperations lists non-terminal operation ids older than the cutoff,
	// for crash recovery.
	StaleOperations(ctx context.Context, kind string, olderThan time.Time) ([]string, error)
}

type PGStore struct {
	db *pgstore.Store
}

var _ Store = (*PGStore)(nil)

func NewPGStore(db *pgstore.Store) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) GetMint(ctx context.Context, id string) (trivia.MintOperation, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, eligibility_id, catalog_id, player_id, stake, policy_id, status,
			COALESCE(tx_hash, ''), COALESCE(error, ''), created_at, COALESCE(confirmed_at, 'epoch'::timestamptz)
		FROM mints WHERE id = $1`, id)
	var op trivia.MintOperation
	err := row.Scan(&op.ID, &op.EligibilityID, &op.CatalogID, &op.PlayerID, &op.Stake, &op.PolicyID,
		&op.Status, &op.TxHash, &op.Error, &op.CreatedAt, &op.ConfirmedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return trivia.MintOperation{}, trivia.ErrOperationNotFound
	}
	if err != nil {
		return trivia.MintOperation{}, fmt.Errorf("failed to scan mint: %w", err)
	}
	if op.ConfirmedAt.Unix() == 0 {
		op.ConfirmedAt = time.Time{}
	}
	return op, nil
}

func (s *PGStore) MarkMintFailed(ctx context.Context, id, errText string) error {
	// Terminal statuses are sticky.
	_, err := s.db.Exec(ctx,
		`UPDATE mints SET status = 'failed', error = $2 WHERE id = $1 AND status = 'pending'`,
		id, errText,
	)
	if err != nil {
		return fmt.Errorf("failed to mark mint failed: %w", err)
	}
	return nil
}

func (s *PGStore) ConfirmMint(ctx context.Context, env MintEnvelope, confirmedAt time.Time) error {
	return s.db.Tx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE nft_catalog SET mint_state = 'minted', content_cid = $2 WHERE id = $1`,
			env.CatalogID, env.ContentCID,
		); err != nil {
			return fmt.Errorf("failed to mark catalog item minted: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO player_nfts (stake, policy_id, fingerprint, asset_name, source, category_id, season_id, tier, status, minted_at, metadata)
			VALUES ($1, $2, $3, $4, 'mint', $5, NULLIF($6, ''), $7, 'confirmed', $8, $9)
			ON CONFLICT (fingerprint) DO NOTHING`,
			env.Stake, env.PolicyID, env.Fingerprint, env.AssetName, env.CategoryID, env.SeasonID, trivia.TierCategory, confirmedAt, env.Metadata,
		); err != nil {
			return fmt.Errorf("failed to insert owned asset: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE mints SET status = 'confirmed', tx_hash = $2, confirmed_at = $3 WHERE id = $1 AND status = 'pending'`,
			env.OperationID, env.TxHash, confirmedAt,
		); err != nil {
			return fmt.Errorf("failed to confirm mint: %w", err)
		}
		return nil
	})
}

func (s *PGStore) GetCatalogItem(ctx context.Context, id int64) (trivia.CatalogItem, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, category_id, display_name, artwork_key, metadata_key, content_cid, mint_state, tier
		FROM nft_catalog WHERE id = $1`, id)
	var item trivia.CatalogItem
	err := row.Scan(&item.ID, &item.CategoryID, &item.DisplayName, &item.ArtworkKey, &item.MetadataKey,
		&item.ContentCID, &item.MintState, &item.Tier)
	if errors.Is(err, pgx.ErrNoRows) {
		return trivia.CatalogItem{}, trivia.E(trivia.KindNotFound, "CATALOG_ITEM_NOT_FOUND", "catalog item not found")
	}
	if err != nil {
		return trivia.CatalogItem{}, fmt.Errorf("failed to scan catalog item: %w", err)
	}
	return item, nil
}

func (s *PGStore) GetCategory(ctx context.Context, id int64) (trivia.Category, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, slug, name, code, active FROM categories WHERE id = $1`, id)
	var c trivia.Category
	err := row.Scan(&c.ID, &c.Slug, &c.Name, &c.Code, &c.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return trivia.Category{}, trivia.E(trivia.KindNotFound, "CATEGORY_NOT_FOUND", "category not found")
	}
	if err != nil {
		return trivia.Category{}, fmt.Errorf("failed to scan category: %w", err)
	}
	return c, nil
}

func (s *PGStore) ActiveCategories(ctx context.Context) ([]trivia.Category, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, slug, name, code, active FROM categories WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	defer rows.Close()

	var out []trivia.Category
	for rows.Next() {
		var c trivia.Category
		if err := rows.Scan(&c.ID, &c.Slug, &c.Name, &c.Code, &c.Active); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PGStore) InsertForge(ctx context.Context, op trivia.ForgeOperation) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO forge_operations (id, type, stake, category_id, season_id, input_fingerprints, status, created_at)
		VALUES ($1, $2, $3, NULLIF($4, 0), NULLIF($5, ''), $6, $7, $8)`,
		op.ID, op.Type, op.Stake, op.CategoryID, op.SeasonID, op.InputFingerprints, op.Status, op.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert forge operation: %w", err)
	}
	return nil
}

func (s *PGStore) GetForge(ctx context.Context, id string) (trivia.ForgeOperation, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, type, stake, COALESCE(category_id, 0), COALESCE(season_id, ''), input_fingerprints,
			COALESCE(burn_tx_hash, ''), COALESCE(mint_tx_hash, ''), COALESCE(output_fingerprint, ''),
			status, COALESCE(error, ''), requires_operator, created_at, COALESCE(confirmed_at, 'epoch'::timestamptz)
		FROM forge_operations WHERE id = $1`, id)
	var op trivia.ForgeOperation
	err := row.Scan(&op.ID, &op.Type, &op.Stake, &op.CategoryID, &op.SeasonID, &op.InputFingerprints,
		&op.BurnTxHash, &op.MintTxHash, &op.OutputFingerprint, &op.Status, &op.Error,
		&op.RequiresOperator, &op.CreatedAt, &op.ConfirmedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return trivia.ForgeOperation{}, trivia.ErrOperationNotFound
	}
	if err != nil {
		return trivia.ForgeOperation{}, fmt.Errorf("failed to scan forge operation: %w", err)
	}
	if op.ConfirmedAt.Unix() == 0 {
		op.ConfirmedAt = time.Time{}
	}
	return op, nil
}

func (s *PGStore) MarkForgeFailed(ctx context.Context, id, errText string, requiresOperator bool) error {
	_, err := s.db.Exec(ctx, `
		UPDATE forge_operations SET status = 'failed', error = $2, requires_operator = $3
		WHERE id = $1 AND status = 'pending'`,
		id, errText, requiresOperator,
	)
	if err != nil {
		return fmt.Errorf("failed to mark forge failed: %w", err)
	}
	return nil
}

func (s *PGStore) ConfirmForge(ctx context.Context, env ForgeEnvelope, confirmedAt time.Time) error {
	return s.db.Tx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		// Inputs flip to burned; burned rows never return to confirmed.
		if _, err := tx.Exec(ctx, `
			UPDATE player_nfts SET status = 'burned', burned_at = $2
			WHERE fingerprint = ANY($1) AND status = 'confirmed'`,
			env.InputFingerprints, confirmedAt,
		); err != nil {
			return fmt.Errorf("failed to burn inputs: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO player_nfts (stake, policy_id, fingerprint, asset_name, source, category_id, season_id, tier, status, minted_at, metadata)
			VALUES ($1, $2, $3, $4, 'forge', NULLIF($5, 0), NULLIF($6, ''), $7, 'confirmed', $8, $9)
			ON CONFLICT (fingerprint) DO NOTHING`,
			env.Stake, env.PolicyID, env.OutputFingerprint, env.OutputAssetName, env.CategoryID, env.SeasonID, env.OutputTier, confirmedAt, env.Metadata,
		); err != nil {
			return fmt.Errorf("failed to insert forged asset: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE forge_operations
			SET status = 'confirmed', burn_tx_hash = $2, mint_tx_hash = $3, output_fingerprint = $4, confirmed_at = $5
			WHERE id = $1 AND status = 'pending'`,
			env.OperationID, env.BurnTxHash, env.MintTxHash, env.OutputFingerprint, confirmedAt,
		); err != nil {
			return fmt.Errorf("failed to confirm forge: %w", err)
		}
		return nil
	})
}

func (s *PGStore) OwnedAssets(ctx context.Context, fingerprints []string) ([]trivia.OwnedAsset, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, stake, policy_id, fingerprint, asset_name, source, COALESCE(category_id, 0), COALESCE(season_id, ''),
			tier, status, minted_at, COALESCE(burned_at, 'epoch'::timestamptz)
		FROM player_nfts WHERE fingerprint = ANY($1)`, fingerprints)
	if err != nil {
		return nil, fmt.Errorf("failed to load owned assets: %w", err)
	}
	defer rows.Close()
	return scanAssets(rows)
}

func (s *PGStore) ConfirmedByStake(ctx context.Context, stake string) ([]trivia.OwnedAsset, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, stake, policy_id, fingerprint, asset_name, source, COALESCE(category_id, 0), COALESCE(season_id, ''),
			tier, status, minted_at, COALESCE(burned_at, 'epoch'::timestamptz)
		FROM player_nfts WHERE stake = $1 AND status = 'confirmed'`, stake)
	if err != nil {
		return nil, fmt.Errorf("failed to load holdings: %w", err)
	}
	defer rows.Close()
	return scanAssets(rows)
}

func scanAssets(rows pgx.Rows) ([]trivia.OwnedAsset, error) {
	var out []trivia.OwnedAsset
	for rows.Next() {
		var a trivia.OwnedAsset
		if err := rows.Scan(&a.ID, &a.Stake, &a.PolicyID, &a.Fingerprint, &a.AssetName, &a.Source,
			&a.CategoryID, &a.SeasonID, &a.Tier, &a.Status, &a.MintedAt, &a.BurnedAt); err != nil {
			return nil, fmt.Errorf("failed to scan owned asset: %w", err)
		}
		if a.BurnedAt.Unix() == 0 {
			a.BurnedAt = time.Time{}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PGStore) StaleOperations(ctx context.Context, kind string, olderThan time.Time) ([]string, error) {
	table := "mints"
	if kind == "forge" {
		table = "forge_operations"
	}
	rows, err := s.db.Query(ctx,
		`SELECT id FROM `+table+` WHERE status = 'pending' AND created_at < $1`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale operations: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan operation id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
