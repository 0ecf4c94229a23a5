package pgstore

import (
	"context"
	"fmt"
)

// Bootstrap creates the tables and indexes the core requires. Statements are
// idempotent so every binary can run this at startup.
func (s *Store) Bootstrap(ctx context.Context) error {
	s.log.Info("bootstrapping postgres schema")
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS players (
		id BIGSERIAL PRIMARY KEY,
		stake TEXT UNIQUE,
		anon_id TEXT UNIQUE,
		username TEXT UNIQUE,
		email TEXT,
		payment_address TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CHECK ((stake IS NOT NULL) <> (anon_id IS NOT NULL))
	)`,

	`CREATE TABLE IF NOT EXISTS categories (
		id BIGSERIAL PRIMARY KEY,
		slug TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		code TEXT NOT NULL UNIQUE CHECK (code ~ '^[A-Z]{3,5}$'),
		active BOOLEAN NOT NULL DEFAULT TRUE
	)`,

	`CREATE TABLE IF NOT EXISTS questions (
		id BIGSERIAL PRIMARY KEY,
		category_id BIGINT NOT NULL REFERENCES categories(id),
		text TEXT NOT NULL,
		options TEXT[] NOT NULL CHECK (array_length(options, 1) = 4),
		correct_index INT NOT NULL CHECK (correct_index BETWEEN 0 AND 3),
		explanation TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		hash TEXT NOT NULL UNIQUE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_questions_category ON questions (category_id)`,

	`CREATE TABLE IF NOT EXISTS question_flags (
		id BIGSERIAL PRIMARY KEY,
		question_id BIGINT NOT NULL REFERENCES questions(id),
		player_id BIGINT NOT NULL REFERENCES players(id),
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS seasons (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		starts_at TIMESTAMPTZ NOT NULL,
		ends_at TIMESTAMPTZ NOT NULL,
		grace_days INT NOT NULL DEFAULT 7,
		active BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_seasons_single_active ON seasons (active) WHERE active`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id UUID PRIMARY KEY,
		player_id BIGINT NOT NULL REFERENCES players(id),
		stake TEXT,
		anon_id TEXT,
		category_id BIGINT NOT NULL REFERENCES categories(id),
		status TEXT NOT NULL DEFAULT 'active'
			CHECK (status IN ('active', 'won', 'lost', 'forfeit')),
		current_index INT NOT NULL DEFAULT 0 CHECK (current_index BETWEEN 0 AND 10),
		score INT NOT NULL DEFAULT 0 CHECK (score BETWEEN 0 AND 10),
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		total_ms BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_player ON sessions (player_id, started_at DESC)`,

	`CREATE TABLE IF NOT EXISTS session_questions (
		session_id UUID NOT NULL REFERENCES sessions(id),
		idx INT NOT NULL CHECK (idx BETWEEN 0 AND 9),
		question_id BIGINT NOT NULL REFERENCES questions(id),
		text TEXT NOT NULL,
		options TEXT[] NOT NULL CHECK (array_length(options, 1) = 4),
		correct_index INT NOT NULL CHECK (correct_index BETWEEN 0 AND 3),
		explanation TEXT NOT NULL DEFAULT '',
		served_at TIMESTAMPTZ NOT NULL,
		answered_index INT,
		answer_time_ms BIGINT,
		PRIMARY KEY (session_id, idx)
	)`,

	`CREATE TABLE IF NOT EXISTS eligibilities (
		id UUID PRIMARY KEY,
		type TEXT NOT NULL CHECK (type IN ('category', 'master', 'season')),
		player_id BIGINT NOT NULL REFERENCES players(id),
		category_id BIGINT REFERENCES categories(id),
		season_id TEXT REFERENCES seasons(id),
		session_id UUID UNIQUE REFERENCES sessions(id),
		status TEXT NOT NULL DEFAULT 'active'
			CHECK (status IN ('active', 'used', 'expired')),
		issued_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_eligibilities_player_status ON eligibilities (player_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_eligibilities_expiry ON eligibilities (status, expires_at)`,

	`CREATE TABLE IF NOT EXISTS nft_catalog (
		id BIGSERIAL PRIMARY KEY,
		category_id BIGINT NOT NULL REFERENCES categories(id),
		display_name TEXT NOT NULL,
		artwork_key TEXT NOT NULL,
		metadata_key TEXT NOT NULL,
		content_cid TEXT NOT NULL DEFAULT '',
		mint_state TEXT NOT NULL DEFAULT 'available'
			CHECK (mint_state IN ('available', 'pending', 'minted')),
		tier TEXT NOT NULL DEFAULT 'category'
			CHECK (tier IN ('category', 'category_ultimate', 'master_ultimate', 'seasonal_ultimate'))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_nft_catalog_stock ON nft_catalog (category_id, mint_state)`,

	`CREATE TABLE IF NOT EXISTS mints (
		id UUID PRIMARY KEY,
		eligibility_id UUID NOT NULL REFERENCES eligibilities(id),
		catalog_id BIGINT NOT NULL REFERENCES nft_catalog(id),
		player_id BIGINT NOT NULL REFERENCES players(id),
		stake TEXT NOT NULL,
		policy_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'confirmed', 'failed')),
		tx_hash TEXT,
		error TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		confirmed_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_mints_one_per_eligibility
		ON mints (eligibility_id) WHERE status <> 'failed'`,

	`CREATE TABLE IF NOT EXISTS player_nfts (
		id BIGSERIAL PRIMARY KEY,
		stake TEXT NOT NULL,
		policy_id TEXT NOT NULL,
		fingerprint TEXT NOT NULL UNIQUE,
		asset_name TEXT NOT NULL,
		source TEXT NOT NULL CHECK (source IN ('mint', 'forge')),
		category_id BIGINT REFERENCES categories(id),
		season_id TEXT REFERENCES seasons(id),
		tier TEXT NOT NULL
			CHECK (tier IN ('category', 'category_ultimate', 'master_ultimate', 'seasonal_ultimate')),
		status TEXT NOT NULL DEFAULT 'confirmed'
			CHECK (status IN ('confirmed', 'burned')),
		minted_at TIMESTAMPTZ NOT NULL,
		burned_at TIMESTAMPTZ,
		metadata JSONB NOT NULL DEFAULT '{}',
		CHECK (status <> 'burned' OR burned_at IS NOT NULL)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_player_nfts_stake ON player_nfts (stake, status)`,

	`CREATE TABLE IF NOT EXISTS forge_operations (
		id UUID PRIMARY KEY,
		type TEXT NOT NULL CHECK (type IN ('category', 'master', 'season')),
		stake TEXT NOT NULL,
		category_id BIGINT REFERENCES categories(id),
		season_id TEXT REFERENCES seasons(id),
		input_fingerprints TEXT[] NOT NULL,
		burn_tx_hash TEXT,
		mint_tx_hash TEXT,
		output_fingerprint TEXT,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'confirmed', 'failed')),
		error TEXT,
		requires_operator BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		confirmed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_forge_operations_stake ON forge_operations (stake, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS season_points (
		season_id TEXT NOT NULL REFERENCES seasons(id),
		stake TEXT NOT NULL,
		points BIGINT NOT NULL DEFAULT 0,
		perfect_scores BIGINT NOT NULL DEFAULT 0,
		nfts_minted BIGINT NOT NULL DEFAULT 0,
		avg_answer_ms BIGINT NOT NULL DEFAULT 0,
		sessions_used BIGINT NOT NULL DEFAULT 0,
		first_achieved_at TIMESTAMPTZ,
		PRIMARY KEY (season_id, stake)
	)`,

	`CREATE TABLE IF NOT EXISTS leaderboard_snapshots (
		season_id TEXT NOT NULL REFERENCES seasons(id),
		snapshot_date DATE NOT NULL,
		stake TEXT NOT NULL,
		rank BIGINT NOT NULL,
		points BIGINT NOT NULL,
		nfts_minted BIGINT NOT NULL,
		perfect_scores BIGINT NOT NULL,
		avg_answer_ms BIGINT NOT NULL,
		sessions_used BIGINT NOT NULL,
		PRIMARY KEY (season_id, snapshot_date, stake)
	)`,

	`CREATE TABLE IF NOT EXISTS workflow_cursors (
		operation_id UUID NOT NULL,
		step TEXT NOT NULL,
		envelope JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (operation_id, step)
	)`,
}
