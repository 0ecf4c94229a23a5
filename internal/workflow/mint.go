package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/trivianft/trivianft/internal/assetname"
	"github.com/trivianft/trivianft/internal/leaderboard"
	"github.com/trivianft/trivianft/internal/trivia"
)

// StockReleaser reverts a pending catalog reservation after a terminal
// failure; implemented by the eligibility ledger.
type StockReleaser interface {
	ReleaseReservation(ctx context.Context, catalogID int64) error
}

// SeasonProvider resolves the season a newly minted asset is tagged with.
type SeasonProvider interface {
	Current(ctx context.Context) (trivia.Season, error)
}

// PointsUpdater bumps the in-season minted counter after a confirmed mint;
// implemented by the leaderboard engine.
type PointsUpdater interface {
	UpdatePoints(ctx context.Context, stake, seasonID string, categoryID int64, d leaderboard.Delta) (trivia.SeasonPoints, error)
}

// MintEnvelope is the mint workflow's step-to-step state. Every field is
// JSON-persisted with the step cursor so a resumed instance picks up where
// the crash left it.
type MintEnvelope struct {
	OperationID   string          `json:"operation_id"`
	EligibilityID string          `json:"eligibility_id"`
	CatalogID     int64           `json:"catalog_id"`
	PlayerID      int64           `json:"player_id"`
	Stake         string          `json:"stake"`
	PolicyID      string          `json:"policy_id"`
	CategoryID    int64           `json:"category_id"`
	CategoryCode  string          `json:"category_code"`
	SeasonID      string          `json:"season_id"`
	DisplayName   string          `json:"display_name"`
	ArtworkKey    string          `json:"artwork_key"`
	MetadataKey   string          `json:"metadata_key"`
	ContentCID    string          `json:"content_cid"`
	Metadata      json.RawMessage `json:"metadata"`
	AssetName     string          `json:"asset_name"`
	TxPayload     []byte          `json:"tx_payload"`
	TxSigned      []byte          `json:"tx_signed"`
	TxHash        string          `json:"tx_hash"`
	Fingerprint   string          `json:"fingerprint"`
}

type MintConfig struct {
	Store   Store
	Cursors CursorStore
	Release StockReleaser
	Chain   trivia.Blockchain
	Blobs   trivia.BlobStore
	Pinner  trivia.ContentAddressing
	RNG     trivia.RNG
	Seasons SeasonProvider
	KeyRef  string

	// Optional configuration.
	Ladder           PointsUpdater
	Clock            clockwork.Clock
	MinConfirmations int
	Engine           EngineConfig
}

func (c *MintConfig) Validate() error {
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Cursors == nil {
		return errors.New("cursor store is required")
	}
	if c.Release == nil {
		return errors.New("stock releaser is required")
	}
	if c.Chain == nil {
		return errors.New("blockchain is required")
	}
	if c.Blobs == nil {
		return errors.New("blob store is required")
	}
	if c.Pinner == nil {
		return errors.New("content addressing is required")
	}
	if c.RNG == nil {
		return errors.New("rng is required")
	}
	if c.Seasons == nil {
		return errors.New("season provider is required")
	}
	if c.KeyRef == "" {
		return errors.New("signing key ref is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MinConfirmations <= 0 {
		c.MinConfirmations = 1
	}
	c.Engine.Cursors = c.Cursors
	if c.Engine.Clock == nil {
		c.Engine.Clock = c.Clock
	}
	return nil
}

// Mint is the durable mint pipeline:
// validateEligibility -> selectNFT -> uploadToContentAddress -> buildMintTx
// -> signMintTx -> submitMintTx -> waitForConfirmation -> updateDatabase.
type Mint struct {
	log    *slog.Logger
	cfg    MintConfig
	engine *Engine[MintEnvelope]
}

func NewMint(log *slog.Logger, cfg MintConfig) (*Mint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mint config: %w", err)
	}
	m := &Mint{log: log, cfg: cfg}

	engine, err := NewEngine(log, "mint", []Step[MintEnvelope]{
		{Name: "validateEligibility", Run: m.validateEligibility},
		{Name: "selectNFT", Run: m.selectNFT},
		{Name: "uploadToContentAddress", Run: m.uploadToContentAddress},
		{Name: "buildMintTx", Run: m.buildMintTx},
		{Name: "signMintTx", Run: m.signMintTx},
		{Name: "submitMintTx", Run: m.submitMintTx},
		{Name: "waitForConfirmation", Run: m.waitForConfirmation},
		{Name: "updateDatabase", Run: m.updateDatabase},
	}, cfg.Engine)
	if err != nil {
		return nil, err
	}
	m.engine = engine
	return m, nil
}

// Start dispatches a freshly consumed operation onto the worker pool.
func (m *Mint) Start(ctx context.Context, op trivia.MintOperation, item trivia.CatalogItem) {
	env := MintEnvelope{
		OperationID:   op.ID,
		EligibilityID: op.EligibilityID,
		CatalogID:     item.ID,
		PlayerID:      op.PlayerID,
		Stake:         op.Stake,
		PolicyID:      op.PolicyID,
		CategoryID:    item.CategoryID,
	}
	m.engine.Dispatch(ctx, op.ID, env, m.finish)
}

// Run executes the pipeline synchronously; used by tests and crash recovery.
func (m *Mint) Run(ctx context.Context, env MintEnvelope) error {
	final, err := m.engine.Run(ctx, env.OperationID, env)
	m.finish(ctx, final, err)
	return err
}

func (m *Mint) finish(ctx context.Context, env MintEnvelope, err error) {
	if err == nil {
		operationsFinished.WithLabelValues("mint", "confirmed").Inc()
		m.log.Info("mint confirmed", "operation", env.OperationID, "asset", env.AssetName, "tx", env.TxHash)
		if m.cfg.Ladder != nil && env.SeasonID != "" {
			if _, lerr := m.cfg.Ladder.UpdatePoints(ctx, env.Stake, env.SeasonID, env.CategoryID, leaderboard.Delta{NFTsMinted: 1}); lerr != nil {
				m.log.Error("failed to record minted nft on ladder", "operation", env.OperationID, "error", lerr)
			}
		}
		return
	}
	operationsFinished.WithLabelValues("mint", "failed").Inc()
	m.log.Error("mint failed", "operation", env.OperationID, "error", err)

	// Compensation: the operation record carries the error; the reserved
	// catalog row goes back to stock.
	if markErr := m.cfg.Store.MarkMintFailed(ctx, env.OperationID, err.Error()); markErr != nil {
		m.log.Error("failed to record mint failure", "operation", env.OperationID, "error", markErr)
	}
	if relErr := m.cfg.Release.ReleaseReservation(ctx, env.CatalogID); relErr != nil {
		m.log.Error("failed to release reservation", "operation", env.OperationID, "error", relErr)
	}
}

// Resume re-dispatches pending operations older than the threshold; called
// at startup so crashed instances pick up from their cursors.
func (m *Mint) Resume(ctx context.Context, olderThan time.Duration) error {
	cutoff := m.cfg.Clock.Now().UTC().Add(-olderThan)
	ids, err := m.cfg.Store.StaleOperations(ctx, "mint", cutoff)
	if err != nil {
		return err
	}
	for _, id := range ids {
		op, err := m.cfg.Store.GetMint(ctx, id)
		if err != nil {
			m.log.Error("failed to load stale mint", "operation", id, "error", err)
			continue
		}
		item, err := m.cfg.Store.GetCatalogItem(ctx, op.CatalogID)
		if err != nil {
			m.log.Error("failed to load stale mint catalog item", "operation", id, "error", err)
			continue
		}
		m.log.Info("resuming stale mint", "operation", id)
		m.Start(ctx, op, item)
	}
	return nil
}

func (m *Mint) Status(ctx context.Context, id string) (trivia.MintOperation, error) {
	return m.cfg.Store.GetMint(ctx, id)
}

func (m *Mint) validateEligibility(ctx context.Context, env MintEnvelope) (MintEnvelope, error) {
	op, err := m.cfg.Store.GetMint(ctx, env.OperationID)
	if err != nil {
		return env, err
	}
	if op.Status != trivia.OperationPending {
		return env, trivia.E(trivia.KindState, "OPERATION_NOT_PENDING", "mint operation is not pending")
	}
	if op.Stake == "" {
		return env, trivia.ErrStakeRequired
	}

	season, err := m.cfg.Seasons.Current(ctx)
	if err == nil {
		env.SeasonID = season.ID
	}
	return env, nil
}

func (m *Mint) selectNFT(ctx context.Context, env MintEnvelope) (MintEnvelope, error) {
	item, err := m.cfg.Store.GetCatalogItem(ctx, env.CatalogID)
	if err != nil {
		return env, err
	}
	if item.MintState != trivia.MintStatePending {
		return env, trivia.E(trivia.KindState, "STOCK_NOT_RESERVED", "catalog item is not reserved for this mint")
	}
	category, err := m.cfg.Store.GetCategory(ctx, item.CategoryID)
	if err != nil {
		return env, err
	}
	env.CategoryID = item.CategoryID
	env.CategoryCode = category.Code
	env.DisplayName = item.DisplayName
	env.ArtworkKey = item.ArtworkKey
	env.MetadataKey = item.MetadataKey
	return env, nil
}

func (m *Mint) uploadToContentAddress(ctx context.Context, env MintEnvelope) (MintEnvelope, error) {
	artwork, err := m.cfg.Blobs.Get(ctx, env.ArtworkKey)
	if err != nil {
		return env, trivia.External(true, err, "failed to read artwork blob")
	}
	cid, err := m.cfg.Pinner.Pin(ctx, artwork)
	if err != nil {
		return env, trivia.External(true, err, "failed to pin artwork")
	}
	env.ContentCID = cid

	metadata, err := m.cfg.Blobs.Get(ctx, env.MetadataKey)
	if err != nil {
		return env, trivia.External(true, err, "failed to read metadata blob")
	}
	var doc map[string]any
	if err := json.Unmarshal(metadata, &doc); err != nil {
		doc = map[string]any{}
	}
	doc["name"] = env.DisplayName
	doc["image"] = "ipfs://" + cid
	if env.SeasonID != "" {
		doc["season"] = env.SeasonID
	}
	env.Metadata, err = json.Marshal(doc)
	if err != nil {
		return env, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return env, nil
}

func (m *Mint) buildMintTx(ctx context.Context, env MintEnvelope) (MintEnvelope, error) {
	if env.AssetName == "" {
		hexID, err := assetname.GenerateHexID(m.cfg.RNG)
		if err != nil {
			return env, err
		}
		name, err := assetname.Build(trivia.TierCategory, env.CategoryCode, "", hexID)
		if err != nil {
			return env, err
		}
		env.AssetName = name
	}

	txe, err := m.cfg.Chain.BuildMintTx(ctx, env.PolicyID, env.AssetName, env.Metadata, env.Stake)
	if err != nil {
		return env, trivia.External(true, err, "failed to build mint tx")
	}
	env.TxPayload = txe.Payload
	return env, nil
}

func (m *Mint) signMintTx(ctx context.Context, env MintEnvelope) (MintEnvelope, error) {
	txe := &trivia.TxEnvelope{Payload: env.TxPayload}
	if err := m.cfg.Chain.Sign(ctx, txe, m.cfg.KeyRef); err != nil {
		return env, trivia.External(false, err, "failed to sign mint tx")
	}
	env.TxSigned = txe.Signed
	return env, nil
}

func (m *Mint) submitMintTx(ctx context.Context, env MintEnvelope) (MintEnvelope, error) {
	hash, err := m.cfg.Chain.Submit(ctx, env.TxSigned)
	if err != nil {
		return env, trivia.External(true, err, "failed to submit mint tx")
	}
	env.TxHash = hash
	return env, nil
}

func (m *Mint) waitForConfirmation(ctx context.Context, env MintEnvelope) (MintEnvelope, error) {
	confs, err := m.cfg.Chain.GetConfirmations(ctx, env.TxHash)
	if err != nil {
		return env, trivia.External(true, err, "failed to query confirmations")
	}
	if confs < m.cfg.MinConfirmations {
		return env, trivia.External(true, fmt.Errorf("%d of %d confirmations", confs, m.cfg.MinConfirmations), "mint tx not confirmed yet")
	}

	fp, err := m.cfg.Chain.GetAssetFingerprint(ctx, env.PolicyID, env.AssetName)
	if err != nil {
		return env, trivia.External(true, err, "failed to resolve asset fingerprint")
	}
	env.Fingerprint = fp
	return env, nil
}

func (m *Mint) updateDatabase(ctx context.Context, env MintEnvelope) (MintEnvelope, error) {
	if err := m.cfg.Store.ConfirmMint(ctx, env, m.cfg.Clock.Now().UTC()); err != nil {
		return env, err
	}
	return env, nil
}
