package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/trivianft/trivianft/internal/assetname"
	"github.com/trivianft/trivianft/internal/trivia"
)

const (
	categoryForgeInputs = 10
	masterForgeInputs   = 10
	seasonInputsPerCat  = 2
)

// SeasonDirectory resolves seasons for season-scoped forging, including
// just-ended seasons inside their grace window.
type SeasonDirectory interface {
	Current(ctx context.Context) (trivia.Season, error)
	Get(ctx context.Context, id string) (trivia.Season, error)
}

// ForgeEnvelope is the forge workflow's persisted state. BurnConfirmed marks
// the point past which failure requires operator resolution: the inputs are
// gone on-chain and cannot be unburned.
type ForgeEnvelope struct {
	OperationID       string           `json:"operation_id"`
	Type              trivia.ForgeType `json:"type"`
	Stake             string           `json:"stake"`
	PolicyID          string           `json:"policy_id"`
	CategoryID        int64            `json:"category_id"`
	CategoryCode      string           `json:"category_code"`
	SeasonID          string           `json:"season_id"`
	InputFingerprints []string         `json:"input_fingerprints"`
	InputAssetNames   []string         `json:"input_asset_names"`
	Metadata          json.RawMessage  `json:"metadata"`
	BurnTxPayload     []byte           `json:"burn_tx_payload"`
	BurnTxSigned      []byte           `json:"burn_tx_signed"`
	BurnTxHash        string           `json:"burn_tx_hash"`
	BurnConfirmed     bool             `json:"burn_confirmed"`
	MintTxPayload     []byte           `json:"mint_tx_payload"`
	MintTxSigned      []byte           `json:"mint_tx_signed"`
	MintTxHash        string           `json:"mint_tx_hash"`
	OutputTier        trivia.Tier      `json:"output_tier"`
	OutputAssetName   string           `json:"output_asset_name"`
	OutputFingerprint string           `json:"output_fingerprint"`
}

type ForgeConfig struct {
	Store    Store
	Cursors  CursorStore
	Chain    trivia.Blockchain
	RNG      trivia.RNG
	Seasons  SeasonDirectory
	KeyRef   string
	PolicyID string

	// Optional configuration.
	Clock            clockwork.Clock
	MinConfirmations int
	Engine           EngineConfig
}

func (c *ForgeConfig) Validate() error {
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Cursors == nil {
		return errors.New("cursor store is required")
	}
	if c.Chain == nil {
		return errors.New("blockchain is required")
	}
	if c.RNG == nil {
		return errors.New("rng is required")
	}
	if c.Seasons == nil {
		return errors.New("season directory is required")
	}
	if c.KeyRef == "" {
		return errors.New("signing key ref is required")
	}
	if c.PolicyID == "" {
		return errors.New("policy id is required")
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

// Forge is the durable burn-then-mint pipeline:
// validateOwnership -> buildBurnTx -> signBurnTx -> submitBurnTx ->
// waitForBurnConfirmation -> buildMintUltimateTx -> signMintTx ->
// submitMintTx -> waitForMintConfirmation -> updateForgeRecord.
type Forge struct {
	log    *slog.Logger
	cfg    ForgeConfig
	engine *Engine[ForgeEnvelope]
}

func NewForge(log *slog.Logger, cfg ForgeConfig) (*Forge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid forge config: %w", err)
	}
	f := &Forge{log: log, cfg: cfg}

	engine, err := NewEngine(log, "forge", []Step[ForgeEnvelope]{
		{Name: "validateOwnership", Run: f.validateOwnership},
		{Name: "buildBurnTx", Run: f.buildBurnTx},
		{Name: "signBurnTx", Run: f.signBurnTx},
		{Name: "submitBurnTx", Run: f.submitBurnTx},
		{Name: "waitForBurnConfirmation", Run: f.waitForBurnConfirmation},
		{Name: "buildMintUltimateTx", Run: f.buildMintUltimateTx},
		{Name: "signMintTx", Run: f.signMintTx},
		{Name: "submitMintTx", Run: f.submitMintTx},
		{Name: "waitForMintConfirmation", Run: f.waitForMintConfirmation},
		{Name: "updateForgeRecord", Run: f.updateForgeRecord},
	}, cfg.Engine)
	if err != nil {
		return nil, err
	}
	f.engine = engine
	return f, nil
}

type ForgeRequest struct {
	Type         trivia.ForgeType
	Stake        string
	CategoryID   int64
	SeasonID     string
	Fingerprints []string
}

// StartForge validates the input set synchronously, records the pending
// operation, and dispatches the pipeline. Shape violations surface to the
// caller before anything is persisted.
func (f *Forge) StartForge(ctx context.Context, req ForgeRequest) (trivia.ForgeOperation, error) {
	if req.Stake == "" {
		return trivia.ForgeOperation{}, trivia.ErrStakeRequired
	}

	env := ForgeEnvelope{
		OperationID:       uuid.NewString(),
		Type:              req.Type,
		Stake:             req.Stake,
		PolicyID:          f.cfg.PolicyID,
		CategoryID:        req.CategoryID,
		SeasonID:          req.SeasonID,
		InputFingerprints: req.Fingerprints,
	}
	env, err := f.validateOwnership(ctx, env)
	if err != nil {
		return trivia.ForgeOperation{}, err
	}

	op := trivia.ForgeOperation{
		ID:                env.OperationID,
		Type:              req.Type,
		Stake:             req.Stake,
		CategoryID:        req.CategoryID,
		SeasonID:          req.SeasonID,
		InputFingerprints: req.Fingerprints,
		Status:            trivia.OperationPending,
		CreatedAt:         f.cfg.Clock.Now().UTC(),
	}
	if err := f.cfg.Store.InsertForge(ctx, op); err != nil {
		return trivia.ForgeOperation{}, err
	}

	f.engine.Dispatch(ctx, op.ID, env, f.finish)
	return op, nil
}

// Run executes the pipeline synchronously; used by tests and crash recovery.
func (f *Forge) Run(ctx context.Context, env ForgeEnvelope) error {
	final, err := f.engine.Run(ctx, env.OperationID, env)
	f.finish(ctx, final, err)
	return err
}

func (f *Forge) finish(ctx context.Context, env ForgeEnvelope, err error) {
	if err == nil {
		operationsFinished.WithLabelValues("forge", "confirmed").Inc()
		f.log.Info("forge confirmed", "operation", env.OperationID, "output", env.OutputAssetName)
		return
	}
	operationsFinished.WithLabelValues("forge", "failed").Inc()

	// Burned inputs cannot be unburned: a post-burn failure is flagged for
	// operator tooling instead of automatic compensation.
	requiresOperator := env.BurnConfirmed
	f.log.Error("forge failed", "operation", env.OperationID, "requiresOperator", requiresOperator, "error", err)
	if markErr := f.cfg.Store.MarkForgeFailed(ctx, env.OperationID, err.Error(), requiresOperator); markErr != nil {
		f.log.Error("failed to record forge failure", "operation", env.OperationID, "error", markErr)
	}
}

// Resume re-dispatches pending operations older than the threshold.
func (f *Forge) Resume(ctx context.Context, olderThan time.Duration) error {
	cutoff := f.cfg.Clock.Now().UTC().Add(-olderThan)
	ids, err := f.cfg.Store.StaleOperations(ctx, "forge", cutoff)
	if err != nil {
		return err
	}
	for _, id := range ids {
		op, err := f.cfg.Store.GetForge(ctx, id)
		if err != nil {
			f.log.Error("failed to load stale forge", "operation", id, "error", err)
			continue
		}
		env := ForgeEnvelope{
			OperationID:       op.ID,
			Type:              op.Type,
			Stake:             op.Stake,
			PolicyID:          f.cfg.PolicyID,
			CategoryID:        op.CategoryID,
			SeasonID:          op.SeasonID,
			InputFingerprints: op.InputFingerprints,
		}
		f.log.Info("resuming stale forge", "operation", id)
		f.engine.Dispatch(ctx, op.ID, env, f.finish)
	}
	return nil
}

func (f *Forge) Status(ctx context.Context, id string) (trivia.ForgeOperation, error) {
	return f.cfg.Store.GetForge(ctx, id)
}

func (f *Forge) validateOwnership(ctx context.Context, env ForgeEnvelope) (ForgeEnvelope, error) {
	if len(env.InputFingerprints) == 0 {
		return env, fmt.Errorf("%w: no inputs", trivia.ErrInvalidForgeSet)
	}
	unique := make(map[string]struct{}, len(env.InputFingerprints))
	for _, fp := range env.InputFingerprints {
		if _, dup := unique[fp]; dup {
			return env, fmt.Errorf("%w: duplicate fingerprint %s", trivia.ErrInvalidForgeSet, fp)
		}
		unique[fp] = struct{}{}
	}

	assets, err := f.cfg.Store.OwnedAssets(ctx, env.InputFingerprints)
	if err != nil {
		return env, err
	}
	if len(assets) != len(env.InputFingerprints) {
		return env, fmt.Errorf("%w: %d of %d inputs unknown", trivia.ErrInvalidForgeSet, len(env.InputFingerprints)-len(assets), len(env.InputFingerprints))
	}

	byCategory := make(map[int64]int)
	env.InputAssetNames = env.InputAssetNames[:0]
	for _, a := range assets {
		if a.Stake != env.Stake {
			return env, fmt.Errorf("%w: %s", trivia.ErrNotOwner, a.Fingerprint)
		}
		if a.Status != trivia.AssetConfirmed {
			return env, fmt.Errorf("%w: %s is %s", trivia.ErrInvalidForgeSet, a.Fingerprint, a.Status)
		}
		if a.Tier != trivia.TierCategory {
			return env, fmt.Errorf("%w: %s is tier %s", trivia.ErrInvalidForgeSet, a.Fingerprint, a.Tier)
		}
		byCategory[a.CategoryID]++
		env.InputAssetNames = append(env.InputAssetNames, a.AssetName)
	}

	switch env.Type {
	case trivia.ForgeCategory:
		if len(assets) != categoryForgeInputs {
			return env, fmt.Errorf("%w: need exactly %d inputs, got %d", trivia.ErrInvalidForgeSet, categoryForgeInputs, len(assets))
		}
		if len(byCategory) != 1 || byCategory[env.CategoryID] != categoryForgeInputs {
			return env, fmt.Errorf("%w: inputs must all belong to the forged category", trivia.ErrInvalidForgeSet)
		}
		category, err := f.cfg.Store.GetCategory(ctx, env.CategoryID)
		if err != nil {
			return env, err
		}
		env.CategoryCode = category.Code
		env.OutputTier = trivia.TierCategoryUltimate

	case trivia.ForgeMaster:
		if len(assets) != masterForgeInputs {
			return env, fmt.Errorf("%w: need exactly %d inputs, got %d", trivia.ErrInvalidForgeSet, masterForgeInputs, len(assets))
		}
		if len(byCategory) != masterForgeInputs {
			return env, fmt.Errorf("%w: inputs must span %d distinct categories", trivia.ErrInvalidForgeSet, masterForgeInputs)
		}
		env.OutputTier = trivia.TierMasterUltimate

	case trivia.ForgeSeason:
		season, err := f.cfg.Seasons.Get(ctx, env.SeasonID)
		if err != nil {
			return env, err
		}
		if f.cfg.Clock.Now().After(season.GraceEndsAt()) {
			return env, fmt.Errorf("%w: season %s grace period is over", trivia.ErrInvalidForgeSet, season.ID)
		}
		active, err := f.cfg.Store.ActiveCategories(ctx)
		if err != nil {
			return env, err
		}
		if len(assets) != seasonInputsPerCat*len(active) {
			return env, fmt.Errorf("%w: need %d inputs (2 per active category), got %d", trivia.ErrInvalidForgeSet, seasonInputsPerCat*len(active), len(assets))
		}
		for _, c := range active {
			if byCategory[c.ID] != seasonInputsPerCat {
				return env, fmt.Errorf("%w: category %s must contribute exactly %d inputs", trivia.ErrInvalidForgeSet, c.Slug, seasonInputsPerCat)
			}
		}
		for _, a := range assets {
			if a.SeasonID != env.SeasonID {
				return env, fmt.Errorf("%w: %s is not tagged for season %s", trivia.ErrInvalidForgeSet, a.Fingerprint, env.SeasonID)
			}
		}
		env.OutputTier = trivia.TierSeasonalUltimate

	default:
		return env, fmt.Errorf("%w: unknown forge type %q", trivia.ErrInvalidForgeSet, env.Type)
	}
	return env, nil
}

func (f *Forge) buildBurnTx(ctx context.Context, env ForgeEnvelope) (ForgeEnvelope, error) {
	txe, err := f.cfg.Chain.BuildBurnTx(ctx, env.PolicyID, env.InputAssetNames, env.Stake)
	if err != nil {
		return env, trivia.External(true, err, "failed to build burn tx")
	}
	env.BurnTxPayload = txe.Payload
	return env, nil
}

func (f *Forge) signBurnTx(ctx context.Context, env ForgeEnvelope) (ForgeEnvelope, error) {
	txe := &trivia.TxEnvelope{Payload: env.BurnTxPayload}
	if err := f.cfg.Chain.Sign(ctx, txe, f.cfg.KeyRef); err != nil {
		return env, trivia.External(false, err, "failed to sign burn tx")
	}
	env.BurnTxSigned = txe.Signed
	return env, nil
}

func (f *Forge) submitBurnTx(ctx context.Context, env ForgeEnvelope) (ForgeEnvelope, error) {
	hash, err := f.cfg.Chain.Submit(ctx, env.BurnTxSigned)
	if err != nil {
		return env, trivia.External(true, err, "failed to submit burn tx")
	}
	env.BurnTxHash = hash
	return env, nil
}

func (f *Forge) waitForBurnConfirmation(ctx context.Context, env ForgeEnvelope) (ForgeEnvelope, error) {
	confs, err := f.cfg.Chain.GetConfirmations(ctx, env.BurnTxHash)
	if err != nil {
		return env, trivia.External(true, err, "failed to query burn confirmations")
	}
	if confs < f.cfg.MinConfirmations {
		return env, trivia.External(true, fmt.Errorf("%d of %d confirmations", confs, f.cfg.MinConfirmations), "burn tx not confirmed yet")
	}
	env.BurnConfirmed = true
	return env, nil
}

func (f *Forge) buildMintUltimateTx(ctx context.Context, env ForgeEnvelope) (ForgeEnvelope, error) {
	if env.OutputAssetName == "" {
		hexID, err := assetname.GenerateHexID(f.cfg.RNG)
		if err != nil {
			return env, err
		}
		var seasonCode string
		if env.OutputTier == trivia.TierSeasonalUltimate {
			seasonCode, err = assetname.SeasonCodeForID(env.SeasonID)
			if err != nil {
				return env, err
			}
		}
		name, err := assetname.Build(env.OutputTier, env.CategoryCode, seasonCode, hexID)
		if err != nil {
			return env, err
		}
		env.OutputAssetName = name
	}
	if env.Metadata == nil {
		doc := map[string]any{
			"name":   env.OutputAssetName,
			"forged": env.InputAssetNames,
			"tier":   string(env.OutputTier),
		}
		b, err := json.Marshal(doc)
		if err != nil {
			return env, fmt.Errorf("failed to encode metadata: %w", err)
		}
		env.Metadata = b
	}

	txe, err := f.cfg.Chain.BuildMintTx(ctx, env.PolicyID, env.OutputAssetName, env.Metadata, env.Stake)
	if err != nil {
		return env, trivia.External(true, err, "failed to build ultimate mint tx")
	}
	env.MintTxPayload = txe.Payload
	return env, nil
}

func (f *Forge) signMintTx(ctx context.Context, env ForgeEnvelope) (ForgeEnvelope, error) {
	txe := &trivia.TxEnvelope{Payload: env.MintTxPayload}
	if err := f.cfg.Chain.Sign(ctx, txe, f.cfg.KeyRef); err != nil {
		return env, trivia.External(false, err, "failed to sign ultimate mint tx")
	}
	env.MintTxSigned = txe.Signed
	return env, nil
}

func (f *Forge) submitMintTx(ctx context.Context, env ForgeEnvelope) (ForgeEnvelope, error) {
	hash, err := f.cfg.Chain.Submit(ctx, env.MintTxSigned)
	if err != nil {
		return env, trivia.External(true, err, "failed to submit ultimate mint tx")
	}
	env.MintTxHash = hash
	return env, nil
}

func (f *Forge) waitForMintConfirmation(ctx context.Context, env ForgeEnvelope) (ForgeEnvelope, error) {
	confs, err := f.cfg.Chain.GetConfirmations(ctx, env.MintTxHash)
	if err != nil {
		return env, trivia.External(true, err, "failed to query mint confirmations")
	}
	if confs < f.cfg.MinConfirmations {
		return env, trivia.External(true, fmt.Errorf("%d of %d confirmations", confs, f.cfg.MinConfirmations), "ultimate mint tx not confirmed yet")
	}
	fp, err := f.cfg.Chain.GetAssetFingerprint(ctx, env.PolicyID, env.OutputAssetName)
	if err != nil {
		return env, trivia.External(true, err, "failed to resolve output fingerprint")
	}
	env.OutputFingerprint = fp
	return env, nil
}

func (f *Forge) updateForgeRecord(ctx context.Context, env ForgeEnvelope) (ForgeEnvelope, error) {
	if err := f.cfg.Store.ConfirmForge(ctx, env, f.cfg.Clock.Now().UTC()); err != nil {
		return env, err
	}
	return env, nil
}

// ForgeProgress summarizes a stake's readiness toward the three forge types.
type ForgeProgress struct {
	Category []CategoryProgress `json:"category"`
	Master   MasterProgress     `json:"master"`
	Season   SeasonProgress     `json:"season"`
}

type CategoryProgress struct {
	CategoryID int64  `json:"categoryId"`
	Slug       string `json:"slug"`
	Owned      int    `json:"owned"`
	Required   int    `json:"required"`
	Ready      bool   `json:"ready"`
}

type MasterProgress struct {
	CategoriesCovered int  `json:"categoriesCovered"`
	Required          int  `json:"required"`
	Ready             bool `json:"ready"`
}

type SeasonProgress struct {
	SeasonID   string `json:"seasonId"`
	Satisfied  int    `json:"satisfied"`
	Categories int    `json:"categories"`
	Ready      bool   `json:"ready"`
}

func (f *Forge) Progress(ctx context.Context, stake string) (ForgeProgress, error) {
	assets, err := f.cfg.Store.ConfirmedByStake(ctx, stake)
	if err != nil {
		return ForgeProgress{}, err
	}
	active, err := f.cfg.Store.ActiveCategories(ctx)
	if err != nil {
		return ForgeProgress{}, err
	}

	var seasonID string
	if season, err := f.cfg.Seasons.Current(ctx); err == nil {
		seasonID = season.ID
	}

	byCategory := make(map[int64]int)
	seasonByCategory := make(map[int64]int)
	for _, a := range assets {
		if a.Tier != trivia.TierCategory {
			continue
		}
		byCategory[a.CategoryID]++
		if seasonID != "" && a.SeasonID == seasonID {
			seasonByCategory[a.CategoryID]++
		}
	}

	var out ForgeProgress
	covered := 0
	seasonSatisfied := 0
	for _, c := range active {
		owned := byCategory[c.ID]
		out.Category = append(out.Category, CategoryProgress{
			CategoryID: c.ID,
			Slug:       c.Slug,
			Owned:      owned,
			Required:   categoryForgeInputs,
			Ready:      owned >= categoryForgeInputs,
		})
		if owned > 0 {
			covered++
		}
		if seasonByCategory[c.ID] >= seasonInputsPerCat {
			seasonSatisfied++
		}
	}
	out.Master = MasterProgress{
		CategoriesCovered: covered,
		Required:          masterForgeInputs,
		Ready:             covered >= masterForgeInputs,
	}
	out.Season = SeasonProgress{
		SeasonID:   seasonID,
		Satisfied:  seasonSatisfied,
		Categories: len(active),
		Ready:      len(active) > 0 && seasonSatisfied == len(active),
	}
	return out, nil
}
