package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"github.com/trivianft/trivianft/internal/trivia"
)

func fastEngine() EngineConfig {
	return EngineConfig{
		RetryInitial: time.Millisecond,
		RetryCap:     5 * time.Millisecond,
		MaxAttempts:  5,
	}
}

type fakeWFStore struct {
	mu         sync.Mutex
	mints      map[string]*trivia.MintOperation
	forges     map[string]*trivia.ForgeOperation
	catalog    map[int64]*trivia.CatalogItem
	categories map[int64]trivia.Category
	assets     map[string]*trivia.OwnedAsset
}

var _ Store = (*fakeWFStore)(nil)

func newFakeWFStore() *fakeWFStore {
	return &fakeWFStore{
		mints:      make(map[string]*trivia.MintOperation),
		forges:     make(map[string]*trivia.ForgeOperation),
		catalog:    make(map[int64]*trivia.CatalogItem),
		categories: make(map[int64]trivia.Category),
		assets:     make(map[string]*trivia.OwnedAsset),
	}
}

func (f *fakeWFStore) GetMint(_ context.Context, id string) (trivia.MintOperation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	op, ok := f.mints[id]
	if !ok {
		return trivia.MintOperation{}, trivia.ErrOperationNotFound
	}
	return *op, nil
}

func (f *fakeWFStore) MarkMintFailed(_ context.Context, id, errText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if op, ok := f.mints[id]; ok && op.Status == trivia.OperationPending {
		op.Status = trivia.OperationFailed
		op.Error = errText
	}
	return nil
}

func (f *fakeWFStore) ConfirmMint(_ context.Context, env MintEnvelope, confirmedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item, ok := f.catalog[env.CatalogID]; ok {
		item.MintState = trivia.MintStateMinted
		item.ContentCID = env.ContentCID
	}
	f.assets[env.Fingerprint] = &trivia.OwnedAsset{
		Stake:       env.Stake,
		PolicyID:    env.PolicyID,
		Fingerprint: env.Fingerprint,
		AssetName:   env.AssetName,
		Source:      trivia.AssetSourceMint,
		CategoryID:  env.CategoryID,
		SeasonID:    env.SeasonID,
		Tier:        trivia.TierCategory,
		Status:      trivia.AssetConfirmed,
		MintedAt:    confirmedAt,
	}
	if op, ok := f.mints[env.OperationID]; ok && op.Status == trivia.OperationPending {
		op.Status = trivia.OperationConfirmed
		op.TxHash = env.TxHash
		op.ConfirmedAt = confirmedAt
	}
	return nil
}

func (f *fakeWFStore) GetCatalogItem(_ context.Context, id int64) (trivia.CatalogItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.catalog[id]
	if !ok {
		return trivia.CatalogItem{}, trivia.E(trivia.KindNotFound, "CATALOG_ITEM_NOT_FOUND", "catalog item not found")
	}
	return *item, nil
}

func (f *fakeWFStore) GetCategory(_ context.Context, id int64) (trivia.Category, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.categories[id]
	if !ok {
		return trivia.Category{}, trivia.E(trivia.KindNotFound, "CATEGORY_NOT_FOUND", "category not found")
	}
	return c, nil
}

func (f *fakeWFStore) ActiveCategories(_ context.Context) ([]trivia.Category, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []trivia.Category
	for _, c := range f.categories {
		if c.Active {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeWFStore) InsertForge(_ context.Context, op trivia.ForgeOperation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := op
	f.forges[op.ID] = &cp
	return nil
}

func (f *fakeWFStore) GetForge(_ context.Context, id string) (trivia.ForgeOperation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	op, ok := f.forges[id]
	if !ok {
		return trivia.ForgeOperation{}, trivia.ErrOperationNotFound
	}
	return *op, nil
}

func (f *fakeWFStore) MarkForgeFailed(_ context.Context, id, errText string, requiresOperator bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if op, ok := f.forges[id]; ok && op.Status == trivia.OperationPending {
		op.Status = trivia.OperationFailed
		op.Error = errText
		op.RequiresOperator = requiresOperator
	}
	return nil
}

func (f *fakeWFStore) ConfirmForge(_ context.Context, env ForgeEnvelope, confirmedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fp := range env.InputFingerprints {
		if a, ok := f.assets[fp]; ok && a.Status == trivia.AssetConfirmed {
			a.Status = trivia.AssetBurned
			a.BurnedAt = confirmedAt
		}
	}
	f.assets[env.OutputFingerprint] = &trivia.OwnedAsset{
		Stake:       env.Stake,
		PolicyID:    env.PolicyID,
		Fingerprint: env.OutputFingerprint,
		AssetName:   env.OutputAssetName,
		Source:      trivia.AssetSourceForge,
		CategoryID:  env.CategoryID,
		SeasonID:    env.SeasonID,
		Tier:        env.OutputTier,
		Status:      trivia.AssetConfirmed,
		MintedAt:    confirmedAt,
	}
	if op, ok := f.forges[env.OperationID]; ok && op.Status == trivia.OperationPending {
		op.Status = trivia.OperationConfirmed
		op.BurnTxHash = env.BurnTxHash
		op.MintTxHash = env.MintTxHash
		op.OutputFingerprint = env.OutputFingerprint
		op.ConfirmedAt = confirmedAt
	}
	return nil
}

func (f *fakeWFStore) OwnedAssets(_ context.Context, fingerprints []string) ([]trivia.OwnedAsset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []trivia.OwnedAsset
	for _, fp := range fingerprints {
		if a, ok := f.assets[fp]; ok {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeWFStore) ConfirmedByStake(_ context.Context, stake string) ([]trivia.OwnedAsset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []trivia.OwnedAsset
	for _, a := range f.assets {
		if a.Stake == stake && a.Status == trivia.AssetConfirmed {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeWFStore) StaleOperations(_ context.Context, kind string, olderThan time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	if kind == "mint" {
		for id, op := range f.mints {
			if op.Status == trivia.OperationPending && op.CreatedAt.Before(olderThan) {
				out = append(out, id)
			}
		}
	} else {
		for id, op := range f.forges {
			if op.Status == trivia.OperationPending && op.CreatedAt.Before(olderThan) {
				out = append(out, id)
			}
		}
	}
	return out, nil
}

type fakeChain struct {
	mu            sync.Mutex
	confirmations map[string]int
	submitted     [][]byte
	SubmitErr     error
	BuildErr      error
}

func newFakeChain() *fakeChain {
	return &fakeChain{confirmations: make(map[string]int)}
}

func (c *fakeChain) BuildMintTx(_ context.Context, policyID, assetName string, metadata []byte, stake string) (*trivia.TxEnvelope, error) {
	if c.BuildErr != nil {
		return nil, c.BuildErr
	}
	return &trivia.TxEnvelope{Payload: []byte("mint:" + assetName)}, nil
}

func (c *fakeChain) BuildBurnTx(_ context.Context, policyID string, assetNames []string, stake string) (*trivia.TxEnvelope, error) {
	if c.BuildErr != nil {
		return nil, c.BuildErr
	}
	return &trivia.TxEnvelope{Payload: []byte(fmt.Sprintf("burn:%d", len(assetNames)))}, nil
}

func (c *fakeChain) Sign(_ context.Context, env *trivia.TxEnvelope, keyRef string) error {
	env.Signed = append([]byte("signed:"), env.Payload...)
	return nil
}

func (c *fakeChain) Submit(_ context.Context, signed []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SubmitErr != nil {
		return "", c.SubmitErr
	}
	c.submitted = append(c.submitted, signed)
	hash := fmt.Sprintf("tx%d", len(c.submitted))
	c.confirmations[hash] = 1
	return hash, nil
}

func (c *fakeChain) GetConfirmations(_ context.Context, txHash string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confirmations[txHash], nil
}

func (c *fakeChain) GetAssetFingerprint(_ context.Context, policyID, assetName string) (string, error) {
	return "asset1" + assetName, nil
}

type fakeBlobs struct{}

func (fakeBlobs) Get(_ context.Context, key string) ([]byte, error) {
	if key == "meta" {
		return []byte(`{"description":"d"}`), nil
	}
	return []byte("artwork-bytes"), nil
}
func (fakeBlobs) Put(context.Context, string, []byte) error { return nil }

type fakePinner struct{}

func (fakePinner) Pin(_ context.Context, data []byte) (string, error) {
	return fmt.Sprintf("bafy%d", len(data)), nil
}

type fakeReleaser struct {
	mu       sync.Mutex
	released []int64
}

func (f *fakeReleaser) ReleaseReservation(_ context.Context, catalogID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, catalogID)
	return nil
}

type fakeSeasonDir struct{ season trivia.Season }

func (f fakeSeasonDir) Current(context.Context) (trivia.Season, error) { return f.season, nil }
func (f fakeSeasonDir) Get(_ context.Context, id string) (trivia.Season, error) {
	if id != f.season.ID {
		return trivia.Season{}, trivia.ErrSeasonNotFound
	}
	return f.season, nil
}

func TestWorkflow_Engine_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	attempts := 0
	eng, err := NewEngine(slog.Default(), "test", []Step[int]{
		{Name: "flaky", Run: func(_ context.Context, v int) (int, error) {
			attempts++
			if attempts < 3 {
				return v, trivia.External(true, errors.New("blip"), "transient")
			}
			return v + 1, nil
		}},
	}, EngineConfig{Cursors: NewMemoryCursorStore(), RetryInitial: time.Millisecond, RetryCap: 2 * time.Millisecond, MaxAttempts: 5})
	require.NoError(t, err)

	out, err := eng.Run(context.Background(), "op1", 41)
	require.NoError(t, err)
	require.Equal(t, 42, out)
	require.Equal(t, 3, attempts)
}

func TestWorkflow_Engine_PermanentFailureStopsImmediately(t *testing.T) {
	t.Parallel()

	attempts := 0
	eng, err := NewEngine(slog.Default(), "test", []Step[int]{
		{Name: "broken", Run: func(_ context.Context, v int) (int, error) {
			attempts++
			return v, trivia.ErrInvalidForgeSet
		}},
	}, EngineConfig{Cursors: NewMemoryCursorStore(), RetryInitial: time.Millisecond, MaxAttempts: 5})
	require.NoError(t, err)

	_, err = eng.Run(context.Background(), "op1", 0)
	require.ErrorIs(t, err, trivia.ErrInvalidForgeSet)
	require.Equal(t, 1, attempts, "non-retriable failures must not retry")
}

func TestWorkflow_Engine_ResumesFromCursor(t *testing.T) {
	t.Parallel()

	cursors := NewMemoryCursorStore()
	runs := map[string]int{}
	steps := []Step[int]{
		{Name: "one", Run: func(_ context.Context, v int) (int, error) { runs["one"]++; return v + 1, nil }},
		{Name: "two", Run: func(_ context.Context, v int) (int, error) {
			runs["two"]++
			if runs["two"] == 1 {
				return v, trivia.E(trivia.KindFatal, "BOOM", "crash")
			}
			return v + 10, nil
		}},
	}
	cfg := EngineConfig{Cursors: cursors, RetryInitial: time.Millisecond, MaxAttempts: 1}
	eng, err := NewEngine(slog.Default(), "test", steps, cfg)
	require.NoError(t, err)

	_, err = eng.Run(context.Background(), "op1", 0)
	require.Error(t, err)

	// Second run replays step one from its snapshot and only re-executes
	// step two.
	out, err := eng.Run(context.Background(), "op1", 0)
	require.NoError(t, err)
	require.Equal(t, 11, out)
	require.Equal(t, 1, runs["one"])
	require.Equal(t, 2, runs["two"])
}

func newMintFixture(t *testing.T) (*Mint, *fakeWFStore, *fakeReleaser, *fakeChain) {
	t.Helper()

	store := newFakeWFStore()
	store.categories[3] = trivia.Category{ID: 3, Slug: "science", Name: "Science", Code: "SCI", Active: true}
	store.catalog[7] = &trivia.CatalogItem{
		ID: 7, CategoryID: 3, DisplayName: "Quantum Explorer",
		ArtworkKey: "art", MetadataKey: "meta",
		MintState: trivia.MintStatePending, Tier: trivia.TierCategory,
	}
	releaser := &fakeReleaser{}
	chain := newFakeChain()

	m, err := NewMint(slog.Default(), MintConfig{
		Store:   store,
		Cursors: NewMemoryCursorStore(),
		Release: releaser,
		Chain:   chain,
		Blobs:   fakeBlobs{},
		Pinner:  fakePinner{},
		RNG:     bytes.NewReader(bytes.Repeat([]byte{0xab}, 64)),
		Seasons: fakeSeasonDir{season: trivia.Season{ID: "winter-s1", Active: true, EndsAt: time.Now().Add(time.Hour), GraceDays: 7}},
		KeyRef:  "mint-policy-key",
		Clock:   clockwork.NewFakeClock(),
		Engine:  fastEngine(),
	})
	require.NoError(t, err)
	return m, store, releaser, chain
}

func TestWorkflow_Mint_HappyPath(t *testing.T) {
	t.Parallel()

	m, store, releaser, _ := newMintFixture(t)

	op := trivia.MintOperation{
		ID: "mint-op-1", EligibilityID: "elig-1", CatalogID: 7,
		PlayerID: 1, Stake: "stake1", PolicyID: "policy1",
		Status: trivia.OperationPending, CreatedAt: time.Now(),
	}
	store.mints[op.ID] = &op

	env := MintEnvelope{
		OperationID: op.ID, EligibilityID: op.EligibilityID, CatalogID: 7,
		PlayerID: 1, Stake: "stake1", PolicyID: "policy1", CategoryID: 3,
	}
	require.NoError(t, m.Run(context.Background(), env))

	got, err := m.Status(context.Background(), op.ID)
	require.NoError(t, err)
	require.Equal(t, trivia.OperationConfirmed, got.Status)
	require.NotEmpty(t, got.TxHash)

	require.Equal(t, trivia.MintStateMinted, store.catalog[7].MintState)
	require.NotEmpty(t, store.catalog[7].ContentCID)
	require.Empty(t, releaser.released)

	var minted *trivia.OwnedAsset
	for _, a := range store.assets {
		minted = a
	}
	require.NotNil(t, minted)
	require.Regexp(t, regexp.MustCompile(`^TNFT_V1_SCI_REG_[0-9a-f]{8}$`), minted.AssetName)
	require.Equal(t, "stake1", minted.Stake)
	require.Equal(t, trivia.TierCategory, minted.Tier)
}

func TestWorkflow_Mint_FailureReleasesStock(t *testing.T) {
	t.Parallel()

	m, store, releaser, chain := newMintFixture(t)
	chain.SubmitErr = errors.New("chain down")

	op := trivia.MintOperation{
		ID: "mint-op-2", EligibilityID: "elig-2", CatalogID: 7,
		PlayerID: 1, Stake: "stake1", PolicyID: "policy1",
		Status: trivia.OperationPending, CreatedAt: time.Now(),
	}
	store.mints[op.ID] = &op

	env := MintEnvelope{OperationID: op.ID, CatalogID: 7, PlayerID: 1, Stake: "stake1", PolicyID: "policy1", CategoryID: 3}
	err := m.Run(context.Background(), env)
	require.Error(t, err)

	got, err := m.Status(context.Background(), op.ID)
	require.NoError(t, err)
	require.Equal(t, trivia.OperationFailed, got.Status)
	require.NotEmpty(t, got.Error)
	require.Equal(t, []int64{7}, releaser.released)
}

func seedCategoryAssets(store *fakeWFStore, stake string, categoryID int64, season string, n int) []string {
	fps := make([]string, 0, n)
	for i := 0; i < n; i++ {
		fp := fmt.Sprintf("asset1cat%d-%s-%d", categoryID, stake, i)
		store.assets[fp] = &trivia.OwnedAsset{
			Stake: stake, PolicyID: "policy1", Fingerprint: fp,
			AssetName: fmt.Sprintf("TNFT_V1_SCI_REG_%08x", i),
			Source:    trivia.AssetSourceMint, CategoryID: categoryID, SeasonID: season,
			Tier: trivia.TierCategory, Status: trivia.AssetConfirmed, MintedAt: time.Now(),
		}
		fps = append(fps, fp)
	}
	return fps
}

func newForgeFixture(t *testing.T) (*Forge, *fakeWFStore) {
	t.Helper()

	store := newFakeWFStore()
	store.categories[3] = trivia.Category{ID: 3, Slug: "science", Code: "SCI", Active: true}

	f, err := NewForge(slog.Default(), ForgeConfig{
		Store:    store,
		Cursors:  NewMemoryCursorStore(),
		Chain:    newFakeChain(),
		RNG:      bytes.NewReader(bytes.Repeat([]byte{0xcd}, 128)),
		Seasons:  fakeSeasonDir{season: trivia.Season{ID: "winter-s1", Active: true, EndsAt: time.Now().Add(time.Hour), GraceDays: 7}},
		KeyRef:   "mint-policy-key",
		PolicyID: "policy1",
		Clock:    clockwork.NewRealClock(),
		Engine:   fastEngine(),
	})
	require.NoError(t, err)
	return f, store
}

func TestWorkflow_Forge_Category_HappyPath(t *testing.T) {
	t.Parallel()

	f, store := newForgeFixture(t)
	fps := seedCategoryAssets(store, "stake1", 3, "winter-s1", 10)

	env := ForgeEnvelope{
		OperationID: "forge-1", Type: trivia.ForgeCategory, Stake: "stake1",
		PolicyID: "policy1", CategoryID: 3, InputFingerprints: fps,
	}
	store.forges["forge-1"] = &trivia.ForgeOperation{
		ID: "forge-1", Type: trivia.ForgeCategory, Stake: "stake1",
		CategoryID: 3, InputFingerprints: fps,
		Status: trivia.OperationPending, CreatedAt: time.Now(),
	}

	require.NoError(t, f.Run(context.Background(), env))

	op, err := f.Status(context.Background(), "forge-1")
	require.NoError(t, err)
	require.Equal(t, trivia.OperationConfirmed, op.Status)
	require.NotEmpty(t, op.BurnTxHash)
	require.NotEmpty(t, op.MintTxHash)
	require.NotEmpty(t, op.OutputFingerprint)

	out := store.assets[op.OutputFingerprint]
	require.NotNil(t, out)
	require.Regexp(t, regexp.MustCompile(`^TNFT_V1_SCI_ULT_[0-9a-f]{8}$`), out.AssetName)
	require.Equal(t, trivia.TierCategoryUltimate, out.Tier)

	for _, fp := range fps {
		require.Equal(t, trivia.AssetBurned, store.assets[fp].Status)
		require.False(t, store.assets[fp].BurnedAt.IsZero())
	}
}

func TestWorkflow_Forge_RejectsBadSets(t *testing.T) {
	t.Parallel()

	f, store := newForgeFixture(t)
	store.categories[4] = trivia.Category{ID: 4, Slug: "history", Code: "HIST", Active: true}
	sci := seedCategoryAssets(store, "stake1", 3, "winter-s1", 9)
	hist := seedCategoryAssets(store, "stake1", 4, "winter-s1", 1)
	other := seedCategoryAssets(store, "stake2", 3, "winter-s1", 1)

	ctx := context.Background()

	// Nine inputs.
	_, err := f.StartForge(ctx, ForgeRequest{Type: trivia.ForgeCategory, Stake: "stake1", CategoryID: 3, Fingerprints: sci})
	require.ErrorIs(t, err, trivia.ErrInvalidForgeSet)

	// Mixed categories.
	mixed := append(append([]string{}, sci...), hist...)
	_, err = f.StartForge(ctx, ForgeRequest{Type: trivia.ForgeCategory, Stake: "stake1", CategoryID: 3, Fingerprints: mixed})
	require.ErrorIs(t, err, trivia.ErrInvalidForgeSet)

	// Not the owner.
	stolen := append(append([]string{}, sci...), other...)
	_, err = f.StartForge(ctx, ForgeRequest{Type: trivia.ForgeCategory, Stake: "stake1", CategoryID: 3, Fingerprints: stolen})
	require.ErrorIs(t, err, trivia.ErrNotOwner)

	// Duplicate fingerprints.
	dup := append(append([]string{}, sci...), sci[0])
	_, err = f.StartForge(ctx, ForgeRequest{Type: trivia.ForgeCategory, Stake: "stake1", CategoryID: 3, Fingerprints: dup})
	require.ErrorIs(t, err, trivia.ErrInvalidForgeSet)

	// No stake.
	_, err = f.StartForge(ctx, ForgeRequest{Type: trivia.ForgeCategory, CategoryID: 3, Fingerprints: sci})
	require.ErrorIs(t, err, trivia.ErrStakeRequired)
}

func TestWorkflow_Forge_Master_RequiresDistinctCategories(t *testing.T) {
	t.Parallel()

	f, store := newForgeFixture(t)
	var fps []string
	for catID := int64(1); catID <= 10; catID++ {
		store.categories[catID] = trivia.Category{ID: catID, Slug: fmt.Sprintf("cat%d", catID), Code: "SCI", Active: true}
		fps = append(fps, seedCategoryAssets(store, "stake1", catID, "winter-s1", 1)...)
	}

	op, err := f.StartForge(context.Background(), ForgeRequest{Type: trivia.ForgeMaster, Stake: "stake1", Fingerprints: fps})
	require.NoError(t, err)
	require.Equal(t, trivia.OperationPending, op.Status)

	// Two from the same category instead of ten distinct ones.
	bad := append(append([]string{}, fps[:9]...), seedCategoryAssets(store, "stake1", 1, "winter-s1", 2)[1])
	_, err = f.StartForge(context.Background(), ForgeRequest{Type: trivia.ForgeMaster, Stake: "stake1", Fingerprints: bad})
	require.ErrorIs(t, err, trivia.ErrInvalidForgeSet)
}

func TestWorkflow_Forge_PostBurnFailureFlagsOperator(t *testing.T) {
	t.Parallel()

	store := newFakeWFStore()
	store.categories[3] = trivia.Category{ID: 3, Slug: "science", Code: "SCI", Active: true}
	chain := newFakeChain()

	f, err := NewForge(slog.Default(), ForgeConfig{
		Store:    store,
		Cursors:  NewMemoryCursorStore(),
		Chain:    chain,
		RNG:      bytes.NewReader(bytes.Repeat([]byte{0xef}, 64)),
		Seasons:  fakeSeasonDir{season: trivia.Season{ID: "winter-s1", Active: true}},
		KeyRef:   "k",
		PolicyID: "policy1",
		Engine:   fastEngine(),
	})
	require.NoError(t, err)

	fps := seedCategoryAssets(store, "stake1", 3, "winter-s1", 10)
	store.forges["forge-2"] = &trivia.ForgeOperation{
		ID: "forge-2", Type: trivia.ForgeCategory, Stake: "stake1",
		CategoryID: 3, InputFingerprints: fps,
		Status: trivia.OperationPending, CreatedAt: time.Now(),
	}

	// Burn succeeds, then the chain goes down before the ultimate mint.
	env := ForgeEnvelope{
		OperationID: "forge-2", Type: trivia.ForgeCategory, Stake: "stake1",
		PolicyID: "policy1", CategoryID: 3, InputFingerprints: fps,
	}
	submits := 0
	origErr := errors.New("chain down")
	chainWrap := &hookChain{fakeChain: chain, onSubmit: func() error {
		submits++
		if submits > 1 {
			return origErr
		}
		return nil
	}}
	f.cfg.Chain = chainWrap

	err = f.Run(context.Background(), env)
	require.Error(t, err)

	op, err := f.Status(context.Background(), "forge-2")
	require.NoError(t, err)
	require.Equal(t, trivia.OperationFailed, op.Status)
	require.True(t, op.RequiresOperator, "post-burn failure must be flagged for operator resolution")
}

// hookChain intercepts Submit to inject failures mid-pipeline.
type hookChain struct {
	*fakeChain
	onSubmit func() error
}

func (h *hookChain) Submit(ctx context.Context, signed []byte) (string, error) {
	if err := h.onSubmit(); err != nil {
		return "", err
	}
	return h.fakeChain.Submit(ctx, signed)
}

func TestWorkflow_Forge_Progress(t *testing.T) {
	t.Parallel()

	f, store := newForgeFixture(t)
	store.categories[4] = trivia.Category{ID: 4, Slug: "history", Code: "HIST", Active: true}
	seedCategoryAssets(store, "stake1", 3, "winter-s1", 10)
	seedCategoryAssets(store, "stake1", 4, "winter-s1", 2)

	p, err := f.Progress(context.Background(), "stake1")
	require.NoError(t, err)

	byID := make(map[int64]CategoryProgress)
	for _, c := range p.Category {
		byID[c.CategoryID] = c
	}
	require.True(t, byID[3].Ready)
	require.Equal(t, 10, byID[3].Owned)
	require.False(t, byID[4].Ready)

	require.Equal(t, 2, p.Master.CategoriesCovered)
	require.False(t, p.Master.Ready)

	require.Equal(t, "winter-s1", p.Season.SeasonID)
	require.True(t, p.Season.Ready, "both active categories have 2 season-tagged assets")
}
