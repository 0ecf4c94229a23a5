package trivia

import "time"

// Player identity. Exactly one of Stake or AnonID is set: connected players
// carry a stable stake address, guests a server-assigned anonymous id.
type Player struct {
	ID             int64
	Stake          string
	AnonID         string
	Username       string
	Email          string
	PaymentAddress string
	CreatedAt      time.Time
	LastSeenAt     time.Time
}

// Identity returns the stable identifier used for locks, caps and cooldowns.
func (p Player) Identity() string {
	if p.Stake != "" {
		return p.Stake
	}
	return p.AnonID
}

// Connected reports whether the player is bound to a wallet.
func (p Player) Connected() bool { return p.Stake != "" }

type Category struct {
	ID     int64
	Slug   string
	Name   string
	Code   string // 3-5 uppercase ASCII, used in asset names
	Active bool
}

// Question is immutable once indexed. Hash dedups across the table.
type Question struct {
	ID           int64
	CategoryID   int64
	Text         string
	Options      [4]string
	CorrectIndex int
	Explanation  string
	Source       string
	Hash         string
}

type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionWon     SessionStatus = "won"
	SessionLost    SessionStatus = "lost"
	SessionForfeit SessionStatus = "forfeit"
)

// Terminal reports whether the status is sticky.
func (s SessionStatus) Terminal() bool { return s != SessionActive }

// ServedQuestion captures a question as served: the option strings are frozen
// at serve time so later catalog edits cannot alter historical play. The
// correct index stays server-side (hot state and served-question rows) and
// reaches the client only in the per-answer reveal.
type ServedQuestion struct {
	QuestionID    int64
	Text          string
	Options       [4]string
	CorrectIndex  int
	Explanation   string
	ServedAt      time.Time
	AnsweredIndex int // -1 until answered
	AnswerTimeMs  int64
}

func (q ServedQuestion) Answered() bool { return q.AnsweredIndex >= 0 }

type Session struct {
	ID           string
	PlayerID     int64
	Stake        string
	AnonID       string
	CategoryID   int64
	Status       SessionStatus
	CurrentIndex int
	Questions    []ServedQuestion
	Score        int
	StartedAt    time.Time
	EndedAt      time.Time
	TotalMs      int64
}

func (s Session) Identity() string {
	if s.Stake != "" {
		return s.Stake
	}
	return s.AnonID
}

type EligibilityType string

const (
	EligibilityCategory EligibilityType = "category"
	EligibilityMaster   EligibilityType = "master"
	EligibilitySeason   EligibilityType = "season"
)

type EligibilityStatus string

const (
	EligibilityActive  EligibilityStatus = "active"
	EligibilityUsed    EligibilityStatus = "used"
	EligibilityExpired EligibilityStatus = "expired"
)

type Eligibility struct {
	ID         string
	Type       EligibilityType
	PlayerID   int64
	CategoryID int64
	SeasonID   string
	SessionID  string
	Status     EligibilityStatus
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// MintState is the three-valued stock lifecycle of a catalog item. A pending
// reservation reverts to available when its workflow fails before confirmation.
type MintState string

const (
	MintStateAvailable MintState = "available"
	MintStatePending   MintState = "pending"
	MintStateMinted    MintState = "minted"
)

type CatalogItem struct {
	ID          int64
	CategoryID  int64
	DisplayName string
	ArtworkKey  string
	MetadataKey string
	ContentCID  string
	MintState   MintState
	Tier        Tier
}

type Tier string

const (
	TierCategory         Tier = "category"
	TierCategoryUltimate Tier = "category_ultimate"
	TierMasterUltimate   Tier = "master_ultimate"
	TierSeasonalUltimate Tier = "seasonal_ultimate"
)

type AssetSource string

const (
	AssetSourceMint  AssetSource = "mint"
	AssetSourceForge AssetSource = "forge"
)

type AssetStatus string

const (
	AssetConfirmed AssetStatus = "confirmed"
	AssetBurned    AssetStatus = "burned"
)

type OwnedAsset struct {
	ID          int64
	Stake       string
	PolicyID    string
	Fingerprint string
	AssetName   string
	Source      AssetSource
	CategoryID  int64
	SeasonID    string
	Tier        Tier
	Status      AssetStatus
	MintedAt    time.Time
	BurnedAt    time.Time
	Metadata    []byte
}

type OperationStatus string

const (
	OperationPending   OperationStatus = "pending"
	OperationConfirmed OperationStatus = "confirmed"
	OperationFailed    OperationStatus = "failed"
)

func (s OperationStatus) Terminal() bool { return s != OperationPending }

type MintOperation struct {
	ID            string
	EligibilityID string
	CatalogID     int64
	PlayerID      int64
	Stake         string
	PolicyID      string
	Status        OperationStatus
	TxHash        string
	Error         string
	CreatedAt     time.Time
	ConfirmedAt   time.Time
}

type ForgeType string

const (
	ForgeCategory ForgeType = "category"
	ForgeMaster   ForgeType = "master"
	ForgeSeason   ForgeType = "season"
)

type ForgeOperation struct {
	ID                string
	Type              ForgeType
	Stake             string
	CategoryID        int64
	SeasonID          string
	InputFingerprints []string
	BurnTxHash        string
	MintTxHash        string
	OutputFingerprint string
	Status            OperationStatus
	Error             string
	// RequiresOperator marks a failure after a confirmed burn; the inputs are
	// gone on-chain and operator tooling must resolve the record.
	RequiresOperator bool
	CreatedAt        time.Time
	ConfirmedAt      time.Time
}

type Season struct {
	ID        string // e.g. "winter-s1"
	Name      string
	StartsAt  time.Time
	EndsAt    time.Time
	GraceDays int
	Active    bool
}

// GraceEndsAt is the instant seasonal forging stops being valid.
func (s Season) GraceEndsAt() time.Time {
	return s.EndsAt.AddDate(0, 0, s.GraceDays)
}

// SeasonPoints is keyed by (SeasonID, Stake) and mutated only by the
// leaderboard engine.
type SeasonPoints struct {
	SeasonID        string
	Stake           string
	Points          int64
	PerfectScores   int64
	NFTsMinted      int64
	AvgAnswerMs     int64
	SessionsUsed    int64
	FirstAchievedAt time.Time
}

type SnapshotRow struct {
	SeasonID      string
	SnapshotDate  time.Time
	Stake         string
	Rank          int64
	Points        int64
	NFTsMinted    int64
	PerfectScores int64
	AvgAnswerMs   int64
	SessionsUsed  int64
}
