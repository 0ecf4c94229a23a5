package trivia

import "context"

// RNG is the cryptographic randomness capability. Production wires crypto/rand;
// tests substitute a deterministic reader.
type RNG interface {
	Read(p []byte) (int, error)
}

// QuestionSource serves catalog questions. Draws are unique within a single
// call and include the correct index and explanation; the session engine is
// responsible for never letting those reach a client.
type QuestionSource interface {
	PoolSize(ctx context.Context, categoryID int64) (int, error)
	Draw(ctx context.Context, categoryID int64, count int, excludeIDs []int64) ([]Question, error)
	Flag(ctx context.Context, questionID, playerID int64, reason string) error
}

// BlobStore holds NFT artwork and metadata payloads.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
}

// ContentAddressing pins a payload and returns its content address.
type ContentAddressing interface {
	Pin(ctx context.Context, data []byte) (string, error)
}

// TxEnvelope carries an in-flight transaction between build, sign and submit.
type TxEnvelope struct {
	Payload  []byte
	Signed   []byte
	Metadata map[string]string
}

// Blockchain is the chain capability. The chain is eventually-consistent
// external ground truth; the core never interprets transaction bytes.
type Blockchain interface {
	BuildMintTx(ctx context.Context, policyID, assetName string, metadata []byte, recipientStake string) (*TxEnvelope, error)
	BuildBurnTx(ctx context.Context, policyID string, assetNames []string, ownerStake string) (*TxEnvelope, error)
	Sign(ctx context.Context, env *TxEnvelope, keyRef string) error
	Submit(ctx context.Context, signed []byte) (string, error)
	GetConfirmations(ctx context.Context, txHash string) (int, error)
	GetAssetFingerprint(ctx context.Context, policyID, assetName string) (string, error)
}

// SecretStore yields key material by name. Rotation is an operational policy
// outside the core; callers re-read rather than cache.
type SecretStore interface {
	Get(ctx context.Context, name string) ([]byte, error)
}

// Principal is the authenticated caller identity handed to the boundary.
type Principal struct {
	PlayerID int64
	Stake    string
	AnonID   string
}

// Authenticator verifies a raw bearer token. Token issuance lives outside the
// core.
type Authenticator interface {
	VerifyToken(ctx context.Context, raw string) (Principal, error)
}
