package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/trivianft/trivianft/internal/trivia"
)

// HTTPBackend implements the Blockchain capability against the transaction
// builder sidecar, which owns CBOR construction and signature primitives.
// Requests authenticate with a token read from the secret store on every
// call so rotation needs no restart.
type HTTPBackend struct {
	baseURL  string
	client   *http.Client
	secrets  trivia.SecretStore
	tokenRef string
}

var _ trivia.Blockchain = (*HTTPBackend)(nil)

type HTTPBackendConfig struct {
	BaseURL  string
	Secrets  trivia.SecretStore
	TokenRef string

	// Optional configuration.
	Timeout time.Duration
}

func (c *HTTPBackendConfig) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base url is required")
	}
	if c.Secrets == nil {
		return errors.New("secret store is required")
	}
	if c.TokenRef == "" {
		return errors.New("token ref is required")
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return nil
}

func NewHTTPBackend(cfg HTTPBackendConfig) (*HTTPBackend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chain backend config: %w", err)
	}
	return &HTTPBackend{
		baseURL:  cfg.BaseURL,
		client:   &http.Client{Timeout: cfg.Timeout},
		secrets:  cfg.Secrets,
		tokenRef: cfg.TokenRef,
	}, nil
}

func (b *HTTPBackend) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := b.secrets.Get(ctx, b.tokenRef)
	if err != nil {
		return fmt.Errorf("failed to read chain api token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+string(token))

	resp, err := b.client.Do(req)
	if err != nil {
		return trivia.External(true, err, "chain backend unreachable")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return trivia.External(true, err, "failed to read chain backend response")
	}
	if resp.StatusCode >= 500 {
		return trivia.External(true, fmt.Errorf("status %d: %s", resp.StatusCode, raw), "chain backend error")
	}
	if resp.StatusCode >= 400 {
		return trivia.External(false, fmt.Errorf("status %d: %s", resp.StatusCode, raw), "chain backend rejected request")
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode chain backend response: %w", err)
		}
	}
	return nil
}

type txResponse struct {
	Payload []byte `json:"payload"`
}

func (b *HTTPBackend) BuildMintTx(ctx context.Context, policyID, assetName string, metadata []byte, recipientStake string) (*trivia.TxEnvelope, error) {
	var out txResponse
	err := b.post(ctx, "/tx/mint", map[string]any{
		"policyId":  policyID,
		"assetName": assetName,
		"metadata":  json.RawMessage(metadata),
		"recipient": recipientStake,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &trivia.TxEnvelope{Payload: out.Payload}, nil
}

func (b *HTTPBackend) BuildBurnTx(ctx context.Context, policyID string, assetNames []string, ownerStake string) (*trivia.TxEnvelope, error) {
	var out txResponse
	err := b.post(ctx, "/tx/burn", map[string]any{
		"policyId":   policyID,
		"assetNames": assetNames,
		"owner":      ownerStake,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &trivia.TxEnvelope{Payload: out.Payload}, nil
}

func (b *HTTPBackend) Sign(ctx context.Context, env *trivia.TxEnvelope, keyRef string) error {
	var out struct {
		Signed []byte `json:"signed"`
	}
	err := b.post(ctx, "/tx/sign", map[string]any{
		"payload": env.Payload,
		"keyRef":  keyRef,
	}, &out)
	if err != nil {
		return err
	}
	env.Signed = out.Signed
	return nil
}

func (b *HTTPBackend) Submit(ctx context.Context, signed []byte) (string, error) {
	var out struct {
		TxHash string `json:"txHash"`
	}
	err := b.post(ctx, "/tx/submit", map[string]any{"signed": signed}, &out)
	if err != nil {
		return "", err
	}
	return out.TxHash, nil
}

func (b *HTTPBackend) GetConfirmations(ctx context.Context, txHash string) (int, error) {
	var out struct {
		Confirmations int `json:"confirmations"`
	}
	err := b.post(ctx, "/tx/confirmations", map[string]any{"txHash": txHash}, &out)
	if err != nil {
		return 0, err
	}
	return out.Confirmations, nil
}

func (b *HTTPBackend) GetAssetFingerprint(ctx context.Context, policyID, assetName string) (string, error) {
	var out struct {
		Fingerprint string `json:"fingerprint"`
	}
	err := b.post(ctx, "/asset/fingerprint", map[string]any{
		"policyId":  policyID,
		"assetName": assetName,
	}, &out)
	if err != nil {
		// The fingerprint is deterministic; fall back to local derivation
		// when the backend cannot serve the query.
		if trivia.IsRetriable(err) {
			return "", err
		}
		return Fingerprint(policyID, assetName), nil
	}
	return out.Fingerprint, nil
}
