// Package auth adapts the external token service to the Authenticator
// capability. Token issuance and JWT mechanics live in that service; the
// core only ever sees verified principals.
package auth

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

type HTTPVerifier struct {
	verifyURL string
	client    *http.Client
}

var _ trivia.Authenticator = (*HTTPVerifier)(nil)

func NewHTTPVerifier(verifyURL string, timeout time.Duration) (*HTTPVerifier, error) {
	if verifyURL == "" {
		return nil, errors.New("verify url is required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPVerifier{verifyURL: verifyURL, client: &http.Client{Timeout: timeout}}, nil
}

func (v *HTTPVerifier) VerifyToken(ctx context.Context, raw string) (trivia.Principal, error) {
	body, err := json.Marshal(map[string]string{"token": raw})
	if err != nil {
		return trivia.Principal{}, fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, bytes.NewReader(body))
	if err != nil {
		return trivia.Principal{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return trivia.Principal{}, trivia.External(true, err, "auth service unreachable")
	}
	defer resp.Body.Close()

	raw2, err := io.ReadAll(resp.Body)
	if err != nil {
		return trivia.Principal{}, trivia.External(true, err, "failed to read auth response")
	}
	if resp.StatusCode != http.StatusOK {
		return trivia.Principal{}, trivia.E(trivia.KindForbidden, "INVALID_TOKEN", "token rejected")
	}

	var out struct {
		PlayerID int64  `json:"playerId"`
		Stake    string `json:"stake"`
		AnonID   string `json:"anonId"`
	}
	if err := json.Unmarshal(raw2, &out); err != nil {
		return trivia.Principal{}, fmt.Errorf("failed to decode auth response: %w", err)
	}
	return trivia.Principal{PlayerID: out.PlayerID, Stake: out.Stake, AnonID: out.AnonID}, nil
}
