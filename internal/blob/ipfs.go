package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/trivianft/trivianft/internal/trivia"
)

// IPFSPinner implements ContentAddressing against an IPFS node's HTTP API.
type IPFSPinner struct {
	apiURL string
	client *http.Client
}

var _ trivia.ContentAddressing = (*IPFSPinner)(nil)

func NewIPFSPinner(apiURL string, timeout time.Duration) (*IPFSPinner, error) {
	if apiURL == "" {
		return nil, errors.New("ipfs api url is required")
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &IPFSPinner{apiURL: apiURL, client: &http.Client{Timeout: timeout}}, nil
}

func (p *IPFSPinner) Pin(ctx context.Context, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "blob")
	if err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL+"/api/v0/add?pin=true", &body)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.client.Do(req)
	if err != nil {
		return "", trivia.External(true, err, "ipfs node unreachable")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", trivia.External(true, err, "failed to read ipfs response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", trivia.External(true, fmt.Errorf("status %d: %s", resp.StatusCode, raw), "ipfs add failed")
	}

	var out struct {
		Hash string `json:"Hash"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("failed to decode ipfs response: %w", err)
	}
	if out.Hash == "" {
		return "", errors.New("ipfs response missing hash")
	}
	return out.Hash, nil
}
