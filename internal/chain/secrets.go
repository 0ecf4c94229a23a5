package chain

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/trivianft/trivianft/internal/trivia"
)

// FileSecretStore reads key material from files under a directory, the shape
// mounted secret volumes take. Reads go to disk every time so rotated
// material is picked up without a restart.
type FileSecretStore struct {
	dir string
}

var _ trivia.SecretStore = (*FileSecretStore)(nil)

func NewFileSecretStore(dir string) *FileSecretStore {
	return &FileSecretStore{dir: dir}
}

func (s *FileSecretStore) Get(_ context.Context, name string) ([]byte, error) {
	path := filepath.Join(s.dir, filepath.Base(name))
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret %q: %w", name, err)
	}
	return bytes.TrimSpace(b), nil
}
