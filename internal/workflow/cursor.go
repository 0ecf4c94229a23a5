package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/trivianft/trivianft/internal/pgstore"
)

// PGCursorStore persists step snapshots in workflow_cursors.
type PGCursorStore struct {
	db    *pgstore.Store
	clock clockwork.Clock
}

var _ CursorStore = (*PGCursorStore)(nil)

func NewPGCursorStore(db *pgstore.Store, clock clockwork.Clock) *PGCursorStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PGCursorStore{db: db, clock: clock}
}

func (s *PGCursorStore) Completed(ctx context.Context, operationID string) (map[string]json.RawMessage, error) {
	rows, err := s.db.Query(ctx,
		`SELECT step, envelope FROM workflow_cursors WHERE operation_id = $1`, operationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cursors: %w", err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var step string
		var envelope []byte
		if err := rows.Scan(&step, &envelope); err != nil {
			return nil, fmt.Errorf("failed to scan cursor: %w", err)
		}
		out[step] = json.RawMessage(envelope)
	}
	return out, rows.Err()
}

func (s *PGCursorStore) SaveStep(ctx context.Context, operationID, step string, envelope any) error {
	b, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO workflow_cursors (operation_id, step, envelope, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (operation_id, step) DO UPDATE SET envelope = EXCLUDED.envelope, updated_at = EXCLUDED.updated_at`,
		operationID, step, b, s.clock.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// MemoryCursorStore keeps cursors in memory; used in tests and available for
// single-process setups where durability is not required.
type MemoryCursorStore struct {
	steps map[string]map[string]json.RawMessage
}

var _ CursorStore = (*MemoryCursorStore)(nil)

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{steps: make(map[string]map[string]json.RawMessage)}
}

func (s *MemoryCursorStore) Completed(_ context.Context, operationID string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(s.steps[operationID]))
	for k, v := range s.steps[operationID] {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryCursorStore) SaveStep(_ context.Context, operationID, step string, envelope any) error {
	b, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	if s.steps[operationID] == nil {
		s.steps[operationID] = make(map[string]json.RawMessage)
	}
	s.steps[operationID][step] = b
	return nil
}
