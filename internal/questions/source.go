// Package questions implements the question source and the draw policy used
// when a session starts.
package questions

import (
	"context"
	"fmt"

	"github.com/trivianft/trivianft/internal/pgstore"
	"github.com/trivianft/trivianft/internal/trivia"
)

// PGSource serves questions from the relational catalog. Draw randomizes at
// the database so two concurrent sessions get independent picks.
type PGSource struct {
	db *pgstore.Store
}

var _ trivia.QuestionSource = (*PGSource)(nil)

func NewPGSource(db *pgstore.Store) *PGSource {
	return &PGSource{db: db}
}

func (s *PGSource) PoolSize(ctx context.Context, categoryID int64) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM questions WHERE category_id = $1`, categoryID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count question pool: %w", err)
	}
	return n, nil
}

func (s *PGSource) Draw(ctx context.Context, categoryID int64, count int, excludeIDs []int64) ([]trivia.Question, error) {
	if excludeIDs == nil {
		excludeIDs = []int64{}
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, category_id, text, options, correct_index, explanation, source, hash
		FROM questions
		WHERE category_id = $1 AND NOT (id = ANY($2))
		ORDER BY random()
		LIMIT $3`,
		categoryID, excludeIDs, count,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to draw questions: %w", err)
	}
	defer rows.Close()

	var out []trivia.Question
	for rows.Next() {
		var q trivia.Question
		var options []string
		if err := rows.Scan(&q.ID, &q.CategoryID, &q.Text, &options, &q.CorrectIndex, &q.Explanation, &q.Source, &q.Hash); err != nil {
			return nil, fmt.Errorf("failed to scan question: %w", err)
		}
		if len(options) != 4 {
			return nil, fmt.Errorf("question %d has %d options", q.ID, len(options))
		}
		copy(q.Options[:], options)
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read questions: %w", err)
	}
	return out, nil
}

func (s *PGSource) Flag(ctx context.Context, questionID, playerID int64, reason string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO question_flags (question_id, player_id, reason) VALUES ($1, $2, $3)`,
		questionID, playerID, reason,
	)
	if err != nil {
		return fmt.Errorf("failed to flag question: %w", err)
	}
	return nil
}
