package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/trivianft/trivianft/internal/pgstore"
	"github.com/trivianft/trivianft/internal/trivia"
)

// errAlreadyTerminal signals from the completion callback that the row was
// finished by a concurrent caller; the store returns the row unchanged.
var errAlreadyTerminal = errors.New("session already terminal")

// Store persists sessions and their served-question records. The served rows
// keep the correct indices server-side for audit and authoritative rescoring;
// they are never serialized to clients.
type Store interface {
	Insert(ctx context.Context, s *trivia.Session) error
	Get(ctx context.Context, id string) (*trivia.Session, error)
	// Complete locks the session row, loads it with its records, and runs fn.
	// When fn returns nil the mutated session is persisted in the same
	// transaction; errAlreadyTerminal commits nothing and returns the row.
	Complete(ctx context.Context, id string, fn func(ctx context.Context, tx pgx.Tx, s *trivia.Session) error) (*trivia.Session, error)
}

type PGStore struct {
	db *pgstore.Store
}

var _ Store = (*PGStore)(nil)

func NewPGStore(db *pgstore.Store) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Insert(ctx context.Context, sess *trivia.Session) error {
	return s.db.Tx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO sessions (id, player_id, stake, anon_id, category_id, status, current_index, score, started_at)
			VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8, $9)`,
			sess.ID, sess.PlayerID, sess.Stake, sess.AnonID, sess.CategoryID, sess.Status, sess.CurrentIndex, sess.Score, sess.StartedAt,
		); err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		for i, q := range sess.Questions {
			if _, err := tx.Exec(ctx, `
				INSERT INTO session_questions (session_id, idx, question_id, text, options, correct_index, explanation, served_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				sess.ID, i, q.QuestionID, q.Text, q.Options[:], q.CorrectIndex, q.Explanation, q.ServedAt,
			); err != nil {
				return fmt.Errorf("failed to insert served question: %w", err)
			}
		}
		return nil
	})
}

func (s *PGStore) Get(ctx context.Context, id string) (*trivia.Session, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, player_id, COALESCE(stake, ''), COALESCE(anon_id, ''), category_id, status, current_index, score,
			started_at, COALESCE(ended_at, 'epoch'::timestamptz), total_ms
		FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	sess.Questions, err = s.records(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func scanSession(row pgx.Row) (*trivia.Session, error) {
	var sess trivia.Session
	err := row.Scan(&sess.ID, &sess.PlayerID, &sess.Stake, &sess.AnonID, &sess.CategoryID, &sess.Status,
		&sess.CurrentIndex, &sess.Score, &sess.StartedAt, &sess.EndedAt, &sess.TotalMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, trivia.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	if sess.EndedAt.Unix() == 0 {
		sess.EndedAt = time.Time{}
	}
	return &sess, nil
}

// querier covers both the pool and a transaction for record loads.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PGStore) records(ctx context.Context, q querier, sessionID string) ([]trivia.ServedQuestion, error) {
	rows, err := q.Query(ctx, `
		SELECT question_id, text, options, correct_index, explanation, served_at,
			COALESCE(answered_index, -1), COALESCE(answer_time_ms, 0)
		FROM session_questions WHERE session_id = $1 ORDER BY idx`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load served questions: %w", err)
	}
	defer rows.Close()

	var out []trivia.ServedQuestion
	for rows.Next() {
		var rec trivia.ServedQuestion
		var options []string
		if err := rows.Scan(&rec.QuestionID, &rec.Text, &options, &rec.CorrectIndex, &rec.Explanation,
			&rec.ServedAt, &rec.AnsweredIndex, &rec.AnswerTimeMs); err != nil {
			return nil, fmt.Errorf("failed to scan served question: %w", err)
		}
		copy(rec.Options[:], options)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PGStore) Complete(ctx context.Context, id string, fn func(ctx context.Context, tx pgx.Tx, sess *trivia.Session) error) (*trivia.Session, error) {
	var result *trivia.Session
	err := s.db.Tx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT id, player_id, COALESCE(stake, ''), COALESCE(anon_id, ''), category_id, status, current_index, score,
				started_at, COALESCE(ended_at, 'epoch'::timestamptz), total_ms
			FROM sessions WHERE id = $1 FOR UPDATE`, id)
		sess, err := scanSession(row)
		if err != nil {
			return err
		}
		sess.Questions, err = s.records(ctx, tx, id)
		if err != nil {
			return err
		}

		if err := fn(ctx, tx, sess); err != nil {
			if errors.Is(err, errAlreadyTerminal) {
				result = sess
				return nil
			}
			return err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE sessions SET status = $2, current_index = $3, score = $4, ended_at = $5, total_ms = $6
			WHERE id = $1`,
			sess.ID, sess.Status, sess.CurrentIndex, sess.Score, sess.EndedAt, sess.TotalMs,
		); err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		for i, rec := range sess.Questions {
			if !rec.Answered() {
				continue
			}
			if _, err := tx.Exec(ctx, `
				UPDATE session_questions SET answered_index = $3, answer_time_ms = $4
				WHERE session_id = $1 AND idx = $2`,
				sess.ID, i, rec.AnsweredIndex, rec.AnswerTimeMs,
			); err != nil {
				return fmt.Errorf("failed to update served question: %w", err)
			}
		}
		result = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
