package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/trivianft/trivianft/internal/kv"
	"github.com/trivianft/trivianft/internal/trivia"
)

// The hot state is a KV hash holding everything play needs, including the
// correct indices. It never leaves the server; the client only ever sees the
// scrubbed start payload and per-answer reveals.

func hotKey(sessionID string) string        { return "session:" + sessionID }
func lockKey(identity string) string        { return "lock:session:" + identity }
func cooldownKey(identity string) string    { return "cooldown:" + identity }
func dailyKey(identity, date string) string { return "limit:daily:" + identity + ":" + date }

func seenKey(identity string, categoryID int64, date string) string {
	return "seen:" + identity + ":" + strconv.FormatInt(categoryID, 10) + ":" + date
}

type hotQuestion struct {
	QuestionID    int64     `json:"question_id"`
	Text          string    `json:"text"`
	Options       [4]string `json:"options"`
	CorrectIndex  int       `json:"correct_index"`
	Explanation   string    `json:"explanation"`
	ServedAt      time.Time `json:"served_at"`
	AnsweredIndex int       `json:"answered_index"`
	AnswerTimeMs  int64     `json:"answer_time_ms"`
}

func writeHotState(ctx context.Context, store kv.Store, s *trivia.Session, ttl time.Duration) error {
	fields := map[string]string{
		"status":        string(s.Status),
		"current_index": strconv.Itoa(s.CurrentIndex),
		"score":         strconv.Itoa(s.Score),
		"player_id":     strconv.FormatInt(s.PlayerID, 10),
		"stake":         s.Stake,
		"anon_id":       s.AnonID,
		"category_id":   strconv.FormatInt(s.CategoryID, 10),
		"started_at":    strconv.FormatInt(s.StartedAt.UnixMilli(), 10),
	}
	for i, q := range s.Questions {
		b, err := json.Marshal(hotQuestion{
			QuestionID:    q.QuestionID,
			Text:          q.Text,
			Options:       q.Options,
			CorrectIndex:  q.CorrectIndex,
			Explanation:   q.Explanation,
			ServedAt:      q.ServedAt,
			AnsweredIndex: q.AnsweredIndex,
			AnswerTimeMs:  q.AnswerTimeMs,
		})
		if err != nil {
			return fmt.Errorf("failed to encode hot question: %w", err)
		}
		fields["q"+strconv.Itoa(i)] = string(b)
	}
	key := hotKey(s.ID)
	if err := store.HSet(ctx, key, fields); err != nil {
		return err
	}
	return store.Expire(ctx, key, ttl)
}

func readHotState(ctx context.Context, store kv.Store, sessionID string) (*trivia.Session, error) {
	fields, err := store.HGetAll(ctx, hotKey(sessionID))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	s := &trivia.Session{
		ID:     sessionID,
		Status: trivia.SessionStatus(fields["status"]),
		Stake:  fields["stake"],
		AnonID: fields["anon_id"],
	}
	s.CurrentIndex, _ = strconv.Atoi(fields["current_index"])
	s.Score, _ = strconv.Atoi(fields["score"])
	s.PlayerID, _ = strconv.ParseInt(fields["player_id"], 10, 64)
	s.CategoryID, _ = strconv.ParseInt(fields["category_id"], 10, 64)
	if ms, err := strconv.ParseInt(fields["started_at"], 10, 64); err == nil {
		s.StartedAt = time.UnixMilli(ms).UTC()
	}

	for i := 0; ; i++ {
		raw, ok := fields["q"+strconv.Itoa(i)]
		if !ok {
			break
		}
		var hq hotQuestion
		if err := json.Unmarshal([]byte(raw), &hq); err != nil {
			return nil, fmt.Errorf("failed to decode hot question %d: %w", i, err)
		}
		s.Questions = append(s.Questions, trivia.ServedQuestion{
			QuestionID:    hq.QuestionID,
			Text:          hq.Text,
			Options:       hq.Options,
			CorrectIndex:  hq.CorrectIndex,
			Explanation:   hq.Explanation,
			ServedAt:      hq.ServedAt,
			AnsweredIndex: hq.AnsweredIndex,
			AnswerTimeMs:  hq.AnswerTimeMs,
		})
	}
	return s, nil
}

func writeHotAnswer(ctx context.Context, store kv.Store, s *trivia.Session, idx int) error {
	q := s.Questions[idx]
	b, err := json.Marshal(hotQuestion{
		QuestionID:    q.QuestionID,
		Text:          q.Text,
		Options:       q.Options,
		CorrectIndex:  q.CorrectIndex,
		Explanation:   q.Explanation,
		ServedAt:      q.ServedAt,
		AnsweredIndex: q.AnsweredIndex,
		AnswerTimeMs:  q.AnswerTimeMs,
	})
	if err != nil {
		return fmt.Errorf("failed to encode hot question: %w", err)
	}
	return store.HSet(ctx, hotKey(s.ID), map[string]string{
		"q" + strconv.Itoa(idx): string(b),
		"current_index":         strconv.Itoa(s.CurrentIndex),
		"score":                 strconv.Itoa(s.Score),
	})
}
