package leaderboard

import (
	"time"

	"github.com/trivianft/trivianft/internal/trivia"
)

// Composite score layout. One value weights the tie-break fields (points,
// nftsMinted, perfectScores, -avgAnswerMs, -sessionsUsed, firstAchievedAt)
// so the sorted set ranks without SQL sorts. The buckets are not disjoint:
// the avgAnswerMs term reaches 1e15 and overlaps the nftsMinted and
// perfectScores buckets, and the last bucket is the first-achieved epoch
// milliseconds modulo 1e3, which separates ties without ordering them by time.
const (
	pointsWeight   = 1_000_000_000_000_000 // 1e15
	nftsWeight     = 1_000_000_000_000     // 1e12
	perfectsWeight = 1_000_000_000         // 1e9
	avgBase        = 1_000_000_000         // avgAnswerMs clamped below this
	avgWeight      = 1_000_000             // 1e6
	sessionsBase   = 1_000_000             // sessionsUsed clamped below this
	sessionsWeight = 1_000                 // 1e3
	timestampMod   = 1_000
)

// Encode computes the composite score for a season-points row. avgAnswerMs
// and sessionsUsed are clamped into their buckets; firstAchievedAt
// contributes its epoch-milliseconds modulo 1e3 as the last resort
// determinism bucket.
func Encode(p trivia.SeasonPoints) int64 {
	avg := p.AvgAnswerMs
	if avg < 0 {
		avg = 0
	}
	if avg >= avgBase {
		avg = avgBase - 1
	}
	sessions := p.SessionsUsed
	if sessions < 0 {
		sessions = 0
	}
	if sessions >= sessionsBase {
		sessions = sessionsBase - 1
	}
	var firstMs int64
	if !p.FirstAchievedAt.IsZero() {
		firstMs = p.FirstAchievedAt.UnixMilli()
	}

	return p.Points*pointsWeight +
		p.NFTsMinted*nftsWeight +
		p.PerfectScores*perfectsWeight +
		(avgBase-avg)*avgWeight +
		(sessionsBase-sessions)*sessionsWeight +
		(firstMs%timestampMod+timestampMod)%timestampMod
}

// PointsForScore is the points rule fed by session completion: one point per
// correct answer plus a ten-point bonus for a perfect score.
func PointsForScore(score, totalQuestions int) int64 {
	p := int64(score)
	if score == totalQuestions {
		p += 10
	}
	return p
}

// Delta is the per-session contribution applied by UpdatePoints.
type Delta struct {
	Points      int64
	Perfect     bool
	AvgAnswerMs int64 // mean answer time across the session's answers
	NFTsMinted  int64
	Sessions    int64
	AchievedAt  time.Time // perfect-score instant; zero otherwise
}
