package httpapi

import (
	"net/http"
	"strconv"

	"github.com/trivianft/trivianft/internal/leaderboard"
	"github.com/trivianft/trivianft/internal/session"
	"github.com/trivianft/trivianft/internal/trivia"
	"github.com/trivianft/trivianft/internal/workflow"
)

type startSessionRequest struct {
	CategoryID int64 `json:"categoryId"`
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if !readJSON(w, r, &req) {
		return
	}
	p := principalFrom(r)
	res, err := s.cfg.Sessions.Start(r.Context(), session.StartRequest{
		PlayerID:   p.PlayerID,
		Stake:      p.Stake,
		AnonID:     p.AnonID,
		CategoryID: req.CategoryID,
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type submitAnswerRequest struct {
	QuestionIndex int   `json:"questionIndex"`
	OptionIndex   int   `json:"optionIndex"`
	TimeMs        int64 `json:"timeMs"`
}

func (s *Server) submitAnswer(w http.ResponseWriter, r *http.Request) {
	var req submitAnswerRequest
	if !readJSON(w, r, &req) {
		return
	}
	res, err := s.cfg.Sessions.SubmitAnswer(r.Context(), r.PathValue("id"), req.QuestionIndex, req.OptionIndex, req.TimeMs)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type completeSessionRequest struct {
	Forfeit bool `json:"forfeit"`
}

func (s *Server) completeSession(w http.ResponseWriter, r *http.Request) {
	var req completeSessionRequest
	if r.ContentLength > 0 && !readJSON(w, r, &req) {
		return
	}
	res, err := s.cfg.Sessions.Complete(r.Context(), r.PathValue("id"), req.Forfeit)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type flagQuestionRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) flagQuestion(w http.ResponseWriter, r *http.Request) {
	questionID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, s.log, trivia.E(trivia.KindInput, "INVALID_QUESTION_ID", "question id must be numeric"))
		return
	}
	var req flagQuestionRequest
	if !readJSON(w, r, &req) {
		return
	}
	p := principalFrom(r)
	if err := s.cfg.Sessions.FlagQuestion(r.Context(), questionID, p.PlayerID, req.Reason); err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "flagged"})
}

func (s *Server) listEligibilities(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	eligs, err := s.cfg.Ledger.ListActive(r.Context(), p.PlayerID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if eligs == nil {
		eligs = []trivia.Eligibility{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"eligibilities": eligs})
}

func (s *Server) startMint(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	if p.Stake == "" {
		writeError(w, s.log, trivia.ErrStakeRequired)
		return
	}

	eligibilityID := r.PathValue("eligibilityId")
	elig, err := s.cfg.Ledger.Validate(r.Context(), eligibilityID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if elig.PlayerID != p.PlayerID {
		writeError(w, s.log, trivia.E(trivia.KindForbidden, "NOT_OWNER", "eligibility belongs to another player"))
		return
	}
	if ok, err := s.cfg.Ledger.CheckStock(r.Context(), elig.CategoryID); err != nil {
		writeError(w, s.log, err)
		return
	} else if !ok {
		writeError(w, s.log, trivia.ErrInsufficientStock)
		return
	}

	op, item, err := s.cfg.Ledger.Consume(r.Context(), eligibilityID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	s.cfg.Mint.Start(r.Context(), op, item)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"mintId": op.ID,
		"status": op.Status,
	})
}

func (s *Server) mintStatus(w http.ResponseWriter, r *http.Request) {
	op, err := s.cfg.Mint.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	p := principalFrom(r)
	if op.PlayerID != p.PlayerID {
		writeError(w, s.log, trivia.ErrOperationNotFound)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) forgeProgress(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	if p.Stake == "" {
		writeError(w, s.log, trivia.ErrStakeRequired)
		return
	}
	progress, err := s.cfg.Forge.Progress(r.Context(), p.Stake)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

type startForgeRequest struct {
	CategoryID   int64    `json:"categoryId,omitempty"`
	SeasonID     string   `json:"seasonId,omitempty"`
	Fingerprints []string `json:"fingerprints"`
}

func (s *Server) startForge(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	if p.Stake == "" {
		writeError(w, s.log, trivia.ErrStakeRequired)
		return
	}

	forgeType := trivia.ForgeType(r.PathValue("type"))
	switch forgeType {
	case trivia.ForgeCategory, trivia.ForgeMaster, trivia.ForgeSeason:
	default:
		writeError(w, s.log, trivia.E(trivia.KindInput, "INVALID_FORGE_TYPE", "forge type must be category, master or season"))
		return
	}

	var req startForgeRequest
	if !readJSON(w, r, &req) {
		return
	}
	op, err := s.cfg.Forge.StartForge(r.Context(), workflow.ForgeRequest{
		Type:         forgeType,
		Stake:        p.Stake,
		CategoryID:   req.CategoryID,
		SeasonID:     req.SeasonID,
		Fingerprints: req.Fingerprints,
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"forgeId": op.ID,
		"status":  op.Status,
	})
}

func (s *Server) forgeStatus(w http.ResponseWriter, r *http.Request) {
	op, err := s.cfg.Forge.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	p := principalFrom(r)
	if op.Stake != p.Stake {
		writeError(w, s.log, trivia.ErrOperationNotFound)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) pagination(r *http.Request) (limit, offset int) {
	limit = 25
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		limit = v
	}
	offset = 0
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil {
		offset = v
	}
	return limit, offset
}

func (s *Server) seasonID(r *http.Request) (string, error) {
	if id := r.URL.Query().Get("seasonId"); id != "" {
		return id, nil
	}
	season, err := s.cfg.Seasons.Current(r.Context())
	if err != nil {
		return "", err
	}
	return season.ID, nil
}

func (s *Server) leaderboardGlobal(w http.ResponseWriter, r *http.Request) {
	seasonID, err := s.seasonID(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	limit, offset := s.pagination(r)
	page, err := s.cfg.Ladder.GetPage(r.Context(), leaderboard.Scope{Kind: leaderboard.ScopeGlobal, SeasonID: seasonID}, limit, offset)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) leaderboardCategory(w http.ResponseWriter, r *http.Request) {
	categoryID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, s.log, trivia.E(trivia.KindInput, "INVALID_CATEGORY_ID", "category id must be numeric"))
		return
	}
	seasonID, err := s.seasonID(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	limit, offset := s.pagination(r)
	page, err := s.cfg.Ladder.GetPage(r.Context(), leaderboard.Scope{
		Kind: leaderboard.ScopeCategory, SeasonID: seasonID, CategoryID: categoryID,
	}, limit, offset)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) leaderboardSeason(w http.ResponseWriter, r *http.Request) {
	seasonID := r.PathValue("id")
	season, err := s.cfg.Seasons.Get(r.Context(), seasonID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	limit, offset := s.pagination(r)
	page, err := s.cfg.Ladder.GetPage(r.Context(), leaderboard.Scope{Kind: leaderboard.ScopeSeason, SeasonID: seasonID}, limit, offset)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"season":  season,
		"entries": page.Entries,
		"total":   page.Total,
		"hasMore": page.HasMore,
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.cfg.KVPing != nil {
		latency, err := s.cfg.KVPing(r.Context())
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": err.Error()})
			return
		}
		resp["kvLatencyMs"] = float64(latency.Microseconds()) / 1000
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) currentSeason(w http.ResponseWriter, r *http.Request) {
	season, err := s.cfg.Seasons.Current(r.Context())
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"season":      season,
		"graceEndsAt": season.GraceEndsAt(),
	})
}
