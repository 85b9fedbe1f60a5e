package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"napochat/internal/cache"
	"napochat/internal/providers"
	"napochat/internal/relay"
	"napochat/internal/stats"
	"napochat/internal/storage"
)

// corsAllowHeaders mirrors the headers browser clients have always sent to
// the relay endpoint.
const corsAllowHeaders = "authorization, x-client-info, apikey, content-type"

type chatRequest struct {
	Messages []providers.Message `json:"messages"`
}

type chatResponse struct {
	Content string `json:"content"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type instructionRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
}

func (s *Server) handlePreflight(w http.ResponseWriter, _ *http.Request) {
	setCORS(w)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	setCORS(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	s.metrics.ChatRequests.Inc()

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.metrics.ChatFailures.Inc()
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		s.metrics.ChatFailures.Inc()
		s.writeError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}

	var userID *string
	if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
		userID = &id
	}

	start := time.Now()
	content, err := s.relay.Send(r.Context(), req.Messages, userID)
	s.metrics.RelayDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.ChatFailures.Inc()
		s.logger.Error().Err(err).Msg("chat relay failed")
		if errors.Is(err, relay.ErrEmptyHistory) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.metrics.UsageRows.Inc()
	if err := s.cache.Invalidate(r.Context(), cache.KeyStats, cache.KeyChart); err != nil {
		s.logger.Warn().Err(err).Msg("failed to invalidate stats cache")
	}

	s.writeJSON(w, http.StatusOK, chatResponse{Content: content})
}

func (s *Server) handleListInstructions(w http.ResponseWriter, r *http.Request) {
	list, err := s.instructions.ListInstructions(r.Context(), s.appID)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list instructions")
		s.writeError(w, http.StatusInternalServerError, "failed to list instructions")
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateInstruction(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeInstruction(w, r)
	if !ok {
		return
	}
	in, err := s.instructions.CreateInstruction(r.Context(), s.appID, req.Title, req.Content)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to create instruction")
		s.writeError(w, http.StatusInternalServerError, "failed to create instruction")
		return
	}
	s.metrics.InstructionMutations.Inc()
	s.writeJSON(w, http.StatusCreated, in)
}

func (s *Server) handleUpdateInstruction(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeInstruction(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if err := s.instructions.UpdateInstruction(r.Context(), s.appID, id, req.Title, req.Content); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "instruction not found")
			return
		}
		s.logger.Error().Err(err).Str("id", id).Msg("failed to update instruction")
		s.writeError(w, http.StatusInternalServerError, "failed to update instruction")
		return
	}
	s.metrics.InstructionMutations.Inc()
	setCORS(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteInstruction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.instructions.DeleteInstruction(r.Context(), s.appID, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "instruction not found")
			return
		}
		s.logger.Error().Err(err).Str("id", id).Msg("failed to delete instruction")
		s.writeError(w, http.StatusInternalServerError, "failed to delete instruction")
		return
	}
	s.metrics.InstructionMutations.Inc()
	setCORS(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) decodeInstruction(w http.ResponseWriter, r *http.Request) (instructionRequest, bool) {
	var req instructionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return instructionRequest{}, false
	}
	req.Title = strings.TrimSpace(req.Title)
	req.Content = strings.TrimSpace(req.Content)
	if req.Title == "" || req.Content == "" {
		s.writeError(w, http.StatusBadRequest, "title and content are required")
		return instructionRequest{}, false
	}
	return req, true
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var cached stats.ChatStats
	hit, err := s.cache.Get(r.Context(), cache.KeyStats, &cached)
	if err != nil {
		s.logger.Warn().Err(err).Msg("stats cache read failed")
	}
	if hit {
		s.writeJSON(w, http.StatusOK, cached)
		return
	}

	st, err := s.stats.Stats(r.Context(), time.Now())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to aggregate stats")
		s.writeError(w, http.StatusInternalServerError, "failed to load statistics")
		return
	}
	if err := s.cache.Set(r.Context(), cache.KeyStats, st); err != nil {
		s.logger.Warn().Err(err).Msg("stats cache write failed")
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	var cached []stats.ChartPoint
	hit, err := s.cache.Get(r.Context(), cache.KeyChart, &cached)
	if err != nil {
		s.logger.Warn().Err(err).Msg("chart cache read failed")
	}
	if hit {
		s.writeJSON(w, http.StatusOK, cached)
		return
	}

	points, err := s.stats.Chart(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to build chart series")
		s.writeError(w, http.StatusInternalServerError, "failed to load chart data")
		return
	}
	if err := s.cache.Set(r.Context(), cache.KeyChart, points); err != nil {
		s.logger.Warn().Err(err).Msg("chart cache write failed")
	}
	s.writeJSON(w, http.StatusOK, points)
}

func (s *Server) handleChatPage(w http.ResponseWriter, _ *http.Request) {
	s.renderPage(w, "chat.html", nil)
}

func (s *Server) handleEditorPage(w http.ResponseWriter, _ *http.Request) {
	s.renderPage(w, "editor.html", nil)
}

func (s *Server) handleAdminPage(w http.ResponseWriter, _ *http.Request) {
	s.renderPage(w, "admin.html", nil)
}
