package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quizwire/quizwire/go/internal/game/engine"
	"github.com/quizwire/quizwire/go/internal/game/pin"
	"github.com/quizwire/quizwire/go/internal/game/store"
	"github.com/quizwire/quizwire/go/internal/models"
)

// API exposes the REST surface: session creation for hosts and a read-only
// leaderboard. Everything real-time goes over the WebSocket gateway.
type API struct {
	engine *engine.Engine
}

func NewAPI(e *engine.Engine) *API {
	return &API{engine: e}
}

func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /games", a.handleCreateGame)
	mux.HandleFunc("GET /games/{pin}/leaderboard", a.handleLeaderboard)
}

type createGameRequest struct {
	QuizID   string              `json:"quizId"`
	Settings models.GameSettings `json:"settings"`
}

type createGameResponse struct {
	SessionID string `json:"sessionId"`
	PIN       string `json:"pin"`
	Phase     string `json:"phase"`
}

func (a *API) handleCreateGame(w http.ResponseWriter, r *http.Request) {
	identity := r.Header.Get("X-Host-Identity")
	if identity == "" {
		http.Error(w, "host identity is required", http.StatusUnauthorized)
		return
	}

	var req createGameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	quizID, err := uuid.Parse(req.QuizID)
	if err != nil {
		http.Error(w, "invalid quiz id", http.StatusBadRequest)
		return
	}

	session, err := a.engine.CreateSession(r.Context(), engine.CreateSessionRequest{
		Host:     identity,
		QuizID:   quizID,
		Settings: req.Settings,
	})
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, engine.ErrNoQuestions):
		http.Error(w, "quiz not found or empty", http.StatusNotFound)
		return
	case errors.Is(err, pin.ErrAllocationExhausted):
		http.Error(w, "no session pins available", http.StatusServiceUnavailable)
		return
	default:
		log.Error().Err(err).Msg("failed to create game session")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(createGameResponse{
		SessionID: session.ID.String(),
		PIN:       session.PIN,
		Phase:     string(session.Phase),
	})
}

func (a *API) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	p := r.PathValue("pin")

	standings, err := a.engine.Leaderboard(r.Context(), p)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "unknown or expired pin", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Str("pin", p).Msg("failed to load leaderboard")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"pin":     p,
		"entries": standings,
	})
}
