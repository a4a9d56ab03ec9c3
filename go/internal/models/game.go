package models

import (
	"time"

	"github.com/google/uuid"
)

// GamePhase defines the state-machine phase of a live game session.
type GamePhase string

const (
	GamePhaseLobby          GamePhase = "LOBBY"
	GamePhaseQuestionOpen   GamePhase = "QUESTION_OPEN"
	GamePhaseQuestionClosed GamePhase = "QUESTION_CLOSED"
	GamePhaseFinished       GamePhase = "FINISHED"
)

// GameMode controls whether answer text is revealed to players. It is a
// presentation flag passed through to question broadcasts, never scored.
type GameMode string

const (
	GameModeClassic GameMode = "CLASSIC"
	GameModeBlind   GameMode = "BLIND"
)

// GameSettings holds per-session configuration.
type GameSettings struct {
	Mode GameMode `json:"mode"`
	// HeartbeatGraceSec is how long a session survives without a host
	// heartbeat before it is torn down.
	HeartbeatGraceSec int `json:"heartbeat_grace_sec"`
}

// Session represents one live game, addressed by PIN while active.
type Session struct {
	ID           uuid.UUID    `json:"id"`
	PIN          string       `json:"pin"`
	QuizID       uuid.UUID    `json:"quiz_id"`
	Host         string       `json:"host"`
	Phase        GamePhase    `json:"phase"`
	CurrentIndex int          `json:"current_index"`
	Settings     GameSettings `json:"settings"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Question is one multiple-choice question as supplied by the quiz content
// collaborator. Read-only from the engine's perspective.
type Question struct {
	ID           uuid.UUID `json:"id"`
	Prompt       string    `json:"prompt"`
	Choices      []Choice  `json:"choices"`
	CorrectIDs   []string  `json:"correct_ids"`
	TimeLimitSec int       `json:"time_limit_sec"`
}

// Choice is one selectable answer for a question.
type Choice struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// TimeLimit returns the question's answer window as a duration.
func (q Question) TimeLimit() time.Duration {
	return time.Duration(q.TimeLimitSec) * time.Second
}

// IsCorrect reports whether the submitted choice id is among the question's
// correct answer identifiers.
func (q Question) IsCorrect(choiceID string) bool {
	for _, id := range q.CorrectIDs {
		if id == choiceID {
			return true
		}
	}
	return false
}
