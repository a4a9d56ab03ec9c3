package events

import (
	"encoding/json"
	"time"
)

// GameEvent is the envelope for every server→client frame.
type GameEvent struct {
	ID        string          `json:"id"`        // Event UUID
	PIN       string          `json:"pin"`       // Session PIN
	Type      EventType       `json:"type"`      // Event type
	Timestamp time.Time       `json:"timestamp"` // Event creation time
	Data      json.RawMessage `json:"data"`      // Event-specific payload
}

// EventType identifies a server→client event.
type EventType string

const (
	EventTypePhaseChanged EventType = "PhaseChanged"
	EventTypeQuestion     EventType = "Question"
	EventTypeAnswerResult EventType = "AnswerResult"
	EventTypeRoundResults EventType = "RoundResults"
	EventTypePlayerJoined EventType = "PlayerJoined"
	EventTypePlayerLeft   EventType = "PlayerLeft"
	EventTypeLeaderboard  EventType = "Leaderboard"
	EventTypeGameOver     EventType = "GameOver"
	EventTypeError        EventType = "Error"
)

// CommandType identifies a client→server frame.
type CommandType string

const (
	// Host commands.
	CommandStartQuestion CommandType = "start_question"
	CommandCloseQuestion CommandType = "close_question"
	CommandNextQuestion  CommandType = "next_question"
	CommandEndGame       CommandType = "end_game"
	CommandKickPlayer    CommandType = "kick_player"

	// Player commands.
	CommandJoin   CommandType = "join"
	CommandAnswer CommandType = "answer"
)

// Command is the envelope for every client→server frame.
type Command struct {
	Type CommandType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// StartQuestionPayload carries the question index for start_question.
type StartQuestionPayload struct {
	Index int `json:"index"`
}

// KickPlayerPayload names the player to remove.
type KickPlayerPayload struct {
	Name string `json:"name"`
}

// AnswerPayload is a player's submission for the open question.
type AnswerPayload struct {
	ChoiceID string `json:"choice_id"`
	// SentAt is the client-side timestamp, carried for diagnostics only;
	// admission and scoring use server time.
	SentAt time.Time `json:"sent_at"`
}
