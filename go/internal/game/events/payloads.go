package events

import (
	"time"

	"github.com/quizwire/quizwire/go/internal/models"
)

// Server→client payload types shared between engine and gateway packages.

// PhaseChangedPayload is the payload for a PhaseChanged event.
type PhaseChangedPayload struct {
	Phase         models.GamePhase `json:"phase"`
	QuestionIndex int              `json:"question_index"`
}

// QuestionChoice is a choice as presented to players. Text is omitted in
// blind mode.
type QuestionChoice struct {
	ID   string `json:"id"`
	Text string `json:"text,omitempty"`
}

// QuestionPayload is the payload for a Question event.
type QuestionPayload struct {
	Index        int              `json:"index"`
	Prompt       string           `json:"prompt"`
	Choices      []QuestionChoice `json:"choices"`
	TimeLimitSec int              `json:"time_limit_sec"`
	StartedAt    time.Time        `json:"started_at"`
	ClosesAt     time.Time        `json:"closes_at"`
}

// AnswerResultPayload is sent to one player after their submission is
// admitted, or rejected with a reason.
type AnswerResultPayload struct {
	QuestionIndex int    `json:"question_index"`
	Accepted      bool   `json:"accepted"`
	Correct       bool   `json:"correct"`
	Points        int    `json:"points"`
	TotalScore    int    `json:"total_score"`
	Reason        string `json:"reason,omitempty"`
}

// RoundResultsPayload is broadcast when a question closes.
type RoundResultsPayload struct {
	QuestionIndex int                 `json:"question_index"`
	CorrectIDs    []string            `json:"correct_ids"`
	Results       []PlayerRoundResult `json:"results"`
	Answered      int                 `json:"answered"`
}

// PlayerRoundResult is one player's outcome for a closed round.
type PlayerRoundResult struct {
	Player  string `json:"player"`
	Correct bool   `json:"correct"`
	Points  int    `json:"points"`
}

// PlayerJoinedPayload announces a new or reconnected player.
type PlayerJoinedPayload struct {
	Name        string `json:"name"`
	PlayerCount int    `json:"player_count"`
	Reconnected bool   `json:"reconnected"`
}

// PlayerLeftPayload announces a removed player.
type PlayerLeftPayload struct {
	Name   string `json:"name"`
	Kicked bool   `json:"kicked"`
}

// LeaderboardPayload carries the ranked standings.
type LeaderboardPayload struct {
	Entries []models.LeaderboardEntry `json:"entries"`
	Final   bool                      `json:"final"`
}

// GameOverPayload is broadcast when the session reaches its terminal phase.
type GameOverPayload struct {
	FinishedAt time.Time                 `json:"finished_at"`
	Standings  []models.LeaderboardEntry `json:"standings"`
	Aborted    bool                      `json:"aborted"`
}

// ErrorPayload reports a rejected command back to its sender only.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
