package models

import "time"

// Player is a joined participant, identified by display name within a
// session. The record survives transient disconnects; reconnecting with the
// same name resumes it.
type Player struct {
	Name      string    `json:"name"`
	Score     int       `json:"score"`
	JoinedAt  time.Time `json:"joined_at"`
	Connected bool      `json:"connected"`
}

// ScoreEntry records one accepted answer. Append-only; a player's cumulative
// score is the sum of their entries.
type ScoreEntry struct {
	Player        string        `json:"player"`
	QuestionIndex int           `json:"question_index"`
	Points        int           `json:"points"`
	Correct       bool          `json:"correct"`
	Latency       time.Duration `json:"latency"`
}

// LeaderboardEntry is one row of the ranked standings for a session.
type LeaderboardEntry struct {
	Rank   int    `json:"rank"`
	Player string `json:"player"`
	Score  int    `json:"score"`
}

// FinalResults is the durable record emitted when a session reaches
// FINISHED, destined for the results persistence collaborator.
type FinalResults struct {
	SessionID  string             `json:"session_id"`
	PIN        string             `json:"pin"`
	QuizID     string             `json:"quiz_id"`
	Host       string             `json:"host"`
	FinishedAt time.Time          `json:"finished_at"`
	Standings  []LeaderboardEntry `json:"standings"`
	Entries    []ScoreEntry       `json:"entries"`
}
