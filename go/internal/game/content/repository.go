package content

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quizwire/quizwire/go/internal/models"
)

// Repository reads quiz content from Postgres. The quiz store is an
// external collaborator; this adapter is strictly read-only.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a content repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// QuizQuestions returns the ordered question list for a quiz, including the
// correct answer identifiers and per-question time limits.
func (r *Repository) QuizQuestions(ctx context.Context, quizID uuid.UUID) ([]models.Question, error) {
	const stmt = `
SELECT id, prompt, choices, correct_ids, time_limit_sec
FROM questions
WHERE quiz_id = $1
ORDER BY position;`

	rows, err := r.db.Query(ctx, stmt, quizID)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}

	questions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Question, error) {
		var (
			q       models.Question
			choices []byte
		)
		if err := row.Scan(&q.ID, &q.Prompt, &choices, &q.CorrectIDs, &q.TimeLimitSec); err != nil {
			return models.Question{}, err
		}
		if err := json.Unmarshal(choices, &q.Choices); err != nil {
			return models.Question{}, fmt.Errorf("unmarshal choices: %w", err)
		}
		return q, nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect questions: %w", err)
	}

	return questions, nil
}
