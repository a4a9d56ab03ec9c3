package results

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quizwire/quizwire/go/internal/models"
	"github.com/quizwire/quizwire/go/internal/sqlutil"
)

// Repository persists final game results to Postgres. One results record
// plus its per-answer rows are written in a single transaction.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a results repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Persist writes the results record emitted when a session finishes.
func (r *Repository) Persist(ctx context.Context, res models.FinalResults) error {
	const (
		insResultStmt = `
INSERT INTO game_results (session_id, pin, quiz_id, host, finished_at)
VALUES ($1, $2, $3, $4, $5);`
		insEntryStmt = `
INSERT INTO game_result_entries (session_id, player, question_index, points, correct, latency_ms)
VALUES ($1, $2, $3, $4, $5, $6);`
	)

	return sqlutil.Run(ctx, r.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, insResultStmt, res.SessionID, res.PIN, res.QuizID, res.Host, res.FinishedAt)
		if err != nil {
			return fmt.Errorf("insert game result: %w", err)
		}

		for _, e := range res.Entries {
			_, err = tx.Exec(ctx, insEntryStmt,
				res.SessionID, e.Player, e.QuestionIndex, e.Points, e.Correct, e.Latency.Milliseconds())
			if err != nil {
				return fmt.Errorf("insert result entry: %w", err)
			}
		}

		return nil
	})
}
