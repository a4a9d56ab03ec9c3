package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/quizwire/quizwire/go/internal/models"
)

// ErrNotFound is returned for operations against an unknown or expired PIN.
var ErrNotFound = errors.New("session not found")

// ErrDuplicateEntry is returned when a score entry already exists for the
// same player and question index.
var ErrDuplicateEntry = errors.New("score entry already exists")

// Store is the Redis-backed session state store. It is the single source of
// truth for session state; every key carries a TTL so idle sessions expire
// and release their PIN. All mutation goes through the engine.
type Store struct {
	redis redis.UniversalClient
	ttl   time.Duration
}

// New creates a session store. ttl bounds how long a session survives
// without a host heartbeat refreshing it via Touch.
func New(client redis.UniversalClient, ttl time.Duration) *Store {
	return &Store{
		redis: client,
		ttl:   ttl,
	}
}

// appendScoreScript records a score entry and bumps the player's cumulative
// total as one atomic unit. Returns -1 if an entry already exists for the
// same player and question index.
var appendScoreScript = redis.NewScript(`
if redis.call("HSETNX", KEYS[1], ARGV[1], ARGV[2]) == 0 then
	return -1
end
local total = redis.call("ZINCRBY", KEYS[2], ARGV[3], ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
redis.call("PEXPIRE", KEYS[2], ARGV[5])
return total
`)

func sessionKey(pin string) string { return "session:" + pin }
func playersKey(pin string) string { return "session:" + pin + ":players" }
func scoresKey(pin string) string  { return "session:" + pin + ":scores" }
func totalsKey(pin string) string  { return "session:" + pin + ":totals" }

// scoreField keys one (player, question index) pair in the scores hash.
func scoreField(player string, index int) string {
	return player + "/" + strconv.Itoa(index)
}

// Create persists a new session under its PIN.
func (s *Store) Create(ctx context.Context, ss *models.Session) error {
	settings, err := json.Marshal(ss.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	_, err = s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, sessionKey(ss.PIN), map[string]any{
			"id":            ss.ID.String(),
			"quiz_id":       ss.QuizID.String(),
			"host":          ss.Host,
			"phase":         string(ss.Phase),
			"current_index": ss.CurrentIndex,
			"settings":      settings,
			"created_at":    ss.CreatedAt.UnixMilli(),
		})
		p.Expire(ctx, sessionKey(ss.PIN), s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("create session %s: %w", ss.PIN, err)
	}

	return nil
}

// Get loads the session stored under pin.
func (s *Store) Get(ctx context.Context, pin string) (*models.Session, error) {
	fields, err := s.redis.HGetAll(ctx, sessionKey(pin)).Result()
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", pin, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	id, err := uuid.Parse(fields["id"])
	if err != nil {
		return nil, fmt.Errorf("parse session id: %w", err)
	}
	quizID, err := uuid.Parse(fields["quiz_id"])
	if err != nil {
		return nil, fmt.Errorf("parse quiz id: %w", err)
	}

	index, _ := strconv.Atoi(fields["current_index"])
	createdMs, _ := strconv.ParseInt(fields["created_at"], 10, 64)

	var settings models.GameSettings
	if raw := fields["settings"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &settings); err != nil {
			return nil, fmt.Errorf("unmarshal settings: %w", err)
		}
	}

	return &models.Session{
		ID:           id,
		PIN:          pin,
		QuizID:       quizID,
		Host:         fields["host"],
		Phase:        models.GamePhase(fields["phase"]),
		CurrentIndex: index,
		Settings:     settings,
		CreatedAt:    time.UnixMilli(createdMs).UTC(),
	}, nil
}

// UpdatePhase persists a phase transition together with the question index
// it applies to. The engine is the only caller.
func (s *Store) UpdatePhase(ctx context.Context, pin string, phase models.GamePhase, index int) error {
	n, err := s.redis.Exists(ctx, sessionKey(pin)).Result()
	if err != nil {
		return fmt.Errorf("update phase %s: %w", pin, err)
	}
	if n == 0 {
		return ErrNotFound
	}

	err = s.redis.HSet(ctx, sessionKey(pin), "phase", string(phase), "current_index", index).Err()
	if err != nil {
		return fmt.Errorf("update phase %s: %w", pin, err)
	}

	return nil
}

// Delete removes every key belonging to the session.
func (s *Store) Delete(ctx context.Context, pin string) error {
	err := s.redis.Del(ctx, sessionKey(pin), playersKey(pin), scoresKey(pin), totalsKey(pin)).Err()
	if err != nil {
		return fmt.Errorf("delete session %s: %w", pin, err)
	}
	return nil
}

// PutPlayer upserts a player record in the session's player namespace.
func (s *Store) PutPlayer(ctx context.Context, pin string, p models.Player) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal player: %w", err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, playersKey(pin), p.Name, raw)
		pipe.Expire(ctx, playersKey(pin), s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put player %s/%s: %w", pin, p.Name, err)
	}

	return nil
}

// GetPlayer loads one player record by display name.
func (s *Store) GetPlayer(ctx context.Context, pin, name string) (*models.Player, error) {
	raw, err := s.redis.HGet(ctx, playersKey(pin), name).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get player %s/%s: %w", pin, name, err)
	}

	var p models.Player
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("unmarshal player: %w", err)
	}

	return &p, nil
}

// GetPlayers loads all player records for the session.
func (s *Store) GetPlayers(ctx context.Context, pin string) ([]models.Player, error) {
	raw, err := s.redis.HGetAll(ctx, playersKey(pin)).Result()
	if err != nil {
		return nil, fmt.Errorf("get players %s: %w", pin, err)
	}

	players := make([]models.Player, 0, len(raw))
	for _, v := range raw {
		var p models.Player
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			return nil, fmt.Errorf("unmarshal player: %w", err)
		}
		players = append(players, p)
	}

	sort.Slice(players, func(i, j int) bool { return players[i].Name < players[j].Name })
	return players, nil
}

// RemovePlayer deletes a player record and drops them from the leaderboard,
// e.g. after a kick. Their per-question entries are kept for the final
// results record.
func (s *Store) RemovePlayer(ctx context.Context, pin, name string) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, playersKey(pin), name)
		pipe.ZRem(ctx, totalsKey(pin), name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove player %s/%s: %w", pin, name, err)
	}
	return nil
}

// AppendScore records one accepted answer and bumps the player's cumulative
// total atomically. Returns the new total, or ErrDuplicateEntry if the
// player already has an entry for this question index.
func (s *Store) AppendScore(ctx context.Context, pin string, e models.ScoreEntry) (int, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("marshal score entry: %w", err)
	}

	res, err := appendScoreScript.Run(ctx, s.redis,
		[]string{scoresKey(pin), totalsKey(pin)},
		scoreField(e.Player, e.QuestionIndex), raw, e.Points, e.Player, s.ttl.Milliseconds(),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("append score %s/%s: %w", pin, e.Player, err)
	}

	switch v := res.(type) {
	case int64:
		if v == -1 {
			return 0, ErrDuplicateEntry
		}
		return int(v), nil
	case string:
		total, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("parse total: %w", err)
		}
		return int(total), nil
	default:
		return 0, fmt.Errorf("append score: unexpected reply %T", res)
	}
}

// Entries loads every score entry recorded for the session.
func (s *Store) Entries(ctx context.Context, pin string) ([]models.ScoreEntry, error) {
	raw, err := s.redis.HGetAll(ctx, scoresKey(pin)).Result()
	if err != nil {
		return nil, fmt.Errorf("get score entries %s: %w", pin, err)
	}

	entries := make([]models.ScoreEntry, 0, len(raw))
	for _, v := range raw {
		var e models.ScoreEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("unmarshal score entry: %w", err)
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].QuestionIndex != entries[j].QuestionIndex {
			return entries[i].QuestionIndex < entries[j].QuestionIndex
		}
		return entries[i].Player < entries[j].Player
	})
	return entries, nil
}

// Leaderboard returns the ranked standings for the session, highest total
// first.
func (s *Store) Leaderboard(ctx context.Context, pin string) ([]models.LeaderboardEntry, error) {
	res, err := s.redis.ZRevRangeWithScores(ctx, totalsKey(pin), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard %s: %w", pin, err)
	}

	entries := make([]models.LeaderboardEntry, 0, len(res))
	for i, z := range res {
		entries = append(entries, models.LeaderboardEntry{
			Rank:   i + 1,
			Player: z.Member.(string),
			Score:  int(z.Score),
		})
	}

	return entries, nil
}

// Touch refreshes the TTL on every key belonging to the session. Called on
// host heartbeat; a session whose host goes silent expires on its own.
func (s *Store) Touch(ctx context.Context, pin string) error {
	_, err := s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Expire(ctx, sessionKey(pin), s.ttl)
		p.Expire(ctx, playersKey(pin), s.ttl)
		p.Expire(ctx, scoresKey(pin), s.ttl)
		p.Expire(ctx, totalsKey(pin), s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("touch session %s: %w", pin, err)
	}
	return nil
}

// TTL returns the store's configured session time-to-live.
func (s *Store) TTL() time.Duration {
	return s.ttl
}
