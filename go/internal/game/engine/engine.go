package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/quizwire/quizwire/go/internal/game/events"
	"github.com/quizwire/quizwire/go/internal/game/pin"
	"github.com/quizwire/quizwire/go/internal/game/store"
	"github.com/quizwire/quizwire/go/internal/models"
)

// Broadcaster delivers server events to the connections of one session.
// Delivery is best-effort per connection; a failed send never blocks the
// engine.
type Broadcaster interface {
	BroadcastToPlayers(pin string, event *events.GameEvent)
	SendToHost(pin string, event *events.GameEvent)
	SendToPlayer(pin, name string, event *events.GameEvent)
	DisconnectPlayer(pin, name string)
}

// ContentRepository supplies the ordered question list for a quiz. Read-only
// from the engine's perspective.
type ContentRepository interface {
	QuizQuestions(ctx context.Context, quizID uuid.UUID) ([]models.Question, error)
}

// ResultsSink receives the final results record when a session reaches its
// terminal phase.
type ResultsSink interface {
	Persist(ctx context.Context, results models.FinalResults) error
}

// Config holds engine dependencies and tuning.
type Config struct {
	Store       *store.Store
	PINs        *pin.Allocator
	Content     ContentRepository
	Results     ResultsSink
	Broadcaster Broadcaster

	// Clock drives question timers and grace periods. Use
	// clockwork.NewRealClock() in production, a FakeClock in tests.
	Clock clockwork.Clock

	// HeartbeatGrace is how long a session survives after its host
	// connection is lost before it is torn down.
	HeartbeatGrace time.Duration

	// PINGrace is how long after FINISHED a PIN stays reserved before it
	// returns to the free pool.
	PINGrace time.Duration
}

// Engine owns every live session. Each session is driven by its own worker
// goroutine consuming a serialized command stream, so host commands, player
// submissions, timer expiry and heartbeat loss are applied in one order and
// the state machine never races with itself.
type Engine struct {
	store       *store.Store
	pins        *pin.Allocator
	content     ContentRepository
	results     ResultsSink
	broadcaster Broadcaster
	clock       clockwork.Clock

	heartbeatGrace time.Duration
	pinGrace       time.Duration

	mu       sync.RWMutex
	sessions map[string]*session

	wg sync.WaitGroup
}

// New creates an engine.
func New(c Config) *Engine {
	clock := c.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Engine{
		store:          c.Store,
		pins:           c.PINs,
		content:        c.Content,
		results:        c.Results,
		broadcaster:    c.Broadcaster,
		clock:          clock,
		heartbeatGrace: c.HeartbeatGrace,
		pinGrace:       c.PINGrace,
		sessions:       make(map[string]*session),
	}
}

// CreateSessionRequest carries everything needed to open a new session. The
// host identity is verified by the auth collaborator before it reaches the
// engine.
type CreateSessionRequest struct {
	Host     string
	QuizID   uuid.UUID
	Settings models.GameSettings
}

// CreateSession allocates a PIN, persists the session in the lobby phase and
// starts its worker.
func (e *Engine) CreateSession(ctx context.Context, req CreateSessionRequest) (*models.Session, error) {
	if req.Host == "" {
		return nil, fmt.Errorf("%w: host is required", ErrValidation)
	}

	questions, err := e.content.QuizQuestions(ctx, req.QuizID)
	if err != nil {
		return nil, fmt.Errorf("load quiz %s: %w", req.QuizID, err)
	}
	if len(questions) == 0 {
		return nil, ErrNoQuestions
	}

	p, err := e.pins.Allocate(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate pin: %w", err)
	}

	ss := &models.Session{
		ID:           uuid.New(),
		PIN:          p,
		QuizID:       req.QuizID,
		Host:         req.Host,
		Phase:        models.GamePhaseLobby,
		CurrentIndex: -1,
		Settings:     req.Settings,
		CreatedAt:    e.clock.Now().UTC(),
	}

	if err := e.store.Create(ctx, ss); err != nil {
		if relErr := e.pins.Release(ctx, p); relErr != nil {
			log.Error().Err(relErr).Str("pin", p).Msg("failed to release pin after create failure")
		}
		return nil, err
	}

	e.startWorker(ss, questions, nil)

	log.Info().
		Str("pin", p).
		Str("session_id", ss.ID.String()).
		Str("host", req.Host).
		Int("questions", len(questions)).
		Msg("session created")

	return ss, nil
}

// Resume rebuilds a worker for a session that exists in the store but has no
// live worker, e.g. after a process restart. Any question that was open when
// the process died is resumed as closed; its round state was ephemeral.
func (e *Engine) Resume(ctx context.Context, p string) (*models.Session, error) {
	e.mu.RLock()
	_, live := e.sessions[p]
	e.mu.RUnlock()
	if live {
		return nil, fmt.Errorf("session %s already live", p)
	}

	ss, err := e.store.Get(ctx, p)
	if err != nil {
		return nil, err
	}
	if ss.Phase == models.GamePhaseFinished {
		return nil, ErrSessionFinished
	}

	questions, err := e.content.QuizQuestions(ctx, ss.QuizID)
	if err != nil {
		return nil, fmt.Errorf("load quiz %s: %w", ss.QuizID, err)
	}

	if ss.Phase == models.GamePhaseQuestionOpen {
		ss.Phase = models.GamePhaseQuestionClosed
		if err := e.store.UpdatePhase(ctx, p, ss.Phase, ss.CurrentIndex); err != nil {
			return nil, err
		}
	}

	players, err := e.store.GetPlayers(ctx, p)
	if err != nil {
		return nil, err
	}

	e.startWorker(ss, questions, players)

	log.Info().Str("pin", p).Str("phase", string(ss.Phase)).Msg("session resumed")
	return ss, nil
}

func (e *Engine) startWorker(ss *models.Session, questions []models.Question, players []models.Player) {
	s := newSession(e, ss, questions, players)

	e.mu.Lock()
	if _, exists := e.sessions[ss.PIN]; exists {
		// Lost a resume race; the existing worker stays authoritative.
		e.mu.Unlock()
		return
	}
	e.sessions[ss.PIN] = s
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		s.run()
	}()
}

func (e *Engine) sessionFor(p string) (*session, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[p]
	return s, ok
}

func (e *Engine) removeSession(p string) {
	e.mu.Lock()
	delete(e.sessions, p)
	e.mu.Unlock()
}

// EnsureLive guarantees a worker exists for pin, resuming the session from
// the store if needed.
func (e *Engine) EnsureLive(ctx context.Context, p string) error {
	if _, ok := e.sessionFor(p); ok {
		return nil
	}
	_, err := e.Resume(ctx, p)
	return err
}

// AuthorizeHost checks that identity owns the session behind pin.
func (e *Engine) AuthorizeHost(ctx context.Context, p, identity string) error {
	ss, err := e.store.Get(ctx, p)
	if err != nil {
		return err
	}
	if ss.Host != identity {
		return ErrUnauthorized
	}
	return nil
}

// Join admits a player, or resumes their record if the display name is
// already known and its connection is dead. Synchronous: the outcome decides
// whether the gateway accepts the connection. Name collisions are resolved
// deterministically inside the session worker.
func (e *Engine) Join(ctx context.Context, p, name string) error {
	if name == "" {
		return fmt.Errorf("%w: display name is required", ErrValidation)
	}

	s, ok := e.sessionFor(p)
	if !ok {
		return store.ErrNotFound
	}

	reply := make(chan error, 1)
	if !s.enqueue(joinCmd{name: name, reply: reply}) {
		return store.ErrNotFound
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		// The worker terminated with this join still in flight; prefer
		// its reply if one was sent before exit.
		select {
		case err := <-reply:
			return err
		default:
			return ErrSessionFinished
		}
	}
}

// HandleHostCommand enqueues a host command for the session worker.
// Rejections are reported back to the host connection as Error events.
func (e *Engine) HandleHostCommand(p string, cmd events.Command) {
	s, ok := e.sessionFor(p)
	if !ok {
		log.Warn().Str("pin", p).Str("command", string(cmd.Type)).Msg("host command for unknown session")
		return
	}
	s.enqueue(hostCmd{cmd: cmd})
}

// HandlePlayerCommand enqueues a player command for the session worker.
func (e *Engine) HandlePlayerCommand(p, name string, cmd events.Command) {
	s, ok := e.sessionFor(p)
	if !ok {
		log.Warn().Str("pin", p).Str("player", name).Msg("player command for unknown session")
		return
	}
	s.enqueue(playerCmd{name: name, cmd: cmd})
}

// HostDisconnected starts the heartbeat grace timer. If the host does not
// come back before it fires, the session is torn down to FINISHED with
// whatever scores exist.
func (e *Engine) HostDisconnected(p string) {
	if s, ok := e.sessionFor(p); ok {
		s.enqueue(hostLostCmd{})
	}
}

// HostConnected cancels a pending teardown after a host reconnect or
// takeover.
func (e *Engine) HostConnected(p string) {
	if s, ok := e.sessionFor(p); ok {
		s.enqueue(hostBackCmd{})
	}
}

// PlayerDisconnected marks the player's record as disconnected. The record
// itself survives; rejoining with the same name resumes it.
func (e *Engine) PlayerDisconnected(p, name string) {
	if s, ok := e.sessionFor(p); ok {
		s.enqueue(playerLostCmd{name: name})
	}
}

// Heartbeat refreshes the TTL on every key belonging to the session,
// including its PIN reservation. Driven by host pongs in the gateway.
func (e *Engine) Heartbeat(ctx context.Context, p string) {
	if err := e.store.Touch(ctx, p); err != nil {
		log.Error().Err(err).Str("pin", p).Msg("failed to refresh session ttl")
		return
	}
	if err := e.pins.Touch(ctx, p); err != nil {
		log.Error().Err(err).Str("pin", p).Msg("failed to refresh pin reservation")
	}
}

// Leaderboard returns the current standings for a session.
func (e *Engine) Leaderboard(ctx context.Context, p string) ([]models.LeaderboardEntry, error) {
	if _, err := e.store.Get(ctx, p); err != nil {
		return nil, err
	}
	return e.store.Leaderboard(ctx, p)
}

// Shutdown finishes every in-flight session so partial results reach the
// results sink, then waits for the workers to exit.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.RLock()
	live := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		live = append(live, s)
	}
	e.mu.RUnlock()

	for _, s := range live {
		s.enqueue(abortCmd{reason: "server shutdown"})
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("engine shutdown complete")
	case <-ctx.Done():
		log.Warn().Msg("engine shutdown timed out")
	}
}
