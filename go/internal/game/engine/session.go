package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/quizwire/quizwire/go/internal/game/events"
	"github.com/quizwire/quizwire/go/internal/game/score"
	"github.com/quizwire/quizwire/go/internal/game/store"
	"github.com/quizwire/quizwire/go/internal/models"
)

// Commands consumed by the session worker. Timer expiry and heartbeat loss
// enter the same stream as host commands, so every race is resolved by
// ordinary message ordering.
type command interface{}

type joinCmd struct {
	name  string
	reply chan error
}

type hostCmd struct {
	cmd events.Command
}

type playerCmd struct {
	name string
	cmd  events.Command
}

type timerCmd struct {
	seq int
}

type hostLostCmd struct{}

type hostBackCmd struct{}

type playerLostCmd struct {
	name string
}

type graceCmd struct {
	seq int
}

type abortCmd struct {
	reason string
}

// round is the ephemeral state of one open question. It lives only inside
// the session worker and is discarded when the question closes; accepted
// answers are persisted into cumulative scores as they arrive.
type round struct {
	index     int
	seq       int
	startedAt time.Time
	limit     time.Duration
	results   map[string]events.PlayerRoundResult
	closed    bool
	cancel    chan struct{}
}

// session is one live game driven by a single worker goroutine. The worker
// is the sole writer of session phase; everything else observes it through
// the store or broadcasts.
type session struct {
	e *Engine

	model     *models.Session
	questions []models.Question
	players   map[string]*models.Player

	cmdCh  chan command
	closed chan struct{}

	round    *round
	roundSeq int

	graceSeq    int
	graceCancel chan struct{}

	finished bool
}

func newSession(e *Engine, ss *models.Session, questions []models.Question, players []models.Player) *session {
	s := &session{
		e:         e,
		model:     ss,
		questions: questions,
		players:   make(map[string]*models.Player, len(players)),
		cmdCh:     make(chan command, 64),
		closed:    make(chan struct{}),
	}

	for i := range players {
		p := players[i]
		p.Connected = false
		s.players[p.Name] = &p
	}

	return s
}

// enqueue submits a command to the worker. Returns false once the session
// has terminated.
func (s *session) enqueue(c command) bool {
	select {
	case s.cmdCh <- c:
		return true
	case <-s.closed:
		return false
	}
}

func (s *session) run() {
	for !s.finished {
		s.dispatch(<-s.cmdCh)
	}

	close(s.closed)
	s.drain()
	s.e.removeSession(s.model.PIN)
}

// drain rejects commands that were buffered behind the terminal transition.
// Joins get a reply so their callers never block on a dead worker.
func (s *session) drain() {
	for {
		select {
		case c := <-s.cmdCh:
			if join, ok := c.(joinCmd); ok {
				join.reply <- ErrSessionFinished
			}
		default:
			return
		}
	}
}

func (s *session) dispatch(c command) {
	ctx := context.Background()

	switch c := c.(type) {
	case joinCmd:
		c.reply <- s.handleJoin(ctx, c.name)
	case hostCmd:
		s.handleHostCommand(ctx, c.cmd)
	case playerCmd:
		s.handlePlayerCommand(ctx, c.name, c.cmd)
	case timerCmd:
		s.handleTimerExpiry(ctx, c.seq)
	case hostLostCmd:
		s.handleHostLost()
	case hostBackCmd:
		s.handleHostBack()
	case playerLostCmd:
		s.handlePlayerLost(ctx, c.name)
	case graceCmd:
		s.handleGraceExpiry(ctx, c.seq)
	case abortCmd:
		log.Warn().Str("pin", s.model.PIN).Str("reason", c.reason).Msg("aborting session")
		s.finish(ctx, true)
	default:
		log.Error().Str("pin", s.model.PIN).Msgf("unknown command %T", c)
	}
}

func (s *session) handleJoin(ctx context.Context, name string) error {
	if s.finished {
		return ErrSessionFinished
	}

	if p, ok := s.players[name]; ok {
		if p.Connected {
			return ErrNameTaken
		}

		// Reconnect by name resumes the existing record; score survives.
		p.Connected = true
		if err := s.e.store.PutPlayer(ctx, s.model.PIN, *p); err != nil {
			return fmt.Errorf("persist player: %w", err)
		}

		s.broadcast(events.EventTypePlayerJoined, events.PlayerJoinedPayload{
			Name:        name,
			PlayerCount: len(s.players),
			Reconnected: true,
		})
		return nil
	}

	if s.model.Phase != models.GamePhaseLobby {
		return ErrJoinClosed
	}

	p := &models.Player{
		Name:      name,
		JoinedAt:  s.e.clock.Now().UTC(),
		Connected: true,
	}
	if err := s.e.store.PutPlayer(ctx, s.model.PIN, *p); err != nil {
		return fmt.Errorf("persist player: %w", err)
	}
	s.players[name] = p

	s.broadcast(events.EventTypePlayerJoined, events.PlayerJoinedPayload{
		Name:        name,
		PlayerCount: len(s.players),
	})

	log.Info().Str("pin", s.model.PIN).Str("player", name).Msg("player joined")
	return nil
}

func (s *session) handleHostCommand(ctx context.Context, cmd events.Command) {
	var err error

	switch cmd.Type {
	case events.CommandStartQuestion:
		var p events.StartQuestionPayload
		if err = json.Unmarshal(cmd.Data, &p); err != nil {
			err = fmt.Errorf("%w: %v", ErrValidation, err)
			break
		}
		err = s.startQuestion(ctx, p.Index)

	case events.CommandCloseQuestion:
		err = s.closeQuestion(ctx)

	case events.CommandNextQuestion:
		err = s.nextQuestion(ctx)

	case events.CommandEndGame:
		err = s.endGame(ctx)

	case events.CommandKickPlayer:
		var p events.KickPlayerPayload
		if err = json.Unmarshal(cmd.Data, &p); err != nil {
			err = fmt.Errorf("%w: %v", ErrValidation, err)
			break
		}
		err = s.kickPlayer(ctx, p.Name)

	default:
		err = fmt.Errorf("%w: unknown host command %q", ErrValidation, cmd.Type)
	}

	if err != nil {
		log.Warn().
			Err(err).
			Str("pin", s.model.PIN).
			Str("command", string(cmd.Type)).
			Msg("host command rejected")
		s.sendError(s.e.broadcaster.SendToHost, err)
	}
}

func (s *session) handlePlayerCommand(ctx context.Context, name string, cmd events.Command) {
	var err error

	switch cmd.Type {
	case events.CommandAnswer:
		var p events.AnswerPayload
		if err = json.Unmarshal(cmd.Data, &p); err != nil {
			err = fmt.Errorf("%w: %v", ErrValidation, err)
			break
		}
		err = s.submitAnswer(ctx, name, p)

	default:
		err = fmt.Errorf("%w: unknown player command %q", ErrValidation, cmd.Type)
	}

	if err != nil {
		log.Debug().
			Err(err).
			Str("pin", s.model.PIN).
			Str("player", name).
			Msg("player command rejected")
		s.sendError(func(pin string, ev *events.GameEvent) {
			s.e.broadcaster.SendToPlayer(pin, name, ev)
		}, err)
	}
}

// startQuestion opens question i. Re-sending start_question for the already
// open index is a no-op so command retransmission never resets the round.
func (s *session) startQuestion(ctx context.Context, i int) error {
	if s.finished {
		return ErrSessionFinished
	}

	if s.model.Phase == models.GamePhaseQuestionOpen {
		if s.round != nil && !s.round.closed && s.round.index == i {
			return nil
		}
		return fmt.Errorf("%w: question %d already open", ErrIllegalTransition, s.round.index)
	}

	if i < 0 || i >= len(s.questions) {
		return fmt.Errorf("%w: question index %d out of range [0,%d)", ErrValidation, i, len(s.questions))
	}

	q := s.questions[i]
	now := s.e.clock.Now().UTC()

	if err := s.e.store.UpdatePhase(ctx, s.model.PIN, models.GamePhaseQuestionOpen, i); err != nil {
		return fmt.Errorf("persist phase: %w", err)
	}
	s.model.Phase = models.GamePhaseQuestionOpen
	s.model.CurrentIndex = i

	s.roundSeq++
	r := &round{
		index:     i,
		seq:       s.roundSeq,
		startedAt: now,
		limit:     q.TimeLimit(),
		results:   make(map[string]events.PlayerRoundResult),
		cancel:    make(chan struct{}),
	}
	s.round = r

	s.broadcastPhase()
	s.broadcastQuestion(q, r)
	s.startRoundTimer(r)

	log.Info().
		Str("pin", s.model.PIN).
		Int("question", i).
		Dur("limit", r.limit).
		Msg("question opened")
	return nil
}

// startRoundTimer arms the question-close timer. The round sequence number
// travels with the expiry so a cancelled or superseded timer can never close
// a later round occupying the same slot.
func (s *session) startRoundTimer(r *round) {
	timer := s.e.clock.NewTimer(r.limit)

	go func(seq int, t clockwork.Timer, cancel chan struct{}) {
		select {
		case <-t.Chan():
			s.enqueue(timerCmd{seq: seq})
		case <-cancel:
			stopAndDrainTimer(t)
		}
	}(r.seq, timer, r.cancel)
}

func (s *session) handleTimerExpiry(ctx context.Context, seq int) {
	// A stale expiry lost the race against an explicit close or a newer
	// round. The transition is already terminal for that round; no-op.
	if s.round == nil || s.round.seq != seq || s.round.closed {
		return
	}

	log.Info().Str("pin", s.model.PIN).Int("question", s.round.index).Msg("time limit elapsed")
	if err := s.closeRound(ctx); err != nil {
		log.Error().Err(err).Str("pin", s.model.PIN).Msg("failed to close round on timeout")
	}
}

// closeQuestion handles the explicit host command.
func (s *session) closeQuestion(ctx context.Context) error {
	if s.finished {
		return ErrSessionFinished
	}
	if s.model.Phase != models.GamePhaseQuestionOpen || s.round == nil || s.round.closed {
		return fmt.Errorf("%w: no question open", ErrIllegalTransition)
	}
	return s.closeRound(ctx)
}

func (s *session) closeRound(ctx context.Context) error {
	r := s.round
	if r == nil || r.closed {
		return nil
	}

	// Persist before mutating: if the store write fails the round stays
	// open and a later close command can retry, instead of stranding the
	// session half-closed.
	if err := s.e.store.UpdatePhase(ctx, s.model.PIN, models.GamePhaseQuestionClosed, r.index); err != nil {
		return fmt.Errorf("persist phase: %w", err)
	}

	r.closed = true
	close(r.cancel)
	s.model.Phase = models.GamePhaseQuestionClosed

	s.broadcastPhase()
	s.broadcastRoundResults(ctx, r)

	log.Info().
		Str("pin", s.model.PIN).
		Int("question", r.index).
		Int("answered", len(r.results)).
		Msg("question closed")
	return nil
}

func (s *session) nextQuestion(ctx context.Context) error {
	if s.finished {
		return ErrSessionFinished
	}
	if s.model.Phase != models.GamePhaseQuestionClosed {
		return fmt.Errorf("%w: current question still open", ErrIllegalTransition)
	}

	next := s.model.CurrentIndex + 1
	if next >= len(s.questions) {
		// No subsequent question; the only legal transition is FINISHED.
		return s.finish(ctx, false)
	}

	return s.startQuestion(ctx, next)
}

func (s *session) endGame(ctx context.Context) error {
	if s.finished {
		return ErrSessionFinished
	}

	if s.model.Phase == models.GamePhaseQuestionOpen {
		if err := s.closeRound(ctx); err != nil {
			return err
		}
	}

	return s.finish(ctx, false)
}

func (s *session) kickPlayer(ctx context.Context, name string) error {
	if s.finished {
		return ErrSessionFinished
	}

	if _, ok := s.players[name]; !ok {
		return fmt.Errorf("%w: unknown player %q", ErrValidation, name)
	}

	if err := s.e.store.RemovePlayer(ctx, s.model.PIN, name); err != nil {
		return fmt.Errorf("remove player: %w", err)
	}
	delete(s.players, name)

	s.e.broadcaster.DisconnectPlayer(s.model.PIN, name)
	s.broadcast(events.EventTypePlayerLeft, events.PlayerLeftPayload{Name: name, Kicked: true})

	log.Info().Str("pin", s.model.PIN).Str("player", name).Msg("player kicked")
	return nil
}

// submitAnswer applies the admission rule: the round must be open, the
// submission inside the time window, and the player without a prior accepted
// answer for this question. First submission wins.
func (s *session) submitAnswer(ctx context.Context, name string, p events.AnswerPayload) error {
	player, ok := s.players[name]
	if !ok {
		return fmt.Errorf("%w: player %q has not joined", ErrValidation, name)
	}

	r := s.round
	if r == nil {
		return fmt.Errorf("%w: no question open", ErrIllegalTransition)
	}
	if r.closed || s.model.Phase != models.GamePhaseQuestionOpen {
		return ErrRoundClosed
	}

	elapsed := s.e.clock.Now().Sub(r.startedAt)
	if elapsed > r.limit {
		// The timer has effectively expired even if its event has not
		// been processed yet.
		return ErrRoundClosed
	}

	if _, dup := r.results[name]; dup {
		return ErrDuplicateSubmission
	}

	q := s.questions[r.index]
	correct := p.ChoiceID != "" && q.IsCorrect(p.ChoiceID)
	points := score.Points(correct, elapsed, r.limit)

	total, err := s.e.store.AppendScore(ctx, s.model.PIN, models.ScoreEntry{
		Player:        name,
		QuestionIndex: r.index,
		Points:        points,
		Correct:       correct,
		Latency:       elapsed,
	})
	if errors.Is(err, store.ErrDuplicateEntry) {
		return ErrDuplicateSubmission
	}
	if err != nil {
		return fmt.Errorf("record score: %w", err)
	}

	r.results[name] = events.PlayerRoundResult{Player: name, Correct: correct, Points: points}

	player.Score = total
	if err := s.e.store.PutPlayer(ctx, s.model.PIN, *player); err != nil {
		log.Error().Err(err).Str("pin", s.model.PIN).Str("player", name).Msg("failed to persist player score")
	}

	s.sendToPlayer(name, events.EventTypeAnswerResult, events.AnswerResultPayload{
		QuestionIndex: r.index,
		Accepted:      true,
		Correct:       correct,
		Points:        points,
		TotalScore:    total,
	})

	log.Debug().
		Str("pin", s.model.PIN).
		Str("player", name).
		Int("question", r.index).
		Bool("correct", correct).
		Int("points", points).
		Msg("answer accepted")
	return nil
}

func (s *session) handleHostLost() {
	if s.finished {
		return
	}

	if s.graceCancel != nil {
		close(s.graceCancel)
	}
	s.graceSeq++
	cancel := make(chan struct{})
	s.graceCancel = cancel

	grace := s.e.heartbeatGrace
	if s.model.Settings.HeartbeatGraceSec > 0 {
		grace = time.Duration(s.model.Settings.HeartbeatGraceSec) * time.Second
	}

	timer := s.e.clock.NewTimer(grace)
	go func(seq int, t clockwork.Timer) {
		select {
		case <-t.Chan():
			s.enqueue(graceCmd{seq: seq})
		case <-cancel:
			stopAndDrainTimer(t)
		}
	}(s.graceSeq, timer)

	log.Warn().
		Str("pin", s.model.PIN).
		Dur("grace", grace).
		Msg("host connection lost; teardown scheduled")
}

func (s *session) handleHostBack() {
	if s.graceCancel != nil {
		close(s.graceCancel)
		s.graceCancel = nil
	}
	s.graceSeq++

	log.Info().Str("pin", s.model.PIN).Msg("host reconnected; teardown cancelled")
}

func (s *session) handleGraceExpiry(ctx context.Context, seq int) {
	if s.finished || seq != s.graceSeq {
		return
	}

	log.Warn().Str("pin", s.model.PIN).Msg("host heartbeat grace elapsed; tearing down session")
	if err := s.finish(ctx, true); err != nil {
		log.Error().Err(err).Str("pin", s.model.PIN).Msg("teardown failed")
	}
}

func (s *session) handlePlayerLost(ctx context.Context, name string) {
	p, ok := s.players[name]
	if !ok || !p.Connected {
		return
	}

	p.Connected = false
	if err := s.e.store.PutPlayer(ctx, s.model.PIN, *p); err != nil {
		log.Error().Err(err).Str("pin", s.model.PIN).Str("player", name).Msg("failed to persist disconnect")
	}

	s.broadcast(events.EventTypePlayerLeft, events.PlayerLeftPayload{Name: name})
}

// finish moves the session to its terminal phase, reports final standings
// and hands the results record to the persistence collaborator. The PIN is
// released once the grace period elapses.
func (s *session) finish(ctx context.Context, aborted bool) error {
	if s.round != nil && !s.round.closed {
		s.round.closed = true
		close(s.round.cancel)
	}
	if s.graceCancel != nil {
		close(s.graceCancel)
		s.graceCancel = nil
	}

	if err := s.e.store.UpdatePhase(ctx, s.model.PIN, models.GamePhaseFinished, s.model.CurrentIndex); err != nil {
		return fmt.Errorf("persist phase: %w", err)
	}
	s.model.Phase = models.GamePhaseFinished
	s.finished = true

	standings, err := s.e.store.Leaderboard(ctx, s.model.PIN)
	if err != nil {
		log.Error().Err(err).Str("pin", s.model.PIN).Msg("failed to load final leaderboard")
	}

	s.broadcastPhase()
	s.broadcast(events.EventTypeLeaderboard, events.LeaderboardPayload{Entries: standings, Final: true})
	s.broadcast(events.EventTypeGameOver, events.GameOverPayload{
		FinishedAt: s.e.clock.Now().UTC(),
		Standings:  standings,
		Aborted:    aborted,
	})

	s.persistResults(ctx, standings)
	s.scheduleRelease()

	log.Info().
		Str("pin", s.model.PIN).
		Bool("aborted", aborted).
		Int("players", len(s.players)).
		Msg("session finished")
	return nil
}

func (s *session) persistResults(ctx context.Context, standings []models.LeaderboardEntry) {
	entries, err := s.e.store.Entries(ctx, s.model.PIN)
	if err != nil {
		log.Error().Err(err).Str("pin", s.model.PIN).Msg("failed to load score entries for results")
	}

	results := models.FinalResults{
		SessionID:  s.model.ID.String(),
		PIN:        s.model.PIN,
		QuizID:     s.model.QuizID.String(),
		Host:       s.model.Host,
		FinishedAt: s.e.clock.Now().UTC(),
		Standings:  standings,
		Entries:    entries,
	}

	if err := s.e.results.Persist(ctx, results); err != nil {
		log.Error().Err(err).Str("pin", s.model.PIN).Msg("failed to persist final results")
	}
}

// scheduleRelease returns the PIN to the free pool after the grace period.
// Session keys are left to expire by TTL so external tooling can still read
// the final state.
func (s *session) scheduleRelease() {
	p := s.model.PIN
	timer := s.e.clock.NewTimer(s.e.pinGrace)

	go func() {
		<-timer.Chan()
		if err := s.e.pins.Release(context.Background(), p); err != nil {
			log.Error().Err(err).Str("pin", p).Msg("failed to release pin")
		}
	}()
}

func (s *session) broadcastPhase() {
	s.broadcast(events.EventTypePhaseChanged, events.PhaseChangedPayload{
		Phase:         s.model.Phase,
		QuestionIndex: s.model.CurrentIndex,
	})
}

func (s *session) broadcastQuestion(q models.Question, r *round) {
	choices := make([]events.QuestionChoice, 0, len(q.Choices))
	for _, c := range q.Choices {
		qc := events.QuestionChoice{ID: c.ID}
		// Blind mode hides answer text from players; presentation only.
		if s.model.Settings.Mode != models.GameModeBlind {
			qc.Text = c.Text
		}
		choices = append(choices, qc)
	}

	s.broadcast(events.EventTypeQuestion, events.QuestionPayload{
		Index:        r.index,
		Prompt:       q.Prompt,
		Choices:      choices,
		TimeLimitSec: q.TimeLimitSec,
		StartedAt:    r.startedAt,
		ClosesAt:     r.startedAt.Add(r.limit),
	})
}

func (s *session) broadcastRoundResults(ctx context.Context, r *round) {
	results := make([]events.PlayerRoundResult, 0, len(s.players))
	for name := range s.players {
		if res, ok := r.results[name]; ok {
			results = append(results, res)
			continue
		}
		results = append(results, events.PlayerRoundResult{Player: name})
	}

	q := s.questions[r.index]
	s.broadcast(events.EventTypeRoundResults, events.RoundResultsPayload{
		QuestionIndex: r.index,
		CorrectIDs:    q.CorrectIDs,
		Results:       results,
		Answered:      len(r.results),
	})

	standings, err := s.e.store.Leaderboard(ctx, s.model.PIN)
	if err != nil {
		log.Error().Err(err).Str("pin", s.model.PIN).Msg("failed to load leaderboard")
		return
	}
	s.broadcast(events.EventTypeLeaderboard, events.LeaderboardPayload{Entries: standings})
}

// broadcast sends an event to the host and every player connection.
func (s *session) broadcast(t events.EventType, payload any) {
	ev := s.newEvent(t, payload)
	if ev == nil {
		return
	}
	s.e.broadcaster.SendToHost(s.model.PIN, ev)
	s.e.broadcaster.BroadcastToPlayers(s.model.PIN, ev)
}

func (s *session) sendToPlayer(name string, t events.EventType, payload any) {
	if ev := s.newEvent(t, payload); ev != nil {
		s.e.broadcaster.SendToPlayer(s.model.PIN, name, ev)
	}
}

func (s *session) sendError(send func(pin string, ev *events.GameEvent), err error) {
	ev := s.newEvent(events.EventTypeError, events.ErrorPayload{
		Code:    errorCode(err),
		Message: err.Error(),
	})
	if ev != nil {
		send(s.model.PIN, ev)
	}
}

func (s *session) newEvent(t events.EventType, payload any) *events.GameEvent {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("pin", s.model.PIN).Str("type", string(t)).Msg("failed to marshal event payload")
		return nil
	}

	return &events.GameEvent{
		ID:        uuid.New().String(),
		PIN:       s.model.PIN,
		Type:      t,
		Timestamp: s.e.clock.Now().UTC(),
		Data:      data,
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "VALIDATION"
	case errors.Is(err, ErrIllegalTransition):
		return "ILLEGAL_TRANSITION"
	case errors.Is(err, ErrRoundClosed):
		return "ROUND_CLOSED"
	case errors.Is(err, ErrDuplicateSubmission):
		return "DUPLICATE_SUBMISSION"
	case errors.Is(err, ErrNameTaken):
		return "NAME_TAKEN"
	case errors.Is(err, ErrJoinClosed):
		return "JOIN_CLOSED"
	case errors.Is(err, ErrSessionFinished):
		return "SESSION_FINISHED"
	default:
		return "INTERNAL"
	}
}

// stopAndDrainTimer stops a timer and drains its channel so a cancelled
// timer can never deliver a stale expiry.
func stopAndDrainTimer(t clockwork.Timer) {
	if !t.Stop() {
		select {
		case <-t.Chan():
		default:
		}
	}
}
