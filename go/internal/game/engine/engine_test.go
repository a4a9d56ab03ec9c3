package engine_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/quizwire/quizwire/go/internal/game/engine"
	"github.com/quizwire/quizwire/go/internal/game/events"
	"github.com/quizwire/quizwire/go/internal/game/pin"
	"github.com/quizwire/quizwire/go/internal/game/store"
	"github.com/quizwire/quizwire/go/internal/models"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeClock is the subset of clockwork's fake clock the tests drive.
type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
	BlockUntil(n int)
}

type fakeContent struct {
	questions []models.Question
}

func (f *fakeContent) QuizQuestions(_ context.Context, _ uuid.UUID) ([]models.Question, error) {
	return f.questions, nil
}

type fakeSink struct {
	mu      sync.Mutex
	results []models.FinalResults
}

func (f *fakeSink) Persist(_ context.Context, res models.FinalResults) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, res)
	return nil
}

func (f *fakeSink) persisted() []models.FinalResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.FinalResults(nil), f.results...)
}

type recorder struct {
	mu           sync.Mutex
	hostEvents   []*events.GameEvent
	broadcasts   []*events.GameEvent
	perPlayer    map[string][]*events.GameEvent
	disconnected []string
}

func newRecorder() *recorder {
	return &recorder{perPlayer: make(map[string][]*events.GameEvent)}
}

func (r *recorder) BroadcastToPlayers(_ string, ev *events.GameEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts = append(r.broadcasts, ev)
}

func (r *recorder) SendToHost(_ string, ev *events.GameEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hostEvents = append(r.hostEvents, ev)
}

func (r *recorder) SendToPlayer(_ string, name string, ev *events.GameEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.perPlayer[name] = append(r.perPlayer[name], ev)
}

func (r *recorder) DisconnectPlayer(_ string, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, name)
}

func (r *recorder) broadcastsOfType(t events.EventType) []*events.GameEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*events.GameEvent
	for _, ev := range r.broadcasts {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) playerEventsOfType(name string, t events.EventType) []*events.GameEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*events.GameEvent
	for _, ev := range r.perPlayer[name] {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) hostErrors() []events.ErrorPayload {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []events.ErrorPayload
	for _, ev := range r.hostEvents {
		if ev.Type != events.EventTypeError {
			continue
		}
		var p events.ErrorPayload
		if err := json.Unmarshal(ev.Data, &p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func (r *recorder) kicked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.disconnected...)
}

type fixture struct {
	engine *engine.Engine
	clock  fakeClock
	bc     *recorder
	sink   *fakeSink
	store  *store.Store
	redis  *miniredis.Miniredis
}

func threeQuestions() []models.Question {
	qs := make([]models.Question, 3)
	for i := range qs {
		qs[i] = models.Question{
			ID:     uuid.New(),
			Prompt: "prompt",
			Choices: []models.Choice{
				{ID: "a", Text: "first"},
				{ID: "b", Text: "second"},
				{ID: "c", Text: "third"},
			},
			CorrectIDs:   []string{"a"},
			TimeLimitSec: 60,
		}
	}
	return qs
}

func makeEngine(t *testing.T) *fixture {
	t.Helper()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})

	f := &fixture{
		clock: clockwork.NewFakeClock(),
		bc:    newRecorder(),
		sink:  &fakeSink{},
		store: store.New(rc, time.Hour),
		redis: rs,
	}

	f.engine = engine.New(engine.Config{
		Store:          f.store,
		PINs:           pin.New(rc, time.Hour),
		Content:        &fakeContent{questions: threeQuestions()},
		Results:        f.sink,
		Broadcaster:    f.bc,
		Clock:          f.clock,
		HeartbeatGrace: 30 * time.Second,
		PINGrace:       5 * time.Minute,
	})

	return f
}

func (f *fixture) createSession(t *testing.T) *models.Session {
	t.Helper()

	ss, err := f.engine.CreateSession(context.Background(), engine.CreateSessionRequest{
		Host:   "quizmaster",
		QuizID: uuid.New(),
	})
	require.NoError(t, err)
	return ss
}

func (f *fixture) waitPhase(t *testing.T, p string, phase models.GamePhase) {
	t.Helper()

	require.Eventually(t, func() bool {
		ss, err := f.store.Get(context.Background(), p)
		return err == nil && ss.Phase == phase
	}, waitFor, tick, "session never reached phase %s", phase)
}

func command(t *testing.T, typ events.CommandType, payload any) events.Command {
	t.Helper()

	cmd := events.Command{Type: typ}
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		cmd.Data = data
	}
	return cmd
}

func (f *fixture) startQuestion(t *testing.T, p string, index int) {
	t.Helper()

	f.engine.HandleHostCommand(p, command(t, events.CommandStartQuestion, events.StartQuestionPayload{Index: index}))
	f.waitPhase(t, p, models.GamePhaseQuestionOpen)
	// The round timer is now a registered sleeper on the fake clock.
	f.clock.BlockUntil(1)
}

func (f *fixture) submit(t *testing.T, p, name, choice string) {
	t.Helper()

	f.engine.HandlePlayerCommand(p, name, command(t, events.CommandAnswer, events.AnswerPayload{ChoiceID: choice}))
}

func (f *fixture) waitAnswerResult(t *testing.T, name string, n int) events.AnswerResultPayload {
	t.Helper()

	var evs []*events.GameEvent
	require.Eventually(t, func() bool {
		evs = f.bc.playerEventsOfType(name, events.EventTypeAnswerResult)
		return len(evs) >= n
	}, waitFor, tick, "no answer result for %s", name)

	var p events.AnswerResultPayload
	require.NoError(t, json.Unmarshal(evs[n-1].Data, &p))
	return p
}

func (f *fixture) waitPlayerError(t *testing.T, name, code string) {
	t.Helper()

	require.Eventually(t, func() bool {
		for _, ev := range f.bc.playerEventsOfType(name, events.EventTypeError) {
			var p events.ErrorPayload
			if json.Unmarshal(ev.Data, &p) == nil && p.Code == code {
				return true
			}
		}
		return false
	}, waitFor, tick, "player %s never received error %s", name, code)
}

func TestCreateSession_StartsInLobby(t *testing.T) {
	f := makeEngine(t)
	ss := f.createSession(t)

	require.Len(t, ss.PIN, pin.Length)
	require.Equal(t, models.GamePhaseLobby, ss.Phase)

	stored, err := f.store.Get(context.Background(), ss.PIN)
	require.NoError(t, err)
	require.Equal(t, models.GamePhaseLobby, stored.Phase)
	require.Equal(t, "quizmaster", stored.Host)
}

func TestJoin_NameCollisionIsDeterministic(t *testing.T) {
	f := makeEngine(t)
	ss := f.createSession(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Join(ctx, ss.PIN, "Ada"))
	require.ErrorIs(t, f.engine.Join(ctx, ss.PIN, "Ada"), engine.ErrNameTaken)

	players, err := f.store.GetPlayers(ctx, ss.PIN)
	require.NoError(t, err)
	require.Len(t, players, 1)
}

func TestJoin_NewPlayersOnlyInLobby(t *testing.T) {
	f := makeEngine(t)
	ss := f.createSession(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Join(ctx, ss.PIN, "Ada"))
	f.startQuestion(t, ss.PIN, 0)

	require.ErrorIs(t, f.engine.Join(ctx, ss.PIN, "Late"), engine.ErrJoinClosed)
}

func TestStartQuestion_RetransmissionIsIdempotent(t *testing.T) {
	f := makeEngine(t)
	ss := f.createSession(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Join(ctx, ss.PIN, "Ada"))
	f.startQuestion(t, ss.PIN, 0)

	f.clock.Advance(10 * time.Second)
	f.submit(t, ss.PIN, "Ada", "a")
	f.waitAnswerResult(t, "Ada", 1)

	// Retransmitted start for the already open index: no reset, no
	// discarded answers, no second Question broadcast.
	f.engine.HandleHostCommand(ss.PIN, command(t, events.CommandStartQuestion, events.StartQuestionPayload{Index: 0}))

	require.Never(t, func() bool {
		return len(f.bc.broadcastsOfType(events.EventTypeQuestion)) > 1
	}, 200*time.Millisecond, tick)

	entries, err := f.store.Entries(ctx, ss.PIN)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestSubmitAnswer_FastCorrectScoresHigh(t *testing.T) {
	f := makeEngine(t)
	ss := f.createSession(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Join(ctx, ss.PIN, "Ada"))
	require.NoError(t, f.engine.Join(ctx, ss.PIN, "Bea"))
	f.startQuestion(t, ss.PIN, 0)

	f.clock.Advance(5 * time.Second)
	f.submit(t, ss.PIN, "Bea", "b")
	bea := f.waitAnswerResult(t, "Bea", 1)
	require.True(t, bea.Accepted)
	require.False(t, bea.Correct)
	require.Zero(t, bea.Points)

	f.clock.Advance(5 * time.Second)
	f.submit(t, ss.PIN, "Ada", "a")
	ada := f.waitAnswerResult(t, "Ada", 1)
	require.True(t, ada.Accepted)
	require.True(t, ada.Correct)
	require.Equal(t, 916, ada.Points)
	require.Equal(t, 916, ada.TotalScore)
}

func TestSubmitAnswer_DuplicateRejected(t *testing.T) {
	f := makeEngine(t)
	ss := f.createSession(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Join(ctx, ss.PIN, "Ada"))
	f.startQuestion(t, ss.PIN, 0)

	f.submit(t, ss.PIN, "Ada", "a")
	f.waitAnswerResult(t, "Ada", 1)

	f.submit(t, ss.PIN, "Ada", "b")
	f.waitPlayerError(t, "Ada", "DUPLICATE_SUBMISSION")

	// First submission wins; the entry is not overwritten.
	entries, err := f.store.Entries(ctx, ss.PIN)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, entries[0].Correct)
}

func TestTimer_ClosesRoundAndRejectsLateAnswer(t *testing.T) {
	f := makeEngine(t)
	ss := f.createSession(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Join(ctx, ss.PIN, "Cy"))
	f.startQuestion(t, ss.PIN, 0)

	f.clock.Advance(61 * time.Second)
	f.waitPhase(t, ss.PIN, models.GamePhaseQuestionClosed)

	f.submit(t, ss.PIN, "Cy", "a")
	f.waitPlayerError(t, "Cy", "ROUND_CLOSED")

	entries, err := f.store.Entries(ctx, ss.PIN)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestHostClose_WinsRaceAgainstTimer(t *testing.T) {
	f := makeEngine(t)
	ss := f.createSession(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Join(ctx, ss.PIN, "Ada"))
	f.startQuestion(t, ss.PIN, 0)

	f.clock.Advance(3 * time.Second)
	f.engine.HandleHostCommand(ss.PIN, command(t, events.CommandCloseQuestion, nil))
	f.waitPhase(t, ss.PIN, models.GamePhaseQuestionClosed)

	// Nominal limit not yet elapsed, round is closed anyway.
	f.clock.Advance(time.Second)
	f.submit(t, ss.PIN, "Ada", "a")
	f.waitPlayerError(t, "Ada", "ROUND_CLOSED")

	entries, err := f.store.Entries(ctx, ss.PIN)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestCancelledTimer_NeverClosesLaterRound(t *testing.T) {
	f := makeEngine(t)
	ss := f.createSession(t)

	f.startQuestion(t, ss.PIN, 0)
	f.clock.Advance(3 * time.Second)
	f.engine.HandleHostCommand(ss.PIN, command(t, events.CommandCloseQuestion, nil))
	f.waitPhase(t, ss.PIN, models.GamePhaseQuestionClosed)

	f.engine.HandleHostCommand(ss.PIN, command(t, events.CommandNextQuestion, nil))
	f.waitPhase(t, ss.PIN, models.GamePhaseQuestionOpen)

	// A synchronous join acts as a barrier: once it returns, the worker has
	// fully processed the transition and the new round timer is armed.
	require.ErrorIs(t, f.engine.Join(context.Background(), ss.PIN, "latecomer"), engine.ErrJoinClosed)
	f.clock.BlockUntil(1)

	// Walk past the instant where question 0's original timer would have
	// fired; question 1 must stay open.
	f.clock.Advance(58 * time.Second)
	require.Never(t, func() bool {
		ss2, err := f.store.Get(context.Background(), ss.PIN)
		return err == nil && ss2.Phase != models.GamePhaseQuestionOpen
	}, 200*time.Millisecond, tick)

	f.clock.Advance(3 * time.Second)
	f.waitPhase(t, ss.PIN, models.GamePhaseQuestionClosed)
}

func TestStartQuestion_OutOfRangeRejected(t *testing.T) {
	f := makeEngine(t)
	ss := f.createSession(t)

	f.engine.HandleHostCommand(ss.PIN, command(t, events.CommandStartQuestion, events.StartQuestionPayload{Index: 5}))

	require.Eventually(t, func() bool {
		for _, e := range f.bc.hostErrors() {
			if e.Code == "VALIDATION" {
				return true
			}
		}
		return false
	}, waitFor, tick)

	stored, err := f.store.Get(context.Background(), ss.PIN)
	require.NoError(t, err)
	require.Equal(t, models.GamePhaseLobby, stored.Phase)
}

func TestCloseQuestion_IllegalInLobby(t *testing.T) {
	f := makeEngine(t)
	ss := f.createSession(t)

	f.engine.HandleHostCommand(ss.PIN, command(t, events.CommandCloseQuestion, nil))

	require.Eventually(t, func() bool {
		for _, e := range f.bc.hostErrors() {
			if e.Code == "ILLEGAL_TRANSITION" {
				return true
			}
		}
		return false
	}, waitFor, tick)
}

func TestCloseQuestion_StoreFailureIsRetryable(t *testing.T) {
	f := makeEngine(t)
	ss := f.createSession(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Join(ctx, ss.PIN, "Ada"))
	f.startQuestion(t, ss.PIN, 0)

	// A transient store outage fails the close; the round must stay open
	// rather than end up half-closed.
	f.redis.SetError("connection reset")
	f.engine.HandleHostCommand(ss.PIN, command(t, events.CommandCloseQuestion, nil))

	require.Eventually(t, func() bool {
		for _, e := range f.bc.hostErrors() {
			if e.Code == "INTERNAL" {
				return true
			}
		}
		return false
	}, waitFor, tick)

	f.redis.SetError("")

	// Ending the game re-closes the same round; the worker survives and
	// reaches the terminal phase.
	f.engine.HandleHostCommand(ss.PIN, command(t, events.CommandEndGame, nil))
	f.waitPhase(t, ss.PIN, models.GamePhaseFinished)

	require.Eventually(t, func() bool {
		return len(f.sink.persisted()) == 1
	}, waitFor, tick)
}

func TestNextQuestion_PastLastFinishesGame(t *testing.T) {
	f := makeEngine(t)
	ss := f.createSession(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Join(ctx, ss.PIN, "Ada"))

	for i := 0; i < 3; i++ {
		f.startQuestion(t, ss.PIN, i)
		f.submit(t, ss.PIN, "Ada", "a")
		f.waitAnswerResult(t, "Ada", i+1)
		f.engine.HandleHostCommand(ss.PIN, command(t, events.CommandCloseQuestion, nil))
		f.waitPhase(t, ss.PIN, models.GamePhaseQuestionClosed)
		f.engine.HandleHostCommand(ss.PIN, command(t, events.CommandNextQuestion, nil))
	}

	f.waitPhase(t, ss.PIN, models.GamePhaseFinished)

	require.Eventually(t, func() bool {
		return len(f.sink.persisted()) == 1
	}, waitFor, tick)

	res := f.sink.persisted()[0]
	require.Equal(t, ss.PIN, res.PIN)
	require.Len(t, res.Entries, 3)
	require.Len(t, res.Standings, 1)
	require.Equal(t, "Ada", res.Standings[0].Player)

	overs := f.bc.broadcastsOfType(events.EventTypeGameOver)
	require.Len(t, overs, 1)
	var over events.GameOverPayload
	require.NoError(t, json.Unmarshal(overs[0].Data, &over))
	require.False(t, over.Aborted)
}

func TestReconnect_KeepsScoreAndSubmission(t *testing.T) {
	f := makeEngine(t)
	ss := f.createSession(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Join(ctx, ss.PIN, "Ada"))
	f.startQuestion(t, ss.PIN, 0)

	f.submit(t, ss.PIN, "Ada", "a")
	f.waitAnswerResult(t, "Ada", 1)

	f.engine.PlayerDisconnected(ss.PIN, "Ada")
	require.Eventually(t, func() bool {
		p, err := f.store.GetPlayer(ctx, ss.PIN, "Ada")
		return err == nil && !p.Connected
	}, waitFor, tick)

	// Rejoin with the same name during the open round resumes the record.
	require.NoError(t, f.engine.Join(ctx, ss.PIN, "Ada"))

	p, err := f.store.GetPlayer(ctx, ss.PIN, "Ada")
	require.NoError(t, err)
	require.True(t, p.Connected)
	require.Equal(t, 1000, p.Score)

	// The prior accepted answer still counts; no second submission.
	f.submit(t, ss.PIN, "Ada", "b")
	f.waitPlayerError(t, "Ada", "DUPLICATE_SUBMISSION")
}

func TestReconnect_MaySubmitIfNotAnswered(t *testing.T) {
	f := makeEngine(t)
	ss := f.createSession(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Join(ctx, ss.PIN, "Ada"))
	f.startQuestion(t, ss.PIN, 0)

	f.engine.PlayerDisconnected(ss.PIN, "Ada")
	require.NoError(t, f.engine.Join(ctx, ss.PIN, "Ada"))

	f.submit(t, ss.PIN, "Ada", "a")
	res := f.waitAnswerResult(t, "Ada", 1)
	require.True(t, res.Accepted)
}

func TestKickPlayer_RemovesRecordAndConnection(t *testing.T) {
	f := makeEngine(t)
	ss := f.createSession(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Join(ctx, ss.PIN, "Ada"))
	f.engine.HandleHostCommand(ss.PIN, command(t, events.CommandKickPlayer, events.KickPlayerPayload{Name: "Ada"}))

	require.Eventually(t, func() bool {
		_, err := f.store.GetPlayer(ctx, ss.PIN, "Ada")
		return err != nil
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		return len(f.bc.kicked()) == 1 && f.bc.kicked()[0] == "Ada"
	}, waitFor, tick)
}

func TestHostHeartbeatLoss_TearsDownWithPartialResults(t *testing.T) {
	f := makeEngine(t)
	ss := f.createSession(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Join(ctx, ss.PIN, "Ada"))
	f.startQuestion(t, ss.PIN, 0)

	f.submit(t, ss.PIN, "Ada", "a")
	f.waitAnswerResult(t, "Ada", 1)

	f.engine.HostDisconnected(ss.PIN)
	// Grace timer plus the still-armed round timer.
	f.clock.BlockUntil(2)
	f.clock.Advance(31 * time.Second)

	f.waitPhase(t, ss.PIN, models.GamePhaseFinished)

	require.Eventually(t, func() bool {
		return len(f.sink.persisted()) == 1
	}, waitFor, tick)
	require.Len(t, f.sink.persisted()[0].Entries, 1)

	overs := f.bc.broadcastsOfType(events.EventTypeGameOver)
	require.Len(t, overs, 1)
	var over events.GameOverPayload
	require.NoError(t, json.Unmarshal(overs[0].Data, &over))
	require.True(t, over.Aborted)
}

func TestHostReconnect_CancelsTeardown(t *testing.T) {
	f := makeEngine(t)
	ss := f.createSession(t)

	f.engine.HostDisconnected(ss.PIN)
	f.clock.BlockUntil(1)
	f.engine.HostConnected(ss.PIN)

	f.clock.Advance(31 * time.Second)
	require.Never(t, func() bool {
		stored, err := f.store.Get(context.Background(), ss.PIN)
		return err == nil && stored.Phase == models.GamePhaseFinished
	}, 200*time.Millisecond, tick)
}

func TestFinish_ReleasesPINAfterGrace(t *testing.T) {
	f := makeEngine(t)
	ss := f.createSession(t)

	f.engine.HandleHostCommand(ss.PIN, command(t, events.CommandEndGame, nil))
	f.waitPhase(t, ss.PIN, models.GamePhaseFinished)

	reserveKey := "session:" + ss.PIN + ":reserved"
	require.True(t, f.redis.Exists(reserveKey))

	f.clock.BlockUntil(1)
	f.clock.Advance(6 * time.Minute)

	require.Eventually(t, func() bool {
		return !f.redis.Exists(reserveKey)
	}, waitFor, tick)
}

func TestResume_ReopensSessionAsClosed(t *testing.T) {
	f := makeEngine(t)
	ss := f.createSession(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Join(ctx, ss.PIN, "Ada"))
	f.startQuestion(t, ss.PIN, 0)

	// Simulate a process restart: same store, fresh engine.
	f2 := &fixture{
		clock: clockwork.NewFakeClock(),
		bc:    newRecorder(),
		sink:  &fakeSink{},
		store: f.store,
		redis: f.redis,
	}
	rc := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{f.redis.Addr()}})
	f2.engine = engine.New(engine.Config{
		Store:          f.store,
		PINs:           pin.New(rc, time.Hour),
		Content:        &fakeContent{questions: threeQuestions()},
		Results:        f2.sink,
		Broadcaster:    f2.bc,
		Clock:          f2.clock,
		HeartbeatGrace: 30 * time.Second,
		PINGrace:       5 * time.Minute,
	})

	resumed, err := f2.engine.Resume(ctx, ss.PIN)
	require.NoError(t, err)
	// The open round's state was ephemeral; the question resumes closed.
	require.Equal(t, models.GamePhaseQuestionClosed, resumed.Phase)

	// The player roster survived the restart; Ada resumes her record.
	require.NoError(t, f2.engine.Join(ctx, ss.PIN, "Ada"))
}

func TestShutdown_FlushesInFlightSessions(t *testing.T) {
	f := makeEngine(t)
	ss := f.createSession(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Join(ctx, ss.PIN, "Ada"))

	shutdownCtx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	f.engine.Shutdown(shutdownCtx)

	stored, err := f.store.Get(ctx, ss.PIN)
	require.NoError(t, err)
	require.Equal(t, models.GamePhaseFinished, stored.Phase)
	require.Len(t, f.sink.persisted(), 1)
}
