package match

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"pongarena/broker/internal/hub"
	"pongarena/broker/internal/input"
	"pongarena/broker/internal/kv"
	"pongarena/broker/internal/logging"
	"pongarena/broker/internal/physics"
	"pongarena/broker/internal/protocol"
	"pongarena/broker/internal/rooms"
	"pongarena/broker/internal/simulation"
)

// statusClosed marks a match that must refuse further joins.
const statusClosed = "false"

// countdownValues is broadcast before the ball is served.
var countdownValues = []string{"3", "2", "1", "GO"}

// backgroundTimeout bounds store calls issued after the triggering request is gone.
const backgroundTimeout = 5 * time.Second

// ResultSink persists the outcome of a match that ended with a winner.
type ResultSink interface {
	PersistResult(ctx context.Context, outcome Outcome) error
}

// Recorder captures a match for later replay.
type Recorder interface {
	RecordEvent(kind string, payload any) error
	RecordFrame(state protocol.FullState) error
	Close() error
}

// RecorderFactory opens a recorder for a newly created match.
type RecorderFactory func(matchID string) (Recorder, error)

// Option customises an Engine.
type Option func(*Engine)

// WithSettings overrides the match timings and geometry.
func WithSettings(settings Settings) Option {
	return func(e *Engine) { e.settings = settings }
}

// WithClock injects a deterministic time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRand seeds the serve direction of each new match.
func WithRand(newRand func(matchID string) *rand.Rand) Option {
	return func(e *Engine) {
		if newRand != nil {
			e.newRand = newRand
		}
	}
}

// WithRooms lets abandoned semi-finals update the tournament placeholders.
func WithRooms(manager *rooms.Manager) Option {
	return func(e *Engine) { e.rooms = manager }
}

// WithResultSink installs the persister invoked when a match is won.
func WithResultSink(sink ResultSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithRecorder enables replay capture.
func WithRecorder(factory RecorderFactory) Option {
	return func(e *Engine) { e.recorders = factory }
}

// WithInputGate replaces the sequencing and rate gate.
func WithInputGate(gate *input.Gate) Option {
	return func(e *Engine) { e.gate = gate }
}

// WithInputValidator replaces the paddle bounds validator.
func WithInputValidator(validator *input.Validator) Option {
	return func(e *Engine) { e.validator = validator }
}

// WithInputMetrics shares drop counters with the default gate and validator.
func WithInputMetrics(metrics *input.Metrics) Option {
	return func(e *Engine) { e.metrics = metrics }
}

// WithTickMonitor shares a tick monitor across every match loop.
func WithTickMonitor(monitor *simulation.TickMonitor) Option {
	return func(e *Engine) { e.monitor = monitor }
}

// WithLogger overrides the engine logger.
func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.log = logger
		}
	}
}

// Engine drives every live match of the process: seating, countdown,
// simulation, pauses, forfeits, and the hand-off to persistence.
type Engine struct {
	settings  Settings
	registry  *Registry
	hub       *hub.Hub
	store     kv.Store
	rooms     *rooms.Manager
	sink      ResultSink
	recorders RecorderFactory
	gate      *input.Gate
	validator *input.Validator
	metrics   *input.Metrics
	monitor   *simulation.TickMonitor
	log       *logging.Logger
	now       func() time.Time
	newRand   func(matchID string) *rand.Rand

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	replayMu sync.Mutex
	replays  map[string]Recorder
}

// NewEngine wires an engine over the shared store and broadcast hub.
func NewEngine(store kv.Store, broadcast *hub.Hub, opts ...Option) *Engine {
	e := &Engine{
		settings: DefaultSettings(),
		registry: NewRegistry(),
		hub:      broadcast,
		store:    store,
		log:      logging.L(),
		now:      time.Now,
		newRand: func(string) *rand.Rand {
			return rand.New(rand.NewSource(time.Now().UnixNano()))
		},
		replays: make(map[string]Recorder),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.metrics == nil {
		e.metrics = input.NewMetrics()
	}
	clock := input.ClockFunc(e.now)
	if e.gate == nil {
		e.gate = input.NewGate(input.DefaultConfig, e.log, input.WithClock(clock), input.WithMetrics(e.metrics))
	}
	if e.validator == nil {
		constraints := input.DefaultBoundsConstraints
		constraints.Geometry = e.settings.Physics
		e.validator = input.NewValidator(constraints, e.log, input.WithValidatorClock(clock), input.WithValidatorMetrics(e.metrics))
	}
	if e.monitor == nil {
		e.monitor = simulation.NewTickMonitor(time.Duration(float64(time.Second) / e.settings.TickRate))
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Registry exposes the live session index.
func (e *Engine) Registry() *Registry { return e.registry }

// Settings returns the active match settings.
func (e *Engine) Settings() Settings { return e.settings }

// Join seats player on the match and subscribes sub to its broadcast group.
func (e *Engine) Join(ctx context.Context, matchID string, player rooms.PlayerRef, sub hub.Subscriber) (AssignOutcome, error) {
	if _, _, err := rooms.ParseMatchID(matchID); err != nil {
		return AssignOutcome{}, err
	}

	//1.- Matches flagged as terminated never accept another player.
	status, err := e.store.Get(ctx, kv.MatchStatusKey(matchID))
	switch {
	case err == nil && string(status) == statusClosed:
		return AssignOutcome{}, ErrMatchClosed
	case err != nil && !errors.Is(err, kv.ErrNotFound):
		return AssignOutcome{}, fmt.Errorf("match status %s: %w", matchID, err)
	}

	//2.- A fresh session resumes the score of an interrupted run when a backup exists.
	var restored *Backup
	if e.registry.Get(matchID) == nil {
		restored = e.loadBackup(ctx, matchID)
	}
	session, created, err := e.registry.GetOrCreate(matchID, func() (*Session, error) {
		s, err := NewSession(matchID, e.settings, e.newRand(matchID))
		if err != nil {
			return nil, err
		}
		if restored != nil && s.Restore(*restored) {
			e.log.Info("match restored from backup", logging.Match(matchID))
		}
		return s, nil
	})
	if err != nil {
		return AssignOutcome{}, err
	}
	if created {
		e.openRecorder(matchID)
	}

	now := e.now()
	out, err := session.Assign(player, sub.ID(), now)
	if err != nil {
		if created && session.Seated() == 0 {
			e.teardown(session)
		}
		return out, err
	}

	//3.- Subscribe before announcing so the player sees every following broadcast.
	e.hub.Join(hub.MatchGroup(matchID), sub)
	e.deliver(sub, protocol.PlayerAssigned{
		Type:      protocol.TypePlayerAssigned,
		Slot:      out.Slot.String(),
		MatchID:   matchID,
		MatchType: int(session.MatchType()),
		LastSeq:   session.LastSeq(out.Slot),
		State:     session.FullState(now),
	})
	e.log.Info("player joined match",
		logging.Match(matchID),
		logging.Player(player.PlayerID),
		logging.String("slot", out.Slot.String()),
		logging.Bool("reconnected", out.Reconnected),
	)

	if out.Resumed {
		e.publish(matchID, protocol.GameResumed{Type: protocol.TypeGameResumed})
		e.recordEvent(matchID, string(protocol.TypeGameResumed), map[string]any{"player": player.DisplayName})
	}
	if out.Launch {
		e.launch(session)
	}
	return out, nil
}

// Leave handles a closed match connection.
func (e *Engine) Leave(matchID, connID string) {
	e.hub.Leave(hub.MatchGroup(matchID), connID)
	session := e.registry.Get(matchID)
	if session == nil {
		return
	}
	out := session.Release(connID, e.now())
	if !out.Found {
		return
	}
	e.forgetInput(matchID, out.Slot)
	e.log.Info("player left match",
		logging.Match(matchID),
		logging.Player(out.Player.PlayerID),
		logging.String("phase", out.Phase.String()),
		logging.Int("remaining", out.Remaining),
	)

	if out.Paused {
		//1.- Two distinct departures abandon the match for good.
		if len(out.Disconnected) >= 2 {
			session.StopForfeitTimer()
			e.closeMatch(session)
		} else if out.Remaining == 1 {
			//2.- A lone survivor wins unless the other player returns in time.
			timer := time.AfterFunc(e.settings.ForfeitTimeout, func() { e.forfeit(session) })
			session.SetForfeitTimer(timer)
		}
		e.publish(matchID, protocol.GamePaused{
			Type:         protocol.TypeGamePaused,
			Disconnected: out.Disconnected,
			ForfeitInMs:  e.settings.ForfeitTimeout.Milliseconds(),
		})
		e.recordEvent(matchID, string(protocol.TypeGamePaused), map[string]any{"player": out.Player.DisplayName})
	}

	//3.- An empty match is torn down immediately.
	if out.Remaining == 0 {
		session.Abandon(e.now())
		e.teardown(session)
	}
}

// HandleInput runs a paddle update through the gate and validator and
// relays accepted positions to the match group.
func (e *Engine) HandleInput(matchID string, slot Slot, move protocol.PaddleMove) (input.Decision, error) {
	session := e.registry.Get(matchID)
	if session == nil {
		return input.Decision{}, ErrMatchClosed
	}
	key := inputKey(matchID, slot)
	frame := input.Frame{Key: key, SequenceID: move.Seq}
	if move.SentAt > 0 {
		frame.SentAt = time.UnixMilli(move.SentAt)
	}
	decision := e.gate.Evaluate(frame)
	if !decision.Accepted {
		return decision, nil
	}
	paddle := physics.Paddle{X: move.X, Y: move.Y}
	if bounds := e.validator.Validate(key, paddle); !bounds.Accepted {
		bounds.Delay = decision.Delay
		return bounds, nil
	}
	if !session.ApplyPaddle(slot, move.Seq, paddle) {
		return input.Decision{Reason: input.DropReasonSequence, Delay: decision.Delay}, nil
	}
	e.publish(matchID, protocol.OpponentUpdate{
		Type: protocol.TypeOpponentUpdate,
		Slot: slot.String(),
		X:    move.X,
		Y:    move.Y,
		Seq:  move.Seq,
	})
	return decision, nil
}

// SyncTime answers a clock synchronisation probe.
func (e *Engine) SyncTime(req protocol.SyncTime) protocol.SyncTimeResponse {
	return protocol.SyncTimeResponse{
		Type:       protocol.TypeSyncTimeResponse,
		ClientTime: req.ClientTime,
		ServerTime: e.now().UnixMilli(),
	}
}

// FullState returns the resync snapshot of a live match.
func (e *Engine) FullState(matchID string) (protocol.FullState, error) {
	session := e.registry.Get(matchID)
	if session == nil {
		return protocol.FullState{}, ErrMatchClosed
	}
	return session.FullState(e.now()), nil
}

// Stats summarises engine load for the metrics endpoint.
type Stats struct {
	Matches int                            `json:"matches"`
	Ticks   simulation.TickMetricsSnapshot `json:"ticks"`
	Drops   input.DropCounters             `json:"drops"`
}

// Stats reports live matches, tick timings, and input drops.
func (e *Engine) Stats() Stats {
	return Stats{
		Matches: e.registry.Len(),
		Ticks:   e.monitor.Snapshot(),
		Drops:   e.metrics.Totals(),
	}
}

// Close stops every match goroutine and flushes open recorders.
func (e *Engine) Close() {
	e.cancel()
	for _, id := range e.registry.IDs() {
		if session := e.registry.Get(id); session != nil {
			session.StopForfeitTimer()
			e.registry.Remove(id, session)
		}
	}
	e.wg.Wait()
	e.replayMu.Lock()
	for id, rec := range e.replays {
		if err := rec.Close(); err != nil {
			e.log.Warn("close replay", logging.Match(id), logging.Error(err))
		}
		delete(e.replays, id)
	}
	e.replayMu.Unlock()
}

func (e *Engine) launch(session *Session) {
	ctx, cancel := context.WithCancel(e.ctx)
	task := NewTask(cancel)
	e.registry.SetTask(session.ID(), task)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		defer e.registry.ClearTask(session.ID(), task)
		e.run(ctx, session)
	}()
}

// run plays the start delay and countdown, then ticks the match until ctx ends.
func (e *Engine) run(ctx context.Context, session *Session) {
	matchID := session.ID()
	if !sleepContext(ctx, e.settings.StartDelay) || !session.CountdownActive() {
		return
	}
	e.publish(matchID, protocol.CountdownSequence{Type: protocol.TypeCountdownSequence, Sequence: countdownValues})
	for i, value := range countdownValues {
		if !session.CountdownActive() {
			return
		}
		e.publish(matchID, protocol.Countdown{Type: protocol.TypeCountdown, Value: value})
		if i < len(countdownValues)-1 && !sleepContext(ctx, e.settings.CountdownStep) {
			return
		}
	}
	if !session.BeginRunning() {
		return
	}

	state := session.FullState(e.now())
	e.publish(matchID, protocol.GameStart{Type: protocol.TypeGameStart, State: state})
	e.recordFrame(matchID, func() protocol.FullState { return state })
	e.log.Info("match running", logging.Match(matchID))

	if e.settings.BackupInterval > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.backupLoop(ctx, session)
		}()
	}
	loop := simulation.NewLoop(e.settings.TickRate, func(delta time.Duration) {
		e.step(session, delta)
	}, simulation.WithMonitor(e.monitor), simulation.WithNow(e.now))
	loop.Run(ctx)
}

// step is the only writer of ball and score.
func (e *Engine) step(session *Session, delta time.Duration) {
	now := e.now()
	out := session.Tick(delta, now)
	if !out.Active {
		return
	}
	update := protocol.GameStateUpdate{
		Type:      protocol.TypeGameStateUpdate,
		Ball:      protocol.FromBall(out.Ball),
		Score:     WireScore(out.Score),
		Timestamp: now.UnixMilli(),
	}
	if out.Scored != SlotNone {
		update.Scored = out.Scored.String()
		e.recordEvent(session.ID(), "score", map[string]any{"scorer": update.Scored, "score": update.Score})
	}
	e.publish(session.ID(), update)
	e.recordFrame(session.ID(), func() protocol.FullState { return session.FullState(now) })
	if out.Ended {
		e.finish(session)
	}
}

func (e *Engine) forfeit(session *Session) {
	if _, ok := session.Forfeit(e.now()); !ok {
		return
	}
	e.finish(session)
}

// finish announces the winner, hands the result to the sink once, and
// removes the match after the grace period.
func (e *Engine) finish(session *Session) {
	outcome := session.Outcome(e.now())
	matchID := outcome.MatchID
	e.publish(matchID, protocol.GameEnd{
		Type:      protocol.TypeGameEnd,
		Winner:    outcome.Winner.String(),
		MatchType: int(outcome.MatchType),
		Score:     WireScore(outcome.Score),
		Reason:    outcome.Reason,
	})
	e.recordFrame(matchID, func() protocol.FullState { return outcome.Final })
	e.log.Info("match ended",
		logging.Match(matchID),
		logging.String("winner", outcome.WinnerPlayer().DisplayName),
		logging.String("reason", outcome.Reason),
	)

	//1.- Stop ticking and refuse late joins.
	if task := e.registry.Task(matchID); task != nil {
		task.Cancel()
	}
	ctx, cancel := context.WithTimeout(e.ctx, backgroundTimeout)
	if err := e.store.Set(ctx, kv.MatchStatusKey(matchID), []byte(statusClosed), e.settings.StatusTTL); err != nil {
		e.log.Warn("flag match closed", logging.Match(matchID), logging.Error(err))
	}
	cancel()

	//2.- Persist exactly once per session.
	if e.sink != nil && session.ClaimResult() {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			ctx, cancel := context.WithTimeout(context.WithoutCancel(e.ctx), backgroundTimeout)
			defer cancel()
			if err := e.sink.PersistResult(ctx, outcome); err != nil {
				e.log.Error("persist match result", logging.Match(matchID), logging.Error(err))
			}
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		sleepContext(e.ctx, e.settings.EndGrace)
		e.teardown(session)
	}()
}

// closeMatch flags an abandoned match and, for semi-finals, records the
// abandonment on both tournament placeholders.
func (e *Engine) closeMatch(session *Session) {
	ctx, cancel := context.WithTimeout(e.ctx, backgroundTimeout)
	defer cancel()
	matchID := session.ID()
	if err := e.store.Set(ctx, kv.MatchStatusKey(matchID), []byte(statusClosed), e.settings.StatusTTL); err != nil {
		e.log.Warn("flag match closed", logging.Match(matchID), logging.Error(err))
	}
	if e.rooms == nil || !session.MatchType().IsSemiFinal() {
		return
	}
	root := session.RoomID()
	for _, placeholder := range []string{rooms.FinalRoomID(root), rooms.ThirdPlaceRoomID(root)} {
		_, err := e.rooms.Mutate(ctx, placeholder, func(room *rooms.Room) (rooms.Action, error) {
			if room.DisconnectedCount > 0 {
				return rooms.Delete, nil
			}
			room.DisconnectedCount++
			return rooms.Write, nil
		})
		if err != nil && !errors.Is(err, rooms.ErrRoomNotFound) {
			e.log.Warn("update placeholder disconnects", logging.Room(placeholder), logging.Error(err))
		}
	}
}

func (e *Engine) teardown(session *Session) {
	matchID := session.ID()
	if !e.registry.Remove(matchID, session) {
		return
	}
	session.StopForfeitTimer()
	for _, slot := range Slots {
		e.forgetInput(matchID, slot)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.ctx), backgroundTimeout)
	if err := e.store.Delete(ctx, kv.MatchBackupKey(matchID)); err != nil && !errors.Is(err, kv.ErrNotFound) {
		e.log.Warn("delete match backup", logging.Match(matchID), logging.Error(err))
	}
	cancel()
	e.closeRecorder(matchID)
	e.log.Info("match removed", logging.Match(matchID))
}

func (e *Engine) backupLoop(ctx context.Context, session *Session) {
	ticker := time.NewTicker(e.settings.BackupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.saveBackup(ctx, session)
		}
	}
}

func (e *Engine) saveBackup(ctx context.Context, session *Session) {
	data, err := EncodeBackup(session.Backup(e.now()))
	if err != nil {
		e.log.Warn("encode match backup", logging.Match(session.ID()), logging.Error(err))
		return
	}
	if err := e.store.Set(ctx, kv.MatchBackupKey(session.ID()), data, e.settings.StatusTTL); err != nil && ctx.Err() == nil {
		e.log.Warn("store match backup", logging.Match(session.ID()), logging.Error(err))
	}
}

func (e *Engine) loadBackup(ctx context.Context, matchID string) *Backup {
	data, err := e.store.Get(ctx, kv.MatchBackupKey(matchID))
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			e.log.Warn("load match backup", logging.Match(matchID), logging.Error(err))
		}
		return nil
	}
	backup, err := DecodeBackup(data)
	if err != nil {
		e.log.Warn("decode match backup", logging.Match(matchID), logging.Error(err))
		return nil
	}
	return &backup
}

func (e *Engine) forgetInput(matchID string, slot Slot) {
	key := inputKey(matchID, slot)
	e.gate.Forget(key)
	e.validator.Forget(key)
}

func (e *Engine) publish(matchID string, msg any) {
	if _, err := e.hub.PublishJSON(hub.MatchGroup(matchID), msg); err != nil {
		e.log.Warn("publish match message", logging.Match(matchID), logging.Error(err))
	}
}

func (e *Engine) deliver(sub hub.Subscriber, msg any) {
	data, err := protocol.Encode(msg)
	if err != nil {
		e.log.Warn("encode match message", logging.Error(err))
		return
	}
	sub.Deliver(data)
}

func (e *Engine) openRecorder(matchID string) {
	if e.recorders == nil {
		return
	}
	rec, err := e.recorders(matchID)
	if err != nil {
		e.log.Warn("open replay", logging.Match(matchID), logging.Error(err))
		return
	}
	e.replayMu.Lock()
	e.replays[matchID] = rec
	e.replayMu.Unlock()
}

func (e *Engine) recorder(matchID string) Recorder {
	e.replayMu.Lock()
	defer e.replayMu.Unlock()
	return e.replays[matchID]
}

func (e *Engine) recordEvent(matchID, kind string, payload any) {
	if rec := e.recorder(matchID); rec != nil {
		if err := rec.RecordEvent(kind, payload); err != nil {
			e.log.Debug("record replay event", logging.Match(matchID), logging.Error(err))
		}
	}
}

// recordFrame builds the snapshot only when a recorder is attached.
func (e *Engine) recordFrame(matchID string, state func() protocol.FullState) {
	if rec := e.recorder(matchID); rec != nil {
		if err := rec.RecordFrame(state()); err != nil {
			e.log.Debug("record replay frame", logging.Match(matchID), logging.Error(err))
		}
	}
}

func (e *Engine) closeRecorder(matchID string) {
	e.replayMu.Lock()
	rec := e.replays[matchID]
	delete(e.replays, matchID)
	e.replayMu.Unlock()
	if rec == nil {
		return
	}
	if err := rec.Close(); err != nil {
		e.log.Warn("close replay", logging.Match(matchID), logging.Error(err))
	}
}

func inputKey(matchID string, slot Slot) string {
	return matchID + "|" + slot.String()
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
