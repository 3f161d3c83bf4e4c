package match

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"pongarena/broker/internal/config"
	"pongarena/broker/internal/physics"
	"pongarena/broker/internal/protocol"
	"pongarena/broker/internal/rooms"
)

var (
	// ErrInvalidPlayer is returned when a join omits the player's identity.
	ErrInvalidPlayer = errors.New("player identity must not be empty")
	// ErrMatchFull indicates both slots are taken or reserved for a reconnect.
	ErrMatchFull = errors.New("match capacity reached")
	// ErrMatchClosed is returned once a match ended or was abandoned.
	ErrMatchClosed = errors.New("match no longer accepts players")
	// ErrAlreadySeated rejects a second connection for a seated player.
	ErrAlreadySeated = errors.New("player already holds a slot in this match")
)

// Slot is one of the two paddle-owning positions.
type Slot int

const (
	SlotNone Slot = 0
	Slot1    Slot = 1
	Slot2    Slot = 2
)

// Slots lists the playable slots in assignment order.
var Slots = [2]Slot{Slot1, Slot2}

// String returns the wire name of the slot.
func (s Slot) String() string {
	switch s {
	case Slot1:
		return "player1"
	case Slot2:
		return "player2"
	default:
		return ""
	}
}

// Opponent returns the other slot.
func (s Slot) Opponent() Slot {
	switch s {
	case Slot1:
		return Slot2
	case Slot2:
		return Slot1
	default:
		return SlotNone
	}
}

// Phase is the lifecycle state of a session.
type Phase int

const (
	PhaseWaiting Phase = iota
	PhaseStarting
	PhaseRunning
	PhasePaused
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseWaiting:
		return "waiting"
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhasePaused:
		return "paused"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// End reasons carried in game_end.
const (
	ReasonScore   = "score"
	ReasonForfeit = "forfeit"
)

// Settings tunes the simulation and the match timings.
type Settings struct {
	Physics        physics.Config
	WinScore       int
	TickRate       float64
	StartDelay     time.Duration
	CountdownStep  time.Duration
	ScorePause     time.Duration
	ForfeitTimeout time.Duration
	EndGrace       time.Duration
	BackupInterval time.Duration
	StatusTTL      time.Duration
}

// DefaultSettings mirrors the configuration defaults.
func DefaultSettings() Settings {
	return SettingsFromConfig(config.DefaultGame(), config.DefaultMatchStatusTTL)
}

// SettingsFromConfig derives match settings from the environment configuration.
func SettingsFromConfig(game config.GameConfig, statusTTL time.Duration) Settings {
	geometry := physics.DefaultConfig()
	geometry.TunnelWidth = game.TunnelWidth
	geometry.TunnelHeight = game.TunnelHeight
	geometry.TunnelLength = game.TunnelLength
	geometry.BaseSpeed = game.BallSpeed
	geometry.MaxSpeed = game.BallMaxSpeed
	geometry.SpeedUp = game.BallSpeedUp
	geometry.Substeps = game.Substeps
	return Settings{
		Physics:        geometry,
		WinScore:       game.WinScore,
		TickRate:       game.TickRate,
		StartDelay:     game.StartDelay,
		CountdownStep:  game.CountdownStep,
		ScorePause:     game.ScorePause,
		ForfeitTimeout: game.ForfeitTimeout,
		EndGrace:       game.EndGrace,
		BackupInterval: game.BackupInterval,
		StatusTTL:      statusTTL,
	}
}

type seat struct {
	player rooms.PlayerRef
	connID string
}

// Session is the authoritative state of one match. Ball and score are only
// written by Tick, which the simulation loop calls; connection handlers only
// touch their own seat and paddle.
type Session struct {
	mu sync.Mutex

	id        string
	roomID    string
	matchType rooms.MatchType
	settings  Settings
	rng       *rand.Rand

	seats        map[Slot]seat
	roster       map[Slot]rooms.PlayerRef
	paddles      map[Slot]physics.Paddle
	lastSeq      map[Slot]uint64
	disconnected map[string]Slot

	ball  physics.Ball
	score map[Slot]int

	phase        Phase
	started      bool
	loopStarted  bool
	runnerActive bool
	startedAt    time.Time
	pausedAt     time.Time
	holdUntil    time.Time

	winner        Slot
	endReason     string
	endedAt       time.Time
	resultClaimed bool
	forfeitTimer  *time.Timer
}

// NewSession builds the initial state of matchID: served ball, zero score, empty slots.
func NewSession(matchID string, settings Settings, rng *rand.Rand) (*Session, error) {
	roomID, matchType, err := rooms.ParseMatchID(matchID)
	if err != nil {
		return nil, err
	}
	if err := settings.Physics.Validate(); err != nil {
		return nil, fmt.Errorf("match %s: %w", matchID, err)
	}
	if settings.WinScore < 1 {
		return nil, fmt.Errorf("match %s: win score must be positive", matchID)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Session{
		id:           matchID,
		roomID:       roomID,
		matchType:    matchType,
		settings:     settings,
		rng:          rng,
		seats:        make(map[Slot]seat, 2),
		roster:       make(map[Slot]rooms.PlayerRef, 2),
		paddles:      make(map[Slot]physics.Paddle, 2),
		lastSeq:      make(map[Slot]uint64, 2),
		disconnected: make(map[string]Slot),
		ball:         physics.NewBall(settings.Physics, rng),
		score:        map[Slot]int{Slot1: 0, Slot2: 0},
	}, nil
}

// ID returns the match identifier.
func (s *Session) ID() string { return s.id }

// RoomID returns the room hosting the match.
func (s *Session) RoomID() string { return s.roomID }

// MatchType returns the bracket classification of the match.
func (s *Session) MatchType() rooms.MatchType { return s.matchType }

// AssignOutcome describes what a successful Assign changed.
type AssignOutcome struct {
	Slot        Slot
	Reconnected bool
	// Resumed is set when the last disconnected player came back.
	Resumed bool
	// Launch asks the caller to start the countdown runner.
	Launch bool
}

// Assign seats player on connID. A display name recorded at disconnect time
// reclaims its original slot; otherwise Slot1 then Slot2 are handed out.
func (s *Session) Assign(player rooms.PlayerRef, connID string, now time.Time) (AssignOutcome, error) {
	if strings.TrimSpace(player.DisplayName) == "" || strings.TrimSpace(connID) == "" {
		return AssignOutcome{}, ErrInvalidPlayer
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseEnded {
		return AssignOutcome{}, ErrMatchClosed
	}
	for _, existing := range s.seats {
		if existing.player.DisplayName == player.DisplayName {
			return AssignOutcome{}, ErrAlreadySeated
		}
	}

	//1.- Reconnects reuse the slot recorded at pause time when it is still empty.
	if slot, ok := s.disconnected[player.DisplayName]; ok {
		if _, taken := s.seats[slot]; !taken {
			// lastSeq survives so sequence numbers never go backwards; the
			// client resumes numbering after LastSeq.
			s.seats[slot] = seat{player: player, connID: connID}
			delete(s.disconnected, player.DisplayName)
			out := AssignOutcome{Slot: slot, Reconnected: true}
			if len(s.disconnected) == 0 {
				s.resumeLocked(now, &out)
			}
			return out, nil
		}
	}

	//2.- Fresh joins take the first slot that is neither seated nor reserved.
	slot := s.freeSlotLocked()
	if slot == SlotNone {
		return AssignOutcome{}, ErrMatchFull
	}
	s.seats[slot] = seat{player: player, connID: connID}
	s.roster[slot] = player
	out := AssignOutcome{Slot: slot}

	//3.- The second seat starts the countdown exactly once.
	if len(s.seats) == 2 && s.phase == PhaseWaiting {
		s.phase = PhaseStarting
		s.started = true
		s.startedAt = now
		s.runnerActive = true
		out.Launch = true
	}
	return out, nil
}

func (s *Session) freeSlotLocked() Slot {
	reserved := make(map[Slot]bool, len(s.disconnected))
	for _, slot := range s.disconnected {
		reserved[slot] = true
	}
	for _, slot := range Slots {
		if _, taken := s.seats[slot]; !taken && !reserved[slot] {
			return slot
		}
	}
	return SlotNone
}

func (s *Session) resumeLocked(now time.Time, out *AssignOutcome) {
	if s.phase != PhasePaused {
		return
	}
	s.pausedAt = time.Time{}
	s.stopForfeitTimerLocked()
	out.Resumed = true
	if s.loopStarted {
		s.phase = PhaseRunning
		s.holdUntil = now.Add(s.settings.ScorePause)
		return
	}
	s.phase = PhaseStarting
	if !s.runnerActive {
		s.runnerActive = true
		out.Launch = true
	}
}

// ReleaseOutcome describes the effect of a closed connection.
type ReleaseOutcome struct {
	Found  bool
	Slot   Slot
	Player rooms.PlayerRef
	// Paused is set when the departure happened in a started match.
	Paused       bool
	Disconnected []string
	Remaining    int
	Phase        Phase
}

// Release frees the seat held by connID. In a started match the player's
// display name is remembered so they can reconnect, and the match pauses.
func (s *Session) Release(connID string, now time.Time) ReleaseOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := ReleaseOutcome{Phase: s.phase}
	for slot, held := range s.seats {
		if held.connID != connID {
			continue
		}
		out.Found = true
		out.Slot = slot
		out.Player = held.player
		delete(s.seats, slot)
		break
	}
	if out.Found {
		switch s.phase {
		case PhaseStarting, PhaseRunning, PhasePaused:
			s.disconnected[out.Player.DisplayName] = out.Slot
			if s.phase != PhasePaused {
				s.phase = PhasePaused
				s.pausedAt = now
			}
			out.Paused = true
		}
	}
	out.Phase = s.phase
	out.Remaining = len(s.seats)
	out.Disconnected = s.disconnectedLocked()
	return out
}

func (s *Session) disconnectedLocked() []string {
	if len(s.disconnected) == 0 {
		return nil
	}
	names := make([]string, 0, len(s.disconnected))
	for name := range s.disconnected {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetForfeitTimer installs the pending forfeit timer, stopping any previous one.
func (s *Session) SetForfeitTimer(timer *time.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopForfeitTimerLocked()
	s.forfeitTimer = timer
}

// StopForfeitTimer cancels a pending forfeit.
func (s *Session) StopForfeitTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopForfeitTimerLocked()
}

func (s *Session) stopForfeitTimerLocked() {
	if s.forfeitTimer != nil {
		s.forfeitTimer.Stop()
		s.forfeitTimer = nil
	}
}

// Forfeit ends a paused match in favour of the only seated player. It
// reports false when the match is not paused or nobody remains seated.
func (s *Session) Forfeit(now time.Time) (Slot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forfeitTimer = nil
	if s.phase != PhasePaused || len(s.seats) != 1 {
		return SlotNone, false
	}
	var winner Slot
	for slot := range s.seats {
		winner = slot
	}
	s.endLocked(winner, ReasonForfeit, now)
	return winner, true
}

// Abandon ends the match without a winner.
func (s *Session) Abandon(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseEnded {
		s.endLocked(SlotNone, "abandoned", now)
	}
}

func (s *Session) endLocked(winner Slot, reason string, now time.Time) {
	s.phase = PhaseEnded
	s.started = false
	s.winner = winner
	s.endReason = reason
	s.endedAt = now
	s.stopForfeitTimerLocked()
}

// CountdownActive reports whether a countdown may keep going. A false
// result also marks the runner as gone so a resume can relaunch it.
func (s *Session) CountdownActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseStarting {
		return true
	}
	s.runnerActive = false
	return false
}

// BeginRunning moves a finished countdown into the running phase.
func (s *Session) BeginRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseStarting {
		s.runnerActive = false
		return false
	}
	s.phase = PhaseRunning
	s.loopStarted = true
	return true
}

// TickOutcome reports one simulation tick.
type TickOutcome struct {
	// Active is false when the match is not running and nothing was simulated.
	Active bool
	Scored Slot
	Ended  bool
	Winner Slot
	Hits   int
	Ball   physics.Ball
	Score  map[Slot]int
}

// Tick advances the ball by delta. Physics is skipped while a scoring pause
// holds, but the outcome is still reported for broadcast.
func (s *Session) Tick(delta time.Duration, now time.Time) TickOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseRunning {
		return TickOutcome{}
	}
	out := TickOutcome{Active: true}
	if now.Before(s.holdUntil) {
		out.Ball, out.Score = s.ball, s.scoreLocked()
		return out
	}

	//1.- Integrate against the latest reported paddles.
	result := physics.Step(s.settings.Physics, &s.ball, s.paddles[Slot1], s.paddles[Slot2], delta.Seconds())
	out.Hits = result.Hits

	//2.- The player whose end was crossed concedes; the other slot scores.
	if result.Crossed != physics.NoEnd {
		scorer := Slot1
		if result.Crossed == physics.NearEnd {
			scorer = Slot2
		}
		s.score[scorer]++
		s.ball = physics.NewBall(s.settings.Physics, s.rng)
		out.Scored = scorer
		if s.score[scorer] >= s.settings.WinScore {
			s.endLocked(scorer, ReasonScore, now)
			out.Ended = true
			out.Winner = scorer
		} else {
			s.holdUntil = now.Add(s.settings.ScorePause)
		}
	}
	out.Ball, out.Score = s.ball, s.scoreLocked()
	return out
}

// ApplyPaddle records a paddle position reported by slot. Older sequence
// numbers and reports from unseated slots are ignored.
func (s *Session) ApplyPaddle(slot Slot, seq uint64, paddle physics.Paddle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseEnded {
		return false
	}
	if _, seated := s.seats[slot]; !seated {
		return false
	}
	if seq < s.lastSeq[slot] {
		return false
	}
	s.lastSeq[slot] = seq
	s.paddles[slot] = paddle
	return true
}

// LastSeq is the highest paddle sequence applied for slot.
func (s *Session) LastSeq(slot Slot) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq[slot]
}

// ClaimResult returns true exactly once for a match that ended with a winner.
func (s *Session) ClaimResult() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseEnded || s.winner == SlotNone || s.resultClaimed {
		return false
	}
	s.resultClaimed = true
	return true
}

func (s *Session) scoreLocked() map[Slot]int {
	out := make(map[Slot]int, len(s.score))
	for slot, points := range s.score {
		out[slot] = points
	}
	return out
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Started reports whether the match is between countdown and end.
func (s *Session) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Paused reports whether a disconnect is holding the match.
func (s *Session) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == PhasePaused
}

// Disconnected lists the display names awaiting reconnection.
func (s *Session) Disconnected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnectedLocked()
}

// Score returns a copy of the score map.
func (s *Session) Score() map[Slot]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scoreLocked()
}

// Ball returns the current ball state.
func (s *Session) Ball() physics.Ball {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ball
}

// Seated returns the number of connected players.
func (s *Session) Seated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seats)
}

// Outcome summarises a finished match for persistence.
type Outcome struct {
	MatchID   string
	RoomID    string
	MatchType rooms.MatchType
	Winner    Slot
	Reason    string
	Score     map[Slot]int
	Players   map[Slot]rooms.PlayerRef
	StartedAt time.Time
	EndedAt   time.Time
	Final     protocol.FullState
}

// WinnerPlayer returns the roster entry of the winning slot.
func (o Outcome) WinnerPlayer() rooms.PlayerRef { return o.Players[o.Winner] }

// LoserPlayer returns the roster entry of the losing slot.
func (o Outcome) LoserPlayer() rooms.PlayerRef { return o.Players[o.Winner.Opponent()] }

// Outcome snapshots the finished match.
func (s *Session) Outcome(now time.Time) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	players := make(map[Slot]rooms.PlayerRef, len(s.roster))
	for slot, player := range s.roster {
		players[slot] = player
	}
	return Outcome{
		MatchID:   s.id,
		RoomID:    s.roomID,
		MatchType: s.matchType,
		Winner:    s.winner,
		Reason:    s.endReason,
		Score:     s.scoreLocked(),
		Players:   players,
		StartedAt: s.startedAt,
		EndedAt:   s.endedAt,
		Final:     s.fullStateLocked(now),
	}
}

// WireScore converts a score map to its wire form.
func WireScore(score map[Slot]int) protocol.Score {
	out := make(protocol.Score, len(score))
	for slot, points := range score {
		out[slot.String()] = points
	}
	return out
}

// FullState renders the complete resync snapshot.
func (s *Session) FullState(now time.Time) protocol.FullState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fullStateLocked(now)
}

func (s *Session) fullStateLocked(now time.Time) protocol.FullState {
	state := protocol.FullState{
		MatchID:      s.id,
		MatchType:    int(s.matchType),
		Phase:        s.phase.String(),
		Ball:         protocol.FromBall(s.ball),
		Score:        WireScore(s.score),
		Paused:       s.phase == PhasePaused,
		Disconnected: s.disconnectedLocked(),
		WinScore:     s.settings.WinScore,
		Timestamp:    now.UnixMilli(),
	}
	for _, slot := range Slots {
		player, known := s.roster[slot]
		if !known {
			continue
		}
		_, connected := s.seats[slot]
		state.Players = append(state.Players, protocol.PlayerState{
			Slot:      slot.String(),
			Player:    player,
			Paddle:    s.paddles[slot],
			Connected: connected,
		})
	}
	return state
}
