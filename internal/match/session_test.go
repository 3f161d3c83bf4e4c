package match

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"pongarena/broker/internal/physics"
	"pongarena/broker/internal/rooms"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestSession(t *testing.T, matchID string) *Session {
	t.Helper()
	settings := DefaultSettings()
	settings.WinScore = 2
	session, err := NewSession(matchID, settings, rand.New(rand.NewSource(7)))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return session
}

func player(name string) rooms.PlayerRef {
	return rooms.PlayerRef{PlayerID: "id-" + name, DisplayName: name}
}

func seatBoth(t *testing.T, s *Session) {
	t.Helper()
	if _, err := s.Assign(player("ana"), "c1", epoch); err != nil {
		t.Fatalf("assign ana: %v", err)
	}
	if _, err := s.Assign(player("bo"), "c2", epoch); err != nil {
		t.Fatalf("assign bo: %v", err)
	}
}

func setBall(s *Session, ball physics.Ball) {
	s.mu.Lock()
	s.ball = ball
	s.mu.Unlock()
}

// crossingNear is a ball about to leave through the near end, past any paddle.
func crossingNear() physics.Ball {
	return physics.Ball{Position: physics.Vec3{Z: 0.45}, Velocity: physics.Vec3{Z: 1}, Scale: 1}
}

func TestNewSessionRejectsMalformedMatchID(t *testing.T) {
	if _, err := NewSession("nounderscore", DefaultSettings(), nil); !errors.Is(err, rooms.ErrInvalidMatchID) {
		t.Fatalf("expected invalid match id, got %v", err)
	}
	s := newTestSession(t, "abc_final_3")
	if s.RoomID() != "abc_final" || s.MatchType() != rooms.MatchFinal {
		t.Fatalf("unexpected parse: %s %v", s.RoomID(), s.MatchType())
	}
}

func TestAssignSeatsTwoSlotsInOrder(t *testing.T) {
	s := newTestSession(t, "room_0")

	first, err := s.Assign(player("ana"), "c1", epoch)
	if err != nil || first.Slot != Slot1 || first.Launch {
		t.Fatalf("unexpected first assignment %+v err=%v", first, err)
	}
	second, err := s.Assign(player("bo"), "c2", epoch)
	if err != nil || second.Slot != Slot2 || !second.Launch {
		t.Fatalf("unexpected second assignment %+v err=%v", second, err)
	}
	if _, err := s.Assign(player("cy"), "c3", epoch); !errors.Is(err, ErrMatchFull) {
		t.Fatalf("expected match full, got %v", err)
	}
	if _, err := s.Assign(player("ana"), "c4", epoch); !errors.Is(err, ErrAlreadySeated) {
		t.Fatalf("expected already seated, got %v", err)
	}
	if s.Phase() != PhaseStarting || !s.Started() {
		t.Fatalf("expected starting phase, got %v", s.Phase())
	}
}

func TestLeaveBeforeStartFreesSlot(t *testing.T) {
	s := newTestSession(t, "room_0")
	if _, err := s.Assign(player("ana"), "c1", epoch); err != nil {
		t.Fatalf("assign: %v", err)
	}
	out := s.Release("c1", epoch)
	if !out.Found || out.Paused || out.Remaining != 0 {
		t.Fatalf("unexpected release %+v", out)
	}
	again, err := s.Assign(player("bo"), "c2", epoch)
	if err != nil || again.Slot != Slot1 {
		t.Fatalf("expected slot1 to be free again, got %+v err=%v", again, err)
	}
}

func TestDisconnectPausesAndReservesSlot(t *testing.T) {
	s := newTestSession(t, "room_0")
	seatBoth(t, s)
	if !s.CountdownActive() || !s.BeginRunning() {
		t.Fatal("countdown should complete")
	}

	out := s.Release("c1", epoch)
	if !out.Paused || out.Remaining != 1 || len(out.Disconnected) != 1 || out.Disconnected[0] != "ana" {
		t.Fatalf("unexpected release %+v", out)
	}
	if !s.Paused() {
		t.Fatal("match should be paused")
	}
	if _, err := s.Assign(player("cy"), "c3", epoch); !errors.Is(err, ErrMatchFull) {
		t.Fatalf("stranger must not take a reserved slot, got %v", err)
	}

	back, err := s.Assign(player("ana"), "c9", epoch)
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if back.Slot != Slot1 || !back.Reconnected || !back.Resumed || back.Launch {
		t.Fatalf("unexpected reconnect outcome %+v", back)
	}
	if s.Phase() != PhaseRunning || len(s.Disconnected()) != 0 {
		t.Fatalf("expected running with nobody missing, got %v", s.Phase())
	}
}

func TestResumeDuringCountdownRelaunchesOnlyWhenRunnerGone(t *testing.T) {
	s := newTestSession(t, "room_0")
	seatBoth(t, s)
	s.Release("c2", epoch)

	//1.- The countdown goroutine notices the pause and exits.
	if s.CountdownActive() {
		t.Fatal("countdown must stop while paused")
	}
	back, err := s.Assign(player("bo"), "c5", epoch)
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if !back.Launch || s.Phase() != PhaseStarting {
		t.Fatalf("expected a relaunch into starting, got %+v phase=%v", back, s.Phase())
	}
}

func TestTickScoresForOpponentOfConcedingEnd(t *testing.T) {
	s := newTestSession(t, "room_0")
	seatBoth(t, s)
	if out := s.Tick(time.Millisecond, epoch); out.Active {
		t.Fatal("ticks before running must be inactive")
	}
	s.BeginRunning()

	setBall(s, crossingNear())
	out := s.Tick(100*time.Millisecond, epoch)
	if !out.Active || out.Scored != Slot2 || out.Ended {
		t.Fatalf("unexpected tick %+v", out)
	}
	if score := s.Score(); score[Slot2] != 1 || score[Slot1] != 0 {
		t.Fatalf("unexpected score %+v", score)
	}

	//1.- The scoring pause freezes the freshly served ball.
	served := s.Ball()
	hold := s.Tick(100*time.Millisecond, epoch.Add(10*time.Millisecond))
	if hold.Ball != served {
		t.Fatal("ball moved during the scoring pause")
	}
}

func TestTickEndsMatchAtWinScore(t *testing.T) {
	s := newTestSession(t, "room_0")
	seatBoth(t, s)
	s.BeginRunning()

	now := epoch
	var last TickOutcome
	for i := 0; i < 2; i++ {
		now = now.Add(time.Minute)
		setBall(s, crossingNear())
		last = s.Tick(100*time.Millisecond, now)
	}
	if !last.Ended || last.Winner != Slot2 {
		t.Fatalf("expected slot2 to win, got %+v", last)
	}
	if s.Phase() != PhaseEnded || s.Started() {
		t.Fatal("ended match must not be started")
	}
	if !s.ClaimResult() || s.ClaimResult() {
		t.Fatal("result must be claimable exactly once")
	}
	if _, err := s.Assign(player("cy"), "c3", now); !errors.Is(err, ErrMatchClosed) {
		t.Fatalf("expected closed match, got %v", err)
	}
	outcome := s.Outcome(now)
	if outcome.WinnerPlayer().DisplayName != "bo" || outcome.LoserPlayer().DisplayName != "ana" {
		t.Fatalf("unexpected outcome players %+v", outcome.Players)
	}
	if outcome.Final.Phase != "ended" || outcome.Final.Score["player2"] != 2 {
		t.Fatalf("unexpected final state %+v", outcome.Final)
	}
}

func TestForfeitRequiresPauseAndSurvivor(t *testing.T) {
	s := newTestSession(t, "room_0")
	seatBoth(t, s)
	s.BeginRunning()
	if _, ok := s.Forfeit(epoch); ok {
		t.Fatal("running match cannot be forfeited")
	}
	s.Release("c2", epoch)
	winner, ok := s.Forfeit(epoch)
	if !ok || winner != Slot1 {
		t.Fatalf("expected slot1 forfeit win, got %v %v", winner, ok)
	}
	if s.Phase() != PhaseEnded {
		t.Fatalf("expected ended, got %v", s.Phase())
	}
}

func TestApplyPaddleIgnoresOlderSequences(t *testing.T) {
	s := newTestSession(t, "room_0")
	seatBoth(t, s)
	if !s.ApplyPaddle(Slot1, 5, physics.Paddle{X: 0.5}) {
		t.Fatal("first update should apply")
	}
	if s.ApplyPaddle(Slot1, 4, physics.Paddle{X: -0.5}) {
		t.Fatal("older sequence must be ignored")
	}
	state := s.FullState(epoch)
	if state.Players[0].Paddle.X != 0.5 {
		t.Fatalf("unexpected paddle %+v", state.Players[0].Paddle)
	}
	s.Release("c2", epoch)
	if s.ApplyPaddle(Slot2, 9, physics.Paddle{}) {
		t.Fatal("unseated slot must not move")
	}
}

func TestReconnectKeepsPaddleSequence(t *testing.T) {
	s := newTestSession(t, "room_0")
	seatBoth(t, s)
	if !s.CountdownActive() || !s.BeginRunning() {
		t.Fatal("countdown should complete")
	}
	//1.- Ana moves with sequence 7, then drops and comes back.
	if !s.ApplyPaddle(Slot1, 7, physics.Paddle{X: 0.3}) {
		t.Fatal("first update should apply")
	}
	s.Release("c1", epoch)
	if _, err := s.Assign(player("ana"), "c9", epoch); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	//2.- The seat still remembers 7, so a restarted counter cannot rewind it.
	if got := s.LastSeq(Slot1); got != 7 {
		t.Fatalf("expected last seq 7 after reconnect, got %d", got)
	}
	if s.ApplyPaddle(Slot1, 1, physics.Paddle{X: -0.3}) {
		t.Fatal("sequence below the pre-disconnect value must be ignored")
	}
	if !s.ApplyPaddle(Slot1, 8, physics.Paddle{X: -0.1}) {
		t.Fatal("sequence after last seq should apply")
	}
	if x := s.FullState(epoch).Players[0].Paddle.X; x != -0.1 {
		t.Fatalf("unexpected paddle x %v", x)
	}
}

func TestFirstTickMovesServedBall(t *testing.T) {
	s := newTestSession(t, "room_0")
	seatBoth(t, s)
	s.BeginRunning()

	served := s.Ball()
	out := s.Tick(16*time.Millisecond, epoch)
	if !out.Active || out.Scored != SlotNone {
		t.Fatalf("unexpected tick %+v", out)
	}
	if out.Ball.Position == served.Position {
		t.Fatalf("ball did not move from %+v", served.Position)
	}
}
