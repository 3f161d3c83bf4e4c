package match

import (
	"testing"
	"time"

	"pongarena/broker/internal/rooms"
)

func TestBackupRestoresScoreIntoFreshSession(t *testing.T) {
	s := newTestSession(t, "room_1")
	seatBoth(t, s)
	s.BeginRunning()
	setBall(s, crossingNear())
	s.Tick(100*time.Millisecond, epoch)

	data, err := EncodeBackup(s.Backup(epoch))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeBackup(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.MatchID != "room_1" || decoded.MatchType != rooms.MatchSemiA || decoded.Phase != PhaseRunning {
		t.Fatalf("unexpected header %+v", decoded)
	}
	if decoded.Players[Slot1].DisplayName != "ana" || !decoded.SavedAt.Equal(epoch) {
		t.Fatalf("unexpected body %+v", decoded)
	}

	fresh := newTestSession(t, "room_1")
	if !fresh.Restore(decoded) {
		t.Fatal("restore should apply")
	}
	if score := fresh.Score(); score[Slot2] != 1 {
		t.Fatalf("unexpected restored score %+v", score)
	}

	other := newTestSession(t, "room_2")
	if other.Restore(decoded) {
		t.Fatal("backups of another match must be ignored")
	}
}

func TestDecodeBackupRejectsGarbage(t *testing.T) {
	if _, err := DecodeBackup([]byte("not snappy")); err == nil {
		t.Fatal("expected decode error")
	}
}
