package simulation

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLoopStopsWithContext(t *testing.T) {
	loop := NewLoop(120, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRunMeasuresDeltaWithInjectedClock(t *testing.T) {
	//1.- Each read of the clock advances it by 20ms, so every tick sees exactly that delta.
	var mu sync.Mutex
	current := time.Unix(0, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(20 * time.Millisecond)
		return current
	}
	deltas := make(chan time.Duration, 16)
	ctx, cancel := context.WithCancel(context.Background())
	loop := NewLoop(200, func(delta time.Duration) {
		select {
		case deltas <- delta:
		default:
		}
	}, WithNow(clock))
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	select {
	case delta := <-deltas:
		if delta != 20*time.Millisecond {
			t.Fatalf("expected 20ms delta, got %v", delta)
		}
	case <-time.After(time.Second):
		t.Fatal("loop never ticked")
	}
	cancel()
	<-done
}

func TestTickClampsDelta(t *testing.T) {
	var got []time.Duration
	monitor := NewTickMonitor(0)
	loop := NewLoop(60, func(delta time.Duration) { got = append(got, delta) }, WithMonitor(monitor))

	loop.Tick(10 * time.Millisecond)
	loop.Tick(5 * time.Second)
	loop.Tick(-time.Second)

	want := []time.Duration{10 * time.Millisecond, DefaultMaxStep, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tick %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestTickMonitorTracksOverruns(t *testing.T) {
	monitor := NewTickMonitor(10 * time.Millisecond)
	monitor.Observe(5 * time.Millisecond)
	monitor.Observe(15 * time.Millisecond)
	monitor.Observe(0)

	snap := monitor.Snapshot()
	if snap.Samples != 2 || snap.Overruns != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Average != 10*time.Millisecond || snap.Max != 15*time.Millisecond || snap.Last != 15*time.Millisecond {
		t.Fatalf("unexpected timings %+v", snap)
	}
	if fps := snap.AverageFPS(); fps != 100 {
		t.Fatalf("expected 100 fps, got %v", fps)
	}
	monitor.Reset()
	if monitor.Snapshot() != (TickMetricsSnapshot{}) {
		t.Fatal("reset should clear statistics")
	}
}
