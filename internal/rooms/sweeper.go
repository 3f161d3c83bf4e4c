package rooms

import (
	"context"
	"errors"
	"time"

	"github.com/go-co-op/gocron/v2"

	"pongarena/broker/internal/logging"
)

// Sweeper periodically deletes rooms nobody ever joined or everybody left.
type Sweeper struct {
	lobby     *Lobby
	grace     time.Duration
	interval  time.Duration
	scheduler gocron.Scheduler
}

// NewSweeper builds a sweeper that removes empty, unstarted rooms older than grace.
func NewSweeper(lobby *Lobby, interval, grace time.Duration) *Sweeper {
	return &Sweeper{lobby: lobby, interval: interval, grace: grace}
}

// Sweep runs one collection pass and returns the number of rooms removed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	rooms, err := s.lobby.scan(ctx)
	if err != nil {
		return 0, err
	}
	manager := s.lobby.rooms
	cutoff := manager.now().Add(-s.grace)
	removed := 0
	for _, room := range rooms {
		if room.GameStarted || room.Type.IsPlaceholder() || len(room.Players) > 0 {
			continue
		}
		if room.CreatedAt.After(cutoff) {
			continue
		}
		// Re-check under the room lock so a join racing the sweep wins.
		deleted := false
		_, err := manager.Mutate(ctx, room.ID, func(current *Room) (Action, error) {
			deleted = false
			if current.GameStarted || len(current.Players) > 0 {
				return Keep, nil
			}
			deleted = true
			return Delete, nil
		})
		if err != nil {
			if !errors.Is(err, ErrRoomNotFound) {
				manager.log.Warn("sweep failed", logging.Room(room.ID), logging.Error(err))
			}
			continue
		}
		if deleted {
			removed++
		}
	}
	return removed, nil
}

// Start schedules Sweep every interval until Stop is called.
func (s *Sweeper) Start() error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			defer cancel()
			removed, err := s.Sweep(ctx)
			if err != nil {
				logging.L().Warn("room sweep failed", logging.Error(err))
				return
			}
			if removed > 0 {
				logging.L().Info("swept idle rooms", logging.Int("removed", removed))
			}
		}),
		gocron.WithName("room-sweeper"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return err
	}
	scheduler.Start()
	s.scheduler = scheduler
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() error {
	if s.scheduler == nil {
		return nil
	}
	return s.scheduler.Shutdown()
}
