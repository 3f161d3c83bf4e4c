package main

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"pongarena/broker/internal/httpapi"
	"pongarena/broker/internal/logging"
	"pongarena/broker/internal/replay"
)

// healthProbeInterval is how often the gRPC health status is refreshed.
const healthProbeInterval = 10 * time.Second

type maintenanceDeps struct {
	interval time.Duration
	replays  *replay.Store
	limiter  *httpapi.KeyedLimiter
	checks   map[string]httpapi.Pinger
	health   *health.Server
	logger   *logging.Logger
}

// startMaintenance schedules the housekeeping jobs that are not tied to a room.
func startMaintenance(deps maintenanceDeps) (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	add := func(name string, every time.Duration, task func()) error {
		_, err := scheduler.NewJob(
			gocron.DurationJob(every),
			gocron.NewTask(task),
			gocron.WithName(name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
			gocron.WithStartAt(gocron.WithStartImmediately()),
		)
		return err
	}

	var jobErr error
	keep := func(err error) {
		if err != nil && jobErr == nil {
			jobErr = err
		}
	}
	if deps.replays != nil {
		keep(add("replay-retention", deps.interval, deps.replays.Prune))
	}
	if deps.limiter != nil {
		keep(add("rate-limit-prune", deps.interval, deps.limiter.Prune))
	}
	if deps.health != nil {
		keep(add("health-probe", healthProbeInterval, func() { probeHealth(deps) }))
	}
	if jobErr != nil {
		_ = scheduler.Shutdown()
		return nil, jobErr
	}
	scheduler.Start()
	return scheduler, nil
}

// probeHealth mirrors /readyz onto the gRPC health service.
func probeHealth(deps maintenanceDeps) {
	ctx, cancel := context.WithTimeout(context.Background(), healthProbeInterval/2)
	defer cancel()
	status := healthpb.HealthCheckResponse_SERVING
	for name, check := range deps.checks {
		if err := check.Ping(ctx); err != nil {
			deps.logger.Warn("health probe failed", logging.String("dependency", name), logging.Error(err))
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	deps.health.SetServingStatus("", status)
}
