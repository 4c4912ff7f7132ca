package worker

import (
	"context"
	"time"
)

// heartbeatInterval is the fixed 30s cadence spec.md §4.7 mandates.
const heartbeatInterval = 30 * time.Second

// heartbeatLoop sends a heartbeat every 30s until ctx is done,
// re-registering the worker when the orchestrator asks for it (spec.md
// §4.7: "30s heartbeat; re-register on re_register response").
func (rt *Runtime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.heartbeatOnce(ctx)
		}
	}
}

func (rt *Runtime) heartbeatOnce(ctx context.Context) {
	result, err := rt.client.Heartbeat(ctx, rt.workerID)
	if err != nil {
		rt.logger.Warn(ctx, "worker: heartbeat failed", "worker_id", rt.workerID, "error", err)
		return
	}
	if result.ReRegister {
		rt.logger.Info(ctx, "worker: re-registering on orchestrator request", "worker_id", rt.workerID)
		if err := rt.register(ctx); err != nil {
			rt.logger.Warn(ctx, "worker: re-register failed", "worker_id", rt.workerID, "error", err)
		}
	}
}
