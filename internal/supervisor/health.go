package supervisor

import (
	"context"
	"log/slog"
	"time"
)

// healthLoop probes every worker's /health on the configured interval and
// replaces workers that stay unhealthy too long.
func (s *Supervisor) healthLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.checkAll(ctx)
		}
	}
}

// checkAll runs one probe round.
func (s *Supervisor) checkAll(ctx context.Context) {
	s.mu.Lock()
	snapshot := make([]*slot, len(s.slots))
	copy(snapshot, s.slots)
	s.mu.Unlock()

	now := time.Now()

	for _, sl := range snapshot {
		ok := s.probeWorker(sl)

		s.mu.Lock()
		sl.lastCheckedAt = now

		switch {
		case ok && !sl.healthy:
			sl.healthy = true
			sl.unhealthySince = time.Time{}
			s.logger.Info("worker recovered", slog.Int("id", sl.id), slog.Int("port", sl.port))

		case !ok && sl.healthy:
			sl.healthy = false
			sl.unhealthySince = now
			s.logger.Warn("worker became unhealthy", slog.Int("id", sl.id), slog.Int("port", sl.port))
		}

		expired := !sl.healthy && !sl.unhealthySince.IsZero() && now.Sub(sl.unhealthySince) > s.cfg.UnhealthyAfter
		s.mu.Unlock()

		if expired {
			s.replace(ctx, sl)
		}
	}
}

// probeWorker returns whether one /health probe succeeded.
func (s *Supervisor) probeWorker(sl *slot) bool {
	resp, err := s.probe.Get(sl.worker.URL() + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == 200
}

// replace forcibly terminates a worker that overstayed the unhealthy window.
// The reaper observes the exit and spawns the replacement.
func (s *Supervisor) replace(ctx context.Context, sl *slot) {
	s.logger.Warn("terminating unhealthy worker",
		slog.Int("id", sl.id),
		slog.Int("port", sl.port),
		slog.Duration("unhealthy_for", time.Since(sl.unhealthySince)),
	)

	sl.worker.Stop(0)

	select {
	case <-ctx.Done():
	case <-sl.worker.Done():
	}
}
