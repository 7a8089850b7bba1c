package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SweepExpiredSessions voids every open session past its TTL so the
// terminals can start new ones. Sessions under a fresh checkout lease are
// left alone.
func (s *Service) SweepExpiredSessions(ctx context.Context) ([]string, error) {
	now := s.now()
	voided, err := s.repo.VoidExpiredSessions(ctx, now, s.leaseCutoff(now))
	if err != nil {
		return nil, err
	}
	for _, id := range voided {
		s.logAudit(ctx, "", "session_expire", "session", id, "sweeper")
	}
	if len(voided) > 0 {
		s.logger.Info("expired sessions voided", zap.Int("count", len(voided)))
	}
	return voided, nil
}

// RunSweeper sweeps on every tick until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SweepExpiredSessions(ctx); err != nil {
				s.logger.Warn("sweep expired sessions", zap.Error(err))
			}
		}
	}
}
