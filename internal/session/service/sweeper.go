package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	sweepInterval  = 30 * time.Second
	sweepBatchSize = 50
)

// RunSweeper periodically reconciles abandoned sessions, including ones
// left open by a previous process.
func (s *Service) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		closed, err := s.ReconcileAbandoned(ctx, sweepBatchSize)
		if err != nil {
			s.log.Warn("abandoned session sweep failed", zap.Error(err))
			continue
		}
		if closed > 0 {
			s.log.Info("abandoned sessions reconciled", zap.Int("count", closed))
		}
	}
}
