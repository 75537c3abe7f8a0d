// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jamesross/pmcad/internal/store"
)

// StartQueueLengthUpdater periodically samples each named queue's depth
// (via store.QueueDepth) and each named stage's in-flight claim count
// (via store.InflightCount), publishing both as Prometheus gauges. It
// is the pmcad analog of the teacher's Redis LLEN sampler, reading the
// sqlite state store instead of a Redis connection.
func StartQueueLengthUpdater(ctx context.Context, st *store.Store, queues, stages []string, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, q := range queues {
					n, err := st.QueueDepth(ctx, q)
					if err != nil {
						log.Debug("queue depth poll error", String("queue", q), Err(err))
						continue
					}
					QueueDepth.WithLabelValues(q).Set(float64(n))
				}
				for _, s := range stages {
					n, err := st.InflightCount(ctx, s)
					if err != nil {
						log.Debug("inflight count poll error", String("stage", s), Err(err))
						continue
					}
					StageInflight.WithLabelValues(s).Set(float64(n))
				}
			}
		}
	}()
}
