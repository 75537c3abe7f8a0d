// Copyright 2025 James Ross
package obs

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/jamesross/pmcad/internal/store"
)

func TestStartQueueLengthUpdaterPublishesGauges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := store.Open(filepath.Join(t.TempDir(), "pmcad.db"), false, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.QueueAppend(ctx, "op", 1))
	require.NoError(t, s.QueueAppend(ctx, "op", 2))
	_, _, err = s.ClaimIntersection(ctx, []string{"op"}, "extract")
	require.NoError(t, err)

	StartQueueLengthUpdater(ctx, s, []string{"op"}, []string{"extract"}, 10*time.Millisecond, nil)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(QueueDepth.WithLabelValues("op")) == 2 &&
			testutil.ToFloat64(StageInflight.WithLabelValues("extract")) == 1
	}, time.Second, 5*time.Millisecond)
}
