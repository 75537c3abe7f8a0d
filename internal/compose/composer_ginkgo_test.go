// Copyright 2025 James Ross
package compose

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jamesross/pmcad/internal/config"
)

var _ = Describe("Composer.Run", func() {
	var ctx context.Context
	var cancel context.CancelFunc

	AfterEach(func() {
		if cancel != nil {
			cancel()
		}
	})

	When("no stages are configured", func() {
		It("errors immediately", func() {
			c := &Composer{Cfg: &config.Config{}, BinaryPath: "/bin/true"}
			err := c.Run(context.Background())
			Expect(err).To(HaveOccurred())
		})
	})

	When("every stage process exits cleanly", func() {
		It("keeps running and returns the context's error on cancellation", func() {
			cfg := &config.Config{Stages: []config.StageConfig{{Name: "extract"}, {Name: "convert"}}}
			c := &Composer{
				Cfg:                  cfg,
				BinaryPath:           "/bin/true",
				HousekeepingInterval: 20 * time.Millisecond,
			}
			ctx, cancel = context.WithTimeout(context.Background(), 100*time.Millisecond)

			err := c.Run(ctx)
			Expect(err).To(MatchError(context.DeadlineExceeded))
		})
	})

	When("a stage process keeps crashing past its restart budget", func() {
		It("reports the exhausted-restarts error instead of hanging forever", func() {
			cfg := &config.Config{Stages: []config.StageConfig{{Name: "flaky"}}}
			c := &Composer{
				Cfg:                  cfg,
				BinaryPath:           "/bin/false",
				MaxRestarts:          1,
				HousekeepingInterval: 10 * time.Millisecond,
			}
			ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)

			err := c.Run(ctx)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("exhausted"))
		})
	})
})
