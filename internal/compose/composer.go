// Copyright 2025 James Ross
package compose

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/jamesross/pmcad/internal/config"
	"github.com/jamesross/pmcad/internal/obs"
)

// Composer launches one OS process per configured stage (cmd/pmcad
// run-stage --name=<stage>), generalizing test/test_queue.py's
// mp.Process(target=run_stage_A, ...) three-process launch to Go
// subprocesses wired only through the shared sqlite state store — the
// spec calls for independent processes, not goroutines, so a crashed
// stage driver cannot corrupt another's in-memory state. A
// robfig/cron/v3 schedule drives periodic housekeeping: re-checking
// process liveness and restarting a crashed stage within its
// configured restart policy.
type Composer struct {
	Cfg        *config.Config
	ConfigPath string
	BinaryPath string
	ExtraArgs  []string

	MaxRestarts          int
	HousekeepingInterval time.Duration

	Log *zap.Logger
}

func (c *Composer) log() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}

type stageProc struct {
	name     string
	cmd      *exec.Cmd
	exited   atomic.Bool
	exitErr  error
	restarts int
}

func (c *Composer) spawn(ctx context.Context, name string) (*stageProc, error) {
	sp := &stageProc{name: name}
	if err := c.startProc(ctx, sp); err != nil {
		return nil, err
	}
	return sp, nil
}

func (c *Composer) startProc(ctx context.Context, sp *stageProc) error {
	args := append([]string{"run-stage", "--config", c.ConfigPath, "--name", sp.name}, c.ExtraArgs...)
	cmd := exec.CommandContext(ctx, c.BinaryPath, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("compose: start stage %s: %w", sp.name, err)
	}
	sp.cmd = cmd
	sp.exitErr = nil
	sp.exited.Store(false)
	go func() {
		err := cmd.Wait()
		sp.exitErr = err
		sp.exited.Store(true)
	}()
	return nil
}

// Run starts every configured stage and blocks until ctx is cancelled
// or a stage exhausts its restart budget, whichever comes first. On
// return it kills every still-running stage process.
func (c *Composer) Run(ctx context.Context) error {
	if len(c.Cfg.Stages) == 0 {
		return fmt.Errorf("compose: no stages configured")
	}
	maxRestarts := c.MaxRestarts
	if maxRestarts <= 0 {
		maxRestarts = 3
	}
	interval := c.HousekeepingInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	var mu sync.Mutex
	procs := make([]*stageProc, 0, len(c.Cfg.Stages))
	for _, st := range c.Cfg.Stages {
		sp, err := c.spawn(ctx, st.Name)
		if err != nil {
			for _, p := range procs {
				killProc(p)
			}
			return err
		}
		procs = append(procs, sp)
	}

	failed := make(chan error, 1)
	fail := func(err error) {
		select {
		case failed <- err:
		default:
		}
	}

	sched := cron.New()
	_, err := sched.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		mu.Lock()
		defer mu.Unlock()
		for _, sp := range procs {
			if !sp.exited.Load() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if sp.exitErr == nil {
				c.log().Info("stage process exited cleanly", zap.String("stage", sp.name))
				continue
			}
			if sp.restarts >= maxRestarts {
				fail(fmt.Errorf("compose: stage %s exhausted %d restarts: %w", sp.name, maxRestarts, sp.exitErr))
				continue
			}
			sp.restarts++
			obs.ComposerRestarts.WithLabelValues(sp.name).Inc()
			c.log().Warn("restarting crashed stage process",
				zap.String("stage", sp.name), zap.Int("attempt", sp.restarts), zap.Error(sp.exitErr))
			if err := c.startProc(ctx, sp); err != nil {
				fail(err)
			}
		}
	})
	if err != nil {
		for _, p := range procs {
			killProc(p)
		}
		return fmt.Errorf("compose: schedule housekeeping: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	select {
	case <-ctx.Done():
		mu.Lock()
		for _, p := range procs {
			killProc(p)
		}
		mu.Unlock()
		return ctx.Err()
	case err := <-failed:
		mu.Lock()
		for _, p := range procs {
			killProc(p)
		}
		mu.Unlock()
		return err
	}
}

func killProc(sp *stageProc) {
	if sp.cmd != nil && sp.cmd.Process != nil && !sp.exited.Load() {
		_ = sp.cmd.Process.Kill()
	}
}
