// Copyright 2025 James Ross
// Package ratelimit implements the cross-process global rate limiter
// (spec.md §4.3): a named limiter keyed by service identifier that caps
// the combined request rate of every process on the host against that
// service. State is a small JSON array of recent acquire timestamps per
// service, mutated under an exclusive advisory file lock so unrelated
// processes sharing only a filesystem still serialize correctly.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

// Config describes one service's limiter: R requests per window W.
type Config struct {
	RatePerWindow int           `mapstructure:"rate_per_window"`
	Window        time.Duration `mapstructure:"window"`
}

// DefaultConfig mirrors spec.md §4.3's defaults (R=5, W=1s).
func DefaultConfig() Config {
	return Config{RatePerWindow: 5, Window: time.Second}
}

// Status is a point-in-time snapshot, surfaced for observability.
type Status struct {
	Service   string
	Available int
	Capacity  int
	Window    time.Duration
}

// Limiter is one named, cross-process limiter instance.
type Limiter struct {
	service  string
	cfg      Config
	statPath string
	lockPath string
	log      *zap.Logger
}

// New constructs a limiter for service, persisting its state under
// stateDir (e.g. "<state_dir>/<service>.ratelimit").
func New(stateDir, service string, cfg Config, log *zap.Logger) (*Limiter, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RatePerWindow <= 0 {
		return nil, fmt.Errorf("ratelimit: rate_per_window must be > 0")
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("ratelimit: window must be > 0")
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("ratelimit: create state dir: %w", err)
	}
	return &Limiter{
		service:  service,
		cfg:      cfg,
		statPath: filepath.Join(stateDir, service+".ratelimit"),
		lockPath: filepath.Join(stateDir, service+".ratelimit.lock"),
		log:      log,
	}, nil
}

// Acquire blocks (cooperatively) until a slot opens for this service,
// then records the reservation. Context cancellation interrupts any
// sleep between retries. This is a cooperative limiter: callers that
// bypass it are not throttled (spec.md §4.3).
func (l *Limiter) Acquire(ctx context.Context) error {
	fl := flock.New(l.lockPath)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		locked, err := tryLockCtx(ctx, fl)
		if err != nil {
			return fmt.Errorf("ratelimit: lock %s: %w", l.service, err)
		}
		if !locked {
			continue
		}

		now := nowUnix()
		timestamps, err := l.read()
		if err != nil {
			fl.Unlock()
			return err
		}
		timestamps = dropOlderThan(timestamps, now-l.cfg.Window.Seconds())

		if len(timestamps) < l.cfg.RatePerWindow {
			timestamps = append(timestamps, now)
			werr := l.write(timestamps)
			fl.Unlock()
			if werr != nil {
				return werr
			}
			return nil
		}

		wait := l.cfg.Window.Seconds() - (now - timestamps[0])
		fl.Unlock()
		if wait <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(wait * float64(time.Second))):
		}
	}
}

// Status reports current occupancy without mutating state.
func (l *Limiter) Status(ctx context.Context) (Status, error) {
	fl := flock.New(l.lockPath)
	locked, err := tryLockCtx(ctx, fl)
	if err != nil {
		return Status{}, err
	}
	if !locked {
		return Status{}, ctx.Err()
	}
	defer fl.Unlock()

	timestamps, err := l.read()
	if err != nil {
		return Status{}, err
	}
	timestamps = dropOlderThan(timestamps, nowUnix()-l.cfg.Window.Seconds())
	return Status{
		Service:   l.service,
		Available: l.cfg.RatePerWindow - len(timestamps),
		Capacity:  l.cfg.RatePerWindow,
		Window:    l.cfg.Window,
	}, nil
}

func (l *Limiter) read() ([]float64, error) {
	b, err := os.ReadFile(l.statPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ratelimit: read state %s: %w", l.service, err)
	}
	if len(b) == 0 {
		return nil, nil
	}
	var timestamps []float64
	if err := json.Unmarshal(b, &timestamps); err != nil {
		// A torn or corrupt state file degrades to "no history" rather
		// than wedging every process sharing this limiter.
		l.log.Warn("ratelimit: corrupt state file, resetting", zap.String("service", l.service), zap.Error(err))
		return nil, nil
	}
	return timestamps, nil
}

func (l *Limiter) write(timestamps []float64) error {
	b, err := json.Marshal(timestamps)
	if err != nil {
		return fmt.Errorf("ratelimit: encode state %s: %w", l.service, err)
	}
	tmp := l.statPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("ratelimit: write state %s: %w", l.service, err)
	}
	if err := os.Rename(tmp, l.statPath); err != nil {
		return fmt.Errorf("ratelimit: rename state %s: %w", l.service, err)
	}
	return nil
}

func dropOlderThan(timestamps []float64, cutoff float64) []float64 {
	kept := timestamps[:0]
	for _, t := range timestamps {
		if t > cutoff {
			kept = append(kept, t)
		}
	}
	return kept
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// tryLockCtx polls TryLock so a blocked Acquire still observes ctx
// cancellation instead of parking forever inside flock's own blocking
// Lock().
func tryLockCtx(ctx context.Context, fl *flock.Flock) (bool, error) {
	for {
		ok, err := fl.TryLock()
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}
