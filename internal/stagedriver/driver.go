// Copyright 2025 James Ross
// Package stagedriver runs one stage's linear sub-pipeline of callables
// against a continuous stream of ready documents claimed from the state
// store's queue subsystem. It is the per-process dispatcher teacher code
// would call a Worker: a fixed-size pool of in-flight documents, each
// stepping through per-step semaphores with LLM rotation and bounded
// retries, reporting progress through the info-list protocol.
package stagedriver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jamesross/pmcad/internal/store"
)

// StepFunc is one stage callable: a pure function of a document id that
// reads and writes artifacts through st, optionally calls llm, and
// returns its result (stored by the caller if non-nil, the callable
// itself is expected to Put what it needs) alongside the info-list
// protocol. kwargs carries stage-specific configuration.
type StepFunc func(ctx context.Context, docID int64, st *store.Store, llm LLM, kwargs map[string]any) (any, []Info, error)

// Step is one element of a stage's sub-pipeline, 1-indexed to match the
// "{k}_" progress-prefix convention.
type Step struct {
	Fn    StepFunc
	Index int
}

type mode int

const (
	modeQueue mode = iota
	modeResume
)

// Spec describes one stage driver run. Name doubles as both the stage's
// inflight-tracking key and the done-queue name its completions are
// recorded under (queue_mark_done(Name, doc_id)), mirroring how the
// reference store keys both tables off a single stage identifier.
type Spec struct {
	Name             string
	Store            *store.Store
	LLMPool          []LLM
	SubPipeline      []Step
	Workers          int
	PerStepMax       []int
	DocIDFilter      map[int64]bool
	Limit            int
	OpQueueNames     []string
	ClearDoneOnStart bool
	QueueSleep       time.Duration
	Kwargs           map[string]any
	Reporter         Reporter
	Log              *zap.Logger

	// MaxRetries and RetryBackoff override the spec default (3 attempts,
	// 2s backoff) for tests; zero means "use the default".
	MaxRetries   int
	RetryBackoff time.Duration
}

// Driver executes one Spec's claim/dispatch/retry loop.
type Driver struct {
	spec    Spec
	mode    mode
	pool    *llmPool
	stepSem []chan struct{}
	resumeQ string
	log     *zap.Logger
}

// New validates spec and builds a Driver. It does not touch the store.
func New(spec Spec) (*Driver, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("stagedriver: name is required")
	}
	if spec.Store == nil {
		return nil, fmt.Errorf("stagedriver: store is required")
	}
	if len(spec.LLMPool) == 0 {
		return nil, fmt.Errorf("stagedriver: llm_pool must be non-empty")
	}
	if len(spec.SubPipeline) == 0 {
		return nil, fmt.Errorf("stagedriver: sub_pipeline must be non-empty")
	}
	if spec.Workers <= 0 {
		return nil, fmt.Errorf("stagedriver: workers must be > 0")
	}
	if spec.PerStepMax == nil {
		spec.PerStepMax = make([]int, len(spec.SubPipeline))
		for i := range spec.PerStepMax {
			spec.PerStepMax[i] = spec.Workers
		}
	}
	if len(spec.PerStepMax) != len(spec.SubPipeline) {
		return nil, fmt.Errorf("stagedriver: per_step_max length must match sub_pipeline length")
	}
	for _, n := range spec.PerStepMax {
		if n <= 0 {
			return nil, fmt.Errorf("stagedriver: per_step_max entries must be > 0")
		}
	}

	md := modeResume
	if len(spec.OpQueueNames) > 0 {
		md = modeQueue
	}

	if spec.QueueSleep <= 0 {
		spec.QueueSleep = 2 * time.Second
	}
	if spec.MaxRetries <= 0 {
		spec.MaxRetries = 3
	}
	if spec.RetryBackoff <= 0 {
		spec.RetryBackoff = 2 * time.Second
	}
	if spec.Reporter == nil {
		spec.Reporter = NoopReporter{}
	}
	log := spec.Log
	if log == nil {
		log = zap.NewNop()
	}

	sems := make([]chan struct{}, len(spec.PerStepMax))
	for i, n := range spec.PerStepMax {
		sems[i] = make(chan struct{}, n)
	}

	return &Driver{
		spec:    spec,
		mode:    md,
		pool:    newLLMPool(spec.LLMPool),
		stepSem: sems,
		resumeQ: "__resume__" + spec.Name,
		log:     log,
	}, nil
}

// Run executes the claim/dispatch loop to completion or ctx cancellation.
func (d *Driver) Run(ctx context.Context) error {
	st := d.spec.Store

	if d.spec.ClearDoneOnStart {
		if _, err := st.QueueDoneClear(ctx, d.spec.Name); err != nil {
			return fmt.Errorf("stagedriver %s: clear done: %w", d.spec.Name, err)
		}
	}
	if _, err := st.QueueInflightClear(ctx, d.spec.Name); err != nil {
		return fmt.Errorf("stagedriver %s: clear inflight: %w", d.spec.Name, err)
	}

	target, err := d.computeTarget(ctx)
	if err != nil {
		return err
	}
	if d.mode == modeResume {
		for _, id := range target {
			if err := st.QueueAppend(ctx, d.resumeQ, id); err != nil {
				return fmt.Errorf("stagedriver %s: seed resume queue: %w", d.spec.Name, err)
			}
		}
	}

	targetSet := make(map[int64]bool, len(target))
	for _, id := range target {
		targetSet[id] = true
	}

	already, err := st.QueueDoneCountIn(ctx, d.spec.Name, target)
	if err != nil {
		return fmt.Errorf("stagedriver %s: count done: %w", d.spec.Name, err)
	}
	n := len(target)
	remaining := n - already
	d.spec.Reporter.Init(d.spec.Name, already, n)
	if remaining <= 0 {
		d.spec.Reporter.Close()
		return nil
	}

	claimQueues := d.spec.OpQueueNames
	if d.mode == modeResume {
		claimQueues = []string{d.resumeQ}
	}

	results := make(chan int64, d.spec.Workers)
	inFlight := 0
	processed := 0

	for processed < remaining {
		for inFlight < d.spec.Workers {
			docID, ok, err := st.ClaimIntersection(ctx, claimQueues, d.spec.Name)
			if err == nil && !ok && d.mode == modeQueue {
				// No op-queue item is ready; treat the op names as upstream
				// done-sets (pass-through mode).
				docID, ok, err = st.ClaimDoneIntersection(ctx, claimQueues, d.spec.Name)
			}
			if err != nil {
				return fmt.Errorf("stagedriver %s: claim: %w", d.spec.Name, err)
			}
			if !ok {
				break
			}
			if !targetSet[docID] {
				if err := st.QueueInflightRemove(ctx, d.spec.Name, docID); err != nil {
					return fmt.Errorf("stagedriver %s: release out-of-filter claim: %w", d.spec.Name, err)
				}
				continue
			}
			inFlight++
			go d.runOne(ctx, docID, results)
		}

		if inFlight == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.spec.QueueSleep):
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case docID := <-results:
			if err := st.QueueMarkDone(ctx, d.spec.Name, docID); err != nil {
				return fmt.Errorf("stagedriver %s: mark done %d: %w", d.spec.Name, docID, err)
			}
			inFlight--
			processed++
			d.spec.Reporter.Advance()
		}
	}

	// Drain any stragglers launched in the final fill pass.
	for inFlight > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case docID := <-results:
			if err := st.QueueMarkDone(ctx, d.spec.Name, docID); err != nil {
				return fmt.Errorf("stagedriver %s: mark done %d: %w", d.spec.Name, docID, err)
			}
			inFlight--
			d.spec.Reporter.Advance()
		}
	}

	d.spec.Reporter.Close()
	return nil
}

func (d *Driver) computeTarget(ctx context.Context) ([]int64, error) {
	var target []int64
	if d.spec.DocIDFilter == nil {
		all, err := d.spec.Store.GetAllDocIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("stagedriver %s: get all doc ids: %w", d.spec.Name, err)
		}
		target = all
	} else {
		all, err := d.spec.Store.GetAllDocIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("stagedriver %s: get all doc ids: %w", d.spec.Name, err)
		}
		for _, id := range all {
			if d.spec.DocIDFilter[id] {
				target = append(target, id)
			}
		}
	}
	if d.spec.Limit > 0 && len(target) > d.spec.Limit {
		target = target[:d.spec.Limit]
	}
	return target, nil
}

// runOne drives one document through the full sub-pipeline and reports
// its terminal doc id on results, regardless of success or failure —
// the caller always calls queue_mark_done for it (spec: "regardless of
// success or failure").
func (d *Driver) runOne(ctx context.Context, docID int64, results chan<- int64) {
	for _, step := range d.spec.SubPipeline {
		if !d.runStep(ctx, docID, step) {
			break
		}
	}
	results <- docID
}

// runStep runs one step with up to MaxRetries attempts, returning false
// if the step ultimately failed (which stops the sub-pipeline for this
// document, per spec: no rollback of earlier steps, just halt).
func (d *Driver) runStep(ctx context.Context, docID int64, step Step) bool {
	sem := d.stepSem[step.Index-1]
	prefix := ""
	if step.Index >= 2 {
		prefix = fmt.Sprintf("%d_", step.Index)
	}

	for attempt := 1; attempt <= d.spec.MaxRetries; attempt++ {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return false
		}
		llm := d.pool.pick()
		_, infos, err := func() (res any, infos []Info, callErr error) {
			defer func() {
				if r := recover(); r != nil {
					callErr = fmt.Errorf("%w: %v", ErrInvariantViolation, r)
				}
			}()
			return step.Fn(ctx, docID, d.spec.Store, llm, d.spec.Kwargs)
		}()
		<-sem

		failed := err != nil
		for _, info := range infos {
			if info.Type == InfoError {
				failed = true
			}
		}
		if failed && err != nil && !hasErrorInfo(infos) {
			infos = append(infos, Info{Type: InfoError, Msg: err.Error()})
		}

		d.report(prefix, infos)

		if !failed {
			return true
		}
		if errors.Is(err, ErrInvariantViolation) {
			return false
		}
		if attempt < d.spec.MaxRetries {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(d.spec.RetryBackoff):
			}
		}
	}
	return false
}

func hasErrorInfo(infos []Info) bool {
	for _, info := range infos {
		if info.Type == InfoError {
			return true
		}
	}
	return false
}

func (d *Driver) report(prefix string, infos []Info) {
	rep := d.spec.Reporter
	for _, info := range infos {
		switch info.Type {
		case InfoStatus:
			name := info.Name
			if name == "" {
				name = "status"
			}
			rep.SetStatus(prefix+name, info.Description)
		case InfoMetric:
			name := info.Name
			if name == "" {
				name = "default"
			}
			rep.AddMetric(prefix+name, info.Correct, info.Total)
		case InfoError:
			rep.SetError(prefix+"error", info.Msg)
		}
	}
}
