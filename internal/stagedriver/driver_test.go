// Copyright 2025 James Ross
package stagedriver

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jamesross/pmcad/internal/store"
)

type fakeLLM struct{ id string }

func (f *fakeLLM) Query(ctx context.Context, prompt string) (string, error) { return f.id, nil }

type recordingReporter struct {
	mu       sync.Mutex
	statuses map[string]string
	metrics  map[string][2]int
	errors   map[string]string
	advances int
	closed   bool
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{statuses: map[string]string{}, metrics: map[string][2]int{}, errors: map[string]string{}}
}

func (r *recordingReporter) Init(stage string, already, total int) {}
func (r *recordingReporter) SetStatus(name, description string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[name] = description
}
func (r *recordingReporter) AddMetric(name string, correct, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.metrics[name]
	v[0] += correct
	v[1] += total
	r.metrics[name] = v
}
func (r *recordingReporter) SetError(name, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors[name] = msg
}
func (r *recordingReporter) Advance() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advances++
}
func (r *recordingReporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "pmcad.db"), false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedDocs(t *testing.T, s *store.Store, n int) {
	t.Helper()
	ctx := context.Background()
	for i := int64(1); i <= int64(n); i++ {
		require.NoError(t, s.PutAbstract(ctx, i, fmt.Sprintf("abstract %d", i)))
	}
}

func TestDriverProcessesEveryQueuedDocExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedDocs(t, s, 10)
	for i := int64(1); i <= 10; i++ {
		require.NoError(t, s.QueueAppend(ctx, "op", i))
	}

	var seen sync.Map
	var calls int64
	step := StepFunc(func(ctx context.Context, docID int64, st *store.Store, llm LLM, kwargs map[string]any) (any, []Info, error) {
		atomic.AddInt64(&calls, 1)
		if _, dup := seen.LoadOrStore(docID, true); dup {
			t.Errorf("doc %d processed twice", docID)
		}
		return nil, []Info{{Type: InfoStatus, Description: "ok"}}, nil
	})

	d, err := New(Spec{
		Name:         "S",
		Store:        s,
		LLMPool:      []LLM{&fakeLLM{id: "a"}},
		SubPipeline:  []Step{{Fn: step, Index: 1}},
		Workers:      4,
		OpQueueNames: []string{"op"},
		QueueSleep:   10 * time.Millisecond,
	})
	require.NoError(t, err)

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, d.Run(runCtx))
	require.EqualValues(t, 10, calls)

	for i := int64(1); i <= 10; i++ {
		done, err := s.QueueDoneHas(ctx, "S", i)
		require.NoError(t, err)
		require.True(t, done)
	}
}

func TestDriverRetriesOnErrorInfoThenMarksDoneAnyway(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedDocs(t, s, 1)
	require.NoError(t, s.QueueAppend(ctx, "op", 1))

	var attempts int64
	step := StepFunc(func(ctx context.Context, docID int64, st *store.Store, llm LLM, kwargs map[string]any) (any, []Info, error) {
		n := atomic.AddInt64(&attempts, 1)
		if n < 3 {
			return nil, []Info{{Type: InfoError, Msg: "transient"}}, nil
		}
		return nil, []Info{{Type: InfoStatus, Description: "recovered"}}, nil
	})

	d, err := New(Spec{
		Name:         "S",
		Store:        s,
		LLMPool:      []LLM{&fakeLLM{id: "a"}},
		SubPipeline:  []Step{{Fn: step, Index: 1}},
		Workers:      1,
		OpQueueNames: []string{"op"},
		QueueSleep:   5 * time.Millisecond,
		RetryBackoff: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, d.Run(runCtx))
	require.EqualValues(t, 3, attempts)

	done, err := s.QueueDoneHas(ctx, "S", 1)
	require.NoError(t, err)
	require.True(t, done)
}

func TestDriverExhaustsRetriesAndStillMarksDone(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedDocs(t, s, 1)
	require.NoError(t, s.QueueAppend(ctx, "op", 1))

	var attempts int64
	step := StepFunc(func(ctx context.Context, docID int64, st *store.Store, llm LLM, kwargs map[string]any) (any, []Info, error) {
		atomic.AddInt64(&attempts, 1)
		return nil, []Info{{Type: InfoError, Msg: "permanent"}}, nil
	})

	rep := newRecordingReporter()
	d, err := New(Spec{
		Name:         "S",
		Store:        s,
		LLMPool:      []LLM{&fakeLLM{id: "a"}},
		SubPipeline:  []Step{{Fn: step, Index: 1}},
		Workers:      1,
		OpQueueNames: []string{"op"},
		QueueSleep:   5 * time.Millisecond,
		RetryBackoff: 2 * time.Millisecond,
		Reporter:     rep,
	})
	require.NoError(t, err)

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, d.Run(runCtx))
	require.EqualValues(t, 3, attempts)

	done, err := s.QueueDoneHas(ctx, "S", 1)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, "permanent", rep.errors["error"])
}

func TestDriverMultiStepPrefixesSecondStepProgress(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedDocs(t, s, 1)
	require.NoError(t, s.QueueAppend(ctx, "op", 1))

	step1 := StepFunc(func(ctx context.Context, docID int64, st *store.Store, llm LLM, kwargs map[string]any) (any, []Info, error) {
		return nil, []Info{{Type: InfoMetric, Name: "acc", Correct: 1, Total: 1}}, nil
	})
	step2 := StepFunc(func(ctx context.Context, docID int64, st *store.Store, llm LLM, kwargs map[string]any) (any, []Info, error) {
		return nil, []Info{{Type: InfoMetric, Name: "acc", Correct: 1, Total: 1}}, nil
	})

	rep := newRecordingReporter()
	d, err := New(Spec{
		Name:         "S",
		Store:        s,
		LLMPool:      []LLM{&fakeLLM{id: "a"}},
		SubPipeline:  []Step{{Fn: step1, Index: 1}, {Fn: step2, Index: 2}},
		Workers:      1,
		OpQueueNames: []string{"op"},
		QueueSleep:   5 * time.Millisecond,
		Reporter:     rep,
	})
	require.NoError(t, err)

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, d.Run(runCtx))

	require.Equal(t, [2]int{1, 1}, rep.metrics["acc"])
	require.Equal(t, [2]int{1, 1}, rep.metrics["2_acc"])
}

func TestDriverResumeOnlyModeProcessesFilterWithoutOpQueue(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedDocs(t, s, 3)

	var processed sync.Map
	step := StepFunc(func(ctx context.Context, docID int64, st *store.Store, llm LLM, kwargs map[string]any) (any, []Info, error) {
		processed.Store(docID, true)
		return nil, nil, nil
	})

	d, err := New(Spec{
		Name:        "resumeStage",
		Store:       s,
		LLMPool:     []LLM{&fakeLLM{id: "a"}},
		SubPipeline: []Step{{Fn: step, Index: 1}},
		Workers:     2,
		DocIDFilter: map[int64]bool{1: true, 2: true, 3: true},
		QueueSleep:  5 * time.Millisecond,
	})
	require.NoError(t, err)

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, d.Run(runCtx))

	for i := int64(1); i <= 3; i++ {
		_, ok := processed.Load(i)
		require.Truef(t, ok, "doc %d not processed", i)
	}
}

func TestDriverRejectsEmptyLLMPool(t *testing.T) {
	s := openTestStore(t)
	_, err := New(Spec{
		Name:         "S",
		Store:        s,
		SubPipeline:  []Step{{Fn: func(context.Context, int64, *store.Store, LLM, map[string]any) (any, []Info, error) { return nil, nil, nil }, Index: 1}},
		Workers:      1,
		OpQueueNames: []string{"op"},
	})
	require.Error(t, err)
}
