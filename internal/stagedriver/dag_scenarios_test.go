// Copyright 2025 James Ross
//
// End-to-end DAG scenarios transliterated from
// original_source/test/test_queue.py, scaled down from the literal
// 1.0s/2.0s/10s sleeps to millisecond delays so the suite runs fast;
// the ordering and readiness invariants they assert are unchanged.
package stagedriver

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jamesross/pmcad/internal/store"
)

func TestStagedriverSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Stagedriver DAG Scenarios Suite")
}

var _ = Describe("three-way DAG with intersection", func() {
	It("never completes C for a doc before both A and B have completed it", func() {
		dir := GinkgoT().TempDir()
		st, err := store.Open(filepath.Join(dir, "pmcad.db"), false, nil)
		Expect(err).NotTo(HaveOccurred())
		defer st.Close()

		ctx := context.Background()
		const n = 25
		for i := int64(1); i <= n; i++ {
			Expect(st.PutAbstract(ctx, i, "doc")).To(Succeed())
			Expect(st.QueueAppend(ctx, "op_A", i)).To(Succeed())
			Expect(st.QueueAppend(ctx, "op_B", i)).To(Succeed())
		}

		var cBeforeBothDone bool
		stepA := func(ctx context.Context, docID int64, s *store.Store, _ LLM, _ map[string]any) (any, []Info, error) {
			time.Sleep(2 * time.Millisecond)
			return nil, nil, s.QueueAppend(ctx, "C_fromA", docID)
		}
		stepB := func(ctx context.Context, docID int64, s *store.Store, _ LLM, _ map[string]any) (any, []Info, error) {
			time.Sleep(4 * time.Millisecond)
			return nil, nil, s.QueueAppend(ctx, "C_fromB", docID)
		}
		stepC := func(ctx context.Context, docID int64, s *store.Store, _ LLM, _ map[string]any) (any, []Info, error) {
			doneA, err := s.QueueDoneHas(ctx, "A", docID)
			if err != nil {
				return nil, nil, err
			}
			doneB, err := s.QueueDoneHas(ctx, "B", docID)
			if err != nil {
				return nil, nil, err
			}
			if !doneA || !doneB {
				cBeforeBothDone = true
			}
			return nil, nil, nil
		}

		driverA, err := New(Spec{
			Name: "A", Store: st, LLMPool: []LLM{&fakeLLM{}}, Workers: 5,
			SubPipeline: []Step{{Fn: stepA, Index: 1}}, OpQueueNames: []string{"op_A"},
		})
		Expect(err).NotTo(HaveOccurred())
		driverB, err := New(Spec{
			Name: "B", Store: st, LLMPool: []LLM{&fakeLLM{}}, Workers: 5,
			SubPipeline: []Step{{Fn: stepB, Index: 1}}, OpQueueNames: []string{"op_B"},
		})
		Expect(err).NotTo(HaveOccurred())
		driverC, err := New(Spec{
			Name: "C", Store: st, LLMPool: []LLM{&fakeLLM{}}, Workers: 5,
			SubPipeline: []Step{{Fn: stepC, Index: 1}}, OpQueueNames: []string{"C_fromA", "C_fromB"},
			QueueSleep: 2 * time.Millisecond,
		})
		Expect(err).NotTo(HaveOccurred())

		runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		done := make(chan error, 3)
		go func() { done <- driverA.Run(runCtx) }()
		go func() { done <- driverB.Run(runCtx) }()
		go func() { done <- driverC.Run(runCtx) }()

		for i := 0; i < 3; i++ {
			Expect(<-done).To(Or(BeNil(), MatchError(context.DeadlineExceeded)))
		}

		countA, err := st.QueueDoneCountIn(ctx, "A", idRange(n))
		Expect(err).NotTo(HaveOccurred())
		countB, err := st.QueueDoneCountIn(ctx, "B", idRange(n))
		Expect(err).NotTo(HaveOccurred())
		countC, err := st.QueueDoneCountIn(ctx, "C", idRange(n))
		Expect(err).NotTo(HaveOccurred())

		Expect(countA).To(Equal(n))
		Expect(countB).To(Equal(n))
		Expect(countC).To(Equal(n))
		Expect(cBeforeBothDone).To(BeFalse())
	})
})

var _ = Describe("cross-ontology convert serialization", func() {
	It("lets a downstream converter observe the upstream converter's final write", func() {
		dir := GinkgoT().TempDir()
		st, err := store.Open(filepath.Join(dir, "pmcad.db"), false, nil)
		Expect(err).NotTo(HaveOccurred())
		defer st.Close()

		ctx := context.Background()
		const docID = int64(42)
		Expect(st.PutAbstract(ctx, docID, "doc")).To(Succeed())
		Expect(st.QueueAppend(ctx, "op_C1", docID)).To(Succeed())

		shared := map[string]any{"converted_by": []string{}}
		stepC1 := func(ctx context.Context, d int64, s *store.Store, _ LLM, _ map[string]any) (any, []Info, error) {
			shared["converted_by"] = append(shared["converted_by"].([]string), "C1")
			if err := s.Put(ctx, d, "shared.json", shared); err != nil {
				return nil, nil, err
			}
			return nil, nil, s.QueueAppend(ctx, "op_C2", d)
		}
		var observedAfterC1 []any
		stepC2 := func(ctx context.Context, d int64, s *store.Store, _ LLM, _ map[string]any) (any, []Info, error) {
			raw, ok, err := s.Get(ctx, d, "shared.json")
			if err != nil {
				return nil, nil, err
			}
			if !ok {
				return nil, nil, nil
			}
			m := raw.(map[string]any)
			observedAfterC1 = m["converted_by"].([]any)
			return nil, nil, nil
		}

		driverC1, err := New(Spec{
			Name: "C1", Store: st, LLMPool: []LLM{&fakeLLM{}}, Workers: 1,
			SubPipeline: []Step{{Fn: stepC1, Index: 1}}, OpQueueNames: []string{"op_C1"},
		})
		Expect(err).NotTo(HaveOccurred())
		driverC2, err := New(Spec{
			Name: "C2", Store: st, LLMPool: []LLM{&fakeLLM{}}, Workers: 1,
			SubPipeline: []Step{{Fn: stepC2, Index: 1}}, OpQueueNames: []string{"C1"},
			QueueSleep: 2 * time.Millisecond,
		})
		Expect(err).NotTo(HaveOccurred())

		runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		Expect(driverC1.Run(runCtx)).To(Succeed())

		runCtx2, cancel2 := context.WithTimeout(ctx, 2*time.Second)
		defer cancel2()
		_ = driverC2.Run(runCtx2)

		Expect(observedAfterC1).To(Equal([]any{"C1"}))
	})
})

var _ = Describe("idempotent LLM step with structured output", func() {
	It("skips the LLM call on a doc that is already in the stage's done set", func() {
		dir := GinkgoT().TempDir()
		s, err := store.Open(filepath.Join(dir, "pmcad.db"), false, nil)
		Expect(err).NotTo(HaveOccurred())
		defer s.Close()

		ctx := context.Background()
		for i := int64(1); i <= 3; i++ {
			Expect(s.PutAbstract(ctx, i, "doc")).To(Succeed())
			Expect(s.QueueAppend(ctx, "op_extract", i)).To(Succeed())
		}

		var calls int32
		llm := &countingLLM{calls: &calls}
		step := func(ctx context.Context, docID int64, st *store.Store, llm LLM, _ map[string]any) (any, []Info, error) {
			_, err := llm.Query(ctx, "extract relations")
			if err != nil {
				return nil, nil, err
			}
			return map[string]any{"relations": []any{}}, nil, nil
		}

		spec := Spec{
			Name: "extract", Store: s, LLMPool: []LLM{llm}, Workers: 2,
			SubPipeline: []Step{{Fn: step, Index: 1}}, OpQueueNames: []string{"op_extract"},
		}

		driver1, err := New(spec)
		Expect(err).NotTo(HaveOccurred())
		runCtx1, cancel1 := context.WithTimeout(ctx, 2*time.Second)
		Expect(driver1.Run(runCtx1)).To(Succeed())
		cancel1()

		firstRoundCalls := atomic.LoadInt32(&calls)
		Expect(firstRoundCalls).To(Equal(int32(3)))

		driver2, err := New(spec)
		Expect(err).NotTo(HaveOccurred())
		runCtx2, cancel2 := context.WithTimeout(ctx, 200*time.Millisecond)
		_ = driver2.Run(runCtx2)
		cancel2()

		Expect(atomic.LoadInt32(&calls)).To(Equal(firstRoundCalls))

		doneCount, err := s.QueueDoneCountIn(ctx, "extract", idRange(3))
		Expect(err).NotTo(HaveOccurred())
		Expect(doneCount).To(Equal(3))
	})
})

type countingLLM struct {
	calls *int32
}

func (c *countingLLM) Query(_ context.Context, _ string) (string, error) {
	atomic.AddInt32(c.calls, 1)
	return "{}", nil
}

func idRange(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(i + 1)
	}
	return out
}
