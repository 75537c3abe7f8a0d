// Copyright 2025 James Ross
package stagedriver

import (
	"context"
	"sync/atomic"
)

// LLM is the minimal surface a stage callable needs from a language
// model client. internal/adapters.LLMClient satisfies this by structure;
// stagedriver does not import internal/adapters to keep the dependency
// pointing the other way (adapters is a leaf package).
type LLM interface {
	Query(ctx context.Context, prompt string) (string, error)
}

// llmPool round-robins through a fixed, non-empty list of LLM handles.
type llmPool struct {
	clients []LLM
	next    uint64
}

func newLLMPool(clients []LLM) *llmPool {
	return &llmPool{clients: clients}
}

func (p *llmPool) pick() LLM {
	idx := atomic.AddUint64(&p.next, 1) - 1
	return p.clients[int(idx%uint64(len(p.clients)))]
}
