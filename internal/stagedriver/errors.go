// Copyright 2025 James Ross
package stagedriver

import "errors"

// The five-kind error taxonomy a stage callable may signal. ClaimContention
// has no sentinel: it is resolved inside the store's BEGIN IMMEDIATE
// transaction and never surfaces to a stage body.
var (
	// ErrInputMissing means a required upstream artifact is absent for
	// this document; the stage cannot proceed.
	ErrInputMissing = errors.New("stagedriver: required input missing")
	// ErrParseFailure means an adapter response (LLM, search) could not
	// be parsed into the shape the stage expects.
	ErrParseFailure = errors.New("stagedriver: response parse failure")
	// ErrTransientExternal means an external call failed in a way that
	// is expected to succeed on retry (HTTP 5xx, timeout, rate limit).
	ErrTransientExternal = errors.New("stagedriver: transient external failure")
	// ErrInvariantViolation means the stage detected state that should
	// be structurally impossible; it is not retried.
	ErrInvariantViolation = errors.New("stagedriver: invariant violation")
)
