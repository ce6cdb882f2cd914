// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"github.com/qmuntal/stateless"
)

// =============================================================================
// Pipeline States
// =============================================================================

// PipelineState identifies a stage of the chat request lifecycle.
type PipelineState stateless.State

var (
	// StateReceived is the initial state after the request binds.
	StateReceived PipelineState = "Received"

	// StateValidated means the payload passed structural validation.
	StateValidated PipelineState = "Validated"

	// StateRateChecked means the client-scope rate check admitted the request.
	StateRateChecked PipelineState = "RateChecked"

	// StateInputCleared means the input guardrail allowed the message.
	StateInputCleared PipelineState = "InputCleared"

	// StateContextBuilt means retrieval, session load, and token budgeting
	// produced the final prompt.
	StateContextBuilt PipelineState = "ContextBuilt"

	// StateStreaming means tokens are flowing to the client.
	StateStreaming PipelineState = "Streaming"

	// StateStreamed means the upstream stream finished cleanly.
	StateStreamed PipelineState = "Streamed"

	// StateOutputCleared means the output guardrail verdict was applied.
	StateOutputCleared PipelineState = "OutputCleared"

	// StatePersisted is the terminal success state: the turn is stored.
	StatePersisted PipelineState = "Persisted"

	// StateRejected is the terminal state for requests stopped before
	// streaming (validation, rate limit, input guardrail).
	StateRejected PipelineState = "Rejected"

	// StateDropped is the terminal state for streams cut short by a client
	// disconnect or upstream failure. The partial turn is persisted before
	// entering this state.
	StateDropped PipelineState = "Dropped"
)

// =============================================================================
// Pipeline Triggers
// =============================================================================

// PipelineTrigger drives the pipeline between states.
type PipelineTrigger stateless.Trigger

var (
	TriggerValidated      PipelineTrigger = "Validated"
	TriggerRateAdmitted   PipelineTrigger = "RateAdmitted"
	TriggerInputAllowed   PipelineTrigger = "InputAllowed"
	TriggerContextReady   PipelineTrigger = "ContextReady"
	TriggerStreamStarted  PipelineTrigger = "StreamStarted"
	TriggerStreamFinished PipelineTrigger = "StreamFinished"
	TriggerOutputApplied  PipelineTrigger = "OutputApplied"
	TriggerPersisted      PipelineTrigger = "Persisted"
	TriggerRejected       PipelineTrigger = "Rejected"
	TriggerDropped        PipelineTrigger = "Dropped"
)

// =============================================================================
// Pipeline
// =============================================================================

// Pipeline enforces the ordering of the chat request lifecycle.
//
// # Description
//
// The streaming handler walks a request through a fixed sequence:
// validate, rate-check, input guardrail, context assembly, stream, output
// guardrail, persist. Pipeline makes that ordering explicit and machine
// checked: firing a trigger out of order is an error, so a refactor that
// accidentally persists before the output guardrail ran fails loudly in
// tests instead of silently in production.
//
// # Thread Safety
//
// Not safe for concurrent use. Each request gets its own Pipeline.
type Pipeline struct {
	fsm *stateless.StateMachine
}

// NewPipeline builds a Pipeline positioned at StateReceived.
func NewPipeline() *Pipeline {
	fsm := stateless.NewStateMachine(StateReceived)

	fsm.Configure(StateReceived).
		Permit(TriggerValidated, StateValidated).
		Permit(TriggerRejected, StateRejected)

	fsm.Configure(StateValidated).
		Permit(TriggerRateAdmitted, StateRateChecked).
		Permit(TriggerRejected, StateRejected)

	fsm.Configure(StateRateChecked).
		Permit(TriggerInputAllowed, StateInputCleared).
		Permit(TriggerRejected, StateRejected)

	fsm.Configure(StateInputCleared).
		Permit(TriggerContextReady, StateContextBuilt).
		Permit(TriggerRejected, StateRejected)

	fsm.Configure(StateContextBuilt).
		Permit(TriggerStreamStarted, StateStreaming).
		Permit(TriggerRejected, StateRejected)

	fsm.Configure(StateStreaming).
		Permit(TriggerStreamFinished, StateStreamed).
		Permit(TriggerDropped, StateDropped)

	fsm.Configure(StateStreamed).
		Permit(TriggerOutputApplied, StateOutputCleared)

	fsm.Configure(StateOutputCleared).
		Permit(TriggerPersisted, StatePersisted)

	return &Pipeline{fsm: fsm}
}

// Fire advances the pipeline. Returns an error when the trigger is not
// permitted from the current state.
func (p *Pipeline) Fire(trigger PipelineTrigger) error {
	return p.fsm.Fire(trigger)
}

// State returns the current pipeline state.
func (p *Pipeline) State() PipelineState {
	return p.fsm.MustState().(PipelineState)
}

// Terminal reports whether the pipeline reached a terminal state.
func (p *Pipeline) Terminal() bool {
	switch p.State() {
	case StatePersisted, StateRejected, StateDropped:
		return true
	}
	return false
}
