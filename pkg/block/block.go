// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package block defines the uniform processing-unit contract the
// scheduler drives: a Block exposes Initialize/Start/Stop/Cleanup/Work/
// HandleMessage behind one interface, so the scheduler never needs to
// know what a given block actually does.
package block

// Result is the outcome of one Work invocation. A single call MUST be
// non-blocking or bounded-blocking.
type Result int

const (
	// Ok: useful progress was made; reschedule immediately.
	Ok Result = iota
	// InsufficientInput: a required input had no buffer available;
	// reschedule after a short idle backoff.
	InsufficientInput
	// OutputFull: an output port could not accept; reschedule with a
	// longer backoff.
	OutputFull
	// Done: the block will not produce or consume further; the
	// scheduler removes it.
	Done
	// Error: fatal for this block; the scheduler stops it and reports.
	Error
)

func (r Result) String() string {
	switch r {
	case Ok:
		return "ok"
	case InsufficientInput:
		return "insufficient_input"
	case OutputFull:
		return "output_full"
	case Done:
		return "done"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Block is the contract every processing unit implements. Initialize
// receives the Runtime facade bound to this block's ports; Work is
// called repeatedly by the scheduler until it returns Done or Error.
// HandleMessage delivers out-of-band control messages (outside the
// buffer data plane) and is never called concurrently with Work for the
// same block.
type Block interface {
	Initialize(rt *Runtime) error
	Start() error
	Work() Result
	Stop() error
	Cleanup() error
	HandleMessage(msg any) error
}

// Base provides no-op defaults for Start/Stop/Cleanup/HandleMessage so
// concrete blocks only need to implement Initialize and Work.
type Base struct{}

func (Base) Start() error                 { return nil }
func (Base) Stop() error                  { return nil }
func (Base) Cleanup() error               { return nil }
func (Base) HandleMessage(msg any) error  { return nil }
