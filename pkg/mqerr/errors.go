// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package mqerr provides the semantic error taxonomy shared by every
// mqcore package. Errors are sentinel values, not exception types, so
// callers branch with errors.Is instead of type switches — the same
// convention code.hybscloud.com/iox uses for ErrWouldBlock.
package mqerr

import (
	"errors"

	"code.hybscloud.com/iox"
)

// Kind classifies an error for callers that need to branch on category
// rather than on the exact sentinel.
type Kind int

const (
	// KindUnknown is returned by KindOf for errors outside this taxonomy.
	KindUnknown Kind = iota
	// KindCapacity covers fixed-table and pool exhaustion.
	KindCapacity
	// KindIdentity covers lookups against unknown ids.
	KindIdentity
	// KindState covers operations rejected by an entity's current state.
	KindState
	// KindIntegrity covers segment/layout validation failures.
	KindIntegrity
	// KindTiming covers non-fatal control-flow signals (timeouts, would-block).
	KindTiming
	// KindFatal covers unrecoverable process-level failures.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindCapacity:
		return "capacity"
	case KindIdentity:
		return "identity"
	case KindState:
		return "state"
	case KindIntegrity:
		return "integrity"
	case KindTiming:
		return "timing"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Capacity errors: a fixed-size table or pool is exhausted.
var (
	ErrNoProcessSlot  = errors.New("mqerr: no free process slot")
	ErrNoBlockSlot    = errors.New("mqerr: no free block slot")
	ErrNoConnSlot     = errors.New("mqerr: no free connection slot")
	ErrNoPoolSlot     = errors.New("mqerr: no free pool slot")
	ErrNoBufferSlot   = errors.New("mqerr: no free buffer metadata slot")
	ErrNoConsumerSlot = errors.New("mqerr: no free consumer slot")
	ErrQueueFull      = errors.New("mqerr: queue full")
	ErrPoolExhausted  = errors.New("mqerr: pool exhausted")
)

// Identity errors: a lookup against an unknown id.
var (
	ErrUnknownBlock = errors.New("mqerr: unknown block")
	ErrUnknownPort  = errors.New("mqerr: unknown port")
	ErrUnknownBuf   = errors.New("mqerr: unknown buffer")
	ErrUnknownPool  = errors.New("mqerr: unknown pool")
	ErrUnknownConn  = errors.New("mqerr: unknown connection")
)

// State errors: the entity exists but rejects the operation in its
// current state.
var (
	ErrQueueClosed      = errors.New("mqerr: queue closed")
	ErrAlreadyRegistered = errors.New("mqerr: already registered")
	ErrNotConnected     = errors.New("mqerr: not connected")
	ErrInvalidTransition = errors.New("mqerr: invalid state transition")
	ErrDuplicatePort    = errors.New("mqerr: duplicate port name")
)

// Integrity errors: segment layout or platform assumptions do not hold.
var (
	ErrBadMagic             = errors.New("mqerr: bad segment magic")
	ErrIncompatibleVersion  = errors.New("mqerr: incompatible segment version")
	ErrIncompatibleRegistry = errors.New("mqerr: incompatible registry segment")
	ErrCorruptFreeList      = errors.New("mqerr: corrupt free list")
	ErrNotLockFree          = errors.New("mqerr: platform atomics are not lock-free")
)

// Timing errors: recoverable control-flow signals. ErrWouldBlock is
// re-exported from iox so a caller holding an mqerr.ErrWouldBlock check
// also satisfies any iox-flavored errors.Is check, and vice versa.
var (
	ErrWouldBlock        = iox.ErrWouldBlock
	ErrTimeout           = errors.New("mqerr: timeout")
	ErrInsufficientInput = errors.New("mqerr: insufficient input")
	ErrOutputFull        = errors.New("mqerr: output full")
)

// Fatal errors: abort the offending process; other processes are
// unaffected.
var (
	ErrShmCreateFailed = errors.New("mqerr: shared memory segment create failed")
	ErrMapFailed       = errors.New("mqerr: shared memory map failed")
)

var kindOf = map[error]Kind{
	ErrNoProcessSlot:  KindCapacity,
	ErrNoBlockSlot:    KindCapacity,
	ErrNoConnSlot:     KindCapacity,
	ErrNoPoolSlot:     KindCapacity,
	ErrNoBufferSlot:   KindCapacity,
	ErrNoConsumerSlot: KindCapacity,
	ErrQueueFull:      KindCapacity,
	ErrPoolExhausted:  KindCapacity,

	ErrUnknownBlock: KindIdentity,
	ErrUnknownPort:  KindIdentity,
	ErrUnknownBuf:   KindIdentity,
	ErrUnknownPool:  KindIdentity,
	ErrUnknownConn:  KindIdentity,

	ErrQueueClosed:       KindState,
	ErrAlreadyRegistered: KindState,
	ErrNotConnected:      KindState,
	ErrInvalidTransition: KindState,
	ErrDuplicatePort:     KindState,

	ErrBadMagic:             KindIntegrity,
	ErrIncompatibleVersion:  KindIntegrity,
	ErrIncompatibleRegistry: KindIntegrity,
	ErrCorruptFreeList:      KindIntegrity,
	ErrNotLockFree:          KindIntegrity,

	ErrWouldBlock:        KindTiming,
	ErrTimeout:           KindTiming,
	ErrInsufficientInput: KindTiming,
	ErrOutputFull:        KindTiming,

	ErrShmCreateFailed: KindFatal,
	ErrMapFailed:       KindFatal,
}

// KindOf classifies err according to its error taxonomy. It walks
// the error chain with errors.Is, so wrapped sentinels still classify
// correctly. Returns KindUnknown for errors outside this taxonomy.
func KindOf(err error) Kind {
	for sentinel, kind := range kindOf {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}

// Recoverable reports whether err's kind is one the caller is expected to
// retry or back off from (Capacity or Timing), as opposed to Identity/State
// errors (programming errors, surfaced but never panicked on) or Fatal
// errors (abort the process).
func Recoverable(err error) bool {
	switch KindOf(err) {
	case KindCapacity, KindTiming:
		return true
	default:
		return false
	}
}
