// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package mqerr_test

import (
	"fmt"
	"testing"

	"code.hybscloud.com/mqcore/pkg/mqerr"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want mqerr.Kind
	}{
		{mqerr.ErrNoBufferSlot, mqerr.KindCapacity},
		{mqerr.ErrUnknownPool, mqerr.KindIdentity},
		{mqerr.ErrQueueClosed, mqerr.KindState},
		{mqerr.ErrBadMagic, mqerr.KindIntegrity},
		{mqerr.ErrWouldBlock, mqerr.KindTiming},
		{mqerr.ErrShmCreateFailed, mqerr.KindFatal},
		{fmt.Errorf("wrapped: %w", mqerr.ErrOutputFull), mqerr.KindTiming},
		{fmt.Errorf("some other error"), mqerr.KindUnknown},
	}
	for _, c := range cases {
		if got := mqerr.KindOf(c.err); got != c.want {
			t.Errorf("KindOf(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestRecoverable(t *testing.T) {
	if !mqerr.Recoverable(mqerr.ErrQueueFull) {
		t.Error("ErrQueueFull should be recoverable")
	}
	if !mqerr.Recoverable(mqerr.ErrInsufficientInput) {
		t.Error("ErrInsufficientInput should be recoverable")
	}
	if mqerr.Recoverable(mqerr.ErrUnknownBlock) {
		t.Error("ErrUnknownBlock should not be recoverable")
	}
	if mqerr.Recoverable(mqerr.ErrShmCreateFailed) {
		t.Error("ErrShmCreateFailed should not be recoverable")
	}
}

func TestKindString(t *testing.T) {
	if mqerr.KindCapacity.String() != "capacity" {
		t.Errorf("KindCapacity.String() = %q", mqerr.KindCapacity.String())
	}
	if mqerr.Kind(99).String() != "unknown" {
		t.Errorf("unknown kind should stringify to unknown")
	}
}
