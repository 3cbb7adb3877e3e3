// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package lifecycle

import (
	"fmt"
	"os"
)

// Alive reports whether pid currently exists by checking /proc/<pid>,
// the same check the pack's own process-liveness idiom uses.
func Alive(pid int32) bool {
	_, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	return err == nil
}
