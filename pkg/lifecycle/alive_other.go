// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build !linux

package lifecycle

import "syscall"

// Alive reports whether pid currently exists by sending it signal 0,
// which performs permission and existence checks without delivering
// anything.
func Alive(pid int32) bool {
	err := syscall.Kill(int(pid), syscall.Signal(0))
	return err == nil
}
