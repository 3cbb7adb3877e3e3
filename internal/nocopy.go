// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package internal

// NoCopy is a sentinel that makes `go vet -copylocks` flag accidental
// copies of structs embedding it. The shared-memory-backed structs
// (bufferpool.Pool, buffermeta.Table) embed one: once
// such a struct is mapped into a segment, copying the Go value copies a
// stale view of memory another process may be mutating concurrently.
type NoCopy struct{}

// Lock and Unlock satisfy sync.Locker so `go vet` recognizes NoCopy.
func (*NoCopy) Lock()   {}
func (*NoCopy) Unlock() {}
