// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package shm provides the named shared-memory segments every mqcore
// table and buffer pool is carved from. A segment is backed by a file
// under the host's shared-memory namespace (/dev/shm on Linux) and
// mapped MAP_SHARED into each opening process's address space; the
// mapping's base address is process-local, but the segment's contents —
// and every id/offset stored inside it — are shared.
//
// Every segment begins with a fixed {magic, version, size} header:
// OpenOrCreate validates it on every open so a process never reuses a
// segment written by an incompatible build.
package shm

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"code.hybscloud.com/mqcore/pkg/mqerr"
)

// PageSize is the host memory page size used to round segment sizes up
// to a whole number of pages. Segments are always page-aligned because
// mmap requires it.
var PageSize = os.Getpagesize()

// HeaderSize is the byte size of the {magic, version, reserved, size}
// header every segment begins with.
const HeaderSize = 24

// Namespace is the directory segments are created under. Defaults to
// /dev/shm, the conventional POSIX shared-memory namespace on Linux;
// overridable for tests and for hosts without tmpfs-backed /dev/shm.
var Namespace = defaultNamespace()

func defaultNamespace() string {
	if st, err := os.Stat("/dev/shm"); err == nil && st.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// Segment is a process-local mapping of a named shared-memory region.
// Multiple processes opening the same name observe the same bytes;
// Base() differs per process, offsets into the segment do not.
type Segment struct {
	name  string
	file  *os.File
	data  []byte
	fresh bool
}

// header mirrors the on-disk/on-segment layout: magic(8) version(4)
// reserved(4) size(8), little-endian.
type header struct {
	Magic    uint64
	Version  uint32
	Reserved uint32
	Size     uint64
}

func (h header) encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], h.Magic)
	binary.LittleEndian.PutUint32(buf[8:12], h.Version)
	binary.LittleEndian.PutUint32(buf[12:16], h.Reserved)
	binary.LittleEndian.PutUint64(buf[16:24], h.Size)
}

func decodeHeader(buf []byte) header {
	return header{
		Magic:    binary.LittleEndian.Uint64(buf[0:8]),
		Version:  binary.LittleEndian.Uint32(buf[8:12]),
		Reserved: binary.LittleEndian.Uint32(buf[12:16]),
		Size:     binary.LittleEndian.Uint64(buf[16:24]),
	}
}

// PathFor returns the filesystem path a segment named name would be
// created at under the current Namespace.
func PathFor(name string) string {
	return filepath.Join(Namespace, name)
}

// RoundUpPage rounds size up to the next multiple of PageSize.
func RoundUpPage(size int) int {
	p := PageSize
	return (size + p - 1) / p * p
}

// OpenOrCreate creates segment name if it does not exist, or opens and
// validates it if it does. totalSize is the full segment size including
// HeaderSize; it is rounded up to a page boundary. On first creation the
// header is installed with magic/version and the whole segment is
// zero-filled by the OS (file.Truncate extends with zero bytes). On
// reopen, magic and version are validated per invariant 7 — a mismatch
// returns mqerr.ErrBadMagic / mqerr.ErrIncompatibleVersion and unmaps
// the segment again, never silently reusing a corrupt region.
func OpenOrCreate(name string, magic uint64, version uint32, totalSize int) (*Segment, error) {
	totalSize = RoundUpPage(totalSize)
	path := PathFor(name)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", mqerr.ErrShmCreateFailed, path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", mqerr.ErrShmCreateFailed, path, err)
	}

	firstOpener := info.Size() == 0
	if int(info.Size()) < totalSize {
		if err := f.Truncate(int64(totalSize)); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: truncate %s: %v", mqerr.ErrShmCreateFailed, path, err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, totalSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap %s: %v", mqerr.ErrMapFailed, path, err)
	}

	seg := &Segment{name: name, file: f, data: data, fresh: firstOpener}

	if firstOpener {
		h := header{Magic: magic, Version: version, Size: uint64(totalSize)}
		h.encode(data[:HeaderSize])
		return seg, nil
	}

	got := decodeHeader(data[:HeaderSize])
	if got.Magic != magic {
		seg.Close()
		return nil, fmt.Errorf("%w: segment %s has magic %#x, want %#x", mqerr.ErrBadMagic, name, got.Magic, magic)
	}
	if got.Version != version {
		seg.Close()
		return nil, fmt.Errorf("%w: segment %s has version %d, want %d", mqerr.ErrIncompatibleVersion, name, got.Version, version)
	}
	return seg, nil
}

// Base returns the process-local base address of the mapping as a byte
// slice spanning the whole segment, header included. Callers index into
// it with offsets read out of shared tables — never with pointers.
func (s *Segment) Base() []byte {
	return s.data
}

// Payload returns the segment's bytes after the fixed header — the
// region a table or pool carves its own layout from.
func (s *Segment) Payload() []byte {
	return s.data[HeaderSize:]
}

// Size returns the header's recorded total segment size (including the
// header itself).
func (s *Segment) Size() int {
	return int(decodeHeader(s.data[:HeaderSize]).Size)
}

// Name returns the segment's name as passed to OpenOrCreate.
func (s *Segment) Name() string {
	return s.name
}

// Fresh reports whether this call to OpenOrCreate was the first opener
// that created and zero-initialized the segment, as opposed to a
// reopen of an existing one. Callers that install layout-specific state
// beyond the {magic,version,size} header (free-lists, table contents)
// use this to decide whether that state still needs initializing.
func (s *Segment) Fresh() bool {
	return s.fresh
}

// Close unmaps the segment and closes the backing file descriptor. It
// does not remove the backing file — the segment persists for the next
// opener; only a dedicated teardown path (Remove) deletes it.
func (s *Segment) Close() error {
	var err error
	if s.data != nil {
		err = unix.Munmap(s.data)
		s.data = nil
	}
	if cerr := s.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Remove deletes the segment's backing file from the namespace. It does
// not unmap or close any open Segment. Intended for the dedicated teardown path a pool's owner
// runs once no process is using it, and for test cleanup.
func Remove(name string) error {
	return os.Remove(PathFor(name))
}

// AssertLockFreeAtomics is called by registry.OpenOrCreate before it
// maps the registry segment. Go guarantees
// lock-free 32-bit and 64-bit atomics on
// every architecture this module's build constraints admit (the same
// amd64/arm64/riscv64/loong64/generic-64-bit set as internal's cache
// line detection), so this is a documentation-level assertion rather
// than a runtime probe — there is no portable way to ask the Go runtime
// "are atomics lock-free on this arch" at the language level, and none
// of this module's supported architectures fail the guarantee.
func AssertLockFreeAtomics() error {
	var u32 atomic.Uint32
	var u64 atomic.Uint64
	u32.Store(1)
	u64.Store(1)
	if u32.Load() != 1 || u64.Load() != 1 {
		return mqerr.ErrNotLockFree
	}
	return nil
}
