package stats

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Handle is the per-thread slot manager of spec.md §4.C. A goroutine that
// intends to use counters should call runtime.LockOSThread and then Bind
// exactly once; the resulting Handle's Value method is then safe to call
// repeatedly with no further allocation, locking, or syscalls.
//
// A Handle must not be shared between goroutines: like the OS thread it
// represents, it has exactly one writer.
type Handle struct {
	mem    []byte  // backing mapping: a file-backed page, or an anonymous scratch region
	values []int64 // slot[slotHeaderSize:], reinterpreted as one int64 per counter

	fileOffset uint64     // absolute file offset of the slot; valid only if attached
	attached   bool       // true if mem is a real, file-backed slot
	fs         *fileState // the file this handle is bound to; nil if unattached

	closeOnce sync.Once
}

// Bind allocates (or reclaims) this thread's slot and returns a Handle for
// it. If no stats file is currently open, Bind still succeeds: it returns a
// Handle backed by a private anonymous one-slot scratch mapping, so that
// counter writes always have a valid destination (spec.md §4.C step 2).
func Bind() (*Handle, error) {
	h := &Handle{}
	if err := h.bind(); err != nil {
		return nil, err
	}
	runtime.SetFinalizer(h, (*Handle).finalize)
	return h, nil
}

func (h *Handle) bind() error {
	fs := currentFile.Load()

	if fs == nil {
		// No file configured: module bases still need to be assigned so
		// that ref.module.base is meaningful (ensurePublished is never
		// called on this path to do it for us).
		ensureBasesAssigned()
		count := totalValueCount()
		mem, err := unix.Mmap(-1, 0, slotHeaderSize+wordSize*int(count),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			return fmt.Errorf("stats: anonymous scratch slot: %w", err)
		}
		if err := unix.Madvise(mem, unix.MADV_DONTFORK); err != nil {
			unix.Munmap(mem)
			return fmt.Errorf("stats: anonymous scratch slot: %w", err)
		}
		h.mem = mem
		h.values = int64SliceFrom(mem[slotHeaderSize:])
		h.attached = false
		h.fs = nil
		return nil
	}

	if err := fs.ensurePublished(); err != nil {
		return err
	}

	offset, mem, ok, err := fs.popFreeSlot()
	if err != nil {
		return err
	}
	if !ok {
		offset, mem, err = fs.appendSlot()
		if err != nil {
			return err
		}
	}

	slot := fs.slotBytes(mem, offset)
	// Publication of the slot to the reader: release-store -tid last.
	atomic.StoreInt64(tidWord(slot), -int64(gettid()))

	h.mem = mem
	h.values = int64SliceFrom(slot[slotHeaderSize:])
	h.fileOffset = offset
	h.attached = true
	h.fs = fs
	return nil
}

// Value returns a pointer to this handle's value for ref. The caller
// dereferences and mutates it directly with plain stores:
//
//	*h.Value(requests)++
//
// No two counters accessed through different Refs ever alias the same
// memory, and no synchronization with any other goroutine is required or
// provided (spec.md §5 "Hot path").
func (h *Handle) Value(ref *Ref) *int64 {
	if h.values == nil {
		// Either never bound, or a fork-child recovery left this handle
		// pointing at nothing (AtForkChild): rebind lazily, on the next
		// touch, exactly as spec.md §4.C describes.
		if err := h.bind(); err != nil {
			panic(fmt.Sprintf("stats: rebind after fork failed: %v", err))
		}
		runtime.SetFinalizer(h, (*Handle).finalize)
	}
	return &h.values[ref.module.base+ref.localIndex]
}

func (h *Handle) finalize() {
	h.Close()
}

// Close returns this handle's slot to its file's free list (or unmaps the
// anonymous scratch region) immediately, rather than waiting for the
// garbage collector to run the finalizer registered by Bind. It is the Go
// equivalent of the pthread thread-exit destructor in spec.md §4.C: call it
// when the bound goroutine is about to stop using counters for good.
//
// Close is idempotent; calling it more than once, or letting the finalizer
// run after an explicit Close, is a no-op.
func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		err = h.release()
	})
	return err
}

func (h *Handle) release() error {
	if h.mem == nil {
		return nil
	}
	mem, attached, fs, offset := h.mem, h.attached, h.fs, h.fileOffset
	h.mem, h.values, h.fs = nil, nil, nil

	if !attached {
		return unix.Munmap(mem)
	}
	return fs.pushFreeSlot(offset, mem)
}

// AtForkChild must be called by a Handle's owning goroutine immediately
// after this process forked, before any further counter access through h
// (spec.md §4.C "Fork-child recovery"). The old slot mapping does not exist
// in the child's address space (it was mapped MADV_DONTFORK), so touching
// h.mem here would fault; AtForkChild instead drops the stale reference and
// deregisters the old finalizer. The next call to h.Value transparently
// allocates a fresh slot from the same file.
func (h *Handle) AtForkChild() error {
	runtime.SetFinalizer(h, nil)
	h.mem, h.values, h.fs = nil, nil, nil
	h.attached = false
	h.fileOffset = 0
	h.closeOnce = sync.Once{}
	return nil
}
