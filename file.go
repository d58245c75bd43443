package stats

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// headerFixedSize is the size in bytes of the three fixed header words
// (value_count, slot_size, slot_offset) that precede data[] in the on-disk
// layout described by spec.md §3.
const headerFixedSize = 12

// slotHeaderSize is the size in bytes of a thread slot's discriminator word
// (tid_neg / next_free_offset).
const slotHeaderSize = 8

// wordSize is the size in bytes of one counter value.
const wordSize = 8

// fileState is the in-memory coordination state for one open stats file,
// the Go counterpart of libkroki-stats.c's file-scope `struct file_state`.
// Exactly one *fileState is reachable at a time through the package-level
// currentFile pointer; Open/Close atomically swap it.
type fileState struct {
	fd int

	// fileSize doubles as the geometry-publication gate (CAS 0 -> header
	// size, per spec.md §4.B "Publish geometry") and, after publication,
	// as the fetch-add counter used by fresh slot append.
	fileSize atomic.Uint64

	// freeHead is the byte offset of the head of the free-slot list, or 0
	// for an empty list.
	freeHead atomic.Uint64

	// valueCount is 0 until this file's geometry has been published, at
	// which point it is stored exactly once with the semantics of the
	// header's own value_count word: the store that other goroutines
	// spin-wait on is the publication signal for slotSize and
	// slotRegionStart below. Module bases are not published through it:
	// ensureBasesAssigned assigns them under its own mutex.
	valueCount atomic.Uint32

	// slotSize and slotRegionStart are written once, by whichever
	// goroutine wins the fileSize CAS in ensurePublished, strictly before
	// the valueCount release store above; every other reader only
	// touches them after observing valueCount != 0, which under the Go
	// memory model's sequential-consistency guarantee for atomics makes
	// that earlier plain write visible.
	slotSize        uint32
	slotRegionStart uint32
}

// currentFile is the process-wide active stats file, or nil if none is
// configured. Swapped by Open and Close.
var currentFile atomic.Pointer[fileState]

// ensurePublished performs geometry publication for fs if it has not
// already happened (spec.md §4.B "Publish geometry"). It is idempotent and
// safe to call from every goroutine that binds a handle.
func (fs *fileState) ensurePublished() error {
	if fs.valueCount.Load() != 0 {
		return nil
	}

	mods := ensureBasesAssigned()
	var count, namesSize uint64
	for _, m := range mods {
		count += uint64(len(m.refs))
		for _, r := range m.refs {
			namesSize += uint64(len(r.name)) + 1
		}
	}

	headerSize := alignUp(uint64(headerFixedSize)+4*count+namesSize, uint64(cacheLineSize()))
	slotSize := uint32(alignUp(uint64(slotHeaderSize)+wordSize*count, uint64(cacheLineSize())))

	if !fs.fileSize.CompareAndSwap(0, headerSize) {
		// Lost the race: wait for the winner's release store before
		// touching anything it initialized (slotSize, slotRegionStart).
		for fs.valueCount.Load() == 0 {
			runtime.Gosched()
		}
		return nil
	}

	// Winner: write the header and name table, then publish. Module
	// bases were already assigned by ensureBasesAssigned above.
	fs.slotSize = slotSize
	fs.slotRegionStart = uint32(headerSize)

	if err := fs.extend(0, headerSize); err != nil {
		return fmt.Errorf("stats: extend header: %w", err)
	}
	mem, err := unix.Mmap(fs.fd, 0, int(headerSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("stats: map header: %w", err)
	}
	defer unix.Munmap(mem)

	// Per spec.md §3, each name-table entry holds the byte offset of the
	// counter's name *from data[] base* (i.e. from mem[headerFixedSize:]),
	// the same convention slot_offset below uses — not an absolute file
	// offset.
	nameTableOff := headerFixedSize + uint32(4*count)
	namePos := nameTableOff
	for _, m := range mods {
		for j, r := range m.refs {
			refOff := headerFixedSize + 4*(m.base+uint32(j))
			binary.LittleEndian.PutUint32(mem[refOff:], namePos-headerFixedSize)
			copy(mem[namePos:], r.name)
			mem[namePos+uint32(len(r.name))] = 0
			namePos += uint32(len(r.name)) + 1
		}
	}

	binary.LittleEndian.PutUint32(mem[4:8], slotSize)
	binary.LittleEndian.PutUint32(mem[8:12], uint32(headerSize)-headerFixedSize)

	// Publication signal: release-store value_count last, both in the
	// file (for the out-of-process reader) and in memory (for the
	// in-process CAS losers above).
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&mem[0])), uint32(count))
	fs.valueCount.Store(uint32(count))

	return nil
}

// extend grows the underlying file to cover [offset, offset+size), rounded
// up to the next page boundary so existing mappings are never invalidated,
// and further rounded so that the slot region past slotRegionStart always
// holds a whole number of slots.
func (fs *fileState) extend(offset, size uint64) error {
	total := alignUp(offset+size, uint64(pageSize()))
	if start, ss := uint64(fs.slotRegionStart), uint64(fs.slotSize); ss != 0 && total > start {
		total = start + (total-start+ss-1)/ss*ss
	}
	return unix.Fallocate(fs.fd, 0, int64(offset), int64(total-offset))
}

// mapSlotAt returns a page-aligned mapping covering the slot at offset.
func (fs *fileState) mapSlotAt(offset uint64) ([]byte, error) {
	ps := uint64(pageSize())
	base := offset &^ (ps - 1)
	winOff := offset - base
	mapSize := winOff + uint64(fs.slotSize)

	mem, err := unix.Mmap(fs.fd, int64(base), int(mapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	// MADV_DONTFORK: a forked child must not inherit this mapping (§5).
	if err := unix.Madvise(mem, unix.MADV_DONTFORK); err != nil {
		unix.Munmap(mem)
		return nil, err
	}
	return mem, nil
}

// slotBytes returns the slotSize-byte window for offset within a mapping
// returned by mapSlotAt(offset).
func (fs *fileState) slotBytes(mem []byte, offset uint64) []byte {
	ps := uint64(pageSize())
	winOff := offset - (offset &^ (ps - 1))
	return mem[winOff : winOff+uint64(fs.slotSize)]
}

func tidWord(slot []byte) *int64 {
	return (*int64)(unsafe.Pointer(&slot[0]))
}

// popFreeSlot implements the free-list pop path of spec.md §4.B: a CAS loop
// that remaps each candidate before attempting to unlink it.
func (fs *fileState) popFreeSlot() (offset uint64, mem []byte, ok bool, err error) {
	var candidate []byte
	head := fs.freeHead.Load()
	for head != 0 {
		if candidate != nil {
			unix.Munmap(candidate)
		}
		candidate, err = fs.mapSlotAt(head)
		if err != nil {
			return 0, nil, false, err
		}
		slot := fs.slotBytes(candidate, head)
		next := uint64(atomic.LoadInt64(tidWord(slot)))

		if fs.freeHead.CompareAndSwap(head, next) {
			zeroValues(slot[slotHeaderSize:])
			return head, candidate, true, nil
		}
		head = fs.freeHead.Load()
	}
	if candidate != nil {
		unix.Munmap(candidate)
	}
	return 0, nil, false, nil
}

// pushFreeSlot implements the free path of spec.md §4.B: it writes the
// current free-list head into the slot's discriminator word, then CASes the
// new head into place, then unmaps.
func (fs *fileState) pushFreeSlot(offset uint64, mem []byte) error {
	slot := fs.slotBytes(mem, offset)
	word := tidWord(slot)

	head := fs.freeHead.Load()
	for {
		atomic.StoreInt64(word, int64(head))
		if fs.freeHead.CompareAndSwap(head, offset) {
			break
		}
		head = fs.freeHead.Load()
	}
	return unix.Munmap(mem)
}

// appendSlot implements the fresh-append path of spec.md §4.B: an atomic
// fetch-add on fileSize followed by an extend and a map. The freshly
// extended region is already zero-filled, so no explicit zeroing is needed.
func (fs *fileState) appendSlot() (offset uint64, mem []byte, err error) {
	offset = fs.fileSize.Add(uint64(fs.slotSize)) - uint64(fs.slotSize)
	if err := fs.extend(offset, uint64(fs.slotSize)); err != nil {
		return 0, nil, fmt.Errorf("stats: extend slot: %w", err)
	}
	mem, err = fs.mapSlotAt(offset)
	if err != nil {
		return 0, nil, err
	}
	return offset, mem, nil
}

func zeroValues(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// int64SliceFrom reinterprets b (which must be 8-byte aligned and a
// multiple of 8 bytes long — true for every slice this package hands it,
// since they are all carved out of mmap'd pages) as a slice of int64
// values, one per counter.
func int64SliceFrom(b []byte) []int64 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*int64)(unsafe.Pointer(&b[0])), len(b)/wordSize)
}
