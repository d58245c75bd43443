// Package statsreader implements the out-of-band reader side of the stats
// file protocol described in spec.md §4.D: it opens a stats file read-only,
// walks every thread slot, and returns a consistent-per-slot snapshot of
// counter values using the seqlock-style tid handshake. It never writes to
// the file and never touches the writing process's memory.
package statsreader

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	headerFixedSize = 12
	slotHeaderSize  = 8
	wordSize        = 8
)

// Sample is one (thread, counter) observation.
type Sample struct {
	TID   int64
	Name  string
	Value int64
}

// Dump opens path read-only and returns every (thread, counter) sample it
// can read consistently. A zero-length file yields (nil, nil): spec.md §6
// defines this as success with no output, not an error.
func Dump(path string) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: not a regular file", path)
	}
	size := info.Size()
	if size == 0 {
		return nil, nil
	}
	if size < headerFixedSize {
		return nil, fmt.Errorf("%s: invalid file format: truncated header", path)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%s: mmap: %w", path, err)
	}
	defer unix.Munmap(mem)

	return dump(path, mem)
}

func dump(path string, mem []byte) ([]Sample, error) {
	count := atomic.LoadUint32((*uint32)(unsafe.Pointer(&mem[0])))
	if count == 0 {
		return nil, nil
	}
	slotSize := binary.LittleEndian.Uint32(mem[4:8])
	slotOffset := binary.LittleEndian.Uint32(mem[8:12])
	if slotSize == 0 {
		return nil, fmt.Errorf("%s: invalid file format: zero slot size", path)
	}

	names, err := readNames(path, mem, count)
	if err != nil {
		return nil, err
	}

	slotRegionStart := uint64(headerFixedSize) + uint64(slotOffset)
	if slotRegionStart > uint64(len(mem)) {
		return nil, fmt.Errorf("%s: invalid file format: slot region past end of file", path)
	}
	remaining := uint64(len(mem)) - slotRegionStart
	if remaining%uint64(slotSize) != 0 {
		return nil, fmt.Errorf("%s: invalid file format: slot region is not a multiple of slot size", path)
	}

	var samples []Sample
	values := make([]int64, count)
	for pos := slotRegionStart; pos < uint64(len(mem)); pos += uint64(slotSize) {
		slot := mem[pos : pos+uint64(slotSize)]
		tid, ok := snapshotSlot(slot, count, values)
		if !ok {
			continue
		}
		for i := uint32(0); i < count; i++ {
			samples = append(samples, Sample{TID: tid, Name: names[i], Value: values[i]})
		}
	}
	return samples, nil
}

// readNames resolves the name table. Per spec.md §3, each entry holds the
// byte offset of a counter's name from data[] base (mem[headerFixedSize:]),
// the same convention slot_offset uses — not an absolute file offset.
func readNames(path string, mem []byte, count uint32) ([]string, error) {
	names := make([]string, count)
	for i := uint32(0); i < count; i++ {
		refOff := headerFixedSize + 4*i
		if uint64(refOff)+4 > uint64(len(mem)) {
			return nil, fmt.Errorf("%s: invalid file format: name table past end of file", path)
		}
		dataOff := binary.LittleEndian.Uint32(mem[refOff:])
		off := uint64(headerFixedSize) + uint64(dataOff)
		if off > uint64(len(mem)) {
			return nil, fmt.Errorf("%s: invalid file format: counter name past end of file", path)
		}
		end := off
		for end < uint64(len(mem)) && mem[end] != 0 {
			end++
		}
		if end >= uint64(len(mem)) {
			return nil, fmt.Errorf("%s: invalid file format: unterminated counter name", path)
		}
		names[i] = string(mem[off:end])
	}
	return names, nil
}

// snapshotSlot implements the seqlock read of spec.md §4.D: read the tid
// word, copy every value, re-read the tid word, and accept the copy only if
// the tid word did not change and still holds a negated tid (i.e. the slot is
// still claimed by the same thread throughout the copy).
func snapshotSlot(slot []byte, count uint32, scratch []int64) (tid int64, ok bool) {
	word := (*int64)(unsafe.Pointer(&slot[0]))

	v0 := -atomic.LoadInt64(word)
	for v0 > 0 {
		for i := uint32(0); i < count; i++ {
			valuePtr := (*int64)(unsafe.Pointer(&slot[slotHeaderSize+uint64(i)*wordSize]))
			scratch[i] = atomic.LoadInt64(valuePtr)
		}

		// The atomic load below is itself the load-load barrier: it
		// cannot be reordered before the per-value loads above.
		v1 := -atomic.LoadInt64(word)
		if v1 == v0 {
			return v0, true
		}
		v0 = v1
	}
	return 0, false
}
