package stats

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	cacheLineOnce sync.Once
	cacheLine     = 64
)

// cacheLineSize returns the L1 data cache line size, used to round slot and
// header sizes so that no two threads' slots share a cache line. Falls back
// to 64 (true for essentially every x86-64 and arm64 target) when the sysfs
// value is unavailable, e.g. in a container without /sys mounted.
func cacheLineSize() int {
	cacheLineOnce.Do(func() {
		data, err := os.ReadFile("/sys/devices/system/cpu/cpu0/cache/index0/coherency_line_size")
		if err != nil {
			return
		}
		if n, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && n > 0 {
			cacheLine = n
		}
	})
	return cacheLine
}

func pageSize() int {
	return unix.Getpagesize()
}

// gettid returns the Linux thread id of the calling OS thread. Callers must
// have called runtime.LockOSThread first, or the returned value may stop
// corresponding to the calling goroutine as soon as the scheduler migrates
// it.
func gettid() int {
	return unix.Gettid()
}
