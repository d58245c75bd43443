// Package stats implements lock-free, per-thread statistic counters for
// long-running processes.
//
// Counters are identified by dotted names ("my.app.http.requests") and are
// resolved once per process, at registration time, to a fixed ordinal. A
// goroutine that has pinned itself to an OS thread (via runtime.LockOSThread)
// calls Bind once to obtain a *Handle; every subsequent counter access
// through that Handle is a single slice index with no locks, no atomics, and
// no map lookups. A separate reader samples counter values out-of-band by
// memory-mapping the stats file (see the statsreader subpackage and
// cmd/statsdump); application goroutines are never disturbed.
//
// Typical usage:
//
//	var httpModule = stats.NewModule()
//	var requests = httpModule.Register("my.app.http.requests")
//
//	func worker() {
//		runtime.LockOSThread()
//		h, err := stats.Bind()
//		if err != nil {
//			log.Fatal(err)
//		}
//		defer h.Close()
//
//		for {
//			*h.Value(requests)++
//			...
//		}
//	}
//
// This package requires Linux: it relies on MADV_DONTFORK, posix_fallocate
// semantics, and the Linux thread-id syscall to implement the on-disk
// protocol described in the package's design notes.
package stats
