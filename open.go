package stats

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// EnvStatsFile is the environment variable that, if set at process start,
// causes this package's init to behave as if Open had been called with its
// value, then unset it so a later exec* does not inherit it (spec.md §6).
const EnvStatsFile = "KROKI_STATS_FILE"

var logger = newDefaultLogger()

func newDefaultLogger() *zap.Logger {
	l, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// SetLogger replaces the zap.Logger used for this package's slow-path
// diagnostics (the environment-variable-driven Open failure, and nothing on
// the counter hot path). Passing nil is a no-op.
func SetLogger(l *zap.Logger) {
	if l != nil {
		logger = l
	}
}

// Open installs path as the active stats file, atomically replacing any
// file already there: a fresh file is created under a temporary name in the
// same directory, locked, and renamed over path (spec.md §6, §7). Open
// returns any OS error encountered, and leaves the previous configuration
// untouched on failure.
//
// Open does not free the slot of any goroutine that has already bound a
// Handle against the previous file — see DESIGN.md ("Open Questions
// resolved") for why the
// "calling thread's current slot must be freed first" wording in spec.md
// §4.C is deliberately not implemented generically: Open has no handle to
// free. Existing Handles keep working against their original mapping,
// exactly as spec.md's scenario 5 describes; only a fresh Bind picks up the
// new file.
//
// Open is not safe to call concurrently with itself or with a goroutine's
// first Bind; like the original design, it is meant to be called once, by a
// single configuration goroutine, before other goroutines start using
// counters.
func Open(path string) error {
	if path == "" {
		return errors.New("stats: Open requires a non-empty path")
	}

	probeFD, err := unix.Open(path, unix.O_RDONLY|unix.O_CREAT|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return fmt.Errorf("stats: open %s: %w", path, err)
	}
	if err := unix.Flock(probeFD, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		// The lock may be this process's own, held on the active file at
		// path; replacing that file is allowed.
		var cur, probe unix.Stat_t
		old := currentFile.Load()
		if old == nil || unix.Fstat(old.fd, &cur) != nil || unix.Fstat(probeFD, &probe) != nil ||
			cur.Dev != probe.Dev || cur.Ino != probe.Ino {
			unix.Close(probeFD)
			return fmt.Errorf("stats: %s is locked by another process: %w", path, err)
		}
	}

	tempPath, tempFD, err := createTempFile(path)
	if err != nil {
		unix.Close(probeFD)
		return fmt.Errorf("stats: create replacement file for %s: %w", path, err)
	}
	if err := unix.Flock(tempFD, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(tempFD)
		os.Remove(tempPath)
		unix.Close(probeFD)
		return fmt.Errorf("stats: lock replacement file: %w", err)
	}

	// rename is the last fallible step: on failure the file originally at
	// path, if any, is left completely untouched.
	if err := unix.Rename(tempPath, path); err != nil {
		unix.Close(tempFD)
		os.Remove(tempPath)
		unix.Close(probeFD)
		return fmt.Errorf("stats: replace %s: %w", path, err)
	}
	unix.Close(probeFD)

	state := &fileState{fd: tempFD}
	old := currentFile.Swap(state)
	if old != nil {
		closeFileState(old)
	}
	return nil
}

// Close closes the current stats file, if any, without installing a new
// one; it is the Go equivalent of calling the original design's open(NULL)
// (spec.md §6).
func Close() error {
	old := currentFile.Swap(nil)
	if old != nil {
		closeFileState(old)
	}
	return nil
}

func closeFileState(fs *fileState) {
	unix.Flock(fs.fd, unix.LOCK_UN)
	unix.Close(fs.fd)
}

func createTempFile(path string) (tempPath string, fd int, err error) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	var suffix [6]byte
	for attempt := 0; attempt < 100; attempt++ {
		if _, err := rand.Read(suffix[:]); err != nil {
			return "", -1, err
		}
		candidate := filepath.Join(dir, fmt.Sprintf("%s.%s", base, hex.EncodeToString(suffix[:])))

		fd, err := unix.Open(candidate, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0o600)
		if err == nil {
			return candidate, fd, nil
		}
		if !errors.Is(err, unix.EEXIST) {
			return "", -1, err
		}
	}
	return "", -1, fmt.Errorf("could not create a unique replacement file for %s", path)
}

func init() {
	path, ok := os.LookupEnv(EnvStatsFile)
	if !ok {
		return
	}
	os.Unsetenv(EnvStatsFile)

	if err := Open(path); err != nil {
		logger.Fatal("stats: environment-configured stats file failed to open",
			zap.String("env", EnvStatsFile), zap.String("path", path), zap.Error(err))
	}
}
