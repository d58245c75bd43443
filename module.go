package stats

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// Ref is the durable, per-process identity of one counter within a Module.
// Its address is not meaningful on its own in Go the way a name-ref cell's
// address is in the original design (see SPEC_FULL.md §0); what is durable
// is the (module, localIndex) pair it carries, which is fixed the moment
// Register returns and never changes again.
type Ref struct {
	module     *Module
	localIndex uint32
	name       string
}

// Name returns the dotted counter name this Ref was registered under.
func (r *Ref) Name() string {
	return r.name
}

// Module groups the counters contributed by one load unit: normally a single
// package-level *Module shared by every counter a Go package declares,
// exactly as one compiled object contributes one name table in the
// original design. Counter names are deduplicated within a Module but never
// across Modules, matching spec.md §4.A.
type Module struct {
	mu     sync.Mutex
	refs   []*Ref
	byName map[string]*Ref

	// base is the global ordinal of this module's first counter. It is
	// written exactly once, by ensureBasesAssigned, under basesMu; every
	// reader of base (the hot Value() path included) only does so after
	// its own Bind has called ensureBasesAssigned, so the mutex's
	// critical section is what establishes happens-before for this plain
	// field, not any property of the caller's own goroutine.
	base uint32
}

// registryFrozen is set the first time any goroutine binds a handle. Once
// set, Register panics: spec.md's non-goal of "use from code loaded after
// process start" means the set of counters a process can ever have is
// fixed no later than its first Bind.
var registryFrozen atomic.Bool

var (
	modulesMu sync.Mutex
	modules   []*Module
)

var (
	basesMu       sync.Mutex
	basesAssigned bool
)

// ensureBasesAssigned assigns every registered Module's base field exactly
// once and freezes the registry, then returns the current module list. It
// is safe to call from any goroutine, attached to a stats file or not:
// both fileState.ensurePublished and Handle.bind's anonymous-scratch path
// call it before a Handle's Value method can dereference ref.module.base,
// so every counter's global ordinal is stable regardless of whether a
// stats file is ever opened.
//
// The original design recomputes each thread's view of the module bases
// independently on every first touch, trusting that two threads doing the
// same deterministic sum in parallel is harmless. A Go rewrite can't adopt
// that shortcut as-is: two goroutines racing to write the same value to
// the same plain field is still a data race. basesMu serializes the one
// write that actually happens and gives every other caller a
// happens-before edge to it for free.
func ensureBasesAssigned() []*Module {
	basesMu.Lock()
	defer basesMu.Unlock()

	mods := snapshotModules()
	if !basesAssigned {
		registryFrozen.Store(true)
		var base uint32
		for _, m := range mods {
			m.base = base
			base += uint32(len(m.refs))
		}
		basesAssigned = true
	}
	return mods
}

// NewModule allocates a new, empty Module and chains it onto the
// process-global module list. It is intended to be called from a
// package-level variable initializer, so that registration completes before
// main runs — the Go analogue of a load module's constructor running before
// the rest of the process starts.
func NewModule() *Module {
	m := &Module{byName: make(map[string]*Ref)}
	modulesMu.Lock()
	modules = append(modules, m)
	modulesMu.Unlock()
	return m
}

// Register returns the Ref for name, creating it on first use. A second
// Register call for the same name on the same Module returns the identical
// Ref; the same name registered on a different Module yields a distinct Ref
// that is reported separately by the reader.
//
// Register panics if name is not a valid dotted identifier sequence, or if
// it is called after this process has already bound its first thread
// (see registryFrozen).
func (m *Module) Register(name string) *Ref {
	if err := validateName(name); err != nil {
		panic(fmt.Sprintf("stats: %v", err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.byName[name]; ok {
		return r
	}
	if registryFrozen.Load() {
		panic("stats: Register(" + name + ") called after the registry was frozen; " +
			"counters must be registered before the first Bind")
	}

	r := &Ref{module: m, localIndex: uint32(len(m.refs)), name: name}
	m.refs = append(m.refs, r)
	m.byName[name] = r
	return r
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("counter name must not be empty")
	}
	segments := strings.Split(name, ".")
	for _, seg := range segments {
		if seg == "" {
			return fmt.Errorf("counter name %q has an empty segment", name)
		}
		for i, r := range seg {
			isLetter := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_'
			isDigit := r >= '0' && r <= '9'
			if !isLetter && !(isDigit && i > 0) {
				return fmt.Errorf("counter name %q: invalid identifier segment %q", name, seg)
			}
		}
	}
	return nil
}

// snapshotModules returns a copy of the current module list, taken under
// modulesMu, so callers may read it freely without holding the lock. Once
// registryFrozen is set every Module's refs are immutable; NewModule can
// still append a Module, but no counter can be registered on it.
func snapshotModules() []*Module {
	modulesMu.Lock()
	defer modulesMu.Unlock()
	out := make([]*Module, len(modules))
	copy(out, modules)
	return out
}

// totalValueCount returns the number of counters registered across every
// Module, i.e. the process-wide value_count of spec.md §3.
func totalValueCount() uint32 {
	var n uint32
	for _, m := range snapshotModules() {
		n += uint32(len(m.refs))
	}
	return n
}
