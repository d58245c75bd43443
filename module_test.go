package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These counters are registered at package-init time, before any test
// function runs and therefore before registryFrozen can possibly have been
// set by another test file's first Bind. Tests that only need to observe
// properties of already-registered Refs read these instead of calling
// Register from within a test body, which would panic once the registry
// has frozen. Registering the same name again (as the dedup test below
// does) stays safe even after freezing, since Module.Register's dedup
// check runs before its registryFrozen check.
var (
	dedupModule = NewModule()
	dedupRef    = dedupModule.Register("dedup.test.counter")

	indexModule = NewModule()
	indexRef1   = indexModule.Register("increasing.test.one")
	indexRef2   = indexModule.Register("increasing.test.two")
	indexRef3   = indexModule.Register("increasing.test.three")

	crossModule1 = NewModule()
	crossModule2 = NewModule()
	crossRef1    = crossModule1.Register("shared.name")
	crossRef2    = crossModule2.Register("shared.name")

	wellFormedModule = NewModule()
	wellFormedRefs   = map[string]*Ref{
		"a":                    wellFormedModule.Register("a"),
		"my.app.http.requests": wellFormedModule.Register("my.app.http.requests"),
		"a.b1.c_2":             wellFormedModule.Register("a.b1.c_2"),
		"_leading.under_score": wellFormedModule.Register("_leading.under_score"),
	}
)

func TestModuleRegisterDedupWithinModule(t *testing.T) {
	// Registering an already-known name is safe at any point in the
	// registry's lifetime, frozen or not.
	again := dedupModule.Register("dedup.test.counter")
	assert.Same(t, dedupRef, again, "registering the same name twice on one Module must return the same Ref")
}

func TestModuleRegisterAssignsIncreasingLocalIndex(t *testing.T) {
	assert.Equal(t, uint32(0), indexRef1.localIndex)
	assert.Equal(t, uint32(1), indexRef2.localIndex)
	assert.Equal(t, uint32(2), indexRef3.localIndex)
}

func TestModuleRegisterAcrossModulesAreDistinct(t *testing.T) {
	assert.NotSame(t, crossRef1, crossRef2, "the same name on different Modules must not collide")
	assert.Equal(t, crossRef1.name, crossRef2.name)
}

func TestValidateNameRejectsMalformedNames(t *testing.T) {
	// validateName runs before the registryFrozen check inside Register,
	// so these panics fire the same way regardless of test order.
	cases := []string{
		"",
		".",
		"a.",
		".a",
		"a..b",
		"a b",
		"a-b",
		"1abc",
		"abc.1def",
	}

	for _, name := range cases {
		name := name
		t.Run(name, func(t *testing.T) {
			require.Panics(t, func() {
				m := NewModule()
				m.Register(name)
			})
		})
	}
}

func TestValidateNameAcceptsWellFormedNames(t *testing.T) {
	// Each of these names was registered in the package-init var block
	// above; reaching this test at all proves none of them panicked.
	for name, ref := range wellFormedRefs {
		assert.Equal(t, name, ref.Name())
	}
}
