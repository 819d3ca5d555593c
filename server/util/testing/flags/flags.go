package flags

import (
	"testing"

	"github.com/buildbuddy-io/snappager/server/config"
	"github.com/buildbuddy-io/snappager/server/util/flag"
)

// Set a flag value and register a cleanup function to restore the flag
// to its original value after the given test is complete.
func Set(t testing.TB, name, value string) {
	config.RegisterAndParseFlags()
	f := flag.DefaultFlagSet.Lookup(name)
	if f == nil {
		t.Fatalf("Undefined flag: %s", name)
	}
	original := f.Value.String()
	originalSetMap := config.GetOriginalSetFlags()
	_, inOriginalSet := originalSetMap[name]
	originalSetMap[name] = struct{}{}
	if err := flag.DefaultFlagSet.Set(name, value); err != nil {
		t.Fatalf("Set flag %s=%q: %s", name, value, err)
	}
	t.Cleanup(func() {
		flag.DefaultFlagSet.Set(name, original)
		if !inOriginalSet {
			delete(originalSetMap, name)
		}
	})
}
