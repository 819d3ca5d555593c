package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/buildbuddy-io/snappager/server/util/flag"
	"github.com/buildbuddy-io/snappager/server/util/log"
	"github.com/buildbuddy-io/snappager/server/util/status"
	"gopkg.in/yaml.v3"
)

var configFile = flag.String("config_file", "", "The path to a YAML config file. Nested keys map to dotted flag names, e.g. executor: {uffd: {fault_workers: 4}} sets --executor.uffd.fault_workers.")

var (
	originalSetFlagsOnce sync.Once
	originalSetFlags     map[string]struct{}
)

// RegisterAndParseFlags parses the command line (if that has not happened
// yet) and records which flags were set explicitly. Explicitly set flags are
// never overridden by values from a config file.
func RegisterAndParseFlags() {
	if !flag.DefaultFlagSet.Parsed() {
		flag.Parse()
	}
	originalSetFlagsOnce.Do(func() {
		originalSetFlags = make(map[string]struct{})
		flag.DefaultFlagSet.Visit(func(f *flag.Flag) {
			originalSetFlags[f.Name] = struct{}{}
		})
	})
}

// GetOriginalSetFlags returns the set of flags that were explicitly set on the
// command line. The returned map is shared; tests use it to restore state.
func GetOriginalSetFlags() map[string]struct{} {
	RegisterAndParseFlags()
	return originalSetFlags
}

// Load parses flags, applies the config file named by --config_file (if any)
// and reconfigures logging from the resulting flag values.
func Load() error {
	RegisterAndParseFlags()
	if *configFile != "" {
		if err := LoadFromFile(*configFile); err != nil {
			return err
		}
	}
	return log.Configure()
}

func LoadFromFile(path string) error {
	log.Infof("Reading config from %q", path)
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return status.NotFoundErrorf("config file %s not found", path)
		}
		return status.InternalErrorf("read config file: %w", err)
	}
	return LoadFromData(string(b))
}

// LoadFromData applies YAML config data to the default flag set. Environment
// variables in the data are expanded first.
func LoadFromData(data string) error {
	expanded := os.ExpandEnv(data)
	var root map[string]any
	if err := yaml.Unmarshal([]byte(expanded), &root); err != nil {
		return status.InvalidArgumentErrorf("parse config: %w", err)
	}
	values := make(map[string]string)
	flatten(nil, root, values)

	original := map[string]struct{}{}
	if flag.DefaultFlagSet.Parsed() {
		original = GetOriginalSetFlags()
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := original[name]; ok {
			continue
		}
		if flag.DefaultFlagSet.Lookup(name) == nil {
			log.Warningf("Ignoring unknown config key %q", name)
			continue
		}
		if err := flag.DefaultFlagSet.Set(name, values[name]); err != nil {
			return status.InvalidArgumentErrorf("config key %q: %w", name, err)
		}
	}
	return nil
}

func flatten(prefix []string, node map[string]any, out map[string]string) {
	for k, v := range node {
		path := append(append([]string{}, prefix...), k)
		name := strings.Join(path, ".")
		switch val := v.(type) {
		case map[string]any:
			flatten(path, val, out)
		case []any:
			parts := make([]string, 0, len(val))
			for _, e := range val {
				parts = append(parts, fmt.Sprint(e))
			}
			out[name] = strings.Join(parts, ",")
		case nil:
			continue
		default:
			out[name] = fmt.Sprint(val)
		}
	}
}
