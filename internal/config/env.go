package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/pflag"
)

// FlagEnv maps a flag name to the environment variable that supplies it
// when the flag is not given on the command line.
type FlagEnv map[string]string

// ApplyFlagEnv copies environment values into flags the user did not set.
// Values go through the flag's own parser, so a malformed duration or bool
// fails the same way a bad flag would.
func ApplyFlagEnv(flags *pflag.FlagSet, bindings FlagEnv) error {
	names := make([]string, 0, len(bindings))
	for name := range bindings {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		f := flags.Lookup(name)
		if f == nil {
			return fmt.Errorf("env binding for unknown flag --%s", name)
		}
		if f.Changed {
			continue
		}
		key := bindings[name]
		v, ok := os.LookupEnv(key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := f.Value.Set(strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func GetStringEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
