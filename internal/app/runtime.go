package app

import (
	"os"
	"strings"
)

// TestModeEnv makes the binaries return before connecting to Postgres or Redis.
const TestModeEnv = "ODYSSEY_TEST_MODE"

// InTestMode reports whether process startup should be skipped. The
// environment is read on every call so tests can toggle it with t.Setenv.
func InTestMode() bool {
	v, ok := os.LookupEnv(TestModeEnv)
	if !ok {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true":
		return true
	}
	return false
}
