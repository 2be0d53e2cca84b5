//go:build e2e

package e2e

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tonimelisma/pansave/testutil"
)

// isolate points HOME and the XDG directories at a temp root and copies
// the test config into it, so the suite never touches a real profile.
// The returned cleanup copies the config back because refresh tokens may
// have rotated during the run.
func isolate(srcConfig string) (string, func()) {
	root, err := os.MkdirTemp("", "pansave-e2e-home-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: creating isolated home: %v\n", err)
		os.Exit(1)
	}

	for env, sub := range map[string]string{
		"HOME":            "home",
		"XDG_CONFIG_HOME": "config",
		"XDG_DATA_HOME":   "data",
		"XDG_CACHE_HOME":  "cache",
	} {
		dir := filepath.Join(root, sub)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: creating %s: %v\n", dir, err)
			os.Exit(1)
		}

		os.Setenv(env, dir)
	}

	cfgPath := filepath.Join(root, "config", "config.toml")
	testutil.CopyFile(srcConfig, cfgPath, 0o600)

	os.Setenv("PANSAVE_CONFIG", cfgPath)
	os.Setenv("PANSAVE_LOG_LEVEL", "")

	return cfgPath, func() {
		testutil.CopyFile(cfgPath, srcConfig, 0o600)
		os.RemoveAll(root)
	}
}
