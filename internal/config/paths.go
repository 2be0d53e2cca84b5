package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "pansave"

// dirKind is one of the per-user directories pansave keeps files in.
type dirKind struct {
	xdgEnv  string   // honored on every platform but macOS
	home    []string // fallback below the home directory
	darwin  []string // macOS location below the home directory
	leafDir string   // subdirectory inside the app directory, if any
}

var (
	configDir  = dirKind{xdgEnv: "XDG_CONFIG_HOME", home: []string{".config"}, darwin: []string{"Library", "Application Support"}}
	sessionDir = dirKind{xdgEnv: "XDG_DATA_HOME", home: []string{".local", "share"}, darwin: []string{"Library", "Application Support"}, leafDir: "sessions"}
	cacheDir   = dirKind{xdgEnv: "XDG_CACHE_HOME", home: []string{".cache"}, darwin: []string{"Library", "Caches"}}
)

// resolve returns the directory for goos and home, or "" without a home.
func (k dirKind) resolve(goos, home string) string {
	if home == "" {
		return ""
	}

	var base string

	switch xdg := os.Getenv(k.xdgEnv); {
	case goos == "darwin":
		base = filepath.Join(append([]string{home}, k.darwin...)...)
	case xdg != "":
		base = xdg
	default:
		base = filepath.Join(append([]string{home}, k.home...)...)
	}

	return filepath.Join(base, appName, k.leafDir)
}

func (k dirKind) path() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return k.resolve(runtime.GOOS, home)
}

// DefaultConfigPath is the config file used when neither PANSAVE_CONFIG
// nor --config names one.
func DefaultConfigPath() string {
	dir := configDir.path()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, "config.toml")
}

// SessionDir returns the directory holding persisted access tokens.
func SessionDir() string {
	return sessionDir.path()
}

// CachePath returns the path cache database location. An explicit
// [cache] path wins.
func CachePath(c CacheConfig) string {
	if c.Path != "" {
		return c.Path
	}

	dir := cacheDir.path()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, "pathcache.db")
}
