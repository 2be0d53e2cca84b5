package config

import (
	"fmt"
	"io"
)

// RenderEffective writes the effective configuration as an annotated
// summary. Secrets are masked.
func RenderEffective(cfg *Config, path string, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (%s)\n\n", path)

	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", cfg.Logging.LogLevel)
	ew.printf("  log_format = %q\n\n", cfg.Logging.LogFormat)

	ew.printf("[network]\n")
	ew.printf("  timeout             = %q\n", cfg.Network.Timeout)

	if cfg.Network.UserAgent != "" {
		ew.printf("  user_agent          = %q\n", cfg.Network.UserAgent)
	}

	ew.printf("  requests_per_second = %g\n", cfg.Network.RequestsPerSecond)
	ew.printf("  burst               = %d\n\n", cfg.Network.Burst)

	ew.printf("[cache]\n")
	ew.printf("  backend    = %q\n", cfg.Cache.Backend)
	ew.printf("  path       = %q\n", CachePath(cfg.Cache))
	ew.printf("  redis_addr = %q\n", cfg.Cache.RedisAddr)
	ew.printf("  ttl        = %q\n", cfg.Cache.TTL)

	for _, name := range cfg.accountNames() {
		a := cfg.Accounts[name]

		ew.printf("\n[account.%q]\n", name)
		ew.printf("  provider = %q\n", a.Provider)
		ew.printf("  secret   = %q\n", MaskSecret(a.Secret))
		ew.printf("  enabled  = %t\n", a.IsEnabled())
		ew.printf("  default  = %t\n", a.Default)

		if !a.SecretUpdatedAt.IsZero() {
			ew.printf("  secret_updated_at = %s\n", a.SecretUpdatedAt.Format("2006-01-02T15:04:05Z07:00"))
		}
	}

	return ew.err
}

// MaskSecret keeps the first and last four characters of long secrets.
func MaskSecret(s string) string {
	const keep = 4
	if len(s) <= 3*keep {
		return "****"
	}

	return s[:keep] + "…" + s[len(s)-keep:]
}

// errWriter wraps an io.Writer and captures the first write error.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
