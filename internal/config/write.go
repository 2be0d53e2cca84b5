package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// configFilePermissions is owner-only because the file holds credentials.
const configFilePermissions = 0o600

// configDirPermissions is the standard permission mode for config directories.
const configDirPermissions = 0o700

// configTemplate is the config file content written when the first account
// is added. Global settings are present as commented-out defaults.
const configTemplate = `# pansave configuration

# [logging]
# log_level = "info"     # debug, info, warn, error
# log_format = "text"    # text, json

# [network]
# timeout = "30s"
# requests_per_second = 5
# burst = 5

# [cache]
# backend = "sqlite"     # sqlite, redis, none
# redis_addr = "127.0.0.1:6379"
# ttl = "720h"

# Accounts are added by 'pansave accounts add'. Each section name is the
# account name used with --account.
`

// bareKey matches names TOML accepts without quotes.
var bareKey = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// accountHeaders returns the header spellings that open the account's
// section.
func accountHeaders(name string) []string {
	headers := []string{fmt.Sprintf("[%s.%q]", accountSection, name)}
	if bareKey.MatchString(name) {
		headers = append(headers, fmt.Sprintf("[%s.%s]", accountSection, name))
	}

	return headers
}

// accountText generates the TOML text for a new account section.
func accountText(name, provider, secret string) string {
	return fmt.Sprintf("\n[%s.%q]\nprovider = %q\nsecret = %q\n", accountSection, name, provider, secret)
}

// CreateConfigWithAccount creates a new config file from the default
// template and appends an account section.
func CreateConfigWithAccount(path, name, provider, secret string) error {
	slog.Info("creating config file with account",
		"path", path,
		"account", name,
		"provider", provider,
	)

	return atomicWriteFile(path, []byte(configTemplate+accountText(name, provider, secret)))
}

// AppendAccountSection appends a new account section at the end of an
// existing config file.
func AppendAccountSection(path, name, provider, secret string) error {
	slog.Info("appending account section to config",
		"path", path,
		"account", name,
		"provider", provider,
	)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	if header, _ := findSectionHeader(lines, name); header >= 0 {
		return fmt.Errorf("account %q already exists in config", name)
	}

	content := string(data)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}

	content += accountText(name, provider, secret)

	return atomicWriteFile(path, []byte(content))
}

// SetAccountKey finds an account section and sets a key. An existing key
// line is replaced; otherwise the key is inserted after the header.
// Booleans are written bare; everything else is quoted.
func SetAccountKey(path, name, key, value string) error {
	slog.Info("setting account key in config",
		"path", path,
		"account", name,
		"key", key,
	)

	return setAccountLines(path, name, []keyLine{{key, fmt.Sprintf("%s = %s", key, formatTOMLValue(value))}})
}

type keyLine struct {
	key  string
	line string
}

func setAccountLines(path, name string, set []keyLine) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	lines := strings.Split(string(data), "\n")

	headerLine, sectionStart := findSectionHeader(lines, name)
	if sectionStart < 0 {
		return fmt.Errorf("account section %q not found in config", name)
	}

	for _, kl := range set {
		lines = setKeyInSection(lines, headerLine, sectionStart, kl.key, kl.line)
	}

	return atomicWriteFile(path, []byte(strings.Join(lines, "\n")))
}

// DeleteAccountSection removes an account section (header and keys) along
// with the blank lines before it.
func DeleteAccountSection(path, name string) error {
	slog.Info("deleting account section from config",
		"path", path,
		"account", name,
	)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	lines := strings.Split(string(data), "\n")

	headerLine, sectionStart := findSectionHeader(lines, name)
	if sectionStart < 0 {
		return fmt.Errorf("account section %q not found in config", name)
	}

	sectionEnd := findSectionEnd(lines, sectionStart)

	blankStart := headerLine
	for blankStart > 0 && strings.TrimSpace(lines[blankStart-1]) == "" {
		blankStart--
	}

	lines = append(lines[:blankStart], lines[sectionEnd:]...)

	return atomicWriteFile(path, []byte(strings.Join(lines, "\n")))
}

// findSectionHeader locates an account section header. It returns the
// header line index and the first content line, or -1 for both.
func findSectionHeader(lines []string, name string) (int, int) {
	headers := accountHeaders(name)

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		for _, h := range headers {
			if trimmed == h {
				return i, i + 1
			}
		}
	}

	return -1, -1
}

// findSectionEnd returns the index of the first line after the section's
// own content. Blank lines and comments right before the next header
// belong to that header.
func findSectionEnd(lines []string, sectionStart int) int {
	nextHeader := len(lines)

	for i := sectionStart; i < len(lines); i++ {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), "[") {
			nextHeader = i

			break
		}
	}

	end := nextHeader
	for end > sectionStart {
		trimmed := strings.TrimSpace(lines[end-1])
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			end--

			continue
		}

		break
	}

	return end
}

// setKeyInSection either replaces an existing key line or inserts a new
// one after the section header.
func setKeyInSection(lines []string, headerLine, sectionStart int, key, newLine string) []string {
	sectionEnd := findSectionEnd(lines, sectionStart)
	keyPrefix := key + " "
	keyPrefixEq := key + "="

	for i := headerLine + 1; i < sectionEnd; i++ {
		trimmed := strings.TrimSpace(lines[i])
		if strings.HasPrefix(trimmed, keyPrefix) || strings.HasPrefix(trimmed, keyPrefixEq) {
			lines[i] = newLine

			return lines
		}
	}

	inserted := make([]string, 0, len(lines)+1)
	inserted = append(inserted, lines[:headerLine+1]...)
	inserted = append(inserted, newLine)
	inserted = append(inserted, lines[headerLine+1:]...)

	return inserted
}

// formatTOMLValue formats a value for TOML output. Booleans are written
// bare (true/false); all other values are quoted strings.
func formatTOMLValue(value string) string {
	if value == "true" || value == "false" {
		return value
	}

	return fmt.Sprintf("%q", value)
}

// atomicWriteFile writes data to a temporary file in the same directory as
// path, then renames it over the target, so a crash never leaves a
// half-written config. Parent directories are created as needed.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
