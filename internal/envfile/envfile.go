// Package envfile reads and writes the flat KEY=VALUE environment files that
// supply runtime secrets and the listening port to a managed process.
package envfile

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shipmate-io/shipmate/internal/validation"
)

// FileMode is the required permission set for env files: owner read/write only.
const FileMode = os.FileMode(0o600)

// unescapeValue processes escape sequences in a single pass so that \\n
// becomes a literal backslash-n, not a newline.
func unescapeValue(s string) string {
	var result strings.Builder
	result.Grow(len(s))

	i := 0
	for i < len(s) {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case 'n':
				result.WriteByte('\n')
				i += 2
			case 't':
				result.WriteByte('\t')
				i += 2
			case 'r':
				result.WriteByte('\r')
				i += 2
			case '"':
				result.WriteByte('"')
				i += 2
			case '\\':
				result.WriteByte('\\')
				i += 2
			default:
				// Unknown escape sequence, keep the backslash
				result.WriteByte(s[i])
				i++
			}
		} else {
			result.WriteByte(s[i])
			i++
		}
	}
	return result.String()
}

// Parse parses env file content and returns a map of key-value pairs.
// Empty lines and comments are skipped; an optional "export " prefix and
// single- or double-quoted values are handled.
func Parse(content string) map[string]string {
	vars := make(map[string]string)
	lines := strings.Split(content, "\n")

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		if strings.HasPrefix(trimmed, "export ") {
			trimmed = strings.TrimSpace(trimmed[7:])
		}

		eqIndex := strings.Index(trimmed, "=")
		if eqIndex <= 0 {
			continue
		}

		key := strings.TrimSpace(trimmed[:eqIndex])
		value := strings.TrimSpace(trimmed[eqIndex+1:])

		if (strings.HasPrefix(value, "\"") && strings.HasSuffix(value, "\"") && len(value) >= 2) ||
			(strings.HasPrefix(value, "'") && strings.HasSuffix(value, "'") && len(value) >= 2) {
			value = value[1 : len(value)-1]
			if strings.Contains(value, "\\") {
				value = unescapeValue(value)
			}
		}

		vars[key] = value
	}

	return vars
}

// Render serializes a map of key-value pairs to env file format.
// Keys are emitted in sorted order so rendering is deterministic.
func Render(vars map[string]string) string {
	keys := make([]string, 0, len(vars))
	for key := range vars {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var lines []string
	for _, key := range keys {
		value := vars[key]
		needsQuotes := strings.ContainsAny(value, " \t\n\r\"'#=")
		if needsQuotes {
			escaped := value
			escaped = strings.ReplaceAll(escaped, "\\", "\\\\")
			escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
			escaped = strings.ReplaceAll(escaped, "\n", "\\n")
			escaped = strings.ReplaceAll(escaped, "\t", "\\t")
			escaped = strings.ReplaceAll(escaped, "\r", "\\r")
			lines = append(lines, key+"=\""+escaped+"\"")
		} else {
			lines = append(lines, key+"="+value)
		}
	}
	return strings.Join(lines, "\n") + "\n"
}

// Merge merges two maps of environment variables; overrides wins on
// duplicate keys. This is a pure function for easy testing.
func Merge(base, overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// Load reads and parses an env file, refusing files readable by group or world.
func Load(path string) (map[string]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stating env file: %w", err)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return nil, fmt.Errorf("env file %s has permissions %04o, want owner-only (%04o)", path, perm, FileMode)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading env file: %w", err)
	}
	return Parse(string(data)), nil
}

// Write validates, renders, and atomically writes an env file with
// owner-only permissions.
func Write(path string, vars map[string]string) error {
	for key, value := range vars {
		if err := validation.ValidateEnvKey(key); err != nil {
			return err
		}
		if err := validation.ValidateEnvValue(value); err != nil {
			return err
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(Render(vars)), FileMode); err != nil {
		return fmt.Errorf("writing env file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing env file: %w", err)
	}
	return nil
}
