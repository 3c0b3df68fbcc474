// Package secrets resolves credential values from indirect sources, so
// config files never need to carry plaintext passwords or tokens.
package secrets

import (
	"fmt"
	"os"
	"strings"
)

// Resolve expands a credential reference:
// - "env:NAME" reads the environment variable NAME (missing variables resolve to empty)
// - "file:/absolute/path" reads and trims the file contents
// - any other value is returned as-is
//
// Empty or whitespace-only values return empty string without error.
func Resolve(value string) (string, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return "", nil
	}

	if strings.HasPrefix(v, "env:") {
		return os.Getenv(strings.TrimPrefix(v, "env:")), nil
	}

	if strings.HasPrefix(v, "file:") {
		path := strings.TrimPrefix(v, "file:")
		// Relative paths would resolve against the process working
		// directory, which is not stable across deployments.
		if !strings.HasPrefix(path, "/") {
			return "", fmt.Errorf("file secret path must be absolute, got: %s", path)
		}
		content, err := os.ReadFile(path) // #nosec G304 - operator-provided path, absolute-only
		if err != nil {
			return "", fmt.Errorf("failed to read secret file %s: %w", path, err)
		}
		return strings.TrimSpace(string(content)), nil
	}

	return v, nil
}
