package app

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// LoadEnvFiles applies dotenv files of KEY=VALUE lines to the process
// environment before configuration is read. Missing files are skipped;
// a file that exists but cannot be read is an error. Blank lines, '#'
// comments and lines without a key are ignored, and later files win
// over earlier ones.
func LoadEnvFiles(paths ...string) error {
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if err := applyEnvFile(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("env file %s: %w", path, err)
		}
	}
	return nil
}

func applyEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		os.Setenv(key, unquote(strings.TrimSpace(val)))
	}
	return sc.Err()
}

// unquote strips one matching pair of single or double quotes.
func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}
