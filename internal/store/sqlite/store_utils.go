package sqlite

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Generated subdomains avoid 0/1/l/o/i so they survive being read
// aloud or retyped from a screenshot.
const slugAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"

func randomSlug(length int) (string, error) {
	n := len(slugAlphabet)
	// Reject bytes above the largest multiple of n to keep picks
	// uniform.
	maxFair := 256 - (256 % n)
	slug := make([]byte, 0, length)
	buf := make([]byte, 32)
	for len(slug) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("crypto/rand: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxFair {
				continue
			}
			slug = append(slug, slugAlphabet[int(b)%n])
			if len(slug) == length {
				break
			}
		}
	}
	return string(slug), nil
}

func newID(prefix string) (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	return prefix + "_" + hex.EncodeToString(b), nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableString(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func ensureParentDir(path string) error {
	path = strings.TrimSpace(path)
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
