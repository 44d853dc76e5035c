// Package testutil holds helpers shared by integration tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
)

// ExternalDatabaseURL returns a Postgres URL supplied by the environment
// (TEST_DATABASE_URL, directly or from a .env.test file). An empty result
// means the caller should start its own container.
func ExternalDatabaseURL(t *testing.T) string {
	t.Helper()

	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		t.Log("Using TEST_DATABASE_URL from environment")
		return url
	}

	envPath := findEnvTestFile()
	if envPath == "" {
		return ""
	}

	envMap, err := godotenv.Read(envPath)
	if err != nil {
		t.Logf("Warning: Failed to read %s: %v", envPath, err)
		return ""
	}

	if url := envMap["TEST_DATABASE_URL"]; url != "" {
		t.Logf("Using TEST_DATABASE_URL from %s", envPath)
		return url
	}
	return ""
}

// findEnvTestFile searches for .env.test in current and parent directories
func findEnvTestFile() string {
	dir, _ := os.Getwd()

	// Search up to 5 levels up
	for range 5 {
		envPath := filepath.Join(dir, ".env.test")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break // Reached root
		}
		dir = parent
	}

	return ""
}
