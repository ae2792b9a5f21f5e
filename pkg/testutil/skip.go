// Package testutil holds helpers shared by the integration tests.
package testutil

import (
	"os"
	"testing"
)

const dockerSocket = "/var/run/docker.sock"

// SkipIfShort skips the test if running in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

// RequireDocker skips container-backed tests in short mode or when no Docker
// daemon is reachable through DOCKER_HOST or the default socket.
func RequireDocker(t *testing.T) {
	t.Helper()
	SkipIfShort(t)
	if os.Getenv("DOCKER_HOST") != "" {
		return
	}
	if _, err := os.Stat(dockerSocket); err != nil {
		t.Skip("skipping integration test: docker is not available")
	}
}
