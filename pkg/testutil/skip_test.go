package testutil

import "testing"

func TestRequireDocker_DockerHostSet(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode skips before docker detection")
	}
	t.Setenv("DOCKER_HOST", "tcp://127.0.0.1:2375")

	ran := false
	t.Run("inner", func(t *testing.T) {
		RequireDocker(t)
		ran = true
	})
	if !ran {
		t.Fatal("expected test body to run when DOCKER_HOST is set")
	}
}
