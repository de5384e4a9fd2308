package buildserver

import (
	"path/filepath"
	"testing"
	"time"
)

func TestCheckIfRunning(t *testing.T) {
	socketPath, _ := startTestServer(t, false)
	if err := CheckIfRunning(socketPath); err != nil {
		t.Errorf("CheckIfRunning on a live server = %v, want nil", err)
	}

	if err := CheckIfRunning(filepath.Join(t.TempDir(), "no-such-socket")); err == nil {
		t.Error("CheckIfRunning on a missing socket = nil, want an error")
	}
}

func TestQueryBuildInfoReflectsTaskCompletion(t *testing.T) {
	socketPath, _ := startTestServer(t, false)
	dir := t.TempDir()

	sendAddTask(t, socketPath, request{
		Name: "task1", Cwd: dir, Cmd: []string{"/bin/true"}, BuildID: "build1",
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		completed, pending, _, err := QueryBuildInfo(socketPath, "build1")
		if err != nil {
			t.Fatalf("QueryBuildInfo: %v", err)
		}
		if pending == 0 && completed == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("QueryBuildInfo never reflected task completion")
}

func TestWaitForBuildReturnsOnceTaskCompletes(t *testing.T) {
	socketPath, _ := startTestServer(t, false)
	dir := t.TempDir()

	sendAddTask(t, socketPath, request{
		Name: "task1", Cwd: dir, Cmd: []string{"/bin/true"}, BuildID: "build1",
	})

	done := make(chan error, 1)
	go func() { done <- WaitForBuild(socketPath, "build1") }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("WaitForBuild = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForBuild never returned")
	}
}
