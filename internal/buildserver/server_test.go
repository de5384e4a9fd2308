package buildserver

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func startTestServer(t *testing.T, exitOnIdle bool) (socketPath string, srv *Server) {
	t.Helper()
	dir := t.TempDir()
	socketPath = filepath.Join(dir, "socket")
	srv = NewServer(socketPath, true, exitOnIdle, fakeLoadProbe{cpus: 8})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down after cancel")
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(socketPath); err == nil {
			return socketPath, srv
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server never created its socket")
	return "", nil
}

func sendAddTask(t *testing.T, socketPath string, req request) {
	t.Helper()
	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := SendMessage(conn, b); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
}

func queryBuild(t *testing.T, socketPath, buildID string) queryBuildResponse {
	t.Helper()
	completed, pending, outputs, err := QueryBuildInfo(socketPath, buildID)
	if err != nil {
		t.Fatalf("QueryBuildInfo: %v", err)
	}
	return queryBuildResponse{BuildID: buildID, CompletedTasks: completed, PendingTasks: pending, PendingOutputs: outputs}
}

func TestServerRunsTaskToCompletion(t *testing.T) {
	socketPath, _ := startTestServer(t, false)
	dir := t.TempDir()

	sendAddTask(t, socketPath, request{
		MessageType: MessageTypeAddTask,
		Name:        "task1",
		Cwd:         dir,
		Cmd:         []string{"/bin/true"},
		BuildID:     "build1",
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp := queryBuild(t, socketPath, "build1")
		if resp.PendingTasks == 0 && resp.CompletedTasks == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("task never completed according to QUERY_BUILD")
}

func TestServerReplacementTerminatesPreviousTask(t *testing.T) {
	socketPath, _ := startTestServer(t, false)
	dir := t.TempDir()

	// A long-running task, then a same-key replacement: the first
	// should be terminated (not finished) and the second should run
	// to completion.
	sendAddTask(t, socketPath, request{
		Name: "dup", Cwd: dir, Cmd: []string{"/bin/sh", "-c", "sleep 30"}, BuildID: "build1",
	})
	time.Sleep(100 * time.Millisecond)
	sendAddTask(t, socketPath, request{
		Name: "dup", Cwd: dir, Cmd: []string{"/bin/true"}, BuildID: "build1",
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp := queryBuild(t, socketPath, "build1")
		if resp.PendingTasks == 0 {
			if resp.CompletedTasks != 2 {
				t.Fatalf("expected both the terminated original and its replacement to count as completed, got %d", resp.CompletedTasks)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("replacement scenario never settled")
}

func TestServerHeartbeat(t *testing.T) {
	socketPath, _ := startTestServer(t, false)

	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	b, _ := json.Marshal(request{MessageType: MessageTypeHeartbeat})
	if err := SendMessage(conn, b); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	payload, err := ReceiveMessage(conn)
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	var resp heartbeatResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "OK" {
		t.Errorf("heartbeat status = %q, want OK", resp.Status)
	}
}

func TestServerRejectsSecondInstanceOnSameSocket(t *testing.T) {
	socketPath, _ := startTestServer(t, false)

	second := NewServer(socketPath, true, false, fakeLoadProbe{cpus: 8})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := second.Serve(ctx); err != ErrAlreadyRunning {
		t.Errorf("Serve on an already-bound socket = %v, want ErrAlreadyRunning", err)
	}
}

func TestServerExitsOnIdleWhenNoPendingTasks(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "socket")
	srv := NewServer(socketPath, true, true, fakeLoadProbe{cpus: 8})

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve with ExitOnIdle returned %v, want nil", err)
		}
	case <-time.After(40 * time.Second):
		t.Fatal("server with ExitOnIdle and no tasks never exited")
	}
}

func TestServerHandlesConcurrentAddTaskClients(t *testing.T) {
	socketPath, _ := startTestServer(t, false)
	dir := t.TempDir()

	var g errgroup.Group
	for i := 0; i < 5; i++ {
		i := i
		g.Go(func() error {
			conn, err := net.DialTimeout("unix", socketPath, time.Second)
			if err != nil {
				return err
			}
			defer conn.Close()
			b, err := json.Marshal(request{
				Name: "concurrent", Cwd: dir, Cmd: []string{"/bin/true"}, BuildID: "concurrentbuild",
			})
			_ = i
			if err != nil {
				return err
			}
			return SendMessage(conn, b)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent ADD_TASK clients: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp := queryBuild(t, socketPath, "concurrentbuild")
		// All five share the same (cwd, name) identity key, so each
		// new one replaces its predecessor: a predecessor still running
		// ends TERMINATED-as-replaced, one that already exited stays
		// FINISHED. Either way all five settle with nothing pending.
		if resp.PendingTasks == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("concurrent ADD_TASK clients never settled")
}
