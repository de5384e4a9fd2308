package buildserver

import (
	"bytes"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/distr1/distri-buildserver/internal/trace"
	"golang.org/x/sys/unix"
)

// taskKey is a Task's identity: the pair (working directory, name).
// Adding a Task whose key is already present in the server's task table
// replaces the existing Task.
type taskKey struct {
	cwd  string
	name string
}

// niceLevel is the POSIX niceness applied to every task's child
// process so offloaded work never competes with the foreground build.
const niceLevel = 19

// Task encapsulates one offloaded subprocess invocation and its
// lifecycle state machine: queued -> running -> finished/failed/
// terminated/replaced.
type Task struct {
	Name         string
	Cwd          string
	Cmd          []string
	TTY          io.WriteCloser // nil unless remote_print/experimental
	BuildID      string
	RemotePrint  bool
	StampFile    string // relative to Cwd

	stats   *Stats
	logs    *LogRouter
	outputs *OutputQueue
	quiet   bool

	mu         sync.Mutex
	terminated bool
	replaced   bool
	proc       *os.Process
	supervised chan struct{} // closed once the supervisor goroutine exits
	started    bool
	returnCode int

	completeOnce sync.Once
}

// Key returns the Task's identity in the server's task table.
func (t *Task) Key() taskKey {
	return taskKey{cwd: t.Cwd, name: t.Name}
}

// Start launches the task's child process unless it has already been
// terminated, and returns the number of processes started (0 or 1). It
// must be called at most once, when the Task is popped off the
// Scheduler's queue. onComplete runs on the supervisor goroutine after
// the task reaches a terminal state, so the Scheduler can consider
// starting the next queued task; it is not called when Start returns 0.
func (t *Task) Start(onComplete func()) int {
	t.mu.Lock()
	if t.terminated {
		t.mu.Unlock()
		return 0
	}

	t.stats.AddProcess(t.BuildID)
	t.logs.Log("STARTING "+t.Name, t.BuildID, t.quiet, false)

	env := append(os.Environ(), BuildServerEnvVar+"=1")
	var combined bytes.Buffer
	cmd := exec.Command(t.Cmd[0], t.Cmd[1:]...)
	cmd.Dir = t.Cwd
	cmd.Env = env
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	ev := trace.Event(t.Name, 0)
	ev.Type = "B"
	ev.Done()

	startErr := cmd.Start()
	if startErr == nil {
		t.proc = cmd.Process
		// os/exec has no preexec-hook equivalent; apply the niceness
		// right after Start, on the now-known child pid.
		unix.Setpriority(unix.PRIO_PROCESS, cmd.Process.Pid, niceLevel)
	}
	t.started = true
	t.supervised = make(chan struct{})
	t.mu.Unlock()

	go t.supervise(cmd, &combined, startErr, onComplete)
	return 1
}

// supervise waits for the child process to exit (or records the spawn
// failure if it never started), reaps the result, and runs _complete
// exactly once before invoking onComplete.
func (t *Task) supervise(cmd *exec.Cmd, combined *bytes.Buffer, startErr error, onComplete func()) {
	defer close(t.supervised)

	var stdout string
	var rc int
	if startErr != nil {
		stdout = startErr.Error()
		rc = -1
	} else {
		waitErr := cmd.Wait()
		stdout = combined.String()
		rc = exitCode(cmd, waitErr)
	}

	t.mu.Lock()
	t.returnCode = rc
	t.mu.Unlock()

	t.stats.RemoveProcess(t.BuildID)
	t.complete(stdout)
	onComplete()
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// Terminate cancels the task, marking it replaced if a newer task with
// the same identity key has superseded it. Idempotent: repeated calls
// after the first are no-ops. If the task was never started, Terminate
// invokes _complete directly instead of waiting on a child process.
func (t *Task) Terminate(replaced bool) {
	t.mu.Lock()
	if t.terminated {
		t.mu.Unlock()
		return
	}
	t.terminated = true
	t.replaced = replaced
	proc := t.proc
	supervised := t.supervised
	started := t.started
	t.mu.Unlock()

	// Safe to read proc/supervised/started outside the lock from here:
	// terminated is now true, so Start (which is the only other writer
	// of those fields) has already returned 0 for this task, or already
	// ran before this call observed terminated == false.
	if proc != nil {
		proc.Signal(syscall.SIGTERM)
		proc.Wait()
	}
	if started {
		<-supervised // the supervisor goroutine runs _complete itself
		return
	}
	t.complete("")
}

// complete runs the post-run bookkeeping exactly once: update Stats,
// determine FINISHED/FAILED/TERMINATED outcome, apply stamp-file
// deletion policy, and log the outcome.
func (t *Task) complete(stdout string) {
	t.completeOnce.Do(func() {
		t.completeLocked(stdout)
	})
}

func (t *Task) completeLocked(stdout string) {
	t.stats.CompleteTask(t.BuildID)

	t.mu.Lock()
	terminated := t.terminated
	replaced := t.replaced
	rc := t.returnCode
	t.mu.Unlock()

	deleteStamp := false
	status := "FINISHED"
	switch {
	case terminated:
		status = "TERMINATED"
		// A replacement will produce its own stamp file; deleting ours
		// here would race with the successor's write.
		if !replaced {
			deleteStamp = true
		}
	case stdout != "" || rc != 0:
		status = "FAILED"
		deleteStamp = true
		message := strings.Join([]string{
			"FAILED: " + t.Name,
			"Return code: " + strconv.Itoa(rc),
			"CMD: " + strings.Join(t.Cmd, " "),
			"STDOUT:",
			stdout,
		}, "\n")
		t.logs.LogToFile(t.BuildID, message)
		if !t.quiet {
			os.Stdout.WriteString("\n" + message + "\n")
		}
		if t.RemotePrint {
			t.outputs.AddOutput(t.BuildID, t.TTY, message)
		}
	}

	if deleteStamp && t.StampFile != "" {
		// Force the front-end build tool to treat this target as
		// dirty again.
		stamp := t.StampFile
		if !filepath.IsAbs(stamp) {
			stamp = filepath.Join(t.Cwd, stamp)
		}
		os.Remove(stamp)
	}

	t.logs.Log(status+" "+t.Name, t.BuildID, t.quiet, false)

	ev := trace.Event(t.Name, 0)
	ev.Type = "E"
	ev.Done()

	// t.TTY is intentionally left open here: when RemotePrint buffers
	// this message, OutputQueue.FlushMessages writes to this same fd at
	// shutdown, so closing it here would make that flush a no-op.
}

