package buildserver

import "sync"

// maxTasksStartedPerInvocation caps how many tasks a single
// maybe_start_tasks invocation will launch, damping ramp-up when many
// tasks complete in a burst.
const maxTasksStartedPerInvocation = 2

// Scheduler owns a FIFO admission queue of Tasks, gated on observed
// host load, plus a deactivated latch used for shutdown.
type Scheduler struct {
	stats *Stats
	load  LoadProbe
	logs  *LogRouter
	quiet bool

	mu          sync.Mutex
	queue       []*Task
	deactivated bool
}

// NewScheduler returns a Scheduler consulting stats and load to decide
// when to admit queued tasks, logging QUEUED lines via logs.
func NewScheduler(stats *Stats, load LoadProbe, logs *LogRouter, quiet bool) *Scheduler {
	return &Scheduler{stats: stats, load: load, logs: logs, quiet: quiet}
}

// AddTask enqueues task and attempts to admit it (and any other queued
// tasks the current load permits) immediately. It must not be called
// after Deactivate.
func (s *Scheduler) AddTask(task *Task) {
	s.mu.Lock()
	if s.deactivated {
		s.mu.Unlock()
		panic("buildserver: AddTask called on a deactivated Scheduler")
	}
	s.stats.AddTask(task.BuildID)
	s.queue = append(s.queue, task)
	s.mu.Unlock()

	s.logs.Log("QUEUED "+task.Name, task.BuildID, s.quiet, false)
	s.maybeStartTasks()
}

// Deactivate latches the Scheduler closed and terminates every task
// still sitting in the queue. Tasks already running are the Request
// Server's responsibility to terminate during its own shutdown.
func (s *Scheduler) Deactivate() {
	s.mu.Lock()
	s.deactivated = true
	drained := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, task := range drained {
		task.Terminate(false)
	}
}

// maybeStartTasks is the admission heuristic: it always starts at
// least one task when nothing is currently running (progress
// guarantee), starts up to maxTasksStartedPerInvocation tasks per call
// to damp bursty ramp-up, and otherwise only admits new tasks while
// projected load stays under the CPU count. It is invoked on every
// enqueue and on every task completion, so several concurrent callers
// may each start up to the per-call cap; the resulting mild
// oversubscription is an accepted tradeoff, not a bug.
func (s *Scheduler) maybeStartTasks() {
	s.mu.Lock()
	if s.deactivated {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	running, _ := s.load.RunningProcesses()
	loadAvg1, _ := s.load.LoadAverage1m()
	curLoad := float64(running)
	if loadAvg1 > curLoad {
		curLoad = loadAvg1
	}
	cpuCount := s.load.CPUCount()

	numStarted := 0
	for numStarted < maxTasksStartedPerInvocation {
		if !(s.stats.NoRunningProcesses() || float64(numStarted)+curLoad < float64(cpuCount)) {
			return
		}
		task, ok := s.pop()
		if !ok {
			return
		}
		numStarted += task.Start(s.maybeStartTasks)
	}
}

func (s *Scheduler) pop() (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	task := s.queue[0]
	s.queue = s.queue[1:]
	return task, true
}
