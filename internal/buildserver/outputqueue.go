package buildserver

import (
	"fmt"
	"io"
	"sync"
)

// OutputQueue buffers formatted failure output per build-id until a
// client drains it via QUERY_BUILD, and remembers each build-id's TTY
// sink (if any) so buffered output can be flushed there at shutdown.
type OutputQueue struct {
	mu             sync.Mutex
	pendingOutputs map[string][]string
	outputSinks    map[string]io.Writer
}

// NewOutputQueue returns an empty OutputQueue.
func NewOutputQueue() *OutputQueue {
	return &OutputQueue{
		pendingOutputs: make(map[string][]string),
		outputSinks:    make(map[string]io.Writer),
	}
}

// AddOutput appends text for task's build-id and remembers the task's
// TTY as that build's output sink, if it has one.
func (q *OutputQueue) AddOutput(buildID string, tty io.Writer, text string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pendingOutputs[buildID] = append(q.pendingOutputs[buildID], text)
	if tty != nil {
		q.outputSinks[buildID] = tty
	}
}

// GetPendingOutputs atomically returns and clears the buffered output
// list for buildID. It returns an empty (non-nil) slice rather than nil
// when there is nothing pending, so it marshals to JSON "[]" rather
// than "null" for external readers of the QUERY_BUILD reply.
func (q *OutputQueue) GetPendingOutputs(buildID string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pendingOutputs[buildID]
	delete(q.pendingOutputs, buildID)
	if out == nil {
		return []string{}
	}
	return out
}

// FlushMessages writes any still-buffered output to each build's
// remembered TTY sink, then clears all state. Called once, at shutdown.
func (q *OutputQueue) FlushMessages() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for buildID, messages := range q.pendingOutputs {
		if len(messages) == 0 {
			continue
		}
		sink := q.outputSinks[buildID]
		if sink == nil {
			continue
		}
		fmt.Fprint(sink, "\nbuild server shutting down with queued task outputs. Flushing now:\n")
		for _, message := range messages {
			fmt.Fprintln(sink, message)
		}
	}
	q.pendingOutputs = make(map[string][]string)
	q.outputSinks = make(map[string]io.Writer)
}
