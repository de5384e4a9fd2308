package buildserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"golang.org/x/xerrors"
)

// socketAcceptTimeout bounds how long Accept blocks before the server
// re-checks for idle-exit eligibility and context cancellation.
const socketAcceptTimeout = 30 * time.Second

// ErrAlreadyRunning is returned by Serve when the socket path is
// already bound by another build server instance.
var ErrAlreadyRunning = errors.New("buildserver: already running")

// Server is the request server (C6): it owns a Unix-socket accept
// loop, the task identity table, and coordinates idle-based shutdown.
type Server struct {
	SocketPath string
	Quiet      bool
	ExitOnIdle bool

	Stats     *Stats
	Logs      *LogRouter
	Outputs   *OutputQueue
	Scheduler *Scheduler

	// tasks is mutated only from the accept loop's goroutine.
	tasks map[taskKey]*Task
}

// NewServer wires together a Server and the registries it depends on.
func NewServer(socketPath string, quiet, exitOnIdle bool, load LoadProbe) *Server {
	stats := NewStats()
	logs := NewLogRouter(stats, quiet)
	outputs := NewOutputQueue()
	scheduler := NewScheduler(stats, load, logs, quiet)
	return &Server{
		SocketPath: socketPath,
		Quiet:      quiet,
		ExitOnIdle: exitOnIdle,
		Stats:      stats,
		Logs:       logs,
		Outputs:    outputs,
		Scheduler:  scheduler,
		tasks:      make(map[taskKey]*Task),
	}
}

// Serve binds the socket and runs the accept loop until ctx is
// canceled or (with ExitOnIdle set) the server idles out. Once the
// socket is bound and listening, it runs the graceful-shutdown sequence
// before returning (a bind failure returns without it), mirroring the
// try/finally structure of the original implementation this module is
// based on.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		if isAddrInUse(err) {
			return ErrAlreadyRunning
		}
		return xerrors.Errorf("binding %s: %w", s.SocketPath, err)
	}
	defer os.Remove(s.SocketPath)

	s.Logs.Log("READY...", "", s.Quiet, false)

	unixLn, ok := ln.(*net.UnixListener)
	if !ok {
		return xerrors.Errorf("unexpected listener type %T", ln)
	}

	defer s.shutdown()

	// Accept does not wake up on ctx cancellation by itself, so close
	// the listener from a watcher goroutine once ctx is done; the
	// blocked Accept then returns immediately instead of waiting out
	// the rest of its deadline.
	stopWatcher := make(chan struct{})
	defer close(stopWatcher)
	go func() {
		select {
		case <-ctx.Done():
			unixLn.Close()
		case <-stopWatcher:
		}
	}()

	return s.acceptLoop(ctx, unixLn)
}

func (s *Server) acceptLoop(ctx context.Context, ln *net.UnixListener) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		ln.SetDeadline(time.Now().Add(socketAcceptTimeout))
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isTimeout(err) {
				if s.ExitOnIdle && s.Stats.NumPendingTasks("") == 0 {
					return nil
				}
				continue
			}
			return xerrors.Errorf("accept: %w", err)
		}
		s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	payload, err := ReceiveMessage(conn)
	if err != nil {
		conn.Close()
		return // bad frame or client disconnect; drop and keep serving
	}
	req, err := decodeRequest(payload)
	if err != nil {
		conn.Close()
		return
	}

	switch req.MessageType {
	case MessageTypeHeartbeat:
		s.handleHeartbeat(conn)
	case MessageTypeAddTask:
		conn.Close() // the client does not await a reply
		s.handleAddTask(req)
	case MessageTypeQueryBuild:
		s.handleQueryBuild(req, conn)
	default:
		conn.Close()
	}
}

func (s *Server) handleHeartbeat(conn net.Conn) {
	defer conn.Close()
	b, _ := json.Marshal(heartbeatResponse{Status: "OK"})
	_ = SendMessage(conn, b) // broken pipe: client disconnected, nothing to do
}

func (s *Server) handleAddTask(req request) {
	if _, err := s.Logs.CreateLogfile(req.BuildID, req.Cwd); err != nil {
		s.Logs.Log("error creating logfile: "+err.Error(), req.BuildID, s.Quiet, false)
	}

	var tty io.WriteCloser
	if req.Experimental {
		// A typed-nil *os.File assigned into the io.WriteCloser field
		// would compare != nil, so only assign on success.
		if f, err := os.OpenFile(req.TTY, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644); err == nil {
			tty = f
		}
	}

	task := &Task{
		Name:        req.Name,
		Cwd:         req.Cwd,
		Cmd:         req.Cmd,
		TTY:         tty,
		BuildID:     req.BuildID,
		RemotePrint: req.Experimental,
		StampFile:   req.StampFile,
		stats:       s.Stats,
		logs:        s.Logs,
		outputs:     s.Outputs,
		quiet:       s.Quiet,
	}

	key := task.Key()
	if existing, ok := s.tasks[key]; ok {
		existing.Terminate(true)
	}
	s.tasks[key] = task
	s.Scheduler.AddTask(task)
}

func (s *Server) handleQueryBuild(req request, conn net.Conn) {
	defer conn.Close()
	resp := queryBuildResponse{
		BuildID:        req.BuildID,
		CompletedTasks: s.Stats.NumCompletedTasks(req.BuildID),
		PendingTasks:   s.Stats.NumPendingTasks(req.BuildID),
		PendingOutputs: s.Outputs.GetPendingOutputs(req.BuildID),
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = SendMessage(conn, b) // broken pipe: client disconnected, nothing to do
}

func (s *Server) shutdown() {
	s.Logs.Log("STOPPING SERVER...", "", s.Quiet, true)
	s.Scheduler.Deactivate()
	for _, task := range s.tasks {
		task.Terminate(false)
	}
	s.Outputs.FlushMessages()
	s.Logs.Close()
	s.Logs.Log("STOPPED", "", s.Quiet, true)
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
