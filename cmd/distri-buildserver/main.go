// Command distri-buildserver is a local build-offload daemon: it
// accepts tasks from a front-end build tool over a Unix domain socket,
// runs them as low-priority child processes under load-aware
// admission, and answers status queries about in-flight builds.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/distr1/distri-buildserver/internal/buildserver"
	"github.com/distr1/distri-buildserver/internal/distri"
	"github.com/distr1/distri-buildserver/internal/trace"
)

func defaultSocketPath() string {
	dir := os.Getenv("TMPDIR")
	if dir == "" {
		dir = "/tmp"
	}
	return filepath.Join(dir, "distri-buildserver", "socket")
}

func main() {
	var (
		socketPath       = flag.String("socket", defaultSocketPath(), "path to the build server's Unix domain socket")
		failIfNotRunning = flag.Bool("fail-if-not-running", false, "exit non-zero instead of starting a server if one is not already running")
		exitOnIdle       = flag.Bool("exit-on-idle", false, "exit once no tasks are pending instead of serving indefinitely")
		quiet            = flag.Bool("quiet", false, "suppress the terminal status line, logging only to per-build log files")
		waitForBuild     = flag.String("wait-for-build", "", "instead of starting a server, poll an already-running one until BUILD_ID has no pending tasks")
		tracePath        = flag.String("trace", "", "write Chrome-trace-format task lifecycle events to PATH")
	)
	flag.Parse()

	if *waitForBuild != "" {
		if err := buildserver.WaitForBuild(*socketPath, *waitForBuild); err != nil {
			log.Fatal(err)
		}
		return
	}

	if *failIfNotRunning {
		if err := buildserver.CheckIfRunning(*socketPath); err != nil {
			log.Fatal(err)
		}
		return
	}

	if err := run(*socketPath, *quiet, *exitOnIdle, *tracePath); err != nil {
		log.Fatal(err)
	}
}

func run(socketPath string, quiet, exitOnIdle bool, tracePath string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}

	if tracePath != "" {
		if err := os.MkdirAll(filepath.Dir(tracePath), 0755); err != nil {
			return fmt.Errorf("creating trace directory: %w", err)
		}
		f, err := os.Create(tracePath)
		if err != nil {
			return fmt.Errorf("creating trace file: %w", err)
		}
		distri.RegisterAtExit(f.Close)
		trace.Sink(f)
	}

	ctx, canc := distri.InterruptibleContext()
	defer canc()

	srv := buildserver.NewServer(socketPath, quiet, exitOnIdle, buildserver.NewLoadProbe())

	err := srv.Serve(ctx)
	if runErr := distri.RunAtExit(); runErr != nil && err == nil {
		err = runErr
	}
	return err
}
