package buildserver

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/xerrors"
)

// dialTimeout bounds how long a client waits to connect to the socket
// or to read a single response, so a wedged server cannot hang a
// front-end build tool indefinitely.
const dialTimeout = 1 * time.Second

// QueryBuildInfo connects to the build server at socketPath and asks
// for the current status of buildID.
func QueryBuildInfo(socketPath, buildID string) (completed, pending int, pendingOutputs []string, err error) {
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return 0, 0, nil, xerrors.Errorf("connecting to %s: %w", socketPath, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(dialTimeout))

	req := request{MessageType: MessageTypeQueryBuild, BuildID: buildID}
	b, err := json.Marshal(req)
	if err != nil {
		return 0, 0, nil, xerrors.Errorf("encoding QUERY_BUILD: %w", err)
	}
	if err := SendMessage(conn, b); err != nil {
		return 0, 0, nil, xerrors.Errorf("sending QUERY_BUILD: %w", err)
	}

	payload, err := ReceiveMessage(conn)
	if err != nil {
		return 0, 0, nil, xerrors.Errorf("reading QUERY_BUILD response: %w", err)
	}
	var resp queryBuildResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return 0, 0, nil, xerrors.Errorf("decoding QUERY_BUILD response: %w", err)
	}
	return resp.CompletedTasks, resp.PendingTasks, resp.PendingOutputs, nil
}

// WaitForBuild polls QueryBuildInfo at 1 Hz until buildID has no
// pending tasks left, printing any queued task outputs as they arrive
// and an overwritable progress line showing elapsed time and the
// remaining count. It returns once pending reaches zero.
func WaitForBuild(socketPath, buildID string) error {
	start := time.Now()
	for {
		_, pending, outputs, err := QueryBuildInfo(socketPath, buildID)
		if err != nil {
			return err
		}
		for _, o := range outputs {
			fmt.Println(o)
		}
		if pending == 0 {
			fmt.Printf("\rbuild %s: done (%s)\033[K\n", buildID, time.Since(start).Round(time.Second))
			return nil
		}
		fmt.Printf("\rwaiting for build %s: %d pending (%s)\033[K", buildID, pending, time.Since(start).Round(time.Second))
		time.Sleep(1 * time.Second)
	}
}

// CheckIfRunning reports whether a build server is listening on
// socketPath, without sending it any message.
func CheckIfRunning(socketPath string) error {
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		if os.IsNotExist(err) {
			return xerrors.Errorf("no build server socket at %s: %w", socketPath, err)
		}
		return xerrors.Errorf("build server at %s not responding: %w", socketPath, err)
	}
	conn.Close()
	return nil
}
