// Package buildserver implements a local build-offload daemon: a
// Unix-socket endpoint that accepts tasks from a front-end build tool,
// runs them as low-priority child processes under a load-aware
// admission policy, and reports their status back on request.
package buildserver

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"golang.org/x/xerrors"
)

// Message type constants. ADD_TASK is the default when message_type is
// absent from a decoded request, for tolerance against older clients.
const (
	MessageTypeHeartbeat  = "HEARTBEAT"
	MessageTypeAddTask    = "ADD_TASK"
	MessageTypeQueryBuild = "QUERY_BUILD"
)

// BuildServerEnvVar is set to "1" in every task's child environment so
// that recursively invoked build scripts know to actually execute
// instead of re-dispatching back to the build server.
const BuildServerEnvVar = "DISTRI_BUILD_SERVER_TASK"

// maxFrameSize guards against a malformed or hostile length prefix
// turning one connection into an unbounded allocation.
const maxFrameSize = 64 << 20 // 64 MiB

// SendMessage writes a length-prefixed frame: a 4-byte big-endian
// length followed by the payload.
func SendMessage(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return xerrors.Errorf("writing frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return xerrors.Errorf("writing frame payload: %w", err)
	}
	return nil
}

// ReceiveMessage reads one length-prefixed frame written by
// SendMessage. It returns io.EOF (unwrapped) if the connection is
// closed before any bytes of a new frame arrive.
func ReceiveMessage(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, xerrors.Errorf("reading frame header: %w", io.EOF)
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, xerrors.Errorf("frame size %d exceeds maximum %d", n, maxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, xerrors.Errorf("reading frame payload: %w", err)
	}
	return buf, nil
}

// request is the decoded form of any message received on the socket.
// Not every field is meaningful for every message_type.
type request struct {
	MessageType  string   `json:"message_type"`
	Name         string   `json:"name"`
	Cwd          string   `json:"cwd"`
	Cmd          []string `json:"cmd"`
	BuildID      string   `json:"build_id"`
	StampFile    string   `json:"stamp_file"`
	Experimental bool     `json:"experimental"`
	TTY          string   `json:"tty"`
}

func decodeRequest(b []byte) (request, error) {
	var req request
	if err := json.Unmarshal(b, &req); err != nil {
		return request{}, xerrors.Errorf("decoding request: %w", err)
	}
	if req.MessageType == "" {
		req.MessageType = MessageTypeAddTask
	}
	return req, nil
}

type heartbeatResponse struct {
	Status string `json:"status"`
}

type queryBuildResponse struct {
	BuildID        string   `json:"build_id"`
	CompletedTasks int      `json:"completed_tasks"`
	PendingTasks   int      `json:"pending_tasks"`
	PendingOutputs []string `json:"pending_outputs"`
}
