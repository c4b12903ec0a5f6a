package agent

import (
	"encoding/json"
	"net"
	"os"
	"sync"
)

// SocketEnv names the environment variable carrying the listener socket
// path into the traced process.
const SocketEnv = "PHANTOM_SOCKET"

// maxLine caps one serialized message so a single bad exchange cannot
// stall the socket.
const maxLine = 256 * 1024

// SocketEmitter writes newline-delimited JSON messages to the host's Unix
// stream socket. The connection is established once per process and kept
// for its lifetime; when the host is absent the emitter stays silently
// disabled so the traced program is unaffected.
type SocketEmitter struct {
	mu     sync.Mutex
	conn   net.Conn
	dialed bool
}

// NewSocketEmitter creates an emitter; the socket is dialed lazily on
// first use.
func NewSocketEmitter() *SocketEmitter {
	return &SocketEmitter{}
}

func (e *SocketEmitter) dial() net.Conn {
	if e.dialed {
		return e.conn
	}
	e.dialed = true
	path := os.Getenv(SocketEnv)
	if path == "" {
		return nil
	}
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil
	}
	e.conn = conn
	return conn
}

// Emit serializes msg as one JSON line and writes it to the socket.
// Failures are swallowed: capture must never disturb the target.
func (e *SocketEmitter) Emit(msg any) {
	data, err := json.Marshal(msg)
	if err != nil || len(data) > maxLine {
		return
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	conn := e.dial()
	if conn == nil {
		return
	}
	if _, err := conn.Write(data); err != nil {
		conn.Close()
		e.conn = nil
	}
}
