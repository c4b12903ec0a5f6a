package agent

import (
	"sync"
)

const (
	// MaxBody caps captured body bytes per trace. The agent sits on the hot
	// path of the traced program, so the cap is much lower than the proxy's.
	MaxBody = 16 * 1024

	// maxBuffer caps the bytes buffered per connection before giving up.
	maxBuffer = 512 * 1024
)

// Emitter delivers completed exchange messages to the host process.
type Emitter interface {
	Emit(msg any)
}

// connState is one of the per-connection parser states. The key is the
// file descriptor for plain sockets and the SSL* address for TLS
// connections; the two ranges cannot collide on 64-bit systems.
type connState interface {
	isConnState()
}

func (*collectingRequest) isConnState()  {}
func (*collectingResponse) isConnState() {}
func (*http2State) isConnState()         {}
func (*mysqlState) isConnState()         {}

// collectingRequest accumulates outbound bytes until the request headers
// are complete.
type collectingRequest struct {
	buf []byte
}

// collectingResponse holds the parsed request snapshot while inbound
// response bytes accumulate.
type collectingResponse struct {
	req  *reqInfo
	buf  []byte
	tls  bool
	meta *respMeta // nil until response headers are parsed
}

type http2State struct {
	conn *h2Conn
}

type mysqlState struct {
	conn *mysqlConn
}

// Tracker owns the per-connection state table. All mutation happens under
// one lock with short critical sections; emission happens outside it.
type Tracker struct {
	mu      sync.Mutex
	conns   map[uintptr]connState
	emitter Emitter
}

// NewTracker creates a tracker emitting completed exchanges to e.
func NewTracker(e Emitter) *Tracker {
	return &Tracker{
		conns:   make(map[uintptr]connState),
		emitter: e,
	}
}

// MarkMysql marks key as a MySQL connection observed by the connect hook.
func (t *Tracker) MarkMysql(key uintptr, destAddr string) {
	t.mu.Lock()
	t.conns[key] = &mysqlState{conn: newMysqlConn(destAddr)}
	t.mu.Unlock()
}

// Outgoing routes bytes written by the application (request direction).
func (t *Tracker) Outgoing(key uintptr, data []byte, tls bool) {
	t.mu.Lock()

	switch st := t.conns[key].(type) {
	case *mysqlState:
		st.conn.processOutgoing(data)
		t.mu.Unlock()
		return

	case *http2State:
		st.conn.appendSend(data)
		st.conn.processSendFrames()
		t.mu.Unlock()
		return

	case *collectingResponse:
		// Request body bytes arriving after the headers but before any
		// response byte: the connection is still in its writable phase.
		if st.meta == nil && len(st.buf) == 0 {
			st.req.appendBody(data)
			t.mu.Unlock()
			return
		}
		// A new request while one is pending: fall through to restart.

	case *collectingRequest:
		if !looksLikeHTTPRequest(data) {
			if len(st.buf) < maxBuffer {
				st.buf = append(st.buf, data...)
			}
			if req, ok := tryParseRequest(st.buf); ok {
				t.conns[key] = &collectingResponse{req: req, tls: tls}
			}
			t.mu.Unlock()
			return
		}
		// A fresh request line restarts tracking below.
	}

	// HTTP/2 connections announce themselves with the client preface.
	if hasH2Preface(data) {
		conn := newH2Conn(tls)
		conn.appendSend(data)
		conn.processSendFrames()
		t.conns[key] = &http2State{conn: conn}
		t.mu.Unlock()
		return
	}

	if looksLikeHTTPRequest(data) {
		buf := append([]byte(nil), data...)
		if req, ok := tryParseRequest(buf); ok {
			t.conns[key] = &collectingResponse{req: req, tls: tls}
		} else {
			t.conns[key] = &collectingRequest{buf: buf}
		}
	}
	t.mu.Unlock()
}

// Incoming routes bytes read by the application (response direction).
func (t *Tracker) Incoming(key uintptr, data []byte) {
	var emit []any

	t.mu.Lock()
	switch st := t.conns[key].(type) {
	case *mysqlState:
		if msg := st.conn.processIncoming(data); msg != nil {
			emit = append(emit, msg)
		}

	case *http2State:
		st.conn.appendRecv(data)
		st.conn.processRecvFrames()
		for _, stream := range st.conn.drainCompletedStreams() {
			emit = append(emit, stream.toMsg())
		}

	case *collectingResponse:
		if len(st.buf) < maxBuffer {
			st.buf = append(st.buf, data...)
		}
		if st.meta == nil {
			st.meta = tryParseResponseHeaders(st.buf)
		}
		if st.meta != nil && responseComplete(st.buf, st.meta) {
			emit = append(emit, buildHTTP1Msg(st))
			// Revert to request collection for HTTP/1.1 keep-alive reuse.
			t.conns[key] = &collectingRequest{}
		}
	}
	t.mu.Unlock()

	for _, msg := range emit {
		t.emitter.Emit(msg)
	}
}

// Teardown handles close of a connection, emitting any response that is
// already complete enough to be useful.
func (t *Tracker) Teardown(key uintptr) {
	t.mu.Lock()
	st := t.conns[key]
	delete(t.conns, key)
	t.mu.Unlock()

	switch st := st.(type) {
	case *collectingResponse:
		// Without a Content-Length the body extends to connection close.
		if st.meta != nil {
			t.emitter.Emit(buildHTTP1Msg(st))
		}

	case *http2State:
		for _, stream := range st.conn.allStreamsWithStatus() {
			t.emitter.Emit(stream.toMsg())
		}

	case *mysqlState:
		if msg := st.conn.pendingQueryMsg(); msg != nil {
			t.emitter.Emit(msg)
		}
	}
}
