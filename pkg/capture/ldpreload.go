package capture

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/epli2/phantom/pkg/agent"
	"github.com/epli2/phantom/pkg/logger"
	"github.com/epli2/phantom/pkg/trace"
)

// LdPreloadBackend receives traces from phantom agents injected into target
// processes. It listens on a Unix stream socket for newline-delimited JSON
// messages and republishes them as HttpTrace / MysqlTrace records.
type LdPreloadBackend struct {
	socketPath string
	listener   net.Listener
	traces     chan *trace.HttpTrace
	mysql      chan *trace.MysqlTrace
	wg         sync.WaitGroup
	stopCh     chan struct{}
	connMu     sync.Mutex
	conns      map[net.Conn]struct{}
	log        zerolog.Logger
}

var _ trace.CaptureBackend = (*LdPreloadBackend)(nil)

// NewLdPreloadBackend creates a backend that will bind socketPath. Pass the
// path as PHANTOM_SOCKET when spawning the target process.
func NewLdPreloadBackend(socketPath string) *LdPreloadBackend {
	return &LdPreloadBackend{
		socketPath: socketPath,
		stopCh:     make(chan struct{}),
		conns:      make(map[net.Conn]struct{}),
		log:        logger.WithComponent("ldpreload"),
	}
}

// SocketPath returns the Unix socket path agents must write to.
func (b *LdPreloadBackend) SocketPath() string { return b.socketPath }

// Name implements trace.CaptureBackend.
func (b *LdPreloadBackend) Name() string { return "ldpreload" }

// Start implements trace.CaptureBackend. The MySQL channel keeps flowing
// internally; contexts that only need HTTP simply never read it and excess
// MySQL traces are dropped by the bounded-channel send.
func (b *LdPreloadBackend) Start() (<-chan *trace.HttpTrace, error) {
	httpCh, _, err := b.StartMysqlAware()
	return httpCh, err
}

// StartMysqlAware starts capturing and returns both the HTTP and the MySQL
// trace channels. This is the preferred entry point.
func (b *LdPreloadBackend) StartMysqlAware() (<-chan *trace.HttpTrace, <-chan *trace.MysqlTrace, error) {
	// Remove a stale socket file from a previous run.
	_ = os.Remove(b.socketPath)

	listener, err := net.Listen("unix", b.socketPath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bind %s: %v", trace.ErrCaptureStart, b.socketPath, err)
	}
	b.listener = listener
	b.traces = make(chan *trace.HttpTrace, ChannelCapacity)
	b.mysql = make(chan *trace.MysqlTrace, ChannelCapacity)

	b.wg.Add(1)
	go b.acceptLoop()

	b.log.Info().Str("socket", b.socketPath).Msg("agent listener started")
	return b.traces, b.mysql, nil
}

// Stop closes the listener and any connected agents, then removes the
// socket file.
func (b *LdPreloadBackend) Stop() error {
	close(b.stopCh)
	if b.listener != nil {
		b.listener.Close()
	}
	b.connMu.Lock()
	for conn := range b.conns {
		conn.Close()
	}
	b.connMu.Unlock()
	b.wg.Wait()
	_ = os.Remove(b.socketPath)
	return nil
}

func (b *LdPreloadBackend) acceptLoop() {
	defer b.wg.Done()
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			select {
			case <-b.stopCh:
				return
			default:
				b.log.Error().Err(err).Msg("agent socket accept failed")
				continue
			}
		}

		b.wg.Add(1)
		go b.handleAgent(conn)
	}
}

// handleAgent reads one agent connection until EOF, one JSON message per
// line. Malformed lines are skipped with a warning.
func (b *LdPreloadBackend) handleAgent(conn net.Conn) {
	defer b.wg.Done()
	defer conn.Close()
	b.connMu.Lock()
	b.conns[conn] = struct{}{}
	b.connMu.Unlock()
	defer func() {
		b.connMu.Lock()
		delete(b.conns, conn)
		b.connMu.Unlock()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		b.dispatchMessage(scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		select {
		case <-b.stopCh:
		default:
			b.log.Warn().Err(err).Msg("agent connection read error")
		}
	}
}

// dispatchMessage peeks at msg_type and routes to the matching channel.
func (b *LdPreloadBackend) dispatchMessage(line []byte) {
	var envelope struct {
		MsgType string `json:"msg_type"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		b.log.Warn().Err(err).Msg("failed to parse agent message")
		return
	}

	switch envelope.MsgType {
	case agent.MsgTypeMysql:
		var msg agent.MysqlTraceMsg
		if err := json.Unmarshal(line, &msg); err != nil {
			b.log.Warn().Err(err).Msg("failed to parse mysql agent message")
			return
		}
		t := mysqlMsgToTrace(&msg)
		b.log.Debug().Str("query", t.Query).Msg("mysql trace captured via ldpreload")
		sendMysqlTrace(b.mysql, t, b.log)
	default:
		// No msg_type means a legacy HTTP message.
		var msg agent.TraceMsg
		if err := json.Unmarshal(line, &msg); err != nil {
			b.log.Warn().Err(err).Msg("failed to parse http agent message")
			return
		}
		t := httpMsgToTrace(&msg)
		b.log.Debug().Str("url", t.URL).Msg("trace captured via ldpreload")
		sendTrace(b.traces, t, b.log)
	}
}

func httpMsgToTrace(msg *agent.TraceMsg) *trace.HttpTrace {
	proto := msg.ProtocolVersion
	if proto == "" {
		proto = "HTTP/1.1"
	}
	return &trace.HttpTrace{
		SpanID:          trace.NewSpanID(),
		TraceID:         trace.NewTraceID(),
		Method:          trace.ParseMethod(msg.Method),
		URL:             msg.URL,
		RequestHeaders:  nonNilHeaders(msg.RequestHeaders),
		RequestBody:     decodeBody(msg.RequestBodyB64),
		StatusCode:      msg.StatusCode,
		ResponseHeaders: nonNilHeaders(msg.ResponseHeaders),
		ResponseBody:    decodeBody(msg.ResponseBodyB64),
		Timestamp:       msToTime(msg.TimestampMs),
		Duration:        time.Duration(msg.DurationMs) * time.Millisecond,
		DestAddr:        msg.DestAddr,
		ProtocolVersion: proto,
	}
}

func mysqlMsgToTrace(msg *agent.MysqlTraceMsg) *trace.MysqlTrace {
	var response trace.MysqlResponse
	switch {
	case msg.ErrorCode != nil:
		response = trace.MysqlResponse{
			Kind:      trace.MysqlErr,
			ErrorCode: *msg.ErrorCode,
			SQLState:  stringOr(msg.SQLState, ""),
			Message:   stringOr(msg.ErrorMessage, ""),
		}
	case msg.ColumnCount != nil:
		response = trace.MysqlResponse{
			Kind:        trace.MysqlResultSet,
			ColumnCount: *msg.ColumnCount,
			RowCount:    uint64Or(msg.RowCount, 0),
		}
	default:
		response = trace.MysqlResponse{
			Kind:         trace.MysqlOk,
			AffectedRows: uint64Or(msg.AffectedRows, 0),
			LastInsertID: uint64Or(msg.LastInsertID, 0),
			Warnings:     uint16Or(msg.Warnings, 0),
		}
	}

	return &trace.MysqlTrace{
		SpanID:    trace.NewSpanID(),
		TraceID:   trace.NewTraceID(),
		Query:     msg.Query,
		Response:  response,
		Timestamp: msToTime(msg.TimestampMs),
		Duration:  time.Duration(msg.DurationMs) * time.Millisecond,
		DestAddr:  msg.DestAddr,
		DBName:    msg.DBName,
	}
}

func decodeBody(b64 string) []byte {
	if b64 == "" {
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil
	}
	return data
}

func msToTime(ms uint64) time.Time {
	if ms == 0 {
		return time.Now()
	}
	return time.UnixMilli(int64(ms))
}

func nonNilHeaders(h map[string]string) map[string]string {
	if h == nil {
		return map[string]string{}
	}
	return h
}

func stringOr(p *string, def string) string {
	if p != nil {
		return *p
	}
	return def
}

func uint64Or(p *uint64, def uint64) uint64 {
	if p != nil {
		return *p
	}
	return def
}

func uint16Or(p *uint16, def uint16) uint16 {
	if p != nil {
		return *p
	}
	return def
}
