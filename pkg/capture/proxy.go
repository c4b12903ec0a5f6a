package capture

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/epli2/phantom/pkg/cert"
	"github.com/epli2/phantom/pkg/logger"
	"github.com/epli2/phantom/pkg/trace"
)

// MaxProxyBodySize caps captured request and response bodies (1 MiB).
const MaxProxyBodySize = 1024 * 1024

// ProxyBackend is a MITM HTTP/HTTPS proxy capture backend. Plain requests
// arrive in absolute form and are forwarded; CONNECT requests upgrade the
// client side to TLS with a leaf certificate minted for the requested
// authority, so the decrypted exchange can be observed.
type ProxyBackend struct {
	port     int
	ca       *cert.CA
	listener net.Listener
	traces   chan *trace.HttpTrace
	client   *http.Client
	wg       sync.WaitGroup
	stopCh   chan struct{}
	connMu   sync.Mutex
	conns    map[net.Conn]struct{}
	log      zerolog.Logger
}

var _ trace.CaptureBackend = (*ProxyBackend)(nil)

// NewProxyBackend creates a proxy backend listening on the given port.
func NewProxyBackend(port int, ca *cert.CA) *ProxyBackend {
	return &ProxyBackend{
		port:   port,
		ca:     ca,
		stopCh: make(chan struct{}),
		conns:  make(map[net.Conn]struct{}),
		log:    logger.WithComponent("proxy"),
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				// Keep captured bodies byte-identical to what the origin sent.
				DisableCompression: true,
			},
			// The client drives redirects itself; each hop is its own trace.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Name implements trace.CaptureBackend.
func (s *ProxyBackend) Name() string { return "proxy" }

// Addr returns the bound listener address, valid after Start. Useful when
// the backend was started with port 0.
func (s *ProxyBackend) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start begins accepting proxy connections.
func (s *ProxyBackend) Start() (<-chan *trace.HttpTrace, error) {
	var err error
	s.listener, err = net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		return nil, fmt.Errorf("%w: listen on port %d: %v", trace.ErrCaptureStart, s.port, err)
	}

	s.traces = make(chan *trace.HttpTrace, ChannelCapacity)
	s.log.Info().Int("port", s.port).Msg("proxy listening")

	s.wg.Add(1)
	go s.acceptLoop()
	return s.traces, nil
}

// Stop stops accepting new connections, closes lingering keep-alive
// connections, and waits for in-flight handlers.
func (s *ProxyBackend) Stop() error {
	close(s.stopCh)
	if s.listener != nil {
		s.listener.Close()
	}
	s.connMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connMu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *ProxyBackend) trackConn(conn net.Conn) {
	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
}

func (s *ProxyBackend) untrackConn(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
}

func (s *ProxyBackend) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.log.Error().Err(err).Msg("accept failed")
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection serves one client connection. The first request decides
// the mode: CONNECT upgrades to intercepted TLS, anything else is treated
// as a plain absolute-form proxy request on the same connection.
func (s *ProxyBackend) handleConnection(clientConn net.Conn) {
	defer s.wg.Done()
	defer clientConn.Close()
	s.trackConn(clientConn)
	defer s.untrackConn(clientConn)

	br := bufio.NewReader(clientConn)
	req, err := http.ReadRequest(br)
	if err != nil {
		if err != io.EOF {
			s.log.Warn().Err(err).Msg("failed to parse proxy request")
		}
		return
	}

	if req.Method == http.MethodConnect {
		s.handleTLS(clientConn, req)
		return
	}

	s.serveLoop(clientConn, br, req, "http", "")
}

// handleTLS answers a CONNECT, terminates TLS with a minted certificate for
// the requested authority, and serves the decrypted request loop.
func (s *ProxyBackend) handleTLS(clientConn net.Conn, connectReq *http.Request) {
	authority := connectReq.Host
	host := authority
	if h, _, err := net.SplitHostPort(authority); err == nil {
		host = h
	}

	leaf, err := s.ca.CertForHost(host)
	if err != nil {
		s.log.Error().Err(err).Str("host", host).Msg("failed to mint certificate")
		return
	}

	if _, err := io.WriteString(clientConn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	tlsConn := tls.Server(clientConn, &tls.Config{
		Certificates: []tls.Certificate{*leaf},
	})
	if err := tlsConn.Handshake(); err != nil {
		s.log.Warn().Err(err).Str("host", host).Msg("TLS handshake failed")
		return
	}

	s.serveLoop(tlsConn, bufio.NewReader(tlsConn), nil, "https", authority)
}

// serveLoop consumes request/response exchanges until the client closes.
// first carries an already-read request for the plain-proxy path.
func (s *ProxyBackend) serveLoop(conn net.Conn, br *bufio.Reader, first *http.Request, scheme, authority string) {
	req := first
	for {
		if req == nil {
			var err error
			req, err = http.ReadRequest(br)
			if err != nil {
				if err != io.EOF && !strings.Contains(err.Error(), "use of closed") {
					s.log.Debug().Err(err).Msg("connection read ended")
				}
				return
			}
		}

		keepAlive := s.handleExchange(conn, req, scheme, authority)
		if !keepAlive {
			return
		}
		req = nil
	}
}

// pendingRequest is the snapshot taken on request arrival and consumed when
// the matching response is seen.
type pendingRequest struct {
	method     trace.Method
	url        string
	headers    map[string]string
	body       []byte
	sourceAddr string
	timestamp  time.Time
	startedAt  time.Time
	spanID     trace.SpanID
	traceID    trace.TraceID
	proto      string
}

// handleExchange forwards one request, emits its trace, and writes the
// response back. It reports whether the connection may carry more requests.
func (s *ProxyBackend) handleExchange(conn net.Conn, req *http.Request, scheme, authority string) bool {
	pending := s.snapshotRequest(conn, req, scheme, authority)

	resp, err := s.forwardRequest(req, pending)
	if err != nil {
		// Per-request failure: drop this trace, answer 502, keep serving.
		s.log.Warn().Err(err).Str("url", pending.url).Msg("failed to forward request")
		_, _ = io.WriteString(conn, "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n")
		return true
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		s.log.Warn().Err(err).Str("url", pending.url).Msg("failed to read response body")
		return false
	}

	s.emitTrace(pending, resp, bodyBytes)

	if err := writeResponse(conn, resp, bodyBytes); err != nil {
		s.log.Warn().Err(err).Msg("failed to write response")
		return false
	}

	return req.Header.Get("Connection") != "close" && req.Proto != "HTTP/1.0"
}

// snapshotRequest records everything needed from the request before it is
// forwarded: timing, identifiers, reconstructed URL, headers, capped body.
func (s *ProxyBackend) snapshotRequest(conn net.Conn, req *http.Request, scheme, authority string) *pendingRequest {
	var body []byte
	if req.Body != nil {
		data, err := io.ReadAll(req.Body)
		if err != nil {
			s.log.Warn().Err(err).Msg("failed to read request body")
		}
		req.Body = io.NopCloser(strings.NewReader(string(data)))
		body = truncateBody(data, MaxProxyBodySize)
	}

	return &pendingRequest{
		method:     trace.ParseMethod(req.Method),
		url:        reconstructURL(req, scheme, authority),
		headers:    headersToMap(req.Header),
		body:       body,
		sourceAddr: conn.RemoteAddr().String(),
		timestamp:  time.Now(),
		startedAt:  time.Now(),
		spanID:     trace.NewSpanID(),
		traceID:    trace.NewTraceID(),
		proto:      req.Proto,
	}
}

// forwardRequest sends the request to the real origin.
func (s *ProxyBackend) forwardRequest(req *http.Request, pending *pendingRequest) (*http.Response, error) {
	newReq, err := http.NewRequest(req.Method, pending.url, req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	for name, values := range req.Header {
		for _, value := range values {
			newReq.Header.Add(name, value)
		}
	}
	newReq.Header.Del("Proxy-Connection")
	if req.Host != "" {
		newReq.Host = req.Host
	}

	return s.client.Do(newReq)
}

// emitTrace freezes the exchange into an HttpTrace and pushes it onto the
// capture channel without blocking.
func (s *ProxyBackend) emitTrace(pending *pendingRequest, resp *http.Response, bodyBytes []byte) {
	t := &trace.HttpTrace{
		SpanID:          pending.spanID,
		TraceID:         pending.traceID,
		Method:          pending.method,
		URL:             pending.url,
		RequestHeaders:  pending.headers,
		RequestBody:     pending.body,
		StatusCode:      uint16(resp.StatusCode),
		ResponseHeaders: headersToMap(resp.Header),
		ResponseBody:    truncateBody(bodyBytes, MaxProxyBodySize),
		Timestamp:       pending.timestamp,
		Duration:        time.Since(pending.startedAt),
		SourceAddr:      pending.sourceAddr,
		DestAddr:        hostOf(pending.url),
		ProtocolVersion: pending.proto,
	}
	sendTrace(s.traces, t, s.log)
}

// writeResponse writes the captured response back to the client with an
// exact Content-Length, since the body was fully read.
func writeResponse(conn net.Conn, resp *http.Response, bodyBytes []byte) error {
	if _, err := fmt.Fprintf(conn, "%s %s\r\n", resp.Proto, resp.Status); err != nil {
		return err
	}

	resp.Header.Del("Transfer-Encoding")
	resp.Header.Set("Content-Length", fmt.Sprintf("%d", len(bodyBytes)))
	if err := resp.Header.Write(conn); err != nil {
		return err
	}

	if _, err := conn.Write([]byte("\r\n")); err != nil {
		return err
	}

	_, err := conn.Write(bodyBytes)
	return err
}

// reconstructURL yields a fully qualified URL for absolute-form proxy
// requests and for origin-form requests seen inside a CONNECT tunnel,
// falling back to the Host header.
func reconstructURL(req *http.Request, scheme, authority string) string {
	if req.URL.Scheme != "" {
		return req.URL.String()
	}
	host := authority
	if host == "" {
		host = req.Host
	}
	if req.Host != "" && scheme == "https" {
		// Inside a tunnel prefer the Host header over the CONNECT authority,
		// stripping a default port.
		host = req.Host
	}
	if h, p, err := net.SplitHostPort(host); err == nil {
		if (scheme == "https" && p == "443") || (scheme == "http" && p == "80") {
			host = h
		}
	}
	path := req.URL.RequestURI()
	return fmt.Sprintf("%s://%s%s", scheme, host, path)
}

// headersToMap flattens headers to a lowercase-keyed map; for repeated
// keys the last value wins.
func headersToMap(headers http.Header) map[string]string {
	result := make(map[string]string, len(headers))
	for name, values := range headers {
		if len(values) > 0 {
			result[strings.ToLower(name)] = values[len(values)-1]
		}
	}
	return result
}

func truncateBody(data []byte, limit int) []byte {
	if len(data) == 0 {
		return nil
	}
	if len(data) > limit {
		return data[:limit]
	}
	return data
}

func hostOf(rawURL string) string {
	rest := rawURL
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexAny(rest, "/?"); i >= 0 {
		rest = rest[:i]
	}
	return rest
}
