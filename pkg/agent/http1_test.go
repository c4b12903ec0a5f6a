package agent

import (
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collectEmitter records emitted messages for assertions.
type collectEmitter struct {
	msgs []any
}

func (c *collectEmitter) Emit(msg any) { c.msgs = append(c.msgs, msg) }

func (c *collectEmitter) httpMsgs(t *testing.T) []*TraceMsg {
	t.Helper()
	var out []*TraceMsg
	for _, m := range c.msgs {
		if tm, ok := m.(*TraceMsg); ok {
			out = append(out, tm)
		}
	}
	return out
}

func decodeB64(t *testing.T, s string) []byte {
	t.Helper()
	if s == "" {
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(s)
	require.NoError(t, err)
	return data
}

func TestHTTP1GetExchange(t *testing.T) {
	sink := &collectEmitter{}
	tr := NewTracker(sink)

	tr.Outgoing(1, []byte("GET /test HTTP/1.1\r\nHost: localhost:8080\r\nAccept: */*\r\n\r\n"), false)
	tr.Incoming(1, []byte("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: 19\r\n\r\n{\"message\":\"hello\"}"))

	msgs := sink.httpMsgs(t)
	require.Len(t, msgs, 1)
	msg := msgs[0]
	assert.Equal(t, "GET", msg.Method)
	assert.Equal(t, "http://localhost:8080/test", msg.URL)
	assert.Equal(t, uint16(200), msg.StatusCode)
	assert.Equal(t, "application/json", msg.ResponseHeaders["content-type"])
	assert.Equal(t, "localhost:8080", msg.RequestHeaders["host"])
	assert.Contains(t, string(decodeB64(t, msg.ResponseBodyB64)), "hello")
	assert.Equal(t, "HTTP/1.1", msg.ProtocolVersion)
}

func TestHTTP1PostWithBody(t *testing.T) {
	sink := &collectEmitter{}
	tr := NewTracker(sink)

	body := `{"key":"value"}`
	req := fmt.Sprintf("POST /items HTTP/1.1\r\nHost: localhost\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	tr.Outgoing(2, []byte(req), false)
	tr.Incoming(2, []byte("HTTP/1.1 201 Created\r\nContent-Length: 20\r\n\r\n{\"status\":\"created\"}"))

	msgs := sink.httpMsgs(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "POST", msgs[0].Method)
	assert.Equal(t, uint16(201), msgs[0].StatusCode)
	assert.Contains(t, string(decodeB64(t, msgs[0].RequestBodyB64)), "key")
	assert.Contains(t, string(decodeB64(t, msgs[0].ResponseBodyB64)), "created")
}

func TestHTTP1NotFound(t *testing.T) {
	sink := &collectEmitter{}
	tr := NewTracker(sink)

	tr.Outgoing(3, []byte("GET /missing HTTP/1.1\r\nHost: localhost\r\n\r\n"), false)
	tr.Incoming(3, []byte("HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n"))

	msgs := sink.httpMsgs(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint16(404), msgs[0].StatusCode)
}

func TestHTTP1RequestBodySentSeparately(t *testing.T) {
	sink := &collectEmitter{}
	tr := NewTracker(sink)

	// Headers first, body in a later send: the writable phase continues
	// until the first response byte arrives.
	tr.Outgoing(4, []byte("POST /upload HTTP/1.1\r\nHost: localhost\r\nContent-Length: 11\r\n\r\n"), false)
	tr.Outgoing(4, []byte("hello world"), false)
	tr.Incoming(4, []byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))

	msgs := sink.httpMsgs(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello world", string(decodeB64(t, msgs[0].RequestBodyB64)))
}

func TestHTTP1HeadersSplitAcrossSends(t *testing.T) {
	sink := &collectEmitter{}
	tr := NewTracker(sink)

	tr.Outgoing(5, []byte("GET /split HTTP/1.1\r\nHost: loc"), false)
	tr.Outgoing(5, []byte("alhost\r\n\r\n"), false)
	tr.Incoming(5, []byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))

	msgs := sink.httpMsgs(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "http://localhost/split", msgs[0].URL)
}

func TestHTTP1ResponseSplitAcrossReads(t *testing.T) {
	sink := &collectEmitter{}
	tr := NewTracker(sink)

	tr.Outgoing(6, []byte("GET /chunks HTTP/1.1\r\nHost: localhost\r\n\r\n"), false)
	tr.Incoming(6, []byte("HTTP/1.1 200 OK\r\nContent-Le"))
	tr.Incoming(6, []byte("ngth: 5\r\n\r\nhel"))
	require.Empty(t, sink.httpMsgs(t))
	tr.Incoming(6, []byte("lo"))

	msgs := sink.httpMsgs(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", string(decodeB64(t, msgs[0].ResponseBodyB64)))
}

func TestHTTP1KeepAliveSequentialExchanges(t *testing.T) {
	sink := &collectEmitter{}
	tr := NewTracker(sink)

	for i := 1; i <= 3; i++ {
		tr.Outgoing(7, []byte(fmt.Sprintf("GET /seq/%d HTTP/1.1\r\nHost: localhost\r\n\r\n", i)), false)
		body := fmt.Sprintf(`{"n":%d}`, i)
		tr.Incoming(7, []byte(fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body)))
	}

	msgs := sink.httpMsgs(t)
	require.Len(t, msgs, 3)
	for i, msg := range msgs {
		assert.Equal(t, fmt.Sprintf("http://localhost/seq/%d", i+1), msg.URL)
		assert.Contains(t, string(decodeB64(t, msg.ResponseBodyB64)), fmt.Sprintf(`"n":%d`, i+1))
	}
}

func TestHTTP1LargeBodyTruncatedToCap(t *testing.T) {
	sink := &collectEmitter{}
	tr := NewTracker(sink)

	body := strings.Repeat("A", 20480)
	tr.Outgoing(8, []byte("GET /big HTTP/1.1\r\nHost: localhost\r\n\r\n"), false)
	tr.Incoming(8, []byte(fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body)))

	msgs := sink.httpMsgs(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint16(200), msgs[0].StatusCode)
	decoded := decodeB64(t, msgs[0].ResponseBodyB64)
	assert.Contains(t, string(decoded), "AAAA")
	assert.LessOrEqual(t, len(decoded), MaxBody)
}

func TestHTTP1ChunkedResponseCompletes(t *testing.T) {
	sink := &collectEmitter{}
	tr := NewTracker(sink)

	tr.Outgoing(9, []byte("GET /stream HTTP/1.1\r\nHost: localhost\r\n\r\n"), false)
	tr.Incoming(9, []byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"))
	require.Empty(t, sink.httpMsgs(t))
	tr.Incoming(9, []byte("5\r\nhello\r\n6\r\n world\r\n"))
	require.Empty(t, sink.httpMsgs(t))
	tr.Incoming(9, []byte("0\r\n\r\n"))

	msgs := sink.httpMsgs(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello world", string(decodeB64(t, msgs[0].ResponseBodyB64)))
}

func TestHTTP1CloseEmitsCompleteResponse(t *testing.T) {
	sink := &collectEmitter{}
	tr := NewTracker(sink)

	// No Content-Length: body extends to connection close.
	tr.Outgoing(10, []byte("GET /until-close HTTP/1.1\r\nHost: localhost\r\n\r\n"), false)
	tr.Incoming(10, []byte("HTTP/1.1 200 OK\r\nConnection: close\r\n\r\npartial body"))
	require.Empty(t, sink.httpMsgs(t))

	tr.Teardown(10)
	msgs := sink.httpMsgs(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "partial body", string(decodeB64(t, msgs[0].ResponseBodyB64)))
}

func TestHTTP1CloseWithoutResponseHeadersEmitsNothing(t *testing.T) {
	sink := &collectEmitter{}
	tr := NewTracker(sink)

	tr.Outgoing(11, []byte("GET /never HTTP/1.1\r\nHost: localhost\r\n\r\n"), false)
	tr.Teardown(11)
	assert.Empty(t, sink.httpMsgs(t))
}

func TestHTTP1TLSRewritesScheme(t *testing.T) {
	sink := &collectEmitter{}
	tr := NewTracker(sink)

	tr.Outgoing(12, []byte("GET /secure HTTP/1.1\r\nHost: example.com\r\n\r\n"), true)
	tr.Incoming(12, []byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))

	msgs := sink.httpMsgs(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "https://example.com/secure", msgs[0].URL)
}

func TestHTTP1HeaderKeysLowercasedLastWins(t *testing.T) {
	sink := &collectEmitter{}
	tr := NewTracker(sink)

	tr.Outgoing(13, []byte("GET / HTTP/1.1\r\nHost: localhost\r\nX-Dup: one\r\nX-DUP: two\r\n\r\n"), false)
	tr.Incoming(13, []byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))

	msgs := sink.httpMsgs(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "two", msgs[0].RequestHeaders["x-dup"])
	_, hasUpper := msgs[0].RequestHeaders["X-Dup"]
	assert.False(t, hasUpper)
}

func TestNonHTTPTrafficIgnored(t *testing.T) {
	sink := &collectEmitter{}
	tr := NewTracker(sink)

	tr.Outgoing(14, []byte{0x16, 0x03, 0x01, 0x00, 0x50}, false)
	tr.Incoming(14, []byte{0x16, 0x03, 0x03, 0x00, 0x50})
	tr.Teardown(14)
	assert.Empty(t, sink.msgs)
}
