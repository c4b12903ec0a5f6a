package agent

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"io"
	"net/http/httputil"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

var httpMethods = [][]byte{
	[]byte("GET "),
	[]byte("POST "),
	[]byte("PUT "),
	[]byte("DELETE "),
	[]byte("PATCH "),
	[]byte("HEAD "),
	[]byte("OPTIONS "),
	[]byte("TRACE "),
	[]byte("CONNECT "),
}

func looksLikeHTTPRequest(data []byte) bool {
	for _, m := range httpMethods {
		if bytes.HasPrefix(data, m) {
			return true
		}
	}
	return false
}

// reqInfo is the request snapshot retained while the response accumulates.
type reqInfo struct {
	method        string
	url           string
	headers       map[string]string
	body          []byte
	contentLength int
	startedAt     time.Time
	timestampMs   uint64
}

// appendBody accumulates request body bytes up to the declared
// Content-Length and the buffering cap.
func (r *reqInfo) appendBody(data []byte) {
	if len(r.body) >= r.contentLength || len(r.body) >= maxBuffer {
		return
	}
	remaining := r.contentLength - len(r.body)
	if remaining > len(data) {
		remaining = len(data)
	}
	r.body = append(r.body, data[:remaining]...)
}

// tryParseRequest parses an HTTP/1.x request once its header block is
// complete. Body bytes already present in buf are captured immediately.
func tryParseRequest(buf []byte) (*reqInfo, bool) {
	headersEnd := bytes.Index(buf, []byte("\r\n\r\n"))
	if headersEnd < 0 {
		return nil, false
	}
	headersEnd += 4

	lineEnd := bytes.Index(buf, []byte("\r\n"))
	requestLine := string(buf[:lineEnd])
	parts := strings.SplitN(requestLine, " ", 3)
	if len(parts) != 3 {
		return nil, false
	}
	method, path := parts[0], parts[1]

	headers, ok := parseHeaderBlock(buf[lineEnd+2 : headersEnd-2])
	if !ok {
		return nil, false
	}

	contentLength := 0
	if cl, exists := headers["content-length"]; exists {
		contentLength, _ = strconv.Atoi(cl)
	}

	url := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		url = "http://" + headers["host"] + path
	}

	bodyEnd := headersEnd + contentLength
	if bodyEnd > len(buf) {
		bodyEnd = len(buf)
	}

	return &reqInfo{
		method:        method,
		url:           url,
		headers:       headers,
		body:          append([]byte(nil), buf[headersEnd:bodyEnd]...),
		contentLength: contentLength,
		startedAt:     time.Now(),
		timestampMs:   uint64(time.Now().UnixMilli()),
	}, true
}

// respMeta is the parsed response header block.
type respMeta struct {
	statusCode    uint16
	headers       map[string]string
	contentLength int // -1 when absent or chunked
	chunked       bool
	headersEnd    int
}

// tryParseResponseHeaders parses the response status line and headers once
// the header block is complete; nil until then.
func tryParseResponseHeaders(buf []byte) *respMeta {
	headersEnd := bytes.Index(buf, []byte("\r\n\r\n"))
	if headersEnd < 0 {
		return nil
	}
	headersEnd += 4

	lineEnd := bytes.Index(buf, []byte("\r\n"))
	statusLine := string(buf[:lineEnd])
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return nil
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 599 {
		return nil
	}

	headers, ok := parseHeaderBlock(buf[lineEnd+2 : headersEnd-2])
	if !ok {
		return nil
	}

	contentLength := -1
	if cl, exists := headers["content-length"]; exists {
		if n, err := strconv.Atoi(cl); err == nil {
			contentLength = n
		}
	}
	chunked := strings.Contains(strings.ToLower(headers["transfer-encoding"]), "chunked")
	if chunked {
		contentLength = -1
	}

	return &respMeta{
		statusCode:    uint16(code),
		headers:       headers,
		contentLength: contentLength,
		chunked:       chunked,
		headersEnd:    headersEnd,
	}
}

// parseHeaderBlock parses raw header lines into a lowercase-keyed map;
// duplicate keys keep the last value.
func parseHeaderBlock(block []byte) (map[string]string, bool) {
	raw := make([]byte, 0, len(block)+2)
	raw = append(raw, block...)
	raw = append(raw, "\r\n"...)
	reader := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw)))
	mime, err := reader.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, false
	}
	headers := make(map[string]string, len(mime))
	for name, values := range mime {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[len(values)-1]
		}
	}
	return headers, true
}

// responseComplete reports whether the buffered response carries its whole
// body: by Content-Length, or by chunked-transfer completion. Responses
// with neither are completed by connection close.
func responseComplete(buf []byte, meta *respMeta) bool {
	body := buf[meta.headersEnd:]
	if meta.chunked {
		return chunkedComplete(body)
	}
	if meta.contentLength >= 0 {
		return len(body) >= meta.contentLength
	}
	return false
}

// chunkedComplete reports whether a chunked body includes its terminating
// zero-size chunk.
func chunkedComplete(body []byte) bool {
	reader := httputil.NewChunkedReader(bytes.NewReader(body))
	_, err := io.Copy(io.Discard, reader)
	return err == nil
}

// http1Body extracts the response body bytes for emission, decoding a
// chunked transfer and honoring Content-Length when present.
func http1Body(buf []byte, meta *respMeta) []byte {
	body := buf[meta.headersEnd:]
	if meta.chunked {
		decoded, err := io.ReadAll(httputil.NewChunkedReader(bytes.NewReader(body)))
		if err != nil && len(decoded) == 0 {
			return nil
		}
		return decoded
	}
	if meta.contentLength >= 0 && meta.contentLength < len(body) {
		body = body[:meta.contentLength]
	}
	return body
}

// buildHTTP1Msg freezes a completed HTTP/1.x exchange into a TraceMsg.
func buildHTTP1Msg(st *collectingResponse) *TraceMsg {
	url := st.req.url
	if st.tls && strings.HasPrefix(url, "http://") {
		url = "https://" + strings.TrimPrefix(url, "http://")
	}
	return &TraceMsg{
		Method:          st.req.method,
		URL:             url,
		StatusCode:      st.meta.statusCode,
		RequestHeaders:  st.req.headers,
		ResponseHeaders: st.meta.headers,
		RequestBodyB64:  bodyB64(st.req.body),
		ResponseBodyB64: bodyB64(http1Body(st.buf, st.meta)),
		DurationMs:      uint64(time.Since(st.req.startedAt).Milliseconds()),
		TimestampMs:     st.req.timestampMs,
		ProtocolVersion: "HTTP/1.1",
	}
}

// bodyB64 encodes up to MaxBody bytes; empty bodies encode as absent.
func bodyB64(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	if len(raw) > MaxBody {
		raw = raw[:MaxBody]
	}
	return base64.StdEncoding.EncodeToString(raw)
}
