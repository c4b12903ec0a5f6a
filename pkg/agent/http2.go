package agent

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2/hpack"
)

// HTTP/2 client connection preface (RFC 7540 §3.5).
var h2Preface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

const h2FrameHeaderLen = 9

// Frame types the capture cares about.
const (
	h2TypeData         = 0x0
	h2TypeHeaders      = 0x1
	h2TypeRSTStream    = 0x3
	h2TypeGoAway       = 0x7
	h2TypeContinuation = 0x9
)

// Frame flags.
const (
	h2FlagEndStream  = 0x1
	h2FlagEndHeaders = 0x4
	h2FlagPadded     = 0x8
	h2FlagPriority   = 0x20
)

func hasH2Preface(data []byte) bool {
	return bytes.HasPrefix(data, h2Preface)
}

// parseH2FrameHeader parses the 9-byte frame header. ok is false while the
// buffer is too short.
func parseH2FrameHeader(buf []byte) (payloadLen int, frameType, flags byte, streamID uint32, ok bool) {
	if len(buf) < h2FrameHeaderLen {
		return 0, 0, 0, 0, false
	}
	payloadLen = int(buf[0])<<16 | int(buf[1])<<8 | int(buf[2])
	frameType = buf[3]
	flags = buf[4]
	// Mask the reserved bit 31.
	streamID = binary.BigEndian.Uint32(buf[5:9]) & 0x7fffffff
	return payloadLen, frameType, flags, streamID, true
}

// headerBlockRange strips optional padding and priority bytes from a
// HEADERS payload, returning the header block fragment bounds.
func headerBlockRange(payload []byte, flags byte) (int, int) {
	start, end := 0, len(payload)
	if flags&h2FlagPadded != 0 {
		if len(payload) == 0 {
			return 0, 0
		}
		pad := int(payload[0])
		start++
		if end >= pad {
			end -= pad
		} else {
			end = 0
		}
	}
	if flags&h2FlagPriority != 0 {
		start += 5 // 4-byte stream dependency + 1-byte weight
	}
	if start > end {
		return 0, 0
	}
	return start, end
}

// h2Stream tracks one request-response pair on an HTTP/2 connection.
type h2Stream struct {
	reqMethod    string
	reqPath      string
	reqAuthority string
	reqScheme    string
	reqHeaders   map[string]string
	reqBody      []byte
	reqDone      bool

	respStatus  uint16
	respHasStat bool
	respHeaders map[string]string
	respBody    []byte
	respDone    bool

	startedAt   time.Time
	timestampMs uint64
	tls         bool
}

func newH2Stream(tls bool) *h2Stream {
	return &h2Stream{
		reqHeaders:  make(map[string]string),
		respHeaders: make(map[string]string),
		startedAt:   time.Now(),
		timestampMs: uint64(time.Now().UnixMilli()),
		tls:         tls,
	}
}

// toMsg freezes the stream into a TraceMsg.
func (s *h2Stream) toMsg() *TraceMsg {
	method := s.reqMethod
	if method == "" {
		method = "GET"
	}
	path := s.reqPath
	if path == "" {
		path = "/"
	}
	scheme := s.reqScheme
	if scheme == "" {
		if s.tls {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	return &TraceMsg{
		Method:          method,
		URL:             scheme + "://" + s.reqAuthority + path,
		StatusCode:      s.respStatus,
		RequestHeaders:  s.reqHeaders,
		ResponseHeaders: s.respHeaders,
		RequestBodyB64:  bodyB64(s.reqBody),
		ResponseBodyB64: bodyB64(s.respBody),
		DurationMs:      uint64(time.Since(s.startedAt).Milliseconds()),
		TimestampMs:     s.timestampMs,
		ProtocolVersion: "HTTP/2",
	}
}

// contState accumulates a header block split across CONTINUATION frames.
type contState struct {
	streamID  uint32
	buf       []byte
	endStream bool
}

// h2Conn is the per-connection HTTP/2 decoder state. Each direction keeps
// its own HPACK dynamic table, bound to this connection and released with
// it on close.
type h2Conn struct {
	tls     bool
	sendBuf []byte
	recvBuf []byte
	sendDec *hpack.Decoder
	recvDec *hpack.Decoder
	streams map[uint32]*h2Stream

	sendCont *contState
	recvCont *contState

	prefaceSkipped bool
}

func newH2Conn(tls bool) *h2Conn {
	return &h2Conn{
		tls:     tls,
		sendDec: hpack.NewDecoder(4096, nil),
		recvDec: hpack.NewDecoder(4096, nil),
		streams: make(map[uint32]*h2Stream),
	}
}

func (c *h2Conn) appendSend(data []byte) {
	if len(c.sendBuf) < maxBuffer {
		c.sendBuf = append(c.sendBuf, data...)
	}
}

func (c *h2Conn) appendRecv(data []byte) {
	if len(c.recvBuf) < maxBuffer {
		c.recvBuf = append(c.recvBuf, data...)
	}
}

func (c *h2Conn) stream(id uint32) *h2Stream {
	s, ok := c.streams[id]
	if !ok {
		s = newH2Stream(c.tls)
		c.streams[id] = s
	}
	return s
}

// processSendFrames consumes complete frames on the request direction.
func (c *h2Conn) processSendFrames() {
	if !c.prefaceSkipped && bytes.HasPrefix(c.sendBuf, h2Preface) {
		c.sendBuf = c.sendBuf[len(h2Preface):]
		c.prefaceSkipped = true
	}
	c.processFrames(&c.sendBuf, c.sendDec, &c.sendCont, true)
}

// processRecvFrames consumes complete frames on the response direction.
func (c *h2Conn) processRecvFrames() {
	c.processFrames(&c.recvBuf, c.recvDec, &c.recvCont, false)
}

func (c *h2Conn) processFrames(buf *[]byte, dec *hpack.Decoder, cont **contState, request bool) {
	for {
		payloadLen, frameType, flags, streamID, ok := parseH2FrameHeader(*buf)
		if !ok {
			return
		}
		total := h2FrameHeaderLen + payloadLen
		if len(*buf) < total {
			return // frame not yet fully buffered
		}

		payload := append([]byte(nil), (*buf)[h2FrameHeaderLen:total]...)
		*buf = (*buf)[total:]

		switch {
		case frameType == h2TypeHeaders && streamID > 0:
			endStream := flags&h2FlagEndStream != 0
			start, end := headerBlockRange(payload, flags)
			block := payload[start:end]

			if flags&h2FlagEndHeaders != 0 {
				c.applyHeaderBlock(dec, streamID, block, endStream, request)
			} else {
				*cont = &contState{streamID: streamID, buf: append([]byte(nil), block...), endStream: endStream}
			}

		case frameType == h2TypeData && streamID > 0:
			endStream := flags&h2FlagEndStream != 0
			start, end := 0, len(payload)
			if flags&h2FlagPadded != 0 && len(payload) > 0 {
				pad := int(payload[0])
				start = 1
				if end >= pad {
					end -= pad
				}
			}
			if s, exists := c.streams[streamID]; exists {
				if request {
					if len(s.reqBody) < maxBuffer {
						s.reqBody = append(s.reqBody, payload[start:end]...)
					}
					s.reqDone = s.reqDone || endStream
				} else {
					if len(s.respBody) < maxBuffer {
						s.respBody = append(s.respBody, payload[start:end]...)
					}
					s.respDone = s.respDone || endStream
				}
			}

		case frameType == h2TypeContinuation && streamID > 0:
			if *cont != nil && (*cont).streamID == streamID {
				(*cont).buf = append((*cont).buf, payload...)
				if flags&h2FlagEndHeaders != 0 {
					c.applyHeaderBlock(dec, streamID, (*cont).buf, (*cont).endStream, request)
					*cont = nil
				}
			}

		case frameType == h2TypeRSTStream && streamID > 0:
			delete(c.streams, streamID)

		case frameType == h2TypeGoAway && len(payload) >= 4:
			// GOAWAY travels on stream 0 and names the last stream the peer
			// processed; streams above it are discarded.
			lastID := binary.BigEndian.Uint32(payload[0:4]) & 0x7fffffff
			for id := range c.streams {
				if id > lastID {
					delete(c.streams, id)
				}
			}

		default:
			// SETTINGS, WINDOW_UPDATE, PING and friends carry nothing we need.
		}
	}
}

// applyHeaderBlock HPACK-decodes a complete header block and applies the
// fields to the stream's request or response side.
func (c *h2Conn) applyHeaderBlock(dec *hpack.Decoder, streamID uint32, block []byte, endStream, request bool) {
	fields, err := dec.DecodeFull(block)
	if err != nil {
		return
	}
	s := c.stream(streamID)
	if request {
		for _, f := range fields {
			switch f.Name {
			case ":method":
				s.reqMethod = f.Value
			case ":path":
				s.reqPath = f.Value
			case ":scheme":
				s.reqScheme = f.Value
			case ":authority":
				s.reqAuthority = f.Value
			default:
				if !strings.HasPrefix(f.Name, ":") {
					s.reqHeaders[strings.ToLower(f.Name)] = f.Value
				}
			}
		}
		s.reqDone = s.reqDone || endStream
		return
	}
	for _, f := range fields {
		if f.Name == ":status" {
			if code, err := strconv.Atoi(f.Value); err == nil {
				s.respStatus = uint16(code)
				s.respHasStat = true
			}
		} else if !strings.HasPrefix(f.Name, ":") {
			s.respHeaders[strings.ToLower(f.Name)] = f.Value
		}
	}
	s.respDone = s.respDone || endStream
}

// drainCompletedStreams removes and returns streams whose response carries
// a status and both peers have sent END_STREAM.
func (c *h2Conn) drainCompletedStreams() []*h2Stream {
	var completed []*h2Stream
	for id, s := range c.streams {
		if s.respHasStat && s.reqDone && s.respDone {
			completed = append(completed, s)
			delete(c.streams, id)
		}
	}
	return completed
}

// allStreamsWithStatus returns streams that at least saw a response status,
// for emission at connection teardown.
func (c *h2Conn) allStreamsWithStatus() []*h2Stream {
	var out []*h2Stream
	for _, s := range c.streams {
		if s.respHasStat {
			out = append(out, s)
		}
	}
	return out
}
