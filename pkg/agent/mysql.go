package agent

import (
	"encoding/binary"
	"time"
)

// MySQL COM_QUERY command byte.
const comQuery = 0x03

// parseMysqlPacket splits one MySQL packet `[3B length LE][1B seq][payload]`
// off the front of buf. ok is false while the packet is incomplete.
func parseMysqlPacket(buf []byte) (consumed int, seqID byte, payload []byte, ok bool) {
	if len(buf) < 4 {
		return 0, 0, nil, false
	}
	payloadLen := int(buf[0]) | int(buf[1])<<8 | int(buf[2])<<16
	total := 4 + payloadLen
	if len(buf) < total {
		return 0, 0, nil, false
	}
	return total, buf[3], buf[4:total], true
}

// decodeLenencInt decodes a MySQL length-encoded integer, reporting the
// value and bytes consumed. ok is false on insufficient data or the 0xff
// ERR indicator.
func decodeLenencInt(buf []byte) (value uint64, consumed int, ok bool) {
	if len(buf) == 0 {
		return 0, 0, false
	}
	switch marker := buf[0]; {
	case marker <= 0xfb:
		return uint64(marker), 1, true
	case marker == 0xfc:
		if len(buf) < 3 {
			return 0, 0, false
		}
		return uint64(binary.LittleEndian.Uint16(buf[1:3])), 3, true
	case marker == 0xfd:
		if len(buf) < 4 {
			return 0, 0, false
		}
		return uint64(buf[1]) | uint64(buf[2])<<8 | uint64(buf[3])<<16, 4, true
	case marker == 0xfe:
		if len(buf) < 9 {
			return 0, 0, false
		}
		return binary.LittleEndian.Uint64(buf[1:9]), 9, true
	default:
		return 0, 0, false
	}
}

type handshakePhase int

const (
	// Waiting for the server greeting (seq 0, payload[0] = 0x0a).
	phaseWaitingGreeting handshakePhase = iota
	// Greeting seen; waiting for the server's auth OK.
	phaseWaitingAuthOk
	// Handshake complete; COM_QUERY commands are tracked.
	phaseDone
)

type resultSetPhase int

const (
	phaseReadingColumns resultSetPhase = iota
	phaseReadingRows
)

type queryPhase int

const (
	queryIdle queryPhase = iota
	// COM_QUERY sent, first server response packet pending.
	queryAwaitingResponse
	// First response packet was a column count; streaming the result set.
	queryReadingResultSet
)

// mysqlConn tracks one MySQL connection's handshake and COM_QUERY
// round-trips.
type mysqlConn struct {
	destAddr string
	dbName   string
	sendBuf  []byte
	recvBuf  []byte

	handshake handshakePhase

	query       string
	queryState  queryPhase
	startedAt   time.Time
	timestampMs uint64
	columnCount uint64
	rowCount    uint64
	rsPhase     resultSetPhase
}

func newMysqlConn(destAddr string) *mysqlConn {
	return &mysqlConn{destAddr: destAddr}
}

// processOutgoing consumes client→server packets, arming the query tracker
// when a COM_QUERY passes by.
func (c *mysqlConn) processOutgoing(data []byte) {
	if len(c.sendBuf) < maxBuffer {
		c.sendBuf = append(c.sendBuf, data...)
	}

	for {
		consumed, seqID, payload, ok := parseMysqlPacket(c.sendBuf)
		if !ok {
			return
		}
		if c.handshake == phaseDone && seqID == 0 && len(payload) > 0 &&
			payload[0] == comQuery && c.queryState == queryIdle {
			c.query = string(payload[1:])
			c.queryState = queryAwaitingResponse
			c.startedAt = time.Now()
			c.timestampMs = uint64(time.Now().UnixMilli())
		}
		c.sendBuf = c.sendBuf[consumed:]
	}
}

// processIncoming consumes server→client packets and returns a message
// when a query round-trip completes.
func (c *mysqlConn) processIncoming(data []byte) *MysqlTraceMsg {
	if len(c.recvBuf) < maxBuffer {
		c.recvBuf = append(c.recvBuf, data...)
	}

	for {
		consumed, seqID, payload, ok := parseMysqlPacket(c.recvBuf)
		if !ok {
			return nil
		}

		switch c.handshake {
		case phaseWaitingGreeting:
			// Server greeting: seq 0, protocol v10 marker.
			if seqID == 0 && len(payload) > 0 && payload[0] == 0x0a {
				c.handshake = phaseWaitingAuthOk
			}
			c.recvBuf = c.recvBuf[consumed:]
			continue
		case phaseWaitingAuthOk:
			if seqID >= 2 && len(payload) > 0 && payload[0] == 0x00 {
				c.handshake = phaseDone
			}
			c.recvBuf = c.recvBuf[consumed:]
			continue
		case phaseDone:
		}

		switch c.queryState {
		case queryIdle:
			c.recvBuf = c.recvBuf[consumed:]
			continue

		case queryAwaitingResponse:
			first := byte(0)
			if len(payload) > 0 {
				first = payload[0]
			}
			switch first {
			case 0x00:
				msg := c.okMsg(payload)
				c.queryState = queryIdle
				c.recvBuf = c.recvBuf[consumed:]
				return msg
			case 0xff:
				msg := c.errMsg(payload, nil)
				c.queryState = queryIdle
				c.recvBuf = c.recvBuf[consumed:]
				return msg
			default:
				// Column count packet opens a result set.
				count, _, ok := decodeLenencInt(payload)
				if !ok {
					count = 1
				}
				c.columnCount = count
				c.rowCount = 0
				c.rsPhase = phaseReadingColumns
				c.queryState = queryReadingResultSet
				c.recvBuf = c.recvBuf[consumed:]
				continue
			}

		case queryReadingResultSet:
			first := byte(0)
			if len(payload) > 0 {
				first = payload[0]
			}
			// EOF packets are 0xfe with a short payload, distinguishing them
			// from a lenenc-encoded 0xfe row value.
			isEOF := first == 0xfe && len(payload) < 9
			isOkTerminator := first == 0x00 && c.rsPhase == phaseReadingRows

			switch c.rsPhase {
			case phaseReadingColumns:
				if isEOF {
					c.rsPhase = phaseReadingRows
				}
				c.recvBuf = c.recvBuf[consumed:]
				continue
			case phaseReadingRows:
				switch {
				case isEOF || isOkTerminator:
					msg := c.resultSetMsg(nil)
					c.queryState = queryIdle
					c.recvBuf = c.recvBuf[consumed:]
					return msg
				case first == 0xff:
					msg := c.errMsg(payload, &c.columnCount)
					c.queryState = queryIdle
					c.recvBuf = c.recvBuf[consumed:]
					return msg
				default:
					c.rowCount++
					c.recvBuf = c.recvBuf[consumed:]
					continue
				}
			}
		}
	}
}

// pendingQueryMsg returns a partial message for a query still in flight at
// connection teardown, or nil.
func (c *mysqlConn) pendingQueryMsg() *MysqlTraceMsg {
	if c.queryState == queryIdle {
		return nil
	}
	return c.baseMsg()
}

func (c *mysqlConn) baseMsg() *MysqlTraceMsg {
	return &MysqlTraceMsg{
		MsgType:     MsgTypeMysql,
		Query:       c.query,
		DurationMs:  uint64(time.Since(c.startedAt).Milliseconds()),
		TimestampMs: c.timestampMs,
		DestAddr:    c.destAddr,
		DBName:      c.dbName,
	}
}

// okMsg decodes an OK packet: affected rows and last-insert-id as lenenc
// ints, then status flags and warnings.
func (c *mysqlConn) okMsg(payload []byte) *MysqlTraceMsg {
	msg := c.baseMsg()
	affected, consumed, ok := decodeLenencInt(payload[1:])
	if !ok {
		affected, consumed = 0, 1
	}
	off := 1 + consumed
	lastID, consumed2, ok2 := decodeLenencInt(payload[off:])
	if !ok2 {
		lastID, consumed2 = 0, 1
	}
	// Status flags (2B) precede the warning count (2B).
	var warnings uint16
	warnOff := off + consumed2 + 2
	if len(payload) >= warnOff+2 {
		warnings = binary.LittleEndian.Uint16(payload[warnOff : warnOff+2])
	}
	msg.AffectedRows = &affected
	msg.LastInsertID = &lastID
	msg.Warnings = &warnings
	return msg
}

// errMsg decodes an ERR packet: error code, optional '#'-prefixed
// SQLSTATE, then the message text.
func (c *mysqlConn) errMsg(payload []byte, columnCount *uint64) *MysqlTraceMsg {
	msg := c.baseMsg()
	var code uint16
	if len(payload) >= 3 {
		code = binary.LittleEndian.Uint16(payload[1:3])
	}
	sqlState := ""
	msgStart := 3
	if len(payload) >= 9 && payload[3] == '#' {
		sqlState = string(payload[4:9])
		msgStart = 9
	}
	text := ""
	if len(payload) > msgStart {
		text = string(payload[msgStart:])
	}
	msg.ErrorCode = &code
	msg.SQLState = &sqlState
	msg.ErrorMessage = &text
	if columnCount != nil {
		count := *columnCount
		rows := c.rowCount
		msg.ColumnCount = &count
		msg.RowCount = &rows
	}
	return msg
}

func (c *mysqlConn) resultSetMsg(_ []byte) *MysqlTraceMsg {
	msg := c.baseMsg()
	count := c.columnCount
	rows := c.rowCount
	msg.ColumnCount = &count
	msg.RowCount = &rows
	return msg
}
