package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeMysqlPacket(seqID byte, payload []byte) []byte {
	packetLen := len(payload)
	packet := []byte{
		byte(packetLen),
		byte(packetLen >> 8),
		byte(packetLen >> 16),
		seqID,
	}
	return append(packet, payload...)
}

func TestParseMysqlPacket(t *testing.T) {
	consumed, seq, payload, ok := parseMysqlPacket([]byte{5, 0, 0, 0, 'h', 'e', 'l', 'l', 'o'})
	require.True(t, ok)
	assert.Equal(t, 9, consumed)
	assert.Equal(t, byte(0), seq)
	assert.Equal(t, []byte("hello"), payload)

	// Declared length exceeds the buffered bytes.
	_, _, _, ok = parseMysqlPacket([]byte{10, 0, 0, 0, 'h', 'i'})
	assert.False(t, ok)

	// Too short for a header.
	_, _, _, ok = parseMysqlPacket([]byte{1, 0, 0})
	assert.False(t, ok)
}

func TestDecodeLenencInt(t *testing.T) {
	tests := []struct {
		name     string
		buf      []byte
		value    uint64
		consumed int
		ok       bool
	}{
		{"one byte", []byte{42}, 42, 1, true},
		{"one byte max", []byte{0xfb}, 251, 1, true},
		{"two byte", []byte{0xfc, 0xff, 0xff}, 65535, 3, true},
		{"three byte", []byte{0xfd, 0x01, 0x00, 0x00}, 1, 4, true},
		{"eight byte", []byte{0xfe, 42, 0, 0, 0, 0, 0, 0, 0}, 42, 9, true},
		{"short two byte", []byte{0xfc, 0x01}, 0, 0, false},
		{"empty", nil, 0, 0, false},
		{"err marker", []byte{0xff}, 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, consumed, ok := decodeLenencInt(tt.buf)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.value, value)
				assert.Equal(t, tt.consumed, consumed)
			}
		})
	}
}

func doHandshake(t *testing.T, c *mysqlConn) {
	t.Helper()
	// Server greeting (seq 0, protocol v10).
	c.processIncoming(makeMysqlPacket(0, []byte{0x0a, '8', '.', '0', 0}))
	// Client auth response.
	c.processOutgoing(makeMysqlPacket(1, []byte{0x00}))
	// Server auth OK (seq 2).
	c.processIncoming(makeMysqlPacket(2, []byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00}))
	require.Equal(t, phaseDone, c.handshake)
}

func TestMysqlOkResponse(t *testing.T) {
	c := newMysqlConn("127.0.0.1:3306")
	doHandshake(t, c)

	c.processOutgoing(makeMysqlPacket(0, append([]byte{comQuery}, "SELECT 1"...)))
	require.Equal(t, queryAwaitingResponse, c.queryState)

	// OK: affected_rows(0) last_insert_id(0) status(2B) warnings(2B).
	msg := c.processIncoming(makeMysqlPacket(1, []byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00}))
	require.NotNil(t, msg)
	assert.Equal(t, "SELECT 1", msg.Query)
	require.NotNil(t, msg.AffectedRows)
	assert.Equal(t, uint64(0), *msg.AffectedRows)
	assert.Nil(t, msg.ErrorCode)
	assert.Equal(t, queryIdle, c.queryState)
}

func TestMysqlErrResponse(t *testing.T) {
	c := newMysqlConn("")
	doHandshake(t, c)

	c.processOutgoing(makeMysqlPacket(0, append([]byte{comQuery}, "BAD QUERY"...)))

	errPayload := append([]byte{0xff, 0x28, 0x04}, "#42000syntax error"...)
	msg := c.processIncoming(makeMysqlPacket(1, errPayload))
	require.NotNil(t, msg)
	assert.Equal(t, "BAD QUERY", msg.Query)
	require.NotNil(t, msg.ErrorCode)
	assert.Equal(t, uint16(1064), *msg.ErrorCode)
	assert.Equal(t, "42000", *msg.SQLState)
	assert.Contains(t, *msg.ErrorMessage, "syntax error")
}

func TestMysqlResultSet(t *testing.T) {
	c := newMysqlConn("")
	doHandshake(t, c)

	c.processOutgoing(makeMysqlPacket(0, append([]byte{comQuery}, "SELECT id, name FROM users"...)))

	// Column count: 2.
	require.Nil(t, c.processIncoming(makeMysqlPacket(1, []byte{0x02})))
	require.Equal(t, queryReadingResultSet, c.queryState)

	// Two column definitions.
	for seq := byte(2); seq < 4; seq++ {
		require.Nil(t, c.processIncoming(makeMysqlPacket(seq, []byte("def\x00\x00\x00id"))))
	}
	// EOF after columns.
	require.Nil(t, c.processIncoming(makeMysqlPacket(4, []byte{0xfe, 0x00, 0x00, 0x02, 0x00})))
	// Two data rows.
	for seq := byte(5); seq < 7; seq++ {
		require.Nil(t, c.processIncoming(makeMysqlPacket(seq, []byte("\x011\x05Alice"))))
	}
	// EOF terminator completes the round-trip.
	msg := c.processIncoming(makeMysqlPacket(7, []byte{0xfe, 0x00, 0x00, 0x02, 0x00}))
	require.NotNil(t, msg)
	require.NotNil(t, msg.ColumnCount)
	assert.Equal(t, uint64(2), *msg.ColumnCount)
	assert.Equal(t, uint64(2), *msg.RowCount)
	assert.Nil(t, msg.ErrorCode)
	assert.Equal(t, queryIdle, c.queryState)
}

func TestMysqlPendingQueryEmittedOnTeardown(t *testing.T) {
	sink := &collectEmitter{}
	tr := NewTracker(sink)

	tr.MarkMysql(40, "127.0.0.1:3306")
	c := tr.conns[40].(*mysqlState).conn
	doHandshake(t, c)

	tr.Outgoing(40, makeMysqlPacket(0, append([]byte{comQuery}, "SELECT SLEEP(10)"...)), false)
	tr.Teardown(40)

	require.Len(t, sink.msgs, 1)
	msg, ok := sink.msgs[0].(*MysqlTraceMsg)
	require.True(t, ok)
	assert.Equal(t, "SELECT SLEEP(10)", msg.Query)
	assert.Equal(t, MsgTypeMysql, msg.MsgType)
}

func TestMysqlPacketsSplitAcrossReads(t *testing.T) {
	c := newMysqlConn("")
	doHandshake(t, c)

	c.processOutgoing(makeMysqlPacket(0, append([]byte{comQuery}, "SELECT 2"...)))
	ok := makeMysqlPacket(1, []byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00})
	require.Nil(t, c.processIncoming(ok[:3]))
	msg := c.processIncoming(ok[3:])
	require.NotNil(t, msg)
	assert.Equal(t, "SELECT 2", msg.Query)
}
