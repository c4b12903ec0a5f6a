// Package agent reconstructs HTTP/1.1, HTTP/2 and MySQL exchanges from the
// raw byte streams observed by the LD_PRELOAD hooks, and defines the IPC
// message format spoken over the agent's Unix socket.
//
// Everything here is pure Go with no cgo dependency; the hook shims in
// cmd/phantom-agent feed bytes in and the completed exchanges come out as
// newline-delimited JSON messages.
package agent

// MsgTypeMysql discriminates MySQL messages on the wire. HTTP messages
// carry no msg_type for compatibility with older readers.
const MsgTypeMysql = "mysql"

// TraceMsg is one completed HTTP exchange as sent to the host listener.
// Bodies are base64 so the message stays a single JSON line.
type TraceMsg struct {
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	StatusCode      uint16            `json:"status_code"`
	RequestHeaders  map[string]string `json:"request_headers"`
	ResponseHeaders map[string]string `json:"response_headers"`
	RequestBodyB64  string            `json:"request_body_b64,omitempty"`
	ResponseBodyB64 string            `json:"response_body_b64,omitempty"`
	DurationMs      uint64            `json:"duration_ms"`
	TimestampMs     uint64            `json:"timestamp_ms"`
	DestAddr        string            `json:"dest_addr,omitempty"`
	ProtocolVersion string            `json:"protocol_version"`
}

// MysqlTraceMsg is one completed MySQL COM_QUERY round-trip.
type MysqlTraceMsg struct {
	MsgType     string `json:"msg_type"`
	Query       string `json:"query"`
	DurationMs  uint64 `json:"duration_ms"`
	TimestampMs uint64 `json:"timestamp_ms"`
	DestAddr    string `json:"dest_addr,omitempty"`
	DBName      string `json:"db_name,omitempty"`

	// Ok fields.
	AffectedRows *uint64 `json:"affected_rows,omitempty"`
	LastInsertID *uint64 `json:"last_insert_id,omitempty"`
	Warnings     *uint16 `json:"warnings,omitempty"`

	// ResultSet fields.
	ColumnCount *uint64 `json:"column_count,omitempty"`
	RowCount    *uint64 `json:"row_count,omitempty"`

	// Err fields.
	ErrorCode    *uint16 `json:"error_code,omitempty"`
	SQLState     *string `json:"sql_state,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
}
