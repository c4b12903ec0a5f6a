package trace

import "time"

// MysqlResponseKind discriminates the outcome of a MySQL COM_QUERY.
type MysqlResponseKind string

const (
	// MysqlResultSet: SELECT / SHOW / EXPLAIN returned rows.
	MysqlResultSet MysqlResponseKind = "ResultSet"
	// MysqlOk: INSERT / UPDATE / DELETE / DDL returned an OK packet.
	MysqlOk MysqlResponseKind = "Ok"
	// MysqlErr: the server returned an ERR packet.
	MysqlErr MysqlResponseKind = "Err"
)

// MysqlResponse holds the fields of whichever response kind was observed.
type MysqlResponse struct {
	Kind MysqlResponseKind `json:"kind"`

	// ResultSet fields.
	ColumnCount uint64 `json:"column_count,omitempty"`
	RowCount    uint64 `json:"row_count,omitempty"`

	// Ok fields.
	AffectedRows uint64 `json:"affected_rows,omitempty"`
	LastInsertID uint64 `json:"last_insert_id,omitempty"`
	Warnings     uint16 `json:"warnings,omitempty"`

	// Err fields.
	ErrorCode uint16 `json:"error_code,omitempty"`
	SQLState  string `json:"sql_state,omitempty"`
	Message   string `json:"message,omitempty"`
}

// MysqlTrace is a complete MySQL COM_QUERY round-trip.
type MysqlTrace struct {
	SpanID       SpanID  `json:"span_id"`
	TraceID      TraceID `json:"trace_id"`
	ParentSpanID *SpanID `json:"parent_span_id,omitempty"`

	Query    string        `json:"query"`
	Response MysqlResponse `json:"response"`

	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`

	DestAddr string `json:"dest_addr,omitempty"`
	DBName   string `json:"db_name,omitempty"`
}

// MysqlStore persists MysqlTrace records.
type MysqlStore interface {
	Insert(t *MysqlTrace) error
	GetBySpanID(id SpanID) (*MysqlTrace, error)
	ListRecent(limit, offset int) ([]*MysqlTrace, error)
	SearchByQuery(pattern string, limit int) ([]*MysqlTrace, error)
	Count() (uint64, error)
}
