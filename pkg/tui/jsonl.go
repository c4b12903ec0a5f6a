package tui

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/epli2/phantom/pkg/logger"
	"github.com/epli2/phantom/pkg/trace"
)

// jsonlRecord is the machine-readable form of one HTTP trace: ids as hex
// strings, bodies as best-effort UTF-8 text, headers with lowercase keys.
type jsonlRecord struct {
	SpanID          string            `json:"span_id"`
	TraceID         string            `json:"trace_id"`
	ParentSpanID    string            `json:"parent_span_id,omitempty"`
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	StatusCode      uint16            `json:"status_code"`
	ProtocolVersion string            `json:"protocol_version"`
	RequestHeaders  map[string]string `json:"request_headers"`
	ResponseHeaders map[string]string `json:"response_headers"`
	RequestBody     string            `json:"request_body,omitempty"`
	ResponseBody    string            `json:"response_body,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
	DurationMs      int64             `json:"duration_ms"`
	SourceAddr      string            `json:"source_addr,omitempty"`
	DestAddr        string            `json:"dest_addr,omitempty"`
}

// jsonlMysqlRecord is the machine-readable form of one MySQL trace.
type jsonlMysqlRecord struct {
	MsgType    string              `json:"msg_type"`
	SpanID     string              `json:"span_id"`
	TraceID    string              `json:"trace_id"`
	Query      string              `json:"query"`
	Response   trace.MysqlResponse `json:"response"`
	Timestamp  time.Time           `json:"timestamp"`
	DurationMs int64               `json:"duration_ms"`
	DestAddr   string              `json:"dest_addr,omitempty"`
	DBName     string              `json:"db_name,omitempty"`
}

func toJSONLRecord(t *trace.HttpTrace) *jsonlRecord {
	rec := &jsonlRecord{
		SpanID:          t.SpanID.String(),
		TraceID:         t.TraceID.String(),
		Method:          string(t.Method),
		URL:             t.URL,
		StatusCode:      t.StatusCode,
		ProtocolVersion: t.ProtocolVersion,
		RequestHeaders:  t.RequestHeaders,
		ResponseHeaders: t.ResponseHeaders,
		RequestBody:     string(t.RequestBody),
		ResponseBody:    string(t.ResponseBody),
		Timestamp:       t.Timestamp,
		DurationMs:      t.Duration.Milliseconds(),
		SourceAddr:      t.SourceAddr,
		DestAddr:        t.DestAddr,
	}
	if t.ParentSpanID != nil {
		rec.ParentSpanID = t.ParentSpanID.String()
	}
	return rec
}

func toJSONLMysqlRecord(t *trace.MysqlTrace) *jsonlMysqlRecord {
	return &jsonlMysqlRecord{
		MsgType:    "mysql",
		SpanID:     t.SpanID.String(),
		TraceID:    t.TraceID.String(),
		Query:      t.Query,
		Response:   t.Response,
		Timestamp:  t.Timestamp,
		DurationMs: t.Duration.Milliseconds(),
		DestAddr:   t.DestAddr,
		DBName:     t.DBName,
	}
}

// RunJSONL replaces the interactive viewer: every captured trace is
// persisted and written to out as one JSON object per line. Returns when
// ctx is cancelled.
func RunJSONL(
	ctx context.Context,
	out io.Writer,
	store trace.TraceStore,
	mysqlStore trace.MysqlStore,
	traces <-chan *trace.HttpTrace,
	mysql <-chan *trace.MysqlTrace,
) error {
	log := logger.WithComponent("jsonl")
	enc := json.NewEncoder(out)

	// A nil MySQL channel must never be selected.
	mysqlCh := mysql
	if mysqlCh == nil {
		mysqlCh = make(chan *trace.MysqlTrace)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case t := <-traces:
			if err := store.Insert(t); err != nil {
				log.Warn().Err(err).Msg("failed to persist trace")
			}
			if err := enc.Encode(toJSONLRecord(t)); err != nil {
				return err
			}

		case t := <-mysqlCh:
			if mysqlStore != nil {
				if err := mysqlStore.Insert(t); err != nil {
					log.Warn().Err(err).Msg("failed to persist mysql trace")
				}
			}
			if err := enc.Encode(toJSONLMysqlRecord(t)); err != nil {
				return err
			}
		}
	}
}
