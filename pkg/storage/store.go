// Package storage persists trace records in an embedded badger LSM tree.
//
// A single database holds every logical partition, distinguished by a
// one-byte key prefix. Large trace payloads live in badger's value log
// rather than the LSM itself, keeping index compaction cheap.
package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/rs/zerolog"

	"github.com/epli2/phantom/pkg/logger"
	"github.com/epli2/phantom/pkg/trace"
)

// Key prefixes for the logical partitions.
const (
	prefixTraces    = 't' // span_id → serialized HttpTrace
	prefixByTime    = 'b' // timestamp_ns_be ∥ span_id → span_id
	prefixByTraceID = 'i' // trace_id ∥ span_id → span_id

	prefixMysqlTraces = 'm' // span_id → serialized MysqlTrace
	prefixMysqlByTime = 'y' // timestamp_ns_be ∥ span_id → span_id
)

// Store is a badger-backed trace store. It implements both
// trace.TraceStore and trace.MysqlStore over one database.
type Store struct {
	db  *badger.DB
	log zerolog.Logger
}

var _ trace.TraceStore = (*Store)(nil)
var _ trace.MysqlStore = (*mysqlView)(nil)

// Open creates or opens the trace database rooted at dir.
//
// Only one Store per directory may be open at a time.
func Open(dir string) (*Store, error) {
	log := logger.WithComponent("storage")
	opts := badger.DefaultOptions(dir)
	opts.Logger = badgerLogger{log: log}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", trace.ErrStorageOpen, err)
	}
	return &Store{db: db, log: log}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Mysql returns the MySQL-trace view of this store.
func (s *Store) Mysql() trace.MysqlStore {
	return &mysqlView{s: s}
}

func encodeTimestamp(ts time.Time) [8]byte {
	var buf [8]byte
	nanos := ts.UnixNano()
	if nanos < 0 {
		nanos = 0
	}
	binary.BigEndian.PutUint64(buf[:], uint64(nanos))
	return buf
}

func traceKey(prefix byte, spanID trace.SpanID) []byte {
	return append([]byte{prefix}, spanID[:]...)
}

// timeKey builds `{prefix}{timestamp_be 8B}{span_id 8B}` so that
// lexicographic order equals chronological order.
func timeKey(prefix byte, ts time.Time, spanID trace.SpanID) []byte {
	stamp := encodeTimestamp(ts)
	key := make([]byte, 0, 17)
	key = append(key, prefix)
	key = append(key, stamp[:]...)
	return append(key, spanID[:]...)
}

// traceIDKey builds `{prefix}{trace_id 16B}{span_id 8B}`, grouping all
// spans of one trace under a common prefix.
func traceIDKey(traceID trace.TraceID, spanID trace.SpanID) []byte {
	key := make([]byte, 0, 25)
	key = append(key, prefixByTraceID)
	key = append(key, traceID[:]...)
	return append(key, spanID[:]...)
}

// Insert stores t and its index entries in a single transaction. A failed
// insert leaves the store unchanged.
func (s *Store) Insert(t *trace.HttpTrace) error {
	serialized, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("%w: %v", trace.ErrSerialization, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(traceKey(prefixTraces, t.SpanID), serialized); err != nil {
			return err
		}
		if err := txn.Set(timeKey(prefixByTime, t.Timestamp, t.SpanID), t.SpanID.Bytes()); err != nil {
			return err
		}
		return txn.Set(traceIDKey(t.TraceID, t.SpanID), t.SpanID.Bytes())
	})
	if err != nil {
		return fmt.Errorf("%w: %v", trace.ErrStorageWrite, err)
	}
	return nil
}

// GetBySpanID looks up a trace in the primary partition.
func (s *Store) GetBySpanID(id trace.SpanID) (*trace.HttpTrace, error) {
	var result *trace.HttpTrace
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		result, err = getTraceTxn(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func getTraceTxn(txn *badger.Txn, id trace.SpanID) (*trace.HttpTrace, error) {
	item, err := txn.Get(traceKey(prefixTraces, id))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", trace.ErrStorageRead, err)
	}
	var t trace.HttpTrace
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &t)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", trace.ErrSerialization, err)
	}
	return &t, nil
}

// ListRecent iterates the time index newest first, skipping offset entries
// and resolving up to limit records. Index entries whose primary record is
// missing are skipped; that can happen for reads racing a compaction.
func (s *Store) ListRecent(limit, offset int) ([]*trace.HttpTrace, error) {
	results := make([]*trace.HttpTrace, 0, limit)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte{prefixByTime}
		skipped := 0
		for it.Seek(seekLast(prefixByTime)); it.ValidForPrefix(prefix); it.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			if len(results) >= limit {
				break
			}
			spanID, err := spanIDFromIndexValue(it.Item())
			if err != nil {
				return err
			}
			t, err := getTraceTxn(txn, spanID)
			if err != nil {
				return err
			}
			if t != nil {
				results = append(results, t)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// ListByTraceID prefix-scans the trace-id index and resolves each span.
func (s *Store) ListByTraceID(id trace.TraceID) ([]*trace.HttpTrace, error) {
	var results []*trace.HttpTrace
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := append([]byte{prefixByTraceID}, id[:]...)
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			spanID, err := spanIDFromIndexValue(it.Item())
			if err != nil {
				return err
			}
			t, err := getTraceTxn(txn, spanID)
			if err != nil {
				return err
			}
			if t != nil {
				results = append(results, t)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// SearchByURL scans traces newest first and keeps those whose URL contains
// pattern, case-insensitively. A full scan is acceptable for bounded local
// datasets.
func (s *Store) SearchByURL(pattern string, limit int) ([]*trace.HttpTrace, error) {
	needle := strings.ToLower(pattern)
	var results []*trace.HttpTrace
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte{prefixByTime}
		for it.Seek(seekLast(prefixByTime)); it.ValidForPrefix(prefix); it.Next() {
			if len(results) >= limit {
				break
			}
			spanID, err := spanIDFromIndexValue(it.Item())
			if err != nil {
				return err
			}
			t, err := getTraceTxn(txn, spanID)
			if err != nil {
				return err
			}
			if t != nil && strings.Contains(strings.ToLower(t.URL), needle) {
				results = append(results, t)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Count reports the number of entries in the primary partition via a
// key-only scan.
func (s *Store) Count() (uint64, error) {
	return s.countPrefix(prefixTraces)
}

func (s *Store) countPrefix(prefix byte) (uint64, error) {
	var n uint64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte{prefix}
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", trace.ErrStorageRead, err)
	}
	return n, nil
}

// seekLast returns a key positioned after every real key of the partition,
// for starting a reverse iteration.
func seekLast(prefix byte) []byte {
	return append([]byte{prefix}, bytes.Repeat([]byte{0xff}, 32)...)
}

func spanIDFromIndexValue(item *badger.Item) (trace.SpanID, error) {
	var spanID trace.SpanID
	err := item.Value(func(val []byte) error {
		if len(val) < len(spanID) {
			return fmt.Errorf("%w: invalid span_id in index", trace.ErrStorageRead)
		}
		copy(spanID[:], val)
		return nil
	})
	return spanID, err
}

// badgerLogger adapts badger's logger interface onto zerolog.
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug().Msgf(strings.TrimSpace(format), args...)
}
