package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v2"

	"github.com/epli2/phantom/pkg/trace"
)

// mysqlView exposes the MySQL partitions of a Store as a trace.MysqlStore.
type mysqlView struct {
	s *Store
}

func (v *mysqlView) Insert(t *trace.MysqlTrace) error {
	serialized, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("%w: %v", trace.ErrSerialization, err)
	}

	err = v.s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(traceKey(prefixMysqlTraces, t.SpanID), serialized); err != nil {
			return err
		}
		return txn.Set(timeKey(prefixMysqlByTime, t.Timestamp, t.SpanID), t.SpanID.Bytes())
	})
	if err != nil {
		return fmt.Errorf("%w: %v", trace.ErrStorageWrite, err)
	}
	return nil
}

func (v *mysqlView) GetBySpanID(id trace.SpanID) (*trace.MysqlTrace, error) {
	var result *trace.MysqlTrace
	err := v.s.db.View(func(txn *badger.Txn) error {
		var err error
		result, err = getMysqlTraceTxn(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func getMysqlTraceTxn(txn *badger.Txn, id trace.SpanID) (*trace.MysqlTrace, error) {
	item, err := txn.Get(traceKey(prefixMysqlTraces, id))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", trace.ErrStorageRead, err)
	}
	var t trace.MysqlTrace
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &t)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", trace.ErrSerialization, err)
	}
	return &t, nil
}

func (v *mysqlView) ListRecent(limit, offset int) ([]*trace.MysqlTrace, error) {
	results := make([]*trace.MysqlTrace, 0, limit)
	err := v.s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte{prefixMysqlByTime}
		skipped := 0
		for it.Seek(seekLast(prefixMysqlByTime)); it.ValidForPrefix(prefix); it.Next() {
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
			t, err := getMysqlTraceTxn(txn, spanID)
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

func (v *mysqlView) SearchByQuery(pattern string, limit int) ([]*trace.MysqlTrace, error) {
	needle := strings.ToLower(pattern)
	var results []*trace.MysqlTrace
	err := v.s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte{prefixMysqlByTime}
		for it.Seek(seekLast(prefixMysqlByTime)); it.ValidForPrefix(prefix); it.Next() {
			if len(results) >= limit {
				break
			}
			spanID, err := spanIDFromIndexValue(it.Item())
			if err != nil {
				return err
			}
			t, err := getMysqlTraceTxn(txn, spanID)
			if err != nil {
				return err
			}
			if t != nil && strings.Contains(strings.ToLower(t.Query), needle) {
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

func (v *mysqlView) Count() (uint64, error) {
	return v.s.countPrefix(prefixMysqlTraces)
}
