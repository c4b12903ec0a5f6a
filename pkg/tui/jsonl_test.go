package tui

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epli2/phantom/pkg/storage"
	"github.com/epli2/phantom/pkg/trace"
)

func TestJSONLRecordShape(t *testing.T) {
	tr := appTrace("http://example.com/a?x=1")
	tr.RequestHeaders = map[string]string{"host": "example.com"}
	tr.ResponseHeaders = map[string]string{"content-type": "application/json"}
	tr.ResponseBody = []byte(`{"ok":true}`)
	tr.Duration = 250 * time.Millisecond

	data, err := json.Marshal(toJSONLRecord(tr))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, tr.SpanID.String(), decoded["span_id"])
	assert.Equal(t, tr.TraceID.String(), decoded["trace_id"])
	assert.Equal(t, "GET", decoded["method"])
	assert.Equal(t, float64(200), decoded["status_code"])
	assert.Equal(t, `{"ok":true}`, decoded["response_body"])
	assert.Equal(t, float64(250), decoded["duration_ms"])
	headers := decoded["response_headers"].(map[string]any)
	assert.Equal(t, "application/json", headers["content-type"])
}

func TestRunJSONLPersistsAndStreams(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	traces := make(chan *trace.HttpTrace, 4)
	var out bytes.Buffer

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- RunJSONL(ctx, &out, store, store.Mysql(), traces, nil)
	}()

	first := appTrace("http://example.com/1")
	second := appTrace("http://example.com/2")
	traces <- first
	traces <- second

	require.Eventually(t, func() bool {
		n, err := store.Count()
		return err == nil && n == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	scanner := bufio.NewScanner(&out)
	var urls []string
	for scanner.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		urls = append(urls, rec["url"].(string))
	}
	assert.Equal(t, []string{"http://example.com/1", "http://example.com/2"}, urls)

	stored, err := store.GetBySpanID(first.SpanID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, first.URL, stored.URL)
}
