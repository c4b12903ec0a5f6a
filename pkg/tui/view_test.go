package tui

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epli2/phantom/pkg/trace"
)

func TestStatusColorBuckets(t *testing.T) {
	assert.Equal(t, colorGreen, statusColor(200))
	assert.Equal(t, colorGreen, statusColor(299))
	assert.Equal(t, colorYellow, statusColor(301))
	assert.Equal(t, colorRed, statusColor(404))
	assert.Equal(t, colorMagenta, statusColor(503))
	assert.Equal(t, colorWhite, statusColor(0))
}

func TestTruncateURLStripsSchemeAndEllipsizes(t *testing.T) {
	assert.Equal(t, "example.com/a", truncateURL("https://example.com/a", 30))
	assert.Equal(t, "example.com/a", truncateURL("http://example.com/a", 30))

	long := "https://example.com/" + strings.Repeat("x", 50)
	out := truncateURL(long, 30)
	assert.Equal(t, 30, len([]rune(out)))
	assert.True(t, strings.HasSuffix(out, "…"))
}

func TestRenderBodyLines(t *testing.T) {
	jsonLines := renderBodyLines([]byte(`{"a":1,"b":2}`))
	require.NotEmpty(t, jsonLines)
	assert.Contains(t, strings.Join(jsonLines, "\n"), "\"a\": 1")

	textLines := renderBodyLines([]byte("plain text\nsecond line"))
	assert.Len(t, textLines, 2)

	binLines := renderBodyLines([]byte{0xff, 0xfe, 0x00})
	require.Len(t, binLines, 1)
	assert.Contains(t, binLines[0], "<binary, 3 bytes>")

	many := strings.Repeat("line\n", 100)
	assert.Len(t, renderBodyLines([]byte(strings.TrimSuffix(many, "\n"))), maxBodyLines)
}

func TestRenderFrameSmoke(t *testing.T) {
	app := NewApp("proxy")
	app.AddTrace(&trace.HttpTrace{
		SpanID:          trace.NewSpanID(),
		TraceID:         trace.NewTraceID(),
		Method:          trace.MethodGet,
		URL:             "https://api.example.com/users",
		StatusCode:      200,
		RequestHeaders:  map[string]string{"host": "api.example.com"},
		ResponseHeaders: map[string]string{"content-type": "application/json"},
		ResponseBody:    []byte(`{"ok":true}`),
		Timestamp:       time.Now(),
		Duration:        12 * time.Millisecond,
		ProtocolVersion: "HTTP/1.1",
	})

	frame := render(app, 120, 40, "")
	assert.Contains(t, frame, "phantom")
	assert.Contains(t, frame, "api.example.com/users")
	assert.Contains(t, frame, "proxy")

	app.SwitchTab(TabMysql)
	frame = render(app, 120, 40, "")
	assert.Contains(t, frame, "MySQL Queries")

	assert.Equal(t, "terminal too small", render(app, 10, 5, ""))
}

func TestVisibleStartScrolling(t *testing.T) {
	assert.Equal(t, 0, visibleStart(0, 100, 10))
	assert.Equal(t, 0, visibleStart(5, 100, 10))
	assert.Equal(t, 11, visibleStart(20, 100, 10))
	assert.Equal(t, 90, visibleStart(99, 100, 10))
	assert.Equal(t, 0, visibleStart(3, 5, 10))
}
