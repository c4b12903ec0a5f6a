package capture

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epli2/phantom/pkg/cert"
	"github.com/epli2/phantom/pkg/trace"
)

func TestHeadersToMapLowercasesAndKeepsLast(t *testing.T) {
	h := http.Header{}
	h.Add("Content-Type", "text/plain")
	h.Add("X-Multi", "first")
	h.Add("X-Multi", "second")

	m := headersToMap(h)
	assert.Equal(t, "text/plain", m["content-type"])
	assert.Equal(t, "second", m["x-multi"])
	_, hasUpper := m["Content-Type"]
	assert.False(t, hasUpper)
}

func TestTruncateBody(t *testing.T) {
	assert.Nil(t, truncateBody(nil, 10))
	assert.Nil(t, truncateBody([]byte{}, 10))
	assert.Equal(t, []byte("abc"), truncateBody([]byte("abc"), 10))
	assert.Len(t, truncateBody(make([]byte, 100), 10), 10)
}

func TestReconstructURL(t *testing.T) {
	abs, err := http.NewRequest("GET", "http://example.com/path?q=1", nil)
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/path?q=1", reconstructURL(abs, "http", ""))

	origin := httptest.NewRequest("GET", "/x", nil)
	origin.Host = "example:443"
	assert.Equal(t, "https://example/x", reconstructURL(origin, "https", "example:443"))

	nonDefault := httptest.NewRequest("GET", "/y", nil)
	nonDefault.Host = "example:8443"
	assert.Equal(t, "https://example:8443/y", reconstructURL(nonDefault, "https", "example:8443"))
}

func startProxy(t *testing.T) (*ProxyBackend, <-chan *trace.HttpTrace) {
	t.Helper()
	ca, err := cert.NewCA(t.TempDir())
	require.NoError(t, err)
	backend := NewProxyBackend(0, ca)
	traces, err := backend.Start()
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Stop() })
	return backend, traces
}

func proxyClient(t *testing.T, backend *ProxyBackend, tlsConfig *tls.Config) *http.Client {
	t.Helper()
	proxyURL, err := url.Parse("http://" + backend.Addr().String())
	require.NoError(t, err)
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(proxyURL),
			TLSClientConfig: tlsConfig,
		},
	}
}

func TestProxyCapturesPlainHTTPExchange(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"message":"hello"}`)
	}))
	defer upstream.Close()

	backend, traces := startProxy(t)
	client := proxyClient(t, backend, nil)

	resp, err := client.Get(upstream.URL + "/test")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "hello")

	select {
	case tr := <-traces:
		assert.Equal(t, trace.MethodGet, tr.Method)
		assert.Equal(t, uint16(200), tr.StatusCode)
		assert.True(t, strings.HasSuffix(strings.SplitN(tr.URL, "?", 2)[0], "/test"), "url %q", tr.URL)
		assert.Contains(t, string(tr.ResponseBody), "hello")
		assert.Equal(t, "application/json", tr.ResponseHeaders["content-type"])
		assert.GreaterOrEqual(t, tr.Duration, time.Duration(0))
	case <-time.After(2 * time.Second):
		t.Fatal("no trace emitted")
	}
}

func TestProxyCapturesPOSTBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"status":"created"}`)
	}))
	defer upstream.Close()

	backend, traces := startProxy(t)
	client := proxyClient(t, backend, nil)

	resp, err := client.Post(upstream.URL+"/items", "application/json", strings.NewReader(`{"key":"value"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	select {
	case tr := <-traces:
		assert.Equal(t, trace.MethodPost, tr.Method)
		assert.Equal(t, uint16(201), tr.StatusCode)
		assert.Contains(t, string(tr.RequestBody), "key")
		assert.Contains(t, string(tr.ResponseBody), "created")
	case <-time.After(2 * time.Second):
		t.Fatal("no trace emitted")
	}
}

func TestProxyCapturesHTTPSThroughConnect(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"secure":true}`)
	}))
	defer upstream.Close()

	backend, traces := startProxy(t)

	// The proxy's upstream client must trust the test server's certificate.
	upstreamPool := x509.NewCertPool()
	upstreamPool.AddCert(upstream.Certificate())
	backend.client.Transport = &http.Transport{
		DisableCompression: true,
		TLSClientConfig:    &tls.Config{RootCAs: upstreamPool},
	}

	// The test client must trust the phantom CA presented by the MITM.
	caPEM, err := os.ReadFile(backend.ca.CACertPath())
	require.NoError(t, err)
	phantomPool := x509.NewCertPool()
	require.True(t, phantomPool.AppendCertsFromPEM(caPEM))

	client := proxyClient(t, backend, &tls.Config{RootCAs: phantomPool})

	resp, err := client.Get(upstream.URL + "/x")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Contains(t, string(body), "secure")

	select {
	case tr := <-traces:
		assert.Equal(t, trace.MethodGet, tr.Method)
		assert.Equal(t, uint16(200), tr.StatusCode)
		assert.True(t, strings.HasPrefix(tr.URL, "https://"), "url %q", tr.URL)
	case <-time.After(2 * time.Second):
		t.Fatal("no trace emitted")
	}
}

func TestProxySequentialRequestsPreserveOrder(t *testing.T) {
	var bodies []string
	for i := 1; i <= 3; i++ {
		bodies = append(bodies, fmt.Sprintf(`{"n":%d}`, i))
	}
	servers := make([]*httptest.Server, 3)
	for i := range servers {
		body := bodies[i]
		servers[i] = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, body)
		}))
		defer servers[i].Close()
	}

	backend, traces := startProxy(t)
	client := proxyClient(t, backend, nil)

	for i := range servers {
		resp, err := client.Get(servers[i].URL + "/seq")
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	for i := 0; i < 3; i++ {
		select {
		case tr := <-traces:
			assert.Contains(t, string(tr.ResponseBody), bodies[i])
		case <-time.After(2 * time.Second):
			t.Fatalf("trace %d not emitted", i)
		}
	}
}
