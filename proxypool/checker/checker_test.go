package checker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rotaproxy/proxypool/model"
)

const (
	proxiedIP = "203.0.113.9"
	directIP  = "198.51.100.77"
)

// echoServer plays both the proxy under test and the echo endpoint. An
// HTTP proxy client sends absolute-form requests, so r.URL.Host tells
// proxied and direct traffic apart.
type echoServer struct {
	*httptest.Server

	// proxiedOrigin is the IP reported to requests arriving through the
	// "proxy". Direct requests always see directIP.
	proxiedOrigin string
	echoHeaders   map[string]string
	ipStatus      int
	ipDelay       time.Duration

	inFlight    int32
	maxInFlight int32
}

func newEchoServer() *echoServer {
	s := &echoServer{
		proxiedOrigin: proxiedIP,
		echoHeaders:   map[string]string{},
		ipStatus:      http.StatusOK,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *echoServer) handle(w http.ResponseWriter, r *http.Request) {
	current := atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)
	for {
		max := atomic.LoadInt32(&s.maxInFlight)
		if current <= max || atomic.CompareAndSwapInt32(&s.maxInFlight, max, current) {
			break
		}
	}

	switch {
	case strings.HasSuffix(r.URL.Path, "/ip"):
		if s.ipDelay > 0 {
			time.Sleep(s.ipDelay)
		}
		if s.ipStatus != http.StatusOK {
			w.WriteHeader(s.ipStatus)
			return
		}
		origin := directIP
		if r.URL.Host != "" {
			origin = s.proxiedOrigin
		}
		json.NewEncoder(w).Encode(map[string]string{"origin": origin})

	case strings.HasSuffix(r.URL.Path, "/headers"):
		json.NewEncoder(w).Encode(map[string]any{"headers": s.echoHeaders})

	default:
		http.NotFound(w, r)
	}
}

func (s *echoServer) record(t *testing.T) *model.ProxyRecord {
	t.Helper()
	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(s.URL, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return &model.ProxyRecord{Host: host, Port: port, Protocol: model.ProtocolHTTP, Source: "test"}
}

func (s *echoServer) checker(concurrency int) *Checker {
	return New(Options{
		Timeout:        2 * time.Second,
		Concurrency:    concurrency,
		EchoEndpoints:  []string{s.URL + "/ip"},
		HeaderEndpoint: s.URL + "/headers",
	})
}

func TestValidateSuccess(t *testing.T) {
	server := newEchoServer()
	defer server.Close()

	rec := server.record(t)
	results := server.checker(2).Validate(context.Background(), []*model.ProxyRecord{rec})
	require.Len(t, results, 1)

	res := results[0]
	assert.Same(t, rec, res.Record)
	assert.True(t, res.Success, "reason: %s", res.Reason)
	assert.Greater(t, res.Latency, time.Duration(0))
	assert.Equal(t, model.AnonymityElite, res.Anonymity, "no revealing headers arrive")
}

func TestAnonymityClassification(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		want    model.AnonymityLevel
	}{
		{"elite", map[string]string{"Accept-Encoding": "gzip"}, model.AnonymityElite},
		{"anonymous", map[string]string{"X-Forwarded-For": "1.2.3.4"}, model.AnonymityAnonymous},
		{"transparent", map[string]string{"Via": "1.1 squid", "X-Forwarded-For": "1.2.3.4"}, model.AnonymityTransparent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := newEchoServer()
			defer server.Close()
			server.echoHeaders = tc.headers

			results := server.checker(1).Validate(context.Background(), []*model.ProxyRecord{server.record(t)})
			require.Len(t, results, 1)
			require.True(t, results[0].Success, "reason: %s", results[0].Reason)
			assert.Equal(t, tc.want, results[0].Anonymity)
		})
	}
}

func TestValidateNon2xx(t *testing.T) {
	server := newEchoServer()
	defer server.Close()
	server.ipStatus = http.StatusServiceUnavailable

	results := server.checker(1).Validate(context.Background(), []*model.ProxyRecord{server.record(t)})
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, "non-2xx status: 503", results[0].Reason)
}

func TestValidateTimeout(t *testing.T) {
	server := newEchoServer()
	defer server.Close()
	server.ipDelay = 300 * time.Millisecond

	c := New(Options{
		Timeout:        50 * time.Millisecond,
		Concurrency:    1,
		EchoEndpoints:  []string{server.URL + "/ip"},
		HeaderEndpoint: server.URL + "/headers",
	})
	results := c.Validate(context.Background(), []*model.ProxyRecord{server.record(t)})
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, "timeout", results[0].Reason)
}

func TestValidateRejectsLoopbackOrigin(t *testing.T) {
	server := newEchoServer()
	defer server.Close()
	server.proxiedOrigin = "127.0.0.1"

	results := server.checker(1).Validate(context.Background(), []*model.ProxyRecord{server.record(t)})
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, "echo reported loopback address", results[0].Reason)
}

func TestValidateRejectsPassThrough(t *testing.T) {
	server := newEchoServer()
	defer server.Close()
	// The "proxy" does not mask the caller at all.
	server.proxiedOrigin = directIP

	results := server.checker(1).Validate(context.Background(), []*model.ProxyRecord{server.record(t)})
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, "echo reported local address", results[0].Reason)
}

func TestValidateConcurrencyBound(t *testing.T) {
	server := newEchoServer()
	defer server.Close()
	server.ipDelay = 20 * time.Millisecond

	const (
		batch       = 20
		concurrency = 4
	)
	records := make([]*model.ProxyRecord, 0, batch)
	for i := 0; i < batch; i++ {
		records = append(records, server.record(t))
	}

	results := server.checker(concurrency).Validate(context.Background(), records)
	require.Len(t, results, batch, "exactly one result per record")
	for _, res := range results {
		assert.True(t, res.Success, "reason: %s", res.Reason)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&server.maxInFlight), int32(concurrency))
}

func TestValidateCancelledContext(t *testing.T) {
	server := newEchoServer()
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	records := []*model.ProxyRecord{server.record(t), server.record(t), server.record(t)}
	results := server.checker(1).Validate(ctx, records)
	require.Len(t, results, len(records))
	for _, res := range results {
		assert.False(t, res.Success)
	}
}

func TestClientForUnsupportedProtocol(t *testing.T) {
	c := New(Options{})
	_, err := c.clientFor(&model.ProxyRecord{Host: "10.0.0.1", Port: 8080, Protocol: model.Protocol("gopher")})
	assert.Error(t, err)
}

func TestEchoEndpointRotation(t *testing.T) {
	c := New(Options{EchoEndpoints: []string{"a", "b", "c"}})
	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		seen[c.nextEchoEndpoint()]++
	}
	assert.Equal(t, map[string]int{"a": 2, "b": 2, "c": 2}, seen)
}

func TestFailureReason(t *testing.T) {
	assert.Equal(t, "", failureReason(nil))
	assert.Equal(t, "timeout", failureReason(fmt.Errorf("Get \"x\": context deadline exceeded")))
	assert.Equal(t, "connection refused", failureReason(fmt.Errorf("dial tcp: connection refused")))
	assert.Equal(t, "cancelled", failureReason(fmt.Errorf("Get \"x\": context canceled")))
	assert.Contains(t, failureReason(fmt.Errorf("boom")), "request failed")
}
