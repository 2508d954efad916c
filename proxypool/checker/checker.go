package checker

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/proxy"
	"h12.io/socks"

	"rotaproxy/internal/shared/logger"
	"rotaproxy/proxypool/model"
)

// Default echo endpoints that report the caller's apparent IP as JSON.
// The checker rotates through them so a single endpoint outage or ban
// does not poison the whole pool.
var defaultEchoEndpoints = []string{
	"https://api.ipify.org?format=json",
	"https://httpbin.org/ip",
	"https://api.myip.com",
}

const defaultHeaderEndpoint = "https://httpbin.org/headers"

// Options configures a Checker.
type Options struct {
	Timeout        time.Duration
	Concurrency    int
	EchoEndpoints  []string
	HeaderEndpoint string
	GeoLookup      bool
}

// Result is the outcome of validating one record. The checker never
// mutates records; the pool manager folds results into shared state.
type Result struct {
	Record    *model.ProxyRecord
	Success   bool
	Latency   time.Duration
	Anonymity model.AnonymityLevel
	Country   string
	Region    string
	City      string
	Reason    string
}

// Checker performs bounded-concurrency connectivity and anonymity probes
// through candidate proxies.
type Checker struct {
	timeout        time.Duration
	concurrency    int
	echoEndpoints  []string
	headerEndpoint string
	geoLookup      bool
	geoClient      *http.Client

	echoIndex uint32

	localIPOnce sync.Once
	localIP     string
}

// New creates a Checker. Zero option fields get working defaults.
func New(opts Options) *Checker {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if len(opts.EchoEndpoints) == 0 {
		opts.EchoEndpoints = defaultEchoEndpoints
	}
	if opts.HeaderEndpoint == "" {
		opts.HeaderEndpoint = defaultHeaderEndpoint
	}
	return &Checker{
		timeout:        opts.Timeout,
		concurrency:    opts.Concurrency,
		echoEndpoints:  opts.EchoEndpoints,
		headerEndpoint: opts.HeaderEndpoint,
		geoLookup:      opts.GeoLookup,
		geoClient: &http.Client{
			Timeout: geoAPITimeout,
		},
	}
}

// Validate probes all records with at most the configured number of
// probes in flight and returns one result per record. Cancelling ctx
// stops not-yet-started probes; in-flight probes finish or time out on
// their own deadline. Each record gets exactly one result per call.
func (c *Checker) Validate(ctx context.Context, records []*model.ProxyRecord) []Result {
	l := logger.WithComponent("ProxyPool/Checker")
	if len(records) == 0 {
		return nil
	}

	l.Info().Int("count", len(records)).Int("concurrency", c.concurrency).Msg("Starting validation batch...")

	var wg sync.WaitGroup
	resultsChan := make(chan Result, len(records))
	semaphore := make(chan struct{}, c.concurrency)

	for _, rec := range records {
		select {
		case <-ctx.Done():
			resultsChan <- Result{Record: rec, Success: false, Reason: "cancelled"}
			continue
		case semaphore <- struct{}{}:
		}

		wg.Add(1)
		go func(r *model.ProxyRecord) {
			defer wg.Done()
			defer func() { <-semaphore }()
			resultsChan <- c.probe(ctx, r)
		}(rec)
	}

	wg.Wait()
	close(resultsChan)

	results := make([]Result, 0, len(records))
	for res := range resultsChan {
		results = append(results, res)
	}

	l.Info().Int("count", len(results)).Msg("Validation batch finished.")
	return results
}

// probe runs the connectivity probe and, when it succeeds, the secondary
// anonymity probe and the geo lookup.
func (c *Checker) probe(ctx context.Context, rec *model.ProxyRecord) Result {
	res := Result{Record: rec, Anonymity: model.AnonymityUnknown}

	client, err := c.clientFor(rec)
	if err != nil {
		res.Reason = fmt.Sprintf("client setup: %v", err)
		return res
	}
	defer client.CloseIdleConnections()

	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	reportedIP, reason := c.fetchReportedIP(probeCtx, client)
	if reason != "" {
		res.Reason = reason
		return res
	}
	res.Latency = time.Since(start)

	if ip := net.ParseIP(reportedIP); ip != nil && (ip.IsLoopback() || ip.IsUnspecified()) {
		res.Reason = "echo reported loopback address"
		return res
	}
	if local := c.getLocalIP(ctx); local != "" && reportedIP == local {
		// The "proxy" silently passed the request through without
		// masking anything.
		res.Reason = "echo reported local address"
		return res
	}

	res.Success = true
	res.Anonymity = c.probeAnonymity(ctx, client)

	if c.geoLookup {
		res.Country, res.Region, res.City = c.fetchGeoInfo(rec.Host)
	}
	return res
}

// echoResponse tolerates the field names used by the common IP echo
// services.
type echoResponse struct {
	Origin string `json:"origin"`
	IP     string `json:"ip"`
	Query  string `json:"query"`
}

func (c *Checker) fetchReportedIP(ctx context.Context, client *http.Client) (string, string) {
	endpoint := c.nextEchoEndpoint()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Sprintf("request setup: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", failureReason(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Sprintf("non-2xx status: %d", resp.StatusCode)
	}

	var echo echoResponse
	if err := json.NewDecoder(resp.Body).Decode(&echo); err != nil {
		return "", "malformed response body"
	}

	reported := firstNonEmpty(echo.Origin, echo.IP, echo.Query)
	if reported == "" {
		return "", "malformed response body"
	}
	// httpbin reports chained proxies as "ip1, ip2".
	if idx := strings.IndexByte(reported, ','); idx >= 0 {
		reported = strings.TrimSpace(reported[:idx])
	}
	return reported, ""
}

// headersResponse matches httpbin-style header echo bodies.
type headersResponse struct {
	Headers map[string]string `json:"headers"`
}

// forwarding headers expose that a proxy is involved; revealing headers
// additionally leak the client address.
var (
	forwardingHeaders = []string{"X-Forwarded-For", "Forwarded"}
	revealingHeaders  = []string{"Via", "X-Real-Ip", "X-Real-IP", "Proxy-Connection", "X-Proxy-Id"}
)

// probeAnonymity asks a header-echo endpoint which headers arrived and
// classifies the proxy. Failures leave the level unknown; the record is
// still considered validated.
func (c *Checker) probeAnonymity(ctx context.Context, client *http.Client) model.AnonymityLevel {
	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.headerEndpoint, nil)
	if err != nil {
		return model.AnonymityUnknown
	}

	resp, err := client.Do(req)
	if err != nil {
		return model.AnonymityUnknown
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return model.AnonymityUnknown
	}

	var hr headersResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		return model.AnonymityUnknown
	}

	seen := make(map[string]bool, len(hr.Headers))
	for name := range hr.Headers {
		seen[strings.ToLower(name)] = true
	}

	for _, h := range revealingHeaders {
		if seen[strings.ToLower(h)] {
			return model.AnonymityTransparent
		}
	}
	for _, h := range forwardingHeaders {
		if seen[strings.ToLower(h)] {
			return model.AnonymityAnonymous
		}
	}
	return model.AnonymityElite
}

func (c *Checker) nextEchoEndpoint() string {
	idx := atomic.AddUint32(&c.echoIndex, 1) - 1
	return c.echoEndpoints[idx%uint32(len(c.echoEndpoints))]
}

// getLocalIP resolves our own apparent IP once, without a proxy, so that
// pass-through "proxies" can be detected. Best effort.
func (c *Checker) getLocalIP(ctx context.Context) string {
	c.localIPOnce.Do(func() {
		directCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		client := &http.Client{Timeout: c.timeout}
		ip, reason := c.fetchReportedIP(directCtx, client)
		if reason != "" {
			l := logger.WithComponent("ProxyPool/Checker")
			l.Debug().Str("reason", reason).Msg("Could not determine local IP, pass-through detection limited to loopback.")
			return
		}
		c.localIP = ip
	})
	return c.localIP
}

// clientFor builds an HTTP client routed through the record's proxy.
func (c *Checker) clientFor(rec *model.ProxyRecord) (*http.Client, error) {
	transport := &http.Transport{
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
		IdleConnTimeout:       c.timeout,
		TLSHandshakeTimeout:   c.timeout / 2,
		ExpectContinueTimeout: 1 * time.Second,
		DisableKeepAlives:     true,
		MaxConnsPerHost:       1,
	}

	dialer := &net.Dialer{
		Timeout:   c.timeout,
		KeepAlive: 30 * time.Second,
	}

	switch rec.Protocol {
	case model.ProtocolHTTP, model.ProtocolHTTPS:
		proxyURL, err := url.Parse(rec.ProxyURL())
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
		transport.DialContext = dialer.DialContext

	case model.ProtocolSOCKS5:
		var auth *proxy.Auth
		if rec.Username != "" {
			auth = &proxy.Auth{User: rec.Username, Password: rec.Password}
		}
		socksDialer, err := proxy.SOCKS5("tcp", rec.Addr(), auth, dialer)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		transport.DialContext = socksDialer.(proxy.ContextDialer).DialContext

	case model.ProtocolSOCKS4:
		dialFunc := socks.Dial(fmt.Sprintf("socks4://%s?timeout=%s", rec.Addr(), c.timeout))
		transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
			return dialFunc(network, addr)
		}

	default:
		return nil, fmt.Errorf("unsupported protocol: %s", rec.Protocol)
	}

	return &http.Client{
		Transport: transport,
		Timeout:   c.timeout,
	}, nil
}

// failureReason maps transport errors to stable reason strings.
func failureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case strings.Contains(err.Error(), "context deadline exceeded"),
		strings.Contains(err.Error(), "Client.Timeout"):
		return "timeout"
	case strings.Contains(err.Error(), "connection refused"):
		return "connection refused"
	case strings.Contains(err.Error(), "context canceled"):
		return "cancelled"
	default:
		return fmt.Sprintf("request failed: %v", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
