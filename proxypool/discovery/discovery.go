package discovery

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"rotaproxy/internal/shared/logger"
	"rotaproxy/proxypool/model"
)

// Source yields candidate proxy endpoints from one configured origin.
// Implementations only fetch and parse; validation of the endpoints
// themselves is the health checker's job.
type Source interface {
	// Fetch returns the raw candidate records of this source.
	Fetch(ctx context.Context) ([]*model.ProxyRecord, error)

	// Name returns the provider tag of the source, used for logging and
	// the per-record source attribution.
	Name() string
}

// SourceFetchError wraps the failure of a single source. It is logged and
// absorbed; it never fails a whole discovery batch.
type SourceFetchError struct {
	Source string
	Err    error
}

func (e *SourceFetchError) Error() string {
	return fmt.Sprintf("source %s: %v", e.Source, e.Err)
}

func (e *SourceFetchError) Unwrap() error { return e.Err }

var hostnameRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)

// ValidEndpoint reports whether host is a syntactically valid IP address
// or hostname and port is inside [1, 65535].
func ValidEndpoint(host string, port int) bool {
	if port < 1 || port > 65535 {
		return false
	}
	if host == "" {
		return false
	}
	if net.ParseIP(host) != nil {
		return true
	}
	// Digits-and-dots that fail to parse as an IP ("999.999.999.999") are
	// malformed addresses, not hostnames.
	if strings.Trim(host, "0123456789.") == "" {
		return false
	}
	return hostnameRe.MatchString(host)
}

// ParseHostPort splits and validates a raw "host:port" entry.
func ParseHostPort(entry string) (string, int, error) {
	trimmed := strings.TrimSpace(entry)
	if trimmed == "" {
		return "", 0, fmt.Errorf("empty entry")
	}
	host, portStr, err := net.SplitHostPort(trimmed)
	if err != nil {
		return "", 0, fmt.Errorf("malformed entry %q: %w", trimmed, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", trimmed, err)
	}
	if !ValidEndpoint(host, port) {
		return "", 0, fmt.Errorf("invalid endpoint %q", trimmed)
	}
	return host, port, nil
}

// Discover fans out over all sources concurrently, collects their
// candidates, and returns a deduplicated batch. A failing source is
// reported through the returned error list and does not abort the batch.
func Discover(ctx context.Context, sources []Source) ([]*model.ProxyRecord, []error) {
	l := logger.WithComponent("ProxyPool/Discovery")

	var wg sync.WaitGroup
	type result struct {
		records []*model.ProxyRecord
		err     error
		source  string
	}
	resultsChan := make(chan result, len(sources))

	for _, s := range sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			records, err := src.Fetch(ctx)
			resultsChan <- result{records: records, err: err, source: src.Name()}
		}(s)
	}

	wg.Wait()
	close(resultsChan)

	merged := make(map[string]*model.ProxyRecord)
	order := make([]string, 0)
	var errs []error
	for res := range resultsChan {
		if res.err != nil {
			sfe := &SourceFetchError{Source: res.source, Err: res.err}
			l.Warn().Err(res.err).Str("source", res.source).Msg("Source fetch failed, continuing with remaining sources.")
			errs = append(errs, sfe)
			continue
		}
		for _, r := range res.records {
			if !ValidEndpoint(r.Host, r.Port) {
				l.Debug().Str("host", r.Host).Int("port", r.Port).Str("source", res.source).Msg("Discarding malformed endpoint.")
				continue
			}
			if r.Source == "" {
				r.Source = res.source
			}
			if r.FirstSeen.IsZero() {
				r.FirstSeen = time.Now()
			}
			key := r.Key()
			if existing, ok := merged[key]; ok {
				// Most recently seen metadata wins on conflict.
				existing.MergeFrom(r)
				continue
			}
			merged[key] = r
			order = append(order, key)
		}
	}

	out := make([]*model.ProxyRecord, 0, len(merged))
	for _, key := range order {
		out = append(out, merged[key])
	}

	l.Info().Int("sources", len(sources)).Int("records", len(out)).Int("failed_sources", len(errs)).Msg("Discovery batch finished.")
	return out, errs
}
