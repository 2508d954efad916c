package discovery

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"rotaproxy/internal/shared/logger"
	"rotaproxy/internal/shared/types"
	"rotaproxy/proxypool/model"
)

const scrapeUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"

// TextListSource fetches a remote endpoint returning newline-delimited
// "host:port" text, the format used by most free proxy list mirrors.
type TextListSource struct {
	profile *types.SourceProfile
	client  *http.Client
}

// NewTextListSource creates a text list source for the profile URL.
func NewTextListSource(profile *types.SourceProfile) *TextListSource {
	return &TextListSource{
		profile: profile,
		client: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

func (s *TextListSource) Name() string {
	return s.profile.Name
}

func (s *TextListSource) Fetch(ctx context.Context) ([]*model.ProxyRecord, error) {
	l := logger.WithComponent("ProxyPool/Discovery")
	l.Info().Str("source", s.Name()).Msg("Starting fetch...")

	protocol, err := model.ParseProtocol(s.profile.Protocol)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.profile.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", s.Name(), err)
	}
	req.Header.Set("User-Agent", scrapeUserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch list for %s: %w", s.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code (%d) from %s", resp.StatusCode, s.Name())
	}

	var records []*model.ProxyRecord
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		host, port, err := ParseHostPort(line)
		if err != nil {
			l.Debug().Err(err).Str("source", s.Name()).Msg("Skipping malformed line.")
			continue
		}
		records = append(records, &model.ProxyRecord{
			Host:      host,
			Port:      port,
			Protocol:  protocol,
			Source:    s.Name(),
			Country:   s.profile.Country,
			FirstSeen: time.Now(),
		})
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("reading list from %s: %w", s.Name(), err)
	}

	l.Info().Int("count", len(records)).Str("source", s.Name()).Msg("Fetch finished.")
	return records, nil
}
