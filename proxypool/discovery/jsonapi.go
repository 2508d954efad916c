package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"rotaproxy/internal/shared/logger"
	"rotaproxy/internal/shared/types"
	"rotaproxy/proxypool/model"
)

const maxAPIResponseBytes = 8 << 20

// apiProxyEntry is the structured shape returned by provider APIs.
type apiProxyEntry struct {
	Host     string `json:"host"`
	IP       string `json:"ip"` // some providers use "ip" instead of "host"
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Country  string `json:"country"`
	Region   string `json:"region"`
	City     string `json:"city"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// apiResponse tolerates both a bare array and a wrapped {"proxies": [...]}.
type apiResponse struct {
	Proxies []apiProxyEntry `json:"proxies"`
}

// JSONAPISource fetches endpoints from a provider API returning a
// structured JSON list, optionally authenticated with a bearer token.
type JSONAPISource struct {
	profile *types.SourceProfile
	client  *http.Client
}

// NewJSONAPISource creates an API source for the profile URL.
func NewJSONAPISource(profile *types.SourceProfile) *JSONAPISource {
	return &JSONAPISource{
		profile: profile,
		client: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

func (s *JSONAPISource) Name() string {
	return s.profile.Name
}

func (s *JSONAPISource) Fetch(ctx context.Context) ([]*model.ProxyRecord, error) {
	l := logger.WithComponent("ProxyPool/Discovery")
	l.Info().Str("source", s.Name()).Msg("Starting API fetch...")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.profile.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", s.Name(), err)
	}
	req.Header.Set("Accept", "application/json")
	if s.profile.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.profile.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed for %s: %w", s.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code (%d) from %s", resp.StatusCode, s.Name())
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading API response from %s: %w", s.Name(), err)
	}

	// Providers disagree on the envelope; accept a bare array or a
	// wrapped {"proxies": [...]} object.
	var entries []apiProxyEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		var wrapped apiResponse
		if err2 := json.Unmarshal(body, &wrapped); err2 != nil {
			return nil, fmt.Errorf("malformed API response from %s: %w", s.Name(), err)
		}
		entries = wrapped.Proxies
	}

	records := make([]*model.ProxyRecord, 0, len(entries))
	for _, e := range entries {
		host := e.Host
		if host == "" {
			host = e.IP
		}
		protocolStr := e.Protocol
		if protocolStr == "" {
			protocolStr = s.profile.Protocol
		}
		protocol, err := model.ParseProtocol(protocolStr)
		if err != nil {
			l.Debug().Str("protocol", protocolStr).Str("source", s.Name()).Msg("Unknown protocol in API entry, skipping.")
			continue
		}
		username := e.Username
		password := e.Password
		if username == "" {
			username = s.profile.Username
			password = s.profile.Password
		}
		records = append(records, &model.ProxyRecord{
			Host:      host,
			Port:      e.Port,
			Protocol:  protocol,
			Source:    s.Name(),
			Country:   firstNonEmpty(e.Country, s.profile.Country),
			Region:    e.Region,
			City:      e.City,
			Username:  username,
			Password:  password,
			FirstSeen: time.Now(),
		})
	}

	l.Info().Int("count", len(records)).Str("source", s.Name()).Msg("API fetch finished.")
	return records, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
