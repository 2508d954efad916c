package discovery

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"rotaproxy/internal/shared/logger"
	"rotaproxy/internal/shared/types"
	"rotaproxy/proxypool/model"
)

// HTMLTableSource scrapes a proxy list page laid out as an HTML table
// with IP, port, protocol and country columns (proxydb style).
type HTMLTableSource struct {
	profile *types.SourceProfile
	client  *http.Client
}

// NewHTMLTableSource creates an HTML table source for the profile URL.
func NewHTMLTableSource(profile *types.SourceProfile) *HTMLTableSource {
	return &HTMLTableSource{
		profile: profile,
		client: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

func (s *HTMLTableSource) Name() string {
	return s.profile.Name
}

func (s *HTMLTableSource) Fetch(ctx context.Context) ([]*model.ProxyRecord, error) {
	l := logger.WithComponent("ProxyPool/Discovery")
	l.Info().Str("source", s.Name()).Msg("Starting scrape...")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.profile.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", s.Name(), err)
	}
	req.Header.Set("User-Agent", scrapeUserAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page for %s: %w", s.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code (%d) from %s", resp.StatusCode, s.Name())
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML for %s: %w", s.Name(), err)
	}

	var records []*model.ProxyRecord
	doc.Find("table tbody tr").Each(func(_ int, sel *goquery.Selection) {
		host := strings.TrimSpace(sel.Find("td").Eq(0).Text())
		portStr := strings.TrimSpace(sel.Find("td").Eq(1).Text())
		if host == "" || portStr == "" {
			return
		}

		port, err := strconv.Atoi(portStr)
		if err != nil {
			l.Debug().Str("host", host).Str("port", portStr).Str("source", s.Name()).Msg("Failed to parse port, skipping row.")
			return
		}

		protocolStr := strings.TrimSpace(sel.Find("td").Eq(2).Text())
		if protocolStr == "" {
			protocolStr = s.profile.Protocol
		}
		protocol, err := model.ParseProtocol(protocolStr)
		if err != nil {
			l.Debug().Str("protocol", protocolStr).Str("source", s.Name()).Msg("Unknown protocol, skipping row.")
			return
		}

		country := strings.TrimSpace(sel.Find("td").Eq(3).Text())
		if country == "" {
			country = s.profile.Country
		}

		records = append(records, &model.ProxyRecord{
			Host:      host,
			Port:      port,
			Protocol:  protocol,
			Source:    s.Name(),
			Country:   country,
			FirstSeen: time.Now(),
		})
	})

	l.Info().Int("count", len(records)).Str("source", s.Name()).Msg("Scrape finished.")
	return records, nil
}
