package discovery

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"rotaproxy/internal/shared/logger"
	"rotaproxy/internal/shared/types"
	"rotaproxy/proxypool/model"
)

// SpysSource scrapes list pages that embed their proxy table as a JSON
// array inside an inline script variable, which plain table scraping
// cannot reach.
type SpysSource struct {
	profile *types.SourceProfile
}

// tempSpysProxy is the temporary structure for the embedded JSON list.
type tempSpysProxy struct {
	IP       string `json:"ip"`
	Port     string `json:"port"`
	Protocol string `json:"protocol"`
	Country  string `json:"country"`
}

var embeddedListRe = regexp.MustCompile(`(var|let|const)\s+proxyList\s*=\s*(\[.*?\]);`)

// NewSpysSource creates a collector-backed source for the profile URL.
func NewSpysSource(profile *types.SourceProfile) *SpysSource {
	return &SpysSource{profile: profile}
}

func (s *SpysSource) Name() string {
	return s.profile.Name
}

func (s *SpysSource) Fetch(ctx context.Context) ([]*model.ProxyRecord, error) {
	l := logger.WithComponent("ProxyPool/Discovery")
	l.Info().Str("source", s.Name()).Msg("Starting scrape...")

	var records []*model.ProxyRecord
	var scrapeErr error
	var mu sync.Mutex

	collector := colly.NewCollector(
		colly.UserAgent(scrapeUserAgent),
		colly.StdlibContext(ctx),
	)
	collector.SetRequestTimeout(20 * time.Second)

	collector.OnResponse(func(r *colly.Response) {
		matches := embeddedListRe.FindSubmatch(r.Body)
		if len(matches) < 3 {
			l.Warn().Str("url", r.Request.URL.String()).Str("source", s.Name()).Msg("Could not find proxyList variable in response body.")
			return
		}

		var tempList []*tempSpysProxy
		if err := json.Unmarshal(matches[2], &tempList); err != nil {
			l.Warn().Err(err).Str("url", r.Request.URL.String()).Str("source", s.Name()).Msg("Failed to unmarshal embedded proxy list.")
			scrapeErr = err
			return
		}

		mu.Lock()
		defer mu.Unlock()

		for _, p := range tempList {
			host := strings.TrimSpace(p.IP)
			port, err := strconv.Atoi(strings.TrimSpace(p.Port))
			if err != nil {
				l.Debug().Str("host", host).Str("port", p.Port).Str("source", s.Name()).Msg("Failed to parse port, skipping entry.")
				continue
			}
			protocolStr := p.Protocol
			if protocolStr == "" {
				protocolStr = s.profile.Protocol
			}
			protocol, err := model.ParseProtocol(protocolStr)
			if err != nil {
				continue
			}
			records = append(records, &model.ProxyRecord{
				Host:      host,
				Port:      port,
				Protocol:  protocol,
				Source:    s.Name(),
				Country:   firstNonEmpty(p.Country, s.profile.Country),
				FirstSeen: time.Now(),
			})
		}
	})

	if err := collector.Visit(s.profile.URL); err != nil {
		return nil, err
	}
	collector.Wait()

	if scrapeErr != nil && len(records) == 0 {
		return nil, scrapeErr
	}

	l.Info().Int("count", len(records)).Str("source", s.Name()).Msg("Scrape finished.")
	return records, nil
}
