package discovery

import (
	"context"
	"time"

	"rotaproxy/internal/shared/logger"
	"rotaproxy/internal/shared/types"
	"rotaproxy/proxypool/model"
)

// StaticSource serves a fixed list of "host:port" entries from the
// source profile, typically hand-curated or provisioned endpoints.
type StaticSource struct {
	profile *types.SourceProfile
}

// NewStaticSource creates a source backed by the profile's entry list.
func NewStaticSource(profile *types.SourceProfile) *StaticSource {
	return &StaticSource{profile: profile}
}

func (s *StaticSource) Name() string {
	return s.profile.Name
}

func (s *StaticSource) Fetch(_ context.Context) ([]*model.ProxyRecord, error) {
	l := logger.WithComponent("ProxyPool/Discovery")

	protocol, err := model.ParseProtocol(s.profile.Protocol)
	if err != nil {
		return nil, err
	}

	records := make([]*model.ProxyRecord, 0, len(s.profile.Entries))
	for _, entry := range s.profile.Entries {
		host, port, err := ParseHostPort(entry)
		if err != nil {
			l.Warn().Err(err).Str("source", s.Name()).Msg("Skipping static entry.")
			continue
		}
		records = append(records, &model.ProxyRecord{
			Host:      host,
			Port:      port,
			Protocol:  protocol,
			Source:    s.Name(),
			Country:   s.profile.Country,
			Username:  s.profile.Username,
			Password:  s.profile.Password,
			FirstSeen: time.Now(),
		})
	}
	return records, nil
}
