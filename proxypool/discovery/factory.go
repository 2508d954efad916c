package discovery

import (
	"rotaproxy/internal/shared/logger"
	"rotaproxy/internal/shared/types"
)

// FromProfiles builds the concrete sources for all active profiles.
// Profiles with an unknown type are logged and skipped; a bad entry in
// the data file must not keep the rest of the sources from running.
func FromProfiles(profiles []*types.SourceProfile) []Source {
	l := logger.WithComponent("ProxyPool/Discovery")

	sources := make([]Source, 0, len(profiles))
	for _, p := range profiles {
		if !p.Active {
			continue
		}
		switch p.Type {
		case "static":
			sources = append(sources, NewStaticSource(p))
		case "text":
			sources = append(sources, NewTextListSource(p))
		case "html":
			sources = append(sources, NewHTMLTableSource(p))
		case "api":
			sources = append(sources, NewJSONAPISource(p))
		case "spys":
			sources = append(sources, NewSpysSource(p))
		default:
			l.Warn().Str("type", p.Type).Str("source", p.Name).Msg("Unknown source type, skipping.")
		}
	}
	return sources
}
