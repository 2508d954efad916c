package manager

import (
	"fmt"
	"time"

	"rotaproxy/internal/shared/logger"
	"rotaproxy/proxypool/discovery"
	"rotaproxy/proxypool/model"
)

// ImportProxies adds a list of "host:port" entries to the pool under the
// given protocol and triggers an immediate background validation for the
// newcomers. Malformed entries are skipped, not fatal.
func (m *Manager) ImportProxies(entries []string, protocolStr string) error {
	l := logger.WithComponent("ProxyPool/Manager")

	protocol, err := model.ParseProtocol(protocolStr)
	if err != nil {
		return err
	}

	// Claim the validation worker up front; failing here means a drain
	// has begun and nothing may join the pool anymore.
	if !m.addWorker() {
		return ErrNotRunning
	}

	l.Info().Int("count", len(entries)).Str("protocol", protocolStr).Msg("Starting manual proxy import.")

	batch := make([]*model.ProxyRecord, 0)
	m.mu.Lock()
	for _, entry := range entries {
		host, port, err := discovery.ParseHostPort(entry)
		if err != nil {
			l.Warn().Err(err).Msg("Invalid proxy entry, skipping.")
			continue
		}
		rec := &model.ProxyRecord{
			Host:      host,
			Port:      port,
			Protocol:  protocol,
			Source:    "manual-import",
			FirstSeen: time.Now(),
		}
		if _, exists := m.records[rec.Key()]; exists {
			l.Debug().Str("proxy", rec.Key()).Msg("Proxy already exists, skipping import.")
			continue
		}
		m.records[rec.Key()] = rec
		batch = append(batch, rec.Clone())
	}
	m.mu.Unlock()

	if len(batch) == 0 {
		m.wg.Done()
		l.Info().Msg("No new proxies were added from the import list.")
		return nil
	}

	l.Info().Int("count", len(batch)).Msg("New proxies added, validating in background.")
	go func() {
		defer m.wg.Done()
		m.applyResults(m.validator.Validate(m.ctx, batch))
		m.publishGauges()
	}()
	return nil
}

// TriggerValidation schedules an immediate background validation for the
// given record keys.
func (m *Manager) TriggerValidation(keys []string) error {
	if !m.addWorker() {
		return ErrNotRunning
	}

	keySet := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		keySet[key] = struct{}{}
	}

	m.mu.RLock()
	batch := make([]*model.ProxyRecord, 0, len(keys))
	for key, rec := range m.records {
		if _, ok := keySet[key]; ok {
			batch = append(batch, rec.Clone())
		}
	}
	m.mu.RUnlock()

	if len(batch) == 0 {
		m.wg.Done()
		return fmt.Errorf("no matching proxies found for the given keys")
	}

	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Int("count", len(batch)).Msg("Manual validation triggered.")
	go func() {
		defer m.wg.Done()
		m.applyResults(m.validator.Validate(m.ctx, batch))
		m.publishGauges()
	}()
	return nil
}
