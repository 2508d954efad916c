package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/ini.v1"

	"rotaproxy/internal/shared/types"
)

// LoadIni loads the behavior configuration file into cfg.
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	overrideFromEnvInt(&cfg.WebConf.Port, "ROTAPROXY_WEB_PORT")
	overrideFromEnvStr(&cfg.PoolConf.Strategy, "ROTAPROXY_STRATEGY")
	return nil
}

// LoadSources loads the sources.json data file. A missing file yields an
// empty list rather than an error.
func LoadSources(fileName string) ([]*types.SourceProfile, error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		if os.IsNotExist(err) {
			return []*types.SourceProfile{}, nil
		}
		return nil, fmt.Errorf("failed to read sources file: %w", err)
	}

	var profiles []*types.SourceProfile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sources.json: %w", err)
	}
	return profiles, nil
}

// SaveSources writes the source profile list back to sources.json.
func SaveSources(fileName string, profiles []*types.SourceProfile) error {
	data, err := json.MarshalIndent(profiles, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal source profiles: %w", err)
	}
	return os.WriteFile(fileName, data, 0644)
}

// AppendManualEntries merges hand-imported endpoints into the persistent
// "manual-import" static profile for the given protocol, so they survive
// a restart. Entries already on file are left alone, and nothing is
// written when there is nothing new.
func AppendManualEntries(fileName string, entries []string, protocol string) error {
	profiles, err := LoadSources(fileName)
	if err != nil {
		return err
	}

	var target *types.SourceProfile
	for _, p := range profiles {
		if p.Name == "manual-import" && p.Protocol == protocol {
			target = p
			break
		}
	}
	if target == nil {
		target = &types.SourceProfile{
			Name:     "manual-import",
			Type:     "static",
			Active:   true,
			Protocol: protocol,
		}
		profiles = append(profiles, target)
	}

	existing := make(map[string]struct{}, len(target.Entries))
	for _, entry := range target.Entries {
		existing[entry] = struct{}{}
	}
	added := false
	for _, entry := range entries {
		if _, ok := existing[entry]; ok {
			continue
		}
		existing[entry] = struct{}{}
		target.Entries = append(target.Entries, entry)
		added = true
	}
	if !added {
		return nil
	}
	return SaveSources(fileName, profiles)
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvStr(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
