package checker

import (
	"encoding/json"
	"fmt"
	"time"

	"rotaproxy/internal/shared/logger"
)

const geoAPITimeout = 5 * time.Second

// geoAPIResponse defines the structure for the ip-api.com JSON response.
type geoAPIResponse struct {
	Status     string `json:"status"`
	Country    string `json:"country"`
	RegionName string `json:"regionName"`
	City       string `json:"city"`
}

// fetchGeoInfo queries the ip-api.com service directly (not through the
// proxy) to locate a validated endpoint.
func (c *Checker) fetchGeoInfo(ip string) (country, region, city string) {
	l := logger.WithComponent("ProxyPool/Checker")
	apiURL := fmt.Sprintf("http://ip-api.com/json/%s?fields=status,country,regionName,city", ip)

	resp, err := c.geoClient.Get(apiURL)
	if err != nil {
		l.Warn().Err(err).Str("ip", ip).Msg("Geo API request failed.")
		return "", "", ""
	}
	defer resp.Body.Close()

	var apiResp geoAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		l.Warn().Err(err).Str("ip", ip).Msg("Failed to decode Geo API response.")
		return "", "", ""
	}

	if apiResp.Status != "success" {
		l.Debug().Str("ip", ip).Str("status", apiResp.Status).Msg("Geo API returned non-success status.")
		return "", "", ""
	}

	return apiResp.Country, apiResp.RegionName, apiResp.City
}
