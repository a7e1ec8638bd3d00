package regions

import "strings"

var cloudProviders = map[string]struct{}{
	"AWS":   {},
	"GCP":   {},
	"Azure": {},
}

// ParseRegionCode splits a region code into its country, region and provider
// parts. Two-part codes ("US/California", "AWS/us-east-2") split on the first
// slash; the first part is a provider when it names a cloud platform and a
// country otherwise. Single-token codes ("GitHub", "VPN", "unknown") are
// providers with no country or region.
func ParseRegionCode(code string) (country, region, provider *string) {
	if strings.Contains(code, "/") {
		parts := strings.SplitN(code, "/", 2)
		first := strings.TrimSpace(parts[0])
		second := strings.TrimSpace(parts[1])
		if _, ok := cloudProviders[first]; ok {
			provider = &first
		} else {
			country = &first
		}
		region = &second
		return country, region, provider
	}
	trimmed := strings.TrimSpace(code)
	return nil, nil, &trimmed
}
