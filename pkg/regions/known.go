package regions

import (
	_ "embed"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed known_regions.yaml
var knownRegionsYAML []byte

type knownRegionsConfig struct {
	Regions []knownRegionEntry `yaml:"regions"`
}

type knownRegionEntry struct {
	Code      string   `yaml:"code"`
	Latitude  *float64 `yaml:"latitude"`
	Longitude *float64 `yaml:"longitude"`
}

// KnownRegions is the curated region-code to coordinates table.
type KnownRegions struct {
	entries map[string]Coordinates
	// Keys ordered longest first, ties lexicographic, so substring matching
	// picks the most specific entry deterministically.
	keys []string
}

// NewKnownRegions loads the embedded curated table.
func NewKnownRegions() (*KnownRegions, error) {
	return newKnownRegionsFromYAML(knownRegionsYAML)
}

func newKnownRegionsFromYAML(data []byte) (*KnownRegions, error) {
	var config knownRegionsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	entries := make(map[string]Coordinates, len(config.Regions))
	keys := make([]string, 0, len(config.Regions))
	for _, e := range config.Regions {
		if _, ok := entries[e.Code]; !ok {
			keys = append(keys, e.Code)
		}
		entries[e.Code] = Coordinates{Latitude: e.Latitude, Longitude: e.Longitude}
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	return &KnownRegions{entries: entries, keys: keys}, nil
}

// Lookup resolves a region code against the curated table: exact match first,
// then a case-insensitive substring match of the code within the curated keys.
func (k *KnownRegions) Lookup(code string) (Coordinates, bool) {
	if code == "" {
		return Coordinates{}, false
	}
	if coords, ok := k.entries[code]; ok {
		return coords, true
	}
	lower := strings.ToLower(code)
	for _, key := range k.keys {
		if strings.Contains(strings.ToLower(key), lower) {
			return k.entries[key], true
		}
	}
	return Coordinates{}, false
}
