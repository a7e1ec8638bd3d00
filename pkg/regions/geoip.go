package regions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"

	"github.com/oschwald/geoip2-golang"
	"gopkg.in/yaml.v3"
)

const unknownRegionCode = "unknown"

type GeoIPConfig struct {
	Logger *slog.Logger
	Store  *Store
	DBPath string
}

func (cfg *GeoIPConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.DBPath == "" {
		return errors.New("geoip database path is required")
	}
	return nil
}

// GeoIPResolver derives region codes for raw IP addresses from a local
// GeoLite2 City database and writes them through the region store.
type GeoIPResolver struct {
	log    *slog.Logger
	store  *Store
	reader *geoip2.Reader
}

func NewGeoIPResolver(cfg GeoIPConfig) (*GeoIPResolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	reader, err := geoip2.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database: %w", err)
	}
	return &GeoIPResolver{
		log:    cfg.Logger,
		store:  cfg.Store,
		reader: reader,
	}, nil
}

func (g *GeoIPResolver) Close() error {
	return g.reader.Close()
}

// ResolveIPRegions reads an indexed_ip -> IP address YAML file, geolocates
// each address and upserts the resulting regions and IP mappings.
// Unresolvable addresses map to the "unknown" region.
func (g *GeoIPResolver) ResolveIPRegions(ctx context.Context, ipsPath string) (*LoadResult, error) {
	g.log.Info("regions: geolocating ip addresses", "path", ipsPath)

	data, err := os.ReadFile(ipsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read ip file: %w", err)
	}
	var addresses map[string]string
	if err := yaml.Unmarshal(data, &addresses); err != nil {
		return nil, fmt.Errorf("failed to parse ip file: %w", err)
	}

	result := &LoadResult{}

	type resolved struct {
		indexedIP uint64
		region    Region
	}
	items := make([]resolved, 0, len(addresses))
	for indexedIPStr, addr := range addresses {
		indexedIP, err := strconv.ParseUint(indexedIPStr, 10, 64)
		if err != nil {
			g.log.Warn("regions: invalid ip index", "value", indexedIPStr)
			result.EntriesSkipped++
			continue
		}
		items = append(items, resolved{indexedIP: indexedIP, region: g.regionForAddress(addr)})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].indexedIP < items[j].indexedIP })

	seen := make(map[string]bool)
	entries := make([]IPRegion, 0, len(items))
	for _, item := range items {
		if !seen[item.region.Code] {
			inserted, err := g.store.AddRegion(ctx, item.region)
			if err != nil {
				g.log.Warn("regions: failed to add region", "code", item.region.Code, "error", err)
				result.EntriesSkipped++
				continue
			}
			if inserted {
				result.RegionsAdded++
			}
			seen[item.region.Code] = true
		}
		entries = append(entries, IPRegion{IndexedIP: item.indexedIP, RegionCode: item.region.Code})
	}

	if err := g.store.MapIPs(ctx, entries); err != nil {
		return nil, fmt.Errorf("failed to load ip mappings: %w", err)
	}
	result.MappingsAdded = len(entries)

	g.log.Info("regions: geolocation completed",
		"regions_added", result.RegionsAdded,
		"mappings_added", result.MappingsAdded,
		"entries_skipped", result.EntriesSkipped)
	return result, nil
}

// regionForAddress builds the region row for one address. The code is
// "<country ISO>/<subdivision name>", falling back to the country name when
// the database has no subdivision for the address.
func (g *GeoIPResolver) regionForAddress(addr string) Region {
	ip := net.ParseIP(addr)
	if ip == nil {
		return unknownRegion()
	}
	record, err := g.reader.City(ip)
	if err != nil || record.Country.IsoCode == "" {
		return unknownRegion()
	}

	name := record.Country.Names["en"]
	if len(record.Subdivisions) > 0 {
		if n := record.Subdivisions[0].Names["en"]; n != "" {
			name = n
		}
	}
	if name == "" {
		return unknownRegion()
	}

	code := record.Country.IsoCode + "/" + name
	country, regionName, provider := ParseRegionCode(code)
	latitude := record.Location.Latitude
	longitude := record.Location.Longitude
	return Region{
		Code:      code,
		Country:   country,
		Region:    regionName,
		Provider:  provider,
		Latitude:  &latitude,
		Longitude: &longitude,
	}
}

func unknownRegion() Region {
	_, _, provider := ParseRegionCode(unknownRegionCode)
	return Region{Code: unknownRegionCode, Provider: provider}
}
