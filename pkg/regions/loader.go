package regions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

type LoaderConfig struct {
	Logger    *slog.Logger
	Store     *Store
	Directory *Directory
}

func (cfg *LoaderConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Directory == nil {
		return errors.New("directory is required")
	}
	return nil
}

// Loader ingests IP-to-region mapping files and backfills region coordinates
// through the directory.
type Loader struct {
	log       *slog.Logger
	store     *Store
	directory *Directory
}

func NewLoader(cfg LoaderConfig) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Loader{
		log:       cfg.Logger,
		store:     cfg.Store,
		directory: cfg.Directory,
	}, nil
}

// LoadResult summarizes one mapping load.
type LoadResult struct {
	RegionsAdded   int
	MappingsAdded  int
	EntriesSkipped int
	CoordinatesSet int
}

type coordinatesEntry struct {
	Latitude  *float64 `yaml:"latitude"`
	Longitude *float64 `yaml:"longitude"`
}

// LoadIPRegions loads an indexed_ip -> region_code YAML mapping. Regions are
// created first, then IP mappings are bulk-upserted, then coordinates are
// applied from the optional coordinates file and backfilled through the
// directory for regions still missing them. Malformed entries are skipped
// with a warning.
func (l *Loader) LoadIPRegions(ctx context.Context, mappingPath, coordinatesPath string) (*LoadResult, error) {
	l.log.Info("regions: loading ip region mapping", "path", mappingPath)

	data, err := os.ReadFile(mappingPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping file: %w", err)
	}
	var mapping map[string]string
	if err := yaml.Unmarshal(data, &mapping); err != nil {
		return nil, fmt.Errorf("failed to parse mapping file: %w", err)
	}

	l.log.Info("regions: processing ip region mappings", "count", len(mapping))

	result := &LoadResult{}

	entries := make([]IPRegion, 0, len(mapping))
	for indexedIPStr, code := range mapping {
		indexedIP, err := strconv.ParseUint(indexedIPStr, 10, 64)
		if err != nil {
			l.log.Warn("regions: invalid ip index", "value", indexedIPStr)
			result.EntriesSkipped++
			continue
		}
		entries = append(entries, IPRegion{IndexedIP: indexedIP, RegionCode: code})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].IndexedIP < entries[j].IndexedIP })

	// Regions first so the ip_regions foreign key holds.
	seen := make(map[string]bool)
	valid := entries[:0]
	for _, e := range entries {
		if !seen[e.RegionCode] {
			country, regionName, provider := ParseRegionCode(e.RegionCode)
			inserted, err := l.store.AddRegion(ctx, Region{
				Code:     e.RegionCode,
				Country:  country,
				Region:   regionName,
				Provider: provider,
			})
			if err != nil {
				l.log.Warn("regions: failed to add region", "code", e.RegionCode, "error", err)
				result.EntriesSkipped++
				continue
			}
			if inserted {
				result.RegionsAdded++
			}
			seen[e.RegionCode] = true
		}
		valid = append(valid, e)
	}

	if err := l.store.MapIPs(ctx, valid); err != nil {
		return nil, fmt.Errorf("failed to load ip mappings: %w", err)
	}
	result.MappingsAdded = len(valid)

	l.log.Info("regions: ip region mapping completed",
		"regions_added", result.RegionsAdded,
		"mappings_added", result.MappingsAdded,
		"entries_skipped", result.EntriesSkipped)

	if coordinatesPath != "" {
		l.applyCoordinatesFile(ctx, coordinatesPath, result)
	}
	l.backfillCoordinates(ctx, result)

	return result, nil
}

// applyCoordinatesFile applies a region_code -> {latitude, longitude} YAML
// file to existing regions. A missing file is a warning, not an error.
func (l *Loader) applyCoordinatesFile(ctx context.Context, path string, result *LoadResult) {
	l.log.Info("regions: loading coordinates", "path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		l.log.Warn("regions: failed to read coordinates file", "path", path, "error", err)
		return
	}
	var coordinates map[string]coordinatesEntry
	if err := yaml.Unmarshal(data, &coordinates); err != nil {
		l.log.Warn("regions: failed to parse coordinates file", "path", path, "error", err)
		return
	}

	codes := make([]string, 0, len(coordinates))
	for code := range coordinates {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	for _, code := range codes {
		entry := coordinates[code]
		if entry.Latitude == nil || entry.Longitude == nil {
			continue
		}
		region, err := l.store.GetRegion(ctx, code)
		if err != nil {
			l.log.Warn("regions: failed to look up region for coordinates", "code", code, "error", err)
			continue
		}
		if region == nil {
			continue
		}
		if err := l.store.SetCoordinates(ctx, code, Coordinates{Latitude: entry.Latitude, Longitude: entry.Longitude}); err != nil {
			l.log.Warn("regions: failed to set coordinates", "code", code, "error", err)
			continue
		}
		result.CoordinatesSet++
	}
}

// backfillCoordinates resolves coordinates through the directory for regions
// that still have none.
func (l *Loader) backfillCoordinates(ctx context.Context, result *LoadResult) {
	codes, err := l.store.RegionsMissingCoordinates(ctx)
	if err != nil {
		l.log.Warn("regions: failed to list regions missing coordinates", "error", err)
		return
	}

	for _, code := range codes {
		coords := l.directory.Resolve(ctx, code)
		if coords.Latitude == nil || coords.Longitude == nil {
			continue
		}
		if err := l.store.SetCoordinates(ctx, code, coords); err != nil {
			l.log.Warn("regions: failed to backfill coordinates", "code", code, "error", err)
			continue
		}
		result.CoordinatesSet++
	}

	l.log.Info("regions: coordinates update completed", "regions_updated", result.CoordinatesSet)
}
