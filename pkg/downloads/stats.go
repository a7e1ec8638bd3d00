package downloads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/archivelabs/downlake/pkg/assets"
	"github.com/archivelabs/downlake/pkg/datasets"
	"github.com/archivelabs/downlake/pkg/duck"
	"github.com/archivelabs/downlake/pkg/regions"
)

const (
	defaultStatsTTL = 5 * time.Minute

	statsCacheKey = "stats"
)

type StatsConfig struct {
	Logger *slog.Logger
	DB     duck.DB

	// RawEventsPath is the parquet file of raw download events. The file may
	// be absent; its row count then reports as zero.
	RawEventsPath string

	// CacheTTL bounds how stale returned statistics may be. Defaults to
	// 5 minutes.
	CacheTTL time.Duration
}

func (cfg *StatsConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	if cfg.RawEventsPath == "" {
		return errors.New("raw events path is required")
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = defaultStatsTTL
	}
	return nil
}

// DatabaseStats are row counts across the whole database plus the raw event
// file.
type DatabaseStats struct {
	TotalDownloadRecords int64
	BlobIndexEntries     int64
	Regions              int64
	IPRegionMappings     int64
	Assets               int64
	Datasets             int64
	Mappings             int64
}

// AssetStats summarize the reconciled catalog tables.
type AssetStats struct {
	Assets            int64
	Datasets          int64
	ProcessedVersions int64
	Mappings          int64
	AssetsByType      map[string]int64
	ZarrPercent       float64
}

// RelationshipStats summarize the asset-dataset mapping audit.
type RelationshipStats struct {
	TotalMappings       int64
	UniqueAssets        int64
	UniqueDatasets      int64
	MaxDatasetsPerAsset int64
	MultiMappedAssets   int64
}

// StatsProvider serves database statistics with TTL caching, so repeated
// operator queries don't rescan the raw event file.
type StatsProvider struct {
	log *slog.Logger
	cfg StatsConfig
	db  duck.DB

	assets   *assets.Store
	datasets *datasets.Store
	regions  *regions.Store

	dbCache    *ttlcache.Cache[string, *DatabaseStats]
	assetCache *ttlcache.Cache[string, *AssetStats]
	relCache   *ttlcache.Cache[string, *RelationshipStats]
}

func NewStatsProvider(cfg StatsConfig) (*StatsProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	assetStore, err := assets.NewStore(assets.StoreConfig{Logger: cfg.Logger, DB: cfg.DB})
	if err != nil {
		return nil, fmt.Errorf("failed to create assets store: %w", err)
	}
	datasetStore, err := datasets.NewStore(datasets.StoreConfig{Logger: cfg.Logger, DB: cfg.DB})
	if err != nil {
		return nil, fmt.Errorf("failed to create datasets store: %w", err)
	}
	regionStore, err := regions.NewStore(regions.StoreConfig{Logger: cfg.Logger, DB: cfg.DB})
	if err != nil {
		return nil, fmt.Errorf("failed to create regions store: %w", err)
	}

	return &StatsProvider{
		log:      cfg.Logger,
		cfg:      cfg,
		db:       cfg.DB,
		assets:   assetStore,
		datasets: datasetStore,
		regions:  regionStore,
		dbCache: ttlcache.New(
			ttlcache.WithTTL[string, *DatabaseStats](cfg.CacheTTL),
		),
		assetCache: ttlcache.New(
			ttlcache.WithTTL[string, *AssetStats](cfg.CacheTTL),
		),
		relCache: ttlcache.New(
			ttlcache.WithTTL[string, *RelationshipStats](cfg.CacheTTL),
		),
	}, nil
}

// DatabaseStats returns row counts for every table and the raw event file.
// A raw event file that cannot be read reports zero records with a warning
// rather than failing; the database may legitimately precede the first event
// drop.
func (p *StatsProvider) DatabaseStats(ctx context.Context) (*DatabaseStats, error) {
	if item := p.dbCache.Get(statsCacheKey); item != nil {
		return item.Value(), nil
	}

	stats := &DatabaseStats{
		TotalDownloadRecords: p.countRawEvents(ctx),
	}

	var err error
	if stats.BlobIndexEntries, err = p.assets.CountBlobIndex(ctx); err != nil {
		return nil, err
	}
	if stats.Regions, err = p.regions.CountRegions(ctx); err != nil {
		return nil, err
	}
	if stats.IPRegionMappings, err = p.regions.CountIPRegions(ctx); err != nil {
		return nil, err
	}
	if stats.Assets, err = p.assets.CountAssets(ctx); err != nil {
		return nil, err
	}
	if stats.Datasets, err = p.datasets.CountDatasets(ctx); err != nil {
		return nil, err
	}
	if stats.Mappings, err = p.assets.CountMappings(ctx); err != nil {
		return nil, err
	}

	p.dbCache.Set(statsCacheKey, stats, p.cfg.CacheTTL)
	return stats, nil
}

// AssetStats returns counts over the reconciled tables, including per-type
// asset counts and the zarr share.
func (p *StatsProvider) AssetStats(ctx context.Context) (*AssetStats, error) {
	if item := p.assetCache.Get(statsCacheKey); item != nil {
		return item.Value(), nil
	}

	stats := &AssetStats{}

	var err error
	if stats.Assets, err = p.assets.CountAssets(ctx); err != nil {
		return nil, err
	}
	if stats.Datasets, err = p.datasets.CountDatasets(ctx); err != nil {
		return nil, err
	}
	if stats.ProcessedVersions, err = p.datasets.CountProcessedVersions(ctx); err != nil {
		return nil, err
	}
	if stats.Mappings, err = p.assets.CountMappings(ctx); err != nil {
		return nil, err
	}
	if stats.AssetsByType, err = p.assets.CountAssetsByType(ctx); err != nil {
		return nil, err
	}
	if stats.Assets > 0 {
		stats.ZarrPercent = float64(stats.AssetsByType[assets.TypeZarr]) / float64(stats.Assets) * 100
	}

	p.assetCache.Set(statsCacheKey, stats, p.cfg.CacheTTL)
	return stats, nil
}

// RelationshipStats returns the mapping audit totals.
func (p *StatsProvider) RelationshipStats(ctx context.Context) (*RelationshipStats, error) {
	if item := p.relCache.Get(statsCacheKey); item != nil {
		return item.Value(), nil
	}

	mapping, err := p.assets.GetMappingStats(ctx)
	if err != nil {
		return nil, err
	}
	multi, err := p.assets.MultiDatasetBlobs(ctx)
	if err != nil {
		return nil, err
	}

	stats := &RelationshipStats{
		TotalMappings:       mapping.TotalMappings,
		UniqueAssets:        mapping.UniqueAssets,
		UniqueDatasets:      mapping.UniqueDatasets,
		MaxDatasetsPerAsset: mapping.MaxDatasetsPerAsset,
		MultiMappedAssets:   int64(len(multi)),
	}

	p.relCache.Set(statsCacheKey, stats, p.cfg.CacheTTL)
	return stats, nil
}

func (p *StatsProvider) countRawEvents(ctx context.Context) int64 {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		p.log.Warn("downloads: could not count raw events", "error", err)
		return 0
	}
	defer conn.Close()

	var count int64
	err = conn.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM read_parquet(%s)`, sqlQuote(p.cfg.RawEventsPath))).Scan(&count)
	if err != nil {
		p.log.Warn("downloads: could not count raw events",
			"path", p.cfg.RawEventsPath, "error", err)
		return 0
	}
	return count
}
