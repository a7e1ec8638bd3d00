// Package pipeline wires the reconciler, the view composer, the exporter,
// and the statistics provider into one batch run over a shared DuckDB
// database.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/archivelabs/downlake/pkg/assets"
	"github.com/archivelabs/downlake/pkg/catalog"
	"github.com/archivelabs/downlake/pkg/datasets"
	"github.com/archivelabs/downlake/pkg/downloads"
	"github.com/archivelabs/downlake/pkg/duck"
	"github.com/archivelabs/downlake/pkg/reconcile"
	"github.com/archivelabs/downlake/pkg/regions"
)

const defaultExportPath = "daily_ip_dataset_stats.parquet"

// Publisher uploads an exported artifact somewhere downstream consumers can
// read it, returning the location it was published to.
type Publisher interface {
	Publish(ctx context.Context, artifactPath string) (string, error)
}

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	DB      duck.DB
	Catalog catalog.Client

	// RawEventsPath is the parquet file of raw download events.
	RawEventsPath string

	// ExportPath is where the daily rollup artifact is written. Defaults to
	// daily_ip_dataset_stats.parquet in the working directory.
	ExportPath string

	// Publisher, when set, uploads the exported artifact after each
	// successful export stage.
	Publisher Publisher

	// Workers and Denylist are passed through to the reconciler, which
	// applies its own defaults.
	Workers  int
	Denylist []string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	if cfg.Catalog == nil {
		return errors.New("catalog client is required")
	}
	if cfg.RawEventsPath == "" {
		return errors.New("raw events path is required")
	}
	if cfg.ExportPath == "" {
		cfg.ExportPath = defaultExportPath
	}
	return nil
}

// RunOptions select the stages of one pipeline run.
type RunOptions struct {
	Reconcile     bool
	Incremental   bool
	ClearExisting bool
	ComposeViews  bool
	Export        bool
	Stats         bool
}

type Pipeline struct {
	log *slog.Logger
	cfg Config

	datasets *datasets.Store
	assets   *assets.Store
	regions  *regions.Store

	reconciler *reconcile.Reconciler
	composer   *downloads.Composer
	exporter   *downloads.Exporter
	stats      *downloads.StatsProvider
}

func New(ctx context.Context, cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	datasetStore, err := datasets.NewStore(datasets.StoreConfig{Logger: cfg.Logger, DB: cfg.DB})
	if err != nil {
		return nil, fmt.Errorf("failed to create datasets store: %w", err)
	}
	assetStore, err := assets.NewStore(assets.StoreConfig{Logger: cfg.Logger, DB: cfg.DB})
	if err != nil {
		return nil, fmt.Errorf("failed to create assets store: %w", err)
	}
	regionStore, err := regions.NewStore(regions.StoreConfig{Logger: cfg.Logger, DB: cfg.DB})
	if err != nil {
		return nil, fmt.Errorf("failed to create regions store: %w", err)
	}

	p := &Pipeline{
		log:      cfg.Logger,
		cfg:      cfg,
		datasets: datasetStore,
		assets:   assetStore,
		regions:  regionStore,
	}
	if err := p.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	p.reconciler, err = reconcile.NewReconciler(reconcile.Config{
		Logger:   cfg.Logger,
		Clock:    cfg.Clock,
		Catalog:  cfg.Catalog,
		Datasets: datasetStore,
		Assets:   assetStore,
		Workers:  cfg.Workers,
		Denylist: cfg.Denylist,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reconciler: %w", err)
	}

	p.composer, err = downloads.NewComposer(downloads.ComposerConfig{
		Logger:        cfg.Logger,
		DB:            cfg.DB,
		RawEventsPath: cfg.RawEventsPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create view composer: %w", err)
	}

	p.exporter, err = downloads.NewExporter(downloads.ExporterConfig{
		Logger: cfg.Logger,
		DB:     cfg.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	p.stats, err = downloads.NewStatsProvider(downloads.StatsConfig{
		Logger:        cfg.Logger,
		DB:            cfg.DB,
		RawEventsPath: cfg.RawEventsPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stats provider: %w", err)
	}

	return p, nil
}

// Assets exposes the asset store for loaders.
func (p *Pipeline) Assets() *assets.Store {
	return p.assets
}

// Regions exposes the region store for loaders.
func (p *Pipeline) Regions() *regions.Store {
	return p.regions
}

// Composer exposes the view composer.
func (p *Pipeline) Composer() *downloads.Composer {
	return p.composer
}

// StatsProvider exposes the statistics provider.
func (p *Pipeline) StatsProvider() *downloads.StatsProvider {
	return p.stats
}

// Run executes the selected stages in order: reconcile, compose, export,
// stats. Inputs a selected stage depends on are checked up front so a
// misconfigured run fails before any work.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) error {
	if err := p.validateInputs(ctx, opts); err != nil {
		return err
	}

	runStart := time.Now()

	if opts.Reconcile {
		stageStart := time.Now()
		stats, err := p.reconciler.Reconcile(ctx, reconcile.Options{
			Incremental:   opts.Incremental,
			ClearExisting: opts.ClearExisting,
		})
		if err != nil {
			return fmt.Errorf("reconcile stage failed: %w", err)
		}
		p.log.Info("pipeline: reconcile stage completed",
			"duration", time.Since(stageStart).String(),
			"datasets_processed", stats.DatasetsProcessed,
			"versions_processed", stats.VersionsProcessed,
			"versions_skipped", stats.VersionsSkipped,
			"failures", stats.Failures)
	}

	if opts.ComposeViews {
		stageStart := time.Now()
		if err := p.composer.Refresh(ctx); err != nil {
			return fmt.Errorf("compose stage failed: %w", err)
		}
		p.log.Info("pipeline: compose stage completed",
			"duration", time.Since(stageStart).String())
	}

	if opts.Export {
		stageStart := time.Now()
		// Views may not exist yet when exporting without composing, for
		// example against a fresh in-memory database.
		if !p.composer.Ready() {
			if err := p.composer.Refresh(ctx); err != nil {
				return fmt.Errorf("export stage failed: %w", err)
			}
		}
		if err := p.exporter.Export(ctx, p.cfg.ExportPath); err != nil {
			return fmt.Errorf("export stage failed: %w", err)
		}
		p.log.Info("pipeline: export stage completed",
			"duration", time.Since(stageStart).String(),
			"path", p.cfg.ExportPath)

		if p.cfg.Publisher != nil {
			publishStart := time.Now()
			url, err := p.cfg.Publisher.Publish(ctx, p.cfg.ExportPath)
			if err != nil {
				return fmt.Errorf("publish stage failed: %w", err)
			}
			p.log.Info("pipeline: publish stage completed",
				"duration", time.Since(publishStart).String(),
				"url", url)
		}
	}

	if opts.Stats {
		if err := p.logStats(ctx); err != nil {
			return fmt.Errorf("stats stage failed: %w", err)
		}
	}

	p.log.Info("pipeline: run completed", "duration", time.Since(runStart).String())
	return nil
}

// RunLoop runs the pipeline on a fixed interval until the context is
// cancelled. The first run starts immediately. A failed run is logged and
// the loop continues; the ledger makes interrupted runs safe to repeat.
func (p *Pipeline) RunLoop(ctx context.Context, interval time.Duration, opts RunOptions) error {
	if interval <= 0 {
		return errors.New("run interval must be positive")
	}

	p.log.Info("pipeline: starting run loop", "interval", interval.String())
	if err := p.Run(ctx, opts); err != nil {
		p.log.Error("pipeline: run failed", "error", err)
	}

	ticker := p.cfg.Clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("pipeline: run loop stopped")
			return nil
		case <-ticker.Chan():
			if err := p.Run(ctx, opts); err != nil {
				p.log.Error("pipeline: run failed", "error", err)
			}
		}
	}
}

// ClearAll deletes every reconciled row, in foreign key order. The region
// tables and the blob index are loader-owned and left alone.
func (p *Pipeline) ClearAll(ctx context.Context) error {
	p.log.Info("pipeline: clearing reconciled tables")
	if err := p.assets.ClearMappings(ctx); err != nil {
		return err
	}
	if err := p.datasets.ClearVersions(ctx); err != nil {
		return err
	}
	if err := p.assets.ClearAssets(ctx); err != nil {
		return err
	}
	if err := p.datasets.ClearDatasets(ctx); err != nil {
		return err
	}
	return nil
}

// validateInputs fails fast when a selected stage depends on an input that
// is missing, with a diagnostic naming what to load.
func (p *Pipeline) validateInputs(ctx context.Context, opts RunOptions) error {
	if !opts.ComposeViews && !opts.Export {
		return nil
	}

	if _, err := os.Stat(p.cfg.RawEventsPath); err != nil {
		return fmt.Errorf("raw events file %s is not readable: %w", p.cfg.RawEventsPath, err)
	}

	indexed, err := p.assets.CountBlobIndex(ctx)
	if err != nil {
		return err
	}
	if indexed == 0 {
		return errors.New("blob index is empty; load a blob index before composing views")
	}
	return nil
}

func (p *Pipeline) logStats(ctx context.Context) error {
	db, err := p.stats.DatabaseStats(ctx)
	if err != nil {
		return err
	}
	p.log.Info("pipeline: database statistics",
		"download_records", db.TotalDownloadRecords,
		"blob_index_entries", db.BlobIndexEntries,
		"regions", db.Regions,
		"ip_region_mappings", db.IPRegionMappings,
		"assets", db.Assets,
		"datasets", db.Datasets,
		"mappings", db.Mappings)

	asset, err := p.stats.AssetStats(ctx)
	if err != nil {
		return err
	}
	p.log.Info("pipeline: asset statistics",
		"assets", asset.Assets,
		"datasets", asset.Datasets,
		"processed_versions", asset.ProcessedVersions,
		"mappings", asset.Mappings,
		"zarr_percent", fmt.Sprintf("%.1f", asset.ZarrPercent))

	rel, err := p.stats.RelationshipStats(ctx)
	if err != nil {
		return err
	}
	p.log.Info("pipeline: relationship statistics",
		"total_mappings", rel.TotalMappings,
		"unique_assets", rel.UniqueAssets,
		"unique_datasets", rel.UniqueDatasets,
		"max_datasets_per_asset", rel.MaxDatasetsPerAsset,
		"multi_mapped_assets", rel.MultiMappedAssets)
	return nil
}
