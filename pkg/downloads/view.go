// Package downloads composes the analytics views over the raw download
// events: a base view that decodes the parquet event file and resolves blob
// indexes, an enriched view joining assets, datasets, and regions, and the
// daily per-IP rollup the exporter publishes. Views are cheap to recreate
// and always reflect the current tables, so composition runs after every
// reconciliation.
package downloads

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/archivelabs/downlake/pkg/assets"
	"github.com/archivelabs/downlake/pkg/duck"
	"github.com/archivelabs/downlake/pkg/pipeline/metrics"
)

const defaultSampleLimit = 10

type ComposerConfig struct {
	Logger *slog.Logger
	DB     duck.DB

	// RawEventsPath is the parquet file of raw download events.
	RawEventsPath string
}

func (cfg *ComposerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	if cfg.RawEventsPath == "" {
		return errors.New("raw events path is required")
	}
	return nil
}

// Composer creates and refreshes the analytics views.
type Composer struct {
	log    *slog.Logger
	cfg    ComposerConfig
	db     duck.DB
	assets *assets.Store

	mu sync.Mutex

	readyOnce sync.Once
	readyCh   chan struct{}
}

func NewComposer(cfg ComposerConfig) (*Composer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	assetStore, err := assets.NewStore(assets.StoreConfig{
		Logger: cfg.Logger,
		DB:     cfg.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create assets store: %w", err)
	}

	return &Composer{
		log:     cfg.Logger,
		cfg:     cfg,
		db:      cfg.DB,
		assets:  assetStore,
		readyCh: make(chan struct{}),
	}, nil
}

func (c *Composer) Ready() bool {
	select {
	case <-c.readyCh:
		return true
	default:
		return false
	}
}

func (c *Composer) WaitReady(ctx context.Context) error {
	select {
	case <-c.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for analytics views: %w", ctx.Err())
	}
}

// Refresh audits the mappings and recreates every view. Safe to call
// concurrently; refreshes are serialized.
func (c *Composer) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	refreshStart := time.Now()
	defer func() {
		duration := time.Since(refreshStart)
		c.log.Info("downloads: refresh completed", "duration", duration.String())
		metrics.ViewRefreshDuration.WithLabelValues("downloads").Observe(duration.Seconds())
	}()

	if err := c.EnsureBaseViews(ctx); err != nil {
		metrics.ViewRefreshTotal.WithLabelValues("downloads", "error").Inc()
		return err
	}

	audit, err := c.AuditMappings(ctx)
	if err != nil {
		metrics.ViewRefreshTotal.WithLabelValues("downloads", "error").Inc()
		return err
	}

	if err := c.EnsureRollupView(ctx, audit); err != nil {
		metrics.ViewRefreshTotal.WithLabelValues("downloads", "error").Inc()
		return err
	}

	c.readyOnce.Do(func() {
		close(c.readyCh)
		c.log.Info("downloads: views are now ready")
	})
	metrics.ViewRefreshTotal.WithLabelValues("downloads", "success").Inc()
	return nil
}

// EnsureBaseViews creates downloads_base and downloads_enriched. The base
// view reads the parquet file directly, resolves blob indexes to blob
// identifiers, and decodes the compact YYMMDD / HHMMSS event columns into
// DATE and TIME.
func (c *Composer) EnsureBaseViews(ctx context.Context) error {
	c.log.Debug("downloads: creating base views", "raw_events", c.cfg.RawEventsPath)

	conn, err := c.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	baseView := fmt.Sprintf(`
		CREATE OR REPLACE VIEW downloads_base AS
		SELECT
			bi.blob_id,
			p.day,
			p.time,
			p.bytes_sent,
			p.indexed_ip,
			CAST(
				'20' ||
				SUBSTR(LPAD(CAST(p.day AS VARCHAR), 6, '0'), 1, 2) || '-' ||
				SUBSTR(LPAD(CAST(p.day AS VARCHAR), 6, '0'), 3, 2) || '-' ||
				SUBSTR(LPAD(CAST(p.day AS VARCHAR), 6, '0'), 5, 2)
				AS DATE
			) AS download_date,
			CAST(
				SUBSTR(LPAD(CAST(p.time AS VARCHAR), 6, '0'), 1, 2) || ':' ||
				SUBSTR(LPAD(CAST(p.time AS VARCHAR), 6, '0'), 3, 2) || ':' ||
				SUBSTR(LPAD(CAST(p.time AS VARCHAR), 6, '0'), 5, 2)
				AS TIME
			) AS download_time
		FROM read_parquet(%s) p
		JOIN blob_index bi ON p.blob_index = bi.blob_index`,
		sqlQuote(c.cfg.RawEventsPath))
	if _, err := conn.ExecContext(ctx, baseView); err != nil {
		return fmt.Errorf("failed to create downloads_base view: %w", err)
	}

	enrichedView := `
		CREATE OR REPLACE VIEW downloads_enriched AS
		SELECT
			d.*,
			adm.dataset_id,
			adm.version_id,
			a.asset_path,
			a.asset_size,
			ds.name AS dataset_name,
			r.region_code,
			r.country,
			r.region,
			r.provider,
			r.latitude,
			r.longitude
		FROM downloads_base d
		JOIN assets a ON d.blob_id = a.blob_id
		LEFT JOIN asset_dataset_mappings adm ON a.blob_id = adm.blob_id
		LEFT JOIN datasets ds ON adm.dataset_id = ds.identifier
		LEFT JOIN ip_regions ir ON d.indexed_ip = ir.indexed_ip
		LEFT JOIN regions r ON ir.region_code = r.region_code`
	if _, err := conn.ExecContext(ctx, enrichedView); err != nil {
		return fmt.Errorf("failed to create downloads_enriched view: %w", err)
	}
	return nil
}

// MappingOutcome records how one multi-mapped blob's dataset attribution is
// decided. Candidates are sorted lexicographically.
type MappingOutcome struct {
	BlobID     string
	Candidates []string
}

// Ambiguous reports whether the blob is mapped to more than one dataset.
func (o MappingOutcome) Ambiguous() bool { return len(o.Candidates) > 1 }

// Resolved returns the dataset the rollup attributes the blob to: the only
// candidate, or the lexicographically first one when the blob is ambiguous.
// This matches the DISTINCT ON ordering used by the asset_single_dataset
// view, so the Go-side decision and the SQL-side decision always agree.
func (o MappingOutcome) Resolved() string { return o.Candidates[0] }

// MappingAudit is the result of the asset-dataset relationship analysis.
type MappingAudit struct {
	TotalMappings       int64
	UniqueAssets        int64
	UniqueDatasets      int64
	MaxDatasetsPerAsset int64

	// Outcomes holds one entry per blob mapped to more than one dataset.
	// Empty when every blob maps to exactly one dataset, which the keyed
	// mappings table guarantees under normal operation.
	Outcomes []MappingOutcome
}

// HasAmbiguity reports whether any blob is mapped to more than one dataset.
func (a *MappingAudit) HasAmbiguity() bool { return len(a.Outcomes) > 0 }

// AuditMappings analyzes the asset-dataset relationships and reports every
// blob with more than one dataset, each with its sorted candidate list.
func (c *Composer) AuditMappings(ctx context.Context) (*MappingAudit, error) {
	c.log.Debug("downloads: auditing asset-dataset relationships")

	stats, err := c.assets.GetMappingStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get mapping stats: %w", err)
	}

	multi, err := c.assets.MultiDatasetBlobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find multi-mapped blobs: %w", err)
	}

	audit := &MappingAudit{
		TotalMappings:       stats.TotalMappings,
		UniqueAssets:        stats.UniqueAssets,
		UniqueDatasets:      stats.UniqueDatasets,
		MaxDatasetsPerAsset: stats.MaxDatasetsPerAsset,
	}
	for _, blob := range multi {
		audit.Outcomes = append(audit.Outcomes, MappingOutcome{
			BlobID:     blob.BlobID,
			Candidates: blob.DatasetIDs,
		})
	}

	c.log.Info("downloads: mapping audit",
		"total_mappings", audit.TotalMappings,
		"unique_assets", audit.UniqueAssets,
		"unique_datasets", audit.UniqueDatasets,
		"multi_mapped_assets", len(audit.Outcomes),
		"max_datasets_per_asset", audit.MaxDatasetsPerAsset)

	if audit.HasAmbiguity() {
		sample := audit.Outcomes
		if len(sample) > 10 {
			sample = sample[:10]
		}
		for _, outcome := range sample {
			c.log.Warn("downloads: blob mapped to multiple datasets",
				"blob_id", outcome.BlobID,
				"datasets", strings.Join(outcome.Candidates, ","),
				"resolved", outcome.Resolved())
		}
	}
	return audit, nil
}

// EnsureRollupView creates daily_ip_dataset_stats. When the audit found
// multi-mapped blobs the rollup reads through asset_single_dataset, which
// picks the lexicographically first dataset per blob; otherwise it reads the
// enriched view directly. The two paths produce identical results on an
// unambiguous mapping table, so the direct path is purely an optimization.
func (c *Composer) EnsureRollupView(ctx context.Context, audit *MappingAudit) error {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	source := "downloads_enriched"
	if audit.HasAmbiguity() {
		c.log.Info("downloads: resolving multi-mapped blobs to their first dataset",
			"count", len(audit.Outcomes))

		singleMapping := `
			CREATE OR REPLACE VIEW asset_single_dataset AS
			SELECT DISTINCT ON (blob_id)
				blob_id,
				dataset_id
			FROM asset_dataset_mappings
			ORDER BY blob_id, dataset_id`
		if _, err := conn.ExecContext(ctx, singleMapping); err != nil {
			return fmt.Errorf("failed to create asset_single_dataset view: %w", err)
		}

		singleDownloads := `
			CREATE OR REPLACE VIEW downloads_single_dataset AS
			SELECT
				d.*,
				asd.dataset_id,
				a.asset_path,
				a.asset_size,
				ds.name AS dataset_name,
				r.region_code,
				r.country,
				r.region,
				r.provider,
				r.latitude,
				r.longitude
			FROM downloads_base d
			JOIN assets a ON d.blob_id = a.blob_id
			JOIN asset_single_dataset asd ON a.blob_id = asd.blob_id
			LEFT JOIN datasets ds ON asd.dataset_id = ds.identifier
			LEFT JOIN ip_regions ir ON d.indexed_ip = ir.indexed_ip
			LEFT JOIN regions r ON ir.region_code = r.region_code`
		if _, err := conn.ExecContext(ctx, singleDownloads); err != nil {
			return fmt.Errorf("failed to create downloads_single_dataset view: %w", err)
		}

		source = "downloads_single_dataset"
	} else {
		c.log.Debug("downloads: no multi-mapped blobs, rollup reads the enriched view")
	}

	rollup := fmt.Sprintf(`
		CREATE OR REPLACE VIEW daily_ip_dataset_stats AS
		SELECT
			indexed_ip,
			dataset_id,
			dataset_name,
			download_date,
			CAST(SUM(bytes_sent) AS UBIGINT) AS total_bytes_downloaded,
			COUNT(*) AS total_downloads,
			COUNT(DISTINCT blob_id) AS unique_assets_downloaded,
			region_code,
			country,
			region,
			provider,
			latitude,
			longitude
		FROM %s
		WHERE dataset_id IS NOT NULL
		GROUP BY indexed_ip, dataset_id, dataset_name, download_date,
			region_code, country, region, provider, latitude, longitude
		ORDER BY download_date DESC, total_bytes_downloaded DESC`, source)
	if _, err := conn.ExecContext(ctx, rollup); err != nil {
		return fmt.Errorf("failed to create daily_ip_dataset_stats view: %w", err)
	}
	return nil
}

// RollupRow is one row of the daily_ip_dataset_stats view.
type RollupRow struct {
	IndexedIP            uint64
	DatasetID            string
	DatasetName          *string
	DownloadDate         time.Time
	TotalBytesDownloaded uint64
	TotalDownloads       int64
	UniqueAssets         int64
	RegionCode           *string
	Country              *string
	Region               *string
	Provider             *string
	Latitude             *float64
	Longitude            *float64
}

// Sample returns the first rows of the rollup for operator inspection,
// composing the views first if they do not exist yet.
func (c *Composer) Sample(ctx context.Context, limit int) ([]RollupRow, error) {
	if limit <= 0 {
		limit = defaultSampleLimit
	}

	rows, err := c.querySample(ctx, limit)
	if err != nil {
		c.log.Warn("downloads: rollup view missing, composing views first", "error", err)
		if err := c.Refresh(ctx); err != nil {
			return nil, err
		}
		return c.querySample(ctx, limit)
	}
	return rows, nil
}

func (c *Composer) querySample(ctx context.Context, limit int) ([]RollupRow, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, fmt.Sprintf(`
		SELECT
			indexed_ip, dataset_id, dataset_name, download_date,
			total_bytes_downloaded, total_downloads, unique_assets_downloaded,
			region_code, country, region, provider, latitude, longitude
		FROM daily_ip_dataset_stats
		LIMIT %d`, limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query rollup sample: %w", err)
	}
	defer rows.Close()

	var sample []RollupRow
	for rows.Next() {
		var row RollupRow
		var name, regionCode, country, region, provider sql.NullString
		var latitude, longitude sql.NullFloat64
		if err := rows.Scan(
			&row.IndexedIP, &row.DatasetID, &name, &row.DownloadDate,
			&row.TotalBytesDownloaded, &row.TotalDownloads, &row.UniqueAssets,
			&regionCode, &country, &region, &provider, &latitude, &longitude,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rollup row: %w", err)
		}
		if name.Valid {
			row.DatasetName = &name.String
		}
		if regionCode.Valid {
			row.RegionCode = &regionCode.String
		}
		if country.Valid {
			row.Country = &country.String
		}
		if region.Valid {
			row.Region = &region.String
		}
		if provider.Valid {
			row.Provider = &provider.String
		}
		if latitude.Valid {
			row.Latitude = &latitude.Float64
		}
		if longitude.Valid {
			row.Longitude = &longitude.Float64
		}
		sample = append(sample, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rollup rows: %w", err)
	}
	return sample, nil
}

// sqlQuote escapes a string for interpolation into a statement that cannot
// take placeholders, like a view definition.
func sqlQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
