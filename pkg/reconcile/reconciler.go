// Package reconcile walks the archive catalog and mirrors its datasets,
// versions, and assets into the local database. Reconciliation is
// incremental: a version whose catalog modification time is not newer than
// its recorded processed_at is skipped, and a version is only marked
// processed after every one of its assets is durably written, so an
// interrupted run resumes exactly where it stopped.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"

	"github.com/archivelabs/downlake/pkg/assets"
	"github.com/archivelabs/downlake/pkg/catalog"
	"github.com/archivelabs/downlake/pkg/datasets"
	"github.com/archivelabs/downlake/pkg/pipeline/metrics"
)

const (
	defaultWorkers       = 4
	defaultProgressEvery = 10
)

// defaultDenylist holds dataset identifiers skipped unconditionally: their
// asset listings are too large to walk on every run.
var defaultDenylist = []string{"000571", "000773"}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Catalog  catalog.Client
	Datasets *datasets.Store
	Assets   *assets.Store

	// Workers bounds the number of datasets walked concurrently.
	Workers int

	// Denylist overrides the default denylist when non-nil; an empty
	// non-nil slice disables it.
	Denylist []string

	// ProgressEvery is the dataset interval between progress log lines.
	ProgressEvery int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Catalog == nil {
		return errors.New("catalog client is required")
	}
	if cfg.Datasets == nil {
		return errors.New("datasets store is required")
	}
	if cfg.Assets == nil {
		return errors.New("assets store is required")
	}

	// Optional with defaults
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Denylist == nil {
		cfg.Denylist = defaultDenylist
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = defaultProgressEvery
	}
	return nil
}

// Options selects the behavior of a single reconciliation run.
type Options struct {
	// Incremental skips versions whose catalog modification time is not
	// newer than their recorded processed_at.
	Incremental bool

	// ClearExisting empties all catalog tables before the walk.
	ClearExisting bool
}

// Stats aggregates the outcome counts of one reconciliation run.
type Stats struct {
	DatasetsProcessed int
	DatasetsSkipped   int
	VersionsProcessed int
	VersionsSkipped   int
	AssetsWritten     int
	AssetsSkipped     int
	Failures          int
}

func (s *Stats) add(other Stats) {
	s.DatasetsProcessed += other.DatasetsProcessed
	s.DatasetsSkipped += other.DatasetsSkipped
	s.VersionsProcessed += other.VersionsProcessed
	s.VersionsSkipped += other.VersionsSkipped
	s.AssetsWritten += other.AssetsWritten
	s.AssetsSkipped += other.AssetsSkipped
	s.Failures += other.Failures
}

// Efficiency returns the percentage of versions the incremental skip rule
// saved from reprocessing, or 0 when no versions were considered.
func (s Stats) Efficiency() float64 {
	considered := s.VersionsProcessed + s.VersionsSkipped
	if considered == 0 {
		return 0
	}
	return float64(s.VersionsSkipped) / float64(considered) * 100
}

type Reconciler struct {
	log    *slog.Logger
	cfg    Config
	pool   pond.ResultPool[Stats]
	denied map[string]struct{}
}

func NewReconciler(cfg Config) (*Reconciler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	denied := make(map[string]struct{}, len(cfg.Denylist))
	for _, id := range cfg.Denylist {
		denied[id] = struct{}{}
	}

	return &Reconciler{
		log:    cfg.Logger,
		cfg:    cfg,
		pool:   pond.NewResultPool[Stats](cfg.Workers),
		denied: denied,
	}, nil
}

// Reconcile walks every catalog dataset and returns the aggregated outcome
// counts. Per-dataset, per-version, and per-asset failures are logged and
// counted but never abort the run; only the top-level dataset listing is
// fatal.
func (r *Reconciler) Reconcile(ctx context.Context, opts Options) (Stats, error) {
	start := time.Now()
	defer func() {
		metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	}()

	if opts.ClearExisting {
		r.log.Info("reconcile: clearing all existing data (fresh start mode)")
		if err := r.clearExisting(ctx); err != nil {
			return Stats{}, err
		}
	}

	if opts.Incremental {
		r.log.Info("reconcile: incremental mode, unchanged versions will be skipped")
	} else {
		r.log.Info("reconcile: full rebuild mode, all versions will be processed")
	}

	summaries, err := r.cfg.Catalog.ListDatasets(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to list datasets: %w", err)
	}
	r.log.Info("reconcile: listed datasets", "count", len(summaries))

	var total Stats
	var completed atomic.Int64
	group := r.pool.NewGroupContext(ctx)

	for _, summary := range summaries {
		if _, ok := r.denied[summary.Identifier]; ok {
			r.log.Info("reconcile: skipping denylisted dataset", "dataset", summary.Identifier)
			total.DatasetsSkipped++
			continue
		}

		datasetID := summary.Identifier
		group.SubmitErr(func() (Stats, error) {
			stats := r.processDataset(ctx, datasetID, opts)
			if n := completed.Add(1); n%int64(r.cfg.ProgressEvery) == 0 {
				r.log.Info("reconcile: progress",
					"datasets_completed", n,
					"datasets_total", len(summaries))
			}
			return stats, nil
		})
	}

	results, err := group.Wait()
	if err != nil {
		return total, fmt.Errorf("failed to reconcile datasets: %w", err)
	}
	for _, stats := range results {
		total.add(stats)
	}

	r.log.Info("reconcile: completed",
		"duration", time.Since(start).String(),
		"datasets_processed", total.DatasetsProcessed,
		"datasets_skipped", total.DatasetsSkipped,
		"versions_processed", total.VersionsProcessed,
		"versions_skipped", total.VersionsSkipped,
		"assets_written", total.AssetsWritten,
		"assets_skipped", total.AssetsSkipped,
		"failures", total.Failures)
	if total.VersionsProcessed+total.VersionsSkipped > 0 {
		r.log.Info("reconcile: incremental efficiency",
			"versions_skipped_pct", fmt.Sprintf("%.1f", total.Efficiency()))
	}

	metrics.ReconcileDatasetsTotal.WithLabelValues("processed").Add(float64(total.DatasetsProcessed))
	metrics.ReconcileDatasetsTotal.WithLabelValues("skipped").Add(float64(total.DatasetsSkipped))
	metrics.ReconcileVersionsTotal.WithLabelValues("processed").Add(float64(total.VersionsProcessed))
	metrics.ReconcileVersionsTotal.WithLabelValues("skipped").Add(float64(total.VersionsSkipped))
	metrics.ReconcileAssetsTotal.WithLabelValues("written").Add(float64(total.AssetsWritten))
	metrics.ReconcileAssetsTotal.WithLabelValues("skipped").Add(float64(total.AssetsSkipped))
	metrics.ReconcileFailuresTotal.Add(float64(total.Failures))

	return total, nil
}

// clearExisting empties the catalog tables in foreign-key dependency order.
func (r *Reconciler) clearExisting(ctx context.Context) error {
	if err := r.cfg.Assets.ClearMappings(ctx); err != nil {
		return fmt.Errorf("failed to clear mappings: %w", err)
	}
	if err := r.cfg.Datasets.ClearVersions(ctx); err != nil {
		return fmt.Errorf("failed to clear versions: %w", err)
	}
	if err := r.cfg.Assets.ClearAssets(ctx); err != nil {
		return fmt.Errorf("failed to clear assets: %w", err)
	}
	if err := r.cfg.Datasets.ClearDatasets(ctx); err != nil {
		return fmt.Errorf("failed to clear datasets: %w", err)
	}
	return nil
}

func (r *Reconciler) processDataset(ctx context.Context, datasetID string, opts Options) Stats {
	var stats Stats

	versions, err := r.cfg.Catalog.ListVersions(ctx, datasetID)
	if err != nil {
		r.log.Warn("reconcile: failed to list versions", "dataset", datasetID, "error", err)
		stats.Failures++
		return stats
	}

	for _, version := range versions {
		if opts.Incremental {
			skip, err := r.shouldSkipVersion(ctx, datasetID, version)
			if err != nil {
				r.log.Warn("reconcile: failed to check version ledger",
					"dataset", datasetID, "version", version.ID, "error", err)
				stats.Failures++
				continue
			}
			if skip {
				stats.VersionsSkipped++
				continue
			}
		}

		if err := r.processVersion(ctx, datasetID, version.ID, &stats); err != nil {
			r.log.Warn("reconcile: failed to process version",
				"dataset", datasetID, "version", version.ID, "error", err)
			stats.Failures++
			continue
		}
		stats.VersionsProcessed++
	}

	stats.DatasetsProcessed++
	return stats
}

// shouldSkipVersion reports whether a version is already fully processed and
// unchanged in the catalog since. A missing record, a NULL processed_at, or
// an unknown catalog modification time all force reprocessing.
func (r *Reconciler) shouldSkipVersion(ctx context.Context, datasetID string, version catalog.Version) (bool, error) {
	record, err := r.cfg.Datasets.GetVersion(ctx, datasetID, version.ID)
	if err != nil {
		return false, err
	}
	if record == nil || record.ProcessedAt == nil || version.Modified.IsZero() {
		return false, nil
	}
	if version.Modified.After(*record.ProcessedAt) {
		r.log.Info("reconcile: version updated since last processed, reprocessing",
			"dataset", datasetID, "version", version.ID)
		return false, nil
	}
	return true, nil
}

func (r *Reconciler) processVersion(ctx context.Context, datasetID, versionID string, stats *Stats) error {
	detail, err := r.cfg.Catalog.GetVersion(ctx, datasetID, versionID)
	if err != nil {
		return fmt.Errorf("failed to get version detail: %w", err)
	}

	name := detail.Name
	if err := r.cfg.Datasets.UpsertDataset(ctx, datasets.Dataset{
		Identifier: datasetID,
		Name:       &name,
	}); err != nil {
		return fmt.Errorf("failed to upsert dataset: %w", err)
	}

	// The version row must exist before its assets so the mapping foreign
	// key has a target; the NULL processed_at marks it incomplete until
	// every asset is written.
	if err := r.cfg.Datasets.MarkVersionInFlight(ctx, datasetID, versionID); err != nil {
		return fmt.Errorf("failed to mark version in flight: %w", err)
	}

	entries, err := r.cfg.Catalog.ListAssets(ctx, datasetID, versionID)
	if err != nil {
		return fmt.Errorf("failed to list assets: %w", err)
	}

	for _, entry := range entries {
		if err := r.writeAsset(ctx, datasetID, versionID, entry); err != nil {
			r.log.Warn("reconcile: failed to write asset",
				"dataset", datasetID, "version", versionID, "path", entry.Path, "error", err)
			stats.AssetsSkipped++
			continue
		}
		stats.AssetsWritten++
	}

	if err := r.cfg.Datasets.MarkVersionProcessed(ctx, datasetID, versionID, r.cfg.Clock.Now().UTC()); err != nil {
		return fmt.Errorf("failed to mark version processed: %w", err)
	}
	return nil
}

func (r *Reconciler) writeAsset(ctx context.Context, datasetID, versionID string, entry catalog.Asset) error {
	blobID, assetType, err := classifyAsset(entry)
	if err != nil {
		return err
	}

	if err := r.cfg.Assets.UpsertAsset(ctx, assets.Asset{
		BlobID: blobID,
		Path:   entry.Path,
		Size:   entry.Size,
		Type:   assetType,
	}); err != nil {
		return fmt.Errorf("failed to upsert asset: %w", err)
	}

	// The mapping is keyed by blob, so a blob reappearing under another
	// dataset replaces its previous attribution. Legitimate, but never
	// silent.
	existing, err := r.cfg.Assets.GetMapping(ctx, blobID)
	if err != nil {
		return fmt.Errorf("failed to check existing mapping: %w", err)
	}
	if existing != nil && existing.DatasetID != datasetID {
		r.log.Warn("reconcile: blob remapped to a different dataset",
			"blob_id", blobID,
			"previous_dataset", existing.DatasetID,
			"dataset", datasetID)
	}

	if err := r.cfg.Assets.UpsertMapping(ctx, assets.Mapping{
		BlobID:    blobID,
		DatasetID: datasetID,
		VersionID: versionID,
	}); err != nil {
		return fmt.Errorf("failed to upsert mapping: %w", err)
	}
	return nil
}

// classifyAsset picks the content identifier and type tag for a catalog
// asset entry. An entry missing the identifier its type calls for cannot be
// stored.
func classifyAsset(entry catalog.Asset) (blobID, assetType string, err error) {
	if isZarrPath(entry.Path) {
		if entry.Zarr == "" {
			return "", "", errors.New("zarr asset has no zarr identifier")
		}
		return entry.Zarr, assets.TypeZarr, nil
	}
	if entry.Blob == "" {
		return "", "", errors.New("blob asset has no blob identifier")
	}
	return entry.Blob, assets.TypeBlob, nil
}

// isZarrPath reports whether the path's base name carries a .zarr dotted
// suffix, in any position: "img.ome.zarr" and "scan.zarr.bak" both qualify,
// "zarr.txt" does not.
func isZarrPath(assetPath string) bool {
	base := strings.TrimLeft(path.Base(assetPath), ".")
	parts := strings.Split(base, ".")
	for _, suffix := range parts[1:] {
		if suffix == "zarr" {
			return true
		}
	}
	return false
}
