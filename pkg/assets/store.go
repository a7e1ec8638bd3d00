package assets

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/archivelabs/downlake/pkg/duck"
)

// Asset type tags. Zarr stores are directory-style chunked arrays; everything
// else is a single-file blob.
const (
	TypeBlob = "blob"
	TypeZarr = "zarr"
)

type StoreConfig struct {
	Logger *slog.Logger
	DB     duck.DB
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	return nil
}

type Store struct {
	log *slog.Logger
	cfg StoreConfig
	db  duck.DB
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log: cfg.Logger,
		cfg: cfg,
		db:  cfg.DB,
	}, nil
}

// Asset is one row of the assets table.
type Asset struct {
	BlobID    string
	Path      string
	Size      *uint64
	Type      string
	CreatedAt *time.Time
}

// Mapping associates a blob with the (dataset, version) that contains it.
type Mapping struct {
	BlobID    string
	DatasetID string
	VersionID string
	CreatedAt *time.Time
}

// BlobIndexEntry maps a raw event's numeric blob index to a blob identifier.
type BlobIndexEntry struct {
	Index  int32
	BlobID string
}

// UpsertAsset inserts or updates an asset. created_at is set once on insert;
// mutable fields are last-write-wins.
func (s *Store) UpsertAsset(ctx context.Context, asset Asset) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	// DuckDB doesn't support ON CONFLICT on tables with foreign keys, so
	// upserts go through MERGE.
	_, err = conn.ExecContext(ctx, `
		MERGE INTO assets t
		USING (SELECT ? AS blob_id, ? AS asset_path, CAST(? AS UBIGINT) AS asset_size, ? AS asset_type) s
		ON t.blob_id = s.blob_id
		WHEN MATCHED THEN UPDATE SET asset_path = s.asset_path, asset_size = s.asset_size, asset_type = s.asset_type
		WHEN NOT MATCHED THEN INSERT (blob_id, asset_path, asset_size, asset_type, created_at)
			VALUES (s.blob_id, s.asset_path, s.asset_size, s.asset_type, CURRENT_TIMESTAMP)`,
		asset.BlobID, asset.Path, asset.Size, asset.Type)
	if err != nil {
		return fmt.Errorf("failed to upsert asset: %w", err)
	}
	return nil
}

// GetAsset returns the asset row for a blob identifier, or nil when absent.
func (s *Store) GetAsset(ctx context.Context, blobID string) (*Asset, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	row := conn.QueryRowContext(ctx, `
		SELECT blob_id, asset_path, asset_size, asset_type, created_at
		FROM assets WHERE blob_id = ?`, blobID)

	var asset Asset
	var path, assetType sql.NullString
	var size sql.NullInt64
	var createdAt sql.NullTime
	err = row.Scan(&asset.BlobID, &path, &size, &assetType, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan asset: %w", err)
	}

	if path.Valid {
		asset.Path = path.String
	}
	if size.Valid {
		u := uint64(size.Int64)
		asset.Size = &u
	}
	if assetType.Valid {
		asset.Type = assetType.String
	}
	if createdAt.Valid {
		asset.CreatedAt = &createdAt.Time
	}
	return &asset, nil
}

// UpsertMapping inserts or replaces the mapping for a blob. The asset and the
// (dataset, version) pair must already exist; the foreign keys reject
// anything else.
func (s *Store) UpsertMapping(ctx context.Context, mapping Mapping) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	_, err = conn.ExecContext(ctx, `
		MERGE INTO asset_dataset_mappings t
		USING (SELECT ? AS blob_id, ? AS dataset_id, ? AS version_id) s
		ON t.blob_id = s.blob_id
		WHEN MATCHED THEN UPDATE SET dataset_id = s.dataset_id, version_id = s.version_id
		WHEN NOT MATCHED THEN INSERT (blob_id, dataset_id, version_id)
			VALUES (s.blob_id, s.dataset_id, s.version_id)`,
		mapping.BlobID, mapping.DatasetID, mapping.VersionID)
	if err != nil {
		return fmt.Errorf("failed to upsert mapping: %w", err)
	}
	return nil
}

// GetMapping returns the mapping row for a blob identifier, or nil when the
// blob is unmapped.
func (s *Store) GetMapping(ctx context.Context, blobID string) (*Mapping, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	row := conn.QueryRowContext(ctx, `
		SELECT blob_id, dataset_id, version_id, created_at
		FROM asset_dataset_mappings WHERE blob_id = ?`, blobID)

	var mapping Mapping
	var createdAt sql.NullTime
	err = row.Scan(&mapping.BlobID, &mapping.DatasetID, &mapping.VersionID, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan mapping: %w", err)
	}

	if createdAt.Valid {
		mapping.CreatedAt = &createdAt.Time
	}
	return &mapping, nil
}

// MultiDatasetBlob is a blob that the mapping table associates with more
// than one dataset, with the candidates sorted lexicographically.
type MultiDatasetBlob struct {
	BlobID     string
	DatasetIDs []string
}

// MultiDatasetBlobs returns every blob mapped to more than one dataset. The
// mapping table's primary key makes this empty under normal operation; the
// rollup still audits before composing so a schema relaxation or imported
// data never silently skews attribution.
func (s *Store) MultiDatasetBlobs(ctx context.Context) ([]MultiDatasetBlob, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, `
		SELECT blob_id, dataset_id
		FROM asset_dataset_mappings
		WHERE blob_id IN (
			SELECT blob_id FROM asset_dataset_mappings
			GROUP BY blob_id
			HAVING COUNT(DISTINCT dataset_id) > 1
		)
		ORDER BY blob_id, dataset_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query multi-dataset blobs: %w", err)
	}
	defer rows.Close()

	var out []MultiDatasetBlob
	for rows.Next() {
		var blobID, datasetID string
		if err := rows.Scan(&blobID, &datasetID); err != nil {
			return nil, fmt.Errorf("failed to scan multi-dataset blob: %w", err)
		}
		if len(out) == 0 || out[len(out)-1].BlobID != blobID {
			out = append(out, MultiDatasetBlob{BlobID: blobID})
		}
		last := &out[len(out)-1]
		last.DatasetIDs = append(last.DatasetIDs, datasetID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating multi-dataset blobs: %w", err)
	}
	return out, nil
}

// MappingStats are aggregate counts over the mapping table.
type MappingStats struct {
	TotalMappings       int64
	UniqueAssets        int64
	UniqueDatasets      int64
	MaxDatasetsPerAsset int64
}

func (s *Store) GetMappingStats(ctx context.Context) (*MappingStats, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	row := conn.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM asset_dataset_mappings) AS total_mappings,
			COUNT(*) AS unique_assets,
			(SELECT COUNT(DISTINCT dataset_id) FROM asset_dataset_mappings) AS unique_datasets,
			COALESCE(MAX(dataset_count), 0) AS max_datasets_per_asset
		FROM (
			SELECT blob_id, COUNT(DISTINCT dataset_id) AS dataset_count
			FROM asset_dataset_mappings
			GROUP BY blob_id
		)`)

	var stats MappingStats
	err = row.Scan(&stats.TotalMappings, &stats.UniqueAssets, &stats.UniqueDatasets, &stats.MaxDatasetsPerAsset)
	if err != nil {
		return nil, fmt.Errorf("failed to scan mapping stats: %w", err)
	}
	return &stats, nil
}

// ReplaceBlobIndex replaces the whole indirection table with the given
// entries inside one retried transaction.
func (s *Store) ReplaceBlobIndex(ctx context.Context, entries []BlobIndexEntry) error {
	s.log.Debug("assets/store: replacing blob index", "count", len(entries))
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	cfg := duck.BulkLoadConfig{
		TableName: "blob_index",
		Columns:   []string{"blob_index:INTEGER", "blob_id:VARCHAR"},
		Replace:   true,
	}
	return duck.BulkLoadViaCSV(ctx, s.log, conn, cfg, len(entries), func(w *csv.Writer, i int) error {
		e := entries[i]
		return w.Write([]string{strconv.FormatInt(int64(e.Index), 10), e.BlobID})
	})
}

// GetBlobID returns the blob identifier for a numeric index, or nil when the
// index is unmapped.
func (s *Store) GetBlobID(ctx context.Context, index int32) (*string, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	var blobID string
	err = conn.QueryRowContext(ctx, `SELECT blob_id FROM blob_index WHERE blob_index = ?`, index).Scan(&blobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan blob id: %w", err)
	}
	return &blobID, nil
}

// ClearMappings removes every asset-dataset mapping.
func (s *Store) ClearMappings(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `DELETE FROM asset_dataset_mappings`); err != nil {
		return fmt.Errorf("failed to clear mappings: %w", err)
	}
	return nil
}

// ClearAssets removes every asset row. Mappings must be cleared first.
func (s *Store) ClearAssets(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `DELETE FROM assets`); err != nil {
		return fmt.Errorf("failed to clear assets: %w", err)
	}
	return nil
}

func (s *Store) CountAssets(ctx context.Context) (int64, error) {
	return s.count(ctx, "assets")
}

func (s *Store) CountMappings(ctx context.Context) (int64, error) {
	return s.count(ctx, "asset_dataset_mappings")
}

func (s *Store) CountBlobIndex(ctx context.Context) (int64, error) {
	return s.count(ctx, "blob_index")
}

// CountAssetsByType returns asset counts keyed by type tag.
func (s *Store) CountAssetsByType(ctx context.Context) (map[string]int64, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, `
		SELECT asset_type, COUNT(*) FROM assets GROUP BY asset_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to query asset types: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var assetType sql.NullString
		var count int64
		if err := rows.Scan(&assetType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan asset type: %w", err)
		}
		counts[assetType.String] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating asset types: %w", err)
	}
	return counts, nil
}

func (s *Store) count(ctx context.Context, table string) (int64, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	var count int64
	if err := conn.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return count, nil
}
