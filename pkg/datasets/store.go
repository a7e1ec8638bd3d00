package datasets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/archivelabs/downlake/pkg/duck"
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

// Dataset is one row of the datasets table.
type Dataset struct {
	Identifier  string
	Name        *string
	Description *string
	CreatedAt   *time.Time
	UpdatedAt   *time.Time
}

// VersionRecord tracks the processing state of one (dataset, version) pair.
// A nil ProcessedAt means the version is in flight or was interrupted and
// must be reprocessed.
type VersionRecord struct {
	DatasetID   string
	VersionID   string
	ProcessedAt *time.Time
}

// UpsertDataset inserts or updates the dataset's descriptive metadata.
// created_at is set once on insert; updated_at moves on every write.
func (s *Store) UpsertDataset(ctx context.Context, dataset Dataset) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	// DuckDB doesn't support ON CONFLICT on tables with foreign keys, so
	// upserts go through MERGE.
	_, err = conn.ExecContext(ctx, `
		MERGE INTO datasets t
		USING (SELECT ? AS identifier, ? AS name, ? AS description) s
		ON t.identifier = s.identifier
		WHEN MATCHED THEN UPDATE SET name = s.name, description = s.description, updated_at = CURRENT_TIMESTAMP
		WHEN NOT MATCHED THEN INSERT (identifier, name, description, created_at, updated_at)
			VALUES (s.identifier, s.name, s.description, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
		dataset.Identifier, dataset.Name, dataset.Description)
	if err != nil {
		return fmt.Errorf("failed to upsert dataset: %w", err)
	}
	return nil
}

// GetDataset returns the dataset row for an identifier, or nil when absent.
func (s *Store) GetDataset(ctx context.Context, identifier string) (*Dataset, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	row := conn.QueryRowContext(ctx, `
		SELECT identifier, name, description, created_at, updated_at
		FROM datasets WHERE identifier = ?`, identifier)

	var dataset Dataset
	var name, description sql.NullString
	var createdAt, updatedAt sql.NullTime
	err = row.Scan(&dataset.Identifier, &name, &description, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan dataset: %w", err)
	}

	if name.Valid {
		dataset.Name = &name.String
	}
	if description.Valid {
		dataset.Description = &description.String
	}
	if createdAt.Valid {
		dataset.CreatedAt = &createdAt.Time
	}
	if updatedAt.Valid {
		dataset.UpdatedAt = &updatedAt.Time
	}
	return &dataset, nil
}

// MarkVersionInFlight upserts the version row with a NULL processed_at. The
// row must exist before any of the version's assets are written so the
// mapping foreign key has a target; the NULL marks the version incomplete
// until MarkVersionProcessed.
func (s *Store) MarkVersionInFlight(ctx context.Context, datasetID, versionID string) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	_, err = conn.ExecContext(ctx, `
		MERGE INTO dataset_versions t
		USING (SELECT ? AS dataset_id, ? AS version_id) s
		ON t.dataset_id = s.dataset_id AND t.version_id = s.version_id
		WHEN MATCHED THEN UPDATE SET processed_at = NULL
		WHEN NOT MATCHED THEN INSERT (dataset_id, version_id, processed_at)
			VALUES (s.dataset_id, s.version_id, NULL)`,
		datasetID, versionID)
	if err != nil {
		return fmt.Errorf("failed to mark version in flight: %w", err)
	}
	return nil
}

// MarkVersionProcessed records the completion time for a version.
func (s *Store) MarkVersionProcessed(ctx context.Context, datasetID, versionID string, processedAt time.Time) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	_, err = conn.ExecContext(ctx, `
		MERGE INTO dataset_versions t
		USING (SELECT ? AS dataset_id, ? AS version_id, CAST(? AS TIMESTAMP) AS processed_at) s
		ON t.dataset_id = s.dataset_id AND t.version_id = s.version_id
		WHEN MATCHED THEN UPDATE SET processed_at = s.processed_at
		WHEN NOT MATCHED THEN INSERT (dataset_id, version_id, processed_at)
			VALUES (s.dataset_id, s.version_id, s.processed_at)`,
		datasetID, versionID, processedAt)
	if err != nil {
		return fmt.Errorf("failed to mark version processed: %w", err)
	}
	return nil
}

// GetVersion returns the processing record for a (dataset, version) pair, or
// nil when the pair has never been seen.
func (s *Store) GetVersion(ctx context.Context, datasetID, versionID string) (*VersionRecord, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	row := conn.QueryRowContext(ctx, `
		SELECT dataset_id, version_id, processed_at
		FROM dataset_versions WHERE dataset_id = ? AND version_id = ?`,
		datasetID, versionID)

	var record VersionRecord
	var processedAt sql.NullTime
	err = row.Scan(&record.DatasetID, &record.VersionID, &processedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan version: %w", err)
	}

	if processedAt.Valid {
		record.ProcessedAt = &processedAt.Time
	}
	return &record, nil
}

// ClearVersions removes every version record. Mappings referencing the
// versions must be cleared first.
func (s *Store) ClearVersions(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `DELETE FROM dataset_versions`); err != nil {
		return fmt.Errorf("failed to clear versions: %w", err)
	}
	return nil
}

// ClearDatasets removes every dataset row. Versions must be cleared first.
func (s *Store) ClearDatasets(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `DELETE FROM datasets`); err != nil {
		return fmt.Errorf("failed to clear datasets: %w", err)
	}
	return nil
}

func (s *Store) CountDatasets(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM datasets`)
}

func (s *Store) CountVersions(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM dataset_versions`)
}

func (s *Store) CountProcessedVersions(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM dataset_versions WHERE processed_at IS NOT NULL`)
}

func (s *Store) count(ctx context.Context, query string) (int64, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	var count int64
	if err := conn.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count: %w", err)
	}
	return count, nil
}
