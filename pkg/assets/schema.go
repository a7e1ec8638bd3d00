package assets

import (
	"context"
	"fmt"
)

const createAssetsTableSQL = `
CREATE TABLE IF NOT EXISTS assets (
	blob_id VARCHAR PRIMARY KEY,
	asset_path VARCHAR,
	asset_size UBIGINT,
	asset_type VARCHAR,
	created_at TIMESTAMP
)`

// Keyed by blob: an asset maps to exactly one (dataset, version) at a time
// and a re-mapping replaces the previous row. The composite foreign key
// requires the version row to exist before any of its assets are mapped.
const createMappingsTableSQL = `
CREATE TABLE IF NOT EXISTS asset_dataset_mappings (
	blob_id VARCHAR PRIMARY KEY,
	dataset_id VARCHAR,
	version_id VARCHAR,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (blob_id) REFERENCES assets(blob_id),
	FOREIGN KEY (dataset_id, version_id) REFERENCES dataset_versions(dataset_id, version_id)
)`

// Raw events carry a compact numeric blob index instead of the full
// identifier string; this table is the indirection between the two.
const createBlobIndexTableSQL = `
CREATE TABLE IF NOT EXISTS blob_index (
	blob_index INTEGER PRIMARY KEY,
	blob_id VARCHAR
)`

func (s *Store) CreateTablesIfNotExists(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, createAssetsTableSQL); err != nil {
		return fmt.Errorf("failed to create assets table: %w", err)
	}
	if _, err := conn.ExecContext(ctx, createMappingsTableSQL); err != nil {
		return fmt.Errorf("failed to create asset_dataset_mappings table: %w", err)
	}
	if _, err := conn.ExecContext(ctx, createBlobIndexTableSQL); err != nil {
		return fmt.Errorf("failed to create blob_index table: %w", err)
	}
	return nil
}
