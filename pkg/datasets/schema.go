package datasets

import (
	"context"
	"fmt"
)

const createDatasetsTableSQL = `
CREATE TABLE IF NOT EXISTS datasets (
	identifier VARCHAR PRIMARY KEY,
	name VARCHAR,
	description TEXT,
	created_at TIMESTAMP,
	updated_at TIMESTAMP
)`

// processed_at is the crash-safety ledger: NULL means the version's assets
// are not fully written and the version must be reprocessed.
const createDatasetVersionsTableSQL = `
CREATE TABLE IF NOT EXISTS dataset_versions (
	dataset_id VARCHAR,
	version_id VARCHAR,
	processed_at TIMESTAMP,
	PRIMARY KEY (dataset_id, version_id),
	FOREIGN KEY (dataset_id) REFERENCES datasets(identifier)
)`

func (s *Store) CreateTablesIfNotExists(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, createDatasetsTableSQL); err != nil {
		return fmt.Errorf("failed to create datasets table: %w", err)
	}
	if _, err := conn.ExecContext(ctx, createDatasetVersionsTableSQL); err != nil {
		return fmt.Errorf("failed to create dataset_versions table: %w", err)
	}
	return nil
}
