package regions

import (
	"context"
	"fmt"
)

// One row per unique region; many IPs map to the same region.
const createRegionsTableSQL = `
CREATE TABLE IF NOT EXISTS regions (
	region_code VARCHAR PRIMARY KEY,
	country VARCHAR,
	region VARCHAR,
	provider VARCHAR,
	latitude DOUBLE,
	longitude DOUBLE
)`

const createIPRegionsTableSQL = `
CREATE TABLE IF NOT EXISTS ip_regions (
	indexed_ip UBIGINT PRIMARY KEY,
	region_code VARCHAR NOT NULL,
	FOREIGN KEY (region_code) REFERENCES regions(region_code)
)`

func (s *Store) CreateTablesIfNotExists(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, createRegionsTableSQL); err != nil {
		return fmt.Errorf("failed to create regions table: %w", err)
	}
	if _, err := conn.ExecContext(ctx, createIPRegionsTableSQL); err != nil {
		return fmt.Errorf("failed to create ip_regions table: %w", err)
	}
	return nil
}
