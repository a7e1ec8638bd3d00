package regions

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

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

// Region is one row of the regions table.
type Region struct {
	Code      string
	Country   *string
	Region    *string
	Provider  *string
	Latitude  *float64
	Longitude *float64
}

// IPRegion maps one anonymized IP index to a region code.
type IPRegion struct {
	IndexedIP  uint64
	RegionCode string
}

// AddRegion inserts the region if it is not present yet. For an existing
// region only the coordinates are updated, and only when the incoming pair is
// complete. Reports whether a new row was inserted.
func (s *Store) AddRegion(ctx context.Context, region Region) (bool, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	var exists string
	err = conn.QueryRowContext(ctx, `SELECT region_code FROM regions WHERE region_code = ?`, region.Code).Scan(&exists)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("failed to check region: %w", err)
		}
		_, err = conn.ExecContext(ctx, `
			INSERT INTO regions (region_code, country, region, provider, latitude, longitude)
			VALUES (?, ?, ?, ?, ?, ?)`,
			region.Code, region.Country, region.Region, region.Provider, region.Latitude, region.Longitude)
		if err != nil {
			return false, fmt.Errorf("failed to insert region: %w", err)
		}
		return true, nil
	}

	if region.Latitude != nil && region.Longitude != nil {
		if err := s.SetCoordinates(ctx, region.Code, Coordinates{Latitude: region.Latitude, Longitude: region.Longitude}); err != nil {
			return false, err
		}
	}
	return false, nil
}

// GetRegion returns the region row for a code, or nil when absent.
func (s *Store) GetRegion(ctx context.Context, code string) (*Region, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	row := conn.QueryRowContext(ctx, `
		SELECT region_code, country, region, provider, latitude, longitude
		FROM regions WHERE region_code = ?`, code)

	var region Region
	var country, regionName, provider sql.NullString
	var latitude, longitude sql.NullFloat64
	err = row.Scan(&region.Code, &country, &regionName, &provider, &latitude, &longitude)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan region: %w", err)
	}

	if country.Valid {
		region.Country = &country.String
	}
	if regionName.Valid {
		region.Region = &regionName.String
	}
	if provider.Valid {
		region.Provider = &provider.String
	}
	if latitude.Valid {
		region.Latitude = &latitude.Float64
	}
	if longitude.Valid {
		region.Longitude = &longitude.Float64
	}
	return &region, nil
}

// SetCoordinates updates the coordinate pair of an existing region.
func (s *Store) SetCoordinates(ctx context.Context, code string, coords Coordinates) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	_, err = conn.ExecContext(ctx, `
		UPDATE regions SET latitude = ?, longitude = ? WHERE region_code = ?`,
		coords.Latitude, coords.Longitude, code)
	if err != nil {
		return fmt.Errorf("failed to update coordinates: %w", err)
	}
	return nil
}

// RegionsMissingCoordinates lists region codes without a complete coordinate
// pair.
func (s *Store) RegionsMissingCoordinates(ctx context.Context) ([]string, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, `
		SELECT region_code FROM regions
		WHERE latitude IS NULL OR longitude IS NULL
		ORDER BY region_code`)
	if err != nil {
		return nil, fmt.Errorf("failed to query regions: %w", err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("failed to scan region code: %w", err)
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating regions: %w", err)
	}
	return codes, nil
}

// MapIP upserts a single IP index to region code mapping. The region must
// already exist; the foreign key rejects unknown codes.
func (s *Store) MapIP(ctx context.Context, indexedIP uint64, code string) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	// DuckDB doesn't support ON CONFLICT on tables with foreign keys, so
	// upserts go through MERGE.
	_, err = conn.ExecContext(ctx, `
		MERGE INTO ip_regions t
		USING (SELECT ? AS indexed_ip, ? AS region_code) s
		ON t.indexed_ip = s.indexed_ip
		WHEN MATCHED THEN UPDATE SET region_code = s.region_code
		WHEN NOT MATCHED THEN INSERT (indexed_ip, region_code) VALUES (s.indexed_ip, s.region_code)`,
		indexedIP, code)
	if err != nil {
		return fmt.Errorf("failed to upsert ip region: %w", err)
	}
	return nil
}

// MapIPs bulk-upserts IP to region mappings through CSV staging.
func (s *Store) MapIPs(ctx context.Context, entries []IPRegion) error {
	s.log.Debug("regions/store: upserting ip mappings", "count", len(entries))
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	cfg := duck.BulkLoadConfig{
		TableName:  "ip_regions",
		Columns:    []string{"indexed_ip:UBIGINT", "region_code:VARCHAR"},
		KeyColumns: []string{"indexed_ip"},
	}
	return duck.BulkLoadViaCSV(ctx, s.log, conn, cfg, len(entries), func(w *csv.Writer, i int) error {
		e := entries[i]
		return w.Write([]string{strconv.FormatUint(e.IndexedIP, 10), e.RegionCode})
	})
}

// GetIPRegion returns the region code mapped to an IP index, or nil when the
// IP is unmapped.
func (s *Store) GetIPRegion(ctx context.Context, indexedIP uint64) (*string, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	var code string
	err = conn.QueryRowContext(ctx, `SELECT region_code FROM ip_regions WHERE indexed_ip = ?`, indexedIP).Scan(&code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan ip region: %w", err)
	}
	return &code, nil
}

func (s *Store) CountRegions(ctx context.Context) (int64, error) {
	return s.count(ctx, "regions")
}

func (s *Store) CountIPRegions(ctx context.Context) (int64, error) {
	return s.count(ctx, "ip_regions")
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
