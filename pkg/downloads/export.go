package downloads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/archivelabs/downlake/pkg/duck"
	"github.com/archivelabs/downlake/pkg/pipeline/metrics"
)

type ExporterConfig struct {
	Logger *slog.Logger
	DB     duck.DB
}

func (cfg *ExporterConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	return nil
}

// Exporter writes the daily rollup to a parquet file.
type Exporter struct {
	log *slog.Logger
	cfg ExporterConfig
	db  duck.DB
}

func NewExporter(cfg ExporterConfig) (*Exporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Exporter{
		log: cfg.Logger,
		cfg: cfg,
		db:  cfg.DB,
	}, nil
}

// Export writes daily_ip_dataset_stats to outputPath as parquet. The copy
// goes to a temp file in the target directory and is renamed into place, so
// concurrent readers see either the old artifact or the new one, never a
// partial write. Each export fully replaces the previous artifact.
func (e *Exporter) Export(ctx context.Context, outputPath string) error {
	start := time.Now()
	defer func() {
		metrics.ExportDuration.Observe(time.Since(start).Seconds())
	}()

	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".daily_ip_dataset_stats-*.parquet")
	if err != nil {
		return fmt.Errorf("failed to create temp export file: %w", err)
	}
	tmpPath := tmp.Name()
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp export file: %w", err)
	}
	defer os.Remove(tmpPath)

	conn, err := e.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	e.log.Debug("downloads: exporting rollup", "path", outputPath)
	if _, err := conn.ExecContext(ctx, fmt.Sprintf(
		`COPY (SELECT * FROM daily_ip_dataset_stats) TO %s (FORMAT PARQUET)`,
		sqlQuote(tmpPath))); err != nil {
		return fmt.Errorf("failed to export rollup: %w", err)
	}

	if err := os.Rename(tmpPath, outputPath); err != nil {
		return fmt.Errorf("failed to move export into place: %w", err)
	}

	var size int64
	if info, err := os.Stat(outputPath); err == nil {
		size = info.Size()
	}
	e.log.Info("downloads: exported rollup",
		"path", outputPath,
		"bytes", size,
		"duration", time.Since(start).String())
	return nil
}
