package duck

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"
)

// BulkLoadConfig describes a CSV-staged bulk load into an existing table.
type BulkLoadConfig struct {
	// TableName is the load target. The table must already exist.
	TableName string
	// Columns defines the loaded columns in CSV order as name:type pairs,
	// e.g. "indexed_ip:UBIGINT", "region_code:VARCHAR".
	Columns []string
	// KeyColumns switches the load from plain INSERT to a MERGE keyed on
	// these columns (update on match, insert otherwise).
	KeyColumns []string
	// Replace deletes all existing rows in the target before inserting.
	// Mutually exclusive with KeyColumns.
	Replace bool
}

// BulkLoadViaCSV performs a bulk load of count rows into cfg.TableName:
// rows are written to a temp CSV, COPYd into a typed staging table, then
// inserted (or merged) into the target inside a single retried transaction.
// Foreign key checks on the target apply as usual, so a load into a child
// table fails if referenced parents are missing.
func BulkLoadViaCSV(
	ctx context.Context,
	log *slog.Logger,
	conn Connection,
	cfg BulkLoadConfig,
	count int,
	writeCSVFn func(*csv.Writer, int) error,
) error {
	loadStart := time.Now()
	defer func() {
		duration := time.Since(loadStart)
		log.Debug("duck: bulk load completed",
			"table", cfg.TableName,
			"rows", count,
			"duration", duration.String())
	}()

	if cfg.TableName == "" {
		return fmt.Errorf("table name cannot be empty")
	}
	if len(cfg.Columns) == 0 {
		return fmt.Errorf("columns cannot be empty")
	}
	if cfg.Replace && len(cfg.KeyColumns) > 0 {
		return fmt.Errorf("replace and key columns are mutually exclusive")
	}

	colNames, colDefs, err := parseColumns(cfg.Columns)
	if err != nil {
		return err
	}
	for _, key := range cfg.KeyColumns {
		if !slices.Contains(colNames, key) {
			return fmt.Errorf("key column %q is not in columns", key)
		}
	}
	if len(cfg.KeyColumns) > 0 && len(cfg.KeyColumns) == len(colNames) {
		return fmt.Errorf("merge requires at least one non-key column")
	}

	if count == 0 && !cfg.Replace {
		return nil
	}

	tmpFile, err := os.CreateTemp("", fmt.Sprintf("%s_load_*.csv", cfg.TableName))
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name())
	defer tmpFile.Close()

	csvWriter := csv.NewWriter(tmpFile)
	for i := range count {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during CSV writing: %w", ctx.Err())
		default:
		}

		if err := writeCSVFn(csvWriter, i); err != nil {
			return fmt.Errorf("failed to write CSV row %d: %w", i, err)
		}
	}
	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return fmt.Errorf("failed to flush CSV: %w", err)
	}

	// Retry the transaction with the same CSV file.
	return retryWithBackoff(ctx, log, fmt.Sprintf("bulk load %s", cfg.TableName), func() error {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled before transaction for %s: %w", cfg.TableName, ctx.Err())
		default:
		}

		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for %s: %w", cfg.TableName, err)
		}
		defer func() {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Error("duck: failed to rollback transaction", "table", cfg.TableName, "error", err)
			}
		}()

		db := conn.DB()
		target := fmt.Sprintf("%s.%s.%s", db.Catalog(), db.Schema(), cfg.TableName)
		stageTableName := fmt.Sprintf("%s_stage", cfg.TableName)

		// Typed staging table so COPY performs the conversions and the
		// insert/merge below needs no casts.
		createSQL := fmt.Sprintf("CREATE TEMP TABLE %s (%s)", stageTableName, strings.Join(colDefs, ", "))
		if _, err := tx.ExecContext(ctx, createSQL); err != nil {
			return fmt.Errorf("failed to create stage table: %w", err)
		}

		if count > 0 {
			copySQL := fmt.Sprintf("COPY %s FROM '%s' (FORMAT CSV, HEADER false)", stageTableName, tmpFile.Name())
			if _, err := tx.ExecContext(ctx, copySQL); err != nil {
				return fmt.Errorf("failed to COPY FROM CSV: %w", err)
			}
		}

		if cfg.Replace {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", target)); err != nil {
				return fmt.Errorf("failed to clear target table: %w", err)
			}
		}

		colList := strings.Join(colNames, ", ")
		if len(cfg.KeyColumns) > 0 {
			// Upsert via MERGE (DuckDB doesn't support ON CONFLICT).
			onParts := make([]string, 0, len(cfg.KeyColumns))
			for _, key := range cfg.KeyColumns {
				onParts = append(onParts, fmt.Sprintf("t.%s = s.%s", key, key))
			}
			updateParts := make([]string, 0, len(colNames))
			selectParts := make([]string, 0, len(colNames))
			for _, col := range colNames {
				selectParts = append(selectParts, "s."+col)
				if !slices.Contains(cfg.KeyColumns, col) {
					updateParts = append(updateParts, fmt.Sprintf("%s = s.%s", col, col))
				}
			}
			mergeSQL := fmt.Sprintf(`MERGE INTO %s t USING %s s ON %s
				WHEN MATCHED THEN UPDATE SET %s
				WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)`,
				target,
				stageTableName,
				strings.Join(onParts, " AND "),
				strings.Join(updateParts, ", "),
				colList,
				strings.Join(selectParts, ", "))
			if _, err := tx.ExecContext(ctx, mergeSQL); err != nil {
				return fmt.Errorf("failed to merge into target table: %w", err)
			}
		} else {
			insertSQL := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s", target, colList, colList, stageTableName)
			if _, err := tx.ExecContext(ctx, insertSQL); err != nil {
				return fmt.Errorf("failed to insert into target table: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", stageTableName)); err != nil {
			log.Error("duck: failed to drop stage table", "error", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}

		return nil
	})
}

func parseColumns(columns []string) (names []string, defs []string, err error) {
	names = make([]string, 0, len(columns))
	defs = make([]string, 0, len(columns))
	for _, col := range columns {
		parts := strings.SplitN(col, ":", 2)
		if len(parts) != 2 {
			return nil, nil, fmt.Errorf("invalid column definition %q: expected format 'name:type'", col)
		}
		name := strings.TrimSpace(parts[0])
		typ := strings.TrimSpace(parts[1])
		names = append(names, name)
		defs = append(defs, fmt.Sprintf("%s %s", name, typ))
	}
	return names, defs, nil
}
