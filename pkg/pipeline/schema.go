package pipeline

import (
	"context"
	"fmt"
)

// EnsureSchema creates every table the pipeline uses. Creation order follows
// the foreign keys: dataset tables before asset tables, region tables before
// IP mappings.
func (p *Pipeline) EnsureSchema(ctx context.Context) error {
	if err := p.datasets.CreateTablesIfNotExists(ctx); err != nil {
		return fmt.Errorf("failed to create dataset tables: %w", err)
	}
	if err := p.assets.CreateTablesIfNotExists(ctx); err != nil {
		return fmt.Errorf("failed to create asset tables: %w", err)
	}
	if err := p.regions.CreateTablesIfNotExists(ctx); err != nil {
		return fmt.Errorf("failed to create region tables: %w", err)
	}
	return nil
}
