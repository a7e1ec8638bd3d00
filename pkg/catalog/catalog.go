// Package catalog speaks the archive's read-only hierarchical REST API:
// datasets, their published versions, and the assets inside each version.
package catalog

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the catalog has no such dataset or version.
var ErrNotFound = errors.New("catalog: not found")

// DatasetSummary is one entry from the top-level dataset listing.
type DatasetSummary struct {
	Identifier string    `json:"identifier"`
	Created    time.Time `json:"created"`
	Modified   time.Time `json:"modified"`
}

// Version is one entry from a dataset's version listing. Modified is the
// catalog's last-modified time for the version, compared against the local
// processed_at ledger to decide whether reprocessing is needed.
type Version struct {
	ID       string    `json:"version"`
	Modified time.Time `json:"modified"`
}

// VersionDetail is the descriptive metadata for one version.
type VersionDetail struct {
	ID         string    `json:"version"`
	Name       string    `json:"name"`
	AssetCount int       `json:"asset_count"`
	Size       uint64    `json:"size"`
	Created    time.Time `json:"created"`
	Modified   time.Time `json:"modified"`
}

// Asset is one entry from a version's asset listing. Blob and Zarr carry the
// type-specific content identifiers; which one is populated depends on how
// the asset is stored.
type Asset struct {
	Path string  `json:"path"`
	Size *uint64 `json:"size"`
	Blob string  `json:"blob"`
	Zarr string  `json:"zarr"`
}

// Client is the catalog surface the reconciler consumes.
type Client interface {
	ListDatasets(ctx context.Context) ([]DatasetSummary, error)
	ListVersions(ctx context.Context, datasetID string) ([]Version, error)
	GetVersion(ctx context.Context, datasetID, versionID string) (*VersionDetail, error)
	ListAssets(ctx context.Context, datasetID, versionID string) ([]Asset, error)
}
