package assets

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"testing"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/archivelabs/downlake/pkg/datasets"
	"github.com/archivelabs/downlake/pkg/duck"
	"github.com/stretchr/testify/require"
)

type failingDB struct{}

func (f *failingDB) Close() error {
	return nil
}

func (f *failingDB) Catalog() string {
	return "main"
}

func (f *failingDB) Schema() string {
	return "main"
}

func (f *failingDB) Conn(ctx context.Context) (duck.Connection, error) {
	return &failingDBConn{db: f}, nil
}

type failingDBConn struct {
	db *failingDB
}

func (f *failingDBConn) DB() duck.DB {
	return f.db
}

func (f *failingDBConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return nil, errors.New("database error")
}

func (f *failingDBConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return nil, errors.New("database error")
}

func (f *failingDBConn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return &sql.Row{}
}

func (f *failingDBConn) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return nil, errors.New("database error")
}

func (f *failingDBConn) Close() error {
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func testDB(t *testing.T) duck.DB {
	db, err := duck.NewDB(t.Context(), "", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

// testStore wires the asset tables on top of the dataset tables the mapping
// foreign keys point at.
func testStore(t *testing.T) (*Store, *datasets.Store) {
	db := testDB(t)

	datasetStore, err := datasets.NewStore(datasets.StoreConfig{Logger: testLogger(), DB: db})
	require.NoError(t, err)
	require.NoError(t, datasetStore.CreateTablesIfNotExists(context.Background()))

	store, err := NewStore(StoreConfig{Logger: testLogger(), DB: db})
	require.NoError(t, err)
	require.NoError(t, store.CreateTablesIfNotExists(context.Background()))
	return store, datasetStore
}

func seedVersion(t *testing.T, datasetStore *datasets.Store, datasetID, versionID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, datasetStore.UpsertDataset(ctx, datasets.Dataset{Identifier: datasetID}))
	require.NoError(t, datasetStore.MarkVersionInFlight(ctx, datasetID, versionID))
}

func u64(v uint64) *uint64 {
	return &v
}

func TestDownlake_Assets_Store_NewStore(t *testing.T) {
	t.Parallel()

	t.Run("returns error when logger is missing", func(t *testing.T) {
		t.Parallel()
		store, err := NewStore(StoreConfig{DB: &failingDB{}})
		require.Error(t, err)
		require.Nil(t, store)
		require.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when db is missing", func(t *testing.T) {
		t.Parallel()
		store, err := NewStore(StoreConfig{Logger: testLogger()})
		require.Error(t, err)
		require.Nil(t, store)
		require.Contains(t, err.Error(), "db is required")
	})

	t.Run("create tables is idempotent", func(t *testing.T) {
		t.Parallel()
		store, _ := testStore(t)
		require.NoError(t, store.CreateTablesIfNotExists(context.Background()))
	})
}

func TestDownlake_Assets_Store_UpsertAsset(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("inserts asset with size", func(t *testing.T) {
		t.Parallel()
		store, _ := testStore(t)

		err := store.UpsertAsset(ctx, Asset{
			BlobID: "blob-aaa",
			Path:   "sub-01/sub-01_ecephys.nwb",
			Size:   u64(1024),
			Type:   TypeBlob,
		})
		require.NoError(t, err)

		got, err := store.GetAsset(ctx, "blob-aaa")
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, "sub-01/sub-01_ecephys.nwb", got.Path)
		require.NotNil(t, got.Size)
		require.Equal(t, uint64(1024), *got.Size)
		require.Equal(t, TypeBlob, got.Type)
		require.NotNil(t, got.CreatedAt)
	})

	t.Run("stores null size", func(t *testing.T) {
		t.Parallel()
		store, _ := testStore(t)

		require.NoError(t, store.UpsertAsset(ctx, Asset{BlobID: "zarr-bbb", Path: "img.zarr", Type: TypeZarr}))

		got, err := store.GetAsset(ctx, "zarr-bbb")
		require.NoError(t, err)
		require.Nil(t, got.Size)
		require.Equal(t, TypeZarr, got.Type)
	})

	t.Run("updates mutable fields and keeps created_at", func(t *testing.T) {
		t.Parallel()
		store, _ := testStore(t)

		require.NoError(t, store.UpsertAsset(ctx, Asset{BlobID: "blob-aaa", Path: "old.nwb", Size: u64(1), Type: TypeBlob}))
		first, err := store.GetAsset(ctx, "blob-aaa")
		require.NoError(t, err)

		require.NoError(t, store.UpsertAsset(ctx, Asset{BlobID: "blob-aaa", Path: "new.nwb", Size: u64(2), Type: TypeBlob}))
		second, err := store.GetAsset(ctx, "blob-aaa")
		require.NoError(t, err)
		require.Equal(t, "new.nwb", second.Path)
		require.Equal(t, uint64(2), *second.Size)
		require.True(t, second.CreatedAt.Equal(*first.CreatedAt))

		count, err := store.CountAssets(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(1), count)
	})

	t.Run("returns nil for absent asset", func(t *testing.T) {
		t.Parallel()
		store, _ := testStore(t)

		got, err := store.GetAsset(ctx, "blob-nope")
		require.NoError(t, err)
		require.Nil(t, got)
	})

	t.Run("counts assets by type", func(t *testing.T) {
		t.Parallel()
		store, _ := testStore(t)

		require.NoError(t, store.UpsertAsset(ctx, Asset{BlobID: "blob-a", Path: "a.nwb", Type: TypeBlob}))
		require.NoError(t, store.UpsertAsset(ctx, Asset{BlobID: "blob-b", Path: "b.nwb", Type: TypeBlob}))
		require.NoError(t, store.UpsertAsset(ctx, Asset{BlobID: "zarr-c", Path: "c.zarr", Type: TypeZarr}))

		counts, err := store.CountAssetsByType(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(2), counts[TypeBlob])
		require.Equal(t, int64(1), counts[TypeZarr])
	})

	t.Run("returns error when db fails", func(t *testing.T) {
		t.Parallel()
		store, err := NewStore(StoreConfig{Logger: testLogger(), DB: &failingDB{}})
		require.NoError(t, err)

		err = store.UpsertAsset(ctx, Asset{BlobID: "blob-a", Path: "a.nwb", Type: TypeBlob})
		require.Error(t, err)
		require.Contains(t, err.Error(), "failed to upsert asset")
	})
}

func TestDownlake_Assets_Store_UpsertMapping(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("maps blob to dataset version", func(t *testing.T) {
		t.Parallel()
		store, datasetStore := testStore(t)

		seedVersion(t, datasetStore, "000003", "draft")
		require.NoError(t, store.UpsertAsset(ctx, Asset{BlobID: "blob-aaa", Path: "a.nwb", Type: TypeBlob}))
		require.NoError(t, store.UpsertMapping(ctx, Mapping{BlobID: "blob-aaa", DatasetID: "000003", VersionID: "draft"}))

		got, err := store.GetMapping(ctx, "blob-aaa")
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, "000003", got.DatasetID)
		require.Equal(t, "draft", got.VersionID)
		require.NotNil(t, got.CreatedAt)
	})

	t.Run("replaces mapping on re-upsert", func(t *testing.T) {
		t.Parallel()
		store, datasetStore := testStore(t)

		seedVersion(t, datasetStore, "000102", "draft")
		seedVersion(t, datasetStore, "000099", "draft")
		require.NoError(t, store.UpsertAsset(ctx, Asset{BlobID: "blob-shared", Path: "s.nwb", Type: TypeBlob}))

		require.NoError(t, store.UpsertMapping(ctx, Mapping{BlobID: "blob-shared", DatasetID: "000102", VersionID: "draft"}))
		require.NoError(t, store.UpsertMapping(ctx, Mapping{BlobID: "blob-shared", DatasetID: "000099", VersionID: "draft"}))

		got, err := store.GetMapping(ctx, "blob-shared")
		require.NoError(t, err)
		require.Equal(t, "000099", got.DatasetID)

		count, err := store.CountMappings(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(1), count)
	})

	t.Run("rejects mapping for missing asset", func(t *testing.T) {
		t.Parallel()
		store, datasetStore := testStore(t)

		seedVersion(t, datasetStore, "000003", "draft")
		err := store.UpsertMapping(ctx, Mapping{BlobID: "blob-ghost", DatasetID: "000003", VersionID: "draft"})
		require.Error(t, err)
	})

	t.Run("rejects mapping for missing version", func(t *testing.T) {
		t.Parallel()
		store, _ := testStore(t)

		require.NoError(t, store.UpsertAsset(ctx, Asset{BlobID: "blob-aaa", Path: "a.nwb", Type: TypeBlob}))
		err := store.UpsertMapping(ctx, Mapping{BlobID: "blob-aaa", DatasetID: "000404", VersionID: "draft"})
		require.Error(t, err)
	})

	t.Run("returns nil for unmapped blob", func(t *testing.T) {
		t.Parallel()
		store, _ := testStore(t)

		got, err := store.GetMapping(ctx, "blob-none")
		require.NoError(t, err)
		require.Nil(t, got)
	})
}

func TestDownlake_Assets_Store_MappingAuditQueries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("reports aggregate stats", func(t *testing.T) {
		t.Parallel()
		store, datasetStore := testStore(t)

		seedVersion(t, datasetStore, "000102", "draft")
		seedVersion(t, datasetStore, "000099", "draft")
		require.NoError(t, store.UpsertAsset(ctx, Asset{BlobID: "blob-a", Path: "a.nwb", Type: TypeBlob}))
		require.NoError(t, store.UpsertAsset(ctx, Asset{BlobID: "blob-b", Path: "b.nwb", Type: TypeBlob}))
		require.NoError(t, store.UpsertMapping(ctx, Mapping{BlobID: "blob-a", DatasetID: "000102", VersionID: "draft"}))
		require.NoError(t, store.UpsertMapping(ctx, Mapping{BlobID: "blob-b", DatasetID: "000099", VersionID: "draft"}))

		stats, err := store.GetMappingStats(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(2), stats.TotalMappings)
		require.Equal(t, int64(2), stats.UniqueAssets)
		require.Equal(t, int64(2), stats.UniqueDatasets)
		require.Equal(t, int64(1), stats.MaxDatasetsPerAsset)
	})

	t.Run("reports zero stats for empty table", func(t *testing.T) {
		t.Parallel()
		store, _ := testStore(t)

		stats, err := store.GetMappingStats(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(0), stats.TotalMappings)
		require.Equal(t, int64(0), stats.MaxDatasetsPerAsset)
	})

	t.Run("finds no multi-dataset blobs under the keyed table", func(t *testing.T) {
		t.Parallel()
		store, datasetStore := testStore(t)

		seedVersion(t, datasetStore, "000102", "draft")
		seedVersion(t, datasetStore, "000099", "draft")
		require.NoError(t, store.UpsertAsset(ctx, Asset{BlobID: "blob-shared", Path: "s.nwb", Type: TypeBlob}))
		require.NoError(t, store.UpsertMapping(ctx, Mapping{BlobID: "blob-shared", DatasetID: "000102", VersionID: "draft"}))
		require.NoError(t, store.UpsertMapping(ctx, Mapping{BlobID: "blob-shared", DatasetID: "000099", VersionID: "draft"}))

		blobs, err := store.MultiDatasetBlobs(ctx)
		require.NoError(t, err)
		require.Empty(t, blobs)
	})
}

func TestDownlake_Assets_Store_ReplaceBlobIndex(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("loads entries", func(t *testing.T) {
		t.Parallel()
		store, _ := testStore(t)

		err := store.ReplaceBlobIndex(ctx, []BlobIndexEntry{
			{Index: 0, BlobID: "blob-a"},
			{Index: 1, BlobID: "blob-b"},
			{Index: 5, BlobID: "blob-f"},
		})
		require.NoError(t, err)

		count, err := store.CountBlobIndex(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(3), count)

		blobID, err := store.GetBlobID(ctx, 5)
		require.NoError(t, err)
		require.NotNil(t, blobID)
		require.Equal(t, "blob-f", *blobID)
	})

	t.Run("replaces wholesale", func(t *testing.T) {
		t.Parallel()
		store, _ := testStore(t)

		require.NoError(t, store.ReplaceBlobIndex(ctx, []BlobIndexEntry{
			{Index: 0, BlobID: "blob-a"},
			{Index: 1, BlobID: "blob-b"},
		}))
		require.NoError(t, store.ReplaceBlobIndex(ctx, []BlobIndexEntry{
			{Index: 7, BlobID: "blob-h"},
		}))

		count, err := store.CountBlobIndex(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(1), count)

		gone, err := store.GetBlobID(ctx, 0)
		require.NoError(t, err)
		require.Nil(t, gone)
	})

	t.Run("empty replace clears the table", func(t *testing.T) {
		t.Parallel()
		store, _ := testStore(t)

		require.NoError(t, store.ReplaceBlobIndex(ctx, []BlobIndexEntry{{Index: 0, BlobID: "blob-a"}}))
		require.NoError(t, store.ReplaceBlobIndex(ctx, nil))

		count, err := store.CountBlobIndex(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(0), count)
	})

	t.Run("returns error when db fails", func(t *testing.T) {
		t.Parallel()
		store, err := NewStore(StoreConfig{Logger: testLogger(), DB: &failingDB{}})
		require.NoError(t, err)

		err = store.ReplaceBlobIndex(ctx, []BlobIndexEntry{{Index: 0, BlobID: "blob-a"}})
		require.Error(t, err)
	})
}

func TestDownlake_Assets_Store_Clear(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("clears mappings then assets", func(t *testing.T) {
		t.Parallel()
		store, datasetStore := testStore(t)
		seedVersion(t, datasetStore, "000102", "draft")

		require.NoError(t, store.UpsertAsset(ctx, Asset{BlobID: "blob-a", Path: "a.nwb", Type: TypeBlob}))
		require.NoError(t, store.UpsertMapping(ctx, Mapping{BlobID: "blob-a", DatasetID: "000102", VersionID: "draft"}))

		require.NoError(t, store.ClearMappings(ctx))
		require.NoError(t, store.ClearAssets(ctx))

		assetCount, err := store.CountAssets(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(0), assetCount)

		mappingCount, err := store.CountMappings(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(0), mappingCount)
	})

	t.Run("clearing assets before mappings violates the foreign key", func(t *testing.T) {
		t.Parallel()
		store, datasetStore := testStore(t)
		seedVersion(t, datasetStore, "000102", "draft")

		require.NoError(t, store.UpsertAsset(ctx, Asset{BlobID: "blob-a", Path: "a.nwb", Type: TypeBlob}))
		require.NoError(t, store.UpsertMapping(ctx, Mapping{BlobID: "blob-a", DatasetID: "000102", VersionID: "draft"}))

		require.Error(t, store.ClearAssets(ctx))
	})

	t.Run("returns error when db fails", func(t *testing.T) {
		t.Parallel()
		store, err := NewStore(StoreConfig{Logger: testLogger(), DB: &failingDB{}})
		require.NoError(t, err)

		require.Error(t, store.ClearMappings(ctx))
		require.Error(t, store.ClearAssets(ctx))
	})
}
