package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/archivelabs/downlake/pkg/assets"
	"github.com/archivelabs/downlake/pkg/catalog"
	"github.com/archivelabs/downlake/pkg/datasets"
	"github.com/archivelabs/downlake/pkg/duck"
)

var _ catalog.Client = (*fakeCatalog)(nil)

// fakeCatalog is an in-memory catalog.Client with per-endpoint call counts
// and injectable failures.
type fakeCatalog struct {
	mu sync.Mutex

	summaries []catalog.DatasetSummary
	versions  map[string][]catalog.Version
	details   map[string]*catalog.VersionDetail
	assets    map[string][]catalog.Asset

	listDatasetsErr error
	listAssetsErr   map[string]error

	listVersionsCalls map[string]int
	listAssetsCalls   map[string]int
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		versions:          make(map[string][]catalog.Version),
		details:           make(map[string]*catalog.VersionDetail),
		assets:            make(map[string][]catalog.Asset),
		listAssetsErr:     make(map[string]error),
		listVersionsCalls: make(map[string]int),
		listAssetsCalls:   make(map[string]int),
	}
}

func vkey(datasetID, versionID string) string {
	return datasetID + "/" + versionID
}

func (f *fakeCatalog) addVersion(datasetID, versionID, name string, modified time.Time, entries []catalog.Asset) {
	f.mu.Lock()
	defer f.mu.Unlock()

	known := false
	for _, s := range f.summaries {
		if s.Identifier == datasetID {
			known = true
			break
		}
	}
	if !known {
		f.summaries = append(f.summaries, catalog.DatasetSummary{Identifier: datasetID, Modified: modified})
	}

	f.versions[datasetID] = append(f.versions[datasetID], catalog.Version{ID: versionID, Modified: modified})
	f.details[vkey(datasetID, versionID)] = &catalog.VersionDetail{ID: versionID, Name: name, Modified: modified}
	f.assets[vkey(datasetID, versionID)] = entries
}

func (f *fakeCatalog) setModified(datasetID, versionID string, modified time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vs := f.versions[datasetID]
	for i := range vs {
		if vs[i].ID == versionID {
			vs[i].Modified = modified
		}
	}
}

func (f *fakeCatalog) setListAssetsErr(datasetID, versionID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.listAssetsErr, vkey(datasetID, versionID))
		return
	}
	f.listAssetsErr[vkey(datasetID, versionID)] = err
}

func (f *fakeCatalog) versionsCalls(datasetID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listVersionsCalls[datasetID]
}

func (f *fakeCatalog) assetsCalls(datasetID, versionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listAssetsCalls[vkey(datasetID, versionID)]
}

func (f *fakeCatalog) ListDatasets(ctx context.Context) ([]catalog.DatasetSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listDatasetsErr != nil {
		return nil, f.listDatasetsErr
	}
	return append([]catalog.DatasetSummary(nil), f.summaries...), nil
}

func (f *fakeCatalog) ListVersions(ctx context.Context, datasetID string) ([]catalog.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listVersionsCalls[datasetID]++
	return append([]catalog.Version(nil), f.versions[datasetID]...), nil
}

func (f *fakeCatalog) GetVersion(ctx context.Context, datasetID, versionID string) (*catalog.VersionDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	detail, ok := f.details[vkey(datasetID, versionID)]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return detail, nil
}

func (f *fakeCatalog) ListAssets(ctx context.Context, datasetID, versionID string) ([]catalog.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listAssetsCalls[vkey(datasetID, versionID)]++
	if err := f.listAssetsErr[vkey(datasetID, versionID)]; err != nil {
		return nil, err
	}
	return append([]catalog.Asset(nil), f.assets[vkey(datasetID, versionID)]...), nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func testStores(t *testing.T) (*datasets.Store, *assets.Store) {
	t.Helper()
	db, err := duck.NewDB(t.Context(), "", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close()
	})

	datasetStore, err := datasets.NewStore(datasets.StoreConfig{Logger: testLogger(), DB: db})
	require.NoError(t, err)
	require.NoError(t, datasetStore.CreateTablesIfNotExists(context.Background()))

	assetStore, err := assets.NewStore(assets.StoreConfig{Logger: testLogger(), DB: db})
	require.NoError(t, err)
	require.NoError(t, assetStore.CreateTablesIfNotExists(context.Background()))

	return datasetStore, assetStore
}

func testReconciler(t *testing.T, fake *fakeCatalog, clock clockwork.Clock) (*Reconciler, *datasets.Store, *assets.Store) {
	t.Helper()
	datasetStore, assetStore := testStores(t)
	r, err := NewReconciler(Config{
		Logger:   testLogger(),
		Clock:    clock,
		Catalog:  fake,
		Datasets: datasetStore,
		Assets:   assetStore,
		Workers:  2,
	})
	require.NoError(t, err)
	return r, datasetStore, assetStore
}

func u64(v uint64) *uint64 { return &v }

// seedCatalog fills the fake with two datasets, three versions, and four
// asset entries (blob-aaa appears in both versions of 000012).
func seedCatalog(fake *fakeCatalog) {
	modified := time.Date(2024, 4, 15, 12, 0, 0, 0, time.UTC)
	fake.addVersion("000012", "draft", "Electrophysiology of hippocampal place cells", modified, []catalog.Asset{
		{Path: "sub-01/sub-01_ecephys.nwb", Size: u64(2048), Blob: "blob-aaa"},
		{Path: "sub-02/sub-02_ecephys.nwb", Size: u64(4096), Blob: "blob-bbb"},
	})
	fake.addVersion("000012", "0.240415.1234", "Electrophysiology of hippocampal place cells", modified, []catalog.Asset{
		{Path: "sub-01/sub-01_ecephys.nwb", Size: u64(2048), Blob: "blob-aaa"},
	})
	fake.addVersion("000108", "draft", "Light sheet imaging of mouse cortex", modified, []catalog.Asset{
		{Path: "sub-mouse1/im.ome.zarr", Size: u64(1 << 20), Zarr: "zarr-ccc"},
	})
}

func TestDownlake_Reconcile_Reconciler_NewReconciler(t *testing.T) {
	t.Parallel()

	t.Run("validates config", func(t *testing.T) {
		t.Parallel()
		datasetStore, assetStore := testStores(t)

		_, err := NewReconciler(Config{Catalog: newFakeCatalog(), Datasets: datasetStore, Assets: assetStore})
		require.Error(t, err)
		require.Contains(t, err.Error(), "logger is required")

		_, err = NewReconciler(Config{Logger: testLogger(), Datasets: datasetStore, Assets: assetStore})
		require.Error(t, err)
		require.Contains(t, err.Error(), "catalog client is required")

		_, err = NewReconciler(Config{Logger: testLogger(), Catalog: newFakeCatalog(), Assets: assetStore})
		require.Error(t, err)
		require.Contains(t, err.Error(), "datasets store is required")

		_, err = NewReconciler(Config{Logger: testLogger(), Catalog: newFakeCatalog(), Datasets: datasetStore})
		require.Error(t, err)
		require.Contains(t, err.Error(), "assets store is required")
	})

	t.Run("applies defaults", func(t *testing.T) {
		t.Parallel()
		datasetStore, assetStore := testStores(t)

		r, err := NewReconciler(Config{
			Logger:   testLogger(),
			Catalog:  newFakeCatalog(),
			Datasets: datasetStore,
			Assets:   assetStore,
		})
		require.NoError(t, err)
		require.Equal(t, defaultWorkers, r.cfg.Workers)
		require.Equal(t, defaultProgressEvery, r.cfg.ProgressEvery)
		require.NotNil(t, r.cfg.Clock)
		require.Contains(t, r.denied, "000571")
		require.Contains(t, r.denied, "000773")
	})

	t.Run("empty denylist disables the default", func(t *testing.T) {
		t.Parallel()
		datasetStore, assetStore := testStores(t)

		r, err := NewReconciler(Config{
			Logger:   testLogger(),
			Catalog:  newFakeCatalog(),
			Datasets: datasetStore,
			Assets:   assetStore,
			Denylist: []string{},
		})
		require.NoError(t, err)
		require.Empty(t, r.denied)
	})
}

func TestDownlake_Reconcile_Reconciler_Reconcile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	runAt := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	t.Run("walks the catalog into the stores", func(t *testing.T) {
		t.Parallel()
		fake := newFakeCatalog()
		seedCatalog(fake)
		clock := clockwork.NewFakeClockAt(runAt)
		r, datasetStore, assetStore := testReconciler(t, fake, clock)

		stats, err := r.Reconcile(ctx, Options{Incremental: true})
		require.NoError(t, err)
		require.Equal(t, 2, stats.DatasetsProcessed)
		require.Equal(t, 0, stats.DatasetsSkipped)
		require.Equal(t, 3, stats.VersionsProcessed)
		require.Equal(t, 0, stats.VersionsSkipped)
		require.Equal(t, 4, stats.AssetsWritten)
		require.Equal(t, 0, stats.AssetsSkipped)
		require.Equal(t, 0, stats.Failures)

		dataset, err := datasetStore.GetDataset(ctx, "000012")
		require.NoError(t, err)
		require.NotNil(t, dataset)
		require.Equal(t, "Electrophysiology of hippocampal place cells", *dataset.Name)

		record, err := datasetStore.GetVersion(ctx, "000012", "draft")
		require.NoError(t, err)
		require.NotNil(t, record)
		require.NotNil(t, record.ProcessedAt)
		require.True(t, record.ProcessedAt.Equal(runAt))

		blobAsset, err := assetStore.GetAsset(ctx, "blob-aaa")
		require.NoError(t, err)
		require.NotNil(t, blobAsset)
		require.Equal(t, assets.TypeBlob, blobAsset.Type)

		zarrAsset, err := assetStore.GetAsset(ctx, "zarr-ccc")
		require.NoError(t, err)
		require.NotNil(t, zarrAsset)
		require.Equal(t, assets.TypeZarr, zarrAsset.Type)

		mapping, err := assetStore.GetMapping(ctx, "zarr-ccc")
		require.NoError(t, err)
		require.NotNil(t, mapping)
		require.Equal(t, "000108", mapping.DatasetID)

		count, err := assetStore.CountAssets(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(3), count)
	})

	t.Run("a blob appearing under two datasets keeps the last mapping", func(t *testing.T) {
		t.Parallel()
		fake := newFakeCatalog()
		modified := time.Date(2024, 4, 15, 12, 0, 0, 0, time.UTC)
		fake.addVersion("000200", "draft", "First dataset", modified, []catalog.Asset{
			{Path: "shared/sub-01_ecephys.nwb", Size: u64(2048), Blob: "blob-shared"},
		})
		fake.addVersion("000300", "draft", "Second dataset", modified, []catalog.Asset{
			{Path: "shared/sub-01_ecephys.nwb", Size: u64(2048), Blob: "blob-shared"},
		})

		datasetStore, assetStore := testStores(t)
		// One worker so the datasets are walked in catalog order.
		r, err := NewReconciler(Config{
			Logger:   testLogger(),
			Clock:    clockwork.NewFakeClockAt(runAt),
			Catalog:  fake,
			Datasets: datasetStore,
			Assets:   assetStore,
			Workers:  1,
		})
		require.NoError(t, err)

		_, err = r.Reconcile(ctx, Options{Incremental: true})
		require.NoError(t, err)

		mapping, err := assetStore.GetMapping(ctx, "blob-shared")
		require.NoError(t, err)
		require.NotNil(t, mapping)
		require.Equal(t, "000300", mapping.DatasetID)

		count, err := assetStore.CountMappings(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(1), count)
	})

	t.Run("second run with an unchanged catalog skips every version", func(t *testing.T) {
		t.Parallel()
		fake := newFakeCatalog()
		seedCatalog(fake)
		clock := clockwork.NewFakeClockAt(runAt)
		r, datasetStore, _ := testReconciler(t, fake, clock)

		_, err := r.Reconcile(ctx, Options{Incremental: true})
		require.NoError(t, err)
		require.Equal(t, 1, fake.assetsCalls("000012", "draft"))

		stats, err := r.Reconcile(ctx, Options{Incremental: true})
		require.NoError(t, err)
		require.Equal(t, 0, stats.VersionsProcessed)
		require.Equal(t, 3, stats.VersionsSkipped)
		require.Equal(t, 0, stats.AssetsWritten)
		require.Equal(t, 100.0, stats.Efficiency())
		require.Equal(t, 1, fake.assetsCalls("000012", "draft"))

		processed, err := datasetStore.CountProcessedVersions(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(3), processed)
	})

	t.Run("reprocesses a version updated in the catalog", func(t *testing.T) {
		t.Parallel()
		fake := newFakeCatalog()
		seedCatalog(fake)
		clock := clockwork.NewFakeClockAt(runAt)
		r, _, _ := testReconciler(t, fake, clock)

		_, err := r.Reconcile(ctx, Options{Incremental: true})
		require.NoError(t, err)

		fake.setModified("000012", "draft", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))

		stats, err := r.Reconcile(ctx, Options{Incremental: true})
		require.NoError(t, err)
		require.Equal(t, 1, stats.VersionsProcessed)
		require.Equal(t, 2, stats.VersionsSkipped)
		require.Equal(t, 2, fake.assetsCalls("000012", "draft"))
		require.Equal(t, 1, fake.assetsCalls("000108", "draft"))
	})

	t.Run("full rebuild ignores the ledger", func(t *testing.T) {
		t.Parallel()
		fake := newFakeCatalog()
		seedCatalog(fake)
		clock := clockwork.NewFakeClockAt(runAt)
		r, _, _ := testReconciler(t, fake, clock)

		_, err := r.Reconcile(ctx, Options{Incremental: true})
		require.NoError(t, err)

		stats, err := r.Reconcile(ctx, Options{Incremental: false})
		require.NoError(t, err)
		require.Equal(t, 3, stats.VersionsProcessed)
		require.Equal(t, 0, stats.VersionsSkipped)
	})

	t.Run("interrupted version is resumed, not skipped", func(t *testing.T) {
		t.Parallel()
		fake := newFakeCatalog()
		seedCatalog(fake)
		clock := clockwork.NewFakeClockAt(runAt)
		r, datasetStore, assetStore := testReconciler(t, fake, clock)

		// A previous run wrote one of draft's two assets and stopped
		// before marking the version processed.
		require.NoError(t, datasetStore.UpsertDataset(ctx, datasets.Dataset{Identifier: "000012"}))
		require.NoError(t, datasetStore.MarkVersionInFlight(ctx, "000012", "draft"))
		require.NoError(t, assetStore.UpsertAsset(ctx, assets.Asset{
			BlobID: "blob-aaa", Path: "sub-01/sub-01_ecephys.nwb", Size: u64(2048), Type: assets.TypeBlob,
		}))

		stats, err := r.Reconcile(ctx, Options{Incremental: true})
		require.NoError(t, err)
		require.Equal(t, 3, stats.VersionsProcessed)
		require.Equal(t, 0, stats.VersionsSkipped)

		record, err := datasetStore.GetVersion(ctx, "000012", "draft")
		require.NoError(t, err)
		require.NotNil(t, record)
		require.NotNil(t, record.ProcessedAt)

		mapping, err := assetStore.GetMapping(ctx, "blob-bbb")
		require.NoError(t, err)
		require.NotNil(t, mapping)
	})

	t.Run("failure inside a version leaves it unprocessed", func(t *testing.T) {
		t.Parallel()
		fake := newFakeCatalog()
		seedCatalog(fake)
		fake.setListAssetsErr("000012", "draft", errors.New("listing timed out"))
		clock := clockwork.NewFakeClockAt(runAt)
		r, datasetStore, _ := testReconciler(t, fake, clock)

		stats, err := r.Reconcile(ctx, Options{Incremental: true})
		require.NoError(t, err)
		require.Equal(t, 1, stats.Failures)
		require.Equal(t, 2, stats.VersionsProcessed)

		record, err := datasetStore.GetVersion(ctx, "000012", "draft")
		require.NoError(t, err)
		require.NotNil(t, record)
		require.Nil(t, record.ProcessedAt)

		// The catalog recovers; only the failed version is reprocessed.
		fake.setListAssetsErr("000012", "draft", nil)
		stats, err = r.Reconcile(ctx, Options{Incremental: true})
		require.NoError(t, err)
		require.Equal(t, 1, stats.VersionsProcessed)
		require.Equal(t, 2, stats.VersionsSkipped)
		require.Equal(t, 0, stats.Failures)

		record, err = datasetStore.GetVersion(ctx, "000012", "draft")
		require.NoError(t, err)
		require.NotNil(t, record.ProcessedAt)
	})

	t.Run("denylisted datasets are never walked", func(t *testing.T) {
		t.Parallel()
		fake := newFakeCatalog()
		modified := time.Date(2024, 4, 15, 12, 0, 0, 0, time.UTC)
		fake.addVersion("000571", "draft", "Enormous synthetic benchmark", modified, nil)
		fake.addVersion("000012", "draft", "Electrophysiology", modified, []catalog.Asset{
			{Path: "sub-01/a.nwb", Blob: "blob-aaa"},
		})
		clock := clockwork.NewFakeClockAt(runAt)
		r, datasetStore, _ := testReconciler(t, fake, clock)

		stats, err := r.Reconcile(ctx, Options{Incremental: true})
		require.NoError(t, err)
		require.Equal(t, 1, stats.DatasetsProcessed)
		require.Equal(t, 1, stats.DatasetsSkipped)
		require.Equal(t, 0, fake.versionsCalls("000571"))

		dataset, err := datasetStore.GetDataset(ctx, "000571")
		require.NoError(t, err)
		require.Nil(t, dataset)
	})

	t.Run("asset without its identifier is skipped", func(t *testing.T) {
		t.Parallel()
		fake := newFakeCatalog()
		modified := time.Date(2024, 4, 15, 12, 0, 0, 0, time.UTC)
		fake.addVersion("000012", "draft", "Electrophysiology", modified, []catalog.Asset{
			{Path: "sub-01/ok.nwb", Blob: "blob-aaa"},
			{Path: "sub-02/broken.nwb"},
			{Path: "sub-03/broken.ome.zarr"},
		})
		clock := clockwork.NewFakeClockAt(runAt)
		r, datasetStore, assetStore := testReconciler(t, fake, clock)

		stats, err := r.Reconcile(ctx, Options{Incremental: true})
		require.NoError(t, err)
		require.Equal(t, 1, stats.AssetsWritten)
		require.Equal(t, 2, stats.AssetsSkipped)
		require.Equal(t, 1, stats.VersionsProcessed)

		// Partial asset coverage still completes the version.
		record, err := datasetStore.GetVersion(ctx, "000012", "draft")
		require.NoError(t, err)
		require.NotNil(t, record.ProcessedAt)

		count, err := assetStore.CountAssets(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(1), count)
	})

	t.Run("dataset listing failure is fatal", func(t *testing.T) {
		t.Parallel()
		fake := newFakeCatalog()
		fake.listDatasetsErr = errors.New("api unavailable")
		clock := clockwork.NewFakeClockAt(runAt)
		r, _, _ := testReconciler(t, fake, clock)

		_, err := r.Reconcile(ctx, Options{Incremental: true})
		require.Error(t, err)
		require.Contains(t, err.Error(), "failed to list datasets")
	})

	t.Run("clear existing rebuilds from scratch", func(t *testing.T) {
		t.Parallel()
		fake := newFakeCatalog()
		seedCatalog(fake)
		clock := clockwork.NewFakeClockAt(runAt)
		r, datasetStore, assetStore := testReconciler(t, fake, clock)

		_, err := r.Reconcile(ctx, Options{Incremental: true})
		require.NoError(t, err)

		stats, err := r.Reconcile(ctx, Options{Incremental: true, ClearExisting: true})
		require.NoError(t, err)
		require.Equal(t, 3, stats.VersionsProcessed)
		require.Equal(t, 0, stats.VersionsSkipped)

		count, err := datasetStore.CountDatasets(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(2), count)

		mappings, err := assetStore.CountMappings(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(3), mappings)
	})
}

func TestDownlake_Reconcile_Reconciler_ClassifyAsset(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		entry    catalog.Asset
		wantID   string
		wantType string
		wantErr  bool
	}{
		{name: "plain blob", entry: catalog.Asset{Path: "sub-01/data.nwb", Blob: "blob-aaa"}, wantID: "blob-aaa", wantType: assets.TypeBlob},
		{name: "zarr directory", entry: catalog.Asset{Path: "sub-01/image.zarr", Zarr: "zarr-bbb"}, wantID: "zarr-bbb", wantType: assets.TypeZarr},
		{name: "zarr with trailing suffix", entry: catalog.Asset{Path: "image.zarr.bak", Zarr: "zarr-ccc"}, wantID: "zarr-ccc", wantType: assets.TypeZarr},
		{name: "ome zarr", entry: catalog.Asset{Path: "sub-mouse1/im.ome.zarr", Zarr: "zarr-ddd"}, wantID: "zarr-ddd", wantType: assets.TypeZarr},
		{name: "zarr as stem is a blob", entry: catalog.Asset{Path: "zarr.txt", Blob: "blob-eee"}, wantID: "blob-eee", wantType: assets.TypeBlob},
		{name: "hidden file named zarr is a blob", entry: catalog.Asset{Path: "dir/.zarr", Blob: "blob-fff"}, wantID: "blob-fff", wantType: assets.TypeBlob},
		{name: "zarr without identifier", entry: catalog.Asset{Path: "broken.zarr"}, wantErr: true},
		{name: "blob without identifier", entry: catalog.Asset{Path: "broken.nwb"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			id, assetType, err := classifyAsset(tt.entry)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantID, id)
			require.Equal(t, tt.wantType, assetType)
		})
	}
}

func TestDownlake_Reconcile_Reconciler_StatsEfficiency(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0.0, Stats{}.Efficiency())
	require.Equal(t, 50.0, Stats{VersionsProcessed: 1, VersionsSkipped: 1}.Efficiency())
	require.Equal(t, 100.0, Stats{VersionsSkipped: 7}.Efficiency())
}
