package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "net/http/pprof"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/archivelabs/downlake/pkg/catalog"
	"github.com/archivelabs/downlake/pkg/duck"
	"github.com/archivelabs/downlake/pkg/geocode"
	"github.com/archivelabs/downlake/pkg/logger"
	"github.com/archivelabs/downlake/pkg/pipeline"
	"github.com/archivelabs/downlake/pkg/pipeline/metrics"
	"github.com/archivelabs/downlake/pkg/publish"
	"github.com/archivelabs/downlake/pkg/regions"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultDBPath        = "downloads.duckdb"
	defaultRawEventsPath = "downloads.parquet"
	defaultCatalogURL    = "https://api.archivelabs.org/api"
	defaultExportPath    = "daily_ip_dataset_stats.parquet"
	defaultGeoIPDBPath   = "/usr/share/GeoIP/GeoLite2-City.mmdb"

	geoipDBPathEnvVar = "DOWNLAKE_GEOIP_DB"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	enablePprofFlag := flag.Bool("enable-pprof", false, "enable pprof server")
	metricsAddrFlag := flag.String("metrics-addr", "", "Address to listen on for prometheus metrics (disabled when empty)")

	// Database and input configuration
	dbPathFlag := flag.String("db", defaultDBPath, "Path to the DuckDB database file (or set DOWNLAKE_DB env var)")
	rawEventsFlag := flag.String("raw-events", defaultRawEventsPath, "Path to the raw download events parquet file (or set DOWNLAKE_RAW_EVENTS env var)")
	catalogURLFlag := flag.String("catalog-url", defaultCatalogURL, "Base URL of the archive REST API (or set DOWNLAKE_CATALOG_URL env var)")

	// Load commands
	loadBlobIndexFlag := flag.String("load-blob-index", "", "Replace the blob index from an index -> blob_id YAML file")
	loadIPRegionsFlag := flag.String("load-ip-regions", "", "Load an indexed_ip -> region code YAML mapping")
	coordinatesFlag := flag.String("coordinates", "", "Region coordinates YAML applied alongside --load-ip-regions")
	geolocateIPsFlag := flag.String("geolocate-ips", "", "Geolocate an indexed_ip -> IP address YAML file through GeoIP")
	geoipDBFlag := flag.String("geoip-db", defaultGeoIPDBPath, "Path to MaxMind GeoIP2 City database file (or set DOWNLAKE_GEOIP_DB env var)")
	clearFlag := flag.Bool("clear", false, "Clear all reconciled tables before any other work")

	// Pipeline stages
	reconcileFlag := flag.Bool("reconcile", false, "Reconcile datasets, versions and assets from the catalog")
	incrementalFlag := flag.Bool("incremental", true, "Skip dataset versions already marked processed")
	clearExistingFlag := flag.Bool("clear-existing", false, "Clear reconciled tables at the start of the reconcile stage")
	composeViewsFlag := flag.Bool("compose-views", false, "Compose the analytics views over the raw events")
	exportFlag := flag.String("export", "", "Export the daily rollup parquet artifact, optionally to the given path")
	statsFlag := flag.Bool("stats", false, "Log database, asset and relationship statistics")

	// Publication
	publishBucketFlag := flag.String("publish-s3-bucket", "", "S3 bucket to publish the exported artifact to")
	publishKeyFlag := flag.String("publish-s3-key", "", "S3 object key for the published artifact (defaults to the artifact name)")

	// Scheduling
	runIntervalFlag := flag.Duration("run-interval", 0, "Repeat the selected stages on this interval (0 runs once)")
	workersFlag := flag.Int("workers", 0, "Reconciler worker pool size (0 uses the default)")
	denylistFlag := flag.StringSlice("denylist", nil, "Dataset identifiers to skip during reconciliation")

	flag.Lookup("export").NoOptDefVal = defaultExportPath
	flag.Parse()

	// Override flags with environment variables if set
	if env := os.Getenv("DOWNLAKE_DB"); env != "" {
		*dbPathFlag = env
	}
	if env := os.Getenv("DOWNLAKE_RAW_EVENTS"); env != "" {
		*rawEventsFlag = env
	}
	if env := os.Getenv("DOWNLAKE_CATALOG_URL"); env != "" {
		*catalogURLFlag = env
	}

	log := logger.New(*verboseFlag)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Log which signal was received
	go func() {
		sig := <-sigCh
		log.Info("downlake: received signal", "signal", sig.String())
		cancel()
	}()

	if *enablePprofFlag {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			err := http.ListenAndServe("localhost:6060", nil)
			if err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	var metricsServerErrCh = make(chan error, 1)
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				metricsServerErrCh <- err
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
				metricsServerErrCh <- err
				return
			}
		}()
	}

	log.Info("downlake: opening database", "path", *dbPathFlag)
	db, err := duck.NewDB(ctx, *dbPathFlag, log)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("failed to close database", "error", err)
		}
	}()

	catalogClient, err := catalog.NewHTTPClient(catalog.Config{
		Logger:  log,
		BaseURL: *catalogURLFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create catalog client: %w", err)
	}

	// Publication is optional; credentials fall back to the SDK's default
	// chain when the AWS env vars are unset.
	var publisher pipeline.Publisher
	if *publishBucketFlag != "" {
		p, err := publish.New(ctx, publish.Config{
			Logger:          log,
			Bucket:          *publishBucketFlag,
			Key:             *publishKeyFlag,
			Region:          os.Getenv("AWS_REGION"),
			Endpoint:        os.Getenv("S3_ENDPOINT_URL"),
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		})
		if err != nil {
			return fmt.Errorf("failed to create publisher: %w", err)
		}
		publisher = p
	}

	pipe, err := pipeline.New(ctx, pipeline.Config{
		Logger:        log,
		Clock:         clockwork.NewRealClock(),
		DB:            db,
		Catalog:       catalogClient,
		RawEventsPath: *rawEventsFlag,
		ExportPath:    *exportFlag,
		Publisher:     publisher,
		Workers:       *workersFlag,
		Denylist:      *denylistFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	if *clearFlag {
		if err := pipe.ClearAll(ctx); err != nil {
			return fmt.Errorf("failed to clear tables: %w", err)
		}
	}

	if *loadBlobIndexFlag != "" {
		if _, err := pipe.Assets().LoadBlobIndex(ctx, *loadBlobIndexFlag); err != nil {
			return fmt.Errorf("failed to load blob index: %w", err)
		}
	}

	if *loadIPRegionsFlag != "" {
		if err := loadIPRegions(ctx, log, pipe, *loadIPRegionsFlag, *coordinatesFlag); err != nil {
			return err
		}
	}

	if *geolocateIPsFlag != "" {
		// Flag takes precedence, then env var, then default
		geoipDBPath := *geoipDBFlag
		if geoipDBPath == defaultGeoIPDBPath {
			if envPath := os.Getenv(geoipDBPathEnvVar); envPath != "" {
				geoipDBPath = envPath
			}
		}
		if err := geolocateIPs(ctx, log, pipe, *geolocateIPsFlag, geoipDBPath); err != nil {
			return err
		}
	}

	opts := pipeline.RunOptions{
		Reconcile:     *reconcileFlag,
		Incremental:   *incrementalFlag,
		ClearExisting: *clearExistingFlag,
		ComposeViews:  *composeViewsFlag,
		Export:        *exportFlag != "",
		Stats:         *statsFlag,
	}
	anyStage := opts.Reconcile || opts.ComposeViews || opts.Export || opts.Stats
	anyLoad := *clearFlag || *loadBlobIndexFlag != "" || *loadIPRegionsFlag != "" || *geolocateIPsFlag != ""

	if !anyStage && !anyLoad {
		flag.Usage()
		return errors.New("nothing to do: pass at least one load or stage flag")
	}

	if *runIntervalFlag > 0 {
		if !anyStage {
			return errors.New("run interval set but no stages selected")
		}
		loopErrCh := make(chan error, 1)
		go func() {
			loopErrCh <- pipe.RunLoop(ctx, *runIntervalFlag, opts)
		}()

		select {
		case <-ctx.Done():
			log.Info("downlake: shutting down", "reason", ctx.Err())
			return nil
		case err := <-loopErrCh:
			if err != nil {
				log.Error("downlake: run loop error causing shutdown", "error", err)
			}
			return err
		case err := <-metricsServerErrCh:
			log.Error("downlake: metrics server error causing shutdown", "error", err)
			return err
		}
	}

	if anyStage {
		if err := pipe.Run(ctx, opts); err != nil {
			return err
		}
	}
	return nil
}

func loadIPRegions(ctx context.Context, log *slog.Logger, pipe *pipeline.Pipeline, mappingPath, coordinatesPath string) error {
	// Coordinate backfill can use a forward geocoder when a key is present;
	// the built-in directory covers the common cloud and country codes.
	var geocoder regions.Geocoder
	if apiKey := os.Getenv("OPENCAGE_API_KEY"); apiKey != "" {
		client, err := geocode.NewClient(geocode.Config{Logger: log, APIKey: apiKey})
		if err != nil {
			return fmt.Errorf("failed to create geocoding client: %w", err)
		}
		geocoder = client
		log.Info("geocoding client initialized")
	} else {
		log.Info("OPENCAGE_API_KEY not set, coordinate backfill limited to the built-in directory")
	}

	directory, err := regions.NewDirectory(regions.DirectoryConfig{
		Logger:   log,
		Geocoder: geocoder,
	})
	if err != nil {
		return fmt.Errorf("failed to create region directory: %w", err)
	}
	loader, err := regions.NewLoader(regions.LoaderConfig{
		Logger:    log,
		Store:     pipe.Regions(),
		Directory: directory,
	})
	if err != nil {
		return fmt.Errorf("failed to create region loader: %w", err)
	}
	if _, err := loader.LoadIPRegions(ctx, mappingPath, coordinatesPath); err != nil {
		return fmt.Errorf("failed to load ip regions: %w", err)
	}
	return nil
}

func geolocateIPs(ctx context.Context, log *slog.Logger, pipe *pipeline.Pipeline, ipsPath, geoipDBPath string) error {
	resolver, err := regions.NewGeoIPResolver(regions.GeoIPConfig{
		Logger: log,
		Store:  pipe.Regions(),
		DBPath: geoipDBPath,
	})
	if err != nil {
		return fmt.Errorf("failed to create geoip resolver: %w", err)
	}
	defer func() {
		if err := resolver.Close(); err != nil {
			log.Error("failed to close geoip resolver", "error", err)
		}
	}()

	if _, err := resolver.ResolveIPRegions(ctx, ipsPath); err != nil {
		return fmt.Errorf("failed to geolocate ips: %w", err)
	}
	return nil
}
