package regions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Coordinates is a latitude/longitude pair. Both fields nil means the region
// has no resolvable physical location, which is a valid outcome consumed
// downstream by filtering such rows out of map views.
type Coordinates struct {
	Latitude  *float64
	Longitude *float64
}

// virtualServices have no physical location. A code exactly equal to one of
// these names resolves to nil coordinates before any lookup.
var virtualServices = map[string]struct{}{
	"GitHub": {},
	"AWS":    {},
	"GCP":    {},
	"VPN":    {},
}

// Geocoder resolves a free-form place query to coordinates. A miss is a nil
// Coordinates with a nil error.
type Geocoder interface {
	Geocode(ctx context.Context, query string) (Coordinates, error)
}

type DirectoryConfig struct {
	Logger   *slog.Logger
	Geocoder Geocoder // optional, used only when configured
	CacheTTL time.Duration
}

func (cfg *DirectoryConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 1 * time.Hour
	}
	return nil
}

// Directory resolves region codes to coordinates: virtual services first,
// then the curated table (exact, then substring), then the geocoder when one
// is configured. Results are memoized per code.
type Directory struct {
	log   *slog.Logger
	cfg   DirectoryConfig
	known *KnownRegions

	cache   *ttlcache.Cache[string, Coordinates]
	cacheMu sync.RWMutex
}

func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	known, err := NewKnownRegions()
	if err != nil {
		return nil, fmt.Errorf("failed to load known regions: %w", err)
	}

	cache := ttlcache.New(
		ttlcache.WithTTL[string, Coordinates](cfg.CacheTTL),
	)

	return &Directory{
		log:   cfg.Logger,
		cfg:   cfg,
		known: known,
		cache: cache,
	}, nil
}

// Resolve maps a region code to coordinates. Unresolved codes yield nil
// coordinates; no error is ever returned for a miss.
func (d *Directory) Resolve(ctx context.Context, code string) Coordinates {
	if _, ok := virtualServices[code]; ok {
		return Coordinates{}
	}

	if coords, ok := d.getCached(code); ok {
		return coords
	}

	if coords, ok := d.known.Lookup(code); ok {
		d.setCached(code, coords)
		return coords
	}

	if d.cfg.Geocoder != nil {
		coords, err := d.cfg.Geocoder.Geocode(ctx, code)
		if err != nil {
			// Transient failures are not cached so the next resolve retries.
			d.log.Warn("regions: geocoder lookup failed", "code", code, "error", err)
			return Coordinates{}
		}
		d.setCached(code, coords)
		return coords
	}

	d.setCached(code, Coordinates{})
	return Coordinates{}
}

func (d *Directory) getCached(code string) (Coordinates, bool) {
	d.cacheMu.RLock()
	defer d.cacheMu.RUnlock()
	cached := d.cache.Get(code)
	if cached == nil {
		return Coordinates{}, false
	}
	return cached.Value(), true
}

func (d *Directory) setCached(code string, coords Coordinates) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	d.cache.Set(code, coords, d.cfg.CacheTTL)
}
