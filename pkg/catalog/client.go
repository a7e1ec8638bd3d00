package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jellydator/ttlcache/v3"
)

const (
	defaultPageSize    = 1000
	defaultMetadataTTL = time.Hour
	maxAttempts        = 4
)

type Config struct {
	Logger      *slog.Logger
	BaseURL     string
	HTTPClient  *http.Client
	MetadataTTL time.Duration
	PageSize    int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.BaseURL == "" {
		return errors.New("base url is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.MetadataTTL == 0 {
		cfg.MetadataTTL = defaultMetadataTTL
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = defaultPageSize
	}
	return nil
}

// HTTPClient implements Client against the archive's REST API. Version
// metadata is memoized for the configured TTL; listings are always fetched
// fresh so the reconciler sees catalog changes.
type HTTPClient struct {
	log *slog.Logger
	cfg Config

	versionCache *ttlcache.Cache[string, *VersionDetail]
	cacheMu      sync.RWMutex
}

func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &HTTPClient{
		log: cfg.Logger,
		cfg: cfg,
		versionCache: ttlcache.New(
			ttlcache.WithTTL[string, *VersionDetail](cfg.MetadataTTL),
		),
	}, nil
}

func (c *HTTPClient) ListDatasets(ctx context.Context) ([]DatasetSummary, error) {
	firstURL := fmt.Sprintf("%s/datasets/?page_size=%d", c.cfg.BaseURL, c.cfg.PageSize)
	datasets, err := listPages[DatasetSummary](ctx, c, firstURL)
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}
	c.log.Debug("catalog: listed datasets", "count", len(datasets))
	return datasets, nil
}

func (c *HTTPClient) ListVersions(ctx context.Context, datasetID string) ([]Version, error) {
	firstURL := fmt.Sprintf("%s/datasets/%s/versions/?page_size=%d",
		c.cfg.BaseURL, url.PathEscape(datasetID), c.cfg.PageSize)
	versions, err := listPages[Version](ctx, c, firstURL)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions for dataset %s: %w", datasetID, err)
	}
	return versions, nil
}

func (c *HTTPClient) GetVersion(ctx context.Context, datasetID, versionID string) (*VersionDetail, error) {
	key := datasetID + "/" + versionID
	if detail, ok := c.cachedVersion(key); ok {
		return detail, nil
	}

	requestURL := fmt.Sprintf("%s/datasets/%s/versions/%s/info/",
		c.cfg.BaseURL, url.PathEscape(datasetID), url.PathEscape(versionID))
	var detail VersionDetail
	if err := c.getJSON(ctx, requestURL, &detail); err != nil {
		return nil, fmt.Errorf("failed to get version %s/%s: %w", datasetID, versionID, err)
	}

	c.cacheVersion(key, &detail)
	return &detail, nil
}

func (c *HTTPClient) ListAssets(ctx context.Context, datasetID, versionID string) ([]Asset, error) {
	firstURL := fmt.Sprintf("%s/datasets/%s/versions/%s/assets/?page_size=%d",
		c.cfg.BaseURL, url.PathEscape(datasetID), url.PathEscape(versionID), c.cfg.PageSize)
	assets, err := listPages[Asset](ctx, c, firstURL)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets for version %s/%s: %w", datasetID, versionID, err)
	}
	return assets, nil
}

type page[T any] struct {
	Next    *string `json:"next"`
	Results []T     `json:"results"`
}

// listPages follows next links until the catalog reports no further page.
func listPages[T any](ctx context.Context, c *HTTPClient, firstURL string) ([]T, error) {
	var out []T
	next := firstURL
	for next != "" {
		var p page[T]
		if err := c.getJSON(ctx, next, &p); err != nil {
			return nil, err
		}
		out = append(out, p.Results...)
		if p.Next == nil {
			break
		}
		next = *p.Next
	}
	return out, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, requestURL string, out any) error {
	attempt := 0
	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		if attempt > 1 {
			c.log.Warn("catalog: request failed, retrying", "url", requestURL, "attempt", attempt)
		}
		attempt++
		return c.get(ctx, requestURL)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(maxAttempts))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *HTTPClient) get(ctx context.Context, requestURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, backoff.Permanent(ErrNotFound)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	default:
		return nil, backoff.Permanent(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

func (c *HTTPClient) cachedVersion(key string) (*VersionDetail, bool) {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	cached := c.versionCache.Get(key)
	if cached == nil {
		return nil, false
	}
	return cached.Value(), true
}

func (c *HTTPClient) cacheVersion(key string, detail *VersionDetail) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.versionCache.Set(key, detail, c.cfg.MetadataTTL)
}
