package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/archivelabs/downlake/pkg/regions"
)

const (
	defaultBaseURL = "https://api.opencagedata.com"
	maxAttempts    = 4
)

type Config struct {
	Logger     *slog.Logger
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.APIKey == "" {
		return errors.New("api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return nil
}

// Client is a forward-geocoding client for the OpenCage API. It satisfies
// regions.Geocoder.
type Client struct {
	log *slog.Logger
	cfg Config
}

func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

type geocodeResponse struct {
	Results []struct {
		Geometry struct {
			Lat float64 `json:"lat"`
			Lng float64 `json:"lng"`
		} `json:"geometry"`
	} `json:"results"`
}

// Geocode resolves a free-form place query to coordinates. A query with no
// results returns nil coordinates and a nil error.
func (c *Client) Geocode(ctx context.Context, query string) (regions.Coordinates, error) {
	requestURL := fmt.Sprintf("%s/geocode/v1/json?q=%s&key=%s",
		c.cfg.BaseURL, url.QueryEscape(query), url.QueryEscape(c.cfg.APIKey))

	attempt := 0
	result, err := backoff.Retry(ctx, func() (*geocodeResponse, error) {
		if attempt > 1 {
			c.log.Warn("geocode: request failed, retrying", "query", query, "attempt", attempt)
		}
		attempt++
		return c.get(ctx, requestURL)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(maxAttempts))
	if err != nil {
		return regions.Coordinates{}, fmt.Errorf("failed to geocode %q: %w", query, err)
	}

	if len(result.Results) == 0 {
		return regions.Coordinates{}, nil
	}
	lat := result.Results[0].Geometry.Lat
	lng := result.Results[0].Geometry.Lng
	return regions.Coordinates{Latitude: &lat, Longitude: &lng}, nil
}

func (c *Client) get(ctx context.Context, requestURL string) (*geocodeResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status %d", resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	var out geocodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}
	return &out, nil
}
