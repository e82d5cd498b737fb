// Package geo resolves client IP addresses to a human-readable location for session records.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultTimeout = 5 * time.Second

// Locator resolves an IP address to a location string such as "Berlin, Germany".
type Locator interface {
	Locate(ctx context.Context, ip string) (string, error)
}

// Cache stores resolved locations. Get reports ok=false on a miss.
type Cache interface {
	Get(ctx context.Context, ip string) (location string, ok bool, err error)
	Set(ctx context.Context, ip, location string, ttl time.Duration) error
}

// IPAPIClient looks up locations with an ip-api.com compatible JSON endpoint ({status, country, city}).
type IPAPIClient struct {
	BaseURL    string
	HTTPClient *http.Client
	Cache      Cache
	CacheTTL   time.Duration
	log        *zap.Logger
}

// NewIPAPIClient returns a client for baseURL. cache may be nil to disable caching.
func NewIPAPIClient(baseURL string, cache Cache, ttl time.Duration, log *zap.Logger) *IPAPIClient {
	if baseURL == "" {
		baseURL = "http://ip-api.com/json"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &IPAPIClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: defaultTimeout},
		Cache:      cache,
		CacheTTL:   ttl,
		log:        log,
	}
}

type ipAPIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Country string `json:"country"`
	City    string `json:"city"`
}

// Locate returns "City, Country" for ip. Private, loopback and unparsable addresses resolve to "" without a lookup.
// Cache failures are logged and otherwise ignored.
func (c *IPAPIClient) Locate(ctx context.Context, ip string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil || addr.IsPrivate() || addr.IsLoopback() || addr.IsUnspecified() || addr.IsLinkLocalUnicast() {
		return "", nil
	}
	key := addr.String()

	if c.Cache != nil {
		loc, ok, err := c.Cache.Get(ctx, key)
		if err != nil {
			c.log.Debug("geo: cache get failed", zap.String("ip", key), zap.Error(err))
		} else if ok {
			return loc, nil
		}
	}

	loc, err := c.fetch(ctx, key)
	if err != nil {
		return "", err
	}

	if c.Cache != nil {
		if err := c.Cache.Set(ctx, key, loc, c.CacheTTL); err != nil {
			c.log.Debug("geo: cache set failed", zap.String("ip", key), zap.Error(err))
		}
	}
	return loc, nil
}

func (c *IPAPIClient) fetch(ctx context.Context, ip string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/"+url.PathEscape(ip), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("geo: request failed status=%d body=%s", resp.StatusCode, string(b))
	}
	var out ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("geo: decode response: %w", err)
	}
	if out.Status != "success" {
		return "", fmt.Errorf("geo: lookup failed: %s", out.Message)
	}
	return formatLocation(out.City, out.Country), nil
}

func formatLocation(city, country string) string {
	city, country = strings.TrimSpace(city), strings.TrimSpace(country)
	switch {
	case city != "" && country != "":
		return city + ", " + country
	case country != "":
		return country
	default:
		return city
	}
}
