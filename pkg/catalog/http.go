package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2/clientcredentials"
)

// HTTPConfig configures the marketplace backend client
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration

	// OAuth2 client credentials; used instead of APIKey when ClientID is set
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// HTTPCatalog fetches listings from the marketplace backend
type HTTPCatalog struct {
	base   *url.URL
	apiKey string
	client *http.Client
	logger *logrus.Logger
}

// NewHTTPCatalog creates a catalog client
func NewHTTPCatalog(ctx context.Context, cfg HTTPConfig, logger *logrus.Logger) (*HTTPCatalog, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("catalog base URL is required")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid catalog base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}

	client := &http.Client{Timeout: cfg.Timeout}
	if cfg.ClientID != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		client = cc.Client(ctx)
		client.Timeout = cfg.Timeout
	}

	return &HTTPCatalog{base: base, apiKey: cfg.APIKey, client: client, logger: logger}, nil
}

// Get implements Catalog
func (c *HTTPCatalog) Get(ctx context.Context, publisherPluginID string) (*Listing, error) {
	u := *c.base
	u.Path = u.Path + "/plugins/" + url.PathEscape(publisherPluginID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrListingNotFound, publisherPluginID)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrCatalogUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var l Listing
	if err := json.NewDecoder(resp.Body).Decode(&l); err != nil {
		return nil, fmt.Errorf("%w: invalid listing: %v", ErrCatalogUnavailable, err)
	}
	if l.ID == "" {
		l.ID = publisherPluginID
	}
	c.logger.Debugf("Resolved listing %s to %s@%s", publisherPluginID, l.Slug, l.Version)
	return &l, nil
}
