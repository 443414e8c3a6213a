// Package api talks to the listings search service that feeds the map.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rentmap/mapcluster/pkg/core"
)

// ErrUnexpectedStatus is wrapped by every non-200 response error.
var ErrUnexpectedStatus = errors.New("unexpected status")

// ListingsPath is the search endpoint.
const ListingsPath = "/api/v1/listings"

// Client handles communication with the listings service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a new API client.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// ListingsQuery narrows a search. Zero fields are not sent.
type ListingsQuery struct {
	Bounds       *core.Bounds
	PropertyType string
	Limit        int
}

// ListingsResponse is the body of a search.
type ListingsResponse struct {
	Listings []core.Marker `json:"listings"`
	Total    int           `json:"total"`
}

func (q ListingsQuery) values() url.Values {
	v := url.Values{}
	if b := q.Bounds; b != nil {
		v.Set("north", strconv.FormatFloat(b.North, 'f', -1, 64))
		v.Set("south", strconv.FormatFloat(b.South, 'f', -1, 64))
		v.Set("east", strconv.FormatFloat(b.East, 'f', -1, 64))
		v.Set("west", strconv.FormatFloat(b.West, 'f', -1, 64))
	}
	if q.PropertyType != "" {
		v.Set("propertyType", q.PropertyType)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// Healthcheck checks if the listings service is reachable.
func (c *Client) Healthcheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthcheck", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("healthcheck request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthcheck: %w %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	return nil
}

// Listings runs a search and returns the markers found.
func (c *Client) Listings(ctx context.Context, q ListingsQuery) (ListingsResponse, error) {
	u := c.baseURL + ListingsPath
	if v := q.values(); len(v) > 0 {
		u += "?" + v.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ListingsResponse{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ListingsResponse{}, fmt.Errorf("listings request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// a short excerpt is enough to diagnose most server errors
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ListingsResponse{}, fmt.Errorf("listings: %w %d: %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out ListingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ListingsResponse{}, fmt.Errorf("decode listings: %w", err)
	}
	return out, nil
}
