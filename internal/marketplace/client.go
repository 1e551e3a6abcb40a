// Package marketplace talks to the external listing marketplace: it fetches
// listing snapshots for ingestion and publishes price and stock changes.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"listing-ops/internal/models"
)

var (
	// ErrNotFound means the marketplace has no such listing.
	ErrNotFound = errors.New("marketplace: listing not found")
	// ErrRejected means the marketplace refused the request as invalid.
	ErrRejected = errors.New("marketplace: request rejected")
	// ErrMissingCredentials means no API key is configured.
	ErrMissingCredentials = errors.New("marketplace: credentials missing")
)

// StatusError is a non-2xx response that may succeed on retry.
type StatusError struct {
	Op         string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("marketplace %s: status %d", e.Op, e.StatusCode)
}

// Snapshot is a fetched listing plus the raw response body.
type Snapshot struct {
	Listing models.Listing
	Raw     []byte
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Timeout time.Duration
	// RatePerSecond throttles outbound calls. Zero disables throttling.
	RatePerSecond float64
	Burst         int
	MaxBodyBytes  int64
}

// Client is an HTTP marketplace client safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	creds      CredentialSource
	limiter    *rate.Limiter
	maxBody    int64
}

// NewClient builds a client. creds is consulted once per call.
func NewClient(opts Options, creds CredentialSource) *Client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	maxBody := opts.MaxBodyBytes
	if maxBody == 0 {
		maxBody = 1 << 20
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		creds:      creds,
		limiter:    limiter,
		maxBody:    maxBody,
	}
}

type listingBody struct {
	ID       int64   `json:"id"`
	SKU      string  `json:"sku"`
	Title    string  `json:"title"`
	Price    float64 `json:"price"`
	Stock    int     `json:"stock"`
	UnitCost float64 `json:"unit_cost"`
	VATRate  float64 `json:"vat_rate"`
	ImageURL string  `json:"image_url"`
}

// FetchListing returns the marketplace's view of listing id.
func (c *Client) FetchListing(ctx context.Context, id int64) (Snapshot, error) {
	raw, err := c.do(ctx, "fetch", http.MethodGet, "/listings/"+strconv.FormatInt(id, 10), nil)
	if err != nil {
		return Snapshot{}, err
	}
	var body listingBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return Snapshot{}, fmt.Errorf("marketplace fetch: decode: %w: %v", ErrRejected, err)
	}
	if body.ID == 0 {
		body.ID = id
	}
	if body.ID != id {
		return Snapshot{}, fmt.Errorf("marketplace fetch: got listing %d for %d: %w", body.ID, id, ErrRejected)
	}
	return Snapshot{
		Listing: models.Listing{
			ID:       body.ID,
			SKU:      body.SKU,
			Title:    body.Title,
			Price:    body.Price,
			Stock:    body.Stock,
			UnitCost: body.UnitCost,
			VATRate:  body.VATRate,
			ImageURL: body.ImageURL,
		},
		Raw: raw,
	}, nil
}

// PublishPrice sets the listing price. Repeating the call is harmless.
func (c *Client) PublishPrice(ctx context.Context, id int64, price float64) error {
	body, _ := json.Marshal(map[string]float64{"price": price})
	_, err := c.do(ctx, "publish price", http.MethodPut, "/listings/"+strconv.FormatInt(id, 10)+"/price", body)
	return err
}

// PublishStock sets the listing stock level. Repeating the call is harmless.
func (c *Client) PublishStock(ctx context.Context, id int64, stock int) error {
	body, _ := json.Marshal(map[string]int{"stock": stock})
	_, err := c.do(ctx, "publish stock", http.MethodPut, "/listings/"+strconv.FormatInt(id, 10)+"/stock", body)
	return err
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte) ([]byte, error) {
	creds, err := c.creds.Credentials(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("marketplace %s: throttle: %w", op, err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("marketplace %s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("marketplace %s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("marketplace %s: read body: %w", op, err)
	}
	if int64(len(raw)) > c.maxBody {
		return nil, fmt.Errorf("marketplace %s: body larger than %d bytes: %w", op, c.maxBody, ErrRejected)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("marketplace %s %s: %w", op, path, ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode}
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("marketplace %s: status %d: %w", op, resp.StatusCode, ErrRejected)
	}
	return raw, nil
}
