package pricefeed

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/lottery_layer/internal/app/domain/pricefeed"
	"github.com/R3E-Network/lottery_layer/pkg/logger"
)

// Fetcher retrieves prices for a feed.
type Fetcher interface {
	Fetch(ctx context.Context, feed pricefeed.Feed) (float64, string, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, feed pricefeed.Feed) (float64, string, error)

func (f FetcherFunc) Fetch(ctx context.Context, feed pricefeed.Feed) (float64, string, error) {
	if f == nil {
		return 0, "", nil
	}
	return f(ctx, feed)
}

const defaultPricePath = "price"

// HTTPFetcher queries a JSON price endpoint. The endpoint receives the pair
// as base/quote query parameters; the price is read with a gjson path.
type HTTPFetcher struct {
	client   *http.Client
	endpoint *url.URL
	token    string
	log      *logger.Logger
}

// NewHTTPFetcher validates the endpoint and builds a fetcher. A nil client
// gets a 10s timeout.
func NewHTTPFetcher(client *http.Client, endpoint, token string, log *logger.Logger) (*HTTPFetcher, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("pricefeed-fetcher")
	}
	return &HTTPFetcher{client: client, endpoint: u, token: strings.TrimSpace(token), log: log}, nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, feed pricefeed.Feed) (float64, string, error) {
	u := *f.endpoint
	q := u.Query()
	q.Set("base", feed.BaseAsset)
	q.Set("quote", feed.QuoteAsset)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("fetch price: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, "", fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, "", fmt.Errorf("price endpoint returned %d", resp.StatusCode)
	}

	path := feed.JSONPath
	if path == "" {
		path = defaultPricePath
	}
	value := gjson.GetBytes(body, path)
	if !value.Exists() {
		return 0, "", fmt.Errorf("price path %q not found", path)
	}
	price := value.Float()
	if price <= 0 {
		return 0, "", fmt.Errorf("price must be positive, got %v", price)
	}

	source := gjson.GetBytes(body, "source").String()
	if source == "" {
		source = u.Host
	}
	return price, source, nil
}

// ScalePrice converts a decimal price to a fixed-point integer with the
// given number of fractional digits, rounding extra precision.
func ScalePrice(price float64, decimals uint8) (*big.Int, error) {
	if price <= 0 {
		return nil, fmt.Errorf("price must be positive")
	}
	text := strconv.FormatFloat(price, 'f', int(decimals), 64)
	digits := strings.Replace(text, ".", "", 1)
	v, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("scale price %q", text)
	}
	return v, nil
}
