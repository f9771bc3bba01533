package pricefeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/R3E-Network/lottery_layer/internal/app/domain/pricefeed"
)

func TestHTTPFetcher(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer token" {
			t.Errorf("unexpected authorization header %q", got)
		}
		if r.URL.Query().Get("base") != "NEO" || r.URL.Query().Get("quote") != "USD" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"price":"2000.5"},"source":"unit"}`))
	}))
	defer server.Close()

	fetcher, err := NewHTTPFetcher(server.Client(), server.URL, "token", nil)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	feed := pricefeed.Feed{BaseAsset: "NEO", QuoteAsset: "USD", Pair: "NEO/USD", Decimals: 8, JSONPath: "data.price"}
	price, source, err := fetcher.Fetch(context.Background(), feed)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if price != 2000.5 || source != "unit" {
		t.Fatalf("unexpected price %v from %s", price, source)
	}
}

func TestHTTPFetcherDefaultPathAndErrors(t *testing.T) {
	status := http.StatusOK
	body := `{"price":12}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	fetcher, err := NewHTTPFetcher(server.Client(), server.URL, "", nil)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	feed := pricefeed.Feed{BaseAsset: "NEO", QuoteAsset: "USD"}

	price, source, err := fetcher.Fetch(context.Background(), feed)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if price != 12 || source == "" {
		t.Fatalf("unexpected result %v %q", price, source)
	}

	body = `{"other":1}`
	if _, _, err := fetcher.Fetch(context.Background(), feed); err == nil {
		t.Fatalf("expected missing path error")
	}

	body = `{"price":0}`
	if _, _, err := fetcher.Fetch(context.Background(), feed); err == nil {
		t.Fatalf("expected non-positive price error")
	}

	status = http.StatusBadGateway
	body = `{"price":12}`
	if _, _, err := fetcher.Fetch(context.Background(), feed); err == nil {
		t.Fatalf("expected status error")
	}
}

func TestNewHTTPFetcherValidation(t *testing.T) {
	if _, err := NewHTTPFetcher(nil, "", "", nil); err == nil {
		t.Fatalf("expected error for empty endpoint")
	}
	if _, err := NewHTTPFetcher(nil, "ftp://example.com", "", nil); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}
