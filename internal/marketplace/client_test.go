package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Options{BaseURL: srv.URL}, StaticCredentials{APIKey: "secret"})
}

func TestFetchListing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/listings/5", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"id":5,"sku":"SKU-5","price":24,"stock":3,"unit_cost":10,"vat_rate":0.2}`)
	})

	snap, err := c.FetchListing(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), snap.Listing.ID)
	assert.Equal(t, "SKU-5", snap.Listing.SKU)
	assert.Equal(t, 24.0, snap.Listing.Price)
	assert.Equal(t, 3, snap.Listing.Stock)
	assert.NotEmpty(t, snap.Raw)
}

func TestFetchListingErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{"not found", http.StatusNotFound, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrNotFound)
		}},
		{"bad request", http.StatusBadRequest, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrRejected)
		}},
		{"unavailable", http.StatusServiceUnavailable, func(t *testing.T, err error) {
			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
		}},
		{"throttled", http.StatusTooManyRequests, func(t *testing.T, err error) {
			var se *StatusError
			assert.True(t, errors.As(err, &se))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			})
			_, err := c.FetchListing(context.Background(), 9)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestPublishPrice(t *testing.T) {
	var got map[string]float64
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/listings/42/price", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, c.PublishPrice(context.Background(), 42, 19.99))
	assert.Equal(t, 19.99, got["price"])
}

func TestMissingCredentialsSkipsNetwork(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL}, StaticCredentials{})
	err := c.PublishStock(context.Background(), 1, 4)

	assert.ErrorIs(t, err, ErrMissingCredentials)
	assert.False(t, called)
}

func TestCredentialsNeverPrintKey(t *testing.T) {
	c := Credentials{APIKey: "hunter2"}
	assert.NotContains(t, c.String(), "hunter2")
	assert.NotContains(t, fmt.Sprintf("%v", c), "hunter2")
	assert.NotContains(t, c.LogValue().String(), "hunter2")
}
