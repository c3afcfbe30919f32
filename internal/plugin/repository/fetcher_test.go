package repository

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPFetcher(t *testing.T) {
	srv := newServer(t)
	srv.set("/data", []byte("hello"))

	f := NewHTTPFetcher(WithHTTPClient(srv.Client()), WithToken("s3cret"), WithUserAgent("modhost/test"))
	data, err := f.Fetch(context.Background(), srv.URL+"/data", 16)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	h := srv.lastHeader()
	assert.Equal(t, "Bearer s3cret", h.Get("Authorization"))
	assert.Equal(t, "modhost/test", h.Get("User-Agent"))
}

func TestHTTPFetcherNoToken(t *testing.T) {
	srv := newServer(t)
	srv.set("/data", []byte("hello"))

	_, err := NewHTTPFetcher(WithHTTPClient(srv.Client())).Fetch(context.Background(), srv.URL+"/data", 16)
	require.NoError(t, err)
	assert.Empty(t, srv.lastHeader().Get("Authorization"))
	assert.Equal(t, "modhost/dev", srv.lastHeader().Get("User-Agent"))
}

func TestHTTPFetcherLimit(t *testing.T) {
	srv := newServer(t)
	srv.set("/big", []byte(strings.Repeat("x", 32)))

	f := NewHTTPFetcher(WithHTTPClient(srv.Client()))

	_, err := f.Fetch(context.Background(), srv.URL+"/big", 31)
	assert.ErrorIs(t, err, ErrTooLarge)

	data, err := f.Fetch(context.Background(), srv.URL+"/big", 32)
	require.NoError(t, err)
	assert.Len(t, data, 32)
}

func TestHTTPFetcherStatus(t *testing.T) {
	srv := newServer(t)
	f := NewHTTPFetcher(WithHTTPClient(srv.Client()))

	_, err := f.Fetch(context.Background(), srv.URL+"/missing", 16)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 404")
}

func TestHTTPFetcherCanceled(t *testing.T) {
	srv := newServer(t)
	srv.set("/data", []byte("hello"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHTTPFetcher(WithHTTPClient(srv.Client())).Fetch(ctx, srv.URL+"/data", 16)
	assert.ErrorIs(t, err, context.Canceled)
}
