package ipfs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ap-anchoring/internal/apperr"
)

func testClient(t *testing.T, apiURL, gatewayURL string) *Client {
	t.Helper()
	c := New(Config{
		APIURL:        apiURL,
		GatewayURL:    gatewayURL,
		APIKey:        "key",
		APISecret:     "secret",
		RatePerMinute: 600,
		MaxRetries:    2,
		RetryBase:     time.Millisecond,
		Timeout:       time.Second,
	}, zerolog.Nop())
	t.Cleanup(c.Close)
	return c
}

func TestPinJSONSuccess(t *testing.T) {
	var gotBody pinRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/pinning/pinJSONToIPFS", r.URL.Path)
		require.Equal(t, "key", r.Header.Get("pinata_api_key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(pinResponse{IpfsHash: "QmPinned"})
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, srv.URL)

	cid, err := c.PinJSON(context.Background(), map[string]string{"hello": "world"}, "test.json")
	require.NoError(t, err)
	assert.Equal(t, "QmPinned", cid)
	assert.Equal(t, "test.json", gotBody.PinataMetadata.Name)
	assert.Contains(t, gotBody.PinataMetadata.Keyvalues, "timestamp")
	assert.Contains(t, gotBody.PinataMetadata.Keyvalues, "size")
}

func TestPinJSONRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(pinResponse{IpfsHash: "QmRetried"})
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, srv.URL)

	cid, err := c.PinJSON(context.Background(), []byte(`{}`), "retry.json")
	require.NoError(t, err)
	assert.Equal(t, "QmRetried", cid)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPinJSONPermanentOn4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, srv.URL)

	_, err := c.PinJSON(context.Background(), []byte(`{}`), "denied.json")
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.ErrCodePermanent))
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

func TestPinJSONRetriesOn429(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(pinResponse{IpfsHash: "QmAfter429"})
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, srv.URL)

	cid, err := c.PinJSON(context.Background(), []byte(`{}`), "limited.json")
	require.NoError(t, err)
	assert.Equal(t, "QmAfter429", cid)
}

func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ipfs/QmKnown":
			_, _ = w.Write([]byte(`{"cids":["QmA"]}`))
		case "/ipfs/QmMissing":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, srv.URL)

	content, err := c.GetJSON(context.Background(), "QmKnown")
	require.NoError(t, err)
	assert.JSONEq(t, `{"cids":["QmA"]}`, string(content))

	content, err = c.GetJSON(context.Background(), "QmMissing")
	require.NoError(t, err)
	assert.Nil(t, content)

	_, err = c.GetJSON(context.Background(), "QmBroken")
	require.Error(t, err)
	assert.True(t, apperr.IsRetryable(err))
}

func TestIsPinned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/data/pinList", r.URL.Path)
		if r.URL.Query().Get("hashContains") == "QmPinned" {
			_ = json.NewEncoder(w).Encode(pinListResponse{Count: 1})
			return
		}
		_ = json.NewEncoder(w).Encode(pinListResponse{Count: 0})
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, srv.URL)

	pinned, err := c.IsPinned(context.Background(), "QmPinned")
	require.NoError(t, err)
	assert.True(t, pinned)

	pinned, err = c.IsPinned(context.Background(), "QmOther")
	require.NoError(t, err)
	assert.False(t, pinned)
}

func TestRateLimiterBlocksAndReleases(t *testing.T) {
	rl := newRateLimiter(60) // one token per second
	defer rl.close()

	// Drain the initial burst.
	for i := 0; i < 60; i++ {
		require.NoError(t, rl.acquire(context.Background()))
	}

	// Empty bucket: acquisition must respect cancellation without consuming.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := rl.acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// A token is replenished within ~1s.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel2()
	assert.NoError(t, rl.acquire(ctx2))
}

func TestPinJSONCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(pinResponse{IpfsHash: "QmSlow"})
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.PinJSON(ctx, []byte(`{}`), "slow.json")
	require.Error(t, err)
}
