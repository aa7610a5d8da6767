package graph

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rangedServer serves content honoring Range requests, the way the
// pre-authenticated download CDN does.
func rangedServer(t *testing.T, content []byte, requests *atomic.Int32) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests != nil {
			requests.Add(1)
		}

		rangeHeader := r.Header.Get("Range")
		require.True(t, strings.HasPrefix(rangeHeader, "bytes="))

		var from, to int64

		_, err := fmt.Sscanf(rangeHeader, "bytes=%d-%d", &from, &to)
		require.NoError(t, err)

		total := int64(len(content))
		if to >= total {
			to = total - 1
		}

		w.Header().Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", from, to, total))
		w.Header().Set("Content-Length", strconv.FormatInt(to-from+1, 10))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(content[from : to+1])
	}))
}

func TestDownloadFragment(t *testing.T) {
	content := []byte("hello fragment world")

	srv := rangedServer(t, content, nil)
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	frag, err := c.DownloadFragment(context.Background(), srv.URL, 0)
	require.NoError(t, err)

	assert.Equal(t, content, frag.Data)
	assert.Equal(t, int64(0), frag.From)
	assert.Equal(t, int64(len(content)-1), frag.To)
	assert.Equal(t, int64(len(content)), frag.Total)
	assert.True(t, frag.Last)
}

func TestFragmentReader_MultipleFragments(t *testing.T) {
	// Three fragments: two full, one partial.
	content := bytes.Repeat([]byte("x"), int(FragmentLength)*2+100)

	var requests atomic.Int32

	srv := rangedServer(t, content, &requests)
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	h := sha1.New()

	n, err := io.Copy(h, c.NewFragmentReader(context.Background(), srv.URL))
	require.NoError(t, err)

	assert.Equal(t, int64(len(content)), n)
	assert.Equal(t, int32(3), requests.Load())
	assert.Equal(t, fmt.Sprintf("%X", sha1.Sum(content)), fmt.Sprintf("%X", h.Sum(nil)))
}

func TestFragmentReader_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	srv := rangedServer(t, []byte("data"), nil)
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	_, err := io.ReadAll(c.NewFragmentReader(ctx, srv.URL))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGetDownloadURI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1.0/me/drive/items/item1/content", r.URL.Path)
		w.Header().Set("Location", "https://cdn.example.com/signed?token=abc")
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	uri, err := c.GetDownloadURI(context.Background(), "item1")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/signed?token=abc", uri)
}

func TestGetDownloadURI_MissingLocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	_, err := c.GetDownloadURI(context.Background(), "item1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no Location header")
}

func TestParseContentRange(t *testing.T) {
	from, to, total, err := parseContentRange("bytes 0-9/100")
	require.NoError(t, err)
	assert.Equal(t, int64(0), from)
	assert.Equal(t, int64(9), to)
	assert.Equal(t, int64(100), total)

	for _, bad := range []string{"", "bytes", "bytes 0-9", "bytes a-b/c", "0-9/100"} {
		_, _, _, err := parseContentRange(bad)
		assert.Error(t, err, "value %q", bad)
	}
}
