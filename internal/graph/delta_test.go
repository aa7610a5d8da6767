package graph

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeltaAll_FollowsPagination(t *testing.T) {
	var srv *httptest.Server

	mux := http.NewServeMux()
	mux.HandleFunc("/v1.0/me/drive/root/delta", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{
			"value": [
				{"id": "A", "name": "root", "root": {}, "folder": {"childCount": 1}},
				{"id": "B", "name": "Docs", "folder": {"childCount": 0}, "parentReference": {"id": "A"}}
			],
			"@odata.nextLink": "%s/page2"
		}`, srv.URL)
	})
	mux.HandleFunc("/page2", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{
			"value": [
				{"id": "C", "name": "x.txt", "parentReference": {"id": "B"}, "size": 5,
				 "file": {"hashes": {"sha1Hash": "AAF4C61DDCC5E8A2DABEDE0F3B482CD9AEA9434D"}}}
			],
			"@odata.deltaLink": "https://graph.microsoft.com/v1.0/me/drive/root/delta?token=final"
		}`)
	})

	srv = httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	var progress []int

	items, deltaLink, err := c.DeltaAll(context.Background(), "", func(fetched int) {
		progress = append(progress, fetched)
	})
	require.NoError(t, err)

	require.Len(t, items, 3)
	assert.Equal(t, []int{2, 3}, progress)
	assert.Equal(t, "https://graph.microsoft.com/v1.0/me/drive/root/delta?token=final", deltaLink)

	assert.True(t, items[0].IsRoot)
	assert.True(t, items[0].IsFolder)
	assert.Equal(t, "A", items[1].ParentID)
	assert.True(t, items[2].IsFile)
	assert.Equal(t, "AAF4C61DDCC5E8A2DABEDE0F3B482CD9AEA9434D", items[2].SHA1Hash)
}

func TestDeltaAll_ResumesFromCursor(t *testing.T) {
	var gotPath atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.String())
		fmt.Fprint(w, `{"value": [], "@odata.deltaLink": "next-cursor"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	items, deltaLink, err := c.DeltaAll(context.Background(), srv.URL+"/v1.0/me/drive/root/delta?token=abc", nil)
	require.NoError(t, err)

	assert.Empty(t, items)
	assert.Equal(t, "next-cursor", deltaLink)
	assert.Equal(t, "/v1.0/me/drive/root/delta?token=abc", gotPath.Load())
}

func TestDeltaAll_MissingTerminalLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"value": []}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	_, _, err := c.DeltaAll(context.Background(), "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "neither nextLink nor deltaLink")
}

func TestDeltaAll_CanceledAtPageBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var srv *httptest.Server

	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Cancel after serving the first page; the next-link loop must stop
		// before requesting page two.
		cancel()
		fmt.Fprintf(w, `{"value": [], "@odata.nextLink": "%s/never"}`, srv.URL)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	_, _, err := c.DeltaAll(ctx, "", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
