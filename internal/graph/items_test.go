package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToItem_Facets(t *testing.T) {
	raw := `{
		"id": "item1",
		"name": "photo.jpg",
		"size": 1234,
		"eTag": "e1",
		"cTag": "c1",
		"createdDateTime": "2023-01-01T00:00:00Z",
		"lastModifiedDateTime": "2023-01-02T00:00:00Z",
		"fileSystemInfo": {
			"createdDateTime": "2020-05-01T10:00:00Z",
			"lastModifiedDateTime": "2020-05-02T10:00:00Z"
		},
		"parentReference": {"id": "parent1"},
		"file": {"mimeType": "image/jpeg", "hashes": {"sha1Hash": "ABC123"}}
	}`

	var dr driveItemResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &dr))

	item := dr.toItem(slog.Default())

	assert.Equal(t, "item1", item.ID)
	assert.Equal(t, "photo.jpg", item.Name)
	assert.Equal(t, int64(1234), item.Size)
	assert.Equal(t, "parent1", item.ParentID)
	assert.Equal(t, "ABC123", item.SHA1Hash)
	assert.True(t, item.IsFile)
	assert.False(t, item.IsFolder)
	assert.False(t, item.IsDeleted)
	assert.False(t, item.IsRoot)

	// The filesystem facet timestamps win over the service-side ones.
	assert.Equal(t, time.Date(2020, 5, 1, 10, 0, 0, 0, time.UTC), item.CreatedAt)
	assert.Equal(t, time.Date(2020, 5, 2, 10, 0, 0, 0, time.UTC), item.ModifiedAt)
}

func TestToItem_DeletedAndSpecial(t *testing.T) {
	raw := `{
		"id": "item2",
		"name": "Vault",
		"folder": {"childCount": 0},
		"specialFolder": {"name": "vault"},
		"deleted": {"state": "deleted"}
	}`

	var dr driveItemResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &dr))

	item := dr.toItem(slog.Default())

	assert.True(t, item.IsFolder)
	assert.True(t, item.IsDeleted)
	assert.Equal(t, "vault", item.SpecialFolder)
	assert.True(t, item.CreatedAt.IsZero())
}

func TestToItem_EmptyDeletedStateIsNotDeletion(t *testing.T) {
	raw := `{"id": "item3", "name": "f", "folder": {}, "deleted": {"state": ""}}`

	var dr driveItemResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &dr))

	assert.False(t, dr.toItem(slog.Default()).IsDeleted)
}

func TestToItem_PackageType(t *testing.T) {
	raw := `{"id": "nb", "name": "Notebook", "package": {"type": "oneNote"}}`

	var dr driveItemResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &dr))

	item := dr.toItem(slog.Default())
	assert.Equal(t, "oneNote", item.PackageType)
	assert.False(t, item.IsFile)
	assert.False(t, item.IsFolder)
}

func TestGetProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1.0/me", r.URL.Path)
		fmt.Fprint(w, `{"id": "u1", "displayName": "Test User", "userPrincipalName": "user@example.com"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	profile, err := c.GetProfile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", profile.UserPrincipalName)
	assert.Equal(t, "Test User", profile.DisplayName)
}

func TestGetItemByPath_EscapesSegments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1.0/me/drive/root:/Docs/file%20%231.txt", r.URL.EscapedPath())
		fmt.Fprint(w, `{"id": "f1", "name": "file #1.txt", "file": {}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	item, err := c.GetItemByPath(context.Background(), "Docs/file #1.txt")
	require.NoError(t, err)
	assert.Equal(t, "f1", item.ID)
}

func TestListChildren_Paginates(t *testing.T) {
	var srv *httptest.Server

	mux := http.NewServeMux()
	mux.HandleFunc("/v1.0/me/drive/items/parent/children", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"value": [{"id": "1", "name": "a", "file": {}}], "@odata.nextLink": "%s/more"}`, srv.URL)
	})
	mux.HandleFunc("/more", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"value": [{"id": "2", "name": "b", "folder": {}}]}`)
	})

	srv = httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	items, err := c.ListChildren(context.Background(), "parent")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].Name)
	assert.True(t, items[1].IsFolder)
}
