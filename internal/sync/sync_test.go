package sync

import (
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HighEncryption/Blueshift/internal/catalog"
	"github.com/HighEncryption/Blueshift/internal/config"
	"github.com/HighEncryption/Blueshift/internal/tokenstore"
)

// fakeDrive is an in-memory drive served over httptest: a delta feed, item
// metadata for refetches, and ranged content downloads behind a redirect,
// mimicking the shape of the real service closely enough for end-to-end
// engine tests.
type fakeDrive struct {
	t *testing.T

	mu          sync.Mutex
	profileUPN  string
	feed        []map[string]any
	deltaCalls  int
	deltaToken  int
	items       map[string]map[string]any
	content     map[string][]byte
	contentHits map[string]int
}

func newFakeDrive(t *testing.T) *fakeDrive {
	return &fakeDrive{
		t:           t,
		profileUPN:  "user@example.com",
		items:       make(map[string]map[string]any),
		content:     make(map[string][]byte),
		contentHits: make(map[string]int),
	}
}

// push stages items for the next delta request and records them as the
// items' current metadata.
func (d *fakeDrive) push(items ...map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, item := range items {
		d.feed = append(d.feed, item)
		d.items[item["id"].(string)] = item
	}
}

// setItem overrides an item's current metadata without staging it in the
// feed, simulating an update that happened after the feed was produced.
func (d *fakeDrive) setItem(item map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.items[item["id"].(string)] = item
}

func (d *fakeDrive) setContent(id string, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.content[id] = data
}

func (d *fakeDrive) hits(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.contentHits[id]
}

func (d *fakeDrive) deltaRequests() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.deltaCalls
}

func (d *fakeDrive) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1.0/me", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		upn := d.profileUPN
		d.mu.Unlock()

		writeJSON(w, map[string]any{
			"id":                "user-1",
			"displayName":       "Test User",
			"userPrincipalName": upn,
		})
	})

	mux.HandleFunc("/v1.0/me/drive/root/delta", func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(d.t, r.Header.Get("Authorization"))

		d.mu.Lock()
		items := d.feed
		d.feed = nil
		d.deltaCalls++
		d.deltaToken++
		link := fmt.Sprintf("http://%s/v1.0/me/drive/root/delta?token=%d",
			r.Host, d.deltaToken)
		d.mu.Unlock()

		if items == nil {
			items = []map[string]any{}
		}

		writeJSON(w, map[string]any{
			"value":            items,
			"@odata.deltaLink": link,
		})
	})

	mux.HandleFunc("/v1.0/me/drive/items/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/v1.0/me/drive/items/")

		if id, ok := strings.CutSuffix(rest, "/content"); ok {
			http.Redirect(w, r, "http://"+r.Host+"/cdn/"+id, http.StatusFound)
			return
		}

		d.mu.Lock()
		item, ok := d.items[rest]
		d.mu.Unlock()

		if !ok {
			w.WriteHeader(http.StatusNotFound)
			writeJSON(w, map[string]any{
				"error": map[string]any{"code": "itemNotFound", "message": "not found"},
			})

			return
		}

		writeJSON(w, item)
	})

	mux.HandleFunc("/cdn/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/cdn/")

		d.mu.Lock()
		data, ok := d.content[id]
		d.contentHits[id]++
		d.mu.Unlock()

		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		var from, to int64
		_, err := fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &from, &to)
		require.NoError(d.t, err)

		if to > int64(len(data))-1 {
			to = int64(len(data)) - 1
		}

		w.Header().Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", from, to, len(data)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(data[from : to+1])
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func sha1Hex(data []byte) string {
	return fmt.Sprintf("%X", sha1.Sum(data))
}

// Item fixture builders. The maps marshal into the same JSON shape the
// service produces.

func rootItem(id string) map[string]any {
	return map[string]any{
		"id":     id,
		"name":   "root",
		"eTag":   "root-e1",
		"folder": map[string]any{"childCount": 0},
		"root":   map[string]any{},
	}
}

func folderItem(id, name, etag, parentID string) map[string]any {
	return map[string]any{
		"id":              id,
		"name":            name,
		"eTag":            etag,
		"folder":          map[string]any{"childCount": 0},
		"parentReference": map[string]any{"id": parentID},
		"fileSystemInfo": map[string]any{
			"createdDateTime":      "2024-05-01T08:00:00Z",
			"lastModifiedDateTime": "2024-05-01T09:00:00Z",
		},
	}
}

func fileItem(id, name, etag, parentID string, content []byte) map[string]any {
	return map[string]any{
		"id":   id,
		"name": name,
		"eTag": etag,
		"cTag": "c-" + etag,
		"size": len(content),
		"file": map[string]any{
			"mimeType": "application/octet-stream",
			"hashes":   map[string]any{"sha1Hash": sha1Hex(content)},
		},
		"parentReference": map[string]any{"id": parentID},
		"fileSystemInfo": map[string]any{
			"createdDateTime":      "2024-05-02T08:00:00Z",
			"lastModifiedDateTime": "2024-05-02T09:00:00Z",
		},
	}
}

func withDeleted(item map[string]any) map[string]any {
	item["deleted"] = map[string]any{"state": "deleted"}
	return item
}

func withSpecialFolder(item map[string]any, name string) map[string]any {
	item["specialFolder"] = map[string]any{"name": name}
	return item
}

// testEnv wires a Manager against a fakeDrive with one enabled source whose
// mirror root and state directory live in a temp dir.
type testEnv struct {
	manager *Manager
	drive   *fakeDrive
	cfg     *config.Config
	src     *config.Source
	tokens  tokenstore.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	drive := newFakeDrive(t)
	server := httptest.NewServer(drive.handler())
	t.Cleanup(server.Close)

	dir := t.TempDir()
	root := filepath.Join(dir, "mirror")
	require.NoError(t, os.Mkdir(root, 0o755))

	cfg := &config.Config{
		AppID:    "test-app",
		StateDir: filepath.Join(dir, "state"),
		Sources: []config.Source{{
			Name:              "personal",
			RootPath:          root,
			UserPrincipalName: "user@example.com",
		}},
	}
	require.NoError(t, cfg.EnsureStateDirs())

	logger := slog.Default()
	tokens := tokenstore.NewFileStore(tokenstore.NoopProtector{}, logger)
	src := &cfg.Sources[0]

	require.NoError(t, tokens.Save(cfg.TokenPath(src), &tokenstore.TokenPair{
		TokenType:    "Bearer",
		ExpiresIn:    3600,
		AccessToken:  "test-access",
		RefreshToken: "test-refresh",
		AcquireTime:  time.Now(),
	}))

	manager := &Manager{
		cfg:        cfg,
		tokens:     tokens,
		logger:     logger,
		baseURL:    server.URL,
		httpClient: server.Client(),
	}

	return &testEnv{
		manager: manager,
		drive:   drive,
		cfg:     cfg,
		src:     src,
		tokens:  tokens,
	}
}

// openCatalog opens the source's catalog database for assertions. Only call
// it after the engine has finished with the database.
func (e *testEnv) openCatalog(t *testing.T) *catalog.Store {
	t.Helper()

	store, err := catalog.Open(e.cfg.DatabasePath(e.src), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func (e *testEnv) mirrorPath(parts ...string) string {
	return filepath.Join(append([]string{e.src.RootPath}, parts...)...)
}

func readFile(t *testing.T, path string) string {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	return string(data)
}
