package worker

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/account-book/ledger/internal/cache"
)

func TestStartCachesAppShell(t *testing.T) {
	origin := newOrigin(t)
	w, storage := newTestWorker(t, origin, Options{Files: []string{"/index.html", "/"}})

	require.NoError(t, w.Start(context.Background()))
	assert.Equal(t, StateActivated, w.State())
	assert.True(t, w.Controlling())

	installHits := origin.hits.Load()
	for _, p := range []string{"/index.html", "/"} {
		resp, err := storage.Match(context.Background(), origin.get(t, p))
		require.NoError(t, err, p)
		assert.Equal(t, "origin:GET "+p, readBody(t, resp))

		out, err := w.Fetch(context.Background(), origin.get(t, p))
		require.NoError(t, err)
		assert.Equal(t, SourceCache, out.Source)
		assert.Equal(t, "origin:GET "+p, readBody(t, out.Response))
	}
	assert.Equal(t, installHits, origin.hits.Load(), "cached GETs must not reach the network")
}

func TestInstallKeepsQueryAndEscapedPaths(t *testing.T) {
	origin := newOrigin(t)
	w, storage := newTestWorker(t, origin, Options{Files: []string{"/app.js?v=2", "/a%20b.html"}})

	require.NoError(t, w.Start(context.Background()))
	assert.ElementsMatch(t, []string{"/app.js?v=2", "/a%20b.html"}, origin.requested())

	keys, err := mustCache(t, storage, w.CacheName()).Keys(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"/app.js?v=2", "/a%20b.html"}, keys)

	before := origin.hits.Load()
	for _, p := range []string{"/app.js?v=2", "/a%20b.html"} {
		out, err := w.Fetch(context.Background(), origin.get(t, p))
		require.NoError(t, err, p)
		assert.Equal(t, SourceCache, out.Source, p)
		readBody(t, out.Response)
	}
	assert.Equal(t, before, origin.hits.Load(), "precached entries must be served without the network")
}

func TestInstallRejectsCrossOriginEntry(t *testing.T) {
	origin := newOrigin(t)
	w, _ := newTestWorker(t, origin, Options{Files: []string{"http://cdn.example/app.js"}})

	err := w.Start(context.Background())
	require.ErrorIs(t, err, ErrInstallFailed)
	assert.Empty(t, origin.requested())
}

func TestFetchForeignOriginSkipsCache(t *testing.T) {
	origin := newOrigin(t)
	w, _ := newTestWorker(t, origin, Options{Files: []string{"/"}})
	require.NoError(t, w.Start(context.Background()))

	other := newOrigin(t)
	out, err := w.Fetch(context.Background(), other.get(t, "/"))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, out.Source)
	assert.Equal(t, "origin:GET /", readBody(t, out.Response))
	assert.Equal(t, int64(1), other.hits.Load())
}

func TestActivateDeletesStaleCaches(t *testing.T) {
	origin := newOrigin(t)
	storage := cache.NewStorage(newStore(t))
	ctx := context.Background()

	stale, err := storage.Open(ctx, "v1")
	require.NoError(t, err)
	require.NoError(t, stale.AddAll(ctx, origin.Client(), []*http.Request{origin.get(t, "/index.html")}))
	_, err = storage.Open(ctx, "legacy")
	require.NoError(t, err)

	w, _ := newTestWorker(t, origin, Options{CacheName: "v2", Files: []string{"/"}, Storage: storage})
	require.NoError(t, w.Start(ctx))

	names, err := storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v2"}, names)
}

func TestActivateRequiresInstall(t *testing.T) {
	origin := newOrigin(t)
	w, _ := newTestWorker(t, origin, Options{})

	err := w.Activate(context.Background())
	assert.ErrorIs(t, err, ErrNotInstalled)
	assert.Equal(t, StateParsed, w.State())
}

func TestInstallFailureLeavesWorkerRedundant(t *testing.T) {
	origin := newOrigin(t)
	w, storage := newTestWorker(t, origin, Options{Files: []string{"/index.html", "/broken"}})

	err := w.Start(context.Background())
	require.ErrorIs(t, err, ErrInstallFailed)
	assert.ErrorIs(t, err, cache.ErrBadStatus)
	assert.Equal(t, StateRedundant, w.State())
	assert.False(t, w.Controlling())

	_, err = storage.Match(context.Background(), origin.get(t, "/index.html"))
	assert.ErrorIs(t, err, cache.ErrNotFound, "a failed install must not leave entries behind")

	_, err = w.Fetch(context.Background(), origin.get(t, "/index.html"))
	assert.ErrorIs(t, err, ErrNotActivated)
}

func TestFetchNonGETGoesToNetworkOnce(t *testing.T) {
	origin := newOrigin(t)
	w, storage := newTestWorker(t, origin, Options{Files: []string{"/api/entries"}})
	require.NoError(t, w.Start(context.Background()))

	before := origin.hits.Load()
	req, err := http.NewRequest(http.MethodPost, origin.URL+"/api/entries", strings.NewReader(`{"amount":1200}`))
	require.NoError(t, err)

	out, err := w.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, out.Source)
	assert.Equal(t, "origin:POST /api/entries", readBody(t, out.Response))
	assert.Equal(t, before+1, origin.hits.Load())

	keys, err := mustCache(t, storage, w.CacheName()).Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/api/entries"}, keys)
}

func TestFetchNonGETPropagatesNetworkError(t *testing.T) {
	origin := newOrigin(t)
	w, _ := newTestWorker(t, origin, Options{Files: []string{"/"}})
	require.NoError(t, w.Start(context.Background()))
	origin.Close()

	req, err := http.NewRequest(http.MethodDelete, origin.URL+"/api/entries/1", nil)
	require.NoError(t, err)
	out, err := w.Fetch(context.Background(), req)
	assert.Error(t, err)
	assert.Nil(t, out.Response)
}

func TestFetchMissReturnsNetworkResponseWithoutWriteBack(t *testing.T) {
	origin := newOrigin(t)
	w, storage := newTestWorker(t, origin, Options{Files: []string{"/"}})
	require.NoError(t, w.Start(context.Background()))

	out, err := w.Fetch(context.Background(), origin.get(t, "/report.json?month=3"))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, out.Source)
	assert.Equal(t, http.StatusOK, out.Response.StatusCode)
	assert.Equal(t, "origin:GET /report.json", readBody(t, out.Response))

	keys, err := mustCache(t, storage, w.CacheName()).Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/"}, keys)
}

func TestFetchMissOfflineResolvesWithoutResponse(t *testing.T) {
	origin := newOrigin(t)
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	w, _ := newTestWorker(t, origin, Options{Files: []string{"/"}, Logger: logger})
	require.NoError(t, w.Start(context.Background()))
	origin.Close()

	out, err := w.Fetch(context.Background(), origin.get(t, "/missing.png"))
	require.NoError(t, err)
	assert.Equal(t, SourceNone, out.Source)
	assert.Nil(t, out.Response)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "fetch_failed", entry.Message)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "/missing.png", entry.Data["path"])
}

func TestFetchWriteBackStoresOnlyOkSameOrigin(t *testing.T) {
	origin := newOrigin(t)
	w, storage := newTestWorker(t, origin, Options{Files: []string{"/"}, WriteBack: true})
	require.NoError(t, w.Start(context.Background()))

	out, err := w.Fetch(context.Background(), origin.get(t, "/app.js"))
	require.NoError(t, err)
	assert.Equal(t, "origin:GET /app.js", readBody(t, out.Response), "body must stay readable after write-back")

	out, err = w.Fetch(context.Background(), origin.get(t, "/gone"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, out.Response.StatusCode)
	readBody(t, out.Response)

	other := newOrigin(t)
	out, err = w.Fetch(context.Background(), other.get(t, "/cdn.js"))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, out.Source)
	readBody(t, out.Response)

	keys, err := mustCache(t, storage, w.CacheName()).Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "/app.js"}, keys)

	before := origin.hits.Load()
	out, err = w.Fetch(context.Background(), origin.get(t, "/app.js"))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, out.Source)
	readBody(t, out.Response)
	assert.Equal(t, before, origin.hits.Load())
}

func TestNewValidatesOptions(t *testing.T) {
	storage := cache.NewStorage(newStore(t))
	origin, _ := url.Parse("http://book.local")

	_, err := New(Options{Origin: origin, Client: http.DefaultClient, Storage: storage})
	assert.Error(t, err, "cache name required")
	_, err = New(Options{CacheName: "v1", Client: http.DefaultClient, Storage: storage})
	assert.Error(t, err, "origin required")
	_, err = New(Options{CacheName: "v1", Origin: origin, Storage: storage})
	assert.Error(t, err, "client required")
	_, err = New(Options{CacheName: "v1", Origin: origin, Client: http.DefaultClient})
	assert.Error(t, err, "storage required")

	w, err := New(Options{CacheName: "v1", Files: []string{"/"}, Origin: origin, Client: http.DefaultClient, Storage: storage})
	require.NoError(t, err)
	assert.Equal(t, "v1", w.CacheName())
	assert.Equal(t, []string{"/"}, w.Files())
	assert.Equal(t, StateParsed, w.State())
}

type originServer struct {
	*httptest.Server
	hits atomic.Int64

	mu   sync.Mutex
	uris []string
}

// newOrigin 返回一个回显方法与路径的上游桩：/broken 返回 500，/gone 返回 404。
func newOrigin(t *testing.T) *originServer {
	t.Helper()
	o := &originServer{}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		o.mu.Lock()
		o.uris = append(o.uris, r.URL.RequestURI())
		o.mu.Unlock()
		switch r.URL.Path {
		case "/broken":
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		case "/gone":
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "origin:"+r.Method+" "+r.URL.Path)
	}))
	t.Cleanup(o.Close)
	return o
}

// requested 返回上游收到的 RequestURI 列表副本。
func (o *originServer) requested() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.uris...)
}

func (o *originServer) get(t *testing.T, path string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, o.URL+path, nil)
	require.NoError(t, err)
	return req
}

func newStore(t *testing.T) cache.Store {
	t.Helper()
	store, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

// newTestWorker 以 origin 为上游构建 Worker，未指定的选项使用测试默认值。
func newTestWorker(t *testing.T, o *originServer, opts Options) (*Worker, *cache.Storage) {
	t.Helper()
	if opts.CacheName == "" {
		opts.CacheName = "my-account-book-cache-v1"
	}
	if opts.Storage == nil {
		opts.Storage = cache.NewStorage(newStore(t))
	}
	if opts.Origin == nil {
		u, err := url.Parse(o.URL)
		require.NoError(t, err)
		opts.Origin = u
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	w, err := New(opts)
	require.NoError(t, err)
	return w, opts.Storage
}

func mustCache(t *testing.T, storage *cache.Storage, name string) *cache.Cache {
	t.Helper()
	c, err := storage.Open(context.Background(), name)
	require.NoError(t, err)
	return c
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	require.NotNil(t, resp)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}
