package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/finemagazi/shellcache/internal/cache"
	"github.com/finemagazi/shellcache/internal/logging"
)

const testOrigin = "https://finemagazi.example"

var testManifest = []string{"/", "/index.html", "/style.css", "/script.js"}

// fakeNetwork 模拟源站：按 key 返回预设响应，可整体离线或让单个 key 失败。
type fakeNetwork struct {
	mu      sync.Mutex
	pages   map[string]*cache.Response
	failing map[string]bool
	offline bool
	calls   map[string]int
	gate    chan struct{}
	gates   map[string]chan struct{}
}

func newFakeNetwork() *fakeNetwork {
	n := &fakeNetwork{
		pages:   make(map[string]*cache.Response),
		failing: make(map[string]bool),
		calls:   make(map[string]int),
		gates:   make(map[string]chan struct{}),
	}
	n.set("/", http.StatusOK, "<html>home</html>")
	n.set("/index.html", http.StatusOK, "<html>index</html>")
	n.set("/style.css", http.StatusOK, "body{}")
	n.set("/script.js", http.StatusOK, "console.log(1)")
	n.set("/posts/budget.html", http.StatusOK, "<html>budget</html>")
	n.set("/img/F.jpg", http.StatusOK, "jpeg")
	return n
}

func (n *fakeNetwork) set(key string, status int, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pages[key] = &cache.Response{
		Status: status,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
	}
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *fakeNetwork) fail(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failing[key] = true
}

func (n *fakeNetwork) heal(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.failing, key)
}

// block 让后续请求阻塞，直到返回的函数被调用。
func (n *fakeNetwork) block() func() {
	gate := make(chan struct{})
	n.mu.Lock()
	n.gate = gate
	n.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			n.gate = nil
			n.mu.Unlock()
			close(gate)
		})
	}
}

// blockKey 只阻塞 key 对应的请求，其它请求照常返回。
func (n *fakeNetwork) blockKey(key string) func() {
	gate := make(chan struct{})
	n.mu.Lock()
	n.gates[key] = gate
	n.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.gates, key)
			n.mu.Unlock()
			close(gate)
		})
	}
}

func (n *fakeNetwork) count(key string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[key]
}

func (n *fakeNetwork) total() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	sum := 0
	for _, c := range n.calls {
		sum += c
	}
	return sum
}

func (n *fakeNetwork) Fetch(ctx context.Context, req Request) (*cache.Response, error) {
	key := req.Key()
	n.mu.Lock()
	n.calls[key]++
	gate := n.gate
	if keyed, ok := n.gates[key]; ok {
		gate = keyed
	}
	n.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrNetwork, ctx.Err())
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.offline || n.failing[key] {
		return nil, fmt.Errorf("%w: connection refused", ErrNetwork)
	}
	resp, ok := n.pages[key]
	if !ok {
		return &cache.Response{Status: http.StatusNotFound, Body: []byte("not found")}, nil
	}
	return resp.Clone(), nil
}

func forEachBackend(t *testing.T, fn func(t *testing.T, storage cache.Storage)) {
	t.Helper()
	for _, driver := range []string{"fs", "bolt"} {
		t.Run(driver, func(t *testing.T) {
			storage, err := cache.NewStorage(driver, t.TempDir())
			if err != nil {
				t.Fatalf("storage init error: %v", err)
			}
			t.Cleanup(func() { _ = storage.Close() })
			fn(t, storage)
		})
	}
}

func mustStorage(t *testing.T) cache.Storage {
	t.Helper()
	storage, err := cache.NewStorage("fs", t.TempDir())
	if err != nil {
		t.Fatalf("storage init error: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func newTestManager(t *testing.T, storage cache.Storage, network Fetcher, mutate func(*Options)) *Manager {
	t.Helper()
	origin, _ := url.Parse(testOrigin)
	opts := Options{
		Origin:             origin,
		PrecachePrefix:     "precache",
		RuntimeCache:       "runtime",
		OfflineFallback:    "/index.html",
		SkipWaiting:        true,
		InstallConcurrency: 2,
	}
	if mutate != nil {
		mutate(&opts)
	}
	manager, err := NewManager(storage, network, logging.Discard(), opts)
	if err != nil {
		t.Fatalf("manager init error: %v", err)
	}
	t.Cleanup(manager.Wait)
	return manager
}

func mustRegister(t *testing.T, manager *Manager, version string) GenerationInfo {
	t.Helper()
	info, err := manager.Register(context.Background(), version, testManifest)
	if err != nil {
		t.Fatalf("register %s error: %v", version, err)
	}
	return info
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url %s: %v", raw, err)
	}
	return u
}

func navRequest(t *testing.T, path string) Request {
	t.Helper()
	return Request{
		Method:      http.MethodGet,
		URL:         mustURL(t, testOrigin+path),
		Mode:        "navigate",
		Destination: "document",
		Header:      http.Header{"Accept": []string{"text/html,application/xhtml+xml"}},
	}
}

func assetRequest(t *testing.T, path, dest string) Request {
	t.Helper()
	return Request{
		Method:      http.MethodGet,
		URL:         mustURL(t, testOrigin+path),
		Mode:        "no-cors",
		Destination: dest,
	}
}

func otherRequest(t *testing.T, path string) Request {
	t.Helper()
	return Request{
		Method: http.MethodGet,
		URL:    mustURL(t, testOrigin+path),
		Mode:   "cors",
		Header: http.Header{"Accept": []string{"application/json"}},
	}
}

func lookup(t *testing.T, storage cache.Storage, name, key string) (*cache.Response, bool) {
	t.Helper()
	store, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open %s error: %v", name, err)
	}
	resp, err := store.Match(context.Background(), key)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		t.Fatalf("match %s%s error: %v", name, key, err)
	}
	return resp, true
}

func put(t *testing.T, storage cache.Storage, name, key, body string) {
	t.Helper()
	store, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open %s error: %v", name, err)
	}
	resp := &cache.Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte(body)}
	if err := store.Put(context.Background(), key, resp); err != nil {
		t.Fatalf("put %s%s error: %v", name, key, err)
	}
}

func cacheNames(t *testing.T, storage cache.Storage) []string {
	t.Helper()
	names, err := storage.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	return names
}

// waitForCalls 等待 key 至少被请求 n 次。
func waitForCalls(t *testing.T, network *fakeNetwork, key string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for network.count(key) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d request(s) to %s", n, key)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// flakyStorage 在 failPuts 打开后让所有写入失败，读取不受影响。
type flakyStorage struct {
	cache.Storage
	failPuts atomic.Bool
}

func (s *flakyStorage) Open(ctx context.Context, name string) (cache.Cache, error) {
	c, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &flakyCache{Cache: c, storage: s}, nil
}

type flakyCache struct {
	cache.Cache
	storage *flakyStorage
}

func (c *flakyCache) Put(ctx context.Context, key string, resp *cache.Response) error {
	if c.storage.failPuts.Load() {
		return errors.New("disk full")
	}
	return c.Cache.Put(ctx, key, resp)
}
