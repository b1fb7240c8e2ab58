package assetproxy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"assetproxy/internal/cachestore"
)

const testOrigin = "https://portfolio.test"

var errOffline = errors.New("dial tcp: network is unreachable")

type fakeRoute struct {
	status int
	body   string
	typ    ResponseType
	header http.Header
	err    error
}

// fakeFetcher answers from a route table keyed by absolute URL and counts
// every call.
type fakeFetcher struct {
	origin *url.URL

	mu      sync.Mutex
	routes  map[string]fakeRoute
	offline bool
	calls   int
	byURL   map[string]int
	modes   map[string]RedirectMode
}

func newFakeFetcher(t *testing.T) *fakeFetcher {
	t.Helper()
	return &fakeFetcher{
		origin: mustURL(t, testOrigin),
		routes: map[string]fakeRoute{},
		byURL:  map[string]int{},
		modes:  map[string]RedirectMode{},
	}
}

func (f *fakeFetcher) route(t *testing.T, ref string, r fakeRoute) {
	t.Helper()
	u, err := resolveRef(f.origin, ref)
	require.NoError(t, err)
	if r.status == 0 && r.err == nil {
		r.status = http.StatusOK
	}
	f.mu.Lock()
	f.routes[u.String()] = r
	f.mu.Unlock()
}

func (f *fakeFetcher) setOffline(v bool) {
	f.mu.Lock()
	f.offline = v
	f.mu.Unlock()
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeFetcher) CallsFor(t *testing.T, ref string) int {
	t.Helper()
	u, err := resolveRef(f.origin, ref)
	require.NoError(t, err)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byURL[u.String()]
}

// RedirectFor reports the redirect mode of the last fetch of ref.
func (f *fakeFetcher) RedirectFor(t *testing.T, ref string) RedirectMode {
	t.Helper()
	u, err := resolveRef(f.origin, ref)
	require.NoError(t, err)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.modes[u.String()]
}

func (f *fakeFetcher) Fetch(_ context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.byURL[req.URL.String()]++
	f.modes[req.URL.String()] = req.Redirect
	if f.offline {
		return nil, errOffline
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return nil, errors.New("unsupported protocol scheme " + req.URL.Scheme)
	}
	r, ok := f.routes[req.URL.String()]
	if !ok {
		r = fakeRoute{status: http.StatusNotFound, body: "not found"}
	}
	if r.err != nil {
		return nil, r.err
	}
	typ := r.typ
	if typ == "" {
		typ = TypeOpaque
		if sameOrigin(req.URL, f.origin) {
			typ = TypeBasic
		}
	}
	h := r.header.Clone()
	if h == nil {
		h = http.Header{}
	}
	return &Response{Status: r.status, Header: h, Body: []byte(r.body), Type: typ}, nil
}

// countingStore records every generation read and write. Names and
// Delete fail on demand.
type countingStore struct {
	cachestore.Store
	matches atomic.Int64
	puts    atomic.Int64

	mu        sync.Mutex
	namesErr  error
	deleteErr map[string]error
}

func (s *countingStore) failNames(err error) {
	s.mu.Lock()
	s.namesErr = err
	s.mu.Unlock()
}

func (s *countingStore) failDelete(name string, err error) {
	s.mu.Lock()
	if s.deleteErr == nil {
		s.deleteErr = map[string]error{}
	}
	s.deleteErr[name] = err
	s.mu.Unlock()
}

func (s *countingStore) Names(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	err := s.namesErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.Store.Names(ctx)
}

func (s *countingStore) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	err := s.deleteErr[name]
	s.mu.Unlock()
	if err != nil {
		return false, err
	}
	return s.Store.Delete(ctx, name)
}

func (s *countingStore) Open(ctx context.Context, name string) (cachestore.Generation, error) {
	g, err := s.Store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &countingGeneration{Generation: g, store: s}, nil
}

type countingGeneration struct {
	cachestore.Generation
	store *countingStore
}

func (g *countingGeneration) Match(ctx context.Context, key string) (cachestore.Entry, bool, error) {
	g.store.matches.Add(1)
	return g.Generation.Match(ctx, key)
}

func (g *countingGeneration) Put(ctx context.Context, key string, ent cachestore.Entry) error {
	g.store.puts.Add(1)
	return g.Generation.Put(ctx, key, ent)
}

func (g *countingGeneration) PutBatch(ctx context.Context, recs []cachestore.Record) error {
	g.store.puts.Add(int64(len(recs)))
	return g.Generation.PutBatch(ctx, recs)
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func testVersion(label string) Version {
	return Version{
		Label:    label,
		Manifest: append([]string(nil), DefaultManifest...),
		Fallback: DefaultFallback,
	}
}

// routeManifest serves every manifest entry with a body naming it.
func routeManifest(t *testing.T, f *fakeFetcher, manifest []string) {
	t.Helper()
	for _, ref := range manifest {
		f.route(t, ref, fakeRoute{body: "content of " + ref})
	}
}

type testProxy struct {
	*Proxy
	fetcher *fakeFetcher
	store   *countingStore
}

func newTestProxy(t *testing.T) *testProxy {
	t.Helper()
	f := newFakeFetcher(t)
	routeManifest(t, f, DefaultManifest)
	store := &countingStore{Store: cachestore.NewMemory()}
	p := NewProxy(ProxyConfig{
		Origin:         f.origin,
		Store:          store,
		Fetcher:        f,
		BlockedSchemes: []string{"chrome-extension"},
	})
	return &testProxy{Proxy: p, fetcher: f, store: store}
}

func (tp *testProxy) get(t *testing.T, ref string, mode Mode) *Request {
	t.Helper()
	u, err := resolveRef(tp.fetcher.origin, ref)
	require.NoError(t, err)
	return &Request{Method: http.MethodGet, URL: u, Mode: mode, Header: http.Header{}}
}
