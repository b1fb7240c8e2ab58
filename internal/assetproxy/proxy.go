package assetproxy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"assetproxy/internal/cachestore"
)

// precacheConcurrency bounds parallel manifest fetches during install.
const precacheConcurrency = 8

// Proxy applies the cache policy of the active worker to intercepted
// requests and runs the install/activate lifecycle for new versions.
type Proxy struct {
	origin  *url.URL
	store   cachestore.Store
	fetcher Fetcher
	blocked map[string]struct{}

	clients    *clientRegistry
	stats      *statsCollector
	offlineLog *rateLimitedLogger

	// updateMu serialises Update so install finishes before activate runs.
	updateMu sync.Mutex

	// mu is held for writing during activation; Handle takes a read lock to
	// pick the worker that serves a request.
	mu     sync.RWMutex
	active *Worker
}

type ProxyConfig struct {
	Origin         *url.URL
	Store          cachestore.Store
	Fetcher        Fetcher
	BlockedSchemes []string
}

func NewProxy(cfg ProxyConfig) *Proxy {
	blocked := make(map[string]struct{}, len(cfg.BlockedSchemes))
	for _, s := range cfg.BlockedSchemes {
		s = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(s), ":"))
		if s != "" {
			blocked[s] = struct{}{}
		}
	}
	return &Proxy{
		origin:     cfg.Origin,
		store:      cfg.Store,
		fetcher:    cfg.Fetcher,
		blocked:    blocked,
		clients:    newClientRegistry(maxClients),
		stats:      newStatsCollector(),
		offlineLog: newRateLimitedLogger(time.Minute),
	}
}

// Active returns the worker currently serving requests, or nil.
func (p *Proxy) Active() *Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active
}

// Start boots the proxy with its first version.
func (p *Proxy) Start(ctx context.Context, v Version) error {
	return p.Update(ctx, v)
}

// Update registers v: it is installed and, without waiting for existing
// pages to go away, activated in place of the current worker.
func (p *Proxy) Update(ctx context.Context, v Version) error {
	p.updateMu.Lock()
	defer p.updateMu.Unlock()

	w, err := p.Install(ctx, v)
	if err != nil {
		return err
	}
	return p.Activate(ctx, w)
}

// Install opens the generation for v and pre-caches its manifest. A failed
// manifest is logged and recorded on the worker; only a storage failure
// opening the generation is returned as an error.
func (p *Proxy) Install(ctx context.Context, v Version) (*Worker, error) {
	if err := validateVersion(v); err != nil {
		return nil, err
	}
	w := newWorker(v)
	if err := w.transition(StateParsed, StateInstalling); err != nil {
		return nil, err
	}

	gen, err := p.store.Open(ctx, v.Label)
	if err != nil {
		w.retire()
		return nil, fmt.Errorf("open cache %q: %w", v.Label, err)
	}
	w.mu.Lock()
	w.gen = gen
	w.mu.Unlock()

	log.Printf("[assetproxy] %s: pre-caching %d core assets", v.Label, len(v.Manifest))
	n, err := p.precache(ctx, gen, v.Manifest)
	w.mu.Lock()
	w.precached = n
	w.precacheErr = err
	w.mu.Unlock()
	if err != nil {
		log.Printf("[assetproxy] %s: pre-caching failed: %v", v.Label, err)
	}

	if len(v.Sitemaps) > 0 {
		stored, ignored, err := p.discoverURLs(ctx, gen, v)
		if err != nil {
			log.Printf("[assetproxy] %s: urlsDiscover: error: %v", v.Label, err)
		}
		log.Printf("[assetproxy] %s: urlsDiscover: stored=%d ignored=%d", v.Label, stored, ignored)
		w.mu.Lock()
		w.discovered = stored
		w.mu.Unlock()
	}

	w.mu.Lock()
	w.installedAt = time.Now()
	w.mu.Unlock()
	if err := w.transition(StateInstalling, StateInstalled); err != nil {
		return nil, err
	}
	return w, nil
}

// precache fetches every manifest entry and stores them in one batch. Any
// failed or non-ok fetch leaves the generation untouched.
func (p *Proxy) precache(ctx context.Context, gen cachestore.Generation, manifest []string) (int, error) {
	recs := make([]cachestore.Record, len(manifest))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(precacheConcurrency)
	for i, ref := range manifest {
		g.Go(func() error {
			u, err := resolveRef(p.origin, ref)
			if err != nil {
				return fmt.Errorf("%s: %w", ref, err)
			}
			req := &Request{Method: http.MethodGet, URL: u, Mode: p.modeFor(u), Header: http.Header{}}
			resp, err := p.fetcher.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("%s: %w", ref, err)
			}
			if resp.Status < 200 || resp.Status >= 300 {
				return fmt.Errorf("%s: unexpected status %d", ref, resp.Status)
			}
			recs[i] = cachestore.Record{Key: req.Identity(), Entry: resp.entry()}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if err := gen.PutBatch(ctx, recs); err != nil {
		return 0, fmt.Errorf("store manifest: %w", err)
	}
	return len(recs), nil
}

// Activate makes w the serving worker: every other generation is deleted,
// open clients are claimed, and the previous worker becomes redundant.
// Requests arriving meanwhile wait and are served by w.
//
// w takes over even when old generations cannot be listed or deleted; the
// returned error then wraps ErrCleanup.
func (p *Proxy) Activate(ctx context.Context, w *Worker) error {
	if err := w.transition(StateInstalled, StateActivating); err != nil {
		return err
	}
	label := w.version.Label

	p.mu.Lock()
	defer p.mu.Unlock()

	cleanupErr := p.deleteOtherGenerations(ctx, label)

	old := p.active
	p.active = w
	if err := w.transition(StateActivating, StateActivated); err != nil {
		return err
	}
	if old != nil && old != w {
		old.retire()
	}
	claimed := p.clients.Claim(label)
	log.Printf("[assetproxy] %s: activated, claimed %d clients", label, claimed)

	if cleanupErr != nil {
		log.Printf("[assetproxy] %s: %v", label, cleanupErr)
		return fmt.Errorf("%w: %w", ErrCleanup, cleanupErr)
	}
	return nil
}

// deleteOtherGenerations removes every generation but keep. All deletions
// are attempted; their errors are joined.
func (p *Proxy) deleteOtherGenerations(ctx context.Context, keep string) error {
	names, err := p.store.Names(ctx)
	if err != nil {
		return fmt.Errorf("list caches: %w", err)
	}
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, name := range names {
		if name == keep {
			continue
		}
		g.Go(func() error {
			if _, err := p.store.Delete(ctx, name); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("delete cache %q: %w", name, err))
				mu.Unlock()
				return nil
			}
			log.Printf("[assetproxy] %s: deleted old cache %s", keep, name)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Handle serves one intercepted request.
//
// Non-GET requests and blocked schemes go to the network untouched.
// Navigations are network-first with the fallback document on failure.
// Everything else is cache-first; a 200 same-origin network response is
// stored before it is returned. When no response can be produced the error
// wraps ErrUnavailable.
func (p *Proxy) Handle(ctx context.Context, req *Request) (*Response, Outcome, error) {
	p.mu.RLock()
	w := p.active
	p.mu.RUnlock()

	resp, outcome, err := p.handle(ctx, w, req)
	size := 0
	if resp != nil {
		size = len(resp.Body)
	}
	p.stats.Record(outcome, size)
	return resp, outcome, err
}

func (p *Proxy) handle(ctx context.Context, w *Worker, req *Request) (*Response, Outcome, error) {
	if w == nil {
		return p.passthrough(ctx, req)
	}
	p.clients.Touch(req.ClientID, w.version.Label)

	if req.Method != http.MethodGet || p.isBlocked(req.URL) {
		return p.passthrough(ctx, req)
	}
	if req.Mode == ModeNavigate {
		return p.handleNavigate(ctx, w, req)
	}
	return p.handleAsset(ctx, w, req)
}

func (p *Proxy) passthrough(ctx context.Context, req *Request) (*Response, Outcome, error) {
	req.Redirect = RedirectManual
	resp, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, OutcomeBypass, fmt.Errorf("pass through %s %s: %w", req.Method, req.URL, err)
	}
	return resp, OutcomeBypass, nil
}

func (p *Proxy) handleNavigate(ctx context.Context, w *Worker, req *Request) (*Response, Outcome, error) {
	req.Redirect = RedirectManual
	resp, err := p.fetcher.Fetch(ctx, req)
	if err == nil {
		return resp, OutcomeNetwork, nil
	}
	p.offlineLog.Printf("[assetproxy] navigation to %s failed, serving fallback: %v", req.URL, err)

	fallback, ferr := resolveRef(p.origin, w.version.Fallback)
	if ferr != nil {
		return nil, OutcomeUnavailable, fmt.Errorf("%w: %s: %w", ErrUnavailable, req.URL, err)
	}
	ent, ok, merr := w.generation().Match(ctx, identity(http.MethodGet, fallback))
	if merr != nil {
		log.Printf("[assetproxy] fallback lookup: %v", merr)
	}
	if !ok {
		return nil, OutcomeUnavailable, fmt.Errorf("%w: %s: %w", ErrUnavailable, req.URL, err)
	}
	return responseFromEntry(ent), OutcomeFallback, nil
}

func (p *Proxy) handleAsset(ctx context.Context, w *Worker, req *Request) (*Response, Outcome, error) {
	key := req.Identity()
	gen := w.generation()

	ent, ok, err := gen.Match(ctx, key)
	if err != nil {
		log.Printf("[assetproxy] cache lookup %s: %v", key, err)
	} else if ok {
		return responseFromEntry(ent), OutcomeHit, nil
	}

	resp, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		p.offlineLog.Printf("[assetproxy] fetch failed; offline mode: %s: %v", key, err)
		return nil, OutcomeUnavailable, fmt.Errorf("%w: %s: %w", ErrUnavailable, key, err)
	}
	if !resp.cacheable() {
		return resp, OutcomeNetwork, nil
	}
	if w.State() == StateRedundant {
		return resp, OutcomeNetwork, nil
	}
	if err := gen.Put(ctx, key, resp.entry()); err != nil {
		if !errors.Is(err, cachestore.ErrGenerationGone) {
			log.Printf("[assetproxy] cache store %s: %v", key, err)
		}
		return resp, OutcomeNetwork, nil
	}
	return resp, OutcomeMiss, nil
}

func (p *Proxy) isBlocked(u *url.URL) bool {
	_, ok := p.blocked[strings.ToLower(u.Scheme)]
	return ok
}

func (p *Proxy) modeFor(u *url.URL) Mode {
	if p.origin != nil && sameOrigin(u, p.origin) {
		return ModeSameOrigin
	}
	return ModeNoCORS
}

// Match looks ref up in the active generation without touching the network.
func (p *Proxy) Match(ctx context.Context, ref string) (*Response, bool, error) {
	w := p.Active()
	if w == nil {
		return nil, false, ErrNoActiveWorker
	}
	u, err := resolveRef(p.origin, ref)
	if err != nil {
		return nil, false, err
	}
	ent, ok, err := w.generation().Match(ctx, identity(http.MethodGet, u))
	if err != nil || !ok {
		return nil, false, err
	}
	return responseFromEntry(ent), true, nil
}

// Keys lists the identities stored in the active generation.
func (p *Proxy) Keys(ctx context.Context) ([]string, error) {
	w := p.Active()
	if w == nil {
		return nil, ErrNoActiveWorker
	}
	return w.generation().Keys(ctx)
}

// Clients lists known page sessions.
func (p *Proxy) Clients() []Client { return p.clients.List() }

type Status struct {
	Version       string        `json:"version"`
	State         string        `json:"state"`
	InstalledAt   time.Time     `json:"installedAt"`
	Precached     int           `json:"precached"`
	Discovered    int           `json:"discovered"`
	PrecacheError string        `json:"precacheError,omitempty"`
	Generations   []string      `json:"generations"`
	Clients       int           `json:"clients"`
	Stats         statsSnapshot `json:"stats"`
}

func (p *Proxy) Status(ctx context.Context) (Status, error) {
	names, err := p.store.Names(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("list caches: %w", err)
	}
	st := Status{
		Generations: names,
		Clients:     p.clients.Len(),
		Stats:       p.stats.Snapshot(),
	}
	if w := p.Active(); w != nil {
		w.mu.Lock()
		st.Version = w.version.Label
		st.State = w.state.String()
		st.InstalledAt = w.installedAt
		st.Precached = w.precached
		st.Discovered = w.discovered
		if w.precacheErr != nil {
			st.PrecacheError = w.precacheErr.Error()
		}
		w.mu.Unlock()
	}
	return st, nil
}
