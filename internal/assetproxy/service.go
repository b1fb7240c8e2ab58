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

	"assetproxy/internal/cachestore"
)

const proxyHeader = "X-Asset-Proxy"

type Service struct {
	cfg Config

	store cachestore.Store
	proxy *Proxy

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewService(cfg Config) (*Service, error) {
	store, err := openStore(cfg.Storage)
	if err != nil {
		return nil, err
	}
	fetcher := NewHTTPFetcher(cfg.OriginURL(), cfg.Server.fetchTimeoutDur)
	return newService(cfg, store, fetcher), nil
}

func newService(cfg Config, store cachestore.Store, fetcher Fetcher) *Service {
	s := &Service{
		cfg:   cfg,
		store: store,
		proxy: NewProxy(ProxyConfig{
			Origin:         cfg.OriginURL(),
			Store:          store,
			Fetcher:        fetcher,
			BlockedSchemes: cfg.Cache.BlockedSchemes,
		}),
		stopCh: make(chan struct{}),
	}

	if cfg.Logging.logStatsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.Logging.logStatsEveryDur)
		}()
	}
	return s
}

// Start installs and activates the configured version. Leftover caches
// that could not be removed are logged by the proxy and do not stop startup.
func (s *Service) Start(ctx context.Context) error {
	err := s.proxy.Start(ctx, s.cfg.Version())
	if errors.Is(err, ErrCleanup) {
		return nil
	}
	return err
}

func (s *Service) Proxy() *Proxy { return s.proxy }

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	if err := s.store.Close(); err != nil {
		log.Printf("[assetproxy] close store: %v", err)
	}
}

func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	req, err := s.toRequest(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if !s.hostAllowed(req.URL) {
		setProxyHeaders(w.Header(), "forbidden")
		http.Error(w, "forbidden host", http.StatusForbidden)
		return
	}
	if req.Mode == ModeNavigate && req.ClientID == "" {
		req.ClientID = newClientID()
		http.SetCookie(w, &http.Cookie{
			Name:     clientCookie,
			Value:    req.ClientID,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}

	resp, outcome, err := s.proxy.Handle(r.Context(), req)
	switch {
	case err == nil:
		writeResponse(w, resp, outcome)
	case errors.Is(err, ErrUnavailable):
		setProxyHeaders(w.Header(), OutcomeUnavailable)
		http.Error(w, "offline", http.StatusGatewayTimeout)
	default:
		log.Printf("[assetproxy] %v", err)
		setProxyHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
}

// toRequest accepts origin-form requests, resolved against the origin, and
// absolute-form requests from clients using the proxy for CDN hosts.
func (s *Service) toRequest(r *http.Request) (*Request, error) {
	origin := s.cfg.OriginURL()
	var u *url.URL
	if r.URL.IsAbs() {
		c := *r.URL
		u = &c
	} else {
		u = origin.ResolveReference(&url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery})
	}
	if u.Host == "" {
		return nil, fmt.Errorf("request without host: %s", r.URL)
	}

	req := &Request{
		Method: r.Method,
		URL:    u,
		Header: r.Header.Clone(),
		Mode:   ModeNoCORS,
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		req.Body = r.Body
	}
	req.Header.Del("Cookie")
	for _, c := range r.Cookies() {
		if c.Name == clientCookie {
			req.ClientID = c.Value
			continue
		}
		req.Header.Add("Cookie", c.String())
	}

	switch {
	case isNavigation(r):
		req.Mode = ModeNavigate
	case r.Header.Get("Origin") != "" && !sameOrigin(u, origin):
		req.Mode = ModeCORS
	case sameOrigin(u, origin):
		req.Mode = ModeSameOrigin
	}
	return req, nil
}

// hostAllowed keeps the listener from being used as an open forward proxy.
// Reachable hosts are the origin, server.allowedHosts and the hosts named in
// the active manifest.
func (s *Service) hostAllowed(u *url.URL) bool {
	host := strings.ToLower(u.Host)
	if origin := s.cfg.OriginURL(); origin != nil && strings.EqualFold(host, origin.Host) {
		return true
	}
	if _, ok := s.cfg.Server.allowedHosts[host]; ok {
		return true
	}
	if w := s.proxy.Active(); w != nil {
		for _, ref := range w.Version().Manifest {
			m, err := url.Parse(strings.TrimSpace(ref))
			if err == nil && m.IsAbs() && strings.EqualFold(m.Host, host) {
				return true
			}
		}
	}
	return false
}

func isNavigation(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if m := r.Header.Get("Sec-Fetch-Mode"); m != "" {
		return m == "navigate"
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func writeResponse(w http.ResponseWriter, resp *Response, outcome Outcome) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, proxyHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setProxyHeaders(w.Header(), outcome)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func setProxyHeaders(h http.Header, outcome Outcome) {
	if outcome != "" {
		h.Set(proxyHeader, string(outcome))
	}
	// Custom headers are only readable from JS in a CORS context when
	// exposed.
	ensureExposedHeader(h, proxyHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := s.proxy.Status(ctx)
	if err != nil {
		log.Printf("[assetproxy] stats: %v", err)
		return
	}
	keys, _ := s.proxy.Keys(ctx)

	var disk, ram string
	if sz, ok := s.store.(sizer); ok {
		disk = formatBytes(uint64(sz.TotalSize()))
		ram = formatBytes(uint64(sz.RAMSize()))
	} else {
		disk, ram = "n/a", "n/a"
	}
	rss := "n/a"
	if b, ok := processRSSBytes(); ok {
		rss = formatBytes(b)
	}
	ss := st.Stats
	log.Printf(
		"[assetproxy] Cached: Version: %s, Keys: %d, Generations: %d, Disk usage: %s, RAM usage: %s, RSS: %s, Hit/miss/fallback/unavailable %d/%d/%d/%d, Resp min/avg/max %s/%s/%s",
		st.Version,
		len(keys),
		len(st.Generations),
		disk,
		ram,
		rss,
		ss.Outcomes[string(OutcomeHit)],
		ss.Outcomes[string(OutcomeMiss)],
		ss.Outcomes[string(OutcomeFallback)],
		ss.Outcomes[string(OutcomeUnavailable)],
		formatBytes(ss.MinRespBytes),
		formatBytes(ss.AvgRespBytes),
		formatBytes(ss.MaxRespBytes),
	)
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
