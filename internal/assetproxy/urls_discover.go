package assetproxy

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"assetproxy/internal/cachestore"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// discoverURLs walks the version's sitemaps and best-effort caches the
// same-origin pages they list. Pages already in the generation are left
// alone. Nothing here can undo or fail the manifest.
func (p *Proxy) discoverURLs(ctx context.Context, gen cachestore.Generation, v Version) (stored int, ignored int, _ error) {
	seenSitemaps := map[string]struct{}{}
	seenPages := map[string]struct{}{}
	queue := make([]string, 0, len(v.Sitemaps))
	for _, sm := range v.Sitemaps {
		sm = strings.TrimSpace(sm)
		if sm == "" {
			continue
		}
		queue = append(queue, sm)
	}

	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			return stored, ignored, ctx.Err()
		default:
		}

		smRef := queue[0]
		queue = queue[1:]
		smURL, err := resolveRef(p.origin, smRef)
		if err != nil {
			return stored, ignored, fmt.Errorf("sitemap %q: %w", smRef, err)
		}
		if _, ok := seenSitemaps[smURL.String()]; ok {
			continue
		}
		seenSitemaps[smURL.String()] = struct{}{}

		doc, err := p.fetchAndParseSitemap(ctx, smURL)
		if err != nil {
			return stored, ignored, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, nested)
			}
		}

		for _, loc := range doc.URLs {
			u, ok := p.normalizeLoc(loc)
			if !ok {
				ignored++
				continue
			}
			key := identity(http.MethodGet, u)
			if _, dup := seenPages[key]; dup {
				continue
			}
			seenPages[key] = struct{}{}
			if v.DiscoverLimit > 0 && stored >= v.DiscoverLimit {
				ignored++
				continue
			}
			if _, found, _ := gen.Match(ctx, key); found {
				continue
			}

			resp, err := p.fetcher.Fetch(ctx, &Request{Method: http.MethodGet, URL: u, Mode: ModeSameOrigin, Header: http.Header{}})
			if err != nil || !resp.cacheable() {
				ignored++
				continue
			}
			if err := gen.Put(ctx, key, resp.entry()); err != nil {
				return stored, ignored, fmt.Errorf("store %s: %w", key, err)
			}
			stored++
		}
	}
	return stored, ignored, nil
}

// normalizeLoc resolves a sitemap <loc> and keeps only same-origin pages.
func (p *Proxy) normalizeLoc(loc string) (*url.URL, bool) {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return nil, false
	}
	if !strings.HasPrefix(loc, "http://") && !strings.HasPrefix(loc, "https://") && !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	u, err := resolveRef(p.origin, loc)
	if err != nil || !sameOrigin(u, p.origin) {
		return nil, false
	}
	return u, true
}

func (p *Proxy) fetchAndParseSitemap(ctx context.Context, sitemapURL *url.URL) (sitemapDoc, error) {
	resp, err := p.fetcher.Fetch(ctx, &Request{Method: http.MethodGet, URL: sitemapURL, Mode: p.modeFor(sitemapURL), Header: http.Header{}})
	if err != nil {
		return sitemapDoc{}, err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		b := resp.Body
		if len(b) > 2048 {
			b = b[:2048]
		}
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	body := resp.Body
	// Some servers send .gz sitemaps with Content-Encoding gzip, in which
	// case the body may already be inflated.
	tryGzip := strings.HasSuffix(strings.ToLower(sitemapURL.Path), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			defer gz.Close()
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}
