package assetproxy

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"assetproxy/internal/cachestore"
)

var (
	// ErrUnavailable means neither the network nor the cache could produce a
	// response for the request.
	ErrUnavailable = errors.New("asset unavailable")

	// ErrNoActiveWorker is returned by operations that need an activated
	// version before one exists.
	ErrNoActiveWorker = errors.New("no active worker")

	// ErrCleanup means a version was activated but some older generations
	// could not be removed.
	ErrCleanup = errors.New("old caches not removed")
)

// Mode mirrors the fetch mode a browser attaches to a request.
type Mode string

const (
	ModeNavigate   Mode = "navigate"
	ModeSameOrigin Mode = "same-origin"
	ModeNoCORS     Mode = "no-cors"
	ModeCORS       Mode = "cors"
)

// ResponseType tags where a response came from relative to the origin.
type ResponseType string

const (
	TypeBasic  ResponseType = "basic"
	TypeCORS   ResponseType = "cors"
	TypeOpaque ResponseType = "opaque"
)

// Outcome says how Handle produced its result. It is reported to clients in
// the X-Asset-Proxy header.
type Outcome string

const (
	OutcomeHit         Outcome = "hit"
	OutcomeMiss        Outcome = "miss"
	OutcomeNetwork     Outcome = "network"
	OutcomeFallback    Outcome = "fallback"
	OutcomeBypass      Outcome = "bypass"
	OutcomeUnavailable Outcome = "unavailable"
)

// RedirectMode says whether a fetch follows redirects or hands the redirect
// response back to the caller.
type RedirectMode string

const (
	RedirectFollow RedirectMode = "follow"
	RedirectManual RedirectMode = "manual"
)

var allOutcomes = []Outcome{OutcomeHit, OutcomeMiss, OutcomeNetwork, OutcomeFallback, OutcomeBypass, OutcomeUnavailable}

// Request is an intercepted request. URL is always absolute.
type Request struct {
	Method   string
	URL      *url.URL
	Mode     Mode
	Header   http.Header
	Body     io.Reader
	ClientID string
	Redirect RedirectMode
}

// Identity is the cache key: method plus the absolute URL without fragment.
func (r *Request) Identity() string {
	return identity(r.Method, r.URL)
}

func identity(method string, u *url.URL) string {
	c := *u
	c.Scheme = strings.ToLower(c.Scheme)
	c.Host = strings.ToLower(c.Host)
	c.Fragment = ""
	c.RawFragment = ""
	if c.Path == "" {
		c.Path = "/"
	}
	return method + " " + c.String()
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Type   ResponseType
}

// cacheable reports whether a runtime fetch result may be stored.
func (r *Response) cacheable() bool {
	return r != nil && r.Status == http.StatusOK && r.Type == TypeBasic
}

// entry is the stored copy of r. The store is shared by every client, so
// per-user and per-connection headers are not kept.
func (r *Response) entry() cachestore.Entry {
	return cachestore.NewEntry(r.Status, storableHeader(r.Header), r.Body, string(r.Type))
}

var unstorableHeaders = []string{"Set-Cookie", "Set-Cookie2"}

func storableHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		return nil
	}
	for _, k := range unstorableHeaders {
		out.Del(k)
	}
	stripHopHeaders(out)
	return out
}

func responseFromEntry(ent cachestore.Entry) *Response {
	return &Response{
		Status: ent.Status,
		Header: ent.Header.Clone(),
		Body:   ent.Body,
		Type:   ResponseType(ent.Type),
	}
}

// resolveRef turns a manifest entry into an absolute URL against origin.
func resolveRef(origin *url.URL, ref string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	return origin.ResolveReference(u), nil
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}
