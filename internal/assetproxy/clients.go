package assetproxy

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	clientCookie = "asset_proxy_client"
	maxClients   = 10000
)

// Client is a page session seen by the proxy.
type Client struct {
	ID         string    `json:"id"`
	Controller string    `json:"controller"`
	FirstSeen  time.Time `json:"firstSeen"`
	LastSeen   time.Time `json:"lastSeen"`
}

type clientRegistry struct {
	mu      sync.Mutex
	clients map[string]*Client
	max     int
}

func newClientRegistry(max int) *clientRegistry {
	return &clientRegistry{clients: map[string]*Client{}, max: max}
}

func newClientID() string { return uuid.NewString() }

// Touch records activity for id. A client first seen while a version is
// active is controlled by that version.
func (r *clientRegistry) Touch(id, version string) {
	if id == "" {
		return
	}
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[id]; ok {
		c.LastSeen = now
		return
	}
	if r.max > 0 && len(r.clients) >= r.max {
		r.evictOldestLocked()
	}
	r.clients[id] = &Client{ID: id, Controller: version, FirstSeen: now, LastSeen: now}
}

// Claim hands every known client to version and returns how many there are.
func (r *clientRegistry) Claim(version string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		c.Controller = version
	}
	return len(r.clients)
}

func (r *clientRegistry) Get(id string) (Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return Client{}, false
	}
	return *c, true
}

func (r *clientRegistry) List() []Client {
	r.mu.Lock()
	out := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, *c)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *clientRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *clientRegistry) evictOldestLocked() {
	var oldest *Client
	for _, c := range r.clients {
		if oldest == nil || c.LastSeen.Before(oldest.LastSeen) {
			oldest = c
		}
	}
	if oldest != nil {
		delete(r.clients, oldest.ID)
	}
}
