// Package cachestore holds named cache generations: versioned key-value
// stores mapping a request identity to the last response stored for it.
package cachestore

import (
	"context"
	"errors"
	"hash/crc32"
	"net/http"
	"time"
)

// ErrGenerationGone is returned by writes into a generation that has been
// deleted after it was opened.
var ErrGenerationGone = errors.New("cache generation deleted")

// ErrClosed is returned by writes after the store was closed.
var ErrClosed = errors.New("cache store closed")

// Entry is the stored form of a response.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	Type     string // "basic" | "cors" | "opaque"
	StoredAt int64  // unix seconds
	Hash32   uint32
}

// NewEntry builds an Entry stamped with the current time and body checksum.
func NewEntry(status int, header http.Header, body []byte, typ string) Entry {
	return Entry{
		Status:   status,
		Header:   cloneHeader(header),
		Body:     body,
		Type:     typ,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
}

// Record pairs a request identity with the entry stored for it.
type Record struct {
	Key   string
	Entry Entry
}

// Store manages the set of generations.
type Store interface {
	// Open returns the named generation, creating it if absent.
	Open(ctx context.Context, name string) (Generation, error)

	// Has reports whether the named generation exists.
	Has(ctx context.Context, name string) (bool, error)

	// Names lists existing generations in lexical order.
	Names(ctx context.Context) ([]string, error)

	// Delete removes a generation and every entry in it. It reports whether
	// the generation existed.
	Delete(ctx context.Context, name string) (bool, error)

	Close() error
}

// Generation is a single named cache.
type Generation interface {
	Name() string

	// Match looks up an entry. A missing entry is not an error.
	Match(ctx context.Context, key string) (Entry, bool, error)

	// Put stores or replaces one entry.
	Put(ctx context.Context, key string, ent Entry) error

	// PutBatch stores all records or none of them.
	PutBatch(ctx context.Context, recs []Record) error

	// Keys lists the stored identities in lexical order.
	Keys(ctx context.Context) ([]string, error)
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
