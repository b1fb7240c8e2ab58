package assetproxy

import (
	"fmt"
	"sync"
	"time"

	"assetproxy/internal/cachestore"
)

// State is a worker's lifecycle position. A worker only moves forward:
//
//	parsed -> installing -> installed -> activating -> activated -> redundant
//
// and any state may drop to redundant.
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Worker is one registered version of the proxy and the cache generation it
// owns.
type Worker struct {
	version Version

	mu          sync.Mutex
	state       State
	gen         cachestore.Generation
	installedAt time.Time
	precached   int
	discovered  int
	precacheErr error
}

func newWorker(v Version) *Worker {
	return &Worker{version: v, state: StateParsed}
}

func (w *Worker) Version() Version { return w.version }

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// PrecacheErr is the manifest failure recorded during install, if any.
func (w *Worker) PrecacheErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.precacheErr
}

func (w *Worker) generation() cachestore.Generation {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gen
}

func (w *Worker) transition(from, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from {
		return fmt.Errorf("worker %s: cannot move to %s from %s (want %s)", w.version.Label, to, w.state, from)
	}
	w.state = to
	return nil
}

func (w *Worker) retire() {
	w.mu.Lock()
	w.state = StateRedundant
	w.mu.Unlock()
}
