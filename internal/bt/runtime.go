package bt

import "sync"

// Runtime is the global BitTorrent state for one download: connection count
// against its bounds, and the cooperative halt flag. Pure state, no I/O.
type Runtime struct {
	mu          sync.Mutex
	connections int
	maxPeers    int
	minPeers    int
	halt        bool
}

const (
	DefaultMaxPeers = 55
	DefaultMinPeers = 40
)

func NewRuntime(maxPeers, minPeers int) *Runtime {
	if maxPeers <= 0 {
		maxPeers = DefaultMaxPeers
	}
	if minPeers <= 0 {
		minPeers = DefaultMinPeers
	}
	if minPeers > maxPeers {
		minPeers = maxPeers
	}
	return &Runtime{maxPeers: maxPeers, minPeers: minPeers}
}

func (r *Runtime) IsHalt() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.halt
}

// RequestHalt sets the halt flag; periodic commands terminate at their next
// tick. Implements group.Halter.
func (r *Runtime) RequestHalt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.halt = true
}

func (r *Runtime) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connections
}

func (r *Runtime) IncConnections() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections++
}

func (r *Runtime) DecConnections() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connections > 0 {
		r.connections--
	}
}

func (r *Runtime) MaxPeers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxPeers
}

func (r *Runtime) MinPeers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.minPeers
}

func (r *Runtime) LessThanMaxPeers() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connections < r.maxPeers
}

func (r *Runtime) LessThanMinPeers() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connections < r.minPeers
}
