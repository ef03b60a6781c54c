package tftpd

import (
	"sort"
	"sync"
	"time"
)

// sessionInfo is the dispatcher's registry entry for one active transfer.
// The dispatcher keeps no other per-session mutable state; the session owns
// its socket and file handle.
type sessionInfo struct {
	id       uint64
	peer     string
	filename string
	started  time.Time
}

// sessionRegistry tracks active transfers for the concurrency cap and for
// lifecycle events. Entries are added by the dispatcher loop and removed by
// the session goroutine when it exits.
type sessionRegistry struct {
	mu     sync.Mutex
	limit  int
	active map[uint64]sessionInfo
}

func newSessionRegistry(limit int) *sessionRegistry {
	return &sessionRegistry{
		limit:  limit,
		active: make(map[uint64]sessionInfo),
	}
}

// add registers a transfer. It reports false when the server is at its
// concurrency cap.
func (r *sessionRegistry) add(info sessionInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.active) >= r.limit {
		return false
	}
	r.active[info.id] = info
	return true
}

// remove deregisters a finished transfer.
func (r *sessionRegistry) remove(id uint64) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
}

// count returns the number of transfers in flight.
func (r *sessionRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// list snapshots the active entries, sorted by id.
func (r *sessionRegistry) list() []sessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sessionInfo, 0, len(r.active))
	for _, info := range r.active {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
