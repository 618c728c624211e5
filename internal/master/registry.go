// Package master implements server discovery: the registry and UDP server
// that game servers register with, and the list client used by players to
// fetch the active server list.
package master

import (
	"net"
	"time"

	"github.com/energizer-project/fragnet/internal/protocol"
)

// DefaultMaxServers is the default registry capacity.
const DefaultMaxServers = 128

type serverKey struct {
	address string
	port    uint16
}

func keyOf(e protocol.MasterServerEntry) serverKey {
	return serverKey{address: e.Address, port: e.Port}
}

// slot is one registry entry.
type slot struct {
	inUse        bool
	entry        protocol.MasterServerEntry
	idle         time.Duration
	source       *net.UDPAddr
	registeredAt time.Time
}

// Registry is a fixed-capacity table of advertised servers keyed by
// (address, port). Free slots are reused through a free list and lookups
// go through an index, so no operation scans the table except listing and
// expiry.
type Registry struct {
	slots []slot
	free  []int
	index map[serverKey]int
}

// NewRegistry creates an empty registry with room for capacity servers.
func NewRegistry(capacity int) *Registry {
	if capacity < 1 {
		capacity = DefaultMaxServers
	}
	r := &Registry{
		slots: make([]slot, capacity),
		free:  make([]int, 0, capacity),
		index: make(map[serverKey]int, capacity),
	}
	for i := capacity - 1; i >= 0; i-- {
		r.free = append(r.free, i)
	}
	return r
}

// Upsert inserts or overwrites the entry for e's key and resets its idle
// timer. created reports a new slot; ok is false when the registry is full.
func (r *Registry) Upsert(e protocol.MasterServerEntry, source *net.UDPAddr) (created, ok bool) {
	e = e.Normalize()
	k := keyOf(e)

	if i, exists := r.index[k]; exists {
		s := &r.slots[i]
		s.entry = e
		s.idle = 0
		s.source = source
		return false, true
	}

	if len(r.free) == 0 {
		return false, false
	}
	i := r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]
	r.slots[i] = slot{
		inUse:        true,
		entry:        e,
		source:       source,
		registeredAt: time.Now(),
	}
	r.index[k] = i
	return true, true
}

// Remove deletes the entry with e's key and reports whether it existed.
func (r *Registry) Remove(e protocol.MasterServerEntry) bool {
	i, ok := r.index[keyOf(e.Normalize())]
	if !ok {
		return false
	}
	r.release(i)
	return true
}

func (r *Registry) release(i int) {
	delete(r.index, keyOf(r.slots[i].entry))
	r.slots[i] = slot{}
	r.free = append(r.free, i)
}

// Advance adds dt to every entry's idle time.
func (r *Registry) Advance(dt time.Duration) {
	for i := range r.slots {
		if r.slots[i].inUse {
			r.slots[i].idle += dt
		}
	}
}

// Expire evicts every entry idle for at least timeout and returns them.
func (r *Registry) Expire(timeout time.Duration) []protocol.MasterServerEntry {
	var expired []protocol.MasterServerEntry
	for i := range r.slots {
		s := &r.slots[i]
		if s.inUse && s.idle >= timeout {
			expired = append(expired, s.entry)
			r.release(i)
		}
	}
	return expired
}

// Entries returns the active entries in slot order.
func (r *Registry) Entries() []protocol.MasterServerEntry {
	out := make([]protocol.MasterServerEntry, 0, len(r.index))
	for i := range r.slots {
		if r.slots[i].inUse {
			out = append(out, r.slots[i].entry)
		}
	}
	return out
}

// Len returns the number of active entries.
func (r *Registry) Len() int {
	return len(r.index)
}

// Cap returns the registry capacity.
func (r *Registry) Cap() int {
	return len(r.slots)
}

// Record is an active entry together with its registry bookkeeping.
type Record struct {
	protocol.MasterServerEntry
	Source       string    `json:"source"`
	IdleSeconds  float64   `json:"idle_seconds"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Records returns the active entries with bookkeeping, in slot order.
func (r *Registry) Records() []Record {
	out := make([]Record, 0, len(r.index))
	for i := range r.slots {
		s := &r.slots[i]
		if !s.inUse {
			continue
		}
		rec := Record{
			MasterServerEntry: s.entry,
			IdleSeconds:       s.idle.Seconds(),
			RegisteredAt:      s.registeredAt,
		}
		if s.source != nil {
			rec.Source = s.source.String()
		}
		out = append(out, rec)
	}
	return out
}
