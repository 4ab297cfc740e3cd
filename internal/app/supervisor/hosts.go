package supervisor

import (
	"sort"
	"sync"
)

// Hosts tracks which gateway-owned connections target each physical device.
type Hosts struct {
	mu    sync.RWMutex
	hosts map[string]map[string]struct{}
}

func NewHosts() *Hosts {
	return &Hosts{hosts: make(map[string]map[string]struct{})}
}

func (h *Hosts) Register(host, connectionID string) {
	if host == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.hosts[host]
	if !ok {
		set = make(map[string]struct{})
		h.hosts[host] = set
	}
	set[connectionID] = struct{}{}
}

func (h *Hosts) Unregister(host, connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.hosts[host]
	if !ok {
		return
	}
	delete(set, connectionID)
	if len(set) == 0 {
		delete(h.hosts, host)
	}
}

// Connections lists the connection ids registered for host, sorted.
func (h *Hosts) Connections(host string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.hosts[host]))
	for id := range h.hosts[host] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Count is the number of sessions held against host.
func (h *Hosts) Count(host string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.hosts[host])
}
