// Package snapshot keeps immutable, paginated captures of device tag lists
// alive for as long as a client keeps heartbeating them.
package snapshot

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dataforeman/connectivity/internal/domain"
)

const (
	DefaultTTL   = 5 * time.Minute
	DefaultLimit = 500
	MaxLimit     = 5000
)

// Registry is safe for concurrent use.
type Registry struct {
	ttl   time.Duration
	now   func() time.Time
	newID func() string

	mu    sync.Mutex
	snaps map[string]*entry
}

type entry struct {
	id            string
	owner         string
	createdAt     time.Time
	lastHeartbeat time.Time
	items         []domain.TagInfo
	programs      []string
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIDs injects the id generator.
func WithIDs(gen func() string) Option {
	return func(r *Registry) { r.newID = gen }
}

// New creates a registry; ttl <= 0 selects DefaultTTL.
func New(ttl time.Duration, opts ...Option) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	r := &Registry{
		ttl:   ttl,
		now:   time.Now,
		newID: uuid.NewString,
		snaps: make(map[string]*entry),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Create captures items for owner. Items are copied and ordered by program,
// then tag name, so every page is deterministic.
func (r *Registry) Create(owner string, items []domain.TagInfo) domain.SnapshotInfo {
	captured := make([]domain.TagInfo, len(items))
	copy(captured, items)
	sort.SliceStable(captured, func(i, j int) bool {
		if captured[i].Program != captured[j].Program {
			return captured[i].Program < captured[j].Program
		}
		if captured[i].Name != captured[j].Name {
			return captured[i].Name < captured[j].Name
		}
		return captured[i].Path < captured[j].Path
	})

	seen := map[string]struct{}{}
	var programs []string
	for _, it := range captured {
		if it.Program == "" {
			continue
		}
		if _, ok := seen[it.Program]; !ok {
			seen[it.Program] = struct{}{}
			programs = append(programs, it.Program)
		}
	}

	now := r.now()
	e := &entry{
		id:            r.newID(),
		owner:         owner,
		createdAt:     now,
		lastHeartbeat: now,
		items:         captured,
		programs:      programs,
	}

	r.mu.Lock()
	r.sweepLocked(now)
	r.snaps[e.id] = e
	r.mu.Unlock()

	return domain.SnapshotInfo{
		ID:         e.id,
		Total:      len(captured),
		TotalPages: pageCount(len(captured), DefaultLimit),
		ExpiresAt:  now.Add(r.ttl),
	}
}

// Page returns one page of the filtered snapshot.
func (r *Registry) Page(owner string, req domain.PageRequest) (domain.SnapshotPage, error) {
	r.mu.Lock()
	e, err := r.lookupLocked(owner, req.SnapshotID)
	r.mu.Unlock()
	if err != nil {
		return domain.SnapshotPage{}, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	page := req.Page
	if page < 1 {
		page = 1
	}

	filtered := Filter(e.items, req.Scope, req.Search)
	start := len(filtered)
	if page-1 <= len(filtered)/limit {
		start = min((page-1)*limit, len(filtered))
	}
	end := start + limit
	if end > len(filtered) {
		end = len(filtered)
	}
	items := make([]domain.TagInfo, end-start)
	copy(items, filtered[start:end])

	programs := make([]string, len(e.programs))
	copy(programs, e.programs)

	return domain.SnapshotPage{
		Items:         items,
		HasMore:       end < len(filtered),
		Total:         len(e.items),
		TotalFiltered: len(filtered),
		Page:          page,
		TotalPages:    pageCount(len(filtered), limit),
		Programs:      programs,
	}, nil
}

// Heartbeat extends the snapshot's expiry to now + TTL.
func (r *Registry) Heartbeat(owner, id string) (domain.SnapshotInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookupLocked(owner, id)
	if err != nil {
		return domain.SnapshotInfo{}, err
	}
	e.lastHeartbeat = r.now()
	return domain.SnapshotInfo{
		ID:         e.id,
		Total:      len(e.items),
		TotalPages: pageCount(len(e.items), DefaultLimit),
		ExpiresAt:  e.lastHeartbeat.Add(r.ttl),
	}, nil
}

// Delete removes the snapshot immediately.
func (r *Registry) Delete(owner, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.lookupLocked(owner, id); err != nil {
		return err
	}
	delete(r.snaps, id)
	return nil
}

// DeleteOwner drops every snapshot of a torn-down connection.
func (r *Registry) DeleteOwner(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.snaps {
		if e.owner == owner {
			delete(r.snaps, id)
			n++
		}
	}
	return n
}

// Len counts live snapshots, sweeping expired ones first.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(r.now())
	return len(r.snaps)
}

func (r *Registry) lookupLocked(owner, id string) (*entry, error) {
	now := r.now()
	e, ok := r.snaps[id]
	if ok && r.expired(e, now) {
		delete(r.snaps, id)
		ok = false
	}
	if !ok || e.owner != owner {
		return nil, domain.RequestErr(domain.CodeNotFound, "snapshot %q: %w", id, domain.ErrSnapshotNotFound)
	}
	return e, nil
}

func (r *Registry) sweepLocked(now time.Time) {
	for id, e := range r.snaps {
		if r.expired(e, now) {
			delete(r.snaps, id)
		}
	}
}

func (r *Registry) expired(e *entry, now time.Time) bool {
	return now.After(e.lastHeartbeat.Add(r.ttl))
}

// Filter applies a scope (""|"*"|"controller"|"program:<name>") and a
// case-insensitive search over name and path.
func Filter(items []domain.TagInfo, scope, search string) []domain.TagInfo {
	scope = strings.TrimSpace(scope)
	search = strings.ToLower(strings.TrimSpace(search))
	if (scope == "" || scope == "*") && search == "" {
		return items
	}
	out := make([]domain.TagInfo, 0, len(items))
	for _, it := range items {
		if !inScope(it, scope) {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(it.Name), search) &&
			!strings.Contains(strings.ToLower(it.Path), search) {
			continue
		}
		out = append(out, it)
	}
	return out
}

func inScope(it domain.TagInfo, scope string) bool {
	switch {
	case scope == "" || scope == "*":
		return true
	case scope == "controller":
		return it.Program == ""
	case strings.HasPrefix(scope, "program:"):
		return it.Program == strings.TrimPrefix(scope, "program:")
	default:
		return false
	}
}

func pageCount(n, limit int) int {
	if n == 0 {
		return 1
	}
	return (n + limit - 1) / limit
}
