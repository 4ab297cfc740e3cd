package testutil

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/dataforeman/connectivity/internal/domain"
	"github.com/dataforeman/connectivity/internal/ports"
)

// Catalog is an in-memory ports.Catalog.
type Catalog struct {
	mu     sync.Mutex
	conns  map[string]domain.Connection
	groups []domain.PollGroup
	tags   map[string][]domain.TagSubscription
	// Err, when set, fails every query.
	Err error
}

func NewCatalog() *Catalog {
	return &Catalog{
		conns: make(map[string]domain.Connection),
		tags:  make(map[string][]domain.TagSubscription),
	}
}

func (c *Catalog) PutConnection(conn domain.Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[conn.ID] = conn
}

func (c *Catalog) SetPollGroups(groups ...domain.PollGroup) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups = append([]domain.PollGroup(nil), groups...)
}

// SetTags replaces the subscribed tags of one connection.
func (c *Catalog) SetTags(connectionID string, tags ...domain.TagSubscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.TagSubscription, len(tags))
	for i, t := range tags {
		t.ConnectionID = connectionID
		out[i] = t
	}
	c.tags[connectionID] = out
}

func (c *Catalog) GetPollGroups(context.Context) ([]domain.PollGroup, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	return append([]domain.PollGroup(nil), c.groups...), nil
}

func (c *Catalog) GetTagsByConnection(_ context.Context, id string) ([]domain.TagSubscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	return append([]domain.TagSubscription(nil), c.tags[id]...), nil
}

func (c *Catalog) GetAllSubscribedTags(context.Context) ([]domain.TagSubscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	var out []domain.TagSubscription
	for _, tags := range c.tags {
		out = append(out, tags...)
	}
	return out, nil
}

func (c *Catalog) GetConnection(_ context.Context, id string) (domain.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return domain.Connection{}, c.Err
	}
	conn, ok := c.conns[id]
	if !ok {
		return domain.Connection{}, domain.ErrConnectionNotFound
	}
	return conn, nil
}

func (c *Catalog) ListEnabledConnections(context.Context) ([]domain.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	var out []domain.Connection
	for _, conn := range c.conns {
		if conn.Active() {
			out = append(out, conn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *Catalog) IsHealthy(context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Err == nil
}

// Fail makes every later query return err; nil restores the catalog.
func (c *Catalog) Fail(err error) {
	c.mu.Lock()
	c.Err = err
	c.mu.Unlock()
}

func (c *Catalog) Close() error { return nil }

// ErrCatalogDown is a convenient failure for Catalog.Err.
var ErrCatalogDown = errors.New("catalog unavailable")

var _ ports.Catalog = (*Catalog)(nil)
