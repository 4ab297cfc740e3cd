// Package opcuaserver exposes gateway telemetry as an OPC UA style address
// space. Each subscribed tag mirrors the latest value of another connection's
// tag, addressed as "<connection_id>/<tag_id>".
package opcuaserver

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dataforeman/connectivity/internal/domain"
)

const (
	rootNode  = "i=85"
	namespace = "ns=1;s="
)

// Variable is one exposed node.
type Variable struct {
	TagID        int64
	Name         string
	SourceConnID string
	SourceTagID  int64
	DataType     string
	Value        any
	Quality      domain.Quality
	Updated      time.Time
	Removed      bool
}

func (v *Variable) nodeID() string {
	return namespace + v.SourceConnID + "/" + strconv.FormatInt(v.SourceTagID, 10)
}

// Space is the logical address space; safe for concurrent use.
type Space struct {
	mu   sync.RWMutex
	vars map[int64]*Variable
}

func NewSpace() *Space {
	return &Space{vars: make(map[int64]*Variable)}
}

// ParseSource splits a mirrored tag path into its source connection and tag.
func ParseSource(path string) (string, int64, error) {
	i := strings.LastIndexByte(path, '/')
	if i <= 0 || i == len(path)-1 {
		return "", 0, fmt.Errorf("tag path %q: want <connection_id>/<tag_id>", path)
	}
	id, err := strconv.ParseInt(path[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("tag path %q: %w", path, err)
	}
	return path[:i], id, nil
}

// Sync makes tags the live variable set. Variables for tags no longer present
// are kept and flagged removed; returning tags are revived.
func (s *Space) Sync(tags []domain.TagSubscription) (removed int) {
	live := make(map[int64]struct{}, len(tags))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tags {
		conn, src, err := ParseSource(t.TagPath)
		if err != nil {
			continue
		}
		live[t.TagID] = struct{}{}
		v, ok := s.vars[t.TagID]
		if !ok {
			v = &Variable{TagID: t.TagID}
			s.vars[t.TagID] = v
		}
		v.Name = t.TagName
		if v.Name == "" {
			v.Name = t.TagPath
		}
		v.SourceConnID = conn
		v.SourceTagID = src
		v.DataType = t.DataType
		v.Removed = false
	}
	for id, v := range s.vars {
		if _, ok := live[id]; !ok && !v.Removed {
			v.Removed = true
			removed++
		}
	}
	return removed
}

// MarkRemoved flags one variable; it reports whether the variable existed.
func (s *Space) MarkRemoved(tagID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vars[tagID]
	if !ok {
		return false
	}
	v.Removed = true
	return true
}

// Update stores a new value unless the variable is removed.
func (s *Space) Update(tagID int64, value any, q domain.Quality, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.vars[tagID]; ok && !v.Removed {
		v.Value, v.Quality, v.Updated = value, q, ts
	}
}

// Get returns a copy of one variable.
func (s *Space) Get(tagID int64) (Variable, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[tagID]
	if !ok {
		return Variable{}, false
	}
	return *v, true
}

// Browse lists source-connection folders under the root, and variables under a folder.
func (s *Space) Browse(node string) ([]domain.BrowseNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if node == "" || node == rootNode {
		seen := map[string]struct{}{}
		var out []domain.BrowseNode
		for _, v := range s.vars {
			if _, ok := seen[v.SourceConnID]; ok {
				continue
			}
			seen[v.SourceConnID] = struct{}{}
			out = append(out, domain.BrowseNode{
				NodeID:      namespace + v.SourceConnID,
				BrowseName:  v.SourceConnID,
				DisplayName: v.SourceConnID,
				NodeClass:   "Object",
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
		return out, nil
	}

	conn := strings.TrimPrefix(node, namespace)
	out := []domain.BrowseNode{}
	for _, v := range s.vars {
		if v.SourceConnID != conn {
			continue
		}
		out = append(out, domain.BrowseNode{
			NodeID:      v.nodeID(),
			BrowseName:  strconv.FormatInt(v.SourceTagID, 10),
			DisplayName: v.Name,
			NodeClass:   "Variable",
			DataType:    v.DataType,
			Removed:     v.Removed,
		})
	}
	if len(out) == 0 {
		return nil, domain.RequestErr(domain.CodeNotFound, "node %q not found", node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

// Attributes describes one variable node.
func (s *Space) Attributes(node string) (domain.NodeAttributes, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.vars {
		if v.nodeID() != node {
			continue
		}
		attrs := domain.NodeAttributes{
			NodeID:      node,
			BrowseName:  strconv.FormatInt(v.SourceTagID, 10),
			DisplayName: v.Name,
			NodeClass:   "Variable",
			DataType:    v.DataType,
			Value:       v.Value,
			Extra: map[string]any{
				"quality": uint32(v.Quality),
				"removed": v.Removed,
				"tag_id":  v.TagID,
			},
		}
		if !v.Updated.IsZero() {
			attrs.Extra["source_timestamp"] = v.Updated
		}
		return attrs, nil
	}
	return domain.NodeAttributes{}, domain.RequestErr(domain.CodeNotFound, "node %q not found", node)
}
