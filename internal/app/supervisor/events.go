package supervisor

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dataforeman/connectivity/internal/adapters/bus"
	"github.com/dataforeman/connectivity/internal/domain"
	"github.com/dataforeman/connectivity/internal/ports"
	"github.com/dataforeman/connectivity/schemas"
)

// OpTagRemoved marks a single-tag deletion on the tags-changed subject.
const OpTagRemoved = "tag_removed"

// TagChange is the payload of df.connectivity.tags.changed.v1.
type TagChange struct {
	ConnectionID string `json:"connection_id"`
	Op           string `json:"op,omitempty"`
	RemovedTagID *int64 `json:"removed_tag_id,omitempty"`
}

// ConnPayload is a possibly partial connection record. A nil Enabled means
// the sender did not say, and the catalog decides.
type ConnPayload struct {
	domain.Connection
	Enabled *bool `json:"enabled,omitempty"`
}

// ConfigEvent is the payload of df.connectivity.config.v1.
type ConfigEvent struct {
	Conn ConnPayload `json:"conn"`
}

// HandleTagChange removes a single tag on the fast path, otherwise reloads
// the connection's poll groups and subscriptions.
func (s *Supervisor) HandleTagChange(ctx context.Context, ev TagChange) error {
	return s.do(ctx, ev.ConnectionID, "tag-change", func(ctx context.Context) error {
		e, ok := s.entry(ev.ConnectionID)
		if !ok {
			s.logger.Debug().Str("connection_id", ev.ConnectionID).Msg("tag change for inactive connection ignored")
			return nil
		}
		if ev.Op == OpTagRemoved && ev.RemovedTagID != nil {
			err := e.driver.RemoveTag(*ev.RemovedTagID)
			if errors.Is(err, domain.ErrTagNotFound) {
				s.logger.Debug().Str("connection_id", ev.ConnectionID).Int64("tag_id", *ev.RemovedTagID).Msg("removed tag was not scheduled")
				return nil
			}
			return err
		}
		s.pushPollGroups(ctx, e.driver)
		s.pushTags(ctx, e.driver, ev.ConnectionID)
		return nil
	})
}

// HandleConfigEvent enables, updates or disables a connection from a config event.
func (s *Supervisor) HandleConfigEvent(ctx context.Context, ev ConfigEvent) error {
	p := ev.Conn
	return s.do(ctx, p.ID, "config", func(ctx context.Context) error {
		if (p.Enabled != nil && !*p.Enabled) || p.Deleted {
			return s.teardown(ctx, p.ID, domain.StateDisabled, "")
		}
		conn := p.Connection
		conn.Enabled = true
		if p.Enabled == nil || conn.Type == "" {
			full, err := s.catalog.GetConnection(ctx, p.ID)
			if errors.Is(err, domain.ErrConnectionNotFound) {
				s.logger.Warn().Str("connection_id", p.ID).Msg("config event for unknown connection dropped")
				return nil
			}
			if err != nil {
				return err
			}
			conn = full
		}
		if !conn.Active() {
			return s.teardown(ctx, conn.ID, domain.StateDisabled, "")
		}
		if e, ok := s.entry(conn.ID); ok {
			return s.update(ctx, e, conn)
		}
		return s.enable(ctx, conn)
	})
}

// Listen subscribes to the config and tags-changed subjects. Payloads that
// fail schema validation are logged and dropped.
func (s *Supervisor) Listen(ctx context.Context, b ports.Bus, reg *schemas.Registry) ([]ports.Subscription, error) {
	cfgSub, err := b.Subscribe(ctx, bus.SubjectConfig, func(ctx context.Context, _ string, data []byte) {
		var ev ConfigEvent
		if !s.decode(reg, schemas.ConnectivityConfig, data, &ev) {
			return
		}
		if err := s.HandleConfigEvent(ctx, ev); err != nil {
			s.logger.Warn().Err(err).Str("connection_id", ev.Conn.ID).Msg("config event failed")
		}
	})
	if err != nil {
		return nil, err
	}
	tagSub, err := b.Subscribe(ctx, bus.SubjectTagsChanged, func(ctx context.Context, _ string, data []byte) {
		var ev TagChange
		if !s.decode(reg, schemas.TagsChanged, data, &ev) {
			return
		}
		if err := s.HandleTagChange(ctx, ev); err != nil {
			s.logger.Warn().Err(err).Str("connection_id", ev.ConnectionID).Msg("tag change failed")
		}
	})
	if err != nil {
		_ = cfgSub.Unsubscribe()
		return nil, err
	}
	return []ports.Subscription{cfgSub, tagSub}, nil
}

func (s *Supervisor) decode(reg *schemas.Registry, schema string, data []byte, v any) bool {
	if reg != nil {
		if err := reg.Validate(schema, data); err != nil {
			s.logger.Warn().Err(err).Str("schema", schema).Msg("event dropped")
			return false
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Warn().Err(err).Str("schema", schema).Msg("event dropped")
		return false
	}
	return true
}
