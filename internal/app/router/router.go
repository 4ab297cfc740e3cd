// Package router answers request/reply subjects: discovery, status, tag
// enumeration and address-space browsing.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/dataforeman/connectivity/internal/adapters/bus"
	"github.com/dataforeman/connectivity/internal/adapters/observability"
	"github.com/dataforeman/connectivity/internal/app/supervisor"
	"github.com/dataforeman/connectivity/internal/domain"
	"github.com/dataforeman/connectivity/internal/ports"
	"github.com/dataforeman/connectivity/pkg/log"
	"github.com/dataforeman/connectivity/schemas"
)

// Config wires a Router.
type Config struct {
	Bus        ports.Bus
	Schemas    *schemas.Registry
	Supervisor *supervisor.Supervisor
	// Discovery builds a session-less helper for one request.
	Discovery func() ports.DeviceDiscovery
	Obs       ports.Observability
	// Timeout bounds a single request.
	Timeout time.Duration
	// DiscoverLimit throttles broadcast discovery.
	DiscoverLimit rate.Limit
	DiscoverBurst int
}

func (c *Config) applyDefaults() {
	if c.Obs == nil {
		c.Obs = observability.Nop{}
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.DiscoverLimit <= 0 {
		c.DiscoverLimit = 1
	}
	if c.DiscoverBurst <= 0 {
		c.DiscoverBurst = 2
	}
}

// Router dispatches requests to temporary discovery helpers or to resident drivers.
type Router struct {
	cfg     Config
	sup     *supervisor.Supervisor
	limiter *rate.Limiter
	logger  zerolog.Logger
}

func New(cfg Config) *Router {
	cfg.applyDefaults()
	return &Router{
		cfg:     cfg,
		sup:     cfg.Supervisor,
		limiter: rate.NewLimiter(cfg.DiscoverLimit, cfg.DiscoverBurst),
		logger:  log.WithComponent("router"),
	}
}

// errorEnvelope is the reply of every failed request.
type errorEnvelope struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type handlerFunc func(ctx context.Context, subject string, data []byte) (any, error)

type route struct {
	subject string
	schema  string
	handle  handlerFunc
}

func (r *Router) routes() []route {
	return []route{
		{bus.SubjectEIPDiscover, schemas.EIPDiscover, r.discover},
		{bus.SubjectEIPIdentify, schemas.EIPIdentify, r.identify},
		{bus.SubjectEIPRackConfig, schemas.EIPRackConfig, r.rackConfig},
		{bus.SubjectEIPStatus, schemas.EIPStatus, r.status},
		{bus.SubjectEIPTags, schemas.EIPTags, r.tags},
		{bus.SubjectBrowse, schemas.Browse, r.browse},
		{bus.SubjectAttr, schemas.Attr, r.attr},
	}
}

// Start registers every request handler. On failure the handlers registered
// so far are removed.
func (r *Router) Start(ctx context.Context) ([]ports.Subscription, error) {
	var subs []ports.Subscription
	for _, rt := range r.routes() {
		sub, err := r.cfg.Bus.HandleRequest(ctx, rt.subject, r.wrap(rt))
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}
	r.logger.Info().Int("subjects", len(subs)).Msg("request router started")
	return subs, nil
}

// wrap validates the payload, bounds the request and encodes the reply.
func (r *Router) wrap(rt route) ports.RequestHandler {
	return func(ctx context.Context, subject string, data []byte) (reply []byte) {
		start := time.Now()
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error().Str("subject", subject).Interface("panic", p).Msg("request handler panicked")
				reply = r.fail(subject, fmt.Errorf("internal error: %v", p))
			}
			r.cfg.Obs.ObserveLatency(observability.RequestLatency, time.Since(start).Seconds())
		}()

		if err := r.cfg.Schemas.Validate(rt.schema, data); err != nil {
			return r.fail(subject, err)
		}
		ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()

		resp, err := rt.handle(ctx, subject, data)
		if err != nil {
			return r.fail(subject, err)
		}
		out, err := json.Marshal(resp)
		if err != nil {
			return r.fail(subject, err)
		}
		return out
	}
}

func (r *Router) fail(subject string, err error) []byte {
	env := errorEnvelope{Error: err.Error(), Code: domain.RequestCode(err)}
	if env.Code == "" && errors.Is(err, context.DeadlineExceeded) {
		env.Code = "timeout"
	}
	r.logger.Debug().Err(err).Str("subject", subject).Str("code", env.Code).Msg("request failed")
	out, _ := json.Marshal(env)
	return out
}

// resident returns the driver of the subject's connection, auto-enabling it
// from the catalog when needed.
func (r *Router) resident(ctx context.Context, subject string) (string, ports.Driver, error) {
	id := bus.LastToken(subject)
	if id == "" || id == "*" {
		return "", nil, domain.RequestErr(domain.CodeInvalid, "connection id missing from subject %s", subject)
	}
	d, err := r.sup.EnsureEnabled(ctx, id)
	if err != nil {
		return id, nil, err
	}
	return id, d, nil
}

// reportDeviceError publishes error status only for device failures; request
// errors leave the driver's status untouched.
func (r *Router) reportDeviceError(ctx context.Context, id string, err error) {
	if err == nil || domain.RequestCode(err) != "" || errors.Is(err, context.Canceled) {
		return
	}
	r.sup.Status().Publish(ctx, id, domain.StateError, err.Error(), nil)
}

func decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return domain.RequestErr(domain.CodeInvalid, "decode request: %v", err)
	}
	return nil
}

func unsupported(d ports.Driver, op string) error {
	return domain.RequestErr(domain.CodeUnsupported, "%s is not supported by %s driver: %w", op, d.Kind(), domain.ErrUnsupported)
}
