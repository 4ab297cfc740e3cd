// Package schemas ships the JSON schemas for every bus payload and validates
// documents against them.
package schemas

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/dataforeman/connectivity/internal/domain"
)

//go:embed *.json
var files embed.FS

// Schema names, one per subject family.
const (
	ConnectivityConfig = "connectivity.config.v1"
	TagsChanged        = "connectivity.tags.changed.v1"
	ConfigChanged      = "config.changed.v1"
	Status             = "connectivity.status.v1"
	TelemetryRaw       = "telemetry.raw.v1"
	TelemetryBatch     = "telemetry.batch.v1"
	EIPDiscover        = "eip.discover.v1"
	EIPIdentify        = "eip.identify.v1"
	EIPRackConfig      = "eip.rack-config.v1"
	EIPStatus          = "eip.status.v1"
	EIPTags            = "eip.tags.v1"
	Browse             = "browse.v1"
	Attr               = "attr.v1"
)

// Registry holds compiled schemas keyed by name.
type Registry struct {
	schemas map[string]*gojsonschema.Schema
}

// Load compiles every embedded schema.
func Load() (*Registry, error) {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil, err
	}
	r := &Registry{schemas: make(map[string]*gojsonschema.Schema, len(entries))}
	for _, e := range entries {
		raw, err := files.ReadFile(e.Name())
		if err != nil {
			return nil, err
		}
		s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", e.Name(), err)
		}
		r.schemas[strings.TrimSuffix(e.Name(), ".json")] = s
	}
	return r, nil
}

// MustLoad is Load for package-level wiring and tests.
func MustLoad() *Registry {
	r, err := Load()
	if err != nil {
		panic(err)
	}
	return r
}

// Names lists the registered schema names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Validate checks doc against the named schema. Unknown names yield a
// configuration error wrapping domain.ErrUnknownSchema; violations yield
// a request error with code invalid.
func (r *Registry) Validate(name string, doc []byte) error {
	s, ok := r.schemas[name]
	if !ok {
		return domain.Configuration("validate "+name, domain.ErrUnknownSchema)
	}
	if len(doc) == 0 {
		doc = []byte("{}")
	}
	result, err := s.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return domain.RequestErr(domain.CodeInvalid, "invalid payload: %v", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return domain.RequestErr(domain.CodeInvalid, "invalid payload: %s", strings.Join(msgs, "; "))
}
