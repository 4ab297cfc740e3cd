package domain

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DriverKind names a device family. Values are always in hyphenated canonical form.
type DriverKind string

const (
	KindEIP         DriverKind = "eip"
	KindOPCUAClient DriverKind = "opcua-client"
	KindOPCUAServer DriverKind = "opcua-server"
	KindS7          DriverKind = "s7"
)

var kindAliases = map[string]DriverKind{
	"eip":          KindEIP,
	"ethernet-ip":  KindEIP,
	"ethernetip":   KindEIP,
	"opcua":        KindOPCUAClient,
	"opcua-client": KindOPCUAClient,
	"opcua-server": KindOPCUAServer,
	"s7":           KindS7,
	"siemens-s7":   KindS7,
}

// NormalizeKind converges hyphen/underscore/case variants of a driver type string.
// Unknown kinds are returned normalized but fail Known().
func NormalizeKind(raw string) DriverKind {
	k := strings.ToLower(strings.TrimSpace(raw))
	k = strings.ReplaceAll(k, "_", "-")
	if canonical, ok := kindAliases[k]; ok {
		return canonical
	}
	return DriverKind(k)
}

// Known reports whether the kind is one the gateway can build a driver for.
func (k DriverKind) Known() bool {
	switch k {
	case KindEIP, KindOPCUAClient, KindOPCUAServer, KindS7:
		return true
	}
	return false
}

// Auth carries device credentials. Only OPC UA uses it today.
type Auth struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// DriverOptions are the packed per-driver options stored in the catalog's config_data.
type DriverOptions struct {
	Slot               int    `json:"slot,omitempty"`
	Rack               int    `json:"rack,omitempty"`
	TimeoutMs          int    `json:"timeout_ms,omitempty"`
	ConnectTimeoutMs   int    `json:"connect_timeout_ms,omitempty"`
	SamplingIntervalMs int    `json:"sampling_interval_ms,omitempty"`
	SecurityMode       string `json:"security_mode,omitempty"`
	SecurityPolicy     string `json:"security_policy,omitempty"`
	ApplicationName    string `json:"application_name,omitempty"`
}

// ReadTimeout is the per-read device timeout (default 5s).
func (o DriverOptions) ReadTimeout() time.Duration {
	if o.TimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// ConnectTimeout bounds session establishment (default 5s).
func (o DriverOptions) ConnectTimeout() time.Duration {
	if o.ConnectTimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(o.ConnectTimeoutMs) * time.Millisecond
}

// Connection is a catalog connection record as the gateway sees it.
type Connection struct {
	ID            string        `json:"id"`
	Name          string        `json:"name,omitempty"`
	Type          string        `json:"type,omitempty"`
	Enabled       bool          `json:"enabled"`
	Deleted       bool          `json:"deleted,omitempty"`
	Host          string        `json:"host,omitempty"`
	Port          int           `json:"port,omitempty"`
	Endpoint      string        `json:"endpoint,omitempty"`
	Auth          Auth          `json:"auth,omitempty"`
	Options       DriverOptions `json:"driver_opts,omitempty"`
	MaxConcurrent int           `json:"max_concurrent_connections,omitempty"`
}

// Kind returns the canonical driver kind of the connection.
func (c Connection) Kind() DriverKind { return NormalizeKind(c.Type) }

// Active reports whether the connection should have a live driver.
func (c Connection) Active() bool { return c.Enabled && !c.Deleted }

// Address renders host:port, falling back to the endpoint URL.
func (c Connection) Address() string {
	if c.Host == "" {
		return c.Endpoint
	}
	if c.Port <= 0 {
		return c.Host
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// HostKey identifies the physical device for the host registry.
func (c Connection) HostKey() string {
	if c.Host != "" {
		return strings.ToLower(c.Host)
	}
	if c.Endpoint == "" {
		return ""
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil || u.Hostname() == "" {
		return strings.ToLower(c.Endpoint)
	}
	return strings.ToLower(u.Hostname())
}

// SessionKey changes whenever an update requires tearing the session down.
func (c Connection) SessionKey() string {
	return strings.Join([]string{
		string(c.Kind()),
		c.Address(),
		c.Endpoint,
		c.Auth.Username,
		c.Auth.Password,
		strconv.Itoa(c.Options.Rack),
		strconv.Itoa(c.Options.Slot),
		c.Options.SecurityMode,
		c.Options.SecurityPolicy,
	}, "|")
}
