package bus

import "strings"

// Match reports whether subject matches a NATS-style pattern with
// single-token '*' and trailing '>' wildcards.
func Match(pattern, subject string) bool {
	p := strings.Split(pattern, ".")
	s := strings.Split(subject, ".")
	for i, tok := range p {
		if tok == ">" {
			return i < len(s)
		}
		if i >= len(s) {
			return false
		}
		if tok != "*" && tok != s[i] {
			return false
		}
	}
	return len(p) == len(s)
}

// LastToken returns the final dot-separated token, which carries the
// connection id on per-connection subjects.
func LastToken(subject string) string {
	if i := strings.LastIndexByte(subject, '.'); i >= 0 {
		return subject[i+1:]
	}
	return subject
}

// Well-known subjects. Per-connection subjects end in the connection id.
const (
	SubjectConfig         = "df.connectivity.config.v1"
	SubjectTagsChanged    = "df.connectivity.tags.changed.v1"
	SubjectConfigChanged  = "df.config.changed.v1"
	SubjectStatusPrefix   = "df.connectivity.status.v1."
	SubjectRawPrefix      = "df.telemetry.raw."
	SubjectTelemetryBatch = "df.telemetry.batch.v1"
	SubjectEIPDiscover    = "df.connectivity.eip.discover.v1"
	SubjectEIPIdentify    = "df.connectivity.eip.identify.v1"
	SubjectEIPRackConfig  = "df.connectivity.eip.rack-config.v1"
	SubjectEIPStatus      = "df.connectivity.eip.status.v1.*"
	SubjectEIPTags        = "df.connectivity.eip.tags.v1.*"
	SubjectBrowse         = "df.connectivity.browse.v1.*"
	SubjectAttr           = "df.connectivity.attr.v1.*"
)

// StatusSubject is where the status of one connection is published.
func StatusSubject(connectionID string) string { return SubjectStatusPrefix + connectionID }

// RawSubject carries per-point telemetry of one connection.
func RawSubject(connectionID string) string { return SubjectRawPrefix + connectionID }
