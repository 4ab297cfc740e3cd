// Package testutil provides in-memory catalog and driver doubles shared by
// the gateway's package tests. Everything here is safe for concurrent use.
package testutil
