// Package storage provides the PostgreSQL-backed persistence layer for the
// tracepackd dashboard server. It exposes typed model structs for the two
// database tables (hosts, packs) and a Store that wraps a pgxpool
// connection pool with a batched pack-insert path, adapted from the
// teacher's dashboard storage layer (internal/server/storage).
package storage

import "time"

// HostStatus represents the liveness state of a reporting host as seen by
// the dashboard.
type HostStatus string

const (
	HostStatusOnline   HostStatus = "ONLINE"
	HostStatusOffline  HostStatus = "OFFLINE"
	HostStatusDegraded HostStatus = "DEGRADED"
)

// Host maps to the `hosts` table.
//
// IPAddress is the dotted-decimal text representation of the reporting
// host's primary network address. An empty string is stored as SQL NULL.
// LastSeen is the value sent with the host's most recent registration, or
// nil if that registration carried none; pack submissions do not update it.
type Host struct {
	HostID            string     `json:"host_id"`
	Hostname          string     `json:"hostname"`
	IPAddress         string     `json:"ip_address,omitempty"`
	Platform          string     `json:"platform,omitempty"`
	TracepackdVersion string     `json:"tracepackd_version,omitempty"`
	LastSeen          *time.Time `json:"last_seen,omitempty"`
	Status            HostStatus `json:"status"`
}

// Pack maps to the `packs` table: one row per pack submitted by a host.
//
// Device is the "MAJOR:MINOR" string the pack was built for. PathCount and
// BlockCount summarize the pack's contents without storing the pack body
// itself — the dashboard catalogs submissions, it does not replay them.
type Pack struct {
	PackID     string    `json:"pack_id"`
	HostID     string    `json:"host_id"`
	Device     string    `json:"device"`
	PathCount  int       `json:"path_count"`
	BlockCount int       `json:"block_count"`
	BuiltAt    time.Time `json:"built_at"`
	ReceivedAt time.Time `json:"received_at"`
}

// PackQuery carries the filter and pagination parameters for QueryPacks.
//
// From and To are mandatory and bracket the received_at column, enabling
// PostgreSQL partition pruning on large deployments. Limit defaults to 100
// when <= 0. An empty HostID matches all hosts.
type PackQuery struct {
	HostID string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}
