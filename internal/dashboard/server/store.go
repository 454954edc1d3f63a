package server

import (
	"context"

	"github.com/tracepackd/tracepackd/internal/dashboard/storage"
)

// Store is the subset of storage.Store methods used by the REST handlers.
// Defining an interface lets handlers be tested with a fake store without a
// live PostgreSQL connection.
type Store interface {
	// QueryPacks returns packs matching the given filter and pagination params.
	QueryPacks(ctx context.Context, q storage.PackQuery) ([]storage.Pack, error)

	// BatchInsertPacks enqueues a pack submitted by a reporting host.
	BatchInsertPacks(ctx context.Context, p storage.Pack) error

	// ListHosts returns all registered hosts ordered alphabetically by hostname.
	ListHosts(ctx context.Context) ([]storage.Host, error)

	// UpsertHost registers a host or refreshes its liveness fields on an
	// existing hostname.
	UpsertHost(ctx context.Context, h storage.Host) (string, error)
}
