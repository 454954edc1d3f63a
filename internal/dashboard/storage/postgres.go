package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of pack rows held in-memory
	// before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending packs even when the batch has not yet reached
	// DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Store is the PostgreSQL-backed fleet-wide catalog of submitted packs.
//
// Pack ingestion is batched: callers enqueue individual Pack values via
// BatchInsertPacks, which accumulates them in memory and flushes to the
// database either when the buffer reaches batchSize or when the background
// ticker fires, whichever comes first. Host operations are executed
// immediately.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []Pack
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, and starts
// the background flush goroutine.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]Pack, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the background flush goroutine, flushes any remaining
// buffered packs, and closes the connection pool. Safe to call more than
// once.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
		<-s.doneCh
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// BatchInsertPacks enqueues p for deferred batch insertion. If the internal
// buffer reaches batchSize after appending, Flush is called synchronously
// before returning so the caller observes back-pressure rather than
// unbounded memory growth.
func (s *Store) BatchInsertPacks(ctx context.Context, p Pack) error {
	s.mu.Lock()
	s.batch = append(s.batch, p)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current pack buffer and sends all rows to PostgreSQL in
// a single pgx.Batch round-trip. Rows that conflict on the primary key are
// silently ignored (idempotent replay support for a reporter retrying after
// a dropped connection).
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]Pack, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO packs
			(pack_id, host_id, device, path_count, block_count, built_at, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		p := &toInsert[i]
		b.Queue(query, p.PackID, p.HostID, p.Device, p.PathCount, p.BlockCount, p.BuiltAt, p.ReceivedAt)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec pack: %w", err)
		}
	}
	return nil
}

// QueryPacks returns paginated packs that fall within [q.From, q.To) on the
// received_at column. q.Limit defaults to 100; q.Offset enables
// cursor-style pagination. Results are ordered by received_at DESC, pack_id
// ASC.
func (s *Store) QueryPacks(ctx context.Context, q PackQuery) ([]Pack, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	args := []any{q.From, q.To, q.Limit, q.Offset}
	where := "WHERE received_at >= $1 AND received_at < $2"
	if q.HostID != "" {
		where += " AND host_id = $5"
		args = append(args, q.HostID)
	}

	query := fmt.Sprintf(`
		SELECT pack_id, host_id, device, path_count, block_count, built_at, received_at
		FROM   packs
		%s
		ORDER  BY received_at DESC, pack_id
		LIMIT  $3 OFFSET $4`, where)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query packs: %w", err)
	}
	defer rows.Close()

	var packs []Pack
	for rows.Next() {
		var p Pack
		if err := rows.Scan(&p.PackID, &p.HostID, &p.Device, &p.PathCount, &p.BlockCount, &p.BuiltAt, &p.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan pack: %w", err)
		}
		packs = append(packs, p)
	}
	return packs, rows.Err()
}

// --- Host CRUD ---

// UpsertHost inserts a new host or, on hostname conflict, updates all
// mutable fields. A new host with an empty HostID is assigned a fresh UUID.
// Returns the effective host_id persisted in the database.
func (s *Store) UpsertHost(ctx context.Context, h Host) (string, error) {
	if h.HostID == "" {
		h.HostID = uuid.NewString()
	}
	var effectiveHostID string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO hosts
			(host_id, hostname, ip_address, platform, tracepackd_version, last_seen, status)
		VALUES ($1, $2, $3::inet, $4, $5, $6, $7)
		ON CONFLICT (hostname) DO UPDATE SET
			ip_address         = EXCLUDED.ip_address,
			platform           = EXCLUDED.platform,
			tracepackd_version = EXCLUDED.tracepackd_version,
			last_seen          = EXCLUDED.last_seen,
			status             = EXCLUDED.status
		RETURNING host_id`,
		h.HostID,
		h.Hostname,
		nullableStr(h.IPAddress),
		nullableStr(h.Platform),
		nullableStr(h.TracepackdVersion),
		h.LastSeen,
		string(h.Status),
	).Scan(&effectiveHostID)
	if err != nil {
		return "", fmt.Errorf("upsert host: %w", err)
	}
	return effectiveHostID, nil
}

// GetHost returns the host with the given UUID, or an error wrapping
// pgx.ErrNoRows when not found.
func (s *Store) GetHost(ctx context.Context, hostID string) (*Host, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT host_id, hostname, host(ip_address), platform, tracepackd_version, last_seen, status
		FROM   hosts
		WHERE  host_id = $1`, hostID)
	h, err := scanHost(row)
	if err != nil {
		return nil, fmt.Errorf("get host %s: %w", hostID, err)
	}
	return h, nil
}

// ListHosts returns all registered hosts ordered alphabetically by
// hostname.
func (s *Store) ListHosts(ctx context.Context) ([]Host, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT host_id, hostname, host(ip_address), platform, tracepackd_version, last_seen, status
		FROM   hosts
		ORDER  BY hostname`)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer rows.Close()

	var hosts []Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		hosts = append(hosts, *h)
	}
	return hosts, rows.Err()
}

// --- internal helpers ---

// scanner is satisfied by both pgx.Row and pgx.Rows, allowing shared scan
// helpers across single-row and multi-row queries.
type scanner interface {
	Scan(dest ...any) error
}

// scanHost reads one host row from s. The ip_address column must be
// projected as host(ip_address) by the caller, which yields the bare
// address text without a netmask suffix.
func scanHost(s scanner) (*Host, error) {
	var h Host
	var ip, platform, version *string
	var status string
	err := s.Scan(&h.HostID, &h.Hostname, &ip, &platform, &version, &h.LastSeen, &status)
	if err != nil {
		return nil, err
	}
	h.Status = HostStatus(status)
	if ip != nil {
		h.IPAddress = *ip
	}
	if platform != nil {
		h.Platform = *platform
	}
	if version != nil {
		h.TracepackdVersion = *version
	}
	return &h, nil
}

// nullableStr converts an empty string to a nil pointer, which pgx stores
// as SQL NULL. A non-empty string is returned as-is.
func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
