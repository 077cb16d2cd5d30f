// Package store is the authoritative persistence adapter. Proxy check-out is
// transactional: the fetch and the blocked-flag update happen in one
// repeatable-read transaction so two refills can never take the same rows.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/EPguitars/proxycare/internal/model"
)

const proxyColumns = `
	p.id, p.proxy, p.sourceid, COALESCE(s.source, ''), COALESCE(p.priority, 0),
	COALESCE(p.blocked, false), p.provider, pr.provider,
	COALESCE(p.usage_interval, 30), p.updatedat`

const proxyJoins = `
	FROM proxies p
	LEFT JOIN sources s ON s.id = p.sourceid
	LEFT JOIN providers pr ON pr.id = p.provider`

// Store wraps a pgx connection pool.
type Store struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// New connects to Postgres and verifies the connection.
func New(ctx context.Context, databaseURL string, logger *zap.Logger) (*Store, error) {
	db, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.db.Close()
}

func scanProxy(row pgx.Row) (model.ProxyRecord, error) {
	var rec model.ProxyRecord
	err := row.Scan(
		&rec.ID, &rec.Proxy, &rec.SourceID, &rec.SourceName, &rec.Priority,
		&rec.Blocked, &rec.ProviderID, &rec.ProviderName,
		&rec.UsageInterval, &rec.UpdatedAt,
	)
	return rec, err
}

func collectProxies(rows pgx.Rows) ([]model.ProxyRecord, error) {
	defer rows.Close()
	var out []model.ProxyRecord
	for rows.Next() {
		rec, err := scanProxy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FetchUnblocked returns up to limit unblocked records for a source, highest
// priority first, ties broken by id for determinism.
func (s *Store) FetchUnblocked(ctx context.Context, sourceID int64, limit int) ([]model.ProxyRecord, error) {
	rows, err := s.db.Query(ctx, `SELECT`+proxyColumns+proxyJoins+`
		WHERE COALESCE(p.blocked, false) = false AND p.sourceid = $1
		ORDER BY COALESCE(p.priority, 0) DESC, p.id ASC
		LIMIT $2`, sourceID, limit)
	if err != nil {
		return nil, classify("fetch unblocked", err)
	}
	recs, err := collectProxies(rows)
	if err != nil {
		return nil, classify("fetch unblocked", err)
	}
	return recs, nil
}

// MarkTaken sets blocked=true for the given ids.
func (s *Store) MarkTaken(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx,
		`UPDATE proxies SET blocked = true, updatedat = now() WHERE id = ANY($1)`, ids)
	return classify("mark taken", err)
}

// CheckOutBatch fetches up to limit unblocked records for a source and marks
// them taken inside a single repeatable-read transaction. A serialization
// failure rolls the whole batch back and is reported as zero rows, so the
// caller simply retries on the next demand.
func (s *Store) CheckOutBatch(ctx context.Context, sourceID int64, limit int) ([]model.ProxyRecord, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, classify("check out", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT`+proxyColumns+proxyJoins+`
		WHERE COALESCE(p.blocked, false) = false AND p.sourceid = $1
		ORDER BY COALESCE(p.priority, 0) DESC, p.id ASC
		LIMIT $2
		FOR UPDATE OF p`, sourceID, limit)
	if err != nil {
		if isSerializationFailure(err) {
			return nil, nil
		}
		return nil, classify("check out", err)
	}
	recs, err := collectProxies(rows)
	if err != nil {
		if isSerializationFailure(err) {
			return nil, nil
		}
		return nil, classify("check out", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE proxies SET blocked = true, updatedat = now() WHERE id = ANY($1)`, ids); err != nil {
		if isSerializationFailure(err) {
			return nil, nil
		}
		return nil, classify("check out", err)
	}
	if err := tx.Commit(ctx); err != nil {
		if isSerializationFailure(err) {
			return nil, nil
		}
		return nil, classify("check out", err)
	}

	s.logger.Debug("checked out batch",
		zap.Int64("source_id", sourceID),
		zap.Int("count", len(recs)))
	return recs, nil
}

// FetchAll returns every proxy row, for warm-cache bulk loads.
func (s *Store) FetchAll(ctx context.Context) ([]model.ProxyRecord, error) {
	rows, err := s.db.Query(ctx, `SELECT`+proxyColumns+proxyJoins+` ORDER BY p.id`)
	if err != nil {
		return nil, classify("fetch all", err)
	}
	recs, err := collectProxies(rows)
	if err != nil {
		return nil, classify("fetch all", err)
	}
	return recs, nil
}

// FetchBySource returns every proxy row for one source.
func (s *Store) FetchBySource(ctx context.Context, sourceID int64) ([]model.ProxyRecord, error) {
	rows, err := s.db.Query(ctx, `SELECT`+proxyColumns+proxyJoins+`
		WHERE p.sourceid = $1 ORDER BY p.id`, sourceID)
	if err != nil {
		return nil, classify("fetch by source", err)
	}
	recs, err := collectProxies(rows)
	if err != nil {
		return nil, classify("fetch by source", err)
	}
	return recs, nil
}

// InsertReport appends one usage report. Returns ErrNotFound when the proxy
// id does not exist; the statistics table itself accepts any status code.
func (s *Store) InsertReport(ctx context.Context, proxyID int64, statusCode int) error {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM proxies WHERE id = $1)`, proxyID).Scan(&exists)
	if err != nil {
		return classify("insert report", err)
	}
	if !exists {
		return fmt.Errorf("insert report: proxy %d: %w", proxyID, ErrNotFound)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO statistics (proxyid, statusid) VALUES ($1, $2)`, proxyID, statusCode)
	return classify("insert report", err)
}

// ListReports returns all reports recorded for a proxy, oldest first.
func (s *Store) ListReports(ctx context.Context, proxyID int64) ([]model.Report, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, proxyid, statusid FROM statistics WHERE proxyid = $1 ORDER BY id`, proxyID)
	if err != nil {
		return nil, classify("list reports", err)
	}
	defer rows.Close()

	var out []model.Report
	for rows.Next() {
		var r model.Report
		if err := rows.Scan(&r.ID, &r.ProxyID, &r.StatusCode); err != nil {
			return nil, classify("list reports", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list reports", err)
	}
	return out, nil
}

// UnblockStale flips blocked back to false for rows last touched before the
// cut-off. The periodic unblock job calls this; the lease engine only relies
// on its effect showing up in the next fetch.
func (s *Store) UnblockStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE proxies SET blocked = false
		 WHERE blocked = true AND (updatedat IS NULL OR updatedat < now() - $1::interval)`,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, classify("unblock stale", err)
	}
	return tag.RowsAffected(), nil
}

// --- users and tokens (control-plane login) ---

// GetUserByUsername loads one active user.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (model.User, error) {
	var u model.User
	err := s.db.QueryRow(ctx,
		`SELECT id, username, hashed_password, is_active, created_at
		 FROM users WHERE username = $1`, username).
		Scan(&u.ID, &u.Username, &u.HashedPassword, &u.IsActive, &u.CreatedAt)
	if err != nil {
		return model.User{}, classify("get user", err)
	}
	return u, nil
}

// EnsureUser creates a user with the given password hash if the username is
// free. Used to bootstrap the root user on startup.
func (s *Store) EnsureUser(ctx context.Context, username, hashedPassword string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO users (username, hashed_password, is_active)
		 VALUES ($1, $2, true)
		 ON CONFLICT (username) DO NOTHING`, username, hashedPassword)
	return classify("ensure user", err)
}

// StoreToken persists an issued access token.
func (s *Store) StoreToken(ctx context.Context, token string, userID int64) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO tokens (token, user_id) VALUES ($1, $2)`, token, userID)
	return classify("store token", err)
}
