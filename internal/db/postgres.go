package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rawblock/aml-engine/internal/graph"
	"github.com/rawblock/aml-engine/pkg/logger"
	"github.com/rawblock/aml-engine/pkg/models"
)

// schemaSQL is compiled into the binary so schema init works from any
// working directory.
//
//go:embed schema.sql
var schemaSQL string

// PostgresStore implements graph.Store on PostgreSQL. Structural features
// (PageRank, community, triangles) come from the configured FeatureProvider.
type PostgresStore struct {
	pool     *pgxpool.Pool
	features graph.FeatureProvider
	log      *zap.Logger
}

// Connect initializes the connection pool to PostgreSQL using pgx
func Connect(ctx context.Context, connStr string, features graph.FeatureProvider, log *zap.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}
	if features == nil {
		features = graph.NewGonumFeatures()
	}

	log = logger.OrNop(log).Named("postgres")
	log.Info("connected to PostgreSQL")
	return &PostgresStore{pool: pool, features: features, log: log}, nil
}

// Close gracefully closes the connection pool
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}
	s.log.Info("schema initialized")
	return nil
}

// WarmFeatures replays every stored transfer into the feature provider so an
// in-process provider starts from the persisted graph after a restart.
func (s *PostgresStore) WarmFeatures(ctx context.Context) (int, error) {
	rows, err := s.pool.Query(ctx, `SELECT hash, from_address, to_address, value::text, block_number, ts FROM transfers`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return n, err
		}
		if err := s.features.MirrorTransfer(ctx, t); err != nil {
			return n, err
		}
		n++
	}
	return n, rows.Err()
}

func (s *PostgresStore) UpsertAddress(ctx context.Context, addr string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO addresses (address) VALUES ($1) ON CONFLICT (address) DO NOTHING`, addr)
	return err
}

// UpsertTransfer inserts both endpoints and the edge in one transaction.
// Re-ingesting a known hash is a no-op.
func (s *PostgresStore) UpsertTransfer(ctx context.Context, t models.Transfer) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	addrSQL := `INSERT INTO addresses (address, first_seen) VALUES ($1, $2) ON CONFLICT (address) DO NOTHING`
	if _, err := tx.Exec(ctx, addrSQL, t.From, t.Timestamp); err != nil {
		return fmt.Errorf("upsert address %s: %w", t.From, err)
	}
	if _, err := tx.Exec(ctx, addrSQL, t.To, t.Timestamp); err != nil {
		return fmt.Errorf("upsert address %s: %w", t.To, err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO transfers (hash, from_address, to_address, value, block_number, ts)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)
		ON CONFLICT (hash) DO NOTHING`,
		t.Hash, t.From, t.To, t.Value.String(), int64(t.BlockNumber), t.Timestamp)
	if err != nil {
		return fmt.Errorf("insert transfer %s: %w", t.Hash, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	if tag.RowsAffected() == 1 {
		return s.features.MirrorTransfer(ctx, t)
	}
	return nil
}

func (s *PostgresStore) GetAddress(ctx context.Context, addr string) (models.Address, error) {
	var a models.Address
	err := s.pool.QueryRow(ctx, `
		SELECT address, risk_score, pagerank, degree, in_degree, out_degree, community, triangles, first_seen, analyzed_at
		FROM addresses WHERE address = $1`, addr).Scan(
		&a.Address, &a.RiskScore, &a.Features.PageRank, &a.Features.Degree, &a.Features.InDegree,
		&a.Features.OutDegree, &a.Features.Community, &a.Features.Triangles, &a.FirstSeen, &a.AnalyzedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return a, fmt.Errorf("address %s: %w", addr, graph.ErrNotFound)
	}
	return a, err
}

func (s *PostgresStore) Transfers(ctx context.Context, addr string) ([]models.Transfer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT hash, from_address, to_address, value::text, block_number, ts
		FROM transfers
		WHERE from_address = $1 OR to_address = $1
		ORDER BY ts ASC, hash ASC`, addr)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Transfer, 0)
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTransfer(rows pgx.Rows) (models.Transfer, error) {
	var (
		t     models.Transfer
		value string
		block int64
	)
	if err := rows.Scan(&t.Hash, &t.From, &t.To, &value, &block, &t.Timestamp); err != nil {
		return t, err
	}
	v, err := decimal.NewFromString(value)
	if err != nil {
		return t, fmt.Errorf("transfer %s value %q: %w", t.Hash, value, err)
	}
	t.Value = v
	t.BlockNumber = uint64(block)
	t.Timestamp = t.Timestamp.UTC()
	return t, nil
}

func (s *PostgresStore) Neighbors(ctx context.Context, addr string, minValue decimal.Decimal, limit int) ([]graph.Neighbor, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT peer, SUM(value)::text, COUNT(*)
		FROM (
			SELECT to_address AS peer, value FROM transfers WHERE from_address = $1
			UNION ALL
			SELECT from_address AS peer, value FROM transfers WHERE to_address = $1
		) x
		WHERE peer <> $1
		GROUP BY peer
		HAVING SUM(value) >= $2::numeric
		ORDER BY SUM(value) DESC, peer ASC
		LIMIT $3`, addr, minValue.String(), lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]graph.Neighbor, 0)
	for rows.Next() {
		var (
			n     graph.Neighbor
			total string
		)
		if err := rows.Scan(&n.Address, &total, &n.Transfers); err != nil {
			return nil, err
		}
		if n.TotalValue, err = decimal.NewFromString(total); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Adjacent(ctx context.Context, addr string, dir graph.Direction) ([]string, error) {
	sql := `SELECT DISTINCT to_address FROM transfers WHERE from_address = $1 AND to_address <> $1 ORDER BY 1`
	if dir == graph.Inbound {
		sql = `SELECT DISTINCT from_address FROM transfers WHERE to_address = $1 AND from_address <> $1 ORDER BY 1`
	}
	rows, err := s.pool.Query(ctx, sql, addr)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PostgresStore) CentralityFeatures(ctx context.Context, addr string) (models.Features, error) {
	var f models.Features
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(DISTINCT peer) FROM (
				SELECT to_address AS peer FROM transfers WHERE from_address = $1
				UNION
				SELECT from_address FROM transfers WHERE to_address = $1
			) p WHERE peer <> $1),
			(SELECT COUNT(DISTINCT from_address) FROM transfers WHERE to_address = $1 AND from_address <> $1),
			(SELECT COUNT(DISTINCT to_address) FROM transfers WHERE from_address = $1 AND to_address <> $1)
		FROM addresses WHERE address = $1`, addr).Scan(&f.Degree, &f.InDegree, &f.OutDegree)
	if errors.Is(err, pgx.ErrNoRows) {
		return f, fmt.Errorf("address %s: %w", addr, graph.ErrNotFound)
	}
	if err != nil {
		return f, err
	}

	st, err := s.features.Structural(ctx, addr)
	if err != nil {
		return f, fmt.Errorf("structural features: %w", err)
	}
	f.PageRank, f.Community, f.Triangles = st.PageRank, st.Community, st.Triangles
	return f, nil
}

func (s *PostgresStore) FeatureBounds(ctx context.Context) (models.FeatureBounds, error) {
	var b models.FeatureBounds
	err := s.pool.QueryRow(ctx, `
		WITH edges AS (
			SELECT DISTINCT from_address, to_address FROM transfers WHERE from_address <> to_address
		),
		outd AS (SELECT from_address AS a, COUNT(*) AS c FROM edges GROUP BY 1),
		ind AS (SELECT to_address AS a, COUNT(*) AS c FROM edges GROUP BY 1),
		und AS (
			SELECT a, COUNT(DISTINCT b) AS c FROM (
				SELECT from_address AS a, to_address AS b FROM edges
				UNION
				SELECT to_address, from_address FROM edges
			) u GROUP BY a
		)
		SELECT
			COALESCE(MIN(COALESCE(d.c, 0)), 0), COALESCE(MAX(COALESCE(d.c, 0)), 0),
			COALESCE(MIN(COALESCE(i.c, 0)), 0), COALESCE(MAX(COALESCE(i.c, 0)), 0),
			COALESCE(MIN(COALESCE(o.c, 0)), 0), COALESCE(MAX(COALESCE(o.c, 0)), 0)
		FROM addresses ad
		LEFT JOIN und d ON d.a = ad.address
		LEFT JOIN ind i ON i.a = ad.address
		LEFT JOIN outd o ON o.a = ad.address`).Scan(
		&b.Min.Degree, &b.Max.Degree, &b.Min.InDegree, &b.Max.InDegree, &b.Min.OutDegree, &b.Max.OutDegree)
	if err != nil {
		return b, err
	}

	lo, hi, err := s.features.Bounds(ctx)
	if err != nil {
		return b, fmt.Errorf("structural bounds: %w", err)
	}
	b.Min.PageRank, b.Max.PageRank = lo.PageRank, hi.PageRank
	b.Min.Triangles, b.Max.Triangles = lo.Triangles, hi.Triangles
	return b, nil
}

func (s *PostgresStore) SetRiskScore(ctx context.Context, addr string, score float64, f models.Features) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE addresses SET
			risk_score = $2, pagerank = $3, degree = $4, in_degree = $5, out_degree = $6,
			community = $7, triangles = $8, analyzed_at = NOW()
		WHERE address = $1`,
		addr, score, f.PageRank, f.Degree, f.InDegree, f.OutDegree, f.Community, f.Triangles)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("address %s: %w", addr, graph.ErrNotFound)
	}
	return nil
}

// RecordAlert serializes inserts per (address, type) with a transaction-scoped
// advisory lock so the dedup check and the insert cannot interleave.
func (s *PostgresStore) RecordAlert(ctx context.Context, alert models.Alert, window time.Duration) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, alert.Address+"|"+string(alert.Type)); err != nil {
		return false, fmt.Errorf("alert lock: %w", err)
	}

	var exists bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM alerts WHERE address = $1 AND type = $2 AND created_at > $3
		)`, alert.Address, string(alert.Type), alert.CreatedAt.Add(-window)).Scan(&exists)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	evidence, err := json.Marshal(alert.Evidence)
	if err != nil {
		return false, fmt.Errorf("marshal evidence: %w", err)
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO alerts (id, address, type, score, created_at, evidence)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		alert.ID, alert.Address, string(alert.Type), alert.Score, alert.CreatedAt, evidence)
	if err != nil {
		return false, fmt.Errorf("insert alert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListAlerts(ctx context.Context, filter models.AlertFilter) ([]models.Alert, error) {
	var (
		address, typ any
		since        any
		limit        any
	)
	if filter.Address != "" {
		address = filter.Address
	}
	if filter.Type != "" {
		typ = string(filter.Type)
	}
	if !filter.Since.IsZero() {
		since = filter.Since
	}
	if filter.Limit > 0 {
		limit = filter.Limit
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, address, type, score, created_at, evidence
		FROM alerts
		WHERE ($1::text IS NULL OR address = $1)
		  AND ($2::text IS NULL OR type = $2)
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`, address, typ, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Alert, 0)
	for rows.Next() {
		var (
			a        models.Alert
			typ      string
			evidence []byte
		)
		if err := rows.Scan(&a.ID, &a.Address, &typ, &a.Score, &a.CreatedAt, &evidence); err != nil {
			return nil, err
		}
		a.Type = models.DetectorType(typ)
		a.CreatedAt = a.CreatedAt.UTC()
		if len(evidence) > 0 {
			if err := json.Unmarshal(evidence, &a.Evidence); err != nil {
				return nil, fmt.Errorf("alert %s evidence: %w", a.ID, err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AlertCount(ctx context.Context, addr string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM alerts WHERE address = $1`, addr).Scan(&n)
	return n, err
}

// SaveJob upserts the job row on every state transition.
func (s *PostgresStore) SaveJob(ctx context.Context, job models.Job) error {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	var result []byte
	if job.Result != nil {
		if result, err = json.Marshal(job.Result); err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (job_id, type, status, params, result, started_at, completed_at, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status,
			result = EXCLUDED.result,
			completed_at = EXCLUDED.completed_at,
			error = EXCLUDED.error`,
		job.ID, string(job.Type), string(job.Status), params, result, job.StartedAt, job.CompletedAt, job.Error)
	return err
}

const jobColumns = `job_id, type, status, params, result, started_at, completed_at, error`

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		j              models.Job
		typ, status    string
		params, result []byte
	)
	if err := row.Scan(&j.ID, &typ, &status, &params, &result, &j.StartedAt, &j.CompletedAt, &j.Error); err != nil {
		return j, err
	}
	j.Type = models.JobType(typ)
	j.Status = models.JobStatus(status)
	if len(params) > 0 {
		j.Params = json.RawMessage(params)
	}
	if len(result) > 0 {
		j.Result = json.RawMessage(result)
	}
	return j, nil
}

func (s *PostgresStore) LoadJob(ctx context.Context, id string) (models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return j, fmt.Errorf("job %s: %w", id, graph.ErrNotFound)
	}
	return j, err
}

func (s *PostgresStore) ListJobs(ctx context.Context, jobType models.JobType) ([]models.Job, error) {
	var typ any
	if jobType != "" {
		typ = string(jobType)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE ($1::text IS NULL OR type = $1)
		ORDER BY started_at DESC, job_id DESC`, typ)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *PostgresStore) EdgeCount(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM transfers`).Scan(&n)
	return n, err
}

var _ graph.Store = (*PostgresStore)(nil)
