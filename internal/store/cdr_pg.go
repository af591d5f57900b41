package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/relaypbx/relaypbx/internal/store/models"
)

// pgCDRSchema creates the cdrs table on first connect. Larger
// deployments keep CDRs in PostgreSQL while the embedded SQLite database
// serves everything else.
const pgCDRSchema = `CREATE TABLE IF NOT EXISTS cdrs (
	id TEXT PRIMARY KEY,
	call_id TEXT NOT NULL,
	caller_username TEXT NOT NULL DEFAULT '',
	caller_uri TEXT NOT NULL DEFAULT '',
	caller_ip TEXT NOT NULL DEFAULT '',
	callee_username TEXT NOT NULL DEFAULT '',
	callee_uri TEXT NOT NULL DEFAULT '',
	callee_ip TEXT,
	direction TEXT NOT NULL DEFAULT 'internal',
	start_time TIMESTAMPTZ NOT NULL,
	answer_time TIMESTAMPTZ,
	end_time TIMESTAMPTZ,
	setup_duration INTEGER,
	call_duration INTEGER,
	total_duration INTEGER,
	status TEXT NOT NULL DEFAULT 'active',
	end_reason TEXT,
	sip_response_code INTEGER,
	codec TEXT,
	rtp_packets_sent BIGINT,
	rtp_packets_received BIGINT,
	rtp_bytes_sent BIGINT,
	rtp_bytes_received BIGINT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_cdrs_call_id ON cdrs (call_id);
CREATE INDEX IF NOT EXISTS idx_cdrs_start_time ON cdrs (start_time);`

// pgCDRRepo implements CDRRepository over a pgx connection pool.
type pgCDRRepo struct {
	pool *pgxpool.Pool
}

// NewPostgresCDRRepository connects to PostgreSQL and ensures the cdrs
// table exists.
func NewPostgresCDRRepository(ctx context.Context, dsn string) (CDRRepository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgCDRSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring cdrs schema: %w", err)
	}
	return &pgCDRRepo{pool: pool}, nil
}

func (r *pgCDRRepo) Create(ctx context.Context, cdr *models.CDR) error {
	now := time.Now().UTC()
	cdr.CreatedAt = now
	cdr.UpdatedAt = now

	_, err := r.pool.Exec(ctx,
		`INSERT INTO cdrs (id, call_id, caller_username, caller_uri, caller_ip,
		 callee_username, callee_uri, callee_ip, direction,
		 start_time, answer_time, end_time,
		 setup_duration, call_duration, total_duration,
		 status, end_reason, sip_response_code,
		 codec, rtp_packets_sent, rtp_packets_received,
		 rtp_bytes_sent, rtp_bytes_received, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		 $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)`,
		cdr.ID, cdr.CallID, cdr.CallerUsername, cdr.CallerURI, cdr.CallerIP,
		cdr.CalleeUsername, cdr.CalleeURI, cdr.CalleeIP, cdr.Direction,
		cdr.StartTime, cdr.AnswerTime, cdr.EndTime,
		cdr.SetupDuration, cdr.CallDuration, cdr.TotalDuration,
		cdr.Status, cdr.EndReason, cdr.SIPResponseCode,
		cdr.Codec, cdr.RTPPacketsSent, cdr.RTPPacketsReceived,
		cdr.RTPBytesSent, cdr.RTPBytesReceived, cdr.CreatedAt, cdr.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting cdr: %w", err)
	}
	return nil
}

func (r *pgCDRRepo) Update(ctx context.Context, cdr *models.CDR) error {
	cdr.UpdatedAt = time.Now().UTC()

	_, err := r.pool.Exec(ctx,
		`UPDATE cdrs SET call_id = $1, caller_username = $2, caller_uri = $3, caller_ip = $4,
		 callee_username = $5, callee_uri = $6, callee_ip = $7, direction = $8,
		 start_time = $9, answer_time = $10, end_time = $11,
		 setup_duration = $12, call_duration = $13, total_duration = $14,
		 status = $15, end_reason = $16, sip_response_code = $17,
		 codec = $18, rtp_packets_sent = $19, rtp_packets_received = $20,
		 rtp_bytes_sent = $21, rtp_bytes_received = $22, updated_at = $23
		 WHERE id = $24`,
		cdr.CallID, cdr.CallerUsername, cdr.CallerURI, cdr.CallerIP,
		cdr.CalleeUsername, cdr.CalleeURI, cdr.CalleeIP, cdr.Direction,
		cdr.StartTime, cdr.AnswerTime, cdr.EndTime,
		cdr.SetupDuration, cdr.CallDuration, cdr.TotalDuration,
		cdr.Status, cdr.EndReason, cdr.SIPResponseCode,
		cdr.Codec, cdr.RTPPacketsSent, cdr.RTPPacketsReceived,
		cdr.RTPBytesSent, cdr.RTPBytesReceived, cdr.UpdatedAt, cdr.ID,
	)
	if err != nil {
		return fmt.Errorf("updating cdr: %w", err)
	}
	return nil
}

func (r *pgCDRRepo) GetByID(ctx context.Context, id string) (*models.CDR, error) {
	return r.scanOne(ctx, `SELECT `+cdrColumns+` FROM cdrs WHERE id = $1`, id)
}

func (r *pgCDRRepo) GetByCallID(ctx context.Context, callID string) (*models.CDR, error) {
	return r.scanOne(ctx,
		`SELECT `+cdrColumns+` FROM cdrs WHERE call_id = $1 ORDER BY start_time DESC LIMIT 1`, callID)
}

func (r *pgCDRRepo) List(ctx context.Context, filters CDRFilters, limit, offset int) ([]models.CDR, error) {
	where, args := buildPgCDRWhere(filters)
	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM cdrs WHERE %s ORDER BY start_time DESC LIMIT $%d OFFSET $%d`,
		cdrColumns, where, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing cdrs: %w", err)
	}
	defer rows.Close()

	var cdrs []models.CDR
	for rows.Next() {
		c, err := scanCDRRow(rows)
		if err != nil {
			return nil, err
		}
		cdrs = append(cdrs, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cdr rows: %w", err)
	}
	return cdrs, nil
}

func (r *pgCDRRepo) Count(ctx context.Context, filters CDRFilters) (int64, error) {
	where, args := buildPgCDRWhere(filters)
	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM cdrs WHERE `+where, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("counting cdrs: %w", err)
	}
	return total, nil
}

func (r *pgCDRRepo) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM cdrs WHERE start_time < now() - make_interval(days => $1)`, days)
	if err != nil {
		return 0, fmt.Errorf("deleting old cdrs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close releases the connection pool.
func (r *pgCDRRepo) Close() {
	r.pool.Close()
}

func (r *pgCDRRepo) scanOne(ctx context.Context, query string, args ...any) (*models.CDR, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying cdr: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil && err != pgx.ErrNoRows {
			return nil, fmt.Errorf("querying cdr: %w", err)
		}
		return nil, nil
	}
	return scanCDRRow(rows)
}

// buildPgCDRWhere mirrors buildCDRWhere with $n placeholders.
func buildPgCDRWhere(filters CDRFilters) (string, []any) {
	var clauses []string
	args := []any{}

	next := func() string { return fmt.Sprintf("$%d", len(args)+1) }

	clauses = append(clauses, "1=1")
	if filters.CallID != "" {
		clauses = append(clauses, "call_id = "+next())
		args = append(args, filters.CallID)
	}
	if filters.Caller != "" {
		p := next()
		clauses = append(clauses, "(caller_username LIKE "+p+" OR caller_uri LIKE "+p+")")
		args = append(args, "%"+filters.Caller+"%")
	}
	if filters.Callee != "" {
		p := next()
		clauses = append(clauses, "(callee_username LIKE "+p+" OR callee_uri LIKE "+p+")")
		args = append(args, "%"+filters.Callee+"%")
	}
	if filters.Direction != "" {
		clauses = append(clauses, "direction = "+next())
		args = append(args, filters.Direction)
	}
	if filters.Status != "" {
		clauses = append(clauses, "status = "+next())
		args = append(args, filters.Status)
	}
	if filters.StartDate != "" {
		clauses = append(clauses, "start_time >= "+next())
		args = append(args, filters.StartDate)
	}
	if filters.EndDate != "" {
		clauses = append(clauses, "start_time <= "+next())
		args = append(args, filters.EndDate)
	}

	return strings.Join(clauses, " AND "), args
}
