package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/relaypbx/relaypbx/internal/store/models"
)

const cdrColumns = `id, call_id, caller_username, caller_uri, caller_ip,
	 callee_username, callee_uri, callee_ip, direction,
	 start_time, answer_time, end_time,
	 setup_duration, call_duration, total_duration,
	 status, end_reason, sip_response_code,
	 codec, rtp_packets_sent, rtp_packets_received,
	 rtp_bytes_sent, rtp_bytes_received, created_at, updated_at`

// cdrRepo implements CDRRepository over the embedded SQLite database.
type cdrRepo struct {
	db *DB
}

// NewCDRRepository creates the SQLite-backed CDR repository.
func NewCDRRepository(db *DB) CDRRepository {
	return &cdrRepo{db: db}
}

// Create inserts a new call detail record.
func (r *cdrRepo) Create(ctx context.Context, cdr *models.CDR) error {
	now := time.Now().UTC()
	cdr.CreatedAt = now
	cdr.UpdatedAt = now

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO cdrs (id, call_id, caller_username, caller_uri, caller_ip,
		 callee_username, callee_uri, callee_ip, direction,
		 start_time, answer_time, end_time,
		 setup_duration, call_duration, total_duration,
		 status, end_reason, sip_response_code,
		 codec, rtp_packets_sent, rtp_packets_received,
		 rtp_bytes_sent, rtp_bytes_received, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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

// Update modifies an existing CDR.
func (r *cdrRepo) Update(ctx context.Context, cdr *models.CDR) error {
	cdr.UpdatedAt = time.Now().UTC()

	_, err := r.db.ExecContext(ctx,
		`UPDATE cdrs SET call_id = ?, caller_username = ?, caller_uri = ?, caller_ip = ?,
		 callee_username = ?, callee_uri = ?, callee_ip = ?, direction = ?,
		 start_time = ?, answer_time = ?, end_time = ?,
		 setup_duration = ?, call_duration = ?, total_duration = ?,
		 status = ?, end_reason = ?, sip_response_code = ?,
		 codec = ?, rtp_packets_sent = ?, rtp_packets_received = ?,
		 rtp_bytes_sent = ?, rtp_bytes_received = ?, updated_at = ?
		 WHERE id = ?`,
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

// GetByID returns a CDR by its UUID, or (nil, nil) when absent.
func (r *cdrRepo) GetByID(ctx context.Context, id string) (*models.CDR, error) {
	return scanCDR(r.db.QueryRowContext(ctx,
		`SELECT `+cdrColumns+` FROM cdrs WHERE id = ?`, id))
}

// GetByCallID returns a CDR by SIP Call-ID, or (nil, nil) when absent.
func (r *cdrRepo) GetByCallID(ctx context.Context, callID string) (*models.CDR, error) {
	return scanCDR(r.db.QueryRowContext(ctx,
		`SELECT `+cdrColumns+` FROM cdrs WHERE call_id = ? ORDER BY start_time DESC LIMIT 1`, callID))
}

// List returns CDRs matching the filters, newest first.
func (r *cdrRepo) List(ctx context.Context, filters CDRFilters, limit, offset int) ([]models.CDR, error) {
	where, args := buildCDRWhere(filters)
	query := `SELECT ` + cdrColumns + ` FROM cdrs WHERE ` + where +
		` ORDER BY start_time DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
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

// Count returns the number of CDRs matching the filters.
func (r *cdrRepo) Count(ctx context.Context, filters CDRFilters) (int64, error) {
	where, args := buildCDRWhere(filters)
	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cdrs WHERE `+where, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("counting cdrs: %w", err)
	}
	return total, nil
}

// DeleteOlderThan removes CDRs whose start_time predates the retention
// window and returns the number of rows deleted.
func (r *cdrRepo) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM cdrs WHERE start_time < datetime('now', '-' || ? || ' days')`, days)
	if err != nil {
		return 0, fmt.Errorf("deleting old cdrs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted cdrs: %w", err)
	}
	return n, nil
}

// buildCDRWhere translates filters into a WHERE clause with "?" args.
func buildCDRWhere(filters CDRFilters) (string, []any) {
	where := "1=1"
	args := []any{}

	if filters.CallID != "" {
		where += " AND call_id = ?"
		args = append(args, filters.CallID)
	}
	if filters.Caller != "" {
		where += " AND (caller_username LIKE ? OR caller_uri LIKE ?)"
		s := "%" + filters.Caller + "%"
		args = append(args, s, s)
	}
	if filters.Callee != "" {
		where += " AND (callee_username LIKE ? OR callee_uri LIKE ?)"
		s := "%" + filters.Callee + "%"
		args = append(args, s, s)
	}
	if filters.Direction != "" {
		where += " AND direction = ?"
		args = append(args, filters.Direction)
	}
	if filters.Status != "" {
		where += " AND status = ?"
		args = append(args, filters.Status)
	}
	if filters.StartDate != "" {
		where += " AND start_time >= ?"
		args = append(args, filters.StartDate)
	}
	if filters.EndDate != "" {
		where += " AND start_time <= ?"
		args = append(args, filters.EndDate)
	}

	return where, args
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCDR(row *sql.Row) (*models.CDR, error) {
	c, err := scanCDRRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func scanCDRRow(row rowScanner) (*models.CDR, error) {
	var c models.CDR
	err := row.Scan(&c.ID, &c.CallID, &c.CallerUsername, &c.CallerURI, &c.CallerIP,
		&c.CalleeUsername, &c.CalleeURI, &c.CalleeIP, &c.Direction,
		&c.StartTime, &c.AnswerTime, &c.EndTime,
		&c.SetupDuration, &c.CallDuration, &c.TotalDuration,
		&c.Status, &c.EndReason, &c.SIPResponseCode,
		&c.Codec, &c.RTPPacketsSent, &c.RTPPacketsReceived,
		&c.RTPBytesSent, &c.RTPBytesReceived, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning cdr: %w", err)
	}
	return &c, nil
}
