package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vpagate/vpagate/internal/domain"
)

const insertBatchSize = 500

// ClaimUnused atomically moves one UNUSED identifier to RESERVED and
// returns it. The select and the state change are one statement, so two
// callers can never claim the same row. Returns domain.ErrNotFound when the
// pool has no UNUSED rows.
func (q *Queries) ClaimUnused(ctx context.Context, now time.Time) (string, error) {
	var code string
	err := q.queryRow(ctx, `
		UPDATE identifier_pool SET state = 'RESERVED', reserved_at = ?
		WHERE code = (
			SELECT code FROM identifier_pool
			WHERE state = 'UNUSED'
			ORDER BY created_at, code
			LIMIT 1`+q.d.skipLocked+`
		) AND state = 'UNUSED'
		RETURNING code`,
		formatTime(now),
	).Scan(&code)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("claim unused: %w", err)
	}
	return code, nil
}

// ClaimCode reserves a specific identifier if it is sitting UNUSED in the
// pool.
func (q *Queries) ClaimCode(ctx context.Context, code string, now time.Time) (bool, error) {
	res, err := q.exec(ctx,
		`UPDATE identifier_pool SET state = 'RESERVED', reserved_at = ?
		WHERE code = ? AND state = 'UNUSED'`,
		formatTime(now), code,
	)
	if err != nil {
		return false, fmt.Errorf("claim code: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ReserveCode inserts code directly as RESERVED unless it is already in the
// pool or already issued as a QR code. This conditional insert is the final
// arbiter for identifiers generated outside the pool.
func (q *Queries) ReserveCode(ctx context.Context, code string, now time.Time) (bool, error) {
	ts := formatTime(now)
	res, err := q.exec(ctx, `
		INSERT INTO identifier_pool (code, state, created_at, reserved_at)
		SELECT CAST(? AS TEXT), 'RESERVED', CAST(? AS TEXT), CAST(? AS TEXT)
		WHERE NOT EXISTS (SELECT 1 FROM qr_codes WHERE identifier = ?)
		ON CONFLICT (code) DO NOTHING`,
		code, ts, ts, code,
	)
	if err != nil {
		return false, fmt.Errorf("reserve code: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CodeExists reports whether code is known anywhere: in the pool in any
// state, or issued as a QR code.
func (q *Queries) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := q.queryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM identifier_pool WHERE code = ?)
		    OR EXISTS (SELECT 1 FROM qr_codes WHERE identifier = ?)`,
		code, code,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("code exists: %w", err)
	}
	return exists, nil
}

// CodeTaken reports whether code is unavailable to a new holder: reserved,
// used, or issued. UNUSED pool rows are still available.
func (q *Queries) CodeTaken(ctx context.Context, code string) (bool, error) {
	var taken bool
	err := q.queryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM identifier_pool WHERE code = ? AND state <> 'UNUSED')
		    OR EXISTS (SELECT 1 FROM qr_codes WHERE identifier = ?)`,
		code, code,
	).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("code taken: %w", err)
	}
	return taken, nil
}

// ExistingCodes returns the subset of codes already present in the pool or
// issued as QR codes.
func (q *Queries) ExistingCodes(ctx context.Context, codes []string) (map[string]bool, error) {
	found := make(map[string]bool)
	for start := 0; start < len(codes); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(codes) {
			end = len(codes)
		}
		chunk := codes[start:end]

		args := make([]any, 0, 2*len(chunk))
		for _, c := range chunk {
			args = append(args, c)
		}
		for _, c := range chunk {
			args = append(args, c)
		}

		ph := placeholders(len(chunk))
		rows, err := q.query(ctx,
			"SELECT code FROM identifier_pool WHERE code IN ("+ph+")"+
				" UNION SELECT identifier FROM qr_codes WHERE identifier IN ("+ph+")",
			args...,
		)
		if err != nil {
			return nil, fmt.Errorf("existing codes: %w", err)
		}
		for rows.Next() {
			var c string
			if err := rows.Scan(&c); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan: %w", err)
			}
			found[c] = true
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
	}
	return found, nil
}

// InsertUnused adds codes to the pool in batches, ignoring any that already
// exist. Returns the number of rows inserted.
func (q *Queries) InsertUnused(ctx context.Context, codes []string, now time.Time) (int, error) {
	ts := formatTime(now)
	inserted := 0
	for start := 0; start < len(codes); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(codes) {
			end = len(codes)
		}
		chunk := codes[start:end]

		values := make([]byte, 0, len(chunk)*20)
		args := make([]any, 0, 2*len(chunk))
		for i, c := range chunk {
			if i > 0 {
				values = append(values, ',')
			}
			values = append(values, "(?, 'UNUSED', ?)"...)
			args = append(args, c, ts)
		}

		res, err := q.exec(ctx,
			"INSERT INTO identifier_pool (code, state, created_at) VALUES "+string(values)+
				" ON CONFLICT (code) DO NOTHING",
			args...,
		)
		if err != nil {
			return inserted, fmt.Errorf("insert batch at %d: %w", start, err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	return inserted, nil
}

// MarkUsed retires a RESERVED identifier to its merchant.
func (q *Queries) MarkUsed(ctx context.Context, code, merchantID string, now time.Time) error {
	res, err := q.exec(ctx,
		`UPDATE identifier_pool SET state = 'USED', merchant_id = ?, used_at = ?
		WHERE code = ? AND state = 'RESERVED'`,
		merchantID, formatTime(now), code,
	)
	if err != nil {
		return fmt.Errorf("mark used: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("%w: identifier %s is not reserved", domain.ErrInvalidTransition, code)
	}
	return nil
}

// ReleaseCode returns a RESERVED identifier to the pool as UNUSED. It
// undoes a reservation whose issuance failed.
func (q *Queries) ReleaseCode(ctx context.Context, code string) error {
	_, err := q.exec(ctx,
		`UPDATE identifier_pool SET state = 'UNUSED', reserved_at = NULL
		WHERE code = ? AND state = 'RESERVED'`,
		code,
	)
	if err != nil {
		return fmt.Errorf("release code: %w", err)
	}
	return nil
}

func (q *Queries) GetIdentifier(ctx context.Context, code string) (*domain.Identifier, error) {
	var id domain.Identifier
	var state, createdAt string
	var merchant, reserved, used sql.NullString
	err := q.queryRow(ctx,
		`SELECT code, state, merchant_id, created_at, reserved_at, used_at
		FROM identifier_pool WHERE code = ?`, code,
	).Scan(&id.Code, &state, &merchant, &createdAt, &reserved, &used)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get identifier: %w", err)
	}
	id.State = domain.IdentifierState(state)
	id.MerchantID = merchant.String
	id.CreatedAt = parseTime(createdAt)
	id.ReservedAt = parseNullableTime(reserved)
	id.UsedAt = parseNullableTime(used)
	return &id, nil
}

func (q *Queries) CountUnused(ctx context.Context) (int, error) {
	var n int
	err := q.queryRow(ctx, "SELECT COUNT(*) FROM identifier_pool WHERE state = 'UNUSED'").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unused: %w", err)
	}
	return n, nil
}

func (q *Queries) PoolStats(ctx context.Context) (domain.PoolStats, error) {
	var s domain.PoolStats
	rows, err := q.query(ctx, "SELECT state, COUNT(*) FROM identifier_pool GROUP BY state")
	if err != nil {
		return s, fmt.Errorf("pool stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return s, fmt.Errorf("scan: %w", err)
		}
		switch domain.IdentifierState(state) {
		case domain.IdentifierUnused:
			s.Unused = n
		case domain.IdentifierReserved:
			s.Reserved = n
		case domain.IdentifierUsed:
			s.Used = n
		}
	}
	return s, rows.Err()
}

// ClaimSequential is the last-resort pool scan: it walks UNUSED rows in
// code order under row locks that skip rows other transactions hold, and
// reserves the first one it can.
func (db *DB) ClaimSequential(ctx context.Context, now time.Time, limit int) (string, error) {
	var claimed string
	err := db.WithTx(ctx, func(q *Queries) error {
		rows, err := q.query(ctx,
			"SELECT code FROM identifier_pool WHERE state = 'UNUSED' ORDER BY code LIMIT ?"+q.d.skipLocked,
			limit,
		)
		if err != nil {
			return fmt.Errorf("scan pool: %w", err)
		}
		var candidates []string
		for rows.Next() {
			var c string
			if err := rows.Scan(&c); err != nil {
				rows.Close()
				return fmt.Errorf("scan: %w", err)
			}
			candidates = append(candidates, c)
		}
		if err := rows.Close(); err != nil {
			return err
		}

		for _, c := range candidates {
			ok, err := q.ClaimCode(ctx, c, now)
			if err != nil {
				return err
			}
			if ok {
				claimed = c
				return nil
			}
		}
		return domain.ErrNotFound
	})
	if err != nil {
		return "", err
	}
	return claimed, nil
}
