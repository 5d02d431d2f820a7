package checkpoint

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const transferColumns = `id, direction, local_path, remote_key, total_size, part_size,
	session_token, remote_etag, state, bytes_transferred, error, sync_folder_id,
	source_mod_time, created_at, updated_at, completed_at, owner, lease_until,
	stop_request`

const partColumns = `transfer_id, part_number, byte_offset, byte_length, state,
	integrity_tag, attempts, last_error, updated_at`

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	closed  atomic.Bool
	writeMu sync.Mutex
	now     func() time.Time

	busyRetries int
	busyBackoff time.Duration
}

// NewSQLiteStore opens the database at dbPath and applies pending migrations
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	// WAL lets readers proceed while the single writer holds the lock
	dsn := dbPath + "?_pragma=busy_timeout(60000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return newStore(db), nil
}

func newStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{
		db:          db,
		now:         time.Now,
		busyRetries: 10,
		busyBackoff: 50 * time.Millisecond,
	}
}

func migrate(ctx context.Context, db *sql.DB) error {
	migrations, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrations)
	if err != nil {
		return err
	}
	_, err = provider.Up(ctx)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) checkOpen() error {
	if s.closed.Load() {
		return fmt.Errorf("database store is closed")
	}
	return nil
}

// read runs a query with busy retries
func (s *SQLiteStore) read(ctx context.Context, operation func() error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.retryOnBusy(ctx, operation)
}

// write runs fn in a transaction. Writers are serialized to avoid SQLITE_BUSY
// from multiple concurrent writers.
func (s *SQLiteStore) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback() // This will be ignored if Commit() succeeds

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(ctx context.Context, operation func() error) error {
	var err error
	for attempt := 0; attempt < s.busyRetries; attempt++ {
		err = operation()
		if err == nil || !isSQLiteBusyError(err) || attempt == s.busyRetries-1 {
			return err
		}

		// Exponential backoff with jitter to spread out competing writers
		delay := s.busyBackoff * time.Duration(1<<uint(attempt))
		delay += time.Duration(rand.Int63n(int64(s.busyBackoff) + 1))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func scanTransfer(row rowScanner) (*TransferRecord, error) {
	var t TransferRecord
	var sourceMod, created, updated, finished, leaseUntil int64
	err := row.Scan(
		&t.ID,
		&t.Direction,
		&t.LocalPath,
		&t.RemoteKey,
		&t.TotalSize,
		&t.PartSize,
		&t.SessionToken,
		&t.RemoteETag,
		&t.State,
		&t.BytesTransferred,
		&t.Error,
		&t.SyncFolderID,
		&sourceMod,
		&created,
		&updated,
		&finished,
		&t.Owner,
		&leaseUntil,
		&t.StopRequest,
	)
	if err != nil {
		return nil, err
	}
	t.LeaseUntil = fromUnixNano(leaseUntil)
	t.SourceModTime = fromUnixNano(sourceMod)
	t.CreatedAt = fromUnixNano(created)
	t.UpdatedAt = fromUnixNano(updated)
	t.CompletedAt = fromUnixNano(finished)
	return &t, nil
}

func scanPart(row rowScanner) (PartRecord, error) {
	var (
		p       PartRecord
		updated int64
	)
	err := row.Scan(
		&p.TransferID,
		&p.PartNumber,
		&p.Offset,
		&p.Length,
		&p.State,
		&p.IntegrityTag,
		&p.Attempts,
		&p.LastError,
		&updated,
	)
	p.UpdatedAt = fromUnixNano(updated)
	return p, err
}

// CreateTransfer inserts a transfer and its parts in one transaction
func (s *SQLiteStore) CreateTransfer(ctx context.Context, t *TransferRecord, parts []PartRecord) error {
	if t.ID == "" {
		return fmt.Errorf("transfer id is required")
	}
	if t.State == "" {
		t.State = StatePending
	}
	if !t.State.Valid() {
		return fmt.Errorf("unknown transfer state %q", t.State)
	}

	now := s.now()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.BytesTransferred = 0
	for _, p := range parts {
		if p.State == PartCompleted {
			t.BytesTransferred += p.Length
		}
	}

	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO transfers (`+transferColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', 0, '')`,
			t.ID,
			t.Direction,
			t.LocalPath,
			t.RemoteKey,
			t.TotalSize,
			t.PartSize,
			t.SessionToken,
			t.RemoteETag,
			t.State,
			t.BytesTransferred,
			t.Error,
			t.SyncFolderID,
			unixNano(t.SourceModTime),
			unixNano(t.CreatedAt),
			unixNano(t.UpdatedAt),
			unixNano(t.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert transfer: %w", err)
		}
		return insertParts(ctx, tx, t.ID, parts, now)
	})
}

func insertParts(ctx context.Context, tx *sql.Tx, id string, parts []PartRecord, now time.Time) error {
	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO parts (`+partColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare part insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range parts {
		state := p.State
		if state == "" {
			state = PartPending
		}
		_, err := stmt.ExecContext(ctx,
			id,
			p.PartNumber,
			p.Offset,
			p.Length,
			state,
			p.IntegrityTag,
			p.Attempts,
			p.LastError,
			unixNano(now),
		)
		if err != nil {
			return fmt.Errorf("failed to insert part %d: %w", p.PartNumber, err)
		}
	}
	return nil
}

// GetTransfer retrieves a transfer by id
func (s *SQLiteStore) GetTransfer(ctx context.Context, id string) (*TransferRecord, error) {
	var result *TransferRecord
	err := s.read(ctx, func() error {
		row := s.db.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = ?`, id)
		t, err := scanTransfer(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: transfer %s", ErrNotFound, id)
		}
		result = t
		return err
	})
	return result, err
}

// ListTransfers returns transfers in the given states, or all when none are given
func (s *SQLiteStore) ListTransfers(ctx context.Context, states ...TransferState) ([]*TransferRecord, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		query += ` WHERE state IN (?` + strings.Repeat(", ?", len(states)-1) + `)`
		for _, st := range states {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at ASC, id ASC`

	var records []*TransferRecord
	err := s.read(ctx, func() error {
		records = records[:0]
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			t, err := scanTransfer(rows)
			if err != nil {
				return err
			}
			records = append(records, t)
		}
		return rows.Err()
	})
	return records, err
}

// FindOpenTransfer returns the newest unfinished transfer for a path pair
func (s *SQLiteStore) FindOpenTransfer(ctx context.Context, dir Direction, localPath, remoteKey string) (*TransferRecord, error) {
	var result *TransferRecord
	err := s.read(ctx, func() error {
		row := s.db.QueryRowContext(ctx, `
		SELECT `+transferColumns+` FROM transfers
		WHERE direction = ? AND local_path = ? AND remote_key = ? AND state IN (?, ?, ?)
		ORDER BY created_at DESC LIMIT 1`,
			dir, localPath, remoteKey, StatePending, StateActive, StatePaused)
		t, err := scanTransfer(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: open %s transfer for %s", ErrNotFound, dir, remoteKey)
		}
		result = t
		return err
	})
	return result, err
}

// SetSessionToken persists the multipart upload id
func (s *SQLiteStore) SetSessionToken(ctx context.Context, id, token string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE transfers SET session_token = ?, updated_at = ? WHERE id = ?`,
			token, unixNano(s.now()), id)
		if err != nil {
			return fmt.Errorf("failed to set session token: %w", err)
		}
		return expectRow(res, "transfer "+id)
	})
}

// TransitionTransfer moves a transfer to a new state. errMsg is kept only
// for the failed state. Completion goes through CompleteTransfer.
func (s *SQLiteStore) TransitionTransfer(ctx context.Context, id string, to TransferState, errMsg string) error {
	if to == StateCompleted {
		return fmt.Errorf("%w: completion requires the part manifest", ErrInvalidTransition)
	}

	return s.write(ctx, func(tx *sql.Tx) error {
		from, err := transferState(ctx, tx, id)
		if err != nil {
			return err
		}
		if !CanTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}

		if to != StateFailed {
			errMsg = ""
		}
		now := unixNano(s.now())
		var finished int64
		if to.Terminal() {
			finished = now
		}

		_, err = tx.ExecContext(ctx, `
		UPDATE transfers SET state = ?, error = ?, stop_request = '', completed_at = ?, updated_at = ?
		WHERE id = ?`,
			to, errMsg, finished, now, id)
		if err != nil {
			return fmt.Errorf("failed to update transfer state: %w", err)
		}
		return nil
	})
}

// CompleteTransfer marks an active transfer completed once every part is
// completed with an integrity tag. An empty remoteETag keeps the stored one.
func (s *SQLiteStore) CompleteTransfer(ctx context.Context, id, remoteETag string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		from, err := transferState(ctx, tx, id)
		if err != nil {
			return err
		}
		if !CanTransition(from, StateCompleted) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, StateCompleted)
		}

		var total, unfinished int
		err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN state != ? OR integrity_tag = '' THEN 1 ELSE 0 END), 0)
		FROM parts WHERE transfer_id = ?`,
			PartCompleted, id).Scan(&total, &unfinished)
		if err != nil {
			return fmt.Errorf("failed to check parts: %w", err)
		}
		if total == 0 || unfinished > 0 {
			return fmt.Errorf("%w: %d of %d parts unfinished", ErrIncomplete, unfinished, total)
		}

		now := unixNano(s.now())
		_, err = tx.ExecContext(ctx, `
		UPDATE transfers SET
			state = ?,
			remote_etag = COALESCE(NULLIF(?, ''), remote_etag),
			bytes_transferred = total_size,
			error = '',
			stop_request = '',
			completed_at = ?,
			updated_at = ?
		WHERE id = ?`,
			StateCompleted, remoteETag, now, now, id)
		if err != nil {
			return fmt.Errorf("failed to complete transfer: %w", err)
		}
		return nil
	})
}

// DeleteTransfer removes a transfer and its parts
func (s *SQLiteStore) DeleteTransfer(ctx context.Context, id string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM parts WHERE transfer_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete parts: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM transfers WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete transfer: %w", err)
		}
		return expectRow(res, "transfer "+id)
	})
}

// AcquireLease claims the transfer for owner until ttl from now. It reports
// false when another owner holds a lease that has not expired.
func (s *SQLiteStore) AcquireLease(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	acquired := false
	err := s.write(ctx, func(tx *sql.Tx) error {
		if _, err := transferState(ctx, tx, id); err != nil {
			return err
		}

		now := s.now()
		res, err := tx.ExecContext(ctx, `
		UPDATE transfers SET owner = ?, lease_until = ?
		WHERE id = ? AND (owner = '' OR owner = ? OR lease_until < ?)`,
			owner, unixNano(now.Add(ttl)), id, owner, unixNano(now))
		if err != nil {
			return fmt.Errorf("failed to acquire lease: %w", err)
		}
		n, err := res.RowsAffected()
		acquired = n == 1
		return err
	})
	return acquired, err
}

// RenewLease extends owner's lease and returns the transfer so the owner
// sees stop requests. It fails with ErrLeaseLost once another owner took over.
func (s *SQLiteStore) RenewLease(ctx context.Context, id, owner string, ttl time.Duration) (*TransferRecord, error) {
	var result *TransferRecord
	err := s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE transfers SET lease_until = ? WHERE id = ? AND owner = ?`,
			unixNano(s.now().Add(ttl)), id, owner)
		if err != nil {
			return fmt.Errorf("failed to renew lease: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%w: %s", ErrLeaseLost, id)
		}

		row := tx.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = ?`, id)
		result, err = scanTransfer(row)
		return err
	})
	return result, err
}

// ReleaseLease drops owner's lease. A lease held by someone else is left alone.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, id, owner string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE transfers SET owner = '', lease_until = 0 WHERE id = ? AND owner = ?`,
			id, owner)
		return err
	})
}

// RequestStop records a pause or cancel for the lease holder to act on.
// StopNone withdraws a pending pause.
func (s *SQLiteStore) RequestStop(ctx context.Context, id string, req StopRequest) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE transfers SET stop_request = ?, updated_at = ? WHERE id = ?`,
			req, unixNano(s.now()), id)
		if err != nil {
			return fmt.Errorf("failed to request stop: %w", err)
		}
		return expectRow(res, "transfer "+id)
	})
}

// InsertParts adds part rows to an existing transfer
func (s *SQLiteStore) InsertParts(ctx context.Context, id string, parts []PartRecord) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		if _, err := transferState(ctx, tx, id); err != nil {
			return err
		}
		if err := insertParts(ctx, tx, id, parts, s.now()); err != nil {
			return err
		}
		_, err := recomputeBytes(ctx, tx, id, s.now())
		return err
	})
}

// ListParts returns the parts of a transfer in part-number order
func (s *SQLiteStore) ListParts(ctx context.Context, id string) ([]PartRecord, error) {
	var parts []PartRecord
	err := s.read(ctx, func() error {
		parts = parts[:0]
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+partColumns+` FROM parts WHERE transfer_id = ? ORDER BY part_number ASC`, id)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			p, err := scanPart(rows)
			if err != nil {
				return err
			}
			parts = append(parts, p)
		}
		return rows.Err()
	})
	return parts, err
}

// ClaimPart moves a pending part to in_progress. It reports false when the
// part was not pending, or the transfer is not active under owner's lease.
func (s *SQLiteStore) ClaimPart(ctx context.Context, id, owner string, partNumber int) (bool, error) {
	claimed := false
	err := s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
		UPDATE parts SET state = ?, updated_at = ?
		WHERE transfer_id = ? AND part_number = ? AND state = ?
		AND EXISTS (SELECT 1 FROM transfers WHERE id = ? AND state = ? AND owner = ?)`,
			PartInProgress, unixNano(s.now()), id, partNumber, PartPending,
			id, StateActive, owner)
		if err != nil {
			return fmt.Errorf("failed to claim part %d: %w", partNumber, err)
		}
		n, err := res.RowsAffected()
		claimed = n == 1
		return err
	})
	return claimed, err
}

// RecordAttempt counts a failed attempt that will be retried
func (s *SQLiteStore) RecordAttempt(ctx context.Context, id string, partNumber int, errMsg string) error {
	return s.updatePart(ctx, id, partNumber, `attempts = attempts + 1, last_error = ?`, errMsg)
}

// CompletePart records a finished part and recomputes the transfer's
// bytes_transferred in the same transaction
func (s *SQLiteStore) CompletePart(ctx context.Context, id string, partNumber int, tag string) (int64, error) {
	var transferred int64
	err := s.write(ctx, func(tx *sql.Tx) error {
		now := s.now()
		res, err := tx.ExecContext(ctx, `
		UPDATE parts SET state = ?, integrity_tag = ?, attempts = attempts + 1, last_error = '', updated_at = ?
		WHERE transfer_id = ? AND part_number = ? AND state = ?`,
			PartCompleted, tag, unixNano(now), id, partNumber, PartInProgress)
		if err != nil {
			return fmt.Errorf("failed to complete part %d: %w", partNumber, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%w: part %d of %s is not in progress", ErrInvalidTransition, partNumber, id)
		}

		transferred, err = recomputeBytes(ctx, tx, id, now)
		return err
	})
	return transferred, err
}

// ReleasePart returns an in-progress part to pending without counting an attempt
func (s *SQLiteStore) ReleasePart(ctx context.Context, id string, partNumber int) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
		UPDATE parts SET state = ?, updated_at = ?
		WHERE transfer_id = ? AND part_number = ? AND state = ?`,
			PartPending, unixNano(s.now()), id, partNumber, PartInProgress)
		return err
	})
}

// FailPart marks a part failed after its final attempt
func (s *SQLiteStore) FailPart(ctx context.Context, id string, partNumber int, errMsg string) error {
	return s.updatePart(ctx, id, partNumber, `state = ?, attempts = attempts + 1, last_error = ?`, PartFailed, errMsg)
}

// RequeueParts returns interrupted parts to pending. Callers hold the
// transfer's lease, so no live worker still owns those parts.
func (s *SQLiteStore) RequeueParts(ctx context.Context, id string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
		UPDATE parts SET state = ?, updated_at = ?
		WHERE transfer_id = ? AND state = ?`,
			PartPending, unixNano(s.now()), id, PartInProgress)
		return err
	})
}

// RetryFailedParts returns failed and interrupted parts to pending with a
// fresh attempt budget
func (s *SQLiteStore) RetryFailedParts(ctx context.Context, id string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
		UPDATE parts SET state = ?, attempts = 0, last_error = '', updated_at = ?
		WHERE transfer_id = ? AND state IN (?, ?)`,
			PartPending, unixNano(s.now()), id, PartFailed, PartInProgress)
		return err
	})
}

// ResetAllParts discards all progress, used when the provider session is gone
func (s *SQLiteStore) ResetAllParts(ctx context.Context, id string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		now := s.now()
		_, err := tx.ExecContext(ctx, `
		UPDATE parts SET state = ?, integrity_tag = '', attempts = 0, last_error = '', updated_at = ?
		WHERE transfer_id = ?`,
			PartPending, unixNano(now), id)
		if err != nil {
			return fmt.Errorf("failed to reset parts: %w", err)
		}
		_, err = recomputeBytes(ctx, tx, id, now)
		return err
	})
}

// DeleteParts removes every part of a transfer
func (s *SQLiteStore) DeleteParts(ctx context.Context, id string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM parts WHERE transfer_id = ?`, id)
		return err
	})
}

func (s *SQLiteStore) updatePart(ctx context.Context, id string, partNumber int, set string, args ...any) error {
	args = append(args, unixNano(s.now()), id, partNumber)
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE parts SET `+set+`, updated_at = ? WHERE transfer_id = ? AND part_number = ?`, args...)
		if err != nil {
			return fmt.Errorf("failed to update part %d: %w", partNumber, err)
		}
		return expectRow(res, fmt.Sprintf("part %d of %s", partNumber, id))
	})
}

func transferState(ctx context.Context, tx *sql.Tx, id string) (TransferState, error) {
	var state TransferState
	err := tx.QueryRowContext(ctx, `SELECT state FROM transfers WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: transfer %s", ErrNotFound, id)
	}
	return state, err
}

func recomputeBytes(ctx context.Context, tx *sql.Tx, id string, now time.Time) (int64, error) {
	_, err := tx.ExecContext(ctx, `
	UPDATE transfers SET
		bytes_transferred = (
			SELECT COALESCE(SUM(byte_length), 0) FROM parts
			WHERE transfer_id = ? AND state = ?
		),
		updated_at = ?
	WHERE id = ?`,
		id, PartCompleted, unixNano(now), id)
	if err != nil {
		return 0, fmt.Errorf("failed to update bytes transferred: %w", err)
	}

	var transferred int64
	err = tx.QueryRowContext(ctx, `SELECT bytes_transferred FROM transfers WHERE id = ?`, id).Scan(&transferred)
	return transferred, err
}

func expectRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return nil
}
