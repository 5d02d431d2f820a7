package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const folderColumns = `id, local_path, remote_prefix, enabled, last_sync_at, created_at`

func scanFolder(row rowScanner) (*SyncFolder, error) {
	var f SyncFolder
	var lastSync, created int64
	if err := row.Scan(&f.ID, &f.LocalPath, &f.RemotePrefix, &f.Enabled, &lastSync, &created); err != nil {
		return nil, err
	}
	f.LastSyncAt = fromUnixNano(lastSync)
	f.CreatedAt = fromUnixNano(created)
	return &f, nil
}

// AddSyncFolder registers a local directory for backup under remotePrefix
func (s *SQLiteStore) AddSyncFolder(ctx context.Context, localPath, remotePrefix string) (*SyncFolder, error) {
	folder := &SyncFolder{
		LocalPath:    localPath,
		RemotePrefix: remotePrefix,
		Enabled:      true,
		CreatedAt:    s.now(),
	}
	err := s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
		INSERT INTO sync_folders (local_path, remote_prefix, enabled, created_at)
		VALUES (?, ?, ?, ?)`,
			localPath, remotePrefix, true, unixNano(folder.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert sync folder: %w", err)
		}
		folder.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return folder, nil
}

// GetSyncFolder retrieves a sync folder by id
func (s *SQLiteStore) GetSyncFolder(ctx context.Context, id int64) (*SyncFolder, error) {
	var result *SyncFolder
	err := s.read(ctx, func() error {
		row := s.db.QueryRowContext(ctx, `SELECT `+folderColumns+` FROM sync_folders WHERE id = ?`, id)
		f, err := scanFolder(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: sync folder %d", ErrNotFound, id)
		}
		result = f
		return err
	})
	return result, err
}

// ListSyncFolders returns every configured sync folder
func (s *SQLiteStore) ListSyncFolders(ctx context.Context) ([]*SyncFolder, error) {
	var folders []*SyncFolder
	err := s.read(ctx, func() error {
		folders = folders[:0]
		rows, err := s.db.QueryContext(ctx, `SELECT `+folderColumns+` FROM sync_folders ORDER BY id ASC`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			f, err := scanFolder(rows)
			if err != nil {
				return err
			}
			folders = append(folders, f)
		}
		return rows.Err()
	})
	return folders, err
}

// SetSyncFolderEnabled turns reconciliation for a folder on or off
func (s *SQLiteStore) SetSyncFolderEnabled(ctx context.Context, id int64, enabled bool) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE sync_folders SET enabled = ? WHERE id = ?`, enabled, id)
		if err != nil {
			return fmt.Errorf("failed to update sync folder: %w", err)
		}
		return expectRow(res, fmt.Sprintf("sync folder %d", id))
	})
}

// RemoveSyncFolder deletes a folder and its recorded sync state
func (s *SQLiteStore) RemoveSyncFolder(ctx context.Context, id int64) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_state WHERE folder_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete sync state: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM sync_folders WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete sync folder: %w", err)
		}
		return expectRow(res, fmt.Sprintf("sync folder %d", id))
	})
}

// MarkSynced stamps the time of the last completed reconciliation pass
func (s *SQLiteStore) MarkSynced(ctx context.Context, id int64, at time.Time) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE sync_folders SET last_sync_at = ? WHERE id = ?`, unixNano(at), id)
		if err != nil {
			return fmt.Errorf("failed to mark sync folder: %w", err)
		}
		return expectRow(res, fmt.Sprintf("sync folder %d", id))
	})
}

// GetSyncStates returns the recorded state of every synced file, keyed by relative path
func (s *SQLiteStore) GetSyncStates(ctx context.Context, folderID int64) (map[string]SyncState, error) {
	states := make(map[string]SyncState)
	err := s.read(ctx, func() error {
		clear(states)
		rows, err := s.db.QueryContext(ctx, `
		SELECT folder_id, rel_path, size, mod_time, etag, synced_at
		FROM sync_state WHERE folder_id = ?`, folderID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var st SyncState
			var modTime, syncedAt int64
			if err := rows.Scan(&st.FolderID, &st.RelPath, &st.Size, &modTime, &st.ETag, &syncedAt); err != nil {
				return err
			}
			st.ModTime = fromUnixNano(modTime)
			st.SyncedAt = fromUnixNano(syncedAt)
			states[st.RelPath] = st
		}
		return rows.Err()
	})
	return states, err
}

// SaveSyncState records the local file state that produced a remote object
func (s *SQLiteStore) SaveSyncState(ctx context.Context, state SyncState) error {
	if state.SyncedAt.IsZero() {
		state.SyncedAt = s.now()
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_state (folder_id, rel_path, size, mod_time, etag, synced_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(folder_id, rel_path) DO UPDATE SET
			size = excluded.size,
			mod_time = excluded.mod_time,
			etag = excluded.etag,
			synced_at = excluded.synced_at`,
			state.FolderID,
			state.RelPath,
			state.Size,
			unixNano(state.ModTime),
			state.ETag,
			unixNano(state.SyncedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to save sync state: %w", err)
		}
		return nil
	})
}

// CachedListing returns the cached entries under prefix and when they were
// refreshed. A zero time means the prefix was never listed.
func (s *SQLiteStore) CachedListing(ctx context.Context, prefix string) ([]RemoteEntry, time.Time, error) {
	var (
		entries   []RemoteEntry
		refreshed time.Time
	)
	err := s.read(ctx, func() error {
		entries = entries[:0]
		refreshed = time.Time{}

		var at int64
		err := s.db.QueryRowContext(ctx, `SELECT refreshed_at FROM remote_listings WHERE prefix = ?`, prefix).Scan(&at)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		refreshed = fromUnixNano(at)

		rows, err := s.db.QueryContext(ctx, `
		SELECT object_key, size, etag, last_modified
		FROM remote_entries WHERE prefix = ? ORDER BY object_key ASC`, prefix)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var e RemoteEntry
			var modified int64
			if err := rows.Scan(&e.Key, &e.Size, &e.ETag, &modified); err != nil {
				return err
			}
			e.LastModified = fromUnixNano(modified)
			entries = append(entries, e)
		}
		return rows.Err()
	})
	return entries, refreshed, err
}

// ReplaceListing swaps the cached entries for prefix with a fresh listing
func (s *SQLiteStore) ReplaceListing(ctx context.Context, prefix string, entries []RemoteEntry, at time.Time) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM remote_entries WHERE prefix = ?`, prefix); err != nil {
			return fmt.Errorf("failed to clear listing: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO remote_entries (prefix, object_key, size, etag, last_modified)
		VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare listing insert: %w", err)
		}
		defer stmt.Close()

		for _, e := range entries {
			if _, err := stmt.ExecContext(ctx, prefix, e.Key, e.Size, e.ETag, unixNano(e.LastModified)); err != nil {
				return fmt.Errorf("failed to insert listing entry %s: %w", e.Key, err)
			}
		}

		_, err = tx.ExecContext(ctx, `
		INSERT INTO remote_listings (prefix, refreshed_at) VALUES (?, ?)
		ON CONFLICT(prefix) DO UPDATE SET refreshed_at = excluded.refreshed_at`,
			prefix, unixNano(at))
		return err
	})
}

// UpsertListingEntry updates one cached entry in place
func (s *SQLiteStore) UpsertListingEntry(ctx context.Context, prefix string, entry RemoteEntry) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO remote_entries (prefix, object_key, size, etag, last_modified)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(prefix, object_key) DO UPDATE SET
			size = excluded.size,
			etag = excluded.etag,
			last_modified = excluded.last_modified`,
			prefix, entry.Key, entry.Size, entry.ETag, unixNano(entry.LastModified))
		if err != nil {
			return fmt.Errorf("failed to upsert listing entry: %w", err)
		}
		return nil
	})
}

// InvalidateListing drops the cached listing for prefix
func (s *SQLiteStore) InvalidateListing(ctx context.Context, prefix string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM remote_entries WHERE prefix = ?`, prefix); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM remote_listings WHERE prefix = ?`, prefix)
		return err
	})
}

var _ Store = (*SQLiteStore)(nil)
