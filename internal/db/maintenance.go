package db

import (
	"context"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/salvacell/offsync/internal/models"
)

// =====================================================
// Maintenance Operations
// =====================================================

// StorageInfo describes the on-disk footprint of the local store.
type StorageInfo struct {
	Path       string         `json:"path"`
	FileBytes  int64          `json:"fileBytes"`
	PageSize   int64          `json:"pageSize"`
	PageCount  int64          `json:"pageCount"`
	FreePages  int64          `json:"freePages"`
	Records    map[string]int `json:"records"`
	QueueRows  int            `json:"queueRows"`
	CacheRows  int            `json:"cacheRows"`
	HumanSize  string         `json:"humanSize"`
	HumanInUse string         `json:"humanInUse"`
}

// Snapshot is a point-in-time copy of every local table, used for backups.
type Snapshot struct {
	TakenAt time.Time                   `json:"takenAt"`
	Records map[string][]*models.Record `json:"records"`
	Queue   []*models.PendingOperation  `json:"queue"`
	Config  map[string]string           `json:"config"`
}

// CleanOldData removes expired cache rows and synced orders last updated
// before now-olderThan. It returns the number of orders removed.
func (r *Repository) CleanOldData(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := r.now()
	var removed int64
	err := r.RunInTx(ctx, func(tx *Repository) error {
		if _, err := tx.DeleteExpiredCache(ctx, now); err != nil {
			return err
		}
		res, err := tx.q.ExecContext(ctx, `
			DELETE FROM entities
			WHERE entity = ? AND sync_status = 'synced' AND updated_at < ?
		`, models.EntityOrden, toNanos(now.Add(-olderThan)))
		if err != nil {
			return ioErr("clean old orders", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}

// ClearAll empties every data table. Migrations are left in place.
func (r *Repository) ClearAll(ctx context.Context) error {
	return r.RunInTx(ctx, func(tx *Repository) error {
		for _, table := range []string{"entities", "sync_queue", "config", "api_cache"} {
			if _, err := tx.q.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return ioErr("clear "+table, err)
			}
		}
		return nil
	})
}

// StorageInfo reports page usage, row counts and, when path names a file,
// its size on disk.
func (r *Repository) StorageInfo(ctx context.Context, path string) (*StorageInfo, error) {
	info := &StorageInfo{Path: path, Records: map[string]int{}}

	pragmas := map[string]*int64{
		"page_size":      &info.PageSize,
		"page_count":     &info.PageCount,
		"freelist_count": &info.FreePages,
	}
	for name, dst := range pragmas {
		if err := r.q.QueryRowContext(ctx, `PRAGMA `+name).Scan(dst); err != nil {
			return nil, ioErr("pragma "+name, err)
		}
	}

	rows, err := r.q.QueryContext(ctx, `SELECT entity, COUNT(*) FROM entities GROUP BY entity`)
	if err != nil {
		return nil, ioErr("count records", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			entity string
			n      int
		)
		if err := rows.Scan(&entity, &n); err != nil {
			return nil, ioErr("count records", err)
		}
		info.Records[entity] = n
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("count records", err)
	}

	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&info.QueueRows); err != nil {
		return nil, ioErr("count queue", err)
	}
	if info.CacheRows, err = r.CountCache(ctx); err != nil {
		return nil, err
	}

	if path != "" && path != ":memory:" {
		if st, err := os.Stat(path); err == nil {
			info.FileBytes = st.Size()
		}
	}

	info.HumanSize = humanize.Bytes(uint64(info.FileBytes))
	info.HumanInUse = humanize.Bytes(uint64((info.PageCount - info.FreePages) * info.PageSize))
	return info, nil
}

// Snapshot reads every record, queue row and config entry in one transaction.
func (r *Repository) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		TakenAt: r.now(),
		Records: map[string][]*models.Record{},
		Config:  map[string]string{},
	}

	err := r.RunInTx(ctx, func(tx *Repository) error {
		rows, err := tx.q.QueryContext(ctx, `SELECT `+recordColumns+` FROM entities ORDER BY entity, id`)
		if err != nil {
			return ioErr("snapshot records", err)
		}
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				rows.Close()
				return ioErr("snapshot records", err)
			}
			snap.Records[rec.Entity] = append(snap.Records[rec.Entity], rec)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return ioErr("snapshot records", err)
		}
		rows.Close()

		if snap.Queue, err = tx.ListQueueByStatus(ctx); err != nil {
			return err
		}

		cfgRows, err := tx.q.QueryContext(ctx, `SELECT key, value FROM config ORDER BY key`)
		if err != nil {
			return ioErr("snapshot config", err)
		}
		defer cfgRows.Close()
		for cfgRows.Next() {
			var k, v string
			if err := cfgRows.Scan(&k, &v); err != nil {
				return ioErr("snapshot config", err)
			}
			snap.Config[k] = v
		}
		return cfgRows.Err()
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Restore replaces every table with the contents of snap. Queue rows keep
// their ids, statuses and retry counts.
func (r *Repository) Restore(ctx context.Context, snap *Snapshot) error {
	return r.RunInTx(ctx, func(tx *Repository) error {
		if err := tx.ClearAll(ctx); err != nil {
			return err
		}
		for _, recs := range snap.Records {
			for _, rec := range recs {
				if err := tx.writeRecord(ctx, rec); err != nil {
					return err
				}
			}
		}
		for _, op := range snap.Queue {
			var payload interface{}
			if len(op.Payload) > 0 {
				payload = string(op.Payload)
			}
			var errMsg interface{}
			if op.Error != "" {
				errMsg = op.Error
			}
			_, err := tx.q.ExecContext(ctx, `
				INSERT INTO sync_queue (`+queueColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, op.ID, string(op.Action), op.Entity, op.EntityID, toNanos(op.Timestamp), payload,
				string(op.Status), op.RetryCount, nullableNanos(op.LastAttempt), errMsg)
			if err != nil {
				return ioErr("restore queue", err)
			}
		}
		for k, v := range snap.Config {
			if err := tx.SetConfig(ctx, k, v); err != nil {
				return err
			}
		}
		return nil
	})
}
