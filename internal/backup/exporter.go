package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path"
	"time"

	"github.com/golang/snappy"

	"github.com/salvacell/offsync/internal/db"
	apperrors "github.com/salvacell/offsync/internal/errors"
	"github.com/salvacell/offsync/internal/logging"
	"github.com/salvacell/offsync/internal/uuid"
)

// FormatVersion is the envelope version written by Export.
const FormatVersion = 1

const keySuffix = ".json.sz"

// Source is the part of the local store a backup reads and restores.
type Source interface {
	Snapshot(ctx context.Context) (*db.Snapshot, error)
	Restore(ctx context.Context, snap *db.Snapshot) error
}

// envelope wraps a snapshot with enough metadata to verify it on restore.
type envelope struct {
	Version  int             `json:"version"`
	ID       string          `json:"id"`
	TakenAt  time.Time       `json:"takenAt"`
	Checksum string          `json:"checksum"`
	Snapshot json.RawMessage `json:"snapshot"`
}

// Manifest describes one exported backup.
type Manifest struct {
	Key      string    `json:"key"`
	ID       string    `json:"id"`
	TakenAt  time.Time `json:"takenAt"`
	Checksum string    `json:"checksum"`
	Bytes    int       `json:"bytes"`
	Records  int       `json:"records"`
	Queue    int       `json:"queue"`
}

// Exporter writes snappy-compressed JSON snapshots to an ObjectStore.
type Exporter struct {
	source Source
	store  ObjectStore
	prefix string
}

// NewExporter creates an Exporter writing under prefix.
func NewExporter(source Source, store ObjectStore, prefix string) *Exporter {
	if prefix == "" {
		prefix = "offsync"
	}
	return &Exporter{source: source, store: store, prefix: prefix}
}

// Export snapshots the local store and uploads it. Keys sort by time.
func (e *Exporter) Export(ctx context.Context) (*Manifest, error) {
	snap, err := e.source.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(snap)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrBackupFailed, "encode snapshot", err)
	}
	sum := sha256.Sum256(body)

	env := envelope{
		Version:  FormatVersion,
		ID:       uuid.New(),
		TakenAt:  snap.TakenAt.UTC(),
		Checksum: hex.EncodeToString(sum[:]),
		Snapshot: body,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrBackupFailed, "encode envelope", err)
	}
	compressed := snappy.Encode(nil, raw)

	key := path.Join(e.prefix, env.TakenAt.Format("20060102T150405.000000000Z")+"-"+env.ID[:8]+keySuffix)
	if err := e.store.Upload(ctx, key, compressed); err != nil {
		return nil, err
	}

	m := &Manifest{
		Key:      key,
		ID:       env.ID,
		TakenAt:  env.TakenAt,
		Checksum: env.Checksum,
		Bytes:    len(compressed),
		Queue:    len(snap.Queue),
	}
	for _, recs := range snap.Records {
		m.Records += len(recs)
	}

	logging.Info("Backup exported",
		map[string]interface{}{
			"key":     key,
			"bytes":   m.Bytes,
			"records": m.Records,
			"queue":   m.Queue,
		})
	return m, nil
}

// Load downloads and verifies the backup at key without applying it.
func (e *Exporter) Load(ctx context.Context, key string) (*db.Snapshot, error) {
	compressed, err := e.store.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrBackupFailed, "decompress "+key, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrBackupFailed, "decode envelope", err)
	}
	if env.Version != FormatVersion {
		return nil, apperrors.Newf(apperrors.ErrBackupFailed, "unsupported backup version %d", env.Version)
	}
	sum := sha256.Sum256(env.Snapshot)
	if hex.EncodeToString(sum[:]) != env.Checksum {
		return nil, apperrors.Newf(apperrors.ErrBackupFailed, "backup %s checksum mismatch", key)
	}

	var snap db.Snapshot
	if err := json.Unmarshal(env.Snapshot, &snap); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrBackupFailed, "decode snapshot", err)
	}
	return &snap, nil
}

// Restore replaces the local store with the backup at key.
func (e *Exporter) Restore(ctx context.Context, key string) error {
	snap, err := e.Load(ctx, key)
	if err != nil {
		return err
	}
	if err := e.source.Restore(ctx, snap); err != nil {
		return err
	}
	logging.Info("Backup restored", map[string]interface{}{"key": key, "taken_at": snap.TakenAt})
	return nil
}

// List returns backup keys, oldest first.
func (e *Exporter) List(ctx context.Context) ([]string, error) {
	keys, err := e.store.List(ctx, e.prefix+"/")
	if err != nil {
		return nil, err
	}
	out := keys[:0]
	for _, k := range keys {
		if path.Ext(k) == ".sz" {
			out = append(out, k)
		}
	}
	return out, nil
}

// Latest returns the newest backup key.
func (e *Exporter) Latest(ctx context.Context) (string, error) {
	keys, err := e.List(ctx)
	if err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "", apperrors.New(apperrors.ErrNotFound, "no backups")
	}
	return keys[len(keys)-1], nil
}

// Prune deletes all but the newest keep backups.
func (e *Exporter) Prune(ctx context.Context, keep int) (int, error) {
	keys, err := e.List(ctx)
	if err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	removed := 0
	for i := 0; i < len(keys)-keep; i++ {
		if err := e.store.Delete(ctx, keys[i]); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
