package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/threadkeep/internal/ir"
)

// ErrStaleSnapshot is returned by PutWarmSnapshot when another writer
// stored a newer version first.
var ErrStaleSnapshot = errors.New("warm snapshot version is stale")

// WarmSnapshot is the persisted form of an owner's warm memory.
// Data is opaque JSON owned by the warm package.
type WarmSnapshot struct {
	Owner     ir.Owner
	Version   int64
	Data      []byte
	UpdatedAt time.Time
}

// GetWarmSnapshot returns the stored snapshot for owner, or found == false.
func (q *Queries) GetWarmSnapshot(ctx context.Context, owner ir.Owner) (snap WarmSnapshot, found bool, err error) {
	var (
		data      string
		updatedAt string
	)
	err = q.q.QueryRowContext(ctx, `
		SELECT version, data, updated_at FROM warm_snapshots
		WHERE owner_type = ? AND owner_id = ?
	`, owner.Type.String(), owner.ID).Scan(&snap.Version, &data, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return WarmSnapshot{}, false, nil
	}
	if err != nil {
		return WarmSnapshot{}, false, fmt.Errorf("get warm snapshot: %w", err)
	}
	snap.Owner = owner
	snap.Data = []byte(data)
	if snap.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return WarmSnapshot{}, false, err
	}
	return snap, true, nil
}

// PutWarmSnapshot stores snap if the stored version is exactly snap.Version-1
// (or absent and snap.Version == 1). Readers therefore only ever see complete
// snapshots, and lost updates surface as ErrStaleSnapshot.
func (q *Queries) PutWarmSnapshot(ctx context.Context, snap WarmSnapshot) error {
	if snap.Version < 1 {
		return fmt.Errorf("put warm snapshot: version must be >= 1, got %d", snap.Version)
	}

	var (
		res sql.Result
		err error
	)
	if snap.Version == 1 {
		res, err = q.q.ExecContext(ctx, `
			INSERT INTO warm_snapshots (owner_type, owner_id, version, data, updated_at)
			VALUES (?, ?, 1, ?, ?)
			ON CONFLICT(owner_type, owner_id) DO NOTHING
		`, snap.Owner.Type.String(), snap.Owner.ID, string(snap.Data), formatTime(snap.UpdatedAt))
	} else {
		res, err = q.q.ExecContext(ctx, `
			UPDATE warm_snapshots SET version = ?, data = ?, updated_at = ?
			WHERE owner_type = ? AND owner_id = ? AND version = ?
		`, snap.Version, string(snap.Data), formatTime(snap.UpdatedAt),
			snap.Owner.Type.String(), snap.Owner.ID, snap.Version-1)
	}
	if err != nil {
		return fmt.Errorf("put warm snapshot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("put warm snapshot: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("put warm snapshot v%d for %s: %w", snap.Version, snap.Owner.Key(), ErrStaleSnapshot)
	}
	return nil
}

// ListWarmOwners returns every owner with a stored snapshot.
func (q *Queries) ListWarmOwners(ctx context.Context) ([]ir.Owner, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT owner_type, owner_id FROM warm_snapshots
		ORDER BY owner_type ASC, owner_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query warm owners: %w", err)
	}
	defer rows.Close()

	owners := []ir.Owner{}
	for rows.Next() {
		var ownerType, ownerID string
		if err := rows.Scan(&ownerType, &ownerID); err != nil {
			return nil, fmt.Errorf("scan warm owner: %w", err)
		}
		t, err := ir.ParseOwnerType(ownerType)
		if err != nil {
			return nil, err
		}
		owners = append(owners, ir.Owner{ID: ownerID, Type: t})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate warm owners: %w", err)
	}
	return owners, nil
}
