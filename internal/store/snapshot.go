package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/scenehost/internal/crdt"
	"github.com/roach88/scenehost/internal/ecs"
)

// SceneInfo summarizes one stored snapshot.
type SceneInfo struct {
	SceneID string    `json:"scene_id"`
	SavedAt time.Time `json:"saved_at"`
	LWW     int       `json:"lww"`
	Grow    int       `json:"grow"`
}

// SaveSnapshot replaces the stored snapshot for sceneID with u.
// Implements lifecycle.Persister.
func (s *Store) SaveSnapshot(ctx context.Context, sceneID string, u crdt.Updates) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", sceneID, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO scene_meta (scene_id, saved_at, lww_count, grow_count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(scene_id) DO UPDATE SET
			saved_at = excluded.saved_at,
			lww_count = excluded.lww_count,
			grow_count = excluded.grow_count
	`, sceneID, s.now().UnixMilli(), len(u.LWW), len(u.Appends)); err != nil {
		return fmt.Errorf("save snapshot %s: meta: %w", sceneID, err)
	}
	for _, table := range []string{"scene_lww", "scene_grow", "scene_deleted"} {
		if _, err = tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE scene_id = ?", sceneID); err != nil {
			return fmt.Errorf("save snapshot %s: clear %s: %w", sceneID, table, err)
		}
	}

	if err = insertLWW(ctx, tx, sceneID, u.LWW); err != nil {
		return fmt.Errorf("save snapshot %s: %w", sceneID, err)
	}
	if err = insertGrow(ctx, tx, sceneID, u.Appends); err != nil {
		return fmt.Errorf("save snapshot %s: %w", sceneID, err)
	}
	if err = insertDeleted(ctx, tx, sceneID, u.DeletedEntities); err != nil {
		return fmt.Errorf("save snapshot %s: %w", sceneID, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("save snapshot %s: commit: %w", sceneID, err)
	}
	return nil
}

func insertLWW(ctx context.Context, tx *sql.Tx, sceneID string, lww []crdt.LWWUpdate) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO scene_lww (scene_id, component, entity, ts, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scene_id, component, entity) DO UPDATE SET
			ts = excluded.ts, data = excluded.data
		WHERE excluded.ts > scene_lww.ts
	`)
	if err != nil {
		return fmt.Errorf("prepare lww: %w", err)
	}
	defer stmt.Close()

	for _, v := range lww {
		var data any
		if !v.Deleted {
			data = nonNil(v.Data)
		}
		if _, err := stmt.ExecContext(ctx, sceneID, int64(v.Component), int64(v.Entity.Pack()), int64(v.Timestamp), data); err != nil {
			return fmt.Errorf("insert lww %d/%s: %w", v.Component, v.Entity, err)
		}
	}
	return nil
}

func insertGrow(ctx context.Context, tx *sql.Tx, sceneID string, appends []crdt.AppendUpdate) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO scene_grow (scene_id, component, entity, position, data)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare grow: %w", err)
	}
	defer stmt.Close()

	positions := make(map[crdt.Key]int)
	for _, a := range appends {
		k := crdt.Key{Component: a.Component, Entity: a.Entity}
		pos := positions[k]
		positions[k] = pos + 1
		if _, err := stmt.ExecContext(ctx, sceneID, int64(a.Component), int64(a.Entity.Pack()), pos, nonNil(a.Data)); err != nil {
			return fmt.Errorf("insert grow %d/%s: %w", a.Component, a.Entity, err)
		}
	}
	return nil
}

func insertDeleted(ctx context.Context, tx *sql.Tx, sceneID string, deleted []ecs.EntityID) error {
	for _, e := range deleted {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO scene_deleted (scene_id, entity) VALUES (?, ?)
			ON CONFLICT DO NOTHING
		`, sceneID, int64(e.Pack())); err != nil {
			return fmt.Errorf("insert deleted %s: %w", e, err)
		}
	}
	return nil
}

// LoadSnapshot returns the stored snapshot for sceneID, or false if none
// was saved. Implements lifecycle.Persister.
func (s *Store) LoadSnapshot(ctx context.Context, sceneID string) (crdt.Updates, bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM scene_meta WHERE scene_id = ?", sceneID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return crdt.Updates{}, false, nil
	}
	if err != nil {
		return crdt.Updates{}, false, fmt.Errorf("load snapshot %s: %w", sceneID, err)
	}

	var u crdt.Updates
	if u.LWW, err = s.loadLWW(ctx, sceneID); err != nil {
		return crdt.Updates{}, false, fmt.Errorf("load snapshot %s: %w", sceneID, err)
	}
	if u.Appends, err = s.loadGrow(ctx, sceneID); err != nil {
		return crdt.Updates{}, false, fmt.Errorf("load snapshot %s: %w", sceneID, err)
	}
	if u.DeletedEntities, err = s.loadDeleted(ctx, sceneID); err != nil {
		return crdt.Updates{}, false, fmt.Errorf("load snapshot %s: %w", sceneID, err)
	}
	return u, true, nil
}

func (s *Store) loadLWW(ctx context.Context, sceneID string) ([]crdt.LWWUpdate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT component, entity, ts, data FROM scene_lww
		WHERE scene_id = ?
		ORDER BY component ASC, (entity & 65535) ASC, (entity >> 16) ASC
	`, sceneID)
	if err != nil {
		return nil, fmt.Errorf("query lww: %w", err)
	}
	defer rows.Close()

	var out []crdt.LWWUpdate
	for rows.Next() {
		var (
			component, entity, ts int64
			data                  []byte
		)
		if err := rows.Scan(&component, &entity, &ts, &data); err != nil {
			return nil, fmt.Errorf("scan lww: %w", err)
		}
		out = append(out, crdt.LWWUpdate{
			Component: ecs.ComponentID(component),
			Entity:    ecs.Unpack(uint32(entity)),
			Timestamp: crdt.Timestamp(ts),
			Data:      data,
			Deleted:   data == nil,
		})
	}
	return out, rows.Err()
}

func (s *Store) loadGrow(ctx context.Context, sceneID string) ([]crdt.AppendUpdate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT component, entity, data FROM scene_grow
		WHERE scene_id = ?
		ORDER BY component ASC, (entity & 65535) ASC, (entity >> 16) ASC, position ASC
	`, sceneID)
	if err != nil {
		return nil, fmt.Errorf("query grow: %w", err)
	}
	defer rows.Close()

	var out []crdt.AppendUpdate
	for rows.Next() {
		var (
			component, entity int64
			data              []byte
		)
		if err := rows.Scan(&component, &entity, &data); err != nil {
			return nil, fmt.Errorf("scan grow: %w", err)
		}
		out = append(out, crdt.AppendUpdate{
			Component: ecs.ComponentID(component),
			Entity:    ecs.Unpack(uint32(entity)),
			Data:      nonNil(data),
		})
	}
	return out, rows.Err()
}

func (s *Store) loadDeleted(ctx context.Context, sceneID string) ([]ecs.EntityID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity FROM scene_deleted WHERE scene_id = ? ORDER BY entity ASC
	`, sceneID)
	if err != nil {
		return nil, fmt.Errorf("query deleted: %w", err)
	}
	defer rows.Close()

	var out []ecs.EntityID
	for rows.Next() {
		var entity int64
		if err := rows.Scan(&entity); err != nil {
			return nil, fmt.Errorf("scan deleted: %w", err)
		}
		out = append(out, ecs.Unpack(uint32(entity)))
	}
	return out, rows.Err()
}

// ListScenes returns every stored snapshot ordered by scene id.
func (s *Store) ListScenes(ctx context.Context) ([]SceneInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scene_id, saved_at, lww_count, grow_count FROM scene_meta
		ORDER BY scene_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list scenes: %w", err)
	}
	defer rows.Close()

	var out []SceneInfo
	for rows.Next() {
		var (
			info    SceneInfo
			savedAt int64
		)
		if err := rows.Scan(&info.SceneID, &savedAt, &info.LWW, &info.Grow); err != nil {
			return nil, fmt.Errorf("list scenes: scan: %w", err)
		}
		info.SavedAt = time.UnixMilli(savedAt).UTC()
		out = append(out, info)
	}
	return out, rows.Err()
}

// DeleteSnapshot removes the snapshot for sceneID. Missing ids are not an
// error.
func (s *Store) DeleteSnapshot(ctx context.Context, sceneID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM scene_meta WHERE scene_id = ?", sceneID); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", sceneID, err)
	}
	return nil
}

// nonNil keeps empty payloads distinct from tombstones in the BLOB column.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
