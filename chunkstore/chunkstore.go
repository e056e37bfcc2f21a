// Package chunkstore durably buffers inbound image chunks keyed by
// (device MAC, image name, chunk index), with set semantics and ordered
// readback. Rows carry a TTL and are reclaimed by a periodic sweep; the
// TTL is advisory in that expired rows remain readable until swept.
package chunkstore

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"
)

// DefaultTTL is how long a buffered chunk survives without being
// finalized, covering a device's sleep interval between resumed transfers.
const DefaultTTL = 30 * time.Minute

// Store buffers chunks in the shared relational database.
type Store struct {
	db  *sqlx.DB
	ttl time.Duration
	now func() time.Time
}

// New builds a Store over the shared handle with the default TTL.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, ttl: DefaultTTL, now: time.Now}
}

// SetTTL overrides the row TTL.
func (s *Store) SetTTL(ttl time.Duration) { s.ttl = ttl }

// SetClock overrides the time source. Used by tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func chunkKey(mac, imageName string, index int) string {
	return fmt.Sprintf("%s:%s:%d", mac, imageName, index)
}

// Store buffers one chunk. It is idempotent: a duplicate (mac, image,
// index) collapses onto the existing row and returns storedNew=false.
// Transient database errors are logged and surfaced as an error; the
// caller should request retransmission.
func (s *Store) Store(ctx context.Context, mac, imageName string, index int, data []byte) (storedNew bool, err error) {
	var now = s.now().UTC()
	var res, execErr = s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO device_image_chunks
		 (chunk_key, device_mac, image_name, chunk_index, chunk_data, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (chunk_key) DO NOTHING`),
		chunkKey(mac, imageName, index), mac, imageName, index, data, now, now.Add(s.ttl))
	if execErr != nil {
		log.WithFields(log.Fields{
			"mac":   mac,
			"image": imageName,
			"index": index,
			"error": execErr,
		}).Error("chunk store write failed")
		return false, fmt.Errorf("storing chunk %d of %s/%s: %w", index, mac, imageName, execErr)
	}
	var n, _ = res.RowsAffected()
	return n > 0, nil
}

// CountReceived returns how many distinct indices are buffered.
func (s *Store) CountReceived(ctx context.Context, mac, imageName string) (int, error) {
	var count int
	var err = s.db.GetContext(ctx, &count, s.db.Rebind(
		`SELECT COUNT(*) FROM device_image_chunks WHERE device_mac = ? AND image_name = ?`),
		mac, imageName)
	if err != nil {
		return 0, fmt.Errorf("counting chunks of %s/%s: %w", mac, imageName, err)
	}
	return count, nil
}

// Completeness reports whether at least total indices are buffered. The
// store does not know total_chunks; callers supply it from metadata.
func (s *Store) Completeness(ctx context.Context, mac, imageName string, total int) (bool, error) {
	var count, err = s.CountReceived(ctx, mac, imageName)
	if err != nil {
		return false, err
	}
	return count >= total, nil
}

// Missing returns {0 .. total-1} minus the buffered indices, ascending.
func (s *Store) Missing(ctx context.Context, mac, imageName string, total int) ([]int, error) {
	var present []int
	var err = s.db.SelectContext(ctx, &present, s.db.Rebind(
		`SELECT chunk_index FROM device_image_chunks WHERE device_mac = ? AND image_name = ?`),
		mac, imageName)
	if err != nil {
		return nil, fmt.Errorf("listing chunks of %s/%s: %w", mac, imageName, err)
	}

	var have = make(map[int]bool, len(present))
	for _, idx := range present {
		have[idx] = true
	}
	var missing []int
	for i := 0; i < total; i++ {
		if !have[i] {
			missing = append(missing, i)
		}
	}
	sort.Ints(missing)
	return missing, nil
}

// Assemble concatenates the buffered chunks in ascending index order.
// Returns nil bytes when the buffered count does not equal total.
func (s *Store) Assemble(ctx context.Context, mac, imageName string, total int) ([]byte, error) {
	var rows []struct {
		ChunkIndex int    `db:"chunk_index"`
		ChunkData  []byte `db:"chunk_data"`
	}
	var err = s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT chunk_index, chunk_data FROM device_image_chunks
		 WHERE device_mac = ? AND image_name = ? ORDER BY chunk_index ASC`),
		mac, imageName)
	if err != nil {
		return nil, fmt.Errorf("reading chunks of %s/%s: %w", mac, imageName, err)
	}
	if len(rows) != total {
		return nil, nil
	}

	var buf bytes.Buffer
	for _, row := range rows {
		buf.Write(row.ChunkData)
	}
	return buf.Bytes(), nil
}

// Clear deletes the key namespace for one image transfer.
func (s *Store) Clear(ctx context.Context, mac, imageName string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM device_image_chunks WHERE device_mac = ? AND image_name = ?`),
		mac, imageName); err != nil {
		return fmt.Errorf("clearing chunks of %s/%s: %w", mac, imageName, err)
	}
	return nil
}

// Sweep deletes expired rows and returns how many were reclaimed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	var res, err = s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM device_image_chunks WHERE expires_at < ?`), s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("sweeping expired chunks: %w", err)
	}
	var n, _ = res.RowsAffected()
	return int(n), nil
}
