package boltdb

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	keyLastSyncCursor = "last_sync_cursor"
)

// LastSyncCursor retrieves the server update time of the last pulled asset
// Returns zero time if no pull has been performed yet
func (s *Storage) LastSyncCursor(ctx context.Context) (time.Time, error) {
	var cursor time.Time

	err := s.view(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMetadata)
		if bucket == nil {
			return fmt.Errorf("metadata bucket not found")
		}

		// Получаем cursor
		raw := bucket.Get([]byte(keyLastSyncCursor))
		if raw == nil {
			// Первая синхронизация
			return nil
		}

		cursor = time.Unix(0, int64(binary.BigEndian.Uint64(raw))).UTC()
		return nil
	})

	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get last sync cursor: %w", err)
	}

	return cursor, nil
}

// putCursor сохраняет cursor, не сдвигая его назад
func putCursor(tx *bbolt.Tx, cursor time.Time) error {
	bucket := tx.Bucket(bucketMetadata)
	if bucket == nil {
		return fmt.Errorf("metadata bucket not found")
	}

	if raw := bucket.Get([]byte(keyLastSyncCursor)); raw != nil {
		current := int64(binary.BigEndian.Uint64(raw))
		if cursor.UnixNano() <= current {
			return nil
		}
	}

	// Конвертируем int64 в bytes
	cursorBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(cursorBytes, uint64(cursor.UnixNano()))

	if err := bucket.Put([]byte(keyLastSyncCursor), cursorBytes); err != nil {
		return fmt.Errorf("failed to save last sync cursor: %w", err)
	}

	return nil
}
