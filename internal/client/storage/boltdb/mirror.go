package boltdb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/iudanet/benchkeeper/internal/client/storage"
	"github.com/iudanet/benchkeeper/internal/models"
)

// GetAsset returns the mirror record of an asset
func (s *Storage) GetAsset(ctx context.Context, tag string) (*models.Asset, error) {
	var asset *models.Asset

	err := s.view(func(tx *bbolt.Tx) error {
		var err error
		asset, err = getAsset(tx.Bucket(bucketAssets), tag)
		return err
	})
	if err != nil {
		return nil, err
	}

	return asset, nil
}

// ListAssets returns mirror records matching the filter ordered by tag
func (s *Storage) ListAssets(ctx context.Context, filter models.AssetFilter) ([]*models.Asset, error) {
	assets := make([]*models.Asset, 0)

	err := s.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAssets).ForEach(func(k, v []byte) error {
			asset := &models.Asset{}
			if err := json.Unmarshal(v, asset); err != nil {
				return fmt.Errorf("failed to unmarshal asset %s: %w", k, err)
			}
			if filter.Match(asset) {
				assets = append(assets, asset)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return assets, nil
}

// CreateAsset records a newly sighted asset in the mirror and the base snapshot
func (s *Storage) CreateAsset(ctx context.Context, asset *models.Asset) error {
	if asset == nil || asset.Tag == "" {
		return fmt.Errorf("%w: empty asset tag", models.ErrInvalidEvent)
	}

	return s.update(func(tx *bbolt.Tx) error {
		assets := tx.Bucket(bucketAssets)
		if assets.Get([]byte(asset.Tag)) != nil {
			return fmt.Errorf("%w: %s", storage.ErrAssetExists, asset.Tag)
		}
		if err := putAsset(tx.Bucket(bucketSnapshot), asset); err != nil {
			return err
		}
		return putAsset(assets, asset)
	})
}

// ApplySnapshot records server state and advances the pull cursor
func (s *Storage) ApplySnapshot(ctx context.Context, serverAssets []*models.Asset, cursor time.Time) error {
	return s.update(func(tx *bbolt.Tx) error {
		pending, err := pendingTags(tx)
		if err != nil {
			return err
		}

		snapshot := tx.Bucket(bucketSnapshot)
		mirror := tx.Bucket(bucketAssets)
		for _, asset := range serverAssets {
			if err := putAsset(snapshot, asset); err != nil {
				return err
			}
			// Активы с неподтвержденными операциями не трогаем до их завершения
			if pending[asset.Tag] {
				continue
			}
			if err := putAsset(mirror, asset); err != nil {
				return err
			}
		}

		if cursor.IsZero() {
			return nil
		}
		return putCursor(tx, cursor)
	})
}

// RebuildMirror recomputes the mirror from the snapshot plus non-terminal operations
func (s *Storage) RebuildMirror(ctx context.Context) error {
	return s.update(func(tx *bbolt.Tx) error {
		tags := make(map[string]bool)
		if err := tx.Bucket(bucketSnapshot).ForEach(func(k, _ []byte) error {
			tags[string(k)] = true
			return nil
		}); err != nil {
			return err
		}

		pending, err := pendingTags(tx)
		if err != nil {
			return err
		}
		for tag := range pending {
			tags[tag] = true
		}

		for tag := range tags {
			if err := recomputeMirror(tx, tag, nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// recomputeMirror пересчитывает зеркало актива: снимок сервера плюс
// незавершенные операции в порядке очереди. fallback используется, если снимка нет.
func recomputeMirror(tx *bbolt.Tx, tag string, fallback *models.Asset) error {
	base, err := getAsset(tx.Bucket(bucketSnapshot), tag)
	if err != nil && !isNotFound(err) {
		return err
	}

	ops, err := nonTerminalOps(tx, tag)
	if err != nil {
		return err
	}

	if base == nil {
		switch {
		case len(ops) > 0 && ops[0].Before != nil:
			base = ops[0].Before.Clone()
		case fallback != nil:
			base = fallback.Clone()
		default:
			return nil
		}
	}

	for _, op := range ops {
		replay(base, op)
	}

	return putAsset(tx.Bucket(bucketAssets), base)
}

// replay применяет операцию к активу; недопустимые переходы пропускаются,
// такие операции будут помечены конфликтными при доставке
func replay(asset *models.Asset, op *models.PendingOperation) {
	switch op.Kind {
	case models.OperationCheck:
		_ = op.Event.ApplyTo(asset, op.Event.ClientTimestamp)
	case models.OperationAnnotation:
		op.Annotation.ApplyTo(asset, op.Annotation.ClientTimestamp)
	}
}

func getAsset(bucket *bbolt.Bucket, tag string) (*models.Asset, error) {
	data := bucket.Get([]byte(tag))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", storage.ErrAssetNotFound, tag)
	}

	asset := &models.Asset{}
	if err := json.Unmarshal(data, asset); err != nil {
		return nil, fmt.Errorf("failed to unmarshal asset: %w", err)
	}

	return asset, nil
}

func putAsset(bucket *bbolt.Bucket, asset *models.Asset) error {
	// Сериализуем asset в JSON
	data, err := json.Marshal(asset)
	if err != nil {
		return fmt.Errorf("failed to marshal asset: %w", err)
	}

	if err := bucket.Put([]byte(asset.Tag), data); err != nil {
		return fmt.Errorf("failed to save asset: %w", err)
	}

	return nil
}
