package boltdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/iudanet/benchkeeper/internal/client/storage"
	"github.com/iudanet/benchkeeper/internal/models"
)

// ApplyLocally validates the operation against the mirror and enqueues it
func (s *Storage) ApplyLocally(ctx context.Context, op *models.PendingOperation) (*models.Asset, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}

	var result *models.Asset

	err := s.update(func(tx *bbolt.Tx) error {
		id := []byte(op.ID())
		assets := tx.Bucket(bucketAssets)

		// Повторное применение того же id ничего не добавляет в очередь
		if tx.Bucket(bucketIndex).Get(id) != nil || tx.Bucket(bucketArchive).Get(id) != nil {
			var err error
			result, err = getAsset(assets, op.AssetTag())
			return err
		}

		asset, err := getAsset(assets, op.AssetTag())
		if err != nil {
			return err
		}
		before := asset.Clone()

		switch op.Kind {
		case models.OperationCheck:
			op.Event.PrevEventID = asset.LastEventID
			if err := op.Event.ApplyTo(asset, op.Event.ClientTimestamp); err != nil {
				return err
			}
		case models.OperationAnnotation:
			op.Annotation.ApplyTo(asset, op.Annotation.ClientTimestamp)
		default:
			return fmt.Errorf("%w: unknown operation kind %q", models.ErrInvalidEvent, op.Kind)
		}

		md := before.Metadata()
		op.Before = before
		op.NewAsset = &md
		op.State = models.DeliveryQueued
		op.CreatedAt = s.clock.Now()

		queue := tx.Bucket(bucketQueue)
		seq, err := queue.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}
		op.Seq = seq

		key := seqKey(seq)
		if err := putOp(queue, key, op); err != nil {
			return err
		}
		if err := tx.Bucket(bucketIndex).Put(id, key); err != nil {
			return fmt.Errorf("failed to index operation: %w", err)
		}
		if err := putAsset(assets, asset); err != nil {
			return err
		}

		result = asset
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// NextPending returns the head of the queue if it can be delivered now
func (s *Storage) NextPending(ctx context.Context) (*models.PendingOperation, error) {
	var next *models.PendingOperation
	now := s.clock.Now()

	err := s.view(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketQueue).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			op, err := decodeOp(v)
			if err != nil {
				return err
			}

			switch op.State {
			case models.DeliveryQueued:
				next = op
				return nil
			case models.DeliveryInFlight:
				// Строгий FIFO: пока голова в полете, следующие не выдаются
				if op.InFlightSince == nil || now.Sub(*op.InFlightSince) >= s.inFlightTimeout {
					next = op
				}
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return next, nil
}

// MarkInFlight records a delivery attempt
func (s *Storage) MarkInFlight(ctx context.Context, id string) error {
	return s.mutateOp(id, func(tx *bbolt.Tx, key []byte, op *models.PendingOperation) error {
		if op.State.Terminal() {
			return fmt.Errorf("%w: %s is %s", storage.ErrInvalidDeliveryState, id, op.State)
		}
		now := s.clock.Now()
		op.State = models.DeliveryInFlight
		op.InFlightSince = &now
		op.Attempts++
		return nil
	})
}

// Requeue returns an operation to QUEUED after a transient failure
func (s *Storage) Requeue(ctx context.Context, id string, cause error) error {
	return s.mutateOp(id, func(tx *bbolt.Tx, key []byte, op *models.PendingOperation) error {
		if op.State.Terminal() {
			return fmt.Errorf("%w: %s is %s", storage.ErrInvalidDeliveryState, id, op.State)
		}
		op.State = models.DeliveryQueued
		op.InFlightSince = nil
		if cause != nil {
			op.LastError = cause.Error()
		}
		return nil
	})
}

// MarkAcknowledged is a terminal transition; serverAsset becomes the snapshot
func (s *Storage) MarkAcknowledged(ctx context.Context, id string, serverTimestamp time.Time, serverAsset *models.Asset) error {
	return s.mutateOp(id, func(tx *bbolt.Tx, key []byte, op *models.PendingOperation) error {
		switch op.State {
		case models.DeliveryAcknowledged:
			return errUnchanged
		case models.DeliveryConflicted:
			return fmt.Errorf("%w: %s is %s", storage.ErrInvalidDeliveryState, id, op.State)
		}

		now := s.clock.Now()
		ts := serverTimestamp.UTC()
		op.State = models.DeliveryAcknowledged
		op.AcknowledgedAt = &now
		op.InFlightSince = nil
		op.LastError = ""
		if op.Event != nil {
			op.Event.ServerTimestamp = &ts
		}
		if op.Annotation != nil {
			op.Annotation.ServerTimestamp = &ts
		}

		if serverAsset != nil {
			if err := putAsset(tx.Bucket(bucketSnapshot), serverAsset); err != nil {
				return err
			}
		}

		// операция уже завершена в копии, сохраняем до пересчета зеркала
		if err := putOp(tx.Bucket(bucketQueue), key, op); err != nil {
			return err
		}
		return recomputeMirror(tx, op.AssetTag(), op.Before)
	})
}

// MarkConflicted is a terminal transition that cascades to dependent check operations
func (s *Storage) MarkConflicted(ctx context.Context, id string, conflict *models.Conflict) error {
	if conflict == nil {
		conflict = &models.Conflict{}
	}

	return s.mutateOp(id, func(tx *bbolt.Tx, key []byte, op *models.PendingOperation) error {
		switch op.State {
		case models.DeliveryConflicted:
			return errUnchanged
		case models.DeliveryAcknowledged:
			return fmt.Errorf("%w: %s is %s", storage.ErrInvalidDeliveryState, id, op.State)
		}

		if conflict.DetectedAt.IsZero() {
			conflict.DetectedAt = s.clock.Now()
		}
		op.State = models.DeliveryConflicted
		op.Conflict = conflict
		op.InFlightSince = nil

		if conflict.ServerAsset != nil {
			if err := putAsset(tx.Bucket(bucketSnapshot), conflict.ServerAsset); err != nil {
				return err
			}
		}

		queue := tx.Bucket(bucketQueue)
		if err := putOp(queue, key, op); err != nil {
			return err
		}

		// Следующие события актива строились на отвергнутом событии
		if op.Kind == models.OperationCheck {
			if err := cascadeConflict(queue, key, op); err != nil {
				return err
			}
		}

		return recomputeMirror(tx, op.AssetTag(), op.Before)
	})
}

// Withdraw cancels a QUEUED operation that is the latest of its asset
func (s *Storage) Withdraw(ctx context.Context, id string) (*models.Asset, error) {
	var restored *models.Asset

	err := s.mutateOp(id, func(tx *bbolt.Tx, key []byte, op *models.PendingOperation) error {
		if op.State != models.DeliveryQueued {
			return fmt.Errorf("%w: %s is %s", storage.ErrNotWithdrawable, id, op.State)
		}

		queue := tx.Bucket(bucketQueue)
		c := queue.Cursor()
		for k, v := c.Seek(key); k != nil; k, v = c.Next() {
			if bytes.Equal(k, key) {
				continue
			}
			later, err := decodeOp(v)
			if err != nil {
				return err
			}
			if later.AssetTag() == op.AssetTag() && !later.State.Terminal() {
				return fmt.Errorf("%w: %s has later operation %s", storage.ErrNotWithdrawable, id, later.ID())
			}
		}

		if err := queue.Delete(key); err != nil {
			return fmt.Errorf("failed to delete operation: %w", err)
		}
		if err := tx.Bucket(bucketIndex).Delete([]byte(id)); err != nil {
			return fmt.Errorf("failed to delete index: %w", err)
		}

		if err := recomputeMirror(tx, op.AssetTag(), op.Before); err != nil {
			return err
		}

		var err error
		restored, err = getAsset(tx.Bucket(bucketAssets), op.AssetTag())
		if err != nil {
			return err
		}
		return errDeleted
	})
	if err != nil {
		return nil, err
	}

	return restored, nil
}

// ResolveConflict archives a reviewed conflict
func (s *Storage) ResolveConflict(ctx context.Context, id string) error {
	return s.mutateOp(id, func(tx *bbolt.Tx, key []byte, op *models.PendingOperation) error {
		if op.State != models.DeliveryConflicted {
			return fmt.Errorf("%w: %s is %s", storage.ErrNotConflicted, id, op.State)
		}
		if err := archive(tx, key, op); err != nil {
			return err
		}
		return errDeleted
	})
}

// ArchiveAcknowledged moves operations acknowledged before the cutoff to the archive
func (s *Storage) ArchiveAcknowledged(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.clock.Now().Add(-olderThan)
	archived := 0

	err := s.update(func(tx *bbolt.Tx) error {
		type item struct {
			op  *models.PendingOperation
			key []byte
		}
		var items []item

		c := tx.Bucket(bucketQueue).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			op, err := decodeOp(v)
			if err != nil {
				return err
			}
			if op.State != models.DeliveryAcknowledged || op.AcknowledgedAt == nil || op.AcknowledgedAt.After(cutoff) {
				continue
			}
			items = append(items, item{key: append([]byte(nil), k...), op: op})
		}

		// Удаляем после обхода курсором
		for _, it := range items {
			if err := archive(tx, it.key, it.op); err != nil {
				return err
			}
		}
		archived = len(items)
		return nil
	})
	if err != nil {
		return 0, err
	}

	return archived, nil
}

// GetOperation looks an operation up in the queue or the archive
func (s *Storage) GetOperation(ctx context.Context, id string) (*models.PendingOperation, error) {
	var op *models.PendingOperation

	err := s.view(func(tx *bbolt.Tx) error {
		if key := tx.Bucket(bucketIndex).Get([]byte(id)); key != nil {
			v := tx.Bucket(bucketQueue).Get(key)
			if v == nil {
				return fmt.Errorf("%w: %s", storage.ErrOperationNotFound, id)
			}
			var err error
			op, err = decodeOp(v)
			return err
		}

		if v := tx.Bucket(bucketArchive).Get([]byte(id)); v != nil {
			var err error
			op, err = decodeOp(v)
			return err
		}

		return fmt.Errorf("%w: %s", storage.ErrOperationNotFound, id)
	})
	if err != nil {
		return nil, err
	}

	return op, nil
}

// PendingOps returns QUEUED and IN_FLIGHT operations in FIFO order
func (s *Storage) PendingOps(ctx context.Context) ([]*models.PendingOperation, error) {
	return s.collect(func(op *models.PendingOperation) bool { return !op.State.Terminal() })
}

// Conflicts returns CONFLICTED operations awaiting review
func (s *Storage) Conflicts(ctx context.Context) ([]*models.PendingOperation, error) {
	return s.collect(func(op *models.PendingOperation) bool { return op.State == models.DeliveryConflicted })
}

// QueueDepth returns the number of QUEUED and IN_FLIGHT operations
func (s *Storage) QueueDepth(ctx context.Context) (int, error) {
	ops, err := s.PendingOps(ctx)
	if err != nil {
		return 0, err
	}
	return len(ops), nil
}

var (
	// errUnchanged прерывает транзакцию без ошибки для вызывающего
	errUnchanged = errors.New("unchanged")
	// errDeleted операция удалена из очереди внутри fn
	errDeleted = errors.New("deleted")
)

// mutateOp загружает операцию по id, вызывает fn и сохраняет результат
func (s *Storage) mutateOp(id string, fn func(tx *bbolt.Tx, key []byte, op *models.PendingOperation) error) error {
	err := s.update(func(tx *bbolt.Tx) error {
		key := tx.Bucket(bucketIndex).Get([]byte(id))
		if key == nil {
			return fmt.Errorf("%w: %s", storage.ErrOperationNotFound, id)
		}
		key = append([]byte(nil), key...)

		queue := tx.Bucket(bucketQueue)
		v := queue.Get(key)
		if v == nil {
			return fmt.Errorf("%w: %s", storage.ErrOperationNotFound, id)
		}

		op, err := decodeOp(v)
		if err != nil {
			return err
		}

		err = fn(tx, key, op)
		switch {
		case errors.Is(err, errDeleted):
			return nil
		case err != nil:
			return err
		}

		return putOp(queue, key, op)
	})

	if errors.Is(err, errUnchanged) {
		return nil
	}
	return err
}

func (s *Storage) collect(match func(op *models.PendingOperation) bool) ([]*models.PendingOperation, error) {
	ops := make([]*models.PendingOperation, 0)

	err := s.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketQueue).ForEach(func(_, v []byte) error {
			op, err := decodeOp(v)
			if err != nil {
				return err
			}
			if match(op) {
				ops = append(ops, op)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return ops, nil
}

// cascadeConflict помечает конфликтными последующие события того же актива
// и пометки, созданные вместе с ними
func cascadeConflict(queue *bbolt.Bucket, key []byte, root *models.PendingOperation) error {
	type item struct {
		op  *models.PendingOperation
		key []byte
	}
	var dependents []item
	conflicted := map[string]bool{root.ID(): true}

	c := queue.Cursor()
	for k, v := c.Seek(key); k != nil; k, v = c.Next() {
		if bytes.Equal(k, key) {
			continue
		}
		op, err := decodeOp(v)
		if err != nil {
			return err
		}
		if op.AssetTag() != root.AssetTag() || op.State.Terminal() {
			continue
		}
		// Пометка уходит вместе со своим автоматическим событием
		if op.Kind == models.OperationAnnotation && (op.Annotation == nil || !conflicted[op.Annotation.DependsOn]) {
			continue
		}
		conflicted[op.ID()] = true
		dependents = append(dependents, item{key: append([]byte(nil), k...), op: op})
	}

	for _, d := range dependents {
		d.op.State = models.DeliveryConflicted
		d.op.InFlightSince = nil
		d.op.Conflict = &models.Conflict{
			DetectedAt:  root.Conflict.DetectedAt,
			ServerAsset: root.Conflict.ServerAsset.Clone(),
			ServerEvent: root.Conflict.ServerEvent.Clone(),
			Reason:      fmt.Sprintf("depends on conflicted event %s", root.ID()),
		}
		if err := putOp(queue, d.key, d.op); err != nil {
			return err
		}
	}

	return nil
}

// archive переносит операцию из очереди в архив
func archive(tx *bbolt.Tx, key []byte, op *models.PendingOperation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal operation: %w", err)
	}
	if err := tx.Bucket(bucketArchive).Put([]byte(op.ID()), data); err != nil {
		return fmt.Errorf("failed to archive operation: %w", err)
	}
	if err := tx.Bucket(bucketQueue).Delete(key); err != nil {
		return fmt.Errorf("failed to delete operation: %w", err)
	}
	if err := tx.Bucket(bucketIndex).Delete([]byte(op.ID())); err != nil {
		return fmt.Errorf("failed to delete index: %w", err)
	}
	return nil
}

// nonTerminalOps возвращает незавершенные операции актива в порядке очереди
func nonTerminalOps(tx *bbolt.Tx, tag string) ([]*models.PendingOperation, error) {
	var ops []*models.PendingOperation

	err := tx.Bucket(bucketQueue).ForEach(func(_, v []byte) error {
		op, err := decodeOp(v)
		if err != nil {
			return err
		}
		if op.AssetTag() == tag && !op.State.Terminal() {
			ops = append(ops, op)
		}
		return nil
	})

	return ops, err
}

// pendingTags возвращает теги активов с незавершенными операциями
func pendingTags(tx *bbolt.Tx) (map[string]bool, error) {
	tags := make(map[string]bool)

	err := tx.Bucket(bucketQueue).ForEach(func(_, v []byte) error {
		op, err := decodeOp(v)
		if err != nil {
			return err
		}
		if !op.State.Terminal() {
			tags[op.AssetTag()] = true
		}
		return nil
	})

	return tags, err
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func putOp(bucket *bbolt.Bucket, key []byte, op *models.PendingOperation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal operation: %w", err)
	}
	if err := bucket.Put(key, data); err != nil {
		return fmt.Errorf("failed to save operation: %w", err)
	}
	return nil
}

func decodeOp(data []byte) (*models.PendingOperation, error) {
	op := &models.PendingOperation{}
	if err := json.Unmarshal(data, op); err != nil {
		return nil, fmt.Errorf("failed to unmarshal operation: %w", err)
	}
	return op, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrAssetNotFound)
}
