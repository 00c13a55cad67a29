package boltdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/iudanet/benchkeeper/internal/client/storage"
	"github.com/iudanet/benchkeeper/internal/clock"
	"github.com/iudanet/benchkeeper/internal/models"
)

var (
	// BoltDB bucket names
	bucketAssets   = []byte("assets")   // зеркало: текущее локальное представление активов
	bucketSnapshot = []byte("snapshot") // последнее известное серверное состояние
	bucketQueue    = []byte("queue")    // очередь операций, ключ - big-endian seq
	bucketIndex    = []byte("events")   // id операции -> ключ в очереди
	bucketArchive  = []byte("archive")  // завершенные операции, ключ - id
	bucketMetadata = []byte("meta")
)

// DefaultInFlightTimeout время, после которого попытка доставки считается брошенной
const DefaultInFlightTimeout = 30 * time.Second

var _ storage.LocalStore = (*Storage)(nil)

// Storage represents BoltDB storage implementation for client
type Storage struct {
	db              *bbolt.DB
	clock           clock.Clock
	inFlightTimeout time.Duration
}

// Option configures Storage
type Option func(*Storage)

// WithClock sets the time source
func WithClock(c clock.Clock) Option {
	return func(s *Storage) {
		s.clock = c
	}
}

// WithInFlightTimeout sets how long an IN_FLIGHT operation blocks the queue
func WithInFlightTimeout(d time.Duration) Option {
	return func(s *Storage) {
		if d > 0 {
			s.inFlightTimeout = d
		}
	}
}

// New creates a new BoltDB storage instance
// dbPath is the path to the BoltDB database file
func New(ctx context.Context, dbPath string, opts ...Option) (*Storage, error) {
	// Открываем BoltDB
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	s := &Storage{
		db:              db,
		clock:           clock.System(),
		inFlightTimeout: DefaultInFlightTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	// Инициализируем buckets
	if err := s.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	// После перезапуска ни одна доставка не выполняется
	if err := s.recoverInFlight(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to recover in-flight operations: %w", err)
	}

	return s, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// initBuckets создает необходимые buckets если они не существуют
func (s *Storage) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketAssets, bucketSnapshot, bucketQueue, bucketIndex, bucketArchive, bucketMetadata} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

// recoverInFlight возвращает IN_FLIGHT операции в QUEUED при открытии.
// Повторная доставка безопасна: сервер отбрасывает дубликаты по event_id.
func (s *Storage) recoverInFlight() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		q := tx.Bucket(bucketQueue)
		c := q.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			op, err := decodeOp(v)
			if err != nil {
				return err
			}
			if op.State != models.DeliveryInFlight {
				continue
			}
			op.State = models.DeliveryQueued
			op.InFlightSince = nil
			if err := putOp(q, k, op); err != nil {
				return err
			}
		}
		return nil
	})
}

// domainErrors не являются сбоями записи и возвращаются как есть
var domainErrors = []error{
	storage.ErrInvalidTransition,
	models.ErrInvalidEvent,
	storage.ErrAssetNotFound,
	storage.ErrAssetExists,
	storage.ErrOperationNotFound,
	storage.ErrNotWithdrawable,
	storage.ErrInvalidDeliveryState,
	storage.ErrNotConflicted,
	storage.ErrStorageClosed,
}

// update runs a read-write transaction. Failures to persist are reported as
// ErrDurability.
func (s *Storage) update(fn func(tx *bbolt.Tx) error) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	err := s.db.Update(fn)
	if err == nil {
		return nil
	}

	for _, de := range domainErrors {
		if errors.Is(err, de) {
			return err
		}
	}
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return storage.ErrStorageClosed
	}

	return fmt.Errorf("%w: %w", storage.ErrDurability, err)
}

// view runs a read-only transaction.
func (s *Storage) view(fn func(tx *bbolt.Tx) error) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	err := s.db.View(fn)
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return storage.ErrStorageClosed
	}
	return err
}
