package boltdb

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/iudanet/benchkeeper/internal/client/storage"
	"github.com/iudanet/benchkeeper/internal/models"
)

func TestNew_Success(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "testdb.db")

	ctx := context.Background()
	store, err := New(ctx, dbPath)
	require.NoError(t, err)
	require.NotNil(t, store)
	defer func() {
		require.NoError(t, store.Close())
	}()

	// Проверяем что файл БД действительно создан
	info, err := os.Stat(dbPath)
	require.NoError(t, err)
	assert.False(t, info.IsDir())

	// Проверяем, что бакеты существуют
	err = store.db.View(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketAssets, bucketSnapshot, bucketQueue, bucketIndex, bucketArchive, bucketMetadata} {
			if tx.Bucket(b) == nil {
				return os.ErrNotExist
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestNew_InvalidPath(t *testing.T) {
	ctx := context.Background()
	// Путь внутри несуществующего каталога
	invalidPath := filepath.Join(t.TempDir(), "missing", "dir", "db")
	store, err := New(ctx, invalidPath)
	assert.Error(t, err)
	assert.Nil(t, store)
}

func TestClose_ThenUse(t *testing.T) {
	ctx := context.Background()
	store, err := New(ctx, filepath.Join(t.TempDir(), "testdb.db"))
	require.NoError(t, err)

	require.NoError(t, store.Close())

	_, err = store.GetAsset(ctx, "A1")
	assert.ErrorIs(t, err, storage.ErrStorageClosed)

	op := models.NewCheckOperation(models.NewCheckEvent("A1", "jdoe", models.EventTypeCheckIn, "AUS", time.Now()))
	_, err = store.ApplyLocally(ctx, op)
	assert.ErrorIs(t, err, storage.ErrStorageClosed)
}

func TestNew_RecoversInFlightAfterRestart(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "restart.db")

	store, err := New(ctx, dbPath)
	require.NoError(t, err)
	require.NoError(t, store.CreateAsset(ctx, models.NewAsset(models.AssetMetadata{Tag: "A1"}, time.Now())))

	op := models.NewCheckOperation(models.NewCheckEvent("A1", "jdoe", models.EventTypeCheckIn, "AUS", time.Now()))
	_, err = store.ApplyLocally(ctx, op)
	require.NoError(t, err)
	require.NoError(t, store.MarkInFlight(ctx, op.ID()))

	// Процесс "упал" посреди доставки
	require.NoError(t, store.Close())

	reopened, err := New(ctx, dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	next, err := reopened.NextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, op.ID(), next.ID())
	assert.Equal(t, models.DeliveryQueued, next.State)
	assert.Equal(t, 1, next.Attempts)

	depth, err := reopened.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "operation is neither lost nor duplicated")
}

func TestInitBuckets_CreatesBuckets(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "testdb.db")

	// Открываем БД вручную без создания бакетов
	db, err := bbolt.Open(dbPath, 0600, nil)
	require.NoError(t, err)
	defer db.Close()

	store := &Storage{db: db}

	err = store.initBuckets()
	assert.NoError(t, err)

	err = db.View(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketAssets, bucketSnapshot, bucketQueue, bucketIndex, bucketArchive, bucketMetadata} {
			if tx.Bucket(b) == nil {
				return os.ErrNotExist
			}
		}
		return nil
	})
	assert.NoError(t, err)
}
