package sqlite

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/benchkeeper/internal/clock"
	"github.com/iudanet/benchkeeper/internal/models"
	"github.com/iudanet/benchkeeper/internal/server/storage"
)

func TestStorage_ApplyEvent_CreatesAssetAndAppendsAudit(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	md := &models.AssetMetadata{Tag: "B10", Serial: "SN-B10", Model: "Latitude 7440"}
	in := models.NewCheckEvent("B10", "jdoe", models.EventTypeCheckIn, "AUS", time.Now())

	res, err := s.ApplyEvent(ctx, in, md)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, models.AssetStatusIn, res.Asset.Status)
	assert.Equal(t, "AUS", res.Asset.Site)
	assert.Equal(t, "Latitude 7440", res.Asset.Model)
	assert.Equal(t, in.ID, res.Asset.LastEventID)

	history, err := s.History(ctx, "B10")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, in.ID, history[0].ID)
	require.NotNil(t, history[0].ServerTimestamp)
	assert.Equal(t, res.ServerTimestamp, *history[0].ServerTimestamp)
}

func TestStorage_ApplyEvent_UnknownAssetWithoutMetadata(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	in := models.NewCheckEvent("NOPE", "jdoe", models.EventTypeCheckIn, "AUS", time.Now())
	_, err := s.ApplyEvent(ctx, in, nil)
	assert.ErrorIs(t, err, storage.ErrAssetNotFound)
}

func TestStorage_ApplyEvent_Idempotent(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	in := models.NewCheckEvent("A1", "jdoe", models.EventTypeCheckIn, "AUS", time.Now())
	first, err := s.ApplyEvent(ctx, in, &models.AssetMetadata{Tag: "A1"})
	require.NoError(t, err)

	// Повторная доставка того же event_id
	for i := 0; i < 3; i++ {
		again, err := s.ApplyEvent(ctx, in, &models.AssetMetadata{Tag: "A1"})
		require.NoError(t, err)
		assert.True(t, again.Duplicate)
		assert.Equal(t, first.ServerTimestamp, again.ServerTimestamp)
		assert.Equal(t, first.Asset.Status, again.Asset.Status)
	}

	history, err := s.History(ctx, "A1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestStorage_ApplyEvent_Conflict(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	md := &models.AssetMetadata{Tag: "A42"}
	now := time.Now()

	// Оба клиента видели актив без событий
	checkInK := models.NewCheckEvent("A42", "ksmith", models.EventTypeCheckIn, "BTV", now)
	_, err := s.ApplyEvent(ctx, checkInK, md)
	require.NoError(t, err)

	staleIn := models.NewCheckEvent("A42", "jdoe", models.EventTypeCheckIn, "AUS", now.Add(-time.Minute))
	_, err = s.ApplyEvent(ctx, staleIn, md)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrConflict)

	var cerr *storage.ConflictError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "BTV", cerr.Asset.Site)
	require.NotNil(t, cerr.LastEvent)
	assert.Equal(t, checkInK.ID, cerr.LastEvent.ID)

	// Серверное состояние не изменилось
	assets, err := s.GetAssets(ctx, []string{"A42"})
	require.NoError(t, err)
	assert.Equal(t, models.AssetStatusIn, assets["A42"].Status)
	assert.Equal(t, "BTV", assets["A42"].Site)

	history, err := s.History(ctx, "A42")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestStorage_ApplyEvent_StatusMismatchIsConflict(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	// Новый актив OUT, CHECK_OUT без предыдущего события противоречит состоянию
	out := models.NewCheckEvent("C1", "jdoe", models.EventTypeCheckOut, "AUS", time.Now())
	_, err := s.ApplyEvent(ctx, out, &models.AssetMetadata{Tag: "C1"})
	assert.ErrorIs(t, err, storage.ErrConflict)

	// Актив не создан, транзакция откатилась
	assets, err := s.GetAssets(ctx, []string{"C1"})
	require.NoError(t, err)
	assert.Empty(t, assets)
}

func TestStorage_History_OrderedByServerTimestamp(t *testing.T) {
	ctx := context.Background()
	frozen := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	s, err := New(ctx, ":memory:", WithClock(clock.Func(func() time.Time { return frozen })))
	require.NoError(t, err)
	defer s.Close()

	prev := ""
	ids := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		typ := models.EventTypeCheckIn
		if i%2 == 1 {
			typ = models.EventTypeCheckOut
		}
		// Клиентские часы идут назад, порядок задает сервер
		e := models.NewCheckEvent("D1", "jdoe", typ, "AUS", frozen.Add(-time.Duration(i)*time.Hour))
		e.PrevEventID = prev
		res, err := s.ApplyEvent(ctx, e, &models.AssetMetadata{Tag: "D1"})
		require.NoError(t, err)
		prev = e.ID
		ids = append(ids, e.ID)
		assert.True(t, res.ServerTimestamp.After(frozen) || res.ServerTimestamp.Equal(frozen))
	}

	history, err := s.History(ctx, "D1")
	require.NoError(t, err)
	require.Len(t, history, 4)
	for i, e := range history {
		assert.Equal(t, ids[i], e.ID)
		if i > 0 {
			assert.True(t, e.ServerTimestamp.After(*history[i-1].ServerTimestamp))
		}
	}
}

func TestStorage_ApplyAnnotation(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	flag := models.NewAnnotation("E1", "jdoe", models.AnnotationFlag, "missing charger", time.Now())
	res, err := s.ApplyAnnotation(ctx, flag, &models.AssetMetadata{Tag: "E1"})
	require.NoError(t, err)
	assert.True(t, res.Asset.Flagged)
	assert.Equal(t, "missing charger", res.Asset.FlagNotes)
	assert.Empty(t, res.Asset.LastEventID, "annotations do not touch the event chain")

	again, err := s.ApplyAnnotation(ctx, flag, nil)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	unflag := models.NewAnnotation("E1", "jdoe", models.AnnotationUnflag, "", time.Now())
	res, err = s.ApplyAnnotation(ctx, unflag, nil)
	require.NoError(t, err)
	assert.False(t, res.Asset.Flagged)
}

func TestStorage_ApplyAnnotation_Lease(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s, err := New(ctx, ":memory:", WithClock(clock.Func(func() time.Time { return now })))
	require.NoError(t, err)
	defer s.Close()

	in := models.NewCheckEvent("L1", "jdoe", models.EventTypeCheckIn, "AUS", now)
	_, err = s.ApplyEvent(ctx, in, &models.AssetMetadata{Tag: "L1", Serial: "SN-L1"})
	require.NoError(t, err)

	start := time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC)
	maturity := time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC)
	res, err := s.ApplyAnnotation(ctx, models.NewLeaseAnnotation("L1", "jdoe", &start, &maturity, now), nil)
	require.NoError(t, err)
	assert.True(t, res.Asset.ExpiryFlagged)
	assert.Equal(t, in.ID, res.Asset.LastEventID)

	assets, err := s.GetAssets(ctx, []string{"L1"})
	require.NoError(t, err)
	got := assets["L1"]
	require.NotNil(t, got)
	require.NotNil(t, got.LeaseStart)
	require.NotNil(t, got.LeaseMaturity)
	assert.Equal(t, start, *got.LeaseStart)
	assert.Equal(t, maturity, *got.LeaseMaturity)
	assert.True(t, got.ExpiryFlagged)
	assert.Equal(t, models.AssetStatusIn, got.Status)
	assert.Equal(t, "AUS", got.Site)
}

func TestStorage_RecentAndSearchHistory(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s, err := New(ctx, ":memory:", WithClock(clock.Func(func() time.Time { return now })))
	require.NoError(t, err)
	defer s.Close()

	old := models.NewCheckEvent("GF-100", "jdoe", models.EventTypeCheckIn, "AUS", now)
	_, err = s.ApplyEvent(ctx, old, &models.AssetMetadata{Tag: "GF-100", Serial: "5CG_ABC"})
	require.NoError(t, err)

	now = now.Add(10 * 24 * time.Hour)
	out := models.NewCheckEvent("GF-100", "jdoe", models.EventTypeCheckOut, "AUS", now)
	out.PrevEventID = old.ID
	_, err = s.ApplyEvent(ctx, out, nil)
	require.NoError(t, err)
	other := models.NewCheckEvent("GF-200", "ksmith", models.EventTypeCheckIn, "BTV", now)
	_, err = s.ApplyEvent(ctx, other, &models.AssetMetadata{Tag: "GF-200", Serial: "XYZ999"})
	require.NoError(t, err)

	recent, err := s.RecentHistory(ctx, now.Add(-5*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, other.ID, recent[0].ID, "newest first")
	assert.Equal(t, out.ID, recent[1].ID)

	byTag, err := s.SearchHistory(ctx, "gf-1")
	require.NoError(t, err)
	require.Len(t, byTag, 2)
	assert.Equal(t, out.ID, byTag[0].ID)
	assert.Equal(t, old.ID, byTag[1].ID)

	bySerial, err := s.SearchHistory(ctx, "Z99")
	require.NoError(t, err)
	require.Len(t, bySerial, 1)
	assert.Equal(t, "BTV", bySerial[0].Site)

	// Подчеркивание ищется буквально, а не как шаблон
	literal, err := s.SearchHistory(ctx, "5_G")
	require.NoError(t, err)
	assert.Empty(t, literal)
	underscore, err := s.SearchHistory(ctx, "CG_A")
	require.NoError(t, err)
	assert.Len(t, underscore, 2)
}

func TestStorage_ChangedSince(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	_, err := s.ApplyEvent(ctx, models.NewCheckEvent("F1", "jdoe", models.EventTypeCheckIn, "AUS", time.Now()), &models.AssetMetadata{Tag: "F1"})
	require.NoError(t, err)

	all, cursor, err := s.ChangedSince(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, cursor.IsZero())

	none, same, err := s.ChangedSince(ctx, cursor)
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.Equal(t, cursor, same)

	_, err = s.ApplyEvent(ctx, models.NewCheckEvent("F2", "jdoe", models.EventTypeCheckIn, "AUS", time.Now()), &models.AssetMetadata{Tag: "F2"})
	require.NoError(t, err)

	changed, next, err := s.ChangedSince(ctx, cursor)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, "F2", changed[0].Tag)
	assert.True(t, next.After(cursor))
}

func TestStorage_ReadOnlyRejectsWrites(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/central.db"

	rw, err := New(ctx, path)
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	ro, err := New(ctx, path, WithReadOnly())
	require.NoError(t, err)
	defer ro.Close()

	require.NoError(t, ro.Ping(ctx))

	_, err = ro.ApplyEvent(ctx, models.NewCheckEvent("G1", "jdoe", models.EventTypeCheckIn, "AUS", time.Now()), &models.AssetMetadata{Tag: "G1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrTransient)
	assert.ErrorIs(t, err, storage.ErrReadOnly)
}

func TestStorage_ClosedIsTransient(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, ":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Ping(ctx), storage.ErrTransient)
}

func TestStorage_ConcurrentClientsSameAsset(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	const clients = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		accepted  int
		conflicts int
	)

	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := models.NewCheckEvent("H1", "tech", models.EventTypeCheckIn, "AUS", time.Now())
			_, err := s.ApplyEvent(ctx, e, &models.AssetMetadata{Tag: "H1"})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				accepted++
			} else if assert.ErrorIs(t, err, storage.ErrConflict) {
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, clients-1, conflicts)
}

func setupTestStorage(t *testing.T) (*Storage, func()) {
	ctx := context.Background()

	// Используем in-memory database для тестов
	storage, err := New(ctx, ":memory:")
	require.NoError(t, err)

	cleanup := func() {
		_ = storage.Close()
	}

	return storage, cleanup
}
