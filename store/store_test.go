package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/xraysignals/errors"
	"github.com/c360/xraysignals/metric"
	"github.com/c360/xraysignals/telemetry"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "signals.db")

	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	s, err := Open(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// fixedClock returns a clock that advances one millisecond per call so that
// created_at ordering is deterministic.
func fixedClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2023, 3, 15, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

func points(n int, start int64) []telemetry.PointRecord {
	out := make([]telemetry.PointRecord, n)
	for i := range out {
		out[i] = telemetry.PointRecord{
			Time:   start + int64(i),
			Coords: telemetry.Coords{X: float64(i) + 0.5, Y: -float64(i), Speed: 10},
		}
	}
	return out
}

func ptr[T any](v T) *T { return &v }

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestBulkInsert_EmptyInput(t *testing.T) {
	s := openTestStore(t)

	signals, err := s.BulkInsert(context.Background(), nil)
	require.NoError(t, err)
	assert.NotNil(t, signals)
	assert.Empty(t, signals)

	signals, err = s.BulkInsert(context.Background(), map[string]telemetry.DeviceBatch{})
	require.NoError(t, err)
	assert.Empty(t, signals)
}

func TestBulkInsert_OneSignalPerDevice(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const devices, perDevice = 5, 3
	batches := make(map[string]telemetry.DeviceBatch, devices)
	for i := 0; i < devices; i++ {
		batches[fmt.Sprintf("d%d", i)] = telemetry.DeviceBatch{Points: points(perDevice, 100), Time: 100}
	}

	first, err := s.BulkInsert(ctx, batches)
	require.NoError(t, err)
	require.Len(t, first, devices)

	second, err := s.BulkInsert(ctx, batches)
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i, sig := range append(first, second...) {
		assert.Equal(t, perDevice, sig.PointCount)
		vol, err := telemetry.ByteVolume(sig.Points)
		require.NoError(t, err)
		assert.Equal(t, vol, sig.ByteVolume)
		assert.False(t, seen[sig.UUID], "uuid %s reused at %d", sig.UUID, i)
		seen[sig.UUID] = true
	}

	// ordered by device id
	assert.Equal(t, "d0", first[0].DeviceID)
	assert.Equal(t, "d4", first[devices-1].DeviceID)
}

func TestBulkInsert_RoundTripPrecision(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	batch := telemetry.DeviceBatch{
		Points: []telemetry.PointRecord{{
			Time:   1678886400,
			Coords: telemetry.Coords{X: 34.0522, Y: -118.2437, Speed: 60},
		}},
		Time: 1678886400,
	}
	signals, err := s.BulkInsert(ctx, map[string]telemetry.DeviceBatch{"d1": batch})
	require.NoError(t, err)
	require.Len(t, signals, 1)

	got, err := s.GetByUUID(ctx, signals[0].UUID)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, int64(1678886400), got.Time)
	require.Len(t, got.Points, 1)
	assert.Equal(t, int64(1678886400), got.Points[0].Time)
	assert.Equal(t, 34.0522, got.Points[0].Coords.X)
	assert.Equal(t, -118.2437, got.Points[0].Coords.Y)
	assert.Equal(t, 60.0, got.Points[0].Coords.Speed)
	assert.Equal(t, signals[0].ByteVolume, got.ByteVolume)
	assert.Equal(t, signals[0].CreatedAt, got.CreatedAt)
}

func TestBulkInsert_AllOrNothing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx, `CREATE TRIGGER reject_boom BEFORE INSERT ON signals
		WHEN NEW.device_id = 'boom'
		BEGIN SELECT RAISE(ABORT, 'injected failure'); END;`)
	require.NoError(t, err)

	signals, err := s.BulkInsert(ctx, map[string]telemetry.DeviceBatch{
		"a":    {Points: points(1, 1), Time: 1},
		"boom": {Points: points(1, 1), Time: 1},
		"c":    {Points: points(1, 1), Time: 1},
	})
	require.Error(t, err)
	assert.Nil(t, signals)
	assert.True(t, errors.IsTransient(err))

	page, err := s.Query(ctx, telemetry.Filter{}, telemetry.Pagination{Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.Zero(t, page.TotalCount, "no signal from the failed attempt may be visible")
}

func TestBulkInsert_ConcurrentCallers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	results := make([][]telemetry.Signal, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.BulkInsert(ctx, map[string]telemetry.DeviceBatch{
				"shared":                 {Points: points(2, int64(i)), Time: int64(i)},
				fmt.Sprintf("own-%d", i): {Points: points(1, int64(i)), Time: int64(i)},
			})
		}(i)
	}
	wg.Wait()

	uuids := make(map[string]bool)
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		for _, sig := range results[i] {
			uuids[sig.UUID] = true
		}
	}
	assert.Len(t, uuids, workers*2)

	page, err := s.Query(ctx, telemetry.Filter{DeviceID: ptr("shared")}, telemetry.Pagination{Page: 1, Limit: 100})
	require.NoError(t, err)
	assert.Equal(t, int64(workers), page.TotalCount)
}

func TestCRUD(t *testing.T) {
	s := openTestStore(t, WithClock(fixedClock()))
	ctx := context.Background()

	created, err := s.Create(ctx, "d1", telemetry.DeviceBatch{Points: points(2, 10), Time: 10})
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, 2, created.PointCount)
	assert.NotEmpty(t, created.UUID)

	got, err := s.GetByUUID(ctx, created.UUID)
	require.NoError(t, err)
	assert.Equal(t, created, got)

	updated, err := s.UpdateByUUID(ctx, created.UUID, SignalUpdate{
		Time:   ptr(int64(20)),
		Points: ptr(points(5, 20)),
	})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, "d1", updated.DeviceID)
	assert.Equal(t, int64(20), updated.Time)
	assert.Equal(t, 5, updated.PointCount)
	wantVolume, _ := telemetry.ByteVolume(points(5, 20))
	assert.Equal(t, wantVolume, updated.ByteVolume)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)
	assert.True(t, updated.UpdatedAt.After(created.UpdatedAt))

	got, err = s.GetByUUID(ctx, created.UUID)
	require.NoError(t, err)
	assert.Equal(t, updated, got)

	deleted, err := s.DeleteByUUID(ctx, created.UUID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.DeleteByUUID(ctx, created.UUID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestCRUD_NotFoundIsNotAnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	got, err := s.GetByUUID(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	updated, err := s.UpdateByUUID(ctx, "missing", SignalUpdate{Time: ptr(int64(1))})
	require.NoError(t, err)
	assert.Nil(t, updated)

	deleted, err := s.DeleteByUUID(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestCreate_RejectsEmptyDevice(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Create(context.Background(), " ", telemetry.DeviceBatch{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = s.UpdateByUUID(context.Background(), "x", SignalUpdate{DeviceID: ptr("")})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestCreate_EmptyPoints(t *testing.T) {
	s := openTestStore(t)

	sig, err := s.Create(context.Background(), "d1", telemetry.DeviceBatch{Time: 3})
	require.NoError(t, err)
	assert.Equal(t, 0, sig.PointCount)
	assert.Equal(t, 2, sig.ByteVolume)
	assert.NotNil(t, sig.Points)
}

func TestQuery_DeviceDefaultPage(t *testing.T) {
	s := openTestStore(t, WithClock(fixedClock()))
	ctx := context.Background()

	for i := 0; i < 13; i++ {
		_, err := s.Create(ctx, "d1", telemetry.DeviceBatch{Points: points(1, 0), Time: int64(i * 10)})
		require.NoError(t, err)
	}
	_, err := s.Create(ctx, "d2", telemetry.DeviceBatch{Points: points(1, 0), Time: 999})
	require.NoError(t, err)

	page, err := s.Query(ctx, telemetry.Filter{DeviceID: ptr("d1")},
		telemetry.Pagination{Page: telemetry.DefaultPage, Limit: telemetry.DefaultLimit})
	require.NoError(t, err)

	assert.Equal(t, int64(13), page.TotalCount)
	assert.Equal(t, int64(2), page.TotalPages)
	assert.Equal(t, 1, page.CurrentPage)
	assert.Equal(t, 10, page.Limit)
	require.Len(t, page.Data, 10)
	for i := 1; i < len(page.Data); i++ {
		assert.GreaterOrEqual(t, page.Data[i-1].Time, page.Data[i].Time)
	}
	assert.Equal(t, int64(120), page.Data[0].Time)

	page, err = s.Query(ctx, telemetry.Filter{DeviceID: ptr("d1")}, telemetry.Pagination{Page: 2, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Data, 3)
	assert.Equal(t, int64(0), page.Data[2].Time)

	page, err = s.Query(ctx, telemetry.Filter{DeviceID: ptr("d1")}, telemetry.Pagination{Page: 5, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, page.Data)
	assert.NotNil(t, page.Data)
	assert.Equal(t, int64(13), page.TotalCount)
}

func TestQuery_PageBeyondAddressableOffset(t *testing.T) {
	s := openTestStore(t, WithClock(fixedClock()))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := s.Create(ctx, "d1", telemetry.DeviceBatch{Points: points(1, 0), Time: int64(i)})
		require.NoError(t, err)
	}

	for _, p := range []telemetry.Pagination{
		{Page: math.MaxInt, Limit: 100},
		{Page: math.MaxInt/100 + 2, Limit: 100},
		{Page: math.MaxInt / 2, Limit: 3},
	} {
		page, err := s.Query(ctx, telemetry.Filter{}, p)
		require.NoError(t, err)
		assert.Empty(t, page.Data, "page=%d limit=%d", p.Page, p.Limit)
		assert.NotNil(t, page.Data)
		assert.Equal(t, int64(2), page.TotalCount)
		assert.Equal(t, p.Page, page.CurrentPage)
	}
}

func TestQuery_FiltersAreAndCombined(t *testing.T) {
	s := openTestStore(t, WithClock(fixedClock()))
	ctx := context.Background()

	a, err := s.Create(ctx, "d1", telemetry.DeviceBatch{Points: points(1, 0), Time: 100})
	require.NoError(t, err)
	_, err = s.Create(ctx, "d1", telemetry.DeviceBatch{Points: points(3, 0), Time: 200})
	require.NoError(t, err)
	_, err = s.Create(ctx, "d2", telemetry.DeviceBatch{Points: points(1, 0), Time: 300})
	require.NoError(t, err)

	tests := []struct {
		name   string
		filter telemetry.Filter
		want   int64
	}{
		{"no filter", telemetry.Filter{}, 3},
		{"device", telemetry.Filter{DeviceID: ptr("d1")}, 2},
		{"uuid", telemetry.Filter{UUID: ptr(a.UUID)}, 1},
		{"time lower bound inclusive", telemetry.Filter{TimeFrom: ptr(int64(200))}, 2},
		{"point count", telemetry.Filter{PointCount: ptr(1)}, 2},
		{"byte volume", telemetry.Filter{ByteVolume: ptr(a.ByteVolume)}, 2},
		{"device and time", telemetry.Filter{DeviceID: ptr("d1"), TimeFrom: ptr(int64(150))}, 1},
		{"device and point count", telemetry.Filter{DeviceID: ptr("d2"), PointCount: ptr(3)}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := s.Query(ctx, tt.filter, telemetry.Pagination{Page: 1, Limit: 10})
			require.NoError(t, err)
			assert.Equal(t, tt.want, page.TotalCount)
			assert.Len(t, page.Data, int(tt.want))
		})
	}
}

func TestQuery_TiesOrderedNewestFirst(t *testing.T) {
	s := openTestStore(t, WithClock(fixedClock()))
	ctx := context.Background()

	var uuids []string
	for i := 0; i < 3; i++ {
		sig, err := s.Create(ctx, "d1", telemetry.DeviceBatch{Time: 50})
		require.NoError(t, err)
		uuids = append(uuids, sig.UUID)
	}

	page, err := s.Query(ctx, telemetry.Filter{}, telemetry.Pagination{Page: 1, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Data, 3)
	assert.Equal(t, uuids[2], page.Data[0].UUID)
	assert.Equal(t, uuids[0], page.Data[2].UUID)
}

func TestQuery_RejectsUnnormalizedPagination(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Query(context.Background(), telemetry.Filter{}, telemetry.Pagination{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestDeleteByDeviceID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := s.BulkInsert(ctx, map[string]telemetry.DeviceBatch{
			"d1": {Points: points(1, 0), Time: int64(i)},
			"d2": {Points: points(1, 0), Time: int64(i)},
		})
		require.NoError(t, err)
	}

	n, err := s.DeleteByDeviceID(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	page, err := s.Query(ctx, telemetry.Filter{}, telemetry.Pagination{Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(4), page.TotalCount)
	for _, sig := range page.Data {
		assert.Equal(t, "d2", sig.DeviceID)
	}

	n, err = s.DeleteByDeviceID(ctx, "d1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestClosedStore(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.BulkInsert(context.Background(), map[string]telemetry.DeviceBatch{"d": {}})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrStoreClosed)

	assert.Error(t, s.Ping(context.Background()))
}

func TestOpTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "signals.db")
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.GetByUUID(ctx, "anything")
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestMetricsRegistered(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	s := openTestStore(t, WithMetrics(registry))

	_, err := s.BulkInsert(context.Background(), map[string]telemetry.DeviceBatch{"d": {Time: 1}})
	require.NoError(t, err)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["xray_store_operation_duration_seconds"])
	assert.True(t, names["xray_store_signals_inserted_total"])

	require.NoError(t, s.Close())
	assert.False(t, registry.Unregister(metricsService, "errors_total"))
}
