package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360/xraysignals/errors"
	"github.com/c360/xraysignals/telemetry"
)

// timeLayout is fixed-width UTC so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const signalColumns = `uuid, device_id, time, point_count, byte_volume, points, created_at, updated_at`

const insertSignal = `INSERT INTO signals (` + signalColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`

// SignalUpdate is a partial update. Nil fields are left unchanged. pointCount
// and byteVolume are always recomputed from the resulting points.
type SignalUpdate struct {
	DeviceID *string                  `json:"deviceId,omitempty"`
	Time     *int64                   `json:"time,omitempty"`
	Points   *[]telemetry.PointRecord `json:"points,omitempty"`
}

// Empty reports whether the update changes nothing.
func (u SignalUpdate) Empty() bool {
	return u.DeviceID == nil && u.Time == nil && u.Points == nil
}

// row is one signal ready to be written.
type row struct {
	signal telemetry.Signal
	points string
}

func (s *Store) newRow(deviceID string, batch telemetry.DeviceBatch, now time.Time) (row, error) {
	encoded, err := telemetry.EncodePoints(batch.Points)
	if err != nil {
		return row{}, fmt.Errorf("device %q: %w", deviceID, err)
	}
	points := batch.Points
	if points == nil {
		points = []telemetry.PointRecord{}
	}
	now = now.UTC()
	return row{
		signal: telemetry.Signal{
			UUID:       uuid.NewString(),
			DeviceID:   deviceID,
			Time:       batch.Time,
			PointCount: len(points),
			ByteVolume: len(encoded),
			Points:     points,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		points: string(encoded),
	}, nil
}

func (r row) args() []any {
	return []any{
		r.signal.UUID,
		r.signal.DeviceID,
		r.signal.Time,
		r.signal.PointCount,
		r.signal.ByteVolume,
		r.points,
		r.signal.CreatedAt.Format(timeLayout),
		r.signal.UpdatedAt.Format(timeLayout),
	}
}

// BulkInsert writes one signal per device batch in a single transaction.
// Either every signal is written or none is. An empty map writes nothing and
// returns an empty slice. The returned signals are ordered by device id.
func (s *Store) BulkInsert(ctx context.Context, batches map[string]telemetry.DeviceBatch) (signals []telemetry.Signal, err error) {
	start := time.Now()
	defer func() { s.observe("bulk_insert", start, err) }()

	if err := s.checkOpen("BulkInsert"); err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return []telemetry.Signal{}, nil
	}

	ids := make([]string, 0, len(batches))
	for id := range batches {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := s.now()
	rows := make([]row, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: empty device id", errors.ErrInvalidData),
				"Store", "BulkInsert", "build signals")
		}
		r, err := s.newRow(id, batches[id], now)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Store", "BulkInsert", "encode points")
		}
		rows = append(rows, r)
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "BulkInsert", "begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, insertSignal)
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "BulkInsert", "prepare insert")
	}
	defer stmt.Close()

	signals = make([]telemetry.Signal, 0, len(rows))
	for _, r := range rows {
		if _, err = stmt.ExecContext(ctx, r.args()...); err != nil {
			return nil, errors.WrapTransient(err, "Store", "BulkInsert",
				fmt.Sprintf("insert signal for device %s", r.signal.DeviceID))
		}
		signals = append(signals, r.signal)
	}

	if err = tx.Commit(); err != nil {
		return nil, errors.WrapTransient(err, "Store", "BulkInsert", "commit transaction")
	}

	s.countInserted("bulk", len(signals))
	s.logger.Debug("signals inserted", "count", len(signals), "devices", ids)
	return signals, nil
}

// Create writes a single signal from a device batch.
func (s *Store) Create(ctx context.Context, deviceID string, batch telemetry.DeviceBatch) (sig *telemetry.Signal, err error) {
	start := time.Now()
	defer func() { s.observe("create", start, err) }()

	if err := s.checkOpen("Create"); err != nil {
		return nil, err
	}
	if strings.TrimSpace(deviceID) == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: empty device id", errors.ErrInvalidData),
			"Store", "Create", "validate signal")
	}

	r, err := s.newRow(deviceID, batch, s.now())
	if err != nil {
		return nil, errors.WrapInvalid(err, "Store", "Create", "encode points")
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, insertSignal, r.args()...); err != nil {
		return nil, errors.WrapTransient(err, "Store", "Create", "insert signal")
	}

	s.countInserted("create", 1)
	return &r.signal, nil
}

// GetByUUID returns the signal with the given uuid, or nil when none exists.
func (s *Store) GetByUUID(ctx context.Context, id string) (sig *telemetry.Signal, err error) {
	start := time.Now()
	defer func() { s.observe("get", start, err) }()

	if err := s.checkOpen("GetByUUID"); err != nil {
		return nil, err
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	sig, err = scanSignal(s.db.QueryRowContext(ctx,
		`SELECT `+signalColumns+` FROM signals WHERE uuid = ?;`, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "GetByUUID", "select signal")
	}
	return sig, nil
}

// UpdateByUUID applies upd to the signal with the given uuid and returns the
// updated signal, or nil when none exists.
func (s *Store) UpdateByUUID(ctx context.Context, id string, upd SignalUpdate) (sig *telemetry.Signal, err error) {
	start := time.Now()
	defer func() { s.observe("update", start, err) }()

	if err := s.checkOpen("UpdateByUUID"); err != nil {
		return nil, err
	}
	if upd.DeviceID != nil && strings.TrimSpace(*upd.DeviceID) == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: empty device id", errors.ErrInvalidData),
			"Store", "UpdateByUUID", "validate update")
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "UpdateByUUID", "begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	current, err := scanSignal(tx.QueryRowContext(ctx,
		`SELECT `+signalColumns+` FROM signals WHERE uuid = ?;`, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "UpdateByUUID", "select signal")
	}

	if upd.DeviceID != nil {
		current.DeviceID = *upd.DeviceID
	}
	if upd.Time != nil {
		current.Time = *upd.Time
	}
	if upd.Points != nil {
		current.Points = *upd.Points
	}

	encoded, err := telemetry.EncodePoints(current.Points)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Store", "UpdateByUUID", "encode points")
	}
	if current.Points == nil {
		current.Points = []telemetry.PointRecord{}
	}
	current.PointCount = len(current.Points)
	current.ByteVolume = len(encoded)
	current.UpdatedAt = s.now().UTC()

	_, err = tx.ExecContext(ctx,
		`UPDATE signals SET device_id = ?, time = ?, point_count = ?, byte_volume = ?, points = ?, updated_at = ?
		 WHERE uuid = ?;`,
		current.DeviceID, current.Time, current.PointCount, current.ByteVolume,
		string(encoded), current.UpdatedAt.Format(timeLayout), id)
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "UpdateByUUID", "update signal")
	}

	if err = tx.Commit(); err != nil {
		return nil, errors.WrapTransient(err, "Store", "UpdateByUUID", "commit transaction")
	}
	return current, nil
}

// DeleteByUUID removes one signal and reports whether it existed.
func (s *Store) DeleteByUUID(ctx context.Context, id string) (deleted bool, err error) {
	start := time.Now()
	defer func() { s.observe("delete", start, err) }()

	if err := s.checkOpen("DeleteByUUID"); err != nil {
		return false, err
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM signals WHERE uuid = ?;`, id)
	if err != nil {
		return false, errors.WrapTransient(err, "Store", "DeleteByUUID", "delete signal")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.WrapTransient(err, "Store", "DeleteByUUID", "read rows affected")
	}
	return n > 0, nil
}

// DeleteByDeviceID removes every signal of a device and returns how many were
// removed.
func (s *Store) DeleteByDeviceID(ctx context.Context, deviceID string) (n int64, err error) {
	start := time.Now()
	defer func() { s.observe("delete_device", start, err) }()

	if err := s.checkOpen("DeleteByDeviceID"); err != nil {
		return 0, err
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM signals WHERE device_id = ?;`, deviceID)
	if err != nil {
		return 0, errors.WrapTransient(err, "Store", "DeleteByDeviceID", "delete signals")
	}
	n, err = res.RowsAffected()
	if err != nil {
		return 0, errors.WrapTransient(err, "Store", "DeleteByDeviceID", "read rows affected")
	}

	s.logger.Info("device signals deleted", "device_id", deviceID, "count", n)
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSignal(sc scanner) (*telemetry.Signal, error) {
	var (
		sig                  telemetry.Signal
		points               string
		createdAt, updatedAt string
	)
	if err := sc.Scan(&sig.UUID, &sig.DeviceID, &sig.Time, &sig.PointCount, &sig.ByteVolume,
		&points, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(points), &sig.Points); err != nil {
		return nil, fmt.Errorf("%w: signal %s points: %v", errors.ErrDataCorrupted, sig.UUID, err)
	}
	if sig.Points == nil {
		sig.Points = []telemetry.PointRecord{}
	}

	var err error
	if sig.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("%w: signal %s created_at: %v", errors.ErrDataCorrupted, sig.UUID, err)
	}
	if sig.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("%w: signal %s updated_at: %v", errors.ErrDataCorrupted, sig.UUID, err)
	}
	return &sig, nil
}
