package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/c360/xraysignals/errors"
	"github.com/c360/xraysignals/telemetry"
)

// Query returns one page of signals matching filter, newest time first.
// Signals sharing a time are ordered by insertion, newest first, so pages
// are stable. Pagination must already be normalized (page and limit >= 1).
func (s *Store) Query(ctx context.Context, filter telemetry.Filter, p telemetry.Pagination) (page telemetry.Page, err error) {
	start := time.Now()
	defer func() { s.observe("query", start, err) }()

	if err := s.checkOpen("Query"); err != nil {
		return telemetry.Page{}, err
	}
	if p.Page < 1 || p.Limit < 1 {
		return telemetry.Page{}, errors.WrapInvalid(
			fmt.Errorf("%w: page %d limit %d", errors.ErrInvalidData, p.Page, p.Limit),
			"Store", "Query", "validate pagination")
	}

	where, args := whereClause(filter)

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM signals`+where+`;`, args...).Scan(&total); err != nil {
		return telemetry.Page{}, errors.WrapTransient(err, "Store", "Query", "count signals")
	}

	page = telemetry.Page{
		Data:        []telemetry.Signal{},
		TotalCount:  total,
		TotalPages:  telemetry.TotalPages(total, p.Limit),
		CurrentPage: p.Page,
		Limit:       p.Limit,
	}
	// Compared by page number so an unaddressable page cannot wrap the
	// offset around to the first rows.
	if int64(p.Page-1) >= page.TotalPages {
		return page, nil
	}

	query := `SELECT ` + signalColumns + ` FROM signals` + where +
		` ORDER BY time DESC, created_at DESC, id DESC LIMIT ? OFFSET ?;`
	rows, err := s.db.QueryContext(ctx, query, append(args, p.Limit, p.Offset())...)
	if err != nil {
		return telemetry.Page{}, errors.WrapTransient(err, "Store", "Query", "select signals")
	}
	defer rows.Close()

	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return telemetry.Page{}, errors.WrapTransient(err, "Store", "Query", "scan signal")
		}
		page.Data = append(page.Data, *sig)
	}
	if err := rows.Err(); err != nil {
		return telemetry.Page{}, errors.WrapTransient(err, "Store", "Query", "iterate signals")
	}

	return page, nil
}

// whereClause builds the AND-combined predicate for the set filter fields.
func whereClause(f telemetry.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.DeviceID != nil {
		conds = append(conds, "device_id = ?")
		args = append(args, *f.DeviceID)
	}
	if f.UUID != nil {
		conds = append(conds, "uuid = ?")
		args = append(args, *f.UUID)
	}
	if f.TimeFrom != nil {
		conds = append(conds, "time >= ?")
		args = append(args, *f.TimeFrom)
	}
	if f.PointCount != nil {
		conds = append(conds, "point_count = ?")
		args = append(args, *f.PointCount)
	}
	if f.ByteVolume != nil {
		conds = append(conds, "byte_volume = ?")
		args = append(args, *f.ByteVolume)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
