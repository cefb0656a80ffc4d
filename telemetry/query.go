package telemetry

import "math"

// Default pagination values.
const (
	DefaultPage  = 1
	DefaultLimit = 10
)

// Filter selects signals. Nil fields are not applied; set fields are
// AND-combined.
type Filter struct {
	DeviceID   *string `json:"deviceId,omitempty"`
	UUID       *string `json:"uuid,omitempty"`
	TimeFrom   *int64  `json:"time,omitempty"` // time >= TimeFrom
	PointCount *int    `json:"pointCount,omitempty"`
	ByteVolume *int    `json:"byteVolume,omitempty"`
}

// Pagination is a 1-based page request.
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

// Offset returns the number of rows to skip. It saturates at math.MaxInt
// for pages too far out to address.
func (p Pagination) Offset() int {
	if p.Page <= 1 || p.Limit <= 0 {
		return 0
	}
	if p.Page-1 > math.MaxInt/p.Limit {
		return math.MaxInt
	}
	return (p.Page - 1) * p.Limit
}

// Page is one page of query results, ordered by time descending.
type Page struct {
	Data        []Signal `json:"data"`
	TotalCount  int64    `json:"totalCount"`
	TotalPages  int64    `json:"totalPages"`
	CurrentPage int      `json:"currentPage"`
	Limit       int      `json:"limit"`
}

// TotalPages returns ceil(total/limit), or 0 when limit is not positive.
func TotalPages(total int64, limit int) int64 {
	if limit <= 0 {
		return 0
	}
	return int64(math.Ceil(float64(total) / float64(limit)))
}
