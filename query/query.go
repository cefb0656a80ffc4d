// Package query normalizes list requests before they reach the signal store.
package query

import (
	"context"

	"github.com/c360/xraysignals/telemetry"
)

// DefaultMaxLimit caps the page size when no other cap is configured.
const DefaultMaxLimit = 100

// Params is a raw list request. Zero or negative Page and Limit mean "use
// the default".
type Params struct {
	Filter telemetry.Filter
	Page   int
	Limit  int
}

// Lister is the store operation the projector delegates to.
type Lister interface {
	Query(ctx context.Context, filter telemetry.Filter, p telemetry.Pagination) (telemetry.Page, error)
}

// Projector substitutes pagination defaults and delegates to the store.
type Projector struct {
	store    Lister
	maxLimit int
}

// New creates a Projector. maxLimit <= 0 disables the page size cap.
func New(store Lister, maxLimit int) *Projector {
	return &Projector{store: store, maxLimit: maxLimit}
}

// Normalize applies the default page and limit and clamps the limit to
// maxLimit when maxLimit is positive. The filter passes through unchanged.
func Normalize(p Params, maxLimit int) (telemetry.Filter, telemetry.Pagination) {
	page, limit := p.Page, p.Limit
	if page <= 0 {
		page = telemetry.DefaultPage
	}
	if limit <= 0 {
		limit = telemetry.DefaultLimit
	}
	if maxLimit > 0 && limit > maxLimit {
		limit = maxLimit
	}
	return p.Filter, telemetry.Pagination{Page: page, Limit: limit}
}

// List returns the requested page.
func (p *Projector) List(ctx context.Context, params Params) (telemetry.Page, error) {
	filter, pagination := Normalize(params, p.maxLimit)
	return p.store.Query(ctx, filter, pagination)
}
