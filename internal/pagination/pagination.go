// Package pagination extracts and validates page/per_page parameters from
// inbox API query strings.
package pagination

import (
	"net/url"
	"strconv"
)

// Params represents pagination parameters extracted from a request.
type Params struct {
	Page    int // Current page number (1-based)
	PerPage int // Number of items per page
}

const (
	// MaxPerPage is the maximum number of items allowed per page
	MaxPerPage = 100
	// DefaultPage is the default page number when not specified
	DefaultPage = 1
	// DefaultPerPage is the default number of items per page when not specified
	DefaultPerPage = 20
)

// Option configures the defaults applied before reading the query string.
type Option func(*Params)

// WithDefaultPerPage overrides the default page size. Non-positive values
// are ignored.
func WithDefaultPerPage(perPage int) Option {
	return func(p *Params) {
		if perPage > 0 {
			p.PerPage = perPage
		}
	}
}

// FromQuery extracts pagination parameters from URL query values, applying
// options first and enforcing the per-page ceiling.
func FromQuery(q url.Values, opts ...Option) Params {
	params := Params{
		Page:    DefaultPage,
		PerPage: DefaultPerPage,
	}
	for _, opt := range opts {
		opt(&params)
	}

	if pageStr := q.Get("page"); pageStr != "" {
		if val, err := strconv.Atoi(pageStr); err == nil && val > 0 {
			params.Page = val
		}
	}
	if perPageStr := q.Get("per_page"); perPageStr != "" {
		if val, err := strconv.Atoi(perPageStr); err == nil && val > 0 {
			params.PerPage = val
		}
	}
	if params.PerPage > MaxPerPage {
		params.PerPage = MaxPerPage
	}
	return params
}
