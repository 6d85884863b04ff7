// Package pagination parses limit/offset paging for the list endpoints and
// shapes paginated responses.
package pagination

import (
	"net/http"
	"strconv"
)

// DefaultPerPage is the default number of items per page
const DefaultPerPage = 20

// MaxPerPage is the maximum allowed items per page
const MaxPerPage = 100

// Params represents pagination parameters
type Params struct {
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
	Limit   int `json:"-"`
	Offset  int `json:"-"`
}

// Response represents a paginated response
type Response[T any] struct {
	Page         int `json:"page"`
	PerPage      int `json:"per_page"`
	TotalPages   int `json:"total_pages"`
	TotalResults int `json:"total_results"`
	Results      []T `json:"results"`
}

// ParseParams extracts pagination parameters from an HTTP request
func ParseParams(r *http.Request) Params {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}

	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if perPage < 1 {
		perPage = DefaultPerPage
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}

	return Params{
		Page:    page,
		PerPage: perPage,
		Limit:   perPage,
		Offset:  (page - 1) * perPage,
	}
}

// NewResponse creates a paginated response
func NewResponse[T any](results []T, params Params, totalResults int) Response[T] {
	totalPages := (totalResults + params.PerPage - 1) / params.PerPage
	if totalPages < 1 {
		totalPages = 1
	}
	return Response[T]{
		Page:         params.Page,
		PerPage:      params.PerPage,
		TotalPages:   totalPages,
		TotalResults: totalResults,
		Results:      results,
	}
}
