package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// Limit reads the result cap from `_count` or `limit`, falling back to def
// and clamping to MaxLimit.
func Limit(c echo.Context, def int) int {
	limit, _ := strconv.Atoi(c.QueryParam("_count"))
	if limit <= 0 {
		limit, _ = strconv.Atoi(c.QueryParam("limit"))
	}
	if limit <= 0 {
		limit = def
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return limit
}

// Response wraps a capped list result.
type Response struct {
	Data    interface{} `json:"data"`
	Count   int         `json:"count"`
	Limit   int         `json:"limit"`
	HasMore bool        `json:"has_more"`
}

// NewResponse reports HasMore when the source filled the whole cap, since
// further results may exist.
func NewResponse(data interface{}, count, limit int) *Response {
	return &Response{
		Data:    data,
		Count:   count,
		Limit:   limit,
		HasMore: limit > 0 && count >= limit,
	}
}
