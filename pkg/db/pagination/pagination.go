package pagination

import (
	"net/url"
	"strconv"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type Pagination struct {
	Page     int `form:"page"`
	PageSize int `form:"page_size"`
}

// Normalize fills in page 1 and the default size. Out-of-range sizes are left
// for the caller to reject.
func (p Pagination) Normalize() Pagination {
	if p.Page == 0 {
		p.Page = 1
	}
	if p.PageSize == 0 {
		p.PageSize = DefaultPageSize
	}
	return p
}

func (p Pagination) Valid() bool {
	return p.Page >= 1 && p.PageSize >= 1 && p.PageSize <= MaxPageSize
}

// Links builds the next/previous URLs of a {count, next, previous, results}
// page from the request URL, keeping every other query parameter.
func Links(base *url.URL, p Pagination, count int64) (next, previous *string) {
	p = p.Normalize()
	if base == nil || p.PageSize <= 0 {
		return nil, nil
	}
	if int64(p.Page)*int64(p.PageSize) < count {
		link := pageURL(base, p.Page+1, p.PageSize)
		next = &link
	}
	if p.Page > 1 {
		link := pageURL(base, p.Page-1, p.PageSize)
		previous = &link
	}
	return next, previous
}

func pageURL(base *url.URL, page, pageSize int) string {
	u := *base
	query := u.Query()
	query.Set("page", strconv.Itoa(page))
	query.Set("page_size", strconv.Itoa(pageSize))
	u.RawQuery = query.Encode()
	return u.String()
}
