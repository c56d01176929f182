package pagination

import (
	"net/url"
	"testing"
)

func TestLinks(t *testing.T) {
	base, _ := url.Parse("/api/payments/history?status=FAILED")

	next, prev := Links(base, Pagination{Page: 1, PageSize: 10}, 25)
	if next == nil || *next != "/api/payments/history?page=2&page_size=10&status=FAILED" {
		t.Fatalf("unexpected next link: %v", next)
	}
	if prev != nil {
		t.Fatalf("expected no previous link on page 1, got %s", *prev)
	}

	next, prev = Links(base, Pagination{Page: 3, PageSize: 10}, 25)
	if next != nil {
		t.Fatalf("expected no next link on last page, got %s", *next)
	}
	if prev == nil || *prev != "/api/payments/history?page=2&page_size=10&status=FAILED" {
		t.Fatalf("unexpected previous link: %v", prev)
	}
}

func TestNormalizeAndValid(t *testing.T) {
	p := Pagination{}.Normalize()
	if p.Page != 1 || p.PageSize != DefaultPageSize {
		t.Fatalf("unexpected defaults: %+v", p)
	}
	if (Pagination{Page: 1, PageSize: MaxPageSize + 1}).Valid() {
		t.Fatalf("expected oversized page to be invalid")
	}
}
