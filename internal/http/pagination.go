package httpx

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/cloudigrade/cloudigrade/internal/service"
)

const (
	defaultPageLimit = 10
	maxPageLimit     = 1000
)

type listMeta struct {
	Count *int `json:"count,omitempty"`
}

type listLinks struct {
	First    string  `json:"first"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
}

type listResponse[T any] struct {
	Data  []T       `json:"data"`
	Meta  listMeta  `json:"meta"`
	Links listLinks `json:"links"`
}

// newListResponse wraps a page with count metadata and navigation links that
// keep the request's other query parameters.
func newListResponse[T any](r *http.Request, page service.Page[T], limit, offset int) listResponse[T] {
	items := page.Items
	if items == nil {
		items = []T{}
	}
	resp := listResponse[T]{
		Data:  items,
		Links: listLinks{First: pageLink(r.URL, limit, 0)},
	}
	if page.Count >= 0 {
		count := page.Count
		resp.Meta.Count = &count
	}
	if page.More {
		next := pageLink(r.URL, limit, offset+limit)
		resp.Links.Next = &next
	}
	if offset > 0 {
		prev := pageLink(r.URL, limit, max(offset-limit, 0))
		resp.Links.Previous = &prev
	}
	return resp
}

func pageLink(u *url.URL, limit, offset int) string {
	q := u.Query()
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	return u.Path + "?" + q.Encode()
}
