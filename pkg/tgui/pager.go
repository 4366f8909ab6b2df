package tgui

import "fmt"

const defaultPageSize = 10

// PaginateSlice slices out the requested 0-based page and reports the
// window bounds plus prev/next availability. An out-of-range page
// yields an empty window; screens that want the last page instead
// clamp before calling.
func PaginateSlice[T any](items []T, page, size int) (sub []T, page2 int, size2 int, from int, to int, hasPrev bool, hasNext bool) {
	if size <= 0 {
		size = defaultPageSize
	}
	if page < 0 {
		page = 0
	}
	from = page * size
	if from > len(items) {
		from = len(items)
	}
	to = from + size
	if to > len(items) {
		to = len(items)
	}
	return items[from:to], page, size, from, to, page > 0, to < len(items)
}

// PageLabel renders "Page 2/5 • 11–20 of 42" for a 0-based page,
// clamping page into range.
func PageLabel(page, size, total int) string {
	if size <= 0 {
		size = defaultPageSize
	}
	if total <= 0 {
		return "Page 1/1"
	}
	pages := (total + size - 1) / size
	if page < 0 {
		page = 0
	}
	if page >= pages {
		page = pages - 1
	}
	from := page*size + 1
	to := from + size - 1
	if to > total {
		to = total
	}
	return fmt.Sprintf("Page %d/%d • %d–%d of %d", page+1, pages, from, to, total)
}
