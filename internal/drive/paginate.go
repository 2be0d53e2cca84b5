package drive

import (
	"context"
	"iter"
	"strconv"
)

// defaultMaxPages bounds a single listing. At 100 items per page that is
// 100k entries, far beyond any directory the providers will serve.
const defaultMaxPages = 1000

// Page is one response of a paginated listing.
type Page struct {
	Items []Node
	// Next is the cursor for the following page. Empty means last page.
	Next string
	// Total is the provider-reported item count, 0 when unknown.
	Total int
}

// PageFunc fetches the page at cursor. The first call receives "".
type PageFunc func(ctx context.Context, cursor string) (Page, error)

// PageOptions tunes Collect and Pages.
type PageOptions struct {
	MaxPages int // 0 means defaultMaxPages
}

// Collect drains fetch into a slice. It stops on the first error, an empty
// page, an empty or repeated cursor, once the reported total is reached,
// or after MaxPages pages. Duplicate IDs across pages are dropped.
func Collect(ctx context.Context, fetch PageFunc, opts PageOptions) ([]Node, error) {
	var out []Node

	for n, err := range Pages(ctx, fetch, opts) {
		if err != nil {
			return nil, err
		}

		out = append(out, n)
	}

	return out, nil
}

// Pages is the lazy form of Collect. Each range over the returned sequence
// starts again from the first page.
func Pages(ctx context.Context, fetch PageFunc, opts PageOptions) iter.Seq2[Node, error] {
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}

	return func(yield func(Node, error) bool) {
		seen := make(map[string]struct{})
		cursor := ""
		count := 0

		for range maxPages {
			if err := ctx.Err(); err != nil {
				yield(Node{}, err)
				return
			}

			page, err := fetch(ctx, cursor)
			if err != nil {
				yield(Node{}, err)
				return
			}

			if len(page.Items) == 0 {
				return
			}

			for _, n := range page.Items {
				if n.ID != "" {
					if _, dup := seen[n.ID]; dup {
						continue
					}

					seen[n.ID] = struct{}{}
				}

				count++

				if !yield(n, nil) {
					return
				}
			}

			if page.Total > 0 && count >= page.Total {
				return
			}

			if page.Next == "" || page.Next == cursor {
				return
			}

			cursor = page.Next
		}
	}
}

// OffsetCursor computes the next cursor for offset/limit APIs. A short
// page ends the listing.
func OffsetCursor(offset, got, pageSize int) string {
	if got < pageSize {
		return ""
	}

	return strconv.Itoa(offset + got)
}

// ParseOffset reads a cursor produced by OffsetCursor. The empty cursor
// is offset 0.
func ParseOffset(cursor string) int {
	if cursor == "" {
		return 0
	}

	n, err := strconv.Atoi(cursor)
	if err != nil || n < 0 {
		return 0
	}

	return n
}

// PageNumberCursor is OffsetCursor for APIs that count pages from 1.
func PageNumberCursor(page, got, pageSize int) string {
	if got < pageSize {
		return ""
	}

	return strconv.Itoa(page + 1)
}

// ParsePageNumber reads a PageNumberCursor; the empty cursor is page 1.
func ParsePageNumber(cursor string) int {
	n := ParseOffset(cursor)
	if n < 1 {
		return 1
	}

	return n
}
