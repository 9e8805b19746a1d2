package notion

import (
	"context"
	"time"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// DefaultPageSize is the page size requested from database queries.
const DefaultPageSize = 100

// QueryPages fetches pages from a Notion database, handling pagination.
// At most maxPages result pages are fetched (no bound when maxPages <= 0);
// truncated reports whether more results were left on the server.
// Rate limiting is enforced by the Client (3 req/s by default).
// Uses prefetch: starts fetching page N+1 in a goroutine while processing
// page N.
func QueryPages(ctx context.Context, c Client, dbID string, filter *notionapi.DatabaseQueryRequest, maxPages int) (pages []notionapi.Page, truncated bool, err error) {
	newReq := func(cursor notionapi.Cursor) *notionapi.DatabaseQueryRequest {
		req := &notionapi.DatabaseQueryRequest{StartCursor: cursor, PageSize: DefaultPageSize}
		if filter != nil {
			req.Filter = filter.Filter
			req.Sorts = filter.Sorts
			if filter.PageSize > 0 {
				req.PageSize = filter.PageSize
			}
		}
		return req
	}

	// Prefetch state: holds the result of a prefetched next page.
	type prefetchResult struct {
		resp *notionapi.DatabaseQueryResponse
		err  error
	}
	var prefetchCh <-chan prefetchResult

	for fetched := 1; ; fetched++ {
		var resp *notionapi.DatabaseQueryResponse
		var err error

		if prefetchCh != nil {
			result := <-prefetchCh
			resp, err = result.resp, result.err
		} else {
			resp, err = c.QueryDatabase(ctx, dbID, newReq(""))
		}
		if err != nil {
			return nil, false, eris.Wrapf(err, "notion: query page %d", fetched)
		}

		pages = append(pages, resp.Results...)

		if !resp.HasMore {
			return pages, false, nil
		}
		if maxPages > 0 && fetched >= maxPages {
			return pages, true, nil
		}

		ch := make(chan prefetchResult, 1)
		prefetchCh = ch
		next := newReq(resp.NextCursor)
		go func() {
			r, e := c.QueryDatabase(ctx, dbID, next)
			ch <- prefetchResult{resp: r, err: e}
		}()
	}
}

// EditedSince builds a query for pages last edited at or after since,
// oldest first. A nil since selects every page.
func EditedSince(since *time.Time) *notionapi.DatabaseQueryRequest {
	req := &notionapi.DatabaseQueryRequest{
		Sorts: []notionapi.SortObject{{
			Timestamp: notionapi.TimestampLastEdited,
			Direction: notionapi.SortOrderASC,
		}},
	}
	if since != nil {
		d := notionapi.Date(since.UTC())
		req.Filter = notionapi.TimestampFilter{
			Timestamp:      notionapi.TimestampLastEdited,
			LastEditedTime: &notionapi.DateFilterCondition{OnOrAfter: &d},
		}
	}
	return req
}
