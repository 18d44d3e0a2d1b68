// Package records moves record data in and out of an app: full paginated
// export, backup artifacts on disk and batched restore.
package records

import (
	"context"
	"fmt"
	"strings"

	"schemaline/internal/domain"
	"schemaline/internal/platform"
)

// FetchAll retrieves every record of app matching query by walking $id in
// ascending order, one page of platform.MaxRecordsPerQuery at a time.
// Paging stops at the first short page, so a record count that is an exact
// multiple of the page size costs one extra, empty request. Any error
// discards what was fetched so far.
func FetchAll(ctx context.Context, api platform.RecordReader, app, query string) ([]domain.Record, error) {
	return fetchPages(ctx, api, app, query, platform.MaxRecordsPerQuery)
}

func fetchPages(ctx context.Context, api platform.RecordReader, app, query string, pageSize int) ([]domain.Record, error) {
	all := []domain.Record{}
	var lastID int64
	for {
		page, err := api.GetRecords(ctx, app, CursorQuery(query, lastID, pageSize))
		if err != nil {
			return nil, fmt.Errorf("fetch records after $id %d: %w", lastID, err)
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
		id, err := page[len(page)-1].ID()
		if err != nil {
			return nil, err
		}
		if id <= lastID {
			return nil, fmt.Errorf("record cursor did not advance past $id %d", lastID)
		}
		lastID = id
	}
}

// CursorQuery builds the query for the page after lastID. A non-empty filter
// is parenthesized and combined with the cursor condition.
func CursorQuery(filter string, lastID int64, pageSize int) string {
	cursor := fmt.Sprintf("$id > %d order by $id asc limit %d", lastID, pageSize)
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return cursor
	}
	return fmt.Sprintf("(%s) and %s", filter, cursor)
}
