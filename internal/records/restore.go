package records

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"schemaline/internal/domain"
	"schemaline/internal/platform"
)

// Restorer re-inserts backed up records into an app. Records are added as
// new rows; nothing is updated or deleted.
type Restorer struct {
	API          platform.RecordWriter
	SystemFields []string
	Logger       *zap.Logger
}

// Restore strips system fields from every record and inserts them in
// batches of platform.MaxRecordsPerInsert. It returns how many were added
// before any error.
func (r Restorer) Restore(ctx context.Context, app string, records []domain.Record) (int, error) {
	log := r.Logger
	if log == nil {
		log = zap.NewNop()
	}
	strip := make(map[string]struct{}, len(r.SystemFields))
	for _, code := range r.SystemFields {
		strip[code] = struct{}{}
	}
	added := 0
	for start := 0; start < len(records); start += platform.MaxRecordsPerInsert {
		end := min(start+platform.MaxRecordsPerInsert, len(records))
		batch := make([]domain.Record, 0, end-start)
		for _, rec := range records[start:end] {
			batch = append(batch, Clean(rec, strip))
		}
		if _, err := r.API.AddRecords(ctx, app, batch); err != nil {
			return added, fmt.Errorf("add records %d-%d: %w", start+1, end, err)
		}
		added += len(batch)
		log.Debug("records restored", zap.Int("added", added), zap.Int("total", len(records)))
	}
	return added, nil
}

// Clean returns a copy of rec without the fields in strip.
func Clean(rec domain.Record, strip map[string]struct{}) domain.Record {
	out := make(domain.Record, len(rec))
	for code, v := range rec {
		if _, ok := strip[code]; ok {
			continue
		}
		out[code] = v
	}
	return out
}
