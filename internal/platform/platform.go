// Package platform talks to the low-code platform's administrative REST API.
// Consumers depend on the narrow interfaces below so they can be exercised
// against platformtest.Fake.
package platform

import (
	"context"
	"io"

	"schemaline/internal/domain"
)

// SchemaReader fetches the live structure of an app.
type SchemaReader interface {
	GetAppSettings(ctx context.Context, app string) (map[string]any, error)
	GetFormFields(ctx context.Context, app string) (map[string]domain.Field, error)
	GetFormLayout(ctx context.Context, app string) ([]any, error)
	GetViews(ctx context.Context, app string) (map[string]domain.View, error)
}

// SchemaWriter stages structural changes and publishes them.
type SchemaWriter interface {
	AddFormFields(ctx context.Context, app string, properties map[string]domain.Field) error
	UpdateFormFields(ctx context.Context, app string, properties map[string]domain.Field) error
	DeleteFormFields(ctx context.Context, app string, codes []string) error
	UpdateViews(ctx context.Context, app string, views map[string]domain.View) error
	UpdateFormLayout(ctx context.Context, app string, layout []any) error
	DeployApp(ctx context.Context, app string) error
}

// RecordReader runs record queries. The platform caps a single call at
// MaxRecordsPerQuery records.
type RecordReader interface {
	GetRecords(ctx context.Context, app, query string) ([]domain.Record, error)
}

// RecordWriter inserts records. The platform caps a single call at
// MaxRecordsPerInsert records.
type RecordWriter interface {
	AddRecords(ctx context.Context, app string, records []domain.Record) ([]string, error)
}

// FileTransfer moves attachment bodies.
type FileTransfer interface {
	UploadFile(ctx context.Context, name string, r io.Reader) (string, error)
	DownloadFile(ctx context.Context, fileKey string, w io.Writer) error
}

// API is the full capability set.
type API interface {
	SchemaReader
	SchemaWriter
	RecordReader
	RecordWriter
	FileTransfer
}

const (
	MaxRecordsPerQuery  = 500
	MaxRecordsPerInsert = 100
)
