// Package platformtest provides an in-memory platform.API for tests.
package platformtest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"schemaline/internal/domain"
	"schemaline/internal/platform"
)

var _ platform.API = (*Fake)(nil)

// App is the state of one fake app. Mutations land in Preview and are copied
// to Live by DeployApp, like the real platform.
type App struct {
	Settings map[string]any
	Live     Schema
	Preview  Schema
	Records  []domain.Record
	nextID   int64
}

type Schema struct {
	Fields map[string]domain.Field
	Layout []any
	Views  map[string]domain.View
}

// Fake records every call in Calls. Set Errors[method] to make that method
// fail. With T and ForbidMutations set, any mutating call fails the test.
type Fake struct {
	T               testing.TB
	ForbidMutations bool
	Errors          map[string]error

	mu      sync.Mutex
	apps    map[string]*App
	files   map[string][]byte
	Calls   []string
	Queries []string
}

func New() *Fake {
	return &Fake{
		Errors: map[string]error{},
		apps:   map[string]*App{},
		files:  map[string][]byte{},
	}
}

// Seed installs a live schema for app. Preview starts as a copy.
func (f *Fake) Seed(app string, snap domain.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	live := Schema{Fields: snap.Fields, Layout: snap.Layout, Views: snap.Views}
	f.apps[app] = &App{
		Settings: snap.Settings,
		Live:     clone(live),
		Preview:  clone(live),
	}
}

// SeedRecords appends n records with sequential $id values.
func (f *Fake) SeedRecords(app string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.app(app)
	for i := 0; i < n; i++ {
		a.nextID++
		a.Records = append(a.Records, newRecord(a.nextID, fmt.Sprintf("row-%d", a.nextID)))
	}
}

// App returns the state of app.
func (f *Fake) App(app string) *App {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.app(app)
}

// Snapshot returns the live structure of app as a snapshot.
func (f *Fake) Snapshot(app, env string) domain.Snapshot {
	a := f.App(app)
	live := clone(a.Live)
	return domain.Snapshot{AppID: app, AppName: app, Environment: env, Fields: live.Fields, Layout: live.Layout, Views: live.Views}
}

// CallCount counts calls of method.
func (f *Fake) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == method {
			n++
		}
	}
	return n
}

func (f *Fake) GetAppSettings(ctx context.Context, app string) (map[string]any, error) {
	if err := f.call("GetAppSettings", false); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.app(app).Settings, nil
}

func (f *Fake) GetFormFields(ctx context.Context, app string) (map[string]domain.Field, error) {
	if err := f.call("GetFormFields", false); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return clone(f.app(app).Live).Fields, nil
}

func (f *Fake) GetFormLayout(ctx context.Context, app string) ([]any, error) {
	if err := f.call("GetFormLayout", false); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return clone(f.app(app).Live).Layout, nil
}

func (f *Fake) GetViews(ctx context.Context, app string) (map[string]domain.View, error) {
	if err := f.call("GetViews", false); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return clone(f.app(app).Live).Views, nil
}

func (f *Fake) AddFormFields(ctx context.Context, app string, properties map[string]domain.Field) error {
	if err := f.call("AddFormFields", true); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.app(app)
	for code, field := range properties {
		if _, ok := a.Preview.Fields[code]; ok {
			return fmt.Errorf("field %s already exists", code)
		}
		a.Preview.Fields[code] = cloneValue(field)
	}
	return nil
}

func (f *Fake) UpdateFormFields(ctx context.Context, app string, properties map[string]domain.Field) error {
	if err := f.call("UpdateFormFields", true); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.app(app)
	for code, patch := range properties {
		existing, ok := a.Preview.Fields[code]
		if !ok {
			return fmt.Errorf("field %s not found", code)
		}
		if _, ok := patch["type"]; ok {
			return fmt.Errorf("field %s: type cannot be updated", code)
		}
		updated := domain.Field{"code": existing["code"], "type": existing["type"]}
		for k, v := range cloneValue(patch) {
			updated[k] = v
		}
		a.Preview.Fields[code] = updated
	}
	return nil
}

func (f *Fake) DeleteFormFields(ctx context.Context, app string, codes []string) error {
	if err := f.call("DeleteFormFields", true); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.app(app)
	for _, code := range codes {
		delete(a.Preview.Fields, code)
	}
	return nil
}

func (f *Fake) UpdateViews(ctx context.Context, app string, views map[string]domain.View) error {
	if err := f.call("UpdateViews", true); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.app(app).Preview.Views = cloneValue(views)
	return nil
}

func (f *Fake) UpdateFormLayout(ctx context.Context, app string, layout []any) error {
	if err := f.call("UpdateFormLayout", true); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.app(app).Preview.Layout = cloneValue(layout)
	return nil
}

func (f *Fake) DeployApp(ctx context.Context, app string) error {
	if err := f.call("DeployApp", true); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.app(app)
	a.Live = clone(a.Preview)
	return nil
}

var (
	idAfter     = regexp.MustCompile(`\$id > (\d+)`)
	limitArg    = regexp.MustCompile(`limit (\d+)`)
	fieldFilter = regexp.MustCompile(`^\((\w+) (=|!=) "([^"]*)"\) and `)
)

// GetRecords understands the cursor queries built by the records package:
// "$id > N order by $id asc limit L", optionally prefixed by one
// `(code = "v") and ` or `(code != "v") and ` filter. Other filters fail.
// Every query is kept in Queries.
func (f *Fake) GetRecords(ctx context.Context, app, query string) ([]domain.Record, error) {
	if err := f.call("GetRecords", false); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Queries = append(f.Queries, query)
	match := func(domain.Record) bool { return true }
	if strings.HasPrefix(query, "(") {
		m := fieldFilter.FindStringSubmatch(query)
		if m == nil {
			return nil, fmt.Errorf("unsupported filter in %q", query)
		}
		code, op, want := m[1], m[2], m[3]
		match = func(r domain.Record) bool {
			var got string
			if v, ok := r[code].(map[string]any); ok {
				got, _ = v["value"].(string)
			}
			return (got == want) == (op == "=")
		}
	}
	var after int64
	if m := idAfter.FindStringSubmatch(query); m != nil {
		after, _ = strconv.ParseInt(m[1], 10, 64)
	}
	limit := platform.MaxRecordsPerQuery
	if m := limitArg.FindStringSubmatch(query); m != nil {
		limit, _ = strconv.Atoi(m[1])
	}
	if limit > platform.MaxRecordsPerQuery {
		return nil, fmt.Errorf("limit %d exceeds %d", limit, platform.MaxRecordsPerQuery)
	}
	records := append([]domain.Record(nil), f.app(app).Records...)
	sort.Slice(records, func(i, j int) bool {
		a, _ := records[i].ID()
		b, _ := records[j].ID()
		return a < b
	})
	out := []domain.Record{}
	for _, r := range records {
		id, _ := r.ID()
		if id <= after || !match(r) {
			continue
		}
		out = append(out, cloneValue(r))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *Fake) AddRecords(ctx context.Context, app string, records []domain.Record) ([]string, error) {
	if err := f.call("AddRecords", true); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(records) > platform.MaxRecordsPerInsert {
		return nil, fmt.Errorf("%d records exceeds %d", len(records), platform.MaxRecordsPerInsert)
	}
	a := f.app(app)
	ids := make([]string, 0, len(records))
	for _, r := range records {
		if _, ok := r["$id"]; ok {
			return nil, fmt.Errorf("record carries $id")
		}
		a.nextID++
		stored := cloneValue(r)
		stored["$id"] = map[string]any{"type": "__ID__", "value": strconv.FormatInt(a.nextID, 10)}
		a.Records = append(a.Records, stored)
		ids = append(ids, strconv.FormatInt(a.nextID, 10))
	}
	return ids, nil
}

func (f *Fake) UploadFile(ctx context.Context, name string, r io.Reader) (string, error) {
	if err := f.call("UploadFile", true); err != nil {
		return "", err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("key-%d-%s", len(f.files)+1, name)
	f.files[key] = data
	return key, nil
}

func (f *Fake) DownloadFile(ctx context.Context, fileKey string, w io.Writer) error {
	if err := f.call("DownloadFile", false); err != nil {
		return err
	}
	f.mu.Lock()
	data, ok := f.files[fileKey]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("file %s not found", fileKey)
	}
	_, err := io.Copy(w, bytes.NewReader(data))
	return err
}

func (f *Fake) call(method string, mutating bool) error {
	f.mu.Lock()
	f.Calls = append(f.Calls, method)
	err := f.Errors[method]
	f.mu.Unlock()
	if mutating && f.ForbidMutations {
		if f.T != nil {
			f.T.Errorf("unexpected mutation call %s", method)
		}
		return fmt.Errorf("mutation %s forbidden", method)
	}
	return err
}

func (f *Fake) app(name string) *App {
	a, ok := f.apps[name]
	if !ok {
		a = &App{
			Settings: map[string]any{},
			Live:     Schema{Fields: map[string]domain.Field{}, Views: map[string]domain.View{}},
			Preview:  Schema{Fields: map[string]domain.Field{}, Views: map[string]domain.View{}},
		}
		f.apps[name] = a
	}
	return a
}

func newRecord(id int64, title string) domain.Record {
	return domain.Record{
		"$id":           map[string]any{"type": "__ID__", "value": strconv.FormatInt(id, 10)},
		"$revision":     map[string]any{"type": "__REVISION__", "value": "1"},
		"RECORD_NUMBER": map[string]any{"type": "RECORD_NUMBER", "value": strconv.FormatInt(id, 10)},
		"title":         map[string]any{"type": "SINGLE_LINE_TEXT", "value": title},
	}
}

func clone(s Schema) Schema {
	out := Schema{
		Fields: cloneValue(s.Fields),
		Layout: cloneValue(s.Layout),
		Views:  cloneValue(s.Views),
	}
	if out.Fields == nil {
		out.Fields = map[string]domain.Field{}
	}
	if out.Views == nil {
		out.Views = map[string]domain.View{}
	}
	return out
}

// cloneValue deep-copies through a JSON round trip, which is also what the
// real platform does to every payload.
func cloneValue[T any](v T) T {
	var out T
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		panic(err)
	}
	return out
}
