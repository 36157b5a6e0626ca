package syncrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"contactsync/internal/core/apperror"
	"contactsync/internal/core/id"
	"contactsync/internal/domain/identity"
	"contactsync/internal/domain/source"
)

type memLedger struct {
	mu   sync.Mutex
	runs map[id.ID]Run
	// opened counts Open calls
	opened int
}

func newMemLedger() *memLedger {
	return &memLedger{runs: make(map[id.ID]Run)}
}

func (l *memLedger) Open(_ context.Context, run *Run) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opened++
	l.runs[run.ID] = *run
	return nil
}

func (l *memLedger) Seal(_ context.Context, run *Run) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.runs[run.ID]
	if !ok {
		return apperror.NewNotFound("sync run", run.ID)
	}
	if cur.Status != StatusRunning {
		return apperror.NewConflict("run already sealed")
	}
	l.runs[run.ID] = *run
	return nil
}

func (l *memLedger) Get(_ context.Context, runID id.ID) (*Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.runs[runID]
	if !ok {
		return nil, apperror.NewNotFound("sync run", runID)
	}
	return &r, nil
}

func (l *memLedger) List(_ context.Context, f ListFilter) ([]Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Run
	for _, r := range l.runs {
		if f.SourceType != "" && r.SourceType != f.SourceType {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (l *memLedger) FailAbandoned(_ context.Context, cutoff time.Time, reason string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, r := range l.runs {
		if r.Status == StatusRunning && r.StartedAt.Before(cutoff) {
			r.Status = StatusFailed
			r.ErrorSummary = strPtr(reason)
			l.runs[k] = r
			n++
		}
	}
	return n, nil
}

type memWatermarks struct {
	mu   sync.Mutex
	data map[string]Watermark
	puts int
}

func newMemWatermarks() *memWatermarks {
	return &memWatermarks{data: make(map[string]Watermark)}
}

func (w *memWatermarks) Get(_ context.Context, st source.Type, scope string) (*Watermark, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	wm, ok := w.data[string(st)+"/"+scope]
	if !ok {
		return nil, nil
	}
	return &wm, nil
}

func (w *memWatermarks) Put(_ context.Context, wm Watermark) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.puts++
	w.data[string(wm.SourceType)+"/"+wm.Scope] = wm
	return nil
}

func (w *memWatermarks) cursor(st source.Type) string {
	wm, _ := w.Get(context.Background(), st, DefaultScope)
	if wm == nil {
		return ""
	}
	return wm.Cursor
}

// memWriter keeps rows keyed by source id and fails ids listed in failIDs.
type memWriter struct {
	mu       sync.Mutex
	rows     map[string]source.Record
	failIDs  map[string]bool
	batchErr error
	batches  int
}

func newMemWriter(failIDs ...string) *memWriter {
	w := &memWriter{rows: make(map[string]source.Record), failIDs: make(map[string]bool)}
	for _, f := range failIDs {
		w.failIDs[f] = true
	}
	return w
}

func (w *memWriter) WriteBatch(_ context.Context, batch []Prepared) (WriteResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.batches++
	if w.batchErr != nil {
		return WriteResult{}, w.batchErr
	}
	var res WriteResult
	for _, p := range batch {
		key := string(p.Record.SourceType) + "/" + p.Record.SourceID
		if w.failIDs[p.Record.SourceID] {
			res.Failed = append(res.Failed, RowError{SourceID: p.Record.SourceID, Err: errors.New("constraint violation")})
			continue
		}
		prev, ok := w.rows[key]
		switch {
		case !ok:
			res.Inserted++
		case string(prev.Payload) == string(p.Record.Payload):
			res.Unchanged++
		default:
			res.Updated++
		}
		w.rows[key] = p.Record
	}
	return res, nil
}

func (w *memWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.rows)
}

type recordingSink struct {
	mu  sync.Mutex
	ids []identity.NormalizedIdentifier
	err error
}

func (s *recordingSink) ResolveIdentifiers(_ context.Context, ids []identity.NormalizedIdentifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, ids...)
	return s.err
}

// pagedAdapter serves numbered CRM records. Cursor "" is page 0; cursor "p<n>"
// is page n. Watermarks are zero-padded page markers, so they order lexically.
type pagedAdapter struct {
	mu       sync.Mutex
	st       source.Type
	pages    [][]source.ProviderRecord
	failures map[int][]error // page index -> errors returned before success
	calls    []string
	onFetch  func(page int)
	noWM     bool
}

func crmRecord(n int, email string) source.ProviderRecord {
	payload, _ := json.Marshal(map[string]any{
		"id":         "C" + strconv.Itoa(n),
		"emails":     []string{email},
		"updated_at": "2024-01-01T00:00:00Z",
	})
	return source.ProviderRecord{ID: "C" + strconv.Itoa(n), Payload: payload}
}

func newPagedAdapter(pageSizes ...int) *pagedAdapter {
	a := &pagedAdapter{st: source.TypeCRM, failures: make(map[int][]error)}
	n := 0
	for _, size := range pageSizes {
		var page []source.ProviderRecord
		for i := 0; i < size; i++ {
			n++
			page = append(page, crmRecord(n, fmt.Sprintf("user%d@acme.com", n)))
		}
		a.pages = append(a.pages, page)
	}
	return a
}

func (a *pagedAdapter) SourceType() source.Type { return a.st }

func (a *pagedAdapter) CompareCursors(x, y string) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func pageCursor(i int) string { return fmt.Sprintf("p%04d", i) }

func (a *pagedAdapter) FetchPage(ctx context.Context, cursor string, _ source.Mode) (source.Page, error) {
	a.mu.Lock()
	a.calls = append(a.calls, cursor)
	idx := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor[1:])
		if err != nil {
			a.mu.Unlock()
			return source.Page{}, source.Fatal("bad cursor", err)
		}
		idx = n
	}
	if errs := a.failures[idx]; len(errs) > 0 {
		err := errs[0]
		a.failures[idx] = errs[1:]
		a.mu.Unlock()
		return source.Page{}, err
	}
	hook := a.onFetch
	a.mu.Unlock()

	if hook != nil {
		hook(idx)
	}
	if err := ctx.Err(); err != nil {
		return source.Page{}, err
	}
	if idx >= len(a.pages) {
		return source.Page{}, nil
	}

	page := source.Page{Records: a.pages[idx]}
	if idx+1 < len(a.pages) {
		page.NextCursor = pageCursor(idx + 1)
	}
	if !a.noWM {
		page.Watermark = pageCursor(idx + 1)
	}
	return page, nil
}
