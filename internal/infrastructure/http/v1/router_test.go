package v1_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contactsync/internal/core/apperror"
	appctx "contactsync/internal/core/context"
	"contactsync/internal/core/id"
	"contactsync/internal/domain/auth"
	"contactsync/internal/domain/identity"
	"contactsync/internal/domain/resolution"
	"contactsync/internal/domain/source"
	"contactsync/internal/domain/syncrun"
	v1 "contactsync/internal/infrastructure/http/v1"
	"contactsync/internal/infrastructure/http/v1/handlers"
	"contactsync/internal/infrastructure/metrics"
	"contactsync/internal/infrastructure/storage/postgres/warehouse_repo"
	"contactsync/pkg/logger"
)

type fakeSync struct {
	mu         sync.Mutex
	triggered  chan source.Type
	watermarks map[source.Type]string
	operator   string
}

func (f *fakeSync) RunSync(ctx context.Context, st source.Type, mode source.Mode) (*syncrun.Run, error) {
	f.mu.Lock()
	f.operator = appctx.GetSubject(ctx)
	f.mu.Unlock()
	if f.triggered != nil {
		f.triggered <- st
	}
	now := time.Now()
	return &syncrun.Run{
		ID:          id.New(),
		SourceType:  st,
		Mode:        mode,
		Status:      syncrun.StatusSuccess,
		StartedAt:   now.Add(-time.Second),
		CompletedAt: &now,
	}, nil
}

func (f *fakeSync) Watermark(_ context.Context, st source.Type) (*syncrun.Watermark, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.watermarks[st]
	if !ok {
		return nil, nil
	}
	return &syncrun.Watermark{SourceType: st, Scope: syncrun.DefaultScope, Cursor: c, UpdatedAt: time.Now()}, nil
}

func (f *fakeSync) ResetWatermark(_ context.Context, st source.Type, cursor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watermarks[st] = cursor
	return nil
}

type fakeLedger struct {
	runs []syncrun.Run
}

func (l *fakeLedger) Get(_ context.Context, runID id.ID) (*syncrun.Run, error) {
	for i := range l.runs {
		if l.runs[i].ID == runID {
			return &l.runs[i], nil
		}
	}
	return nil, apperror.NewNotFound("sync run", runID)
}

func (l *fakeLedger) List(_ context.Context, f syncrun.ListFilter) ([]syncrun.Run, error) {
	var out []syncrun.Run
	for _, r := range l.runs {
		if (f.SourceType == "" || r.SourceType == f.SourceType) && (f.Status == "" || r.Status == f.Status) {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeResolver struct {
	active map[string]*resolution.Record
}

func contactRecord(ident identity.NormalizedIdentifier, contact string, tier resolution.Tier) *resolution.Record {
	return &resolution.Record{
		ID:               id.New(),
		Kind:             ident.Kind,
		Identifier:       ident.Value,
		MatchedContactID: &contact,
		Tier:             tier,
		Method:           resolution.MethodExactEmail,
		Score:            decimal.NewFromInt(1),
		Active:           true,
	}
}

func (r *fakeResolver) Decide(_ context.Context, ident identity.NormalizedIdentifier) (resolution.Decision, error) {
	return resolution.Decision{Tier: resolution.TierExact, ContactID: "c-1", Method: resolution.MethodExactEmail, Score: decimal.NewFromInt(1)}, nil
}

func (r *fakeResolver) Resolve(_ context.Context, ident identity.NormalizedIdentifier) (*resolution.Record, error) {
	rec := contactRecord(ident, "c-1", resolution.TierExact)
	r.active[ident.String()] = rec
	return rec, nil
}

func (r *fakeResolver) Active(_ context.Context, ident identity.NormalizedIdentifier) (*resolution.Record, error) {
	if rec, ok := r.active[ident.String()]; ok {
		return rec, nil
	}
	return nil, apperror.NewNotFound("resolution", ident.String())
}

func (r *fakeResolver) List(context.Context, resolution.ListFilter) ([]resolution.Record, error) {
	var out []resolution.Record
	for _, rec := range r.active {
		out = append(out, *rec)
	}
	return out, nil
}

func (r *fakeResolver) History(ctx context.Context, ident identity.NormalizedIdentifier) ([]resolution.Record, error) {
	rec, err := r.Active(ctx, ident)
	if err != nil {
		return nil, nil
	}
	return []resolution.Record{*rec}, nil
}

func (r *fakeResolver) SetOverride(_ context.Context, ident identity.NormalizedIdentifier, contactID string) (*resolution.Record, error) {
	rec := contactRecord(ident, contactID, resolution.TierManual)
	r.active[ident.String()] = rec
	return rec, nil
}

func (r *fakeResolver) RevokeOverride(context.Context, identity.NormalizedIdentifier) (*resolution.Record, error) {
	return nil, apperror.NewNotFound("manual override", "x")
}

type fakeReconciler struct {
	batchSize *int
}

func (f fakeReconciler) Reconcile(_ context.Context, batchSize int) (resolution.ReconcileResult, error) {
	if f.batchSize != nil {
		*f.batchSize = batchSize
	}
	return resolution.ReconcileResult{Rescored: 3, Upgraded: 1}, nil
}

type fakeRecords struct{}

func (fakeRecords) Get(_ context.Context, st source.Type, sourceID string) (*warehouse_repo.StoredRecord, error) {
	if sourceID != "call-1" {
		return nil, apperror.NewNotFound("source record", sourceID)
	}
	return &warehouse_repo.StoredRecord{SourceType: st, SourceID: sourceID, RecordType: "call", Payload: json.RawMessage(`{"from":"+15551234567"}`)}, nil
}

func (fakeRecords) ContactsOf(context.Context, source.Type, string) ([]string, error) {
	return []string{"c-9"}, nil
}

type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }

type env struct {
	router    http.Handler
	jwt       *auth.JWTService
	sync      *fakeSync
	ledger    *fakeLedger
	runs      *handlers.RunsHandler
	reg       *prometheus.Registry
	batchSize *int
}

func newEnv(t *testing.T) *env {
	t.Helper()
	reg := prometheus.NewRegistry()
	rec := metrics.NewRecorder(reg)
	jwt := auth.NewJWTService(auth.DefaultJWTConfig("router-test"))
	fs := &fakeSync{watermarks: map[source.Type]string{source.TypeCRM: "p0003"}, triggered: make(chan source.Type, 4)}
	ledger := &fakeLedger{}
	batchSize := new(int)
	base := handlers.NewBaseHandler("US")
	runs := handlers.NewRunsHandler(base, fs, ledger, context.Background(), logger.Nop())

	router := v1.NewRouter(v1.RouterConfig{
		Logger:       logger.Nop(),
		JWTValidator: jwt,
		Runs:         runs,
		Resolutions:  handlers.NewResolutionHandler(base, &fakeResolver{active: map[string]*resolution.Record{}}, fakeReconciler{batchSize: batchSize}),
		Records:      handlers.NewRecordsHandler(base, fakeRecords{}),
		Health:       handlers.NewHealthHandler(map[string]handlers.Pinger{"database": okPinger{}}),
		Gatherer:     reg,
		HTTPRequests: rec.HTTPRequests,
		HTTPDuration: rec.HTTPDuration,
		HTTPPanics:   rec.HTTPPanics,
	})
	return &env{router: router, jwt: jwt, sync: fs, ledger: ledger, runs: runs, reg: reg, batchSize: batchSize}
}

func (e *env) token(t *testing.T, roles ...string) string {
	t.Helper()
	tok, _, err := e.jwt.IssueToken("alice", roles, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *env) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["checks"].(map[string]any)["database"])
}

func TestAuth(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodGet, "/api/v1/runs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/runs", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/runs", e.token(t, auth.RoleViewer), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodPost, "/api/v1/sources/crm/sync", e.token(t, auth.RoleViewer), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, apperror.CodeForbidden, decode(t, w)["code"])
}

func TestTriggerSync_Wait(t *testing.T) {
	e := newEnv(t)
	w := e.do(t, http.MethodPost, "/api/v1/sources/crm/sync", e.token(t, auth.RoleOperator),
		map[string]any{"mode": "full", "wait": true})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "crm", body["source_type"])
	assert.Equal(t, "full", body["mode"])
	assert.Equal(t, "success", body["status"])
	assert.EqualValues(t, 1000, body["duration_ms"])
	assert.Equal(t, "alice", e.sync.operator)
}

func TestTriggerSync_Async(t *testing.T) {
	e := newEnv(t)
	w := e.do(t, http.MethodPost, "/api/v1/sources/telephony/sync", e.token(t, auth.RoleOperator), nil)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "incremental", decode(t, w)["mode"])

	select {
	case st := <-e.sync.triggered:
		assert.Equal(t, source.TypeTelephony, st)
	case <-time.After(2 * time.Second):
		t.Fatal("sync was not started")
	}
	e.runs.Wait()
}

func TestTriggerSync_RunInProgress(t *testing.T) {
	e := newEnv(t)
	e.ledger.runs = append(e.ledger.runs, syncrun.Run{ID: id.New(), SourceType: source.TypeCRM, Status: syncrun.StatusRunning})

	w := e.do(t, http.MethodPost, "/api/v1/sources/crm/sync", e.token(t, auth.RoleOperator), nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, apperror.CodeRunInProgress, decode(t, w)["code"])
}

func TestTriggerSync_Validation(t *testing.T) {
	e := newEnv(t)
	tok := e.token(t, auth.RoleOperator)

	w := e.do(t, http.MethodPost, "/api/v1/sources/fax/sync", tok, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/api/v1/sources/crm/sync", tok, map[string]any{"mode": "sometimes"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRuns_GetAndList(t *testing.T) {
	e := newEnv(t)
	run := syncrun.Run{ID: id.New(), SourceType: source.TypeMailbox, Status: syncrun.StatusPartial}
	e.ledger.runs = append(e.ledger.runs, run)
	tok := e.token(t, auth.RoleViewer)

	w := e.do(t, http.MethodGet, "/api/v1/runs/"+run.ID.String(), tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "partial", decode(t, w)["status"])

	w = e.do(t, http.MethodGet, "/api/v1/runs/not-a-uuid", tok, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/runs/"+id.New().String(), tok, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/runs?status=partial&source_type=mailbox", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = e.do(t, http.MethodGet, "/api/v1/runs?status=weird", tok, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWatermark(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodGet, "/api/v1/sources/crm/watermark", e.token(t, auth.RoleViewer), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "p0003", decode(t, w)["cursor"])

	w = e.do(t, http.MethodPut, "/api/v1/sources/crm/watermark", e.token(t, auth.RoleOperator), map[string]string{"cursor": ""})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "", e.sync.watermarks[source.TypeCRM])

	w = e.do(t, http.MethodGet, "/api/v1/sources/sequence/watermark", e.token(t, auth.RoleViewer), nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "", body["cursor"])
	assert.NotContains(t, body, "updated_at")
}

func TestResolve(t *testing.T) {
	e := newEnv(t)
	tok := e.token(t, auth.RoleOperator)

	w := e.do(t, http.MethodPost, "/api/v1/resolve", tok, map[string]any{"kind": "email", "value": "  Jane@Acme.COM "})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "email:jane@acme.com", body["identifier"])
	assert.Equal(t, "c-1", body["record"].(map[string]any)["matched_contact_id"])

	w = e.do(t, http.MethodPost, "/api/v1/resolve", tok, map[string]any{"kind": "email", "value": "x@y.com", "dry_run": true})
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Nil(t, body["record"])
	assert.Equal(t, "exact", body["decision"].(map[string]any)["tier"])

	w = e.do(t, http.MethodPost, "/api/v1/resolve", tok, map[string]any{"kind": "email", "value": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apperror.CodeInvalidIdentifier, decode(t, w)["code"])

	w = e.do(t, http.MethodGet, "/api/v1/resolutions?kind=email&value=jane@acme.com", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = e.do(t, http.MethodGet, "/api/v1/resolutions?kind=email&value=nobody@acme.com", tok, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/resolutions?tier=bogus", tok, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOverrides(t *testing.T) {
	e := newEnv(t)
	tok := e.token(t, auth.RoleOperator)

	w := e.do(t, http.MethodPut, "/api/v1/overrides", tok, map[string]any{"kind": "phone", "value": "(555) 123-4567", "contact_id": "c-7"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "phone:+15551234567", body["identifier"])
	assert.Equal(t, "manual", body["record"].(map[string]any)["confidence_tier"])

	w = e.do(t, http.MethodPut, "/api/v1/overrides", tok, map[string]any{"kind": "phone", "value": "5551234567"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "contact_id is required")

	w = e.do(t, http.MethodDelete, "/api/v1/overrides?kind=phone&value=5551234567", tok, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReconcile(t *testing.T) {
	e := newEnv(t)
	w := e.do(t, http.MethodPost, "/api/v1/reconcile", e.token(t, auth.RoleOperator), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["upgraded"])
	assert.Equal(t, 0, *e.batchSize)

	w = e.do(t, http.MethodPost, "/api/v1/reconcile?batch_size=50", e.token(t, auth.RoleOperator), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 50, *e.batchSize)

	w = e.do(t, http.MethodPost, "/api/v1/reconcile?batch_size=-3", e.token(t, auth.RoleOperator), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecords(t *testing.T) {
	e := newEnv(t)
	tok := e.token(t, auth.RoleViewer)

	w := e.do(t, http.MethodGet, "/api/v1/records/telephony/call-1", tok, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "call-1", body["source_id"])
	assert.Equal(t, []any{"c-9"}, body["contacts"])

	w = e.do(t, http.MethodGet, "/api/v1/records/telephony/call-2", tok, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodGet, "/health/live", "", nil)

	w := e.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `contactsync_http_requests_total{method="GET",route="/health/live",status="200"} 1`))
}

func TestDevelopmentOperator(t *testing.T) {
	router := v1.NewRouter(v1.RouterConfig{
		Logger:  logger.Nop(),
		Records: handlers.NewRecordsHandler(handlers.NewBaseHandler("US"), fakeRecords{}),
	})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/records/telephony/call-1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
